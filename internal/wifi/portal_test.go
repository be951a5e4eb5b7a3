package wifi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeStation struct {
	mu       sync.Mutex
	calls    []string
	startErr error
}

func (f *fakeStation) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeStation) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStation) SetStationMode(context.Context) error { f.record("station"); return nil }

func (f *fakeStation) SetHostname(_ context.Context, name string) error {
	f.record("hostname " + name)
	return nil
}

func (f *fakeStation) Connect(_ context.Context, c Credentials) error {
	f.record("connect " + c.SSID)
	return nil
}

func (f *fakeStation) StartAccessPoint(_ context.Context, ssid, _ string) error {
	f.record("start-ap " + ssid)
	return f.startErr
}

func (f *fakeStation) StopAccessPoint(context.Context) error { f.record("stop-ap"); return nil }

func (f *fakeStation) Address() (string, error) { return "192.168.4.1", nil }

type memSaver struct {
	mu    sync.Mutex
	saved []Credentials
	err   error
}

func (m *memSaver) Save(_ context.Context, c Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, c)
	return nil
}

func testPortal(t *testing.T, cfg PortalConfig) (*Portal, *fakeStation, *memSaver) {
	t.Helper()
	if cfg.SSID == "" {
		cfg.SSID = "AP wifi name"
		cfg.Password = "and password"
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	st := &fakeStation{}
	sv := &memSaver{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPortal(cfg, st, sv, logger), st, sv
}

func postForm(h http.Handler, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/save", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPortalForm(t *testing.T) {
	p, _, _ := testPortal(t, PortalConfig{Hostname: "air-sensor", Timeout: time.Minute})

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`name="ssid"`, `name="password"`, "air-sensor", `src="/qr.png"`} {
		if !strings.Contains(body, want) {
			t.Errorf("form missing %q", want)
		}
	}
}

func TestPortalSaveInvalid(t *testing.T) {
	p, _, sv := testPortal(t, PortalConfig{Timeout: time.Minute})

	rec := postForm(p.Handler(), url.Values{"ssid": {"home"}, "password": {"short"}})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "passphrase must be 8 to 63 characters") {
		t.Errorf("body missing validation error:\n%s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `value="home"`) {
		t.Error("form should keep the submitted network name")
	}
	if len(sv.saved) != 0 {
		t.Errorf("saved %d credentials, want 0", len(sv.saved))
	}
}

func TestPortalSaveStoreError(t *testing.T) {
	p, _, sv := testPortal(t, PortalConfig{Timeout: time.Minute})
	sv.err = errors.New("disk full")

	rec := postForm(p.Handler(), url.Values{"ssid": {"home"}, "password": {"password"}})

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if p.status().Saved {
		t.Error("status reports saved after store failure")
	}
}

func TestPortalSaveThenRun(t *testing.T) {
	p, st, sv := testPortal(t, PortalConfig{Timeout: time.Minute})

	rec := postForm(p.Handler(), url.Values{"ssid": {"IEEE"}, "password": {"password"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Saved.") {
		t.Errorf("body missing confirmation:\n%s", rec.Body.String())
	}
	if len(sv.saved) != 1 {
		t.Fatalf("saved %d credentials, want 1", len(sv.saved))
	}
	want := "f42c6fc52df0ebef9ebb4b90b38a5f902e83fe1b135a70e23aed762e9710a12e"
	if sv.saved[0].PSK != want {
		t.Errorf("PSK = %s, want %s", sv.saved[0].PSK, want)
	}

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.Saved || res.SSID != "IEEE" {
		t.Errorf("Run() = %+v, want saved IEEE", res)
	}

	calls := st.Calls()
	if len(calls) != 2 || calls[0] != "start-ap AP wifi name" || calls[1] != "stop-ap" {
		t.Errorf("station calls = %v, want [start-ap AP wifi name stop-ap]", calls)
	}
}

func TestPortalTimeout(t *testing.T) {
	p, st, _ := testPortal(t, PortalConfig{Timeout: 50 * time.Millisecond})

	start := time.Now()
	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Saved {
		t.Error("Run() reported saved on timeout")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Run() returned after %v, before the timeout", elapsed)
	}
	if calls := st.Calls(); len(calls) != 2 || calls[1] != "stop-ap" {
		t.Errorf("station calls = %v, want access point stopped", calls)
	}
}

func TestPortalRunOnce(t *testing.T) {
	p, _, _ := testPortal(t, PortalConfig{Timeout: 10 * time.Millisecond})

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	if _, err := p.Run(context.Background()); !errors.Is(err, ErrPortalUsed) {
		t.Errorf("second Run() error = %v, want ErrPortalUsed", err)
	}
}

func TestPortalStartAccessPointFails(t *testing.T) {
	p, st, _ := testPortal(t, PortalConfig{Timeout: time.Minute})
	st.startErr = errors.New("no such device")

	if _, err := p.Run(context.Background()); err == nil {
		t.Fatal("Run() should fail when the access point cannot start")
	}
	for _, c := range st.Calls() {
		if c == "stop-ap" {
			t.Error("access point stopped although it never started")
		}
	}
}

func TestPortalCancelled(t *testing.T) {
	p, st, _ := testPortal(t, PortalConfig{Timeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := p.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want context.DeadlineExceeded", err)
	}
	if calls := st.Calls(); calls[len(calls)-1] != "stop-ap" {
		t.Errorf("station calls = %v, want access point stopped", calls)
	}
}

func TestPortalAdvertise(t *testing.T) {
	p, _, _ := testPortal(t, PortalConfig{
		Hostname:  "air-sensor",
		Timeout:   10 * time.Millisecond,
		Advertise: true,
	})

	var instance string
	var port int
	stopped := false
	p.advertise = func(name string, pt int) (func(), error) {
		instance, port = name, pt
		return func() { stopped = true }, nil
	}

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if instance != "air-sensor" {
		t.Errorf("instance = %q, want air-sensor", instance)
	}
	if port == 0 {
		t.Error("advertised port 0")
	}
	if !stopped {
		t.Error("mDNS advertisement not shut down")
	}
}

func TestPortalQR(t *testing.T) {
	p, _, _ := testPortal(t, PortalConfig{Timeout: time.Minute})

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/qr.png", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("body is not a PNG")
	}
}

func TestPortalWebsocketStatus(t *testing.T) {
	p, _, _ := testPortal(t, PortalConfig{Timeout: time.Minute})
	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var st portalStatus
	if err := conn.ReadJSON(&st); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if st.Saved {
		t.Error("status saved = true before any submission")
	}
	if st.RemainingSeconds <= 0 || st.RemainingSeconds > 60 {
		t.Errorf("remaining_seconds = %d, want within (0, 60]", st.RemainingSeconds)
	}

	postForm(p.Handler(), url.Values{"ssid": {"home"}, "password": {"password"}})

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&st); err != nil {
		t.Fatalf("ReadJSON after save: %v", err)
	}
	if !st.Saved || st.SSID != "home" {
		t.Errorf("status = %+v, want saved home", st)
	}
}
