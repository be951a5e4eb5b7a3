package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/domik/air-sensor/internal/config"
	"github.com/domik/air-sensor/internal/connwatch"
	"github.com/domik/air-sensor/internal/device"
	"github.com/domik/air-sensor/internal/mqtt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSession struct {
	mu          sync.Mutex
	connected   bool
	failPublish error
	topics      []string
	payloads    []string
	disconnects int
}

func (f *fakeSession) Connected() bool { return f.connected }
func (f *fakeSession) Connect(context.Context, mqtt.ConnectOptions) error { return nil }
func (f *fakeSession) Disconnect() { f.disconnects++ }
func (f *fakeSession) Subscribe(context.Context, string) error { return nil }
func (f *fakeSession) Loop() []mqtt.Message { return nil }
func (f *fakeSession) State() mqtt.State { return mqtt.StateConnected }

func (f *fakeSession) Publish(_ context.Context, topic string, payload []byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, string(payload))
	return f.failPublish
}

type countingTicker struct {
	n      int
	status connwatch.ServiceStatus
}

func (c *countingTicker) Process(context.Context)        { c.n++ }
func (c *countingTicker) Status() connwatch.ServiceStatus { return c.status }

func TestParseReading(t *testing.T) {
	tests := []struct {
		line    string
		want    mqtt.Reading
		wantErr bool
	}{
		{line: "600 21.5 45 1013.2", want: mqtt.Reading{CO2: 600, Temperature: 21.5, Humidity: 45, Pressure: 1013.2}},
		{line: "  412\t-3.25  88.1 990 ", want: mqtt.Reading{CO2: 412, Temperature: -3.25, Humidity: 88.1, Pressure: 990}},
		{line: "600 21.5 45", wantErr: true},
		{line: "600 21.5 45 1013 7", wantErr: true},
		{line: "6.5 21.5 45 1013", wantErr: true},
		{line: "600 warm 45 1013", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseReading(tt.line)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseReading(%q) should fail", tt.line)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseReading(%q) error: %v", tt.line, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseReading(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
}

func TestReadReadings(t *testing.T) {
	input := "# co2 temp hum press\n600 21 45 1013\n\nnot a reading\n700 22 46 1012\n"
	out := make(chan mqtt.Reading, 4)

	readReadings(context.Background(), strings.NewReader(input), out, discardLogger())

	var got []int
	for r := range out {
		got = append(got, r.CO2)
	}
	if len(got) != 2 || got[0] != 600 || got[1] != 700 {
		t.Errorf("readings co2 = %v, want [600 700]", got)
	}
}

func TestLoopPublishesReadings(t *testing.T) {
	session := &fakeSession{connected: true}
	publisher := mqtt.NewPublisher(session, device.Default(), discardLogger())
	mgr := &countingTicker{status: connwatch.ServiceStatus{Name: "mqtt", Ready: true}}

	readings := make(chan mqtt.Reading, 2)
	readings <- mqtt.Reading{CO2: 600, Temperature: 21, Humidity: 45, Pressure: 1013.2}
	close(readings)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := loop(ctx, 10*time.Millisecond, mgr, session, publisher, readings, discardLogger()); err != nil {
		t.Fatalf("loop() error: %v", err)
	}

	if mgr.n < 2 {
		t.Errorf("Process called %d times, want ticks", mgr.n)
	}

	dev := device.Default()
	if len(session.topics) != 2 {
		t.Fatalf("published %v, want state then offline", session.topics)
	}
	if session.topics[0] != dev.Topics.State {
		t.Errorf("first publish to %s, want state topic", session.topics[0])
	}
	want := `{"temperature":"21.0","humidity":"45.0","pressure":"1013.2","co2":600}`
	if session.payloads[0] != want {
		t.Errorf("state payload = %s, want %s", session.payloads[0], want)
	}
	if session.topics[1] != dev.Topics.Availability || session.payloads[1] != "offline" {
		t.Errorf("shutdown publish = %s %s, want offline availability", session.topics[1], session.payloads[1])
	}
	if session.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", session.disconnects)
	}
}

func TestLoopPublishFailureKeepsRunning(t *testing.T) {
	session := &fakeSession{connected: false, failPublish: mqtt.ErrNotConnected}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	publisher := mqtt.NewPublisher(session, device.Default(), logger)

	readings := make(chan mqtt.Reading, 2)
	readings <- mqtt.Reading{CO2: 1}
	readings <- mqtt.Reading{CO2: 2}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := loop(ctx, 10*time.Millisecond, &countingTicker{}, session, publisher, readings, logger); err != nil {
		t.Fatalf("loop() error: %v", err)
	}
	// Both readings attempted once each; no offline publish while disconnected.
	if len(session.topics) != 2 {
		t.Errorf("publish attempts = %d, want 2", len(session.topics))
	}
	if n := strings.Count(buf.String(), "reading not delivered"); n != 2 {
		t.Errorf("undelivered warnings = %d, want 2", n)
	}
}

func TestLoopReportsLinkDown(t *testing.T) {
	old := linkReportInterval
	linkReportInterval = 30 * time.Millisecond
	t.Cleanup(func() { linkReportInterval = old })

	session := &fakeSession{}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	publisher := mqtt.NewPublisher(session, device.Default(), logger)
	mgr := &countingTicker{status: connwatch.ServiceStatus{
		Name:      "mqtt",
		Attempts:  4,
		LastError: "connection refused",
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := loop(ctx, 5*time.Millisecond, mgr, session, publisher, nil, logger); err != nil {
		t.Fatalf("loop() error: %v", err)
	}

	out := buf.String()
	n := strings.Count(out, "MQTT link down")
	if n < 1 {
		t.Fatalf("no link-down warning logged:\n%s", out)
	}
	if n >= mgr.n {
		t.Errorf("link-down warnings = %d for %d ticks, want rate limited", n, mgr.n)
	}
	if !strings.Contains(out, "attempts=4") || !strings.Contains(out, `last_error="connection refused"`) {
		t.Errorf("warning lacks link details:\n%s", out)
	}
	if !strings.Contains(out, "mqtt_ready=false") || !strings.Contains(out, "mqtt_attempts=4") {
		t.Errorf("shutdown summary lacks link status:\n%s", out)
	}
}

func TestLoopQuietWhileLinkUp(t *testing.T) {
	session := &fakeSession{connected: true}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	publisher := mqtt.NewPublisher(session, device.Default(), logger)
	mgr := &countingTicker{status: connwatch.ServiceStatus{Name: "mqtt", Ready: true, Connects: 2}}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	if err := loop(ctx, 5*time.Millisecond, mgr, session, publisher, nil, logger); err != nil {
		t.Fatalf("loop() error: %v", err)
	}

	out := buf.String()
	if strings.Contains(out, "MQTT link down") {
		t.Errorf("link-down warning logged while ready:\n%s", out)
	}
	if !strings.Contains(out, "mqtt_ready=true") || !strings.Contains(out, "mqtt_connects=2") {
		t.Errorf("shutdown summary lacks link status:\n%s", out)
	}
}

func TestWaitRestart(t *testing.T) {
	start := time.Now()
	waitRestart(context.Background(), 30*time.Millisecond)
	if time.Since(start) < 30*time.Millisecond {
		t.Error("waitRestart returned before the delay")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start = time.Now()
	waitRestart(ctx, time.Hour)
	if time.Since(start) > time.Second {
		t.Error("waitRestart ignored cancellation")
	}
}

func TestBuildDevice(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	dev, err := buildDevice(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Identity.UniqueID != device.DefaultUniqueID {
		t.Errorf("UniqueID = %q, want %q", dev.Identity.UniqueID, device.DefaultUniqueID)
	}

	cfg.Device.UniqueID = ""
	first, err := buildDevice(cfg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := buildDevice(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if first.Identity.UniqueID == "" || first.Identity.UniqueID != second.Identity.UniqueID {
		t.Errorf("generated ids %q and %q, want stable non-empty", first.Identity.UniqueID, second.Identity.UniqueID)
	}
	if first.Sensors[0].UniqueID != first.Identity.UniqueID+"-temperature" {
		t.Errorf("sensor id = %q", first.Sensors[0].UniqueID)
	}
}

func TestNewSession(t *testing.T) {
	cfg := config.Default()

	s, err := newSession(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*mqtt.V311Session); !ok {
		t.Errorf("protocol 3.1.1 gave %T", s)
	}

	cfg.MQTT.Protocol = config.ProtocolV5
	s, err = newSession(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*mqtt.V5Session); !ok {
		t.Errorf("protocol 5 gave %T", s)
	}

	cfg.MQTT.Broker = "tcp://"
	if _, err := newSession(cfg, discardLogger()); err == nil {
		t.Error("v5 session with no host should fail")
	}
}

func TestRunInit(t *testing.T) {
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })

	dir := filepath.Join(t.TempDir(), "etc")
	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	path := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	if _, err := config.Load(path); err != nil {
		t.Errorf("written config does not load: %v", err)
	}

	// A second run keeps the user's edits.
	if err := os.WriteFile(path, []byte("mqtt:\n  broker: tcp://edited:1883\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("second runInit: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "edited") {
		t.Error("runInit overwrote an existing config")
	}
	if !strings.Contains(buf.String(), "exists, kept") {
		t.Errorf("output = %q, want note about kept file", buf.String())
	}
}

func TestRunAgentBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("mqtt:\n  protocol: \"4\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := run(context.Background(), nil, io.Discard, io.Discard, []string{"-config", path, "run"})
	if err == nil || !strings.Contains(err.Error(), "mqtt.protocol") {
		t.Errorf("run() error = %v, want protocol validation error", err)
	}
	if errors.Is(err, context.Canceled) {
		t.Error("unexpected cancellation")
	}
}
