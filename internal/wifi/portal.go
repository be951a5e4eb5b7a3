package wifi

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/net/netutil"
)

//go:embed templates/portal.html
var templateFiles embed.FS

var portalTemplate = template.Must(template.ParseFS(templateFiles, "templates/portal.html"))

// ErrPortalUsed is returned when Run is called on a portal that already ran.
var ErrPortalUsed = errors.New("provisioning portal already used")

// CredentialSaver persists credentials submitted through the portal.
type CredentialSaver interface {
	Save(ctx context.Context, c Credentials) error
}

// PortalConfig describes the provisioning access point and its web server.
type PortalConfig struct {
	// SSID and Password of the access point the portal runs on.
	SSID     string
	Password string

	// Hostname is used as the mDNS instance name and page title.
	Hostname string

	Listen    string
	Timeout   time.Duration
	MaxConns  int
	Advertise bool
}

// PortalResult reports how the portal ended.
type PortalResult struct {
	Saved bool
	SSID  string
}

// portalStatus is pushed to websocket clients once a second.
type portalStatus struct {
	RemainingSeconds int    `json:"remaining_seconds"`
	Saved            bool   `json:"saved"`
	SSID             string `json:"ssid,omitempty"`
}

// Portal is the one-shot provisioning portal. It brings up an access
// point, serves a form for the network name and password, and returns
// once credentials are saved or the timeout elapses.
type Portal struct {
	cfg      PortalConfig
	station  Station
	store    CredentialSaver
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// advertise registers the portal over mDNS and returns its shutdown.
	advertise func(instance string, port int) (func(), error)

	used  atomic.Bool
	saved chan Credentials
	done  chan struct{}

	mu        sync.Mutex
	deadline  time.Time
	savedSSID string
}

// NewPortal creates a portal. A nil logger uses slog.Default.
func NewPortal(cfg PortalConfig, station Station, store CredentialSaver, logger *slog.Logger) *Portal {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 180 * time.Second
	}
	if cfg.Listen == "" {
		cfg.Listen = ":80"
	}
	return &Portal{
		cfg:       cfg,
		station:   station,
		store:     store,
		logger:    logger,
		advertise: registerMDNS,
		saved:     make(chan Credentials, 1),
		done:      make(chan struct{}),
		deadline:  time.Now().Add(cfg.Timeout),
	}
}

// Run starts the access point and serves the portal until credentials
// are saved, the timeout elapses, or ctx is cancelled. The access point
// is stopped before Run returns. A timeout is not an error.
func (p *Portal) Run(ctx context.Context) (PortalResult, error) {
	if p.used.Swap(true) {
		return PortalResult{}, ErrPortalUsed
	}
	defer close(p.done)

	if err := p.station.StartAccessPoint(ctx, p.cfg.SSID, p.cfg.Password); err != nil {
		return PortalResult{}, fmt.Errorf("start access point: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.station.StopAccessPoint(stopCtx); err != nil {
			p.logger.Warn("failed to stop access point", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", p.cfg.Listen)
	if err != nil {
		return PortalResult{}, fmt.Errorf("listen on %s: %w", p.cfg.Listen, err)
	}
	if p.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, p.cfg.MaxConns)
	}

	srv := &http.Server{
		Handler:           p.withLogging(p.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			p.logger.Debug("portal shutdown", "error", err)
		}
	}()

	if p.cfg.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		stop, err := p.advertise(p.instanceName(), port)
		if err != nil {
			p.logger.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer stop()
		}
	}

	p.mu.Lock()
	p.deadline = time.Now().Add(p.cfg.Timeout)
	p.mu.Unlock()

	p.logger.Info("provisioning portal started",
		"ssid", p.cfg.SSID,
		"address", ln.Addr().String(),
		"timeout", p.cfg.Timeout,
	)

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	select {
	case c := <-p.saved:
		p.logger.Info("provisioning portal saved credentials", "ssid", c.SSID)
		return PortalResult{Saved: true, SSID: c.SSID}, nil
	case <-timer.C:
		p.logger.Info("provisioning portal timed out")
		return PortalResult{}, nil
	case err := <-serveErr:
		return PortalResult{}, fmt.Errorf("portal server: %w", err)
	case <-ctx.Done():
		return PortalResult{}, ctx.Err()
	}
}

// Handler returns the portal's HTTP routes.
func (p *Portal) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", p.handleForm)
	mux.HandleFunc("POST /save", p.handleSave)
	mux.HandleFunc("GET /qr.png", p.handleQR)
	mux.HandleFunc("GET /ws", p.handleWS)
	return mux
}

func (p *Portal) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		p.logger.Debug("portal request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

type pageData struct {
	Device      string
	AccessPoint string
	SSID        string
	Error       string
	Saved       bool
	Remaining   int
}

func (p *Portal) page() pageData {
	st := p.status()
	return pageData{
		Device:      p.instanceName(),
		AccessPoint: p.cfg.SSID,
		SSID:        st.SSID,
		Saved:       st.Saved,
		Remaining:   st.RemainingSeconds,
	}
}

func (p *Portal) render(w http.ResponseWriter, code int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := portalTemplate.Execute(w, data); err != nil {
		p.logger.Debug("portal render failed", "error", err)
	}
}

func (p *Portal) handleForm(w http.ResponseWriter, r *http.Request) {
	p.render(w, http.StatusOK, p.page())
}

func (p *Portal) handleSave(w http.ResponseWriter, r *http.Request) {
	ssid := strings.TrimSpace(r.PostFormValue("ssid"))
	c, err := NewCredentials(ssid, r.PostFormValue("password"))
	if err != nil {
		data := p.page()
		data.SSID = ssid
		data.Error = err.Error()
		p.render(w, http.StatusBadRequest, data)
		return
	}

	if err := p.store.Save(r.Context(), c); err != nil {
		p.logger.Error("failed to save credentials", "ssid", c.SSID, "error", err)
		http.Error(w, "could not save credentials", http.StatusInternalServerError)
		return
	}

	p.mu.Lock()
	p.savedSSID = c.SSID
	p.mu.Unlock()

	select {
	case p.saved <- c:
	default:
	}

	p.render(w, http.StatusOK, p.page())
}

func (p *Portal) handleQR(w http.ResponseWriter, r *http.Request) {
	png, err := qrcode.Encode(JoinURI(p.cfg.SSID, p.cfg.Password), qrcode.Medium, 256)
	if err != nil {
		http.Error(w, "qr encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(png); err != nil {
		p.logger.Debug("qr write failed", "error", err)
	}
}

func (p *Portal) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		st := p.status()
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(st); err != nil {
			return
		}
		if st.Saved {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "saved"))
			return
		}

		select {
		case <-ticker.C:
		case <-p.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (p *Portal) status() portalStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := int(time.Until(p.deadline).Round(time.Second) / time.Second)
	if remaining < 0 {
		remaining = 0
	}
	return portalStatus{
		RemainingSeconds: remaining,
		Saved:            p.savedSSID != "",
		SSID:             p.savedSSID,
	}
}

func (p *Portal) instanceName() string {
	if p.cfg.Hostname != "" {
		return p.cfg.Hostname
	}
	return p.cfg.SSID
}

func registerMDNS(instance string, port int) (func(), error) {
	server, err := zeroconf.Register(instance, "_http._tcp", "local.", port, []string{"path=/"}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return server.Shutdown, nil
}

// JoinURI returns the WIFI: URI understood by phone cameras for joining
// a WPA network.
func JoinURI(ssid, password string) string {
	esc := strings.NewReplacer(`\`, `\\`, `;`, `\;`, `,`, `\,`, `:`, `\:`, `"`, `\"`)
	if password == "" {
		return fmt.Sprintf("WIFI:T:nopass;S:%s;;", esc.Replace(ssid))
	}
	return fmt.Sprintf("WIFI:T:WPA;S:%s;P:%s;;", esc.Replace(ssid), esc.Replace(password))
}
