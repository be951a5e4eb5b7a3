// Package connectivity owns the device's network lifecycle: bringing the
// WiFi station up once at startup and keeping the MQTT session alive from
// the main loop's tick.
//
// The Manager is driven by a single goroutine. [Manager.Init] is called
// once; [Manager.Process] is called every tick and reconnects the broker
// session when it is down, announcing the device again on every
// successful connect.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/domik/air-sensor/internal/connwatch"
	"github.com/domik/air-sensor/internal/mqtt"
	"github.com/domik/air-sensor/internal/wifi"
)

// ErrRestart is returned by Init when the process must restart to
// recover: the station could not join a network, or the provisioning
// portal finished. The caller waits its boot delay and relaunches.
var ErrRestart = errors.New("restart required")

var errConnectionLost = errors.New("connection lost")

// Provisioner runs the interactive credential portal.
type Provisioner interface {
	Run(ctx context.Context) (wifi.PortalResult, error)
}

// CredentialSource yields previously provisioned network credentials.
type CredentialSource interface {
	Latest(ctx context.Context) (wifi.Credentials, bool, error)
}

// Config holds the connection parameters fixed for the process lifetime.
type Config struct {
	Hostname string
	// Fallback is joined when no stored credentials exist or the stored
	// network is unreachable.
	Fallback wifi.Credentials

	Username  string
	Password  string
	KeepAlive time.Duration

	// HubStatusTopic is subscribed after every connect; "online" there
	// triggers a fresh announcement. Empty disables it.
	HubStatusTopic string
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Station     wifi.Station
	Credentials CredentialSource // optional
	Portal      Provisioner
	Session     mqtt.Session
	Publisher   *mqtt.Publisher
	Logger      *slog.Logger
}

// Manager runs WiFi bring-up and MQTT session upkeep.
type Manager struct {
	cfg       Config
	station   wifi.Station
	creds     CredentialSource
	portal    Provisioner
	session   mqtt.Session
	publisher *mqtt.Publisher
	link      *connwatch.Tracker
	logger    *slog.Logger
}

// New creates a Manager.
func New(cfg Config, deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		station:   deps.Station,
		creds:     deps.Credentials,
		portal:    deps.Portal,
		session:   deps.Session,
		publisher: deps.Publisher,
		link:      connwatch.New("mqtt"),
		logger:    logger,
	}
}

// Init brings the network up. With reconfigure set it runs the
// provisioning portal instead and always returns [ErrRestart] when the
// portal ends, whether or not credentials were saved. Otherwise it joins
// the stored network, falling back to the configured one, and returns
// an error wrapping [ErrRestart] if neither can be joined.
func (m *Manager) Init(ctx context.Context, reconfigure bool) error {
	if reconfigure {
		return m.reconfigure(ctx)
	}

	if err := m.station.SetStationMode(ctx); err != nil {
		return m.fail(ctx, fmt.Errorf("station mode: %w", err))
	}
	if err := m.station.SetHostname(ctx, m.cfg.Hostname); err != nil {
		return m.fail(ctx, fmt.Errorf("set hostname: %w", err))
	}
	m.logger.Info(m.cfg.Hostname)

	if err := m.autoConnect(ctx); err != nil {
		return m.fail(ctx, err)
	}

	m.logger.Info("WiFi connected")
	addr, err := m.station.Address()
	if err != nil {
		m.logger.Warn("IP address: unknown", "error", err)
		return nil
	}
	m.logger.Info("IP address: " + addr)
	return nil
}

func (m *Manager) reconfigure(ctx context.Context) error {
	res, err := m.portal.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Error("provisioning portal failed", "error", err)
	} else if res.Saved {
		m.logger.Debug("credentials provisioned", "ssid", res.SSID)
	}

	m.logger.Info("WiFi Reconfigured! Rebooting...")
	return ErrRestart
}

func (m *Manager) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.logger.Error("Connection Failed! Rebooting...", "error", err)
	return fmt.Errorf("%w: %w", ErrRestart, err)
}

// candidates lists the networks to try, most recently provisioned first.
func (m *Manager) candidates(ctx context.Context) []wifi.Credentials {
	var list []wifi.Credentials
	if m.creds != nil {
		stored, ok, err := m.creds.Latest(ctx)
		switch {
		case err != nil:
			m.logger.Warn("stored credentials unavailable", "error", err)
		case ok:
			list = append(list, stored)
		}
	}
	if m.cfg.Fallback.SSID != "" && (len(list) == 0 || list[0] != m.cfg.Fallback) {
		list = append(list, m.cfg.Fallback)
	}
	return list
}

func (m *Manager) autoConnect(ctx context.Context) error {
	list := m.candidates(ctx)
	if len(list) == 0 {
		return errors.New("no network credentials")
	}

	var errs []error
	for _, c := range list {
		err := m.station.Connect(ctx, c)
		if err == nil {
			m.logger.Debug("joined network", "ssid", c.SSID)
			return nil
		}
		m.logger.Warn("WiFi connect attempt failed", "ssid", c.SSID, "error", err)
		errs = append(errs, fmt.Errorf("join %q: %w", c.SSID, err))
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// Process is the per-tick session step. When the session is down it makes
// exactly one connect attempt; on success it publishes availability and
// discovery before pumping inbound messages. A failed attempt returns
// without pumping and is retried on the next tick.
func (m *Manager) Process(ctx context.Context) {
	if !m.session.Connected() {
		if m.link.MarkDown(errConnectionLost) == connwatch.Down {
			m.logger.Warn("MQTT connection lost")
		}
		if !m.connect(ctx) {
			return
		}
	}

	for _, msg := range m.session.Loop() {
		m.handle(ctx, msg)
	}
}

func (m *Manager) connect(ctx context.Context) bool {
	m.logger.Info("Connecting to MQTT...")

	dev := m.publisher.Device()
	err := m.session.Connect(ctx, mqtt.ConnectOptions{
		ClientID:  dev.Identity.UniqueID,
		Username:  m.cfg.Username,
		Password:  m.cfg.Password,
		KeepAlive: m.cfg.KeepAlive,
		Will: &mqtt.Will{
			Topic:   dev.Topics.Availability,
			Payload: []byte(mqtt.StatusOffline),
			QoS:     0,
			Retain:  true,
		},
	})
	if err != nil {
		m.link.Record(err)
		state := m.session.State()
		var ce *mqtt.ConnectError
		if errors.As(err, &ce) {
			state = ce.State
		}
		m.logger.Error("Connect error: "+strconv.Itoa(int(state)),
			"state", state.String(),
			"attempt", m.link.Attempts(),
			"error", err,
		)
		m.logger.Info("Retry MQTT connection ...")
		m.session.Disconnect()
		return false
	}

	m.link.Record(nil)
	m.logger.Info("MQTT Connected!")
	m.announce(ctx)

	if m.cfg.HubStatusTopic != "" {
		if err := m.session.Subscribe(ctx, m.cfg.HubStatusTopic); err != nil {
			m.logger.Warn("hub status subscription failed",
				"topic", m.cfg.HubStatusTopic, "error", err)
		}
	}
	return true
}

// announce publishes "online" then every discovery config. Failures are
// logged by the publisher; the session stays up either way.
func (m *Manager) announce(ctx context.Context) {
	_ = m.publisher.PublishAvailability(ctx, mqtt.StatusOnline)
	if err := m.publisher.Discover(ctx); err != nil {
		m.logger.Warn("discovery incomplete", "error", err)
	}
}

func (m *Manager) handle(ctx context.Context, msg mqtt.Message) {
	if m.cfg.HubStatusTopic == "" || msg.Topic != m.cfg.HubStatusTopic {
		return
	}
	if strings.TrimSpace(string(msg.Payload)) != mqtt.StatusOnline {
		return
	}
	m.logger.Info("Home Assistant online, re-announcing")
	m.announce(ctx)
}

// Status reports the MQTT link state.
func (m *Manager) Status() connwatch.ServiceStatus {
	return m.link.Status()
}
