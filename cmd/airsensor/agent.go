package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/domik/air-sensor/internal/buildinfo"
	"github.com/domik/air-sensor/internal/config"
	"github.com/domik/air-sensor/internal/connectivity"
	"github.com/domik/air-sensor/internal/connwatch"
	"github.com/domik/air-sensor/internal/device"
	"github.com/domik/air-sensor/internal/diag"
	"github.com/domik/air-sensor/internal/mqtt"
	"github.com/domik/air-sensor/internal/wifi"
)

// runAgent handles "airsensor run" and "airsensor reconfigure". It brings
// the network up, then ticks the connectivity manager and publishes
// readings until ctx is cancelled. A connectivity failure that needs a
// restart is returned after the configured boot delay.
func runAgent(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string, reconfigure bool) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg, stdout, stderr)
	logger.Info("starting airsensor",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
		"config", cfgPath,
	)
	if names := cfg.Placeholders(); len(names) > 0 {
		logger.Warn("Default credentials are used", "settings", names)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	dev, err := buildDevice(cfg)
	if err != nil {
		return err
	}
	logger.Debug("device", "unique_id", dev.Identity.UniqueID, "state_topic", dev.Topics.State)

	store, err := wifi.NewStore(filepath.Join(cfg.DataDir, "wifi.db"))
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer store.Close()

	session, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	publisher := mqtt.NewPublisher(session, dev, logger)

	station := wifi.NewNMCLI(cfg.WiFi.Interface, cfg.WiFi.ConnectTimeout, nil)
	portal := wifi.NewPortal(wifi.PortalConfig{
		SSID:      cfg.WiFi.SSID,
		Password:  cfg.WiFi.Password,
		Hostname:  cfg.WiFi.Hostname,
		Listen:    cfg.WiFi.PortalListen,
		Timeout:   cfg.WiFi.PortalTimeout,
		MaxConns:  cfg.WiFi.PortalMaxConns,
		Advertise: cfg.WiFi.PortalAdvertise,
	}, station, store, logger)

	fallback, err := wifi.NewCredentials(cfg.WiFi.SSID, cfg.WiFi.Password)
	if err != nil {
		logger.Warn("configured WiFi credentials unusable", "ssid", cfg.WiFi.SSID, "error", err)
	}

	mgr := connectivity.New(connectivity.Config{
		Hostname:       cfg.WiFi.Hostname,
		Fallback:       fallback,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		KeepAlive:      cfg.MQTT.KeepAlive,
		HubStatusTopic: cfg.MQTT.HubStatusTopic,
	}, connectivity.Deps{
		Station:     station,
		Credentials: store,
		Portal:      portal,
		Session:     session,
		Publisher:   publisher,
		Logger:      logger,
	})

	if err := mgr.Init(ctx, reconfigure); err != nil {
		if errors.Is(err, connectivity.ErrRestart) {
			waitRestart(ctx, cfg.BootDelay)
		}
		return err
	}

	readings := make(chan mqtt.Reading, 8)
	go readReadings(ctx, stdin, readings, logger)

	return loop(ctx, cfg.TickInterval, mgr, session, publisher, readings, logger)
}

// linkReportInterval spaces out the warnings logged while the MQTT link
// stays down.
var linkReportInterval = time.Minute

// ticker is the part of the connectivity manager the main loop drives.
type ticker interface {
	Process(ctx context.Context)
	Status() connwatch.ServiceStatus
}

// loop runs the cooperative main loop: one Process step per tick and one
// state publish per reading, all on this goroutine.
func loop(ctx context.Context, every time.Duration, mgr ticker, session mqtt.Session, publisher *mqtt.Publisher, readings <-chan mqtt.Reading, logger *slog.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()

	var reported time.Time
	step := func() {
		mgr.Process(ctx)
		st := mgr.Status()
		if st.Ready {
			reported = time.Time{}
			return
		}
		if now := time.Now(); now.Sub(reported) >= linkReportInterval {
			reported = now
			logger.Warn("MQTT link down",
				"attempts", st.Attempts,
				"last_error", st.LastError,
				"since", st.Since,
			)
		}
	}

	step()
	for {
		select {
		case <-ctx.Done():
			shutdown(session, publisher, mgr.Status(), logger)
			return nil
		case <-t.C:
			step()
		case r, ok := <-readings:
			if !ok {
				logger.Debug("reading input closed")
				readings = nil
				continue
			}
			if err := publisher.PublishState(ctx, r); err != nil {
				logger.Warn("reading not delivered", "error", err)
			}
		}
	}
}

// shutdown marks the device offline and closes the session cleanly. A
// clean disconnect suppresses the broker-side will, so availability is
// published explicitly.
func shutdown(session mqtt.Session, publisher *mqtt.Publisher, link connwatch.ServiceStatus, logger *slog.Logger) {
	if session.Connected() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = publisher.PublishAvailability(ctx, mqtt.StatusOffline)
	}
	session.Disconnect()
	logger.Info("airsensor stopped",
		"mqtt_ready", link.Ready,
		"mqtt_connects", link.Connects,
		"mqtt_attempts", link.Attempts,
		"last_error", link.LastError,
	)
}

// waitRestart sleeps for the boot delay before the process exits for
// restart. Cancellation cuts the wait short.
func waitRestart(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func newLogger(cfg *config.Config, stdout, stderr io.Writer) *slog.Logger {
	if cfg.LogOutput == "stderr" {
		return diag.New(stderr)
	}
	return diag.New(stdout)
}

// buildDevice assembles the device descriptor. An empty unique_id is
// replaced by the instance ID kept in the data directory.
func buildDevice(cfg *config.Config) (device.Descriptor, error) {
	id := cfg.Device.Identity()
	if id.UniqueID == "" {
		instanceID, err := device.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return device.Descriptor{}, fmt.Errorf("instance id: %w", err)
		}
		id.UniqueID = instanceID
	}
	return device.New(id, cfg.MQTT.DiscoveryPrefix, cfg.MQTT.NodeID), nil
}

func newSession(cfg *config.Config, logger *slog.Logger) (mqtt.Session, error) {
	switch cfg.MQTT.Protocol {
	case config.ProtocolV5:
		s, err := mqtt.NewV5(mqtt.V5Config{
			Broker:         cfg.MQTT.Broker,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("mqtt session: %w", err)
		}
		return s, nil
	default:
		return mqtt.NewV311(mqtt.V311Config{
			Broker:         cfg.MQTT.Broker,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			Logger:         logger,
		}), nil
	}
}
