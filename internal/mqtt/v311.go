package mqtt

import (
	"context"
	"errors"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// inboxSize bounds the number of inbound messages held between ticks.
const inboxSize = 32

// V311Config configures a [V311Session].
type V311Config struct {
	// Broker is the server URL, e.g. tcp://10.0.0.2:1883 or ssl://host:8883.
	Broker string
	// ConnectTimeout bounds a single connect attempt. Publish and Subscribe
	// wait no longer than this for the broker either.
	ConnectTimeout time.Duration
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// V311Session is an MQTT 3.1.1 [Session] backed by paho.mqtt.golang. The
// library's automatic reconnect is disabled: a lost connection is only
// re-established when the owner calls Connect again.
type V311Session struct {
	cfg    V311Config
	client pahomqtt.Client
	state  stateCell
	inbox  *inbox
	logger *slog.Logger
}

// NewV311 creates an unconnected MQTT 3.1.1 session.
func NewV311(cfg V311Config) *V311Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	s := &V311Session{
		cfg:    cfg,
		inbox:  newInbox(inboxSize),
		logger: cfg.Logger,
	}
	s.state.store(StateDisconnected)
	return s
}

// Connected reports whether the underlying network connection is open
// after a successful connect.
func (s *V311Session) Connected() bool {
	return s.client != nil && s.state.load() == StateConnected && s.client.IsConnectionOpen()
}

// Connect builds a fresh client for opts and performs one connect attempt.
// The will message and credentials are part of the client options in
// paho.mqtt.golang, so each attempt gets its own client.
func (s *V311Session) Connect(ctx context.Context, o ConnectOptions) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(o.ClientID).
		SetUsername(o.Username).
		SetPassword(o.Password).
		SetKeepAlive(o.KeepAlive).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetDefaultPublishHandler(func(_ pahomqtt.Client, m pahomqtt.Message) {
			s.inbox.push(Message{Topic: m.Topic(), Payload: m.Payload()})
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			s.state.store(StateConnectionLost)
			s.logger.Warn("mqtt connection lost", "error", err)
		})
	if o.Will != nil {
		opts.SetBinaryWill(o.Will.Topic, o.Will.Payload, o.Will.QoS, o.Will.Retain)
	}

	client := pahomqtt.NewClient(opts)
	tok := client.Connect()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	if err := waitToken(ctx, tok); err != nil {
		st := StateConnectFailed
		if ct, ok := tok.(*pahomqtt.ConnectToken); ok && ct.ReturnCode() != 0 {
			st = State(ct.ReturnCode())
		} else if errors.Is(err, context.DeadlineExceeded) {
			st = StateConnectionTimeout
		}
		// Keep the client so Disconnect can abandon a still-pending attempt.
		s.client = client
		s.state.store(st)
		return &ConnectError{State: st, Err: err}
	}

	s.client = client
	s.state.store(StateConnected)
	return nil
}

// Disconnect closes the client, waiting briefly for in-flight work.
func (s *V311Session) Disconnect() {
	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
	}
	s.state.store(StateDisconnected)
}

// Publish sends one QoS 0 message and waits for it to be written.
func (s *V311Session) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	return waitToken(ctx, s.client.Publish(topic, 0, retain, payload))
}

// Subscribe subscribes to topic at QoS 0. Messages are delivered through
// the default publish handler into the inbox.
func (s *V311Session) Subscribe(ctx context.Context, topic string) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	return waitToken(ctx, s.client.Subscribe(topic, 0, nil))
}

// Loop drains the inbox. Keepalive pings run on paho's own goroutines.
func (s *V311Session) Loop() []Message {
	if s.client != nil && !s.client.IsConnectionOpen() && s.state.load() == StateConnected {
		s.state.store(StateConnectionLost)
	}
	return drainInbox(s.inbox, s.logger)
}

// State returns the most recent session state.
func (s *V311Session) State() State {
	return s.state.load()
}

// waitToken blocks until tok completes or ctx is done.
func waitToken(ctx context.Context, tok pahomqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
