package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

// V5Config configures a [V5Session].
type V5Config struct {
	// Broker is the server URL. Schemes mqtt:// and tcp:// dial plain TCP;
	// mqtts://, ssl:// and tls:// dial TLS.
	Broker string
	// ConnectTimeout bounds dialing plus the CONNECT/CONNACK exchange. It
	// also caps how long Publish and Subscribe wait on the broker.
	ConnectTimeout time.Duration
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// V5Session is an MQTT 5 [Session] backed by the low-level paho.golang
// client. The session owns the dialed transport; paho owns keepalive.
type V5Session struct {
	cfg       V5Config
	broker    *url.URL
	client    *paho.Client
	connected atomic.Bool
	state     stateCell
	inbox     *inbox
	logger    *slog.Logger
}

// NewV5 creates an unconnected MQTT 5 session. The broker URL is parsed
// up front so a malformed address fails at startup, not on every tick.
func NewV5(cfg V5Config) (*V5Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	u, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("mqtt broker URL %q has no host", cfg.Broker)
	}

	s := &V5Session{
		cfg:    cfg,
		broker: u,
		inbox:  newInbox(inboxSize),
		logger: cfg.Logger,
	}
	s.state.store(StateDisconnected)
	return s, nil
}

// Connected reports whether the last connect succeeded and neither side
// has dropped the connection since.
func (s *V5Session) Connected() bool {
	return s.connected.Load()
}

// Connect dials the broker and performs the CONNECT/CONNACK exchange.
func (s *V5Session) Connect(ctx context.Context, o ConnectOptions) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := dialBroker(ctx, s.broker)
	if err != nil {
		st := StateConnectFailed
		if errors.Is(err, context.DeadlineExceeded) {
			st = StateConnectionTimeout
		}
		s.state.store(st)
		return &ConnectError{State: st, Err: err}
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: o.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				s.inbox.push(Message{Topic: pr.Packet.Topic, Payload: pr.Packet.Payload})
				return true, nil
			},
		},
		OnClientError: func(err error) {
			s.markLost()
			s.logger.Warn("mqtt client error", "error", err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			s.markLost()
			s.logger.Warn("mqtt server disconnect", "reason_code", d.ReasonCode)
		},
	})

	cp := &paho.Connect{
		ClientID:     o.ClientID,
		KeepAlive:    uint16(o.KeepAlive / time.Second),
		CleanStart:   true,
		Username:     o.Username,
		UsernameFlag: o.Username != "",
		Password:     []byte(o.Password),
		PasswordFlag: o.Password != "",
	}
	if o.Will != nil {
		cp.WillMessage = &paho.WillMessage{
			Topic:   o.Will.Topic,
			Payload: o.Will.Payload,
			QoS:     o.Will.QoS,
			Retain:  o.Will.Retain,
		}
	}

	ca, err := client.Connect(ctx, cp)
	if err != nil {
		st := StateConnectFailed
		if ca != nil && ca.ReasonCode != 0 {
			st = stateFromReasonCode(ca.ReasonCode)
		} else if errors.Is(err, context.DeadlineExceeded) {
			st = StateConnectionTimeout
		}
		conn.Close()
		s.state.store(st)
		return &ConnectError{State: st, Err: err}
	}

	s.client = client
	s.connected.Store(true)
	s.state.store(StateConnected)
	return nil
}

// Disconnect sends DISCONNECT (normal disconnection) and drops the client.
func (s *V5Session) Disconnect() {
	if s.client != nil {
		if s.connected.Load() {
			_ = s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		}
		s.client = nil
	}
	s.connected.Store(false)
	s.state.store(StateDisconnected)
}

// Publish sends one QoS 0 message.
func (s *V5Session) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	_, err := s.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  retain,
	})
	return err
}

// Subscribe subscribes to topic at QoS 0.
func (s *V5Session) Subscribe(ctx context.Context, topic string) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	_, err := s.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	})
	return err
}

// Loop drains the inbox.
func (s *V5Session) Loop() []Message {
	return drainInbox(s.inbox, s.logger)
}

// State returns the most recent session state.
func (s *V5Session) State() State {
	return s.state.load()
}

func (s *V5Session) markLost() {
	if s.connected.Swap(false) {
		s.state.store(StateConnectionLost)
	}
}

// dialBroker opens the transport for u.
func dialBroker(ctx context.Context, u *url.URL) (net.Conn, error) {
	switch u.Scheme {
	case "mqtt", "tcp", "":
		var d net.Dialer
		return d.DialContext(ctx, "tcp", hostPort(u, "1883"))
	case "mqtts", "ssl", "tls":
		d := tls.Dialer{Config: &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: u.Hostname(),
		}}
		return d.DialContext(ctx, "tcp", hostPort(u, "8883"))
	default:
		return nil, fmt.Errorf("unsupported mqtt broker scheme %q", u.Scheme)
	}
}

func hostPort(u *url.URL, defaultPort string) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), defaultPort)
}

// stateFromReasonCode folds MQTT 5 CONNACK reason codes onto the 3.1.1
// refusal codes.
func stateFromReasonCode(rc byte) State {
	switch rc {
	case 0x84: // Unsupported Protocol Version
		return StateBadProtocol
	case 0x85: // Client Identifier not valid
		return StateBadClientID
	case 0x88, 0x89: // Server unavailable, Server busy
		return StateUnavailable
	case 0x86: // Bad User Name or Password
		return StateBadCredentials
	case 0x87: // Not authorized
		return StateUnauthorized
	default:
		return StateConnectFailed
	}
}
