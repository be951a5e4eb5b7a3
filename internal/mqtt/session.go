package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"
)

// ErrNotConnected is returned by Publish and Subscribe when the session
// has no live broker connection.
var ErrNotConnected = errors.New("mqtt session not connected")

// State is the broker-reported session state. The numbering follows the
// codes embedded MQTT clients report: negative values are client-side
// conditions, 0 is connected and 1-5 are CONNACK refusal codes.
type State int

const (
	StateConnectionTimeout State = -4
	StateConnectionLost    State = -3
	StateConnectFailed     State = -2
	StateDisconnected      State = -1
	StateConnected         State = 0
	StateBadProtocol       State = 1
	StateBadClientID       State = 2
	StateUnavailable       State = 3
	StateBadCredentials    State = 4
	StateUnauthorized      State = 5
)

func (s State) String() string {
	switch s {
	case StateConnectionTimeout:
		return "connection_timeout"
	case StateConnectionLost:
		return "connection_lost"
	case StateConnectFailed:
		return "connect_failed"
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateBadProtocol:
		return "bad_protocol"
	case StateBadClientID:
		return "bad_client_id"
	case StateUnavailable:
		return "unavailable"
	case StateBadCredentials:
		return "bad_credentials"
	case StateUnauthorized:
		return "unauthorized"
	default:
		return "state_" + strconv.Itoa(int(s))
	}
}

// ConnectError reports a failed connect attempt together with the state
// the broker (or the client) reported for it.
type ConnectError struct {
	State State
	Err   error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("mqtt connect failed: %s (%d)", e.State, int(e.State))
	}
	return fmt.Sprintf("mqtt connect failed: %s (%d): %v", e.State, int(e.State), e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Will is the last-will message the broker publishes if the client goes
// away without a clean disconnect.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// ConnectOptions are the per-connect parameters of a session.
type ConnectOptions struct {
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration
	Will      *Will
}

// Message is an inbound publish handed out by [Session.Loop].
type Message struct {
	Topic   string
	Payload []byte
}

// Session is a caller-driven MQTT broker session. It is owned by a single
// goroutine (the main loop); implementations only synchronize with the
// client library's own background goroutines.
type Session interface {
	// Connected reports whether the broker connection is currently up.
	Connected() bool
	// Connect performs one synchronous connect attempt. Failures are
	// returned as *ConnectError.
	Connect(ctx context.Context, opts ConnectOptions) error
	// Disconnect closes the connection, if any.
	Disconnect()
	// Publish sends one QoS 0 message.
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
	// Subscribe adds a QoS 0 subscription whose messages come out of Loop.
	Subscribe(ctx context.Context, topic string) error
	// Loop is the per-tick maintenance step. It returns the inbound
	// messages received since the previous call.
	Loop() []Message
	// State returns the most recent session state.
	State() State
}

// inbox buffers inbound messages between the client library's goroutines
// and the main loop. When the main loop falls behind, new messages are
// dropped and counted rather than blocking the network reader.
type inbox struct {
	ch      chan Message
	dropped atomic.Int64
}

func newInbox(size int) *inbox {
	return &inbox{ch: make(chan Message, size)}
}

func (q *inbox) push(m Message) {
	select {
	case q.ch <- m:
	default:
		q.dropped.Add(1)
	}
}

// drain returns every queued message and the number dropped since the
// last drain.
func (q *inbox) drain() ([]Message, int64) {
	var msgs []Message
	for {
		select {
		case m := <-q.ch:
			msgs = append(msgs, m)
		default:
			return msgs, q.dropped.Swap(0)
		}
	}
}

// stateCell is an atomically updated State.
type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) load() State   { return State(c.v.Load()) }
func (c *stateCell) store(s State) { c.v.Store(int32(s)) }

// drainInbox empties q, logging what arrived at debug level and warning
// about anything dropped since the previous tick.
func drainInbox(q *inbox, logger *slog.Logger) []Message {
	msgs, dropped := q.drain()
	if dropped > 0 {
		logger.Warn("mqtt inbound messages dropped", "dropped", dropped, "buffer", cap(q.ch))
	}
	for _, m := range msgs {
		logger.Debug("mqtt message received", "topic", m.Topic, "payload_size", len(m.Payload))
	}
	return msgs
}
