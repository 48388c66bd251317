// Package transport owns the single persistent bidirectional connection to
// the real-time server. It connects with the caller's current credential,
// surfaces connection lifecycle changes and inbound topic frames as events,
// and sends small outbound signals. It never reconnects on its own and never
// queues outbound data while disconnected: reconnection policy belongs to
// the owner of the channel, and durable writes go through the REST API.
package transport

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/gigmarket/chatsync/internal/metrics"
)

var (
	// ErrTransportUnavailable is returned by Send and Subscribe when the
	// channel is not connected. Recoverable by reconnecting.
	ErrTransportUnavailable = errors.New("transport: not connected")

	// ErrAuthenticationRejected is reported when the server refuses the
	// credential. Terminal until a fresh credential is available.
	ErrAuthenticationRejected = errors.New("transport: authentication rejected")
)

// DefaultEventBuffer is the capacity of the events channel.
const DefaultEventBuffer = 256

// CredentialFunc supplies the bearer credential used at connect time. The
// channel reads it once per Connect and never refreshes it.
type CredentialFunc func(ctx context.Context) (string, error)

// StaticCredential returns a CredentialFunc that always yields token.
func StaticCredential(token string) CredentialFunc {
	return func(context.Context) (string, error) { return token, nil }
}

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// EventKind discriminates Event values.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventFrame
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFrame:
		return "frame"
	}
	return "unknown"
}

// Event is one item of the channel's event stream.
type Event struct {
	Kind EventKind
	// ConnectionID identifies the connection the event belongs to.
	ConnectionID string
	// Topic and Payload are set for EventFrame.
	Topic   string
	Payload []byte
	// Err is the cause of an EventDisconnected; nil for intentional
	// disconnects. Wraps ErrAuthenticationRejected when the server
	// refused the credential.
	Err error
}

// Channel is a persistent bidirectional connection. Implementations must be
// safe for concurrent use.
type Channel interface {
	// Connect establishes the connection. It is a no-op while already
	// connecting or connected.
	Connect(ctx context.Context) error
	// Disconnect tears down the connection and every subscription. Safe
	// to call when already disconnected.
	Disconnect() error
	// Subscribe starts delivery of a topic on the current connection.
	// Subscriptions do not survive a disconnect.
	Subscribe(topic string) error
	// Send transmits a small outbound message. It fails with
	// ErrTransportUnavailable when disconnected and never queues.
	Send(topic string, payload any) error
	// Events returns the event stream. The same channel is used across
	// reconnects.
	Events() <-chan Event
	// State returns the current lifecycle state.
	State() State
}

// IsAuthRejected reports whether err signals a refused credential.
func IsAuthRejected(err error) bool {
	return errors.Is(err, ErrAuthenticationRejected)
}

// stateMetric publishes s to the connection state gauge.
func stateMetric(s State) {
	metrics.ConnectionState.Set(float64(s))
}

// connectOutcome records a connect attempt result.
func connectOutcome(err error) {
	switch {
	case err == nil:
		metrics.ConnectAttempts.WithLabelValues("ok").Inc()
	case IsAuthRejected(err):
		metrics.ConnectAttempts.WithLabelValues("auth_rejected").Inc()
	default:
		metrics.ConnectAttempts.WithLabelValues("error").Inc()
	}
}

func nopIfNil(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
