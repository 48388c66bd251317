package devserver

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Mirror receives a copy of every event the server publishes, keyed by
// recipient and topic.
type Mirror interface {
	Mirror(userID, topic string, payload []byte) error
}

// BridgeConfig holds NATS bridge settings.
type BridgeConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	SubjectPrefix string        // must match the clients' prefix
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultBridgeConfig returns sensible defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		URL:           "nats://localhost:4222",
		Name:          "chatsync-devserver",
		SubjectPrefix: "gigmarket",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Bridge republishes server events on NATS so clients using the NATS
// transport receive the same pushes as WebSocket clients. Events for a user
// go to <prefix>.user.<user_id>.<topic> with the bare topic payload.
type Bridge struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

var _ Mirror = (*Bridge)(nil)

// NewBridge connects to NATS with the given config and returns a ready
// bridge. It returns an error if the initial connection fails.
func NewBridge(config BridgeConfig, logger *zap.Logger) (*Bridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("bridge")
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = DefaultBridgeConfig().SubjectPrefix
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &Bridge{conn: nc, prefix: config.SubjectPrefix, logger: logger}, nil
}

// Subject returns the subject events for userID and topic are mirrored to.
func (b *Bridge) Subject(userID, topic string) string {
	return b.prefix + ".user." + userID + "." + topic
}

// Mirror publishes payload for userID on the topic's subject.
func (b *Bridge) Mirror(userID, topic string, payload []byte) error {
	if err := b.conn.Publish(b.Subject(userID, topic), payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

// Flush waits until the server has processed every published message.
func (b *Bridge) Flush() error {
	return b.conn.Flush()
}

// Close drains and closes the NATS connection.
func (b *Bridge) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Debug("drain failed", zap.Error(err))
		b.conn.Close()
	}
}
