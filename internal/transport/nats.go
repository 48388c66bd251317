package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/gigmarket/chatsync/internal/protocol"
)

// NATS subject patterns. Inbound topics arrive on
// <prefix>.user.<user_id>.<topic>; outbound signals go to
// <prefix>.send.<topic>.
const (
	SubjectUser = "user"
	SubjectSend = "send"
)

// NATSConfig holds NATS channel settings.
type NATSConfig struct {
	URL            string // nats://localhost:4222
	Name           string // client name for identification
	SubjectPrefix  string
	UserID         string
	Credential     CredentialFunc
	ConnectTimeout time.Duration
	EventBuffer    int
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            "nats://localhost:4222",
		Name:           "chatsync",
		SubjectPrefix:  "gigmarket",
		ConnectTimeout: 5 * time.Second,
		EventBuffer:    DefaultEventBuffer,
	}
}

// NATSChannel is a Channel backed by a NATS connection. The client library's
// own reconnect logic is disabled so lifecycle events match WSChannel.
type NATSChannel struct {
	cfg    NATSConfig
	logger *zap.Logger
	events chan Event

	mu     sync.Mutex
	state  State
	gen    uint64
	conn   *nats.Conn
	connID string
	subs   map[string]*nats.Subscription
	stop   chan struct{} // closed when conn stops being current

	// emitMu orders frame events against the disconnect event of the same
	// connection.
	emitMu sync.Mutex
}

var _ Channel = (*NATSChannel)(nil)

// NewNATSChannel creates a disconnected channel.
func NewNATSChannel(cfg NATSConfig, logger *zap.Logger) *NATSChannel {
	def := DefaultNATSConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.Credential == nil {
		cfg.Credential = StaticCredential("")
	}
	return &NATSChannel{
		cfg:    cfg,
		logger: nopIfNil(logger).Named("transport.nats"),
		events: make(chan Event, cfg.EventBuffer),
	}
}

// InboundSubject returns the subject a topic is delivered on.
func (c *NATSChannel) InboundSubject(topic string) string {
	return c.cfg.SubjectPrefix + "." + SubjectUser + "." + c.cfg.UserID + "." + topic
}

// OutboundSubject returns the subject Send publishes topic to.
func (c *NATSChannel) OutboundSubject(topic string) string {
	return c.cfg.SubjectPrefix + "." + SubjectSend + "." + topic
}

// Events returns the event stream.
func (c *NATSChannel) Events() <-chan Event { return c.events }

// State returns the current lifecycle state.
func (c *NATSChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect connects to NATS with the current credential as a token. An
// authorization violation is reported as ErrAuthenticationRejected.
func (c *NATSChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	stateMetric(StateConnecting)
	c.mu.Unlock()

	err := c.connect(ctx, gen)
	connectOutcome(err)
	return err
}

func (c *NATSChannel) connect(ctx context.Context, gen uint64) error {
	token, err := c.cfg.Credential(ctx)
	if err != nil {
		err = fmt.Errorf("transport: credential: %w", err)
		c.connectFailed(gen, err)
		return err
	}

	connID := uuid.NewString()
	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.Timeout(c.cfg.ConnectTimeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.dropConnection(nc, err)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.dropConnection(nc, nc.LastError())
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) || errors.Is(err, nats.ErrAuthExpired) {
			err = fmt.Errorf("%w: %v", ErrAuthenticationRejected, err)
		} else {
			err = fmt.Errorf("transport: nats connect: %w", err)
		}
		c.connectFailed(gen, err)
		return err
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting || ctx.Err() != nil {
		c.mu.Unlock()
		nc.Close()
		return fmt.Errorf("transport: connect aborted: %w", ErrTransportUnavailable)
	}
	c.conn = nc
	c.connID = connID
	c.subs = make(map[string]*nats.Subscription)
	c.stop = make(chan struct{})
	c.state = StateConnected
	stateMetric(StateConnected)
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("conn_id", connID), zap.String("url", nc.ConnectedUrl()))
	c.emit(Event{Kind: EventConnected, ConnectionID: connID})
	return nil
}

func (c *NATSChannel) connectFailed(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	stateMetric(StateDisconnected)
	c.mu.Unlock()

	c.logger.Warn("connect failed", zap.Error(err))
	c.emit(Event{Kind: EventDisconnected, Err: err})
}

// Disconnect drains every subscription and closes the connection.
func (c *NATSChannel) Disconnect() error {
	c.mu.Lock()
	nc := c.conn
	subs := c.subs
	connID := c.connID
	wasDisconnected := c.state == StateDisconnected
	c.conn = nil
	c.subs = nil
	c.connID = ""
	c.gen++
	c.state = StateDisconnected
	stateMetric(StateDisconnected)
	c.releaseLocked()
	c.mu.Unlock()

	if nc != nil {
		for topic, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				c.logger.Debug("unsubscribe", zap.String("topic", topic), zap.Error(err))
			}
		}
		nc.Close()
		c.logger.Info("disconnected", zap.String("conn_id", connID))
	}
	if !wasDisconnected {
		c.emitMu.Lock()
		c.emit(Event{Kind: EventDisconnected})
		c.emitMu.Unlock()
	}
	return nil
}

// Subscribe subscribes to the inbound subject for topic.
func (c *NATSChannel) Subscribe(topic string) error {
	c.mu.Lock()
	nc, connID, stop := c.conn, c.connID, c.stop
	if c.state != StateConnected || nc == nil {
		c.mu.Unlock()
		return ErrTransportUnavailable
	}
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	subject := c.InboundSubject(topic)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		c.emitFrame(nc, stop, Event{Kind: EventFrame, ConnectionID: connID, Topic: topic, Payload: msg.Data})
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if c.conn != nc {
		c.mu.Unlock()
		_ = sub.Unsubscribe()
		return ErrTransportUnavailable
	}
	c.subs[topic] = sub
	c.mu.Unlock()
	return nil
}

// Send publishes a client message whose type is topic.
func (c *NATSChannel) Send(topic string, payload any) error {
	c.mu.Lock()
	nc := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || nc == nil {
		return ErrTransportUnavailable
	}

	data, err := protocol.NewClientMessage(topic, payload)
	if err != nil {
		return err
	}
	if err := nc.Publish(c.OutboundSubject(topic), data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrTransportUnavailable
		}
		return fmt.Errorf("transport: publish %s: %w", topic, err)
	}
	return nil
}

func (c *NATSChannel) isCurrent(nc *nats.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == nc
}

// emitFrame queues a frame event unless nc has stopped being current. A send
// blocked on a full buffer gives up once stop is closed.
func (c *NATSChannel) emitFrame(nc *nats.Conn, stop <-chan struct{}, ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if !c.isCurrent(nc) {
		return
	}
	select {
	case c.events <- ev:
	case <-stop:
	}
}

// releaseLocked wakes frame senders of the connection being torn down.
func (c *NATSChannel) releaseLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

// dropConnection is invoked from the client library's callbacks. Only the
// first report for the current connection is surfaced.
func (c *NATSChannel) dropConnection(nc *nats.Conn, cause error) {
	c.mu.Lock()
	if c.conn != nc {
		c.mu.Unlock()
		return
	}
	connID := c.connID
	c.conn = nil
	c.subs = nil
	c.connID = ""
	c.gen++
	c.state = StateDisconnected
	stateMetric(StateDisconnected)
	c.releaseLocked()
	c.mu.Unlock()

	switch {
	case cause == nil:
		cause = fmt.Errorf("transport: nats connection closed: %w", nats.ErrConnectionClosed)
	case errors.Is(cause, nats.ErrAuthorization), errors.Is(cause, nats.ErrAuthExpired), errors.Is(cause, nats.ErrAuthRevoked):
		cause = fmt.Errorf("%w: %v", ErrAuthenticationRejected, cause)
	default:
		cause = fmt.Errorf("transport: nats: %w", cause)
	}

	c.logger.Info("connection lost", zap.String("conn_id", connID), zap.Error(cause))
	c.emitMu.Lock()
	c.emit(Event{Kind: EventDisconnected, ConnectionID: connID, Err: cause})
	c.emitMu.Unlock()
}

func (c *NATSChannel) emit(ev Event) {
	c.events <- ev
}
