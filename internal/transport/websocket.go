package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gigmarket/chatsync/internal/metrics"
	"github.com/gigmarket/chatsync/internal/protocol"
)

// CloseUnauthorized is the close status a server may use to reject a
// credential after the handshake.
const CloseUnauthorized ws.StatusCode = 4401

// WSConfig holds WebSocket channel settings.
type WSConfig struct {
	URL          string // ws://host/realtime
	Credential   CredentialFunc
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Heartbeat    HeartbeatConfig
	EventBuffer  int
}

// DefaultWSConfig returns sensible defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		URL:          "ws://localhost:8080/realtime",
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		Heartbeat:    DefaultHeartbeatConfig(),
		EventBuffer:  DefaultEventBuffer,
	}
}

// WSChannel is a Channel over a single client-side WebSocket connection.
type WSChannel struct {
	cfg    WSConfig
	logger *zap.Logger
	events chan Event

	mu    sync.Mutex
	state State
	gen   uint64 // bumped by every Connect and Disconnect
	conn  *wsConn
	subs  map[string]struct{}

	// emitMu orders frame events against the disconnect event of the same
	// connection: once EventDisconnected is queued, no frame of that
	// connection follows it.
	emitMu sync.Mutex
}

var _ Channel = (*WSChannel)(nil)

// NewWSChannel creates a disconnected channel.
func NewWSChannel(cfg WSConfig, logger *zap.Logger) *WSChannel {
	def := DefaultWSConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.Credential == nil {
		cfg.Credential = StaticCredential("")
	}
	return &WSChannel{
		cfg:    cfg,
		logger: nopIfNil(logger).Named("transport.ws"),
		events: make(chan Event, cfg.EventBuffer),
	}
}

// wsConn is one established connection. Writes are serialized by writeMu.
type wsConn struct {
	id        string
	netConn   net.Conn
	reader    io.Reader
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(netConn net.Conn, br *bufio.Reader) *wsConn {
	c := &wsConn{
		id:      uuid.NewString(),
		netConn: netConn,
		reader:  netConn,
		done:    make(chan struct{}),
	}
	// Bytes the server sent right after the handshake may already sit in br.
	if br != nil {
		c.reader = br
	}
	return c
}

func (c *wsConn) write(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.netConn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientMessage(c.netConn, ws.OpText, data)
}

func (c *wsConn) writeClose() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.netConn.SetWriteDeadline(time.Now().Add(time.Second))
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	_ = wsutil.WriteClientMessage(c.netConn, ws.OpClose, body)
}

// close closes the connection. It is safe to call multiple times.
func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.netConn.Close()
	})
}

func (c *wsConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Events returns the event stream.
func (c *WSChannel) Events() <-chan Event { return c.events }

// State returns the current lifecycle state.
func (c *WSChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscriptions returns the topics subscribed on the current connection.
func (c *WSChannel) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	return out
}

// Connect dials the server with the current credential. Handshake statuses
// 401 and 403 are reported as ErrAuthenticationRejected.
func (c *WSChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	err := c.connect(ctx, gen)
	connectOutcome(err)
	return err
}

func (c *WSChannel) connect(ctx context.Context, gen uint64) error {
	token, err := c.cfg.Credential(ctx)
	if err != nil {
		err = fmt.Errorf("transport: credential: %w", err)
		c.connectFailed(gen, err)
		return err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := ws.Dialer{
		Timeout: c.cfg.DialTimeout,
		Header:  ws.HandshakeHeaderHTTP(header),
	}

	start := time.Now()
	netConn, br, _, err := dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		var status ws.StatusError
		if errors.As(err, &status) && (int(status) == http.StatusUnauthorized || int(status) == http.StatusForbidden) {
			err = fmt.Errorf("%w: handshake status %d", ErrAuthenticationRejected, int(status))
		} else {
			err = fmt.Errorf("transport: dial %s: %w", c.cfg.URL, err)
		}
		c.connectFailed(gen, err)
		return err
	}

	conn := newWSConn(netConn, br)

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		// Disconnect was called while dialing.
		c.mu.Unlock()
		conn.close()
		return fmt.Errorf("transport: connect aborted: %w", ErrTransportUnavailable)
	}
	c.conn = conn
	c.subs = make(map[string]struct{})
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.logger.Info("connected",
		zap.String("conn_id", conn.id),
		zap.String("url", c.cfg.URL),
		zap.Duration("latency", time.Since(start)))

	c.emit(Event{Kind: EventConnected, ConnectionID: conn.id})

	go c.readLoop(conn)
	startHeartbeat(conn, c.cfg.Heartbeat, c.logger)
	return nil
}

// connectFailed returns the channel to disconnected after a failed attempt
// and reports the cause, unless Disconnect already superseded the attempt.
func (c *WSChannel) connectFailed(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	c.logger.Warn("connect failed", zap.Error(err))
	c.emit(Event{Kind: EventDisconnected, Err: err})
}

// Disconnect closes the current connection, if any.
func (c *WSChannel) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	wasDisconnected := c.state == StateDisconnected
	c.conn = nil
	c.subs = nil
	c.gen++
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		conn.writeClose()
		conn.close()
		c.logger.Info("disconnected", zap.String("conn_id", conn.id))
	}
	if !wasDisconnected {
		c.emitMu.Lock()
		c.emit(Event{Kind: EventDisconnected})
		c.emitMu.Unlock()
	}
	return nil
}

// Subscribe asks the server to deliver topic on the current connection.
func (c *WSChannel) Subscribe(topic string) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	data, err := protocol.NewClientMessage(protocol.TypeSubscribe, protocol.SubscribeMsg{Topic: topic})
	if err != nil {
		return err
	}
	if err := conn.write(data, c.cfg.WriteTimeout); err != nil {
		conn.close()
		return fmt.Errorf("transport: subscribe %s: %w", topic, err)
	}

	c.mu.Lock()
	if c.conn == conn {
		c.subs[topic] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

// Send writes a client message whose type is topic. A failed write closes
// the connection; the read loop then reports the disconnect.
func (c *WSChannel) Send(topic string, payload any) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	data, err := protocol.NewClientMessage(topic, payload)
	if err != nil {
		return err
	}
	if err := conn.write(data, c.cfg.WriteTimeout); err != nil {
		conn.close()
		return fmt.Errorf("transport: send %s: %w", topic, err)
	}
	return nil
}

func (c *WSChannel) current() (*wsConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		return nil, ErrTransportUnavailable
	}
	return c.conn, nil
}

func (c *WSChannel) isCurrent(conn *wsConn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn
}

func (c *WSChannel) setStateLocked(s State) {
	c.state = s
	stateMetric(s)
}

func (c *WSChannel) emit(ev Event) {
	c.events <- ev
}

// emitFrame queues a frame event unless conn has been replaced or closed.
// A send blocked on a full buffer gives up when conn closes, so Disconnect
// never waits on a reader.
func (c *WSChannel) emitFrame(conn *wsConn, ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if !c.isCurrent(conn) || conn.closed() {
		return
	}
	select {
	case c.events <- ev:
	case <-conn.done:
	}
}

// readLoop reads frames until the connection fails, then reports the drop.
func (c *WSChannel) readLoop(conn *wsConn) {
	err := c.readFrames(conn)
	c.dropConnection(conn, err)
}

func (c *WSChannel) readFrames(conn *wsConn) error {
	control := wsutil.ControlFrameHandler(conn.netConn, ws.StateClientSide)
	handleControl := func(h ws.Header, r io.Reader) error {
		conn.writeMu.Lock()
		defer conn.writeMu.Unlock()
		return control(h, r)
	}

	rd := wsutil.Reader{
		Source:         conn.reader,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: handleControl,
	}

	for {
		if c.cfg.Heartbeat.enabled() {
			_ = conn.netConn.SetReadDeadline(time.Now().Add(c.cfg.Heartbeat.readWindow()))
		}

		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := handleControl(hdr, &rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}

		data, err := io.ReadAll(&rd)
		if err != nil {
			return err
		}
		if err := c.handleMessage(conn, data); err != nil {
			return err
		}
	}
}

// handleMessage processes one server message. A non-nil return ends the
// connection.
func (c *WSChannel) handleMessage(conn *wsConn, data []byte) error {
	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		metrics.FramesTotal.WithLabelValues(msgType, "malformed").Inc()
		c.logger.Warn("dropping malformed server message", zap.String("conn_id", conn.id), zap.Error(err))
		return nil
	}

	switch m := msg.(type) {
	case protocol.EventMsg:
		c.emitFrame(conn, Event{
			Kind:         EventFrame,
			ConnectionID: conn.id,
			Topic:        m.Topic,
			Payload:      []byte(m.Payload),
		})

	case protocol.ErrorMsg:
		if m.Code == protocol.ErrCodeUnauthorized || m.Code == protocol.ErrCodeForbidden {
			return fmt.Errorf("%w: %s", ErrAuthenticationRejected, m.Message)
		}
		c.logger.Warn("server error", zap.String("conn_id", conn.id),
			zap.String("code", m.Code), zap.String("message", m.Message))

	case protocol.SubscribedMsg:
		c.logger.Debug("subscribed", zap.String("conn_id", conn.id), zap.String("topic", m.Topic))

	case protocol.PongMsg:
		c.logger.Debug("pong", zap.String("conn_id", conn.id))
	}
	return nil
}

// dropConnection clears conn if it is still current and reports the cause.
// Connections already replaced or torn down by Disconnect are closed
// silently.
func (c *WSChannel) dropConnection(conn *wsConn, cause error) {
	intentional := conn.closed()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		conn.close()
		return
	}
	c.conn = nil
	c.subs = nil
	c.gen++
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	conn.close()

	cause = classifyReadError(cause, intentional)
	if IsAuthRejected(cause) {
		c.logger.Warn("server rejected credential", zap.String("conn_id", conn.id), zap.Error(cause))
	} else {
		c.logger.Info("connection lost", zap.String("conn_id", conn.id), zap.Error(cause))
	}
	c.emitMu.Lock()
	c.emit(Event{Kind: EventDisconnected, ConnectionID: conn.id, Err: cause})
	c.emitMu.Unlock()
}

// classifyReadError maps the error that ended a read loop to the
// disconnect cause reported to the owner.
func classifyReadError(err error, locallyClosed bool) error {
	if err == nil {
		return fmt.Errorf("transport: connection closed: %w", io.EOF)
	}
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		if closed.Code == CloseUnauthorized {
			return fmt.Errorf("%w: close %d %s", ErrAuthenticationRejected, closed.Code, closed.Reason)
		}
		return fmt.Errorf("transport: server closed connection: %d %s", closed.Code, closed.Reason)
	}
	if locallyClosed {
		return fmt.Errorf("transport: connection closed locally: %w", err)
	}
	return fmt.Errorf("transport: read: %w", err)
}
