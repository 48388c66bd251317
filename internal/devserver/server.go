// Package devserver is a self-contained stand-in for the marketplace
// backend: the realtime WebSocket endpoint plus the chat REST endpoints,
// backed by an in-memory store. It exists for local runs and end-to-end
// tests of the client core and is not meant for production traffic.
package devserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/gigmarket/chatsync/internal/api"
	"github.com/gigmarket/chatsync/internal/chat"
	"github.com/gigmarket/chatsync/internal/protocol"
)

// CloseRevoked is the close status sent when a connection's credential is
// revoked. Clients treat it as an authentication rejection.
const CloseRevoked ws.StatusCode = 4401

// Config holds tunable parameters for the development server.
type Config struct {
	Tokens         map[string]string // bearer credential -> user ID
	AdminToken     string            // bearer credential for /admin routes; empty disables them
	Heartbeat      HeartbeatConfig
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxConnections int           // hard cap on total connections; zero means no cap
	Mirror         Mirror        // optional copy of every published event, e.g. a NATS Bridge
	Now            func() time.Time
	Logger         *zap.Logger
}

// DefaultConfig returns a Config with local-development defaults.
func DefaultConfig() Config {
	return Config{
		Tokens:         map[string]string{},
		Heartbeat:      DefaultHeartbeatConfig(),
		WriteTimeout:   10 * time.Second,
		MaxConnections: 1000,
	}
}

// Server serves the realtime endpoint at /realtime and the chat REST API
// under /api. Every connection is read by its own goroutine.
type Server struct {
	config     Config
	conns      *ConnectionManager
	backend    *Backend
	dispatcher *MessageDispatcher
	router     *mux.Router
	logger     *zap.Logger
	now        func() time.Time
	startedAt  time.Time

	tokensMu sync.RWMutex
	tokens   map[string]string

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a Server and starts its heartbeat monitor. Call Shutdown to
// release it.
func New(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		config:  config,
		conns:   NewConnectionManager(),
		backend: NewBackend(now),
		logger:  logger.Named("devserver"),
		now:     now,
		tokens:  make(map[string]string, len(config.Tokens)),
		done:    make(chan struct{}),
	}
	for token, user := range config.Tokens {
		s.tokens[token] = user
	}
	s.startedAt = now()

	s.dispatcher = NewMessageDispatcher(s.logger)
	s.dispatcher.Register(protocol.TypeSubscribe, s.handleSubscribe)
	s.dispatcher.Register(protocol.TypeUnsubscribe, s.handleUnsubscribe)
	s.dispatcher.Register(protocol.TypeTyping, s.handleTyping)

	s.router = s.routes()
	startHeartbeat(s, config.Heartbeat)
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/realtime", s.handleUpgrade).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	chats := r.PathPrefix("/api/chats").Subrouter()
	chats.HandleFunc("", s.authenticated(s.handleListConversations)).Methods(http.MethodGet)
	chats.HandleFunc("", s.authenticated(s.handleStartConversation)).Methods(http.MethodPost)
	chats.HandleFunc("/{id}/messages", s.authenticated(s.handleHistory)).Methods(http.MethodGet)
	chats.HandleFunc("/{id}/messages", s.authenticated(s.handlePostMessage)).Methods(http.MethodPost)
	chats.HandleFunc("/{id}/read", s.authenticated(s.handleMarkRead)).Methods(http.MethodPost)

	if s.config.AdminToken != "" {
		r.HandleFunc("/admin/alerts", s.adminOnly(s.handleAdminAlert)).Methods(http.MethodPost)
	}
	return r
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Backend returns the in-memory store, e.g. for seeding conversations.
func (s *Server) Backend() *Backend {
	return s.backend
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// AddToken registers a bearer credential for userID.
func (s *Server) AddToken(token, userID string) {
	s.tokensMu.Lock()
	s.tokens[token] = userID
	s.tokensMu.Unlock()
}

// RevokeToken invalidates a credential and closes every realtime connection
// opened with it using CloseRevoked. It returns the number of connections
// closed.
func (s *Server) RevokeToken(token string) int {
	s.tokensMu.Lock()
	delete(s.tokens, token)
	s.tokensMu.Unlock()

	n := 0
	for _, c := range s.conns.All() {
		if c.Token != token {
			continue
		}
		if err := c.WriteClose(CloseRevoked, "credential revoked"); err != nil {
			s.logger.Debug("write close failed", zap.String("conn_id", c.ID), zap.Error(err))
		}
		s.removeConnection(c)
		n++
	}
	return n
}

// Publish delivers an event to every connection of userID subscribed to
// topic and returns the number of connections written. The configured
// Mirror, if any, receives the event regardless of subscriptions.
func (s *Server) Publish(userID, topic string, payload interface{}) int {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("encode event", zap.String("topic", topic), zap.Error(err))
		return 0
	}
	if s.config.Mirror != nil {
		if err := s.config.Mirror.Mirror(userID, topic, raw); err != nil {
			s.logger.Warn("mirror event", zap.String("topic", topic), zap.Error(err))
		}
	}

	data, err := protocol.NewEventMessage(topic, json.RawMessage(raw))
	if err != nil {
		s.logger.Warn("build event", zap.String("topic", topic), zap.Error(err))
		return 0
	}

	n := 0
	for _, c := range s.conns.ForUser(userID) {
		if !c.Subscribed(topic) {
			continue
		}
		if err := s.send(c, data); err != nil {
			s.logger.Debug("publish failed",
				zap.String("conn_id", c.ID), zap.String("topic", topic), zap.Error(err))
			s.removeConnection(c)
			continue
		}
		n++
	}
	return n
}

// Alert pushes a moderation alert to userID.
func (s *Server) Alert(userID, id string, content json.RawMessage) int {
	return s.Publish(userID, protocol.TopicModerationAlert, protocol.ModerationAlert{ID: id, Content: content})
}

// Shutdown stops the heartbeat and closes all realtime connections. The
// caller owns the http.Server and shuts it down separately.
func (s *Server) Shutdown() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
	for _, c := range s.conns.All() {
		_ = c.WriteClose(ws.StatusGoingAway, "server shutting down")
		s.removeConnection(c)
	}
	s.logger.Info("shut down")
}

func (s *Server) userForToken(token string) (string, bool) {
	s.tokensMu.RLock()
	defer s.tokensMu.RUnlock()
	user, ok := s.tokens[token]
	return user, ok
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// ---------------------------------------------------------------------------
// Realtime endpoint
// ---------------------------------------------------------------------------

// handleUpgrade authenticates the request, upgrades it with the gobwas/ws
// upgrader and starts the connection's read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	userID, ok := s.userForToken(token)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := newConnection(uuid.New().String(), userID, token, conn, s.now())
	s.conns.Add(c)

	var src io.Reader = conn
	if rw != nil {
		src = rw.Reader
	}
	go s.serve(c, src)

	s.logger.Info("new connection",
		zap.String("conn_id", c.ID),
		zap.String("user_id", userID),
		zap.Int("total", s.conns.Count()))
}

// serve reads frames from c until it fails or closes. wsutil.NextReader is
// used so that control frames are handled inline.
func (s *Server) serve(c *Connection, src io.Reader) {
	defer s.removeConnection(c)

	for {
		header, reader, err := wsutil.NextReader(src, ws.StateServerSide)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read failed", zap.String("conn_id", c.ID), zap.Error(err))
			}
			return
		}

		// Any frame proves the connection is alive.
		c.Touch(s.now())

		payload := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
		}

		if header.OpCode.IsControl() {
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				if err := c.writePong(payload); err != nil {
					return
				}
			}
			continue
		}

		if len(payload) == 0 {
			continue
		}
		s.dispatcher.Dispatch(c, payload)
	}
}

// removeConnection unregisters and closes c. Safe to call more than once.
func (s *Server) removeConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	s.logger.Info("connection closed",
		zap.String("conn_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.Int("total", s.conns.Count()))
}

// send writes a text frame to c with the configured write deadline.
func (s *Server) send(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)

	// Clear write deadline so it doesn't affect future writes (e.g., heartbeat pings).
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

func (s *Server) handleSubscribe(c *Connection, msg interface{}) {
	m := msg.(protocol.SubscribeMsg)
	if !knownTopic(m.Topic) {
		sendError(c, s.logger, "unknown_topic", "unknown topic "+strconv.Quote(m.Topic))
		return
	}
	c.Subscribe(m.Topic)

	data, err := protocol.NewServerMessage(protocol.TypeSubscribed, protocol.SubscribedMsg{Topic: m.Topic})
	if err != nil {
		s.logger.Warn("build subscribed", zap.Error(err))
		return
	}
	if err := s.send(c, data); err != nil {
		s.logger.Debug("send subscribed", zap.String("conn_id", c.ID), zap.Error(err))
	}
}

func (s *Server) handleUnsubscribe(c *Connection, msg interface{}) {
	c.Unsubscribe(msg.(protocol.UnsubscribeMsg).Topic)
}

// handleTyping relays a typing signal to the other participants.
func (s *Server) handleTyping(c *Connection, msg interface{}) {
	m := msg.(protocol.TypingMsg)
	participants, err := s.backend.Participants(m.ConversationID, c.UserID)
	if err != nil {
		sendError(c, s.logger, protocol.ErrCodeForbidden, "not a participant of "+m.ConversationID)
		return
	}
	signal := protocol.TypingSignal{
		ConversationID: m.ConversationID,
		UserID:         c.UserID,
		IsTyping:       m.IsTyping,
	}
	for _, p := range participants {
		if p != c.UserID {
			s.Publish(p, protocol.TopicTyping, signal)
		}
	}
}

func knownTopic(topic string) bool {
	for _, t := range protocol.Topics() {
		if t == topic {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// REST endpoints
// ---------------------------------------------------------------------------

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) authenticated(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.userForToken(bearerToken(r))
		if !ok {
			writeError(w, http.StatusUnauthorized, protocol.ErrCodeUnauthorized, "missing or invalid credential")
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	want := []byte(s.config.AdminToken)
	return func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(bearerToken(r)), want) != 1 {
			writeError(w, http.StatusUnauthorized, protocol.ErrCodeUnauthorized, "missing or invalid admin credential")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, userID string) {
	writeJSON(w, http.StatusOK, s.backend.Conversations(userID))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, userID string) {
	page, err := queryInt(r, "page", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	size, err := queryInt(r, "size", 30)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	out, err := s.backend.History(mux.Vars(r)["id"], userID, page, size)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req api.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	msg, participants, created, err := s.backend.Post(mux.Vars(r)["id"], userID, req.Content, req.Attachments, req.ClientMessageID)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	if created {
		s.fanOut(msg, participants)
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request, userID string) {
	var req api.StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	conv, msg, err := s.backend.Start(userID, req.ParticipantID, req.OrderID, req.Content, req.Attachments, req.ClientMessageID)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	s.fanOut(msg, conv.Participants)
	writeJSON(w, http.StatusCreated, api.StartConversationResponse{Conversation: conv, Message: msg})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, userID string) {
	id := mux.Vars(r)["id"]
	participants, err := s.backend.MarkRead(id, userID)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	receipt := protocol.ReadReceipt{ConversationID: id, ReaderID: userID}
	for _, p := range participants {
		s.Publish(p, protocol.TopicReadReceipt, receipt)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminAlert publishes a moderation alert. It is unauthenticated and
// only meant for local tooling.
func (s *Server) handleAdminAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string          `json:"user_id"`
		ID      string          `json:"id"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if len(req.Content) == 0 {
		req.Content = json.RawMessage(`{}`)
	}
	n := s.Alert(req.UserID, req.ID, req.Content)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": req.ID, "delivered": n})
}

// fanOut pushes a new message to every participant, the sender included,
// so the sender's other devices converge.
func (s *Server) fanOut(msg chat.Message, participants []string) {
	for _, p := range participants {
		s.Publish(p, protocol.TopicNewMessage, msg)
	}
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      s.now().Sub(s.startedAt).Round(time.Second).String(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}

func writeBackendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, protocol.ErrCodeForbidden, err.Error())
	case errors.Is(err, ErrInvalid):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
