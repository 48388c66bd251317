package devserver_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/gigmarket/chatsync/internal/api"
	"github.com/gigmarket/chatsync/internal/devserver"
	"github.com/gigmarket/chatsync/internal/protocol"
	"github.com/gigmarket/chatsync/internal/session"
	"github.com/gigmarket/chatsync/internal/transport"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type harness struct {
	srv    *devserver.Server
	hs     *httptest.Server
	logger *zap.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := devserver.DefaultConfig()
	cfg.Tokens = map[string]string{"tok-client": "client", "tok-freelancer": "freelancer"}
	cfg.Heartbeat = devserver.HeartbeatConfig{}
	cfg.Logger = logger

	srv := devserver.New(cfg)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		hs.Close()
	})
	return &harness{srv: srv, hs: hs, logger: logger}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.hs.URL, "http") + "/realtime"
}

func (h *harness) channel(token string) *transport.WSChannel {
	return transport.NewWSChannel(transport.WSConfig{
		URL:        h.wsURL(),
		Credential: transport.StaticCredential(token),
	}, h.logger)
}

func (h *harness) api(t *testing.T, token string) *api.Client {
	t.Helper()
	c, err := api.New(api.Config{
		BaseURL: h.hs.URL,
		Token:   func(context.Context) (string, error) { return token, nil },
		Logger:  h.logger,
	})
	require.NoError(t, err)
	return c
}

// startSession runs a session for userID until the test ends. The returned
// channel receives Run's result.
func (h *harness) startSession(t *testing.T, userID, token string) (*session.Session, <-chan error) {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.UserID = userID
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond
	cfg.ReconcileOnConnect = false

	s, err := session.New(cfg, session.Deps{
		Channel: h.channel(token),
		API:     h.api(t, token),
		Logger:  h.logger,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- s.Run(context.Background())
		close(stopped)
	}()
	t.Cleanup(func() {
		s.Close()
		select {
		case <-stopped:
		case <-time.After(waitFor):
			t.Error("session did not stop")
		}
	})
	return s, done
}

// waitSubscribed blocks until userID holds one connection subscribed to
// every topic and returns its ID.
func (h *harness) waitSubscribed(t *testing.T, userID, notID string) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		conns := h.srv.Connections().ForUser(userID)
		if len(conns) != 1 || conns[0].ID == notID {
			return false
		}
		id = conns[0].ID
		return len(conns[0].Topics()) == len(protocol.Topics())
	}, waitFor, tick)
	return id
}

func TestEndToEnd_MessagingFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.srv.Backend().CreateConversation("order-42", "client", "freelancer")

	sess, _ := h.startSession(t, "client", "tok-client")
	h.waitSubscribed(t, "client", "")
	require.NoError(t, sess.RefreshConversations(ctx))
	require.Len(t, sess.Conversations(), 1)

	freelancer := h.api(t, "tok-freelancer")

	// A push for an inactive conversation accrues unread.
	_, err := freelancer.SendMessage(ctx, conv.ID, api.SendMessageRequest{Content: "draft is ready", ClientMessageID: "f-1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sess.UnreadCount(conv.ID) == 1 }, waitFor, tick)
	assert.Equal(t, 1, sess.UnreadTotal())
	assert.Len(t, sess.Messages(conv.ID), 1)

	// Opening it reads it locally and on the server.
	sess.OpenConversation(conv.ID)
	assert.Equal(t, 0, sess.UnreadCount(conv.ID))
	require.Eventually(t, func() bool {
		c, err := h.srv.Backend().Conversation(conv.ID, "client")
		return err == nil && c.UnreadCount == 0
	}, waitFor, tick)

	// Our own send is confirmed once and the echo push is not duplicated.
	out, err := sess.Send(ctx, conv.ID, "looks great, thanks", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sess.Messages(conv.ID)) == 2 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	msgs := sess.Messages(conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, out.Message.ID, msgs[1].ID)
	assert.Equal(t, 0, sess.UnreadCount(conv.ID))

	page, err := freelancer.FetchHistory(ctx, conv.ID, 0, 30)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 2)

	// Messages pushed while the conversation is open stay read.
	_, err = freelancer.SendMessage(ctx, conv.ID, api.SendMessageRequest{Content: "great", ClientMessageID: "f-2"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sess.Messages(conv.ID)) == 3 }, waitFor, tick)
	assert.Equal(t, 0, sess.UnreadCount(conv.ID))

	// Closing it lets new messages count again.
	sess.CloseConversation()
	_, err = freelancer.SendMessage(ctx, conv.ID, api.SendMessageRequest{Content: "one more thing", ClientMessageID: "f-3"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sess.UnreadCount(conv.ID) == 1 }, waitFor, tick)
}

func TestEndToEnd_TypingBothWays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.srv.Backend().CreateConversation("", "client", "freelancer")

	sess, _ := h.startSession(t, "client", "tok-client")
	h.waitSubscribed(t, "client", "")

	peer := h.channel("tok-freelancer")
	require.NoError(t, peer.Connect(ctx))
	t.Cleanup(func() { _ = peer.Disconnect() })
	require.NoError(t, peer.Subscribe(protocol.TopicTyping))
	require.Eventually(t, func() bool {
		conns := h.srv.Connections().ForUser("freelancer")
		return len(conns) == 1 && conns[0].Subscribed(protocol.TopicTyping)
	}, waitFor, tick)

	sent, err := sess.Typing(ctx, conv.ID)
	require.NoError(t, err)
	require.True(t, sent)

	sig := nextTyping(t, peer)
	assert.Equal(t, protocol.TypingSignal{ConversationID: conv.ID, UserID: "client", IsTyping: true}, sig)

	require.NoError(t, peer.Send(protocol.TypeTyping, protocol.TypingMsg{ConversationID: conv.ID, IsTyping: true}))
	require.Eventually(t, func() bool {
		typists := sess.ActiveTypists(conv.ID)
		return len(typists) == 1 && typists[0] == "freelancer"
	}, waitFor, tick)

	require.NoError(t, peer.Send(protocol.TypeTyping, protocol.TypingMsg{ConversationID: conv.ID, IsTyping: false}))
	require.Eventually(t, func() bool { return len(sess.ActiveTypists(conv.ID)) == 0 }, waitFor, tick)
}

func nextTyping(t *testing.T, ch *transport.WSChannel) protocol.TypingSignal {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev := <-ch.Events():
			if ev.Kind != transport.EventFrame || ev.Topic != protocol.TopicTyping {
				continue
			}
			var sig protocol.TypingSignal
			require.NoError(t, json.Unmarshal(ev.Payload, &sig))
			return sig
		case <-timeout:
			t.Fatal("no typing signal received")
		}
	}
}

func TestEndToEnd_ModerationAlert(t *testing.T) {
	h := newHarness(t)
	sess, _ := h.startSession(t, "client", "tok-client")
	h.waitSubscribed(t, "client", "")

	require.Equal(t, 1, h.srv.Alert("client", "al-1", json.RawMessage(`{"reason":"off-platform payment"}`)))
	h.srv.Alert("client", "al-1", json.RawMessage(`{"reason":"off-platform payment"}`))

	require.Eventually(t, func() bool { return len(sess.Alerts()) == 1 }, waitFor, tick)
	assert.Equal(t, 1, sess.Snapshot().AlertsUnread)
}

func TestEndToEnd_ReconnectResubscribes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.srv.Backend().CreateConversation("", "client", "freelancer")

	sess, _ := h.startSession(t, "client", "tok-client")
	first := h.waitSubscribed(t, "client", "")

	require.True(t, h.srv.Connections().Remove(first))
	h.waitSubscribed(t, "client", first)

	_, err := h.api(t, "tok-freelancer").SendMessage(ctx, conv.ID, api.SendMessageRequest{Content: "still there?", ClientMessageID: "f-1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sess.UnreadCount(conv.ID) == 1 }, waitFor, tick)
	assert.Equal(t, "connected", sess.Snapshot().Connection)
}

func TestEndToEnd_RevokedCredentialStopsSession(t *testing.T) {
	h := newHarness(t)
	sess, done := h.startSession(t, "client", "tok-client")
	h.waitSubscribed(t, "client", "")

	require.Equal(t, 1, h.srv.RevokeToken("tok-client"))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, transport.IsAuthRejected(err), "got %v", err)
	case <-time.After(waitFor):
		t.Fatal("session kept running after its credential was revoked")
	}
	assert.True(t, sess.Snapshot().ReconnectRequired)
}

func TestEndToEnd_NATSTransport(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Timeout(500*time.Millisecond), nats.NoReconnect())
	if err != nil {
		t.Skipf("NATS not available at %s: %v", url, err)
	}
	nc.Close()

	logger := zaptest.NewLogger(t)
	prefix := "e2e-" + time.Now().Format("150405.000000")
	bc := devserver.DefaultBridgeConfig()
	bc.URL = url
	bc.SubjectPrefix = prefix
	bridge, err := devserver.NewBridge(bc, logger)
	require.NoError(t, err)
	t.Cleanup(bridge.Close)

	cfg := devserver.DefaultConfig()
	cfg.Tokens = map[string]string{"tok-client": "client", "tok-freelancer": "freelancer"}
	cfg.Heartbeat = devserver.HeartbeatConfig{}
	cfg.Mirror = bridge
	cfg.Logger = logger
	srv := devserver.New(cfg)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		hs.Close()
	})
	h := &harness{srv: srv, hs: hs, logger: logger}
	conv := srv.Backend().CreateConversation("", "client", "freelancer")

	scfg := session.DefaultConfig()
	scfg.UserID = "client"
	scfg.ReconcileOnConnect = false
	sess, err := session.New(scfg, session.Deps{
		Channel: transport.NewNATSChannel(transport.NATSConfig{
			URL:           url,
			SubjectPrefix: prefix,
			UserID:        "client",
		}, logger),
		API:    h.api(t, "tok-client"),
		Logger: logger,
	})
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		_ = sess.Run(context.Background())
		close(stopped)
	}()
	t.Cleanup(func() {
		sess.Close()
		<-stopped
	})
	require.Eventually(t, func() bool { return sess.Snapshot().Connection == "connected" }, waitFor, tick)

	// Subscriptions complete right after the connect event; retry the push
	// until one lands.
	freelancer := h.api(t, "tok-freelancer")
	n := 0
	require.Eventually(t, func() bool {
		n++
		_, err := freelancer.SendMessage(context.Background(), conv.ID, api.SendMessageRequest{
			Content:         "over nats",
			ClientMessageID: "f-" + strconv.Itoa(n),
		})
		if err != nil {
			return false
		}
		return bridge.Flush() == nil && sess.UnreadCount(conv.ID) > 0
	}, waitFor, 50*time.Millisecond)
}
