package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// ---------------------------------------------------------------------------
// Test server
// ---------------------------------------------------------------------------

type testServer struct {
	*httptest.Server
	conns   chan net.Conn
	headers chan http.Header
	reject  int
}

func newTestServer(t *testing.T, reject int) *testServer {
	t.Helper()
	s := &testServer{
		conns:   make(chan net.Conn, 4),
		headers: make(chan http.Header, 4),
		reject:  reject,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.headers <- r.Header.Clone()
		if s.reject != 0 {
			w.WriteHeader(s.reject)
			return
		}
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		s.conns <- conn
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *testServer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept a connection")
		return nil
	}
}

func newTestChannel(t *testing.T, url string, token string) *WSChannel {
	t.Helper()
	cfg := DefaultWSConfig()
	cfg.URL = url
	cfg.Credential = StaticCredential(token)
	cfg.Heartbeat = HeartbeatConfig{}
	ch := NewWSChannel(cfg, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = ch.Disconnect() })
	return ch
}

func nextEvent(t *testing.T, ch Channel, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
			return Event{}
		}
	}
}

func sendServerText(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	require.NoError(t, wsutil.WriteServerMessage(conn, ws.OpText, []byte(msg)))
}

// ---------------------------------------------------------------------------
// Connect / Disconnect
// ---------------------------------------------------------------------------

func TestWSChannel_ConnectSendsBearerCredential(t *testing.T) {
	srv := newTestServer(t, 0)
	ch := newTestChannel(t, srv.wsURL(), "tok-123")

	require.NoError(t, ch.Connect(context.Background()))
	srv.accept(t)

	hdr := <-srv.headers
	require.Equal(t, "Bearer tok-123", hdr.Get("Authorization"))

	ev := nextEvent(t, ch, EventConnected)
	require.NotEmpty(t, ev.ConnectionID)
	require.Equal(t, StateConnected, ch.State())
}

func TestWSChannel_ConnectIsNoopWhenConnected(t *testing.T) {
	srv := newTestServer(t, 0)
	ch := newTestChannel(t, srv.wsURL(), "tok")

	require.NoError(t, ch.Connect(context.Background()))
	srv.accept(t)
	require.NoError(t, ch.Connect(context.Background()))

	select {
	case <-srv.conns:
		t.Fatal("second Connect dialed again")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWSChannel_HandshakeRejection(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := newTestServer(t, status)
			ch := newTestChannel(t, srv.wsURL(), "expired")

			err := ch.Connect(context.Background())
			require.ErrorIs(t, err, ErrAuthenticationRejected)

			ev := nextEvent(t, ch, EventDisconnected)
			require.True(t, IsAuthRejected(ev.Err))
			require.Equal(t, StateDisconnected, ch.State())
		})
	}
}

func TestWSChannel_DialFailureIsNotAuthRejection(t *testing.T) {
	srv := newTestServer(t, http.StatusInternalServerError)
	ch := newTestChannel(t, srv.wsURL(), "tok")

	err := ch.Connect(context.Background())
	require.Error(t, err)
	require.False(t, IsAuthRejected(err))
	require.Equal(t, StateDisconnected, ch.State())
}

func TestWSChannel_DisconnectReportsIntentionalDrop(t *testing.T) {
	srv := newTestServer(t, 0)
	ch := newTestChannel(t, srv.wsURL(), "tok")

	require.NoError(t, ch.Connect(context.Background()))
	srv.accept(t)
	nextEvent(t, ch, EventConnected)

	require.NoError(t, ch.Disconnect())
	ev := nextEvent(t, ch, EventDisconnected)
	require.NoError(t, ev.Err)
	require.Equal(t, StateDisconnected, ch.State())
	require.Empty(t, ch.Subscriptions())

	// Safe to repeat.
	require.NoError(t, ch.Disconnect())
}

func TestWSChannel_ServerCloseReportsError(t *testing.T) {
	srv := newTestServer(t, 0)
	ch := newTestChannel(t, srv.wsURL(), "tok")

	require.NoError(t, ch.Connect(context.Background()))
	conn := srv.accept(t)
	nextEvent(t, ch, EventConnected)

	conn.Close()
	ev := nextEvent(t, ch, EventDisconnected)
	require.Error(t, ev.Err)
	require.False(t, IsAuthRejected(ev.Err))
	require.Equal(t, StateDisconnected, ch.State())
}

func TestWSChannel_UnauthorizedErrorFrame(t *testing.T) {
	srv := newTestServer(t, 0)
	ch := newTestChannel(t, srv.wsURL(), "tok")

	require.NoError(t, ch.Connect(context.Background()))
	conn := srv.accept(t)
	nextEvent(t, ch, EventConnected)

	sendServerText(t, conn, `{"type":"error","code":"unauthorized","message":"token expired"}`)
	ev := nextEvent(t, ch, EventDisconnected)
	require.ErrorIs(t, ev.Err, ErrAuthenticationRejected)
}

func TestWSChannel_UnauthorizedCloseCode(t *testing.T) {
	srv := newTestServer(t, 0)
	ch := newTestChannel(t, srv.wsURL(), "tok")

	require.NoError(t, ch.Connect(context.Background()))
	conn := srv.accept(t)
	nextEvent(t, ch, EventConnected)

	body := ws.NewCloseFrameBody(CloseUnauthorized, "credential revoked")
	require.NoError(t, ws.WriteFrame(conn, ws.NewCloseFrame(body)))
	ev := nextEvent(t, ch, EventDisconnected)
	require.ErrorIs(t, ev.Err, ErrAuthenticationRejected)
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

func TestWSChannel_DeliversEventFrames(t *testing.T) {
	srv := newTestServer(t, 0)
	ch := newTestChannel(t, srv.wsURL(), "tok")

	require.NoError(t, ch.Connect(context.Background()))
	conn := srv.accept(t)
	connected := nextEvent(t, ch, EventConnected)

	sendServerText(t, conn, `not json`)
	sendServerText(t, conn, `{"type":"subscribed","topic":"typing"}`)
	sendServerText(t, conn, `{"type":"event","topic":"typing","payload":{"conversation_id":"c1","user_id":"u2","is_typing":true}}`)

	ev := nextEvent(t, ch, EventFrame)
	require.Equal(t, "typing", ev.Topic)
	require.Equal(t, connected.ConnectionID, ev.ConnectionID)
	require.JSONEq(t, `{"conversation_id":"c1","user_id":"u2","is_typing":true}`, string(ev.Payload))
	require.Equal(t, StateConnected, ch.State())
}

func TestWSChannel_SubscribeWritesMessage(t *testing.T) {
	srv := newTestServer(t, 0)
	ch := newTestChannel(t, srv.wsURL(), "tok")

	require.NoError(t, ch.Connect(context.Background()))
	conn := srv.accept(t)
	nextEvent(t, ch, EventConnected)

	require.NoError(t, ch.Subscribe("new_message"))

	data, err := wsutil.ReadClientText(conn)
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, map[string]string{"type": "subscribe", "topic": "new_message"}, got)
	require.Equal(t, []string{"new_message"}, ch.Subscriptions())
}

func TestWSChannel_SendWritesTypedMessage(t *testing.T) {
	srv := newTestServer(t, 0)
	ch := newTestChannel(t, srv.wsURL(), "tok")

	require.NoError(t, ch.Connect(context.Background()))
	conn := srv.accept(t)
	nextEvent(t, ch, EventConnected)

	require.NoError(t, ch.Send("typing", map[string]any{"conversation_id": "c1", "is_typing": true}))

	data, err := wsutil.ReadClientText(conn)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"typing","conversation_id":"c1","is_typing":true}`, string(data))
}

func TestWSChannel_SendWhileDisconnected(t *testing.T) {
	ch := newTestChannel(t, "ws://127.0.0.1:1/unused", "tok")

	require.ErrorIs(t, ch.Send("typing", nil), ErrTransportUnavailable)
	require.ErrorIs(t, ch.Subscribe("typing"), ErrTransportUnavailable)
}

func TestWSChannel_SubscriptionsDoNotSurviveReconnect(t *testing.T) {
	srv := newTestServer(t, 0)
	ch := newTestChannel(t, srv.wsURL(), "tok")

	require.NoError(t, ch.Connect(context.Background()))
	conn := srv.accept(t)
	nextEvent(t, ch, EventConnected)
	require.NoError(t, ch.Subscribe("typing"))
	_, _ = wsutil.ReadClientText(conn)

	conn.Close()
	nextEvent(t, ch, EventDisconnected)

	require.NoError(t, ch.Connect(context.Background()))
	srv.accept(t)
	nextEvent(t, ch, EventConnected)
	require.Empty(t, ch.Subscriptions())
}

func TestWSChannel_NoFramesAfterDisconnectEvent(t *testing.T) {
	srv := newTestServer(t, 0)
	cfg := DefaultWSConfig()
	cfg.URL = srv.wsURL()
	cfg.Heartbeat = HeartbeatConfig{}
	cfg.EventBuffer = 1
	ch := NewWSChannel(cfg, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = ch.Disconnect() })

	require.NoError(t, ch.Connect(context.Background()))
	conn := srv.accept(t)
	nextEvent(t, ch, EventConnected)

	go func() {
		for i := 0; i < 20; i++ {
			frame := `{"type":"event","topic":"typing","payload":{"conversation_id":"c1","user_id":"u2","is_typing":true}}`
			if err := wsutil.WriteServerMessage(conn, ws.OpText, []byte(frame)); err != nil {
				return
			}
		}
	}()

	// The reader is now parked on a full event buffer.
	require.Eventually(t, func() bool { return len(ch.events) == cap(ch.events) }, 2*time.Second, 5*time.Millisecond)

	disconnected := make(chan struct{})
	go func() {
		_ = ch.Disconnect()
		close(disconnected)
	}()

	nextEvent(t, ch, EventDisconnected)
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return")
	}
	select {
	case ev := <-ch.Events():
		t.Fatalf("unexpected %s event after disconnect", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

func TestWSChannel_HeartbeatPings(t *testing.T) {
	srv := newTestServer(t, 0)
	cfg := DefaultWSConfig()
	cfg.URL = srv.wsURL()
	cfg.Heartbeat = HeartbeatConfig{Interval: 20 * time.Millisecond, Timeout: time.Second}
	ch := NewWSChannel(cfg, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = ch.Disconnect() })

	require.NoError(t, ch.Connect(context.Background()))
	conn := srv.accept(t)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := ws.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, ws.OpPing, frame.Header.OpCode)
}
