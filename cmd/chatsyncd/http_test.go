package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gigmarket/chatsync/internal/session"
	"github.com/gigmarket/chatsync/internal/unread"
)

type staticState session.State

func (s staticState) Snapshot() session.State { return session.State(s) }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		state    session.State
		wantCode int
		wantBody string
	}{
		{"connected", session.State{Connection: "connected"}, http.StatusOK, "ok"},
		{"reconnecting", session.State{Connection: "connecting", ReconnectAttempts: 3}, http.StatusOK, "ok"},
		{"credential rejected", session.State{Connection: "disconnected", ReconnectRequired: true}, http.StatusServiceUnavailable, "reconnect_required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, newRouter(staticState(tt.state), zaptest.NewLogger(t)), "/health")
			require.Equal(t, tt.wantCode, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, tt.wantBody, body["status"])
			require.Equal(t, tt.state.Connection, body["connection"])
		})
	}
}

func TestState(t *testing.T) {
	st := session.State{
		UserID:      "u1",
		Connection:  "connected",
		UnreadTotal: 3,
		Unread:      []unread.Entry{{ConversationID: "c3", Unread: 3}},
	}
	rec := get(t, newRouter(staticState(st), zaptest.NewLogger(t)), "/state")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got session.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 3, got.UnreadTotal)
	require.Equal(t, []unread.Entry{{ConversationID: "c3", Unread: 3}}, got.Unread)
}

func TestMetricsExposed(t *testing.T) {
	rec := get(t, newRouter(staticState{}, zaptest.NewLogger(t)), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "chatsync_"), "custom collectors are registered")
}

func TestMethodNotAllowed(t *testing.T) {
	r := newRouter(staticState{}, zaptest.NewLogger(t))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/state", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSafeHeadersRedactsCredentials(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("User-Agent", "healthcheck")

	got := safeHeaders(req)
	require.NotContains(t, got, "secret")
	require.Contains(t, got, "Authorization=<redacted>")
	require.Contains(t, got, "User-Agent=healthcheck")
}
