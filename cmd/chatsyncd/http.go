package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/gigmarket/chatsync/internal/metrics"
	"github.com/gigmarket/chatsync/internal/session"
)

// stateSource is the part of the session the HTTP surface reads.
type stateSource interface {
	Snapshot() session.State
}

func newRouter(src stateSource, logger *zap.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(logRequests(logger.Named("http")))
	r.HandleFunc("/health", healthHandler(src)).Methods(http.MethodGet)
	r.HandleFunc("/state", stateHandler(src)).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// healthHandler reports 503 only when the session cannot recover on its
// own, i.e. the credential was rejected. Reconnecting is healthy.
func healthHandler(src stateSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := src.Snapshot()
		status := "ok"
		code := http.StatusOK
		if st.ReconnectRequired {
			status = "reconnect_required"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{
			"status":     status,
			"connection": st.Connection,
		})
	}
}

func stateHandler(src stateSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, src.Snapshot())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"x-api-key":     {},
}

// safeHeaders renders request headers for logging with credentials redacted.
func safeHeaders(r *http.Request) string {
	parts := make([]string, 0, len(r.Header))
	for k, v := range r.Header {
		if len(v) == 0 || v[0] == "" {
			continue
		}
		val := v[0]
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok {
			val = "<redacted>"
		}
		parts = append(parts, k+"="+val)
	}
	return strings.Join(parts, "; ")
}

func logRequests(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.String("headers", safeHeaders(r)),
				zap.Duration("took", time.Since(start)))
		})
	}
}
