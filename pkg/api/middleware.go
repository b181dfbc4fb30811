package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/burrowhq/burrow/pkg/metrics"
)

type contextKey string

const callerKey contextKey = "caller"

// callerHeader carries the authenticated user's identity, set by the outer
// router after session validation. The control plane trusts it; it never
// faces the public network directly.
const callerHeader = "X-User-ID"

// requireCaller rejects API requests without a caller identity
func (s *Server) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get(callerHeader)
		if caller == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing caller identity"})
			return
		}
		ctx := context.WithValue(r.Context(), callerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// callerFrom returns the request's caller identity
func callerFrom(r *http.Request) string {
	caller, _ := r.Context().Value(callerKey).(string)
	return caller
}

// isAdmin reports whether the caller holds administrative access
func isAdmin(caller string) bool {
	return caller == "admin"
}

// statusRecorder captures the response status for logging and metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// instrument logs every request and feeds the API metrics
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}
