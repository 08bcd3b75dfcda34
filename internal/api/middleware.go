// SPDX-License-Identifier: MIT

package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/metrics"
)

// TokenHeader carries the API token on guarded routes.
const TokenHeader = "X-API-Token"

// requireToken guards the v1 surface when a token is configured. The
// token is read per request so enabling auth does not need a restart.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.deps.Settings().API.Token
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		logger := log.WithComponentFromContext(r.Context(), "api.auth")
		got := r.Header.Get(TokenHeader)
		if got == "" {
			logger.Warn().Str("event", "auth.missing_header").Msg("api token header missing")
			writeErr(w, http.StatusUnauthorized, "unauthorized", "missing "+TokenHeader+" header")
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logger.Warn().Str("event", "auth.invalid_token").Msg("invalid api token")
			writeErr(w, http.StatusUnauthorized, "unauthorized", "invalid api token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit builds the per-IP sliding-window limiter. Zero or negative
// limits disable it. Built once at router assembly; changing the limit
// needs a listener restart.
func (s *Server) rateLimit() func(http.Handler) http.Handler {
	limit := s.deps.Settings().API.RateLimit
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		limit,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeErr(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests, slow down")
		}),
	)
}

// requestLog emits one structured line per request and feeds the latency
// histogram. The histogram is labelled with the route pattern, not the
// raw URL, to keep series cardinality bounded.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				pattern = p
			}
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, pattern, ww.Status(), elapsed.Seconds())

		s.logger.Debug().
			Str("event", "api.request").
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", elapsed).
			Str("remote", r.RemoteAddr).
			Msg("request served")
	})
}
