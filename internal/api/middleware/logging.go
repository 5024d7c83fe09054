package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// RequestLogger logs each status API request once it has been served.
// Failed requests are logged at info level, the rest at debug.
func RequestLogger(log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				ev := log.Debug()
				if ww.Status() >= http.StatusBadRequest {
					ev = log.Info()
				}
				withRequest(ev, r).
					Dur("latency", time.Since(start)).
					Int("status", ww.Status()).
					Int("size", ww.BytesWritten()).
					Msg("Status API request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// withRequest tags ev with the request id, the matched route and the
// torrent the request is about.
func withRequest(ev *zerolog.Event, r *http.Request) *zerolog.Event {
	ev = ev.Str("method", r.Method).Str("route", routePattern(r))
	if id := requestID(r); id != "" {
		ev = ev.Str("requestID", id)
	}
	if hash := chi.URLParam(r, "infoHash"); hash != "" {
		ev = ev.Str("infoHash", hash)
	}
	return ev
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// routePattern falls back to the raw path for requests no route matched.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}
