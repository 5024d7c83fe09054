package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/go-chi/render"
	"github.com/rs/zerolog"
)

// Recoverer turns a handler panic into a 500 JSON error carrying the
// request id, so the response can be matched to the logged stack.
func Recoverer(log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rvr := recover()
				if rvr == nil {
					return
				}
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}

				withRequest(log.Error(), r).
					Interface("panic", rvr).
					Bytes("stack", debug.Stack()).
					Msg("Status API handler panicked")

				body := map[string]string{"error": "internal error"}
				if id := requestID(r); id != "" {
					body["requestID"] = id
				}
				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, body)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
