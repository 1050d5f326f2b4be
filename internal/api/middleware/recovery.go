package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/narvanalabs/deployctl/internal/api/handlers"
	"github.com/narvanalabs/deployctl/pkg/logger"
)

// Recovery turns a handler panic into a 500 reply. The stack goes to the log,
// never to the client. http.ErrAbortHandler is re-raised so net/http can
// abort the connection as intended.
func Recovery(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				(&logger.Logger{Logger: log}).WithContext(r.Context()).Error("handler panicked",
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				)
				handlers.WriteError(w, http.StatusInternalServerError, "internal error")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
