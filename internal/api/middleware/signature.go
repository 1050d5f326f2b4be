package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"

	"github.com/narvanalabs/deployctl/internal/api/handlers"
	"github.com/narvanalabs/deployctl/internal/integrations/github"
)

// MaxWebhookBody bounds the payload read for signature verification.
const MaxWebhookBody = 5 << 20

// VerifySignature rejects requests whose X-Hub-Signature-256 does not match
// the body. The verified body is handed to the next handler unchanged.
func VerifySignature(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBody+1))
			if err != nil {
				handlers.WriteError(w, http.StatusBadRequest, "failed to read body")
				return
			}
			if len(body) > MaxWebhookBody {
				handlers.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
				return
			}

			if err := github.ValidateSignature(body, secret, r.Header.Get(github.SignatureHeader)); err != nil {
				logger.Warn("webhook signature rejected", "error", err, "remote_addr", r.RemoteAddr)
				handlers.WriteError(w, http.StatusUnauthorized, err.Error())
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
