package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/me/gowps/internal/worker"
	"github.com/me/gowps/pkg/model"
)

// hashKey creates a short hash of the key for logging purposes.
func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:8])
}

// workerAuthMiddleware validates the X-Worker-Key header for worker
// endpoints. An empty key disables authentication.
func workerAuthMiddleware(key string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			reqID := RequestIDFromContext(r.Context())

			got := r.Header.Get(worker.WorkerKeyHeader)
			if got == "" {
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "worker authentication required (X-Worker-Key header missing)",
				})
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				logger.Warn("invalid worker key", "key_hash", hashKey(got))
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "invalid worker key",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
