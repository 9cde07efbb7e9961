// Package security provides request hardening middleware.
package security

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// MaxBodySizeMiddleware limits request bodies to maxSizeMB megabytes.
// Requests declaring a larger Content-Length are refused with 413 before the
// handler runs; bodies without a declared length are cut off at the limit.
// A non-positive limit disables the check.
func MaxBodySizeMiddleware(maxSizeMB int) func(http.Handler) http.Handler {
	if maxSizeMB <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	maxBytes := int64(maxSizeMB) << 20

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{
						"code":    "PAYLOAD_TOO_LARGE",
						"message": fmt.Sprintf("request body exceeds %d MB", maxSizeMB),
					},
				})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
