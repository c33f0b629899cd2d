// SPDX-License-Identifier: MIT

package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/sonantica/workers/internal/log"
)

const secretHeader = "x-internal-secret"

// requireSecret guards internal routes with an exact-match shared secret.
// Comparison is constant-time; missing configuration fails closed.
func requireSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				lg := log.WithComponent("api")
				lg.Error().
					Str("event", "auth.unconfigured").
					Msg("internal secret not configured, rejecting request")
				writeProblem(w, KindUnauthorized, "unauthorized")
				return
			}
			got := r.Header.Get(secretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				lg := log.WithComponent("api")
				lg.Warn().
					Str("event", "auth.rejected").
					Str("path", r.URL.Path).
					Msg("secret header mismatch")
				writeProblem(w, KindUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
