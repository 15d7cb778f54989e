package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/edvin/certmgr/internal/api/response"
	"github.com/edvin/certmgr/internal/model"
)

// Auth validates the X-API-Key header against the configured key. The push
// channel passes the key as a query parameter because browser WebSocket
// clients cannot set custom headers. An empty configured key disables
// authentication.
func Auth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			presented := r.Header.Get("X-API-Key")
			if presented == "" {
				presented = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
				response.WriteKind(w, http.StatusUnauthorized, model.KindInvalidRequest, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
