package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

// AuthMiddleware requires "Authorization: Bearer <admin token>". An empty
// token disables the check.
type AuthMiddleware struct {
	token []byte
}

func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: []byte(token)}
}

func (m *AuthMiddleware) Handler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.token) == 0 {
			h.ServeHTTP(w, r)
			return
		}

		auth := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(auth) != 2 || strings.ToLower(auth[0]) != "bearer" {
			WriteErrorResponse("no valid authentication provided", http.StatusUnauthorized, w)
			return
		}
		if subtle.ConstantTimeCompare([]byte(auth[1]), m.token) != 1 {
			log.Debugf("rejected request to %s: token invalid", r.URL.Path)
			WriteErrorResponse("token invalid", http.StatusUnauthorized, w)
			return
		}
		h.ServeHTTP(w, r)
	})
}
