package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// SecretHeader carries the shared secret on HTTP RPC calls.
const SecretHeader = "X-Lunar-Secret"

// AuthHandler checks the shared secret presented by callers. An empty
// secret disables authentication.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{sharedSecret: sharedSecret}
}

// Enabled reports whether a secret is required.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// Verify compares token with the shared secret in constant time.
func (a *AuthHandler) Verify(token string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.sharedSecret)) == 1
}

// Authorize accepts the secret from the X-Lunar-Secret header, a bearer
// token, or the token query parameter (browsers cannot set headers on a
// websocket handshake).
func (a *AuthHandler) Authorize(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	return a.Verify(tokenFromRequest(r))
}

func tokenFromRequest(r *http.Request) string {
	if token := r.Header.Get(SecretHeader); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
