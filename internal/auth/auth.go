// Package auth provides the single shared-token check used on both the
// control plane (HTTP Bearer header) and the agent plane (wire hello
// token), comparing tokens in constant time.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Equal reports whether token matches expected using a constant-time
// comparison, so a timing side-channel can't be used to guess the token
// byte by byte. An empty expected disables the check entirely (auth off).
func Equal(expected, token string) bool {
	if expected == "" {
		return true
	}
	if len(expected) != len(token) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header, returning "" if the header is absent or malformed.
func BearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// RequireBearer wraps h with a check that the request's bearer token
// matches expected, responding 401 otherwise. An empty expected disables
// the check and passes every request through.
func RequireBearer(h http.Handler, expected string) http.Handler {
	if expected == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Equal(expected, BearerToken(r)) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}
