package app

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const userIDHeader = "X-User-ID"

// requireToken gates a handler behind the shared API token. An empty token
// disables the check, which is only sensible for local development; Run logs
// a warning in that case.
func requireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := bearerToken(r)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

// requestUserID extracts the acting user from the request. The invoicing app
// frontend terminates its own session auth and forwards the user identity.
func requestUserID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userIDHeader))
}
