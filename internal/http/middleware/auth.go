package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth requires a bearer token on /v1/ routes. An empty token disables the
// check for local development.
func Auth(requiredToken string) func(http.Handler) http.Handler {
	expected := []byte(requiredToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredToken == "" || !strings.HasPrefix(r.URL.Path, "/v1/") || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authorization := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(authorization) < len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
				writeUnauthorized(w, r)
				return
			}

			token := strings.TrimSpace(authorization[len(prefix):])
			if token == "" || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
				writeUnauthorized(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="lesson-pipeline"`)
	writeMiddlewareError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
}

func writeMiddlewareError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + message + `"},"request_id":"` + GetRequestID(r.Context()) + `"}`))
}
