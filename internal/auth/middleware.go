// Package auth guards the MCP endpoint with a bearer API key.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const wwwAuthenticate = `Bearer realm="bookmark-sync"`

// HashKey returns the bcrypt hash stored in MCP_API_KEY_HASH for key.
func HashKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty API key")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing API key: %w", err)
	}

	return string(hash), nil
}

// KeyVerifier checks bearer keys against a bcrypt hash. The digest of the
// last accepted key is remembered so repeat requests skip bcrypt.
type KeyVerifier struct {
	hash []byte

	mu       sync.Mutex
	accepted []byte
}

// NewKeyVerifier returns a verifier for the given bcrypt hash.
func NewKeyVerifier(hash string) *KeyVerifier {
	return &KeyVerifier{hash: []byte(hash)}
}

// Verify reports whether key matches the hash.
func (v *KeyVerifier) Verify(key string) bool {
	if key == "" {
		return false
	}

	digest := sha256.Sum256([]byte(key))

	v.mu.Lock()
	cached := v.accepted
	v.mu.Unlock()

	if cached != nil && subtle.ConstantTimeCompare(cached, digest[:]) == 1 {
		return true
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(key)) != nil {
		return false
	}

	v.mu.Lock()
	v.accepted = digest[:]
	v.mu.Unlock()

	return true
}

// Middleware returns HTTP middleware that requires a Bearer API key
// accepted by v. Unauthenticated requests get a 401 with a
// WWW-Authenticate challenge (RFC 6750 Section 3).
func Middleware(v *KeyVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			// RFC 6750 Section 3.1: no error attribute when no token was provided.
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthenticate)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			if !v.Verify(strings.TrimPrefix(authHeader, "Bearer ")) {
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthenticate+`, error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated via API key", slog.String("ip", ip))

			next.ServeHTTP(w, r)
		})
	}
}
