// Package auth protects the local job API with a single bearer token whose
// bcrypt hash lives in the config file.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// GenerateToken returns a fresh random token and its bcrypt hash
func GenerateToken() (token, hash string, err error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(tokenBytes)

	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash token: %w", err)
	}
	return token, string(hashed), nil
}

// Verifier checks bearer tokens against a bcrypt hash. The digest of the
// last accepted token is remembered so repeat requests skip bcrypt.
type Verifier struct {
	hash []byte

	mu       sync.Mutex
	accepted [sha256.Size]byte
	hasValid bool
}

// NewVerifier validates hash and returns a verifier for it
func NewVerifier(hash string) (*Verifier, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid token hash: %w", err)
	}
	return &Verifier{hash: []byte(hash)}, nil
}

// Verify returns nil when token matches
func (v *Verifier) Verify(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.hasValid && subtle.ConstantTimeCompare(v.accepted[:], digest[:]) == 1 {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	v.accepted = digest
	v.hasValid = true
	return nil
}

// BearerToken extracts the token from an Authorization header
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Middleware rejects requests without a valid token. Paths in open are
// served without one.
func (v *Verifier) Middleware(open ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range open {
				if r.URL.Path == p {
					next.ServeHTTP(w, r)
					return
				}
			}
			if err := v.Verify(BearerToken(r)); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="vidgen"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
