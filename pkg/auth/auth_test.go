package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestGenerateAndVerify(t *testing.T) {
	token, hash, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if token == "" || hash == token {
		t.Fatalf("Expected token and distinct hash")
	}

	v, err := NewVerifier(hash)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"valid", token, nil},
		{"valid again from cache", token, nil},
		{"wrong", "nope", ErrInvalidToken},
		{"empty", "", ErrMissingToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.Verify(tt.token); !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify(%q) = %v, want %v", tt.token, err, tt.wantErr)
			}
		})
	}
}

func TestNewVerifierRejectsGarbage(t *testing.T) {
	if _, err := NewVerifier("not-a-hash"); err == nil {
		t.Errorf("Expected error for invalid hash")
	}
}

func TestMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	v, err := NewVerifier(string(hash))
	if err != nil {
		t.Fatal(err)
	}
	h := v.Middleware("/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"open path", "/health", "", http.StatusOK},
		{"no token", "/jobs", "", http.StatusUnauthorized},
		{"bad token", "/jobs", "Bearer wrong", http.StatusUnauthorized},
		{"good token", "/jobs", "Bearer secret", http.StatusOK},
		{"case-insensitive scheme", "/jobs", "bearer secret", http.StatusOK},
		{"basic scheme", "/jobs", "Basic secret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}
