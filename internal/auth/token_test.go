// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, and expired tokens

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newVerifier(t *testing.T, secret string) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier([]byte(secret))
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	return v
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := newVerifier(t, "test-secret-key-for-jwt-signing")

	token, err := verifier.Generate("node-alpha", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got != "node-alpha" {
		t.Errorf("Verify() = %q, want %q", got, "node-alpha")
	}
}

func TestJWTVerifier_NoExpiry(t *testing.T) {
	verifier := newVerifier(t, "test-secret-key-for-jwt-signing")

	token, err := verifier.Generate("cli", 0)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := verifier.Verify(token); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := newVerifier(t, "test-secret-key-for-jwt-signing")
	other := newVerifier(t, "different-secret")
	foreign, _ := other.Generate("node-alpha", time.Hour)

	noSub, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": time.Now().Unix(),
	}).SignedString([]byte("test-secret-key-for-jwt-signing"))

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "empty token", token: "", wantErr: ErrInvalidToken},
		{name: "garbage token", token: "not-a-jwt-token", wantErr: ErrInvalidToken},
		{name: "wrong secret", token: foreign, wantErr: ErrInvalidToken},
		{name: "missing subject", token: noSub, wantErr: ErrMissingClaim},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing")
	verifier := newVerifier(t, string(secret))

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "node-alpha",
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestNewJWTVerifier_EmptySecret(t *testing.T) {
	if _, err := NewJWTVerifier(nil); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("NewJWTVerifier(nil) error = %v, want ErrEmptySecret", err)
	}
}

func TestJWTVerifier_RejectsOtherAlgorithms(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing")
	verifier := newVerifier(t, string(secret))

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"sub": "node-alpha",
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTVerifier_StampsIssuer(t *testing.T) {
	verifier := newVerifier(t, "test-secret-key-for-jwt-signing")

	token, err := verifier.Generate("node-alpha", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		t.Fatalf("ParseUnverified() error = %v", err)
	}
	if claims.Issuer != Issuer {
		t.Errorf("issuer = %q, want %q", claims.Issuer, Issuer)
	}
	if claims.ExpiresAt == nil {
		t.Error("expected an expiry for a positive ttl")
	}
}
