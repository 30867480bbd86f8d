package security

import (
	"errors"
	"testing"
	"time"
)

func newTestProvider(t *testing.T) *TokenProvider {
	t.Helper()
	p, err := NewTokenProvider([]byte("test-signing-key-0123456789abcdef"), "kitchensync-auth", "kitchensync-engine")
	if err != nil {
		t.Fatalf("NewTokenProvider: %v", err)
	}
	return p
}

func TestNewTokenProvider_EmptyKey(t *testing.T) {
	if _, err := NewTokenProvider(nil, "iss", "aud"); err == nil {
		t.Fatal("NewTokenProvider with empty key should return error")
	}
}

func TestIssueAndValidate(t *testing.T) {
	p := newTestProvider(t)

	token, jti, expiresAt, err := p.Issue("user-1", "cook@example.com", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("token should not be empty")
	}
	if jti == "" {
		t.Fatal("jti should not be empty")
	}
	if !expiresAt.After(time.Now()) {
		t.Error("expiresAt should be in the future")
	}

	claims, err := p.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "user-1")
	}
	if claims.Email != "cook@example.com" {
		t.Errorf("Email = %q, want %q", claims.Email, "cook@example.com")
	}
	if claims.ID != jti {
		t.Errorf("jti = %q, want %q", claims.ID, jti)
	}
}

func TestValidate_Expired(t *testing.T) {
	p := newTestProvider(t)

	token, _, _, err := p.Issue("user-1", "cook@example.com", -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := p.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate expired token: err = %v, want ErrInvalidToken", err)
	}
}

func TestValidate_WrongKey(t *testing.T) {
	p := newTestProvider(t)
	other, err := NewTokenProvider([]byte("another-key-entirely-0123456789"), "kitchensync-auth", "kitchensync-engine")
	if err != nil {
		t.Fatalf("NewTokenProvider: %v", err)
	}

	token, _, _, err := other.Issue("user-1", "cook@example.com", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := p.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate with wrong key: err = %v, want ErrInvalidToken", err)
	}
}

func TestValidate_Garbage(t *testing.T) {
	p := newTestProvider(t)

	testCases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not a jwt", "definitely-not-a-jwt"},
		{"truncated", "eyJhbGciOiJIUzI1NiJ9"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := p.Validate(tc.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Validate(%q): err = %v, want ErrInvalidToken", tc.token, err)
			}
		})
	}
}

func TestValidate_WrongIssuerAudience(t *testing.T) {
	key := []byte("shared-key-for-issuer-audience-test")
	mint, err := NewTokenProvider(key, "someone-else", "other-api")
	if err != nil {
		t.Fatalf("NewTokenProvider: %v", err)
	}
	check, err := NewTokenProvider(key, "kitchensync-auth", "kitchensync-engine")
	if err != nil {
		t.Fatalf("NewTokenProvider: %v", err)
	}

	token, _, _, err := mint.Issue("user-1", "cook@example.com", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := check.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate foreign token: err = %v, want ErrInvalidToken", err)
	}
}
