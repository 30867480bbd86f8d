package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed, expired, or signed with the wrong key.
	ErrInvalidToken = errors.New("invalid token")
)

// SessionClaims holds JWT claims for the session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// TokenProvider issues and validates session tokens using HS256 with a shared key.
// The token is opaque to callers; only the engine inspects it.
type TokenProvider struct {
	key      []byte
	issuer   string
	audience string
}

// NewTokenProvider returns a TokenProvider that signs with the given key.
// issuer and audience are set on claims and validated on every check.
func NewTokenProvider(key []byte, issuer, audience string) (*TokenProvider, error) {
	if len(key) == 0 {
		return nil, errors.New("security: signing key must not be empty")
	}
	return &TokenProvider{key: key, issuer: issuer, audience: audience}, nil
}

// Issue issues a session JWT for the given user. Returns the token string,
// its jti, and expiration time.
func (p *TokenProvider) Issue(userID, email string, ttl time.Duration) (token string, jti string, expiresAt time.Time, err error) {
	jti, err = generateJTI()
	if err != nil {
		return "", "", time.Time{}, err
	}
	now := time.Now().UTC()
	expiresAt = now.Add(ttl)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email: email,
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.key)
	return token, jti, expiresAt, err
}

// Validate parses and verifies a session token. Returns ErrInvalidToken for
// any malformed, expired, or mis-signed token.
func (p *TokenProvider) Validate(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrInvalidToken
			}
			return p.key, nil
		},
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
