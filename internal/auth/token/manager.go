package token

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// Claims is the subset of the identity token this service cares about.
// Verified mirrors the account state at token issuance; an unverified
// account may hold a syntactically valid token but is still rejected.
type Claims struct {
	UUID     string `json:"uuid"`
	Verified int    `json:"verified"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnverified   = errors.New("account not verified")
)

type Manager struct{ secret []byte }

func NewManager(secret string) *Manager { return &Manager{secret: []byte(secret)} }

// Verify parses and validates an HS256 token and returns its claims.
// Any parse, signature or expiry failure collapses into ErrInvalidToken;
// callers never see (or leak) the underlying detail.
func (m *Manager) Verify(tok string) (*Claims, error) {
	var c Claims
	parsed, err := jwt.ParseWithClaims(tok, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if c.UUID == "" {
		return nil, ErrInvalidToken
	}
	return &c, nil
}

// VerifyMember is Verify plus the account-verified check. This is the
// form used on every connection path.
func (m *Manager) VerifyMember(tok string) (string, error) {
	c, err := m.Verify(tok)
	if err != nil {
		return "", err
	}
	if c.Verified == 0 {
		return "", ErrUnverified
	}
	return c.UUID, nil
}

// Sign issues a token for the given subject. Used by tests and local
// tooling; production tokens come from the account service.
func (m *Manager) Sign(uuid string, verified int, ttl time.Duration) (string, error) {
	c := Claims{
		UUID:     uuid,
		Verified: verified,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
}
