package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	UserID  string `json:"userId"`
	IsAdmin bool   `json:"isAdmin,omitempty"`
	Name    string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider issues and verifies HS256 tokens signed with a shared secret.
type JWTProvider struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTProvider(secret string, ttl time.Duration) (*JWTProvider, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTProvider{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (p *JWTProvider) Issue(id Identity) (string, time.Time, error) {
	if id.Subject == "" {
		return "", time.Time{}, errors.New("identity has no subject")
	}
	now := p.now()
	expires := now.Add(p.ttl)
	claims := &Claims{
		UserID:  id.Subject,
		IsAdmin: id.IsAdmin,
		Name:    id.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

func (p *JWTProvider) Resolve(_ context.Context, token string) (Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithTimeFunc(p.now))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: token carries no subject", ErrUnauthenticated)
	}
	return Identity{Subject: claims.UserID, IsAdmin: claims.IsAdmin, DisplayName: claims.Name}, nil
}
