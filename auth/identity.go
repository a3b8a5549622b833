// Package auth resolves bearer tokens into the acting party of a chat.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"campuscruiser/models"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNoProvider      = errors.New("no identity provider configured")
)

// Identity is a stable subject plus its side of the conversation.
type Identity struct {
	Subject     string `json:"subject"`
	IsAdmin     bool   `json:"isAdmin"`
	DisplayName string `json:"displayName,omitempty"`
}

func (i Identity) Role() models.Role {
	if i.IsAdmin {
		return models.RoleAdmin
	}
	return models.RoleUser
}

// Provider turns a bearer token into an Identity.
type Provider interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// Chain tries each provider in order and returns the first identity resolved.
type Chain []Provider

func (c Chain) Resolve(ctx context.Context, token string) (Identity, error) {
	if len(c) == 0 {
		return Identity{}, ErrNoProvider
	}
	var errs []error
	for _, p := range c {
		id, err := p.Resolve(ctx, token)
		if err == nil {
			return id, nil
		}
		errs = append(errs, err)
	}
	return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, errors.Join(errs...))
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
