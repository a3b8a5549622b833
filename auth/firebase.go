package auth

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

type tokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*fbauth.Token, error)
}

// FirebaseProvider verifies Firebase ID tokens. A token is an admin when it
// carries the custom claim admin=true or its uid is listed in adminUIDs.
type FirebaseProvider struct {
	verifier  tokenVerifier
	adminUIDs map[string]bool
}

func NewFirebaseProvider(ctx context.Context, projectID, credentialsPath string, adminUIDs []string) (*FirebaseProvider, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase auth client: %w", err)
	}
	return newFirebaseProvider(client, adminUIDs), nil
}

func newFirebaseProvider(v tokenVerifier, adminUIDs []string) *FirebaseProvider {
	admins := make(map[string]bool, len(adminUIDs))
	for _, uid := range adminUIDs {
		if uid != "" {
			admins[uid] = true
		}
	}
	return &FirebaseProvider{verifier: v, adminUIDs: admins}
}

func (p *FirebaseProvider) Resolve(ctx context.Context, token string) (Identity, error) {
	tok, err := p.verifier.VerifyIDToken(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	id := Identity{Subject: tok.UID, IsAdmin: p.adminUIDs[tok.UID]}
	if admin, ok := tok.Claims["admin"].(bool); ok && admin {
		id.IsAdmin = true
	}
	if name, ok := tok.Claims["name"].(string); ok {
		id.DisplayName = name
	}
	return id, nil
}
