package auth

import (
	"context"
	"errors"
	"testing"

	fbauth "firebase.google.com/go/v4/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerifier map[string]*fbauth.Token

func (f fakeVerifier) VerifyIDToken(_ context.Context, idToken string) (*fbauth.Token, error) {
	tok, ok := f[idToken]
	if !ok {
		return nil, errors.New("ID token has invalid signature")
	}
	return tok, nil
}

func TestFirebaseResolve(t *testing.T) {
	p := newFirebaseProvider(fakeVerifier{
		"student": {UID: "uid-1", Claims: map[string]interface{}{"name": "Ada"}},
		"claimed": {UID: "uid-2", Claims: map[string]interface{}{"admin": true}},
		"listed":  {UID: "uid-3", Claims: map[string]interface{}{}},
	}, []string{"uid-3", ""})
	ctx := context.Background()

	id, err := p.Resolve(ctx, "student")
	require.NoError(t, err)
	assert.Equal(t, Identity{Subject: "uid-1", DisplayName: "Ada"}, id)

	id, err = p.Resolve(ctx, "claimed")
	require.NoError(t, err)
	assert.True(t, id.IsAdmin)

	id, err = p.Resolve(ctx, "listed")
	require.NoError(t, err)
	assert.True(t, id.IsAdmin)

	_, err = p.Resolve(ctx, "forged")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

type staticProvider struct {
	id  Identity
	err error
}

func (s staticProvider) Resolve(context.Context, string) (Identity, error) { return s.id, s.err }

func TestChain(t *testing.T) {
	ctx := context.Background()

	_, err := Chain{}.Resolve(ctx, "t")
	assert.ErrorIs(t, err, ErrNoProvider)

	reject := staticProvider{err: errors.New("not mine")}
	accept := staticProvider{id: Identity{Subject: "u1"}}

	id, err := Chain{reject, accept}.Resolve(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "u1", id.Subject)

	_, err = Chain{reject, reject}.Resolve(ctx, "t")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Contains(t, err.Error(), "not mine")
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc.def")
	assert.True(t, ok)
	assert.Equal(t, "abc.def", tok)

	tok, ok = BearerToken("bearer   xyz ")
	assert.True(t, ok)
	assert.Equal(t, "xyz", tok)

	_, ok = BearerToken("Basic abc")
	assert.False(t, ok)
	_, ok = BearerToken("Bearer ")
	assert.False(t, ok)
	_, ok = BearerToken("")
	assert.False(t, ok)
}
