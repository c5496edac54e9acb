// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/umauth/pkg/oautherr"
	"github.com/stacklok/umauth/pkg/storage"
)

// seedChain mints root -> child -> grandchild through successive refreshes and
// one unrelated sibling grant.
func seedChain(t *testing.T, issuer *Issuer, store *storage.MemoryStore) (root, child, grandchild, unrelated *storage.GrantedToken) {
	t.Helper()
	ctx := context.Background()
	c := confidentialClient()

	seedCode(t, store, &storage.AuthorizationCode{
		Code:        "code-root",
		ClientID:    "client-1",
		RedirectURI: "https://app.example.com/cb",
		Scope:       "photos:view",
		Subject:     "alice",
	})
	root, err := issuer.ExchangeAuthorizationCode(ctx, c, AuthorizationCodeRequest{
		Code:        "code-root",
		RedirectURI: "https://app.example.com/cb",
	})
	require.NoError(t, err)

	child, err = issuer.Refresh(ctx, c, root.RefreshToken)
	require.NoError(t, err)
	grandchild, err = issuer.Refresh(ctx, c, child.RefreshToken)
	require.NoError(t, err)

	unrelated, err = issuer.ClientCredentials(ctx, c, "photos:view")
	require.NoError(t, err)

	return root, child, grandchild, unrelated
}

func TestRevokeCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, store := newTestIssuer(t)

	root, child, grandchild, unrelated := seedChain(t, issuer, store)

	require.NoError(t, issuer.Revoke(ctx, "client-1", root.RefreshToken))

	// The whole chain is gone.
	for _, tok := range []*storage.GrantedToken{root, child, grandchild} {
		resp, err := issuer.Introspect(ctx, tok.AccessToken)
		require.NoError(t, err)
		assert.False(t, resp.Active)
	}

	// Grants outside the chain survive.
	resp, err := issuer.Introspect(ctx, unrelated.AccessToken)
	require.NoError(t, err)
	assert.True(t, resp.Active)
}

func TestRevokeMidChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, store := newTestIssuer(t)

	root, child, grandchild, _ := seedChain(t, issuer, store)

	require.NoError(t, issuer.Revoke(ctx, "client-1", child.RefreshToken))

	// Descendants of the revoked grant are gone, the ancestor stays.
	resp, err := issuer.Introspect(ctx, grandchild.AccessToken)
	require.NoError(t, err)
	assert.False(t, resp.Active)

	resp, err = issuer.Introspect(ctx, root.AccessToken)
	require.NoError(t, err)
	assert.True(t, resp.Active)
}

func TestRevokeAccessTokenOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, store := newTestIssuer(t)

	root, child, _, _ := seedChain(t, issuer, store)

	// Revoking a bare access token removes only that record.
	require.NoError(t, issuer.Revoke(ctx, "client-1", root.AccessToken))

	resp, err := issuer.Introspect(ctx, root.AccessToken)
	require.NoError(t, err)
	assert.False(t, resp.Active)

	resp, err = issuer.Introspect(ctx, child.AccessToken)
	require.NoError(t, err)
	assert.True(t, resp.Active)
}

func TestRevokeOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, store := newTestIssuer(t)

	root, _, _, _ := seedChain(t, issuer, store)

	err := issuer.Revoke(ctx, "client-2", root.RefreshToken)
	require.Error(t, err)
	assert.True(t, oautherr.HasCode(err, oautherr.CodeInvalidToken))

	// The token survives the foreign attempt.
	resp, err := issuer.Introspect(ctx, root.AccessToken)
	require.NoError(t, err)
	assert.True(t, resp.Active)
}

func TestRevokeUnknownToken(t *testing.T) {
	t.Parallel()
	issuer, _ := newTestIssuer(t)

	err := issuer.Revoke(context.Background(), "client-1", "ghost")
	require.Error(t, err)
	assert.True(t, oautherr.HasCode(err, oautherr.CodeInvalidToken))
}

func TestIntrospectUnknownToken(t *testing.T) {
	t.Parallel()
	issuer, _ := newTestIssuer(t)

	// RFC 7662: unknown tokens answer {active:false}, never an error.
	resp, err := issuer.Introspect(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, resp.Active)
}

func TestIntrospectActiveToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, _ := newTestIssuer(t)

	granted, err := issuer.ClientCredentials(ctx, confidentialClient(), "photos:view")
	require.NoError(t, err)

	resp, err := issuer.Introspect(ctx, granted.AccessToken)
	require.NoError(t, err)
	assert.True(t, resp.Active)
	assert.Equal(t, "client-1", resp.ClientID)
	assert.Equal(t, testIssuerName, resp.Iss)
	assert.Equal(t, []string{"photos:view"}, resp.Scope)
	assert.Equal(t, TokenTypeBearer, resp.TokenType)
}
