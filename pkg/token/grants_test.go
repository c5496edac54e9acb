// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/umauth/pkg/client"
	"github.com/stacklok/umauth/pkg/jose"
	"github.com/stacklok/umauth/pkg/oautherr"
	"github.com/stacklok/umauth/pkg/storage"
)

const testIssuerName = "https://auth.example.com"

func newTestIssuer(t *testing.T) (*Issuer, *storage.MemoryStore) {
	t.Helper()

	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	engine := jose.NewEngine(store, store)
	require.NoError(t, engine.EnsureDefaultKeys(context.Background()))

	return NewIssuer(store, store, engine, testIssuerName), store
}

func confidentialClient() *client.Client {
	return &client.Client{
		ID:            "client-1",
		AllowedScopes: []string{"photos:view", "photos:print"},
		GrantTypes: []client.GrantType{
			client.GrantAuthorizationCode,
			client.GrantClientCredentials,
			client.GrantRefreshToken,
			client.GrantUMATicket,
		},
	}
}

func seedCode(t *testing.T, store *storage.MemoryStore, code *storage.AuthorizationCode) {
	t.Helper()
	if code.ExpiresAt.IsZero() {
		code.ExpiresAt = time.Now().Add(10 * time.Minute)
	}
	require.NoError(t, store.AddCode(context.Background(), code))
}

func TestExchangeAuthorizationCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, store := newTestIssuer(t)
	c := confidentialClient()

	seedCode(t, store, &storage.AuthorizationCode{
		Code:        "code-1",
		ClientID:    "client-1",
		RedirectURI: "https://app.example.com/cb",
		Scope:       "photos:view",
		Subject:     "alice",
	})

	granted, err := issuer.ExchangeAuthorizationCode(ctx, c, AuthorizationCodeRequest{
		Code:        "code-1",
		RedirectURI: "https://app.example.com/cb",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", granted.Subject)
	assert.Equal(t, "photos:view", granted.Scope)
	assert.NotEmpty(t, granted.AccessToken)
	assert.NotEmpty(t, granted.RefreshToken, "client declares refresh_token, so a refresh token is minted")

	// The code is single-use.
	_, err = issuer.ExchangeAuthorizationCode(ctx, c, AuthorizationCodeRequest{
		Code:        "code-1",
		RedirectURI: "https://app.example.com/cb",
	})
	require.Error(t, err)
	assert.True(t, oautherr.HasCode(err, oautherr.CodeInvalidGrant))
}

func TestExchangeAuthorizationCodeRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, store := newTestIssuer(t)
	c := confidentialClient()

	seedCode(t, store, &storage.AuthorizationCode{
		Code:        "code-1",
		ClientID:    "client-1",
		RedirectURI: "https://app.example.com/cb",
	})
	seedCode(t, store, &storage.AuthorizationCode{
		Code:        "code-other",
		ClientID:    "someone-else",
		RedirectURI: "https://app.example.com/cb",
	})
	seedCode(t, store, &storage.AuthorizationCode{
		Code:        "code-expired",
		ClientID:    "client-1",
		RedirectURI: "https://app.example.com/cb",
		ExpiresAt:   time.Now().Add(-time.Minute),
	})

	tests := []struct {
		name     string
		req      AuthorizationCodeRequest
		wantCode string
	}{
		{
			name:     "unknown code",
			req:      AuthorizationCodeRequest{Code: "ghost", RedirectURI: "https://app.example.com/cb"},
			wantCode: oautherr.CodeInvalidGrant,
		},
		{
			name:     "missing code",
			req:      AuthorizationCodeRequest{RedirectURI: "https://app.example.com/cb"},
			wantCode: oautherr.CodeInvalidRequest,
		},
		{
			name:     "code issued to another client",
			req:      AuthorizationCodeRequest{Code: "code-other", RedirectURI: "https://app.example.com/cb"},
			wantCode: oautherr.CodeInvalidGrant,
		},
		{
			name:     "redirect_uri mismatch",
			req:      AuthorizationCodeRequest{Code: "code-1", RedirectURI: "https://evil.example.com/cb"},
			wantCode: oautherr.CodeInvalidGrant,
		},
		{
			name:     "expired code",
			req:      AuthorizationCodeRequest{Code: "code-expired", RedirectURI: "https://app.example.com/cb"},
			wantCode: oautherr.CodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := issuer.ExchangeAuthorizationCode(ctx, c, tt.req)
			require.Error(t, err)
			assert.True(t, oautherr.HasCode(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestExchangeAuthorizationCodePKCE(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, store := newTestIssuer(t)
	c := confidentialClient()

	verifier := oauth2.GenerateVerifier()
	seedCode(t, store, &storage.AuthorizationCode{
		Code:                "code-s256",
		ClientID:            "client-1",
		RedirectURI:         "https://app.example.com/cb",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
	})

	// Wrong verifier first: the code must survive a failed PKCE check.
	_, err := issuer.ExchangeAuthorizationCode(ctx, c, AuthorizationCodeRequest{
		Code:         "code-s256",
		RedirectURI:  "https://app.example.com/cb",
		CodeVerifier: "not-the-verifier-not-the-verifier-no",
	})
	require.Error(t, err)
	assert.True(t, oautherr.HasCode(err, oautherr.CodeInvalidGrant))

	_, err = issuer.ExchangeAuthorizationCode(ctx, c, AuthorizationCodeRequest{
		Code:        "code-s256",
		RedirectURI: "https://app.example.com/cb",
	})
	require.Error(t, err, "missing verifier when PKCE was started")

	granted, err := issuer.ExchangeAuthorizationCode(ctx, c, AuthorizationCodeRequest{
		Code:         "code-s256",
		RedirectURI:  "https://app.example.com/cb",
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, granted.AccessToken)
}

func TestExchangeAuthorizationCodePKCEPlain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, store := newTestIssuer(t)
	c := confidentialClient()

	seedCode(t, store, &storage.AuthorizationCode{
		Code:                "code-plain",
		ClientID:            "client-1",
		RedirectURI:         "https://app.example.com/cb",
		CodeChallenge:       "the-plain-challenge-value-0123456789abcdef",
		CodeChallengeMethod: "plain",
	})

	granted, err := issuer.ExchangeAuthorizationCode(ctx, c, AuthorizationCodeRequest{
		Code:         "code-plain",
		RedirectURI:  "https://app.example.com/cb",
		CodeVerifier: "the-plain-challenge-value-0123456789abcdef",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, granted.AccessToken)
}

func TestClientCredentials(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, _ := newTestIssuer(t)
	c := confidentialClient()

	granted, err := issuer.ClientCredentials(ctx, c, "photos:view")
	require.NoError(t, err)
	assert.Equal(t, "photos:view", granted.Scope)
	assert.Empty(t, granted.Subject, "client_credentials has no resource owner")
	assert.Empty(t, granted.RefreshToken)

	// Empty scope defaults to everything the client is allowed.
	granted, err = issuer.ClientCredentials(ctx, c, "")
	require.NoError(t, err)
	assert.Equal(t, "photos:view photos:print", granted.Scope)

	// Scope beyond the allow-list is rejected.
	_, err = issuer.ClientCredentials(ctx, c, "photos:view admin:all")
	require.Error(t, err)
	assert.True(t, oautherr.HasCode(err, oautherr.CodeInvalidScope))
}

func TestClientCredentialsGrantNotAllowed(t *testing.T) {
	t.Parallel()
	issuer, _ := newTestIssuer(t)

	c := &client.Client{ID: "code-only", GrantTypes: []client.GrantType{client.GrantAuthorizationCode}}
	_, err := issuer.ClientCredentials(context.Background(), c, "")
	require.Error(t, err)
	assert.True(t, oautherr.HasCode(err, oautherr.CodeUnsupportedGrantType))
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, store := newTestIssuer(t)
	c := confidentialClient()

	seedCode(t, store, &storage.AuthorizationCode{
		Code:        "code-1",
		ClientID:    "client-1",
		RedirectURI: "https://app.example.com/cb",
		Scope:       "photos:view",
		Subject:     "alice",
	})
	parent, err := issuer.ExchangeAuthorizationCode(ctx, c, AuthorizationCodeRequest{
		Code:        "code-1",
		RedirectURI: "https://app.example.com/cb",
	})
	require.NoError(t, err)

	child, err := issuer.Refresh(ctx, c, parent.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, parent.Scope, child.Scope)
	assert.Equal(t, parent.Subject, child.Subject)
	assert.Equal(t, parent.ID, child.ParentTokenID)
	assert.NotEqual(t, parent.AccessToken, child.AccessToken)
	assert.NotEmpty(t, child.RefreshToken)
}

func TestRefreshForeignTokenRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, store := newTestIssuer(t)
	owner := confidentialClient()

	seedCode(t, store, &storage.AuthorizationCode{
		Code:        "code-1",
		ClientID:    "client-1",
		RedirectURI: "https://app.example.com/cb",
	})
	parent, err := issuer.ExchangeAuthorizationCode(ctx, owner, AuthorizationCodeRequest{
		Code:        "code-1",
		RedirectURI: "https://app.example.com/cb",
	})
	require.NoError(t, err)

	other := &client.Client{
		ID:         "client-2",
		GrantTypes: []client.GrantType{client.GrantRefreshToken},
	}
	_, err = issuer.Refresh(ctx, other, parent.RefreshToken)
	require.Error(t, err)
	assert.True(t, oautherr.HasCode(err, oautherr.CodeInvalidGrant))

	// Unknown refresh token.
	_, err = issuer.Refresh(ctx, owner, "ghost")
	require.Error(t, err)
	assert.True(t, oautherr.HasCode(err, oautherr.CodeInvalidGrant))
}

func TestImplicit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, _ := newTestIssuer(t)

	c := &client.Client{
		ID:         "spa-client",
		GrantTypes: []client.GrantType{client.GrantImplicit},
	}

	granted, err := issuer.Implicit(ctx, c, "photos:view", "alice", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, granted.AccessToken)
	assert.Empty(t, granted.RefreshToken, "front-channel tokens never carry a refresh token")
	assert.Equal(t, "alice", granted.Subject)

	_, err = issuer.Implicit(ctx, confidentialClient(), "photos:view", "alice", nil)
	require.Error(t, err)
	assert.True(t, oautherr.HasCode(err, oautherr.CodeUnsupportedGrantType))
}

func TestUMATicketGrant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, _ := newTestIssuer(t)
	c := confidentialClient()

	perms := []storage.GrantedPermission{
		{ResourceSetID: "rs-1", Scopes: []string{"photos:view"}},
	}
	granted, err := issuer.UMATicket(ctx, c, "alice", perms)
	require.NoError(t, err)
	assert.Equal(t, perms, granted.Permissions)
	assert.Equal(t, "photos:view", granted.Scope)

	_, err = issuer.UMATicket(ctx, c, "alice", nil)
	require.Error(t, err)
	assert.True(t, oautherr.HasCode(err, oautherr.CodeInvalidRequest))
}

func TestJWTAccessTokenFormat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, _ := newTestIssuer(t)

	c := confidentialClient()
	c.AccessTokenFormat = client.TokenFormatJWT

	granted, err := issuer.ClientCredentials(ctx, c, "photos:view")
	require.NoError(t, err)

	// A JWT access token is resolvable through the store like an opaque one.
	resp, err := issuer.Introspect(ctx, granted.AccessToken)
	require.NoError(t, err)
	assert.True(t, resp.Active)
	assert.Equal(t, []string{"photos:view"}, resp.Scope)
}
