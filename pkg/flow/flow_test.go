// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/umauth/pkg/client"
	"github.com/stacklok/umauth/pkg/jose"
	"github.com/stacklok/umauth/pkg/oautherr"
	"github.com/stacklok/umauth/pkg/storage"
	"github.com/stacklok/umauth/pkg/storage/mocks"
	"github.com/stacklok/umauth/pkg/token"
)

const redirectURI = "https://app.example.com/cb"

func newTestController(t *testing.T, clients ...*client.Client) (*Controller, *storage.MemoryStore) {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	engine := jose.NewEngine(store, store)
	require.NoError(t, engine.EnsureDefaultKeys(ctx))
	issuer := token.NewIssuer(store, store, engine, "https://auth.example.com")

	for _, c := range clients {
		require.NoError(t, store.Add(ctx, c))
	}
	return NewController(store, store, store, issuer), store
}

func webClient() *client.Client {
	return &client.Client{
		ID:           "web-client",
		RedirectURIs: []string{redirectURI},
		GrantTypes: []client.GrantType{
			client.GrantAuthorizationCode,
			client.GrantImplicit,
			client.GrantRefreshToken,
		},
	}
}

// loggedInRequest is an authorization request past login and consent.
func loggedInRequest(responseType string) *Request {
	return &Request{
		ClientID:     "web-client",
		RedirectURI:  redirectURI,
		ResponseType: responseType,
		Scope:        "photos:view",
		State:        "xyz",
		Nonce:        "n-0S6_WzA2Mj",
		Subject:      "alice",
		ConsentGiven: true,
	}
}

func TestAuthorizeTerminalErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl, _ := newTestController(t, webClient())

	tests := []struct {
		name     string
		mutate   func(*Request)
		wantCode string
	}{
		{
			name:     "unknown client",
			mutate:   func(r *Request) { r.ClientID = "ghost" },
			wantCode: oautherr.CodeInvalidRequest,
		},
		{
			name:     "unregistered redirect URI",
			mutate:   func(r *Request) { r.RedirectURI = "https://evil.example.com/cb" },
			wantCode: oautherr.CodeInvalidRequest,
		},
		{
			name:     "missing response_type",
			mutate:   func(r *Request) { r.ResponseType = "" },
			wantCode: oautherr.CodeInvalidRequest,
		},
		{
			name:     "unsupported response_type",
			mutate:   func(r *Request) { r.ResponseType = "device_code" },
			wantCode: oautherr.CodeInvalidRequest,
		},
		{
			name: "missing nonce on implicit flow",
			mutate: func(r *Request) {
				r.ResponseType = "token"
				r.Nonce = ""
			},
			wantCode: oautherr.CodeInvalidRequest,
		},
		{
			name:     "unsupported response_mode",
			mutate:   func(r *Request) { r.ResponseMode = "web_message" },
			wantCode: oautherr.CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := loggedInRequest("code")
			tt.mutate(req)

			_, err := ctrl.Authorize(ctx, req)
			require.Error(t, err)
			assert.True(t, oautherr.HasCode(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestAuthorizeNeedsLogin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl, _ := newTestController(t, webClient())

	req := loggedInRequest("code")
	req.Subject = ""

	outcome, err := ctrl.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, NeedsLogin, outcome.State)

	// prompt=login forces re-authentication even with a subject.
	req = loggedInRequest("code")
	req.Prompt = "login"
	outcome, err = ctrl.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, NeedsLogin, outcome.State)
}

func TestAuthorizeNeedsConsent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl, _ := newTestController(t, webClient())

	req := loggedInRequest("code")
	req.ConsentGiven = false

	outcome, err := ctrl.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, NeedsConsent, outcome.State)
}

func TestAuthorizePriorConsentSkipsScreen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl, store := newTestController(t, webClient())

	require.NoError(t, store.AddConsent(ctx, &storage.Consent{
		ID:       "consent-1",
		Subject:  "alice",
		ClientID: "web-client",
		Scopes:   []string{"photos:view"},
	}))

	req := loggedInRequest("code")
	req.ConsentGiven = false

	outcome, err := ctrl.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, RedirectToClient, outcome.State)

	// prompt=consent overrides the stored approval.
	req = loggedInRequest("code")
	req.ConsentGiven = false
	req.Prompt = "consent"
	outcome, err = ctrl.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, NeedsConsent, outcome.State)
}

func TestAuthorizeCodeFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl, store := newTestController(t, webClient())

	outcome, err := ctrl.Authorize(ctx, loggedInRequest("code"))
	require.NoError(t, err)
	require.Equal(t, RedirectToClient, outcome.State)
	assert.Equal(t, ModeQuery, outcome.ResponseMode)

	target, err := url.Parse(outcome.RedirectURI)
	require.NoError(t, err)
	query := target.Query()
	assert.Equal(t, "xyz", query.Get("state"))

	code := query.Get("code")
	require.NotEmpty(t, code)

	// The persisted code is bound to the request.
	stored, err := store.GetCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "web-client", stored.ClientID)
	assert.Equal(t, "alice", stored.Subject)
	assert.Equal(t, redirectURI, stored.RedirectURI)
	assert.Equal(t, "n-0S6_WzA2Mj", stored.Nonce)
}

func TestAuthorizeClientStoreFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ctrl := gomock.NewController(t)
	clients := mocks.NewMockClientStore(ctrl)
	clients.EXPECT().GetByID(gomock.Any(), "web-client").Return(nil, errors.New("backend down"))

	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	controller := NewController(clients, store, store, nil)

	_, err := controller.Authorize(ctx, loggedInRequest("code"))
	require.Error(t, err)
	assert.True(t, oautherr.HasCode(err, oautherr.CodeInternal),
		"a store failure must not masquerade as an unknown client, got %v", err)
}

func TestAuthorizeCodeIDTokenNeedsOpenIDScope(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl, store := newTestController(t, webClient())

	// Plain OAuth request: the code carries no ID-token claims, so the
	// exchange will not mint an id_token.
	outcome, err := ctrl.Authorize(ctx, loggedInRequest("code"))
	require.NoError(t, err)
	stored, err := store.GetCode(ctx, outcome.Params.Get("code"))
	require.NoError(t, err)
	assert.Empty(t, stored.IDTokenClaims)

	// With the openid scope the claims are attached.
	req := loggedInRequest("code")
	req.Scope = "openid photos:view"
	outcome, err = ctrl.Authorize(ctx, req)
	require.NoError(t, err)
	stored, err = store.GetCode(ctx, outcome.Params.Get("code"))
	require.NoError(t, err)
	require.NotEmpty(t, stored.IDTokenClaims)
	assert.Equal(t, "alice", stored.IDTokenClaims["sub"])
	assert.Equal(t, "n-0S6_WzA2Mj", stored.IDTokenClaims["nonce"])
}

func TestAuthorizeImplicitFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl, _ := newTestController(t, webClient())

	outcome, err := ctrl.Authorize(ctx, loggedInRequest("token"))
	require.NoError(t, err)
	require.Equal(t, RedirectToClient, outcome.State)
	assert.Equal(t, ModeFragment, outcome.ResponseMode, "front-channel tokens travel in the fragment")

	// Parameters live in the fragment, not the query.
	base, fragment, found := strings.Cut(outcome.RedirectURI, "#")
	require.True(t, found)
	assert.Equal(t, redirectURI, base)

	params, err := url.ParseQuery(fragment)
	require.NoError(t, err)
	assert.NotEmpty(t, params.Get("access_token"))
	assert.Equal(t, "Bearer", params.Get("token_type"))
	assert.Equal(t, "xyz", params.Get("state"))
	assert.Empty(t, params.Get("refresh_token"))
}

func TestAuthorizeHybridFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl, _ := newTestController(t, webClient())

	outcome, err := ctrl.Authorize(ctx, loggedInRequest("code id_token"))
	require.NoError(t, err)
	require.Equal(t, RedirectToClient, outcome.State)
	assert.Equal(t, ModeFragment, outcome.ResponseMode)

	assert.NotEmpty(t, outcome.Params.Get("code"))
	assert.NotEmpty(t, outcome.Params.Get("id_token"))
}

func TestAuthorizeResponseModeOverride(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl, _ := newTestController(t, webClient())

	req := loggedInRequest("code")
	req.ResponseMode = ModeFormPost

	outcome, err := ctrl.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ModeFormPost, outcome.ResponseMode)
	assert.Empty(t, outcome.RedirectURI, "form_post renders parameters instead of redirecting")
	assert.NotEmpty(t, outcome.Params.Get("code"))
}

func TestAuthorizeGrantTypeMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ctrl, _ := newTestController(t, &client.Client{
		ID:           "code-only",
		RedirectURIs: []string{redirectURI},
		GrantTypes:   []client.GrantType{client.GrantAuthorizationCode},
	})

	req := loggedInRequest("token")
	req.ClientID = "code-only"

	_, err := ctrl.Authorize(ctx, req)
	require.Error(t, err)
	assert.True(t, oautherr.HasCode(err, oautherr.CodeUnsupportedGrantType))
}

func TestNegotiateResponseMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		override ResponseMode
		types    []string
		want     ResponseMode
	}{
		{name: "code defaults to query", types: []string{"code"}, want: ModeQuery},
		{name: "token defaults to fragment", types: []string{"token"}, want: ModeFragment},
		{name: "id_token defaults to fragment", types: []string{"id_token"}, want: ModeFragment},
		{name: "hybrid defaults to fragment", types: []string{"code", "token"}, want: ModeFragment},
		{name: "explicit override wins", override: ModeFormPost, types: []string{"code"}, want: ModeFormPost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := negotiateResponseMode(tt.override, tt.types)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
