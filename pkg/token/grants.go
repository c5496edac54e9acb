// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/umauth/pkg/client"
	"github.com/stacklok/umauth/pkg/oautherr"
	"github.com/stacklok/umauth/pkg/storage"
)

// AuthorizationCodeRequest is the token-endpoint payload of an
// authorization_code exchange.
type AuthorizationCodeRequest struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// ExchangeAuthorizationCode redeems a single-use authorization code for a
// token. The code's client, redirect URI and PKCE verifier (when PKCE was
// started) must match the token request.
func (i *Issuer) ExchangeAuthorizationCode(
	ctx context.Context, c *client.Client, req AuthorizationCodeRequest,
) (*storage.GrantedToken, error) {
	if !c.HasGrantType(client.GrantAuthorizationCode) {
		return nil, oautherr.Newf(oautherr.CodeUnsupportedGrantType,
			"client %q may not use authorization_code", c.ID)
	}
	if req.Code == "" {
		return nil, oautherr.New(oautherr.CodeInvalidRequest, "missing code parameter")
	}

	code, err := i.codes.GetCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.New(oautherr.CodeInvalidGrant, "authorization code is invalid or already used")
		}
		return nil, oautherr.Internal("authorization code lookup failed", err)
	}

	if code.ClientID != c.ID {
		return nil, oautherr.New(oautherr.CodeInvalidGrant, "authorization code was issued to another client")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, oautherr.New(oautherr.CodeInvalidGrant, "redirect_uri does not match the authorization request")
	}
	if time.Now().After(code.ExpiresAt) {
		return nil, oautherr.New(oautherr.CodeInvalidGrant, "authorization code has expired")
	}
	if err := verifyPKCE(code, req.CodeVerifier); err != nil {
		return nil, err
	}

	// Consume the code before minting: the second of two concurrent
	// exchanges observes the code missing and fails.
	if err := i.codes.RemoveCode(ctx, req.Code); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.New(oautherr.CodeInvalidGrant, "authorization code is invalid or already used")
		}
		return nil, oautherr.Internal("failed to consume authorization code", err)
	}

	return i.mint(ctx, mintSpec{
		client:         c,
		grantType:      client.GrantAuthorizationCode,
		scope:          code.Scope,
		subject:        code.Subject,
		withRefresh:    c.HasGrantType(client.GrantRefreshToken),
		idTokenClaims:  code.IDTokenClaims,
		userInfoClaims: code.UserInfoClaims,
	})
}

// verifyPKCE checks the code_verifier against the challenge recorded when the
// authorization request started PKCE. Codes issued without a challenge skip
// the check.
func verifyPKCE(code *storage.AuthorizationCode, verifier string) error {
	if code.CodeChallenge == "" {
		return nil
	}
	if verifier == "" {
		return oautherr.New(oautherr.CodeInvalidGrant, "missing code_verifier")
	}

	switch code.CodeChallengeMethod {
	case "", "S256":
		if oauth2.S256ChallengeFromVerifier(verifier) != code.CodeChallenge {
			return oautherr.New(oautherr.CodeInvalidGrant, "code_verifier does not match the challenge")
		}
	case "plain":
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(code.CodeChallenge)) != 1 {
			return oautherr.New(oautherr.CodeInvalidGrant, "code_verifier does not match the challenge")
		}
	default:
		return oautherr.Newf(oautherr.CodeInvalidGrant,
			"unsupported code_challenge_method %q", code.CodeChallengeMethod)
	}
	return nil
}

// ClientCredentials mints a token for the client itself. There is no resource
// owner; the client's own allowed scopes bound the requested scope.
func (i *Issuer) ClientCredentials(ctx context.Context, c *client.Client, scope string) (*storage.GrantedToken, error) {
	if !c.HasGrantType(client.GrantClientCredentials) {
		return nil, oautherr.Newf(oautherr.CodeUnsupportedGrantType,
			"client %q may not use client_credentials", c.ID)
	}

	requested := client.ParseScope(scope)
	if !c.ScopesAllowed(requested) {
		return nil, oautherr.New(oautherr.CodeInvalidScope, "requested scope exceeds the client's allowed scopes")
	}
	if len(requested) == 0 {
		scope = client.JoinScope(c.AllowedScopes)
	}

	return i.mint(ctx, mintSpec{
		client:    c,
		grantType: client.GrantClientCredentials,
		scope:     scope,
	})
}

// Refresh redeems a refresh token for a new access token. The new grant
// carries the same scope and claim sets and is parented to the consumed
// grant, forming the chain walked during cascading revocation.
func (i *Issuer) Refresh(ctx context.Context, c *client.Client, refreshToken string) (*storage.GrantedToken, error) {
	if refreshToken == "" {
		return nil, oautherr.New(oautherr.CodeInvalidRequest, "missing refresh_token parameter")
	}

	parent, err := i.tokens.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.New(oautherr.CodeInvalidGrant, "refresh token is invalid")
		}
		return nil, oautherr.Internal("refresh token lookup failed", err)
	}

	if parent.ClientID != c.ID {
		return nil, oautherr.New(oautherr.CodeInvalidGrant,
			"refresh token can be used only by the client it was issued to")
	}
	if !c.HasGrantType(client.GrantRefreshToken) {
		return nil, oautherr.Newf(oautherr.CodeUnsupportedGrantType,
			"client %q may not use refresh_token", c.ID)
	}

	return i.mint(ctx, mintSpec{
		client:         c,
		grantType:      client.GrantRefreshToken,
		scope:          parent.Scope,
		subject:        parent.Subject,
		parentID:       parent.ID,
		withRefresh:    true,
		idTokenClaims:  parent.IDTokenClaims,
		userInfoClaims: parent.UserInfoClaims,
	})
}

// Implicit mints an access token delivered on the front channel of an
// implicit or hybrid authorization flow. Front-channel tokens never carry a
// refresh token.
func (i *Issuer) Implicit(
	ctx context.Context, c *client.Client, scope, subject string, idTokenClaims map[string]any,
) (*storage.GrantedToken, error) {
	if !c.HasGrantType(client.GrantImplicit) {
		return nil, oautherr.Newf(oautherr.CodeUnsupportedGrantType,
			"client %q may not use the implicit flow", c.ID)
	}

	return i.mint(ctx, mintSpec{
		client:        c,
		grantType:     client.GrantImplicit,
		scope:         scope,
		subject:       subject,
		idTokenClaims: idTokenClaims,
	})
}

// UMATicket mints a requesting-party token embedding, per authorized ticket
// line, the resource-set ID and granted scopes. The policy engine must have
// authorized the permissions before this is called.
func (i *Issuer) UMATicket(
	ctx context.Context, c *client.Client, subject string, permissions []storage.GrantedPermission,
) (*storage.GrantedToken, error) {
	if !c.HasGrantType(client.GrantUMATicket) {
		return nil, oautherr.Newf(oautherr.CodeUnsupportedGrantType,
			"client %q may not use the uma-ticket grant", c.ID)
	}
	if len(permissions) == 0 {
		return nil, oautherr.New(oautherr.CodeInvalidRequest, "no authorized permissions to embed")
	}

	var scopes []string
	for _, p := range permissions {
		scopes = append(scopes, p.Scopes...)
	}

	return i.mint(ctx, mintSpec{
		client:      c,
		grantType:   client.GrantUMATicket,
		scope:       client.JoinScope(scopes),
		subject:     subject,
		permissions: permissions,
	})
}
