// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token implements token issuance for every supported grant type,
// the chained refresh-token model, cascading revocation and introspection.
package token

import (
	"context"
	"crypto/rand"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/umauth/pkg/client"
	"github.com/stacklok/umauth/pkg/jose"
	"github.com/stacklok/umauth/pkg/logger"
	"github.com/stacklok/umauth/pkg/oautherr"
	"github.com/stacklok/umauth/pkg/storage"
)

// TokenTypeBearer is the token_type of every minted token.
const TokenTypeBearer = "Bearer"

// Issuer mints, revokes and introspects tokens. It is stateless; all durable
// state lives behind the injected stores.
type Issuer struct {
	tokens storage.TokenStore
	codes  storage.CodeStore
	engine *jose.Engine

	issuer         string
	accessTokenTTL time.Duration
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithAccessTokenTTL overrides the default access token lifetime.
func WithAccessTokenTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		i.accessTokenTTL = ttl
	}
}

// NewIssuer creates an Issuer. The issuer name becomes the "iss" claim of
// every JWT-encoded token.
func NewIssuer(tokens storage.TokenStore, codes storage.CodeStore, engine *jose.Engine, issuer string, opts ...Option) *Issuer {
	i := &Issuer{
		tokens:         tokens,
		codes:          codes,
		engine:         engine,
		issuer:         issuer,
		accessTokenTTL: storage.DefaultAccessTokenTTL,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// mintSpec carries everything needed to mint one GrantedToken.
type mintSpec struct {
	client         *client.Client
	grantType      client.GrantType
	scope          string
	subject        string
	parentID       string
	withRefresh    bool
	idTokenClaims  map[string]any
	userInfoClaims map[string]any
	permissions    []storage.GrantedPermission
}

// mint creates, persists and returns a GrantedToken. Nothing is persisted
// when any step fails.
func (i *Issuer) mint(ctx context.Context, spec mintSpec) (*storage.GrantedToken, error) {
	now := time.Now().UTC().Truncate(time.Second)
	id := uuid.NewString()

	token := &storage.GrantedToken{
		ID:             id,
		TokenType:      TokenTypeBearer,
		IssuedAt:       now,
		ExpiresIn:      int64(i.accessTokenTTL / time.Second),
		Scope:          spec.scope,
		ClientID:       spec.client.ID,
		Subject:        spec.subject,
		GrantType:      spec.grantType,
		ParentTokenID:  spec.parentID,
		UserInfoClaims: maps.Clone(spec.userInfoClaims),
		Permissions:    spec.permissions,
	}

	accessToken, err := i.encodeAccessToken(ctx, spec.client, token)
	if err != nil {
		return nil, err
	}
	token.AccessToken = accessToken

	if spec.withRefresh {
		token.RefreshToken = rand.Text() + rand.Text()
	}

	// A fresh ID token carries updated timestamps even when the claim set is
	// copied from a parent grant.
	if len(spec.idTokenClaims) > 0 {
		idClaims := maps.Clone(spec.idTokenClaims)
		idClaims["iss"] = i.issuer
		idClaims["aud"] = spec.client.ID
		idClaims["iat"] = now.Unix()
		idClaims["exp"] = now.Add(i.accessTokenTTL).Unix()
		token.IDTokenClaims = idClaims
	}

	if err := i.tokens.AddToken(ctx, token); err != nil {
		return nil, oautherr.Internal("failed to persist token", err)
	}

	logger.Debugw("minted token",
		"client_id", spec.client.ID,
		"grant_type", string(spec.grantType),
		"token_id", token.ID,
	)
	return token, nil
}

// encodeAccessToken produces either an unguessable opaque string or a signed
// JWT, depending on the client's configuration.
func (i *Issuer) encodeAccessToken(ctx context.Context, c *client.Client, t *storage.GrantedToken) (string, error) {
	if c.AccessTokenFormat != client.TokenFormatJWT {
		return rand.Text() + rand.Text(), nil
	}

	claims := map[string]any{
		"iss":       i.issuer,
		"aud":       c.ID,
		"client_id": c.ID,
		"iat":       t.IssuedAt.Unix(),
		"exp":       t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second).Unix(),
		"jti":       t.ID,
		"scope":     t.Scope,
	}
	if t.Subject != "" {
		claims["sub"] = t.Subject
	}
	if len(t.Permissions) > 0 {
		perms := make([]map[string]any, 0, len(t.Permissions))
		for _, p := range t.Permissions {
			perms = append(perms, map[string]any{
				"resource_set_id": p.ResourceSetID,
				"scopes":          p.Scopes,
			})
		}
		claims["permissions"] = perms
	}

	return i.engine.Sign(ctx, claims, c.SigningAlg)
}

// SignIDToken signs (and, when the client asks for it, encrypts) an ID-token
// claim set on behalf of the authorization flow.
func (i *Issuer) SignIDToken(ctx context.Context, c *client.Client, claims map[string]any) (string, error) {
	if c.EncryptionAlg != "" && c.EncryptionEnc != "" {
		return i.engine.Encrypt(ctx, claims, c.EncryptionAlg, c.EncryptionEnc)
	}
	return i.engine.Sign(ctx, claims, c.SigningAlg)
}

// IssueIDToken completes an ID-token claim set with the standard issuer,
// audience and timestamp claims and signs it.
func (i *Issuer) IssueIDToken(ctx context.Context, c *client.Client, claims map[string]any) (string, error) {
	now := time.Now().UTC().Truncate(time.Second)
	full := maps.Clone(claims)
	if full == nil {
		full = map[string]any{}
	}
	full["iss"] = i.issuer
	full["aud"] = c.ID
	full["iat"] = now.Unix()
	full["exp"] = now.Add(i.accessTokenTTL).Unix()
	return i.SignIDToken(ctx, c, full)
}
