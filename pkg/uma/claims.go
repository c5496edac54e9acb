// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package uma

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/umauth/pkg/jose"
	"github.com/stacklok/umauth/pkg/oautherr"
)

// ClaimTokenFormatIDToken is the UMA 2.0 claim_token_format value for an
// OpenID Connect ID token.
const ClaimTokenFormatIDToken = "http://openid.net/specs/openid-connect-core-1_0.html#IDToken"

// ClaimTokenParameter carries the requester's claims into policy evaluation,
// supplied as an external token on the token request.
type ClaimTokenParameter struct {
	Token  string `json:"claim_token"`
	Format string `json:"claim_token_format"`
}

// ClaimsResolver verifies claim tokens and extracts their claim sets. Tokens
// issued by this server verify against the server's own key set; a policy
// rule naming an external OpenID provider verifies against that provider's
// published JWKS instead, fetched through an auto-refreshing cache.
type ClaimsResolver struct {
	engine *jose.Engine
	cache  *jwk.Cache

	// registered tracks which JWKS URLs are registered with the cache.
	mu         sync.Mutex
	registered map[string]bool
}

// NewClaimsResolver creates a ClaimsResolver. The context bounds the lifetime
// of the JWKS refresh cache.
func NewClaimsResolver(ctx context.Context, engine *jose.Engine) (*ClaimsResolver, error) {
	cache, err := jwk.NewCache(ctx, httprc.NewClient())
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &ClaimsResolver{
		engine:     engine,
		cache:      cache,
		registered: make(map[string]bool),
	}, nil
}

// Resolve verifies the claim token against this server's key set and returns
// its claim set.
func (r *ClaimsResolver) Resolve(ctx context.Context, param *ClaimTokenParameter) (map[string]any, error) {
	if param == nil || param.Token == "" {
		return nil, nil
	}
	if param.Format != "" && param.Format != ClaimTokenFormatIDToken {
		return nil, oautherr.Newf(oautherr.CodeInvalidRequest,
			"unsupported claim_token_format %q", param.Format)
	}
	return r.engine.Validate(ctx, param.Token)
}

// ResolveExternal verifies the claim token against the named OpenID
// provider's JWKS and returns its claim set.
func (r *ClaimsResolver) ResolveExternal(ctx context.Context, param *ClaimTokenParameter, provider string) (map[string]any, error) {
	if param == nil || param.Token == "" {
		return nil, oautherr.New(oautherr.CodeInvalidRequest,
			"policy requires claims from an external provider but no claim token was supplied")
	}

	jwksURL := providerJWKSURL(provider)
	if err := r.ensureRegistered(ctx, jwksURL); err != nil {
		return nil, oautherr.Internal("failed to register provider JWKS", err)
	}

	parsed, err := jwt.Parse(param.Token, func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("token header missing kid")
		}

		keySet, err := r.cache.Lookup(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
		}

		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
		}

		var rawKey any
		if err := jwk.Export(key, &rawKey); err != nil {
			return nil, fmt.Errorf("failed to export raw key: %w", err)
		}
		return rawKey, nil
	})
	if err != nil {
		return nil, oautherr.Wrap(oautherr.CodeInvalidToken, "claim token verification failed", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, oautherr.New(oautherr.CodeInvalidToken, "claim token carries no claim set")
	}
	return map[string]any(claims), nil
}

// ensureRegistered registers a JWKS URL with the cache once.
func (r *ClaimsResolver) ensureRegistered(ctx context.Context, jwksURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered[jwksURL] {
		return nil
	}

	registerCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.cache.Register(registerCtx, jwksURL); err != nil {
		return err
	}
	r.registered[jwksURL] = true
	return nil
}

// providerJWKSURL derives the JWKS URL from a provider identifier: a URL
// already pointing into .well-known is used as-is, anything else is treated
// as an issuer base.
func providerJWKSURL(provider string) string {
	if strings.Contains(provider, "/.well-known/") {
		return provider
	}
	return strings.TrimSuffix(provider, "/") + "/.well-known/jwks.json"
}
