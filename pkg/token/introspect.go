// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"
	"time"

	"github.com/stacklok/umauth/pkg/client"
	"github.com/stacklok/umauth/pkg/oautherr"
	"github.com/stacklok/umauth/pkg/storage"
)

// IntrospectionResponse is the RFC 7662 introspection result.
type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	Scope     []string `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Exp       int64    `json:"exp,omitempty"`
	Iat       int64    `json:"iat,omitempty"`
	Sub       string   `json:"sub,omitempty"`
	Aud       string   `json:"aud,omitempty"`
	Iss       string   `json:"iss,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
}

// Introspect resolves the presented token. An unknown or expired token yields
// {active: false}, never an error, per RFC 7662.
func (i *Issuer) Introspect(ctx context.Context, tokenValue string) (*IntrospectionResponse, error) {
	if tokenValue == "" {
		return nil, oautherr.New(oautherr.CodeInvalidRequest, "missing token parameter")
	}

	grant, err := i.tokens.GetAccessToken(ctx, tokenValue)
	if errors.Is(err, storage.ErrNotFound) {
		grant, err = i.tokens.GetRefreshToken(ctx, tokenValue)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &IntrospectionResponse{Active: false}, nil
		}
		return nil, oautherr.Internal("token lookup failed", err)
	}

	if time.Now().After(grant.ExpiresAt()) {
		return &IntrospectionResponse{Active: false}, nil
	}

	return &IntrospectionResponse{
		Active:    true,
		Scope:     client.ParseScope(grant.Scope),
		ClientID:  grant.ClientID,
		Exp:       grant.ExpiresAt().Unix(),
		Iat:       grant.IssuedAt.Unix(),
		Sub:       grant.Subject,
		Aud:       grant.ClientID,
		Iss:       i.issuer,
		TokenType: grant.TokenType,
	}, nil
}
