// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client defines the OAuth client model shared by the authenticator,
// the token issuer and the authorization flow. A Client is immutable once
// resolved for a request; administrative updates happen outside the core.
package client

import (
	"slices"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

// AuthMethod is a token-endpoint authentication method (RFC 7591 metadata value).
type AuthMethod string

// Token-endpoint authentication methods.
const (
	AuthMethodSecretBasic   AuthMethod = "client_secret_basic"
	AuthMethodSecretPost    AuthMethod = "client_secret_post"
	AuthMethodSecretJWT     AuthMethod = "client_secret_jwt"
	AuthMethodPrivateKeyJWT AuthMethod = "private_key_jwt"
	AuthMethodTLSClientAuth AuthMethod = "tls_client_auth"
)

// GrantType is an OAuth2 token-acquisition flow.
type GrantType string

// Grant types supported by the token endpoint.
const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantClientCredentials GrantType = "client_credentials"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantUMATicket         GrantType = "urn:ietf:params:oauth:grant-type:uma-ticket"
	GrantImplicit          GrantType = "implicit"
)

// SecretType distinguishes the kinds of credentials a client may register.
type SecretType string

// Client secret types.
const (
	// SecretShared is a plain shared secret compared byte-for-byte
	// (also the HMAC key for client_secret_jwt assertions).
	SecretShared SecretType = "shared_secret"

	// SecretBcrypt is a bcrypt hash of a shared secret. The plaintext is never
	// stored, so bcrypt secrets cannot serve as client_secret_jwt HMAC keys.
	SecretBcrypt SecretType = "bcrypt"

	// SecretX509Thumbprint is the SHA-256 thumbprint of a client certificate,
	// matched during tls_client_auth.
	SecretX509Thumbprint SecretType = "x509_thumbprint"
)

// Secret is a typed client credential.
type Secret struct {
	Type  SecretType `json:"type"`
	Value string     `json:"value"`
}

// TokenFormat selects the encoding of minted access tokens.
type TokenFormat string

// Access token encodings.
const (
	// TokenFormatOpaque mints unguessable random strings resolved through the token store.
	TokenFormatOpaque TokenFormat = "opaque"

	// TokenFormatJWT mints signed JWTs that also round-trip through the token store.
	TokenFormatJWT TokenFormat = "jwt"
)

// Client is a registered OAuth client.
type Client struct {
	// ID is the client identifier.
	ID string `json:"client_id"`

	// Name is the human-readable display name.
	Name string `json:"client_name,omitempty"`

	// Secrets are the client's registered credentials.
	Secrets []Secret `json:"-"`

	// AllowedScopes bound the scopes this client may be granted.
	AllowedScopes []string `json:"scope,omitempty"`

	// GrantTypes are the grant types this client may use.
	GrantTypes []GrantType `json:"grant_types,omitempty"`

	// RedirectURIs are the registered redirect URIs (exact match).
	RedirectURIs []string `json:"redirect_uris,omitempty"`

	// TokenEndpointAuthMethod is the declared authentication method.
	TokenEndpointAuthMethod AuthMethod `json:"token_endpoint_auth_method,omitempty"`

	// JSONWebKeys are the client's registered public keys, used to validate
	// private_key_jwt assertions.
	JSONWebKeys *jose.JSONWebKeySet `json:"jwks,omitempty"`

	// SigningAlg is the JWS algorithm preference for tokens minted to this client.
	SigningAlg string `json:"id_token_signed_response_alg,omitempty"`

	// EncryptionAlg and EncryptionEnc, when both set, request JWE-encrypted
	// ID tokens using the given key management and content encryption algorithms.
	EncryptionAlg string `json:"id_token_encrypted_response_alg,omitempty"`
	EncryptionEnc string `json:"id_token_encrypted_response_enc,omitempty"`

	// AccessTokenFormat selects opaque or JWT access tokens for this client.
	AccessTokenFormat TokenFormat `json:"-"`
}

// HasGrantType reports whether the client declares the given grant type.
func (c *Client) HasGrantType(gt GrantType) bool {
	return slices.Contains(c.GrantTypes, gt)
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// SharedSecrets returns all registered shared secrets.
func (c *Client) SharedSecrets() []string {
	var out []string
	for _, s := range c.Secrets {
		if s.Type == SecretShared {
			out = append(out, s.Value)
		}
	}
	return out
}

// BcryptSecrets returns all registered bcrypt-hashed secrets.
func (c *Client) BcryptSecrets() []string {
	var out []string
	for _, s := range c.Secrets {
		if s.Type == SecretBcrypt {
			out = append(out, s.Value)
		}
	}
	return out
}

// Thumbprints returns all registered certificate thumbprints.
func (c *Client) Thumbprints() []string {
	var out []string
	for _, s := range c.Secrets {
		if s.Type == SecretX509Thumbprint {
			out = append(out, s.Value)
		}
	}
	return out
}

// ScopesAllowed reports whether every requested scope is among the client's
// allowed scopes. An empty request is always allowed.
func (c *Client) ScopesAllowed(requested []string) bool {
	for _, s := range requested {
		if !slices.Contains(c.AllowedScopes, s) {
			return false
		}
	}
	return true
}

// ParseScope splits a space-delimited scope string into its scopes.
func ParseScope(scope string) []string {
	return strings.Fields(scope)
}

// JoinScope joins scopes into the single space-delimited wire form.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}
