// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stacklok/umauth/pkg/client"
	"github.com/stacklok/umauth/pkg/logger"
	"github.com/stacklok/umauth/pkg/uma"
)

// Cache-Control max-age for the discovery endpoints (1 hour). Balances
// caching efficiency with timely key rotation propagation.
const discoveryCacheMaxAge = 3600

// serverMetadata is the OAuth 2.0 Authorization Server Metadata (RFC 8414),
// shared by the OIDC and UMA discovery documents.
type serverMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
}

// oidcDiscovery extends the server metadata with OIDC-specific fields.
type oidcDiscovery struct {
	serverMetadata

	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
}

// umaDiscovery is the UMA 2.0 configuration document.
type umaDiscovery struct {
	serverMetadata

	PermissionEndpoint           string   `json:"permission_endpoint"`
	ResourceRegistrationEndpoint string   `json:"resource_registration_endpoint"`
	ClaimTokenFormatsSupported   []string `json:"claim_token_formats_supported,omitempty"`
}

func (h *Handler) buildMetadata() serverMetadata {
	issuer := h.issuerURL

	return serverMetadata{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + "/oauth/authorize",
		TokenEndpoint:         issuer + "/oauth/token",
		IntrospectionEndpoint: issuer + "/oauth/introspect",
		RevocationEndpoint:    issuer + "/oauth/revoke",
		JWKSURI:               issuer + "/.well-known/jwks.json",
		ResponseTypesSupported: []string{
			"code", "token", "id_token", "code token", "code id_token",
		},
		ResponseModesSupported: []string{"query", "fragment", "form_post"},
		GrantTypesSupported: []string{
			string(client.GrantAuthorizationCode),
			string(client.GrantClientCredentials),
			string(client.GrantRefreshToken),
			string(client.GrantImplicit),
			string(client.GrantUMATicket),
		},
		TokenEndpointAuthMethodsSupported: []string{
			string(client.AuthMethodSecretBasic),
			string(client.AuthMethodSecretPost),
			string(client.AuthMethodSecretJWT),
			string(client.AuthMethodPrivateKeyJWT),
			string(client.AuthMethodTLSClientAuth),
		},
		CodeChallengeMethodsSupported: []string{"S256", "plain"},
	}
}

// signingAlgorithms lists the algorithms of the published signing keys,
// falling back to RS256 per OIDC Core Section 15.1.
func (h *Handler) signingAlgorithms(req *http.Request) []string {
	keySet, err := h.engine.PublicKeySet(req.Context())
	if err != nil || len(keySet.Keys) == 0 {
		return []string{"RS256"}
	}

	seen := make(map[string]bool)
	var algs []string
	for _, key := range keySet.Keys {
		if key.Use == "sig" && key.Algorithm != "" && !seen[key.Algorithm] {
			seen[key.Algorithm] = true
			algs = append(algs, key.Algorithm)
		}
	}
	if len(algs) == 0 {
		return []string{"RS256"}
	}
	return algs
}

func writeDiscovery(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Errorw("failed to encode discovery document", "error", err.Error())
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

// JWKSHandler handles GET /.well-known/jwks.json requests. It publishes the
// public halves of the server's keys.
func (h *Handler) JWKSHandler(w http.ResponseWriter, req *http.Request) {
	keySet, err := h.engine.PublicKeySet(req.Context())
	if err != nil {
		logger.Errorw("failed to build public key set", "error", err.Error())
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeDiscovery(w, keySet)
}

// OIDCDiscoveryHandler handles GET /.well-known/openid-configuration requests.
func (h *Handler) OIDCDiscoveryHandler(w http.ResponseWriter, req *http.Request) {
	writeDiscovery(w, oidcDiscovery{
		serverMetadata:                   h.buildMetadata(),
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: h.signingAlgorithms(req),
	})
}

// UMADiscoveryHandler handles GET /.well-known/uma2-configuration requests.
func (h *Handler) UMADiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	issuer := h.issuerURL
	writeDiscovery(w, umaDiscovery{
		serverMetadata:               h.buildMetadata(),
		PermissionEndpoint:           issuer + "/uma/permission",
		ResourceRegistrationEndpoint: issuer + "/uma/resource_set",
		ClaimTokenFormatsSupported:   []string{uma.ClaimTokenFormatIDToken},
	})
}
