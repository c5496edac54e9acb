// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the authorization server over HTTP: the OAuth token,
// authorization, introspection and revocation endpoints, the UMA permission
// and policy surfaces, and the discovery documents.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/umauth/pkg/clientauth"
	"github.com/stacklok/umauth/pkg/flow"
	"github.com/stacklok/umauth/pkg/jose"
	"github.com/stacklok/umauth/pkg/logger"
	"github.com/stacklok/umauth/pkg/oautherr"
	"github.com/stacklok/umauth/pkg/storage"
	"github.com/stacklok/umauth/pkg/token"
	"github.com/stacklok/umauth/pkg/uma"
)

const serverRequestTimeout = 10 * time.Second

// Handler provides the HTTP handlers for every server endpoint.
type Handler struct {
	authenticator *clientauth.Authenticator
	issuer        *token.Issuer
	flow          *flow.Controller
	registry      *uma.Registry
	policies      *uma.Engine
	engine        *jose.Engine

	resources   storage.ResourceSetStore
	policyStore storage.PolicyStore

	issuerURL string
	metrics   *Metrics
}

// Config carries the Handler's collaborators.
type Config struct {
	Authenticator *clientauth.Authenticator
	Issuer        *token.Issuer
	Flow          *flow.Controller
	Registry      *uma.Registry
	Policies      *uma.Engine
	Engine        *jose.Engine

	Resources storage.ResourceSetStore
	PolicySt  storage.PolicyStore

	IssuerURL string
	Metrics   *Metrics
}

// NewHandler creates a Handler with the given dependencies.
func NewHandler(cfg Config) *Handler {
	m := cfg.Metrics
	if m == nil {
		m = NewMetrics()
	}
	return &Handler{
		authenticator: cfg.Authenticator,
		issuer:        cfg.Issuer,
		flow:          cfg.Flow,
		registry:      cfg.Registry,
		policies:      cfg.Policies,
		engine:        cfg.Engine,
		resources:     cfg.Resources,
		policyStore:   cfg.PolicySt,
		issuerURL:     cfg.IssuerURL,
		metrics:       m,
	}
}

// Routes returns a router with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(serverRequestTimeout),
		h.metrics.Middleware,
	)

	h.OAuthRoutes(r)
	h.UMARoutes(r)
	h.AdminRoutes(r)
	h.WellKnownRoutes(r)
	return r
}

// OAuthRoutes registers the OAuth endpoints on the provided router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/oauth/authorize", h.AuthorizeHandler)
	r.Post("/oauth/authorize", h.AuthorizeHandler)
	r.Post("/oauth/token", h.TokenHandler)
	r.Post("/oauth/introspect", h.IntrospectHandler)
	r.Post("/oauth/revoke", h.RevokeHandler)
}

// UMARoutes registers the UMA endpoints on the provided router.
func (h *Handler) UMARoutes(r chi.Router) {
	r.Post("/uma/permission", h.PermissionHandler)
	// Ticket redemption is the uma-ticket grant; /uma/rpt is an alias for
	// resource servers that address the UMA endpoint directly.
	r.Post("/uma/rpt", h.TokenHandler)
	r.Post("/uma/resource_set", h.AddResourceSetHandler)
	r.Get("/uma/resource_set/{id}", h.GetResourceSetHandler)
}

// AdminRoutes registers the administrative endpoints on the provided router.
// Policy administration and key rotation change authorization outcomes for
// every client, so the whole surface requires client authentication.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.requireClient)
		r.Post("/admin/policies", h.AddPolicyHandler)
		r.Get("/admin/policies/{id}", h.GetPolicyHandler)
		r.Put("/admin/policies/{id}", h.UpdatePolicyHandler)
		r.Delete("/admin/policies/{id}", h.DeletePolicyHandler)
		r.Post("/admin/keys/rotate", h.RotateKeysHandler)
	})
}

// requireClient rejects requests that do not authenticate as a registered
// client.
func (h *Handler) requireClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if _, err := h.authenticator.Authenticate(req.Context(), clientauth.InstructionFromRequest(req)); err != nil {
			h.metrics.AuthFailure()
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// WellKnownRoutes registers the discovery endpoints on the provided router.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.JWKSHandler)
	r.Get("/.well-known/openid-configuration", h.OIDCDiscoveryHandler)
	r.Get("/.well-known/uma2-configuration", h.UMADiscoveryHandler)
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("failed to encode response", "error", err.Error())
	}
}

// writeError maps an error to its wire shape and status code. Internal causes
// are logged but never leak into the response.
func writeError(w http.ResponseWriter, err error) {
	if oautherr.CodeOf(err) == oautherr.CodeInternal {
		logger.Errorw("request failed", "error", err.Error())
	}
	writeJSON(w, oautherr.StatusCode(err), oautherr.ResponseOf(err))
}
