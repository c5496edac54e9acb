// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/stacklok/umauth/pkg/client"
	"github.com/stacklok/umauth/pkg/clientauth"
	"github.com/stacklok/umauth/pkg/logger"
	"github.com/stacklok/umauth/pkg/oautherr"
	"github.com/stacklok/umauth/pkg/storage"
	"github.com/stacklok/umauth/pkg/token"
	"github.com/stacklok/umauth/pkg/uma"
)

// tokenResponse is the token endpoint's success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// needInfoResponse tells a UMA requester that the policy needs more claims or
// resource-owner consent; the ticket stays live for a retry.
type needInfoResponse struct {
	Error  string `json:"error"`
	Ticket string `json:"ticket"`
}

// TokenHandler handles POST /oauth/token requests: it authenticates the
// client and dispatches on grant_type.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if err := req.ParseForm(); err != nil {
		writeError(w, oautherr.New(oautherr.CodeInvalidRequest, "malformed request body"))
		return
	}

	c, err := h.authenticator.Authenticate(ctx, clientauth.InstructionFromRequest(req))
	if err != nil {
		h.metrics.AuthFailure()
		logger.Debugw("client authentication failed", "error", err.Error())
		writeError(w, err)
		return
	}

	grantType := client.GrantType(req.PostFormValue("grant_type"))
	var granted *storage.GrantedToken

	switch grantType {
	case client.GrantAuthorizationCode:
		granted, err = h.issuer.ExchangeAuthorizationCode(ctx, c, token.AuthorizationCodeRequest{
			Code:         req.PostFormValue("code"),
			RedirectURI:  req.PostFormValue("redirect_uri"),
			CodeVerifier: req.PostFormValue("code_verifier"),
		})
	case client.GrantClientCredentials:
		granted, err = h.issuer.ClientCredentials(ctx, c, req.PostFormValue("scope"))
	case client.GrantRefreshToken:
		granted, err = h.issuer.Refresh(ctx, c, req.PostFormValue("refresh_token"))
	case client.GrantUMATicket:
		h.umaTicketGrant(w, req, c)
		return
	case "":
		writeError(w, oautherr.New(oautherr.CodeInvalidRequest, "missing grant_type parameter"))
		return
	default:
		writeError(w, oautherr.Newf(oautherr.CodeUnsupportedGrantType, "unsupported grant_type %q", grantType))
		return
	}

	if err != nil {
		writeError(w, err)
		return
	}

	h.writeGrantedToken(w, req, c, granted)
}

// umaTicketGrant redeems a permission ticket through the policy engine and,
// when authorized, mints a requesting-party token.
func (h *Handler) umaTicketGrant(w http.ResponseWriter, req *http.Request, c *client.Client) {
	ctx := req.Context()

	ticketID := req.PostFormValue("ticket")
	if ticketID == "" {
		writeError(w, oautherr.New(oautherr.CodeInvalidRequest, "missing ticket parameter"))
		return
	}

	var claimToken *uma.ClaimTokenParameter
	if ct := req.PostFormValue("claim_token"); ct != "" {
		claimToken = &uma.ClaimTokenParameter{
			Token:  ct,
			Format: req.PostFormValue("claim_token_format"),
		}
	}

	decision, err := h.policies.Evaluate(ctx, ticketID, c.ID, claimToken)
	if err != nil {
		writeError(w, err)
		return
	}
	h.metrics.PolicyDecision(string(decision.Result))

	switch decision.Result {
	case uma.NeedInfo:
		writeJSON(w, http.StatusForbidden, needInfoResponse{Error: "need_info", Ticket: ticketID})
		return
	case uma.NotAuthorized:
		writeError(w, oautherr.New(oautherr.CodeInvalidGrant, "the authorization server denied the request"))
		return
	case uma.Authorized:
	}

	granted, err := h.issuer.UMATicket(ctx, c, "", decision.Permissions)
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeGrantedToken(w, req, c, granted)
}

// writeGrantedToken renders the grant, signing an ID token when the grant
// carries ID-token claims.
func (h *Handler) writeGrantedToken(w http.ResponseWriter, req *http.Request, c *client.Client, granted *storage.GrantedToken) {
	resp := tokenResponse{
		AccessToken:  granted.AccessToken,
		TokenType:    granted.TokenType,
		ExpiresIn:    granted.ExpiresIn,
		RefreshToken: granted.RefreshToken,
		Scope:        granted.Scope,
	}

	if len(granted.IDTokenClaims) > 0 {
		idToken, err := h.issuer.SignIDToken(req.Context(), c, granted.IDTokenClaims)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.IDToken = idToken
	}

	h.metrics.TokenIssued(string(granted.GrantType))
	writeJSON(w, http.StatusOK, resp)
}

// IntrospectHandler handles POST /oauth/introspect requests (RFC 7662). An
// unknown or expired token answers active=false, never an error.
func (h *Handler) IntrospectHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if err := req.ParseForm(); err != nil {
		writeError(w, oautherr.New(oautherr.CodeInvalidRequest, "malformed request body"))
		return
	}

	if _, err := h.authenticator.Authenticate(ctx, clientauth.InstructionFromRequest(req)); err != nil {
		h.metrics.AuthFailure()
		writeError(w, err)
		return
	}

	resp, err := h.issuer.Introspect(ctx, req.PostFormValue("token"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// RevokeHandler handles POST /oauth/revoke requests (RFC 7009). Revoking a
// token the server does not know succeeds, per the RFC.
func (h *Handler) RevokeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if err := req.ParseForm(); err != nil {
		writeError(w, oautherr.New(oautherr.CodeInvalidRequest, "malformed request body"))
		return
	}

	c, err := h.authenticator.Authenticate(ctx, clientauth.InstructionFromRequest(req))
	if err != nil {
		h.metrics.AuthFailure()
		writeError(w, err)
		return
	}

	if err := h.issuer.Revoke(ctx, c.ID, req.PostFormValue("token")); err != nil {
		if oautherr.HasCode(err, oautherr.CodeInvalidToken) {
			// Unknown and foreign tokens answer 200 so callers cannot probe
			// which token strings exist.
			w.WriteHeader(http.StatusOK)
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
