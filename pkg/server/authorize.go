// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"html"
	"net/http"

	"github.com/stacklok/umauth/pkg/flow"
	"github.com/stacklok/umauth/pkg/oautherr"
)

// AuthorizeHandler handles GET and POST /oauth/authorize requests. The login
// and consent screens live in front of this server: they authenticate the
// resource owner, then re-submit the authorization request with the subject
// and, after approval, consent_given set. The handler reports
// login_required / consent_required until both are satisfied, then redirects
// back to the client.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		writeError(w, oautherr.New(oautherr.CodeInvalidRequest, "malformed request"))
		return
	}

	flowReq := &flow.Request{
		ClientID:            req.FormValue("client_id"),
		RedirectURI:         req.FormValue("redirect_uri"),
		ResponseType:        req.FormValue("response_type"),
		Scope:               req.FormValue("scope"),
		State:               req.FormValue("state"),
		Nonce:               req.FormValue("nonce"),
		Prompt:              req.FormValue("prompt"),
		ResponseMode:        flow.ResponseMode(req.FormValue("response_mode")),
		CodeChallenge:       req.FormValue("code_challenge"),
		CodeChallengeMethod: req.FormValue("code_challenge_method"),
		Subject:             req.PostFormValue("subject"),
		ConsentGiven:        req.PostFormValue("consent_given") == "true",
	}

	outcome, err := h.flow.Authorize(req.Context(), flowReq)
	if err != nil {
		writeError(w, err)
		return
	}

	switch outcome.State {
	case flow.NeedsLogin:
		writeJSON(w, http.StatusUnauthorized, oautherr.Response{
			Error:            "login_required",
			ErrorDescription: "the resource owner must authenticate",
		})
	case flow.NeedsConsent:
		writeJSON(w, http.StatusForbidden, oautherr.Response{
			Error:            "consent_required",
			ErrorDescription: "the resource owner must approve the requested scopes",
		})
	case flow.RedirectToClient:
		if outcome.ResponseMode == flow.ModeFormPost {
			h.writeFormPost(w, flowReq.RedirectURI, outcome)
			return
		}
		http.Redirect(w, req, outcome.RedirectURI, http.StatusFound)
	}
}

// writeFormPost renders the response parameters into an auto-submitting form
// targeting the client's redirect URI.
func (h *Handler) writeFormPost(w http.ResponseWriter, redirectURI string, outcome *flow.Outcome) {
	w.Header().Set("Content-Type", "text/html;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store")

	fmt.Fprintf(w, "<html><body onload=\"document.forms[0].submit()\"><form method=\"post\" action=%q>", redirectURI)
	for key, values := range outcome.Params {
		for _, value := range values {
			fmt.Fprintf(w, "<input type=\"hidden\" name=%q value=%q/>",
				html.EscapeString(key), html.EscapeString(value))
		}
	}
	fmt.Fprint(w, "</form></body></html>")
}
