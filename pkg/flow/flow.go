// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package flow drives the interactive authorization flows: the
// code/implicit/hybrid state machine, prompt and consent handling, and the
// construction of the redirect back to the client.
package flow

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/umauth/pkg/client"
	"github.com/stacklok/umauth/pkg/logger"
	"github.com/stacklok/umauth/pkg/oautherr"
	"github.com/stacklok/umauth/pkg/storage"
	"github.com/stacklok/umauth/pkg/token"
)

// Response types accepted in the space-delimited response_type parameter.
const (
	ResponseTypeCode    = "code"
	ResponseTypeToken   = "token"
	ResponseTypeIDToken = "id_token"
)

// ResponseMode selects how authorization response parameters travel back to
// the client.
type ResponseMode string

// Supported response modes.
const (
	ModeQuery    ResponseMode = "query"
	ModeFragment ResponseMode = "fragment"
	ModeFormPost ResponseMode = "form_post"
)

// State is where the interactive flow currently stands.
type State string

// Flow states. NeedsLogin and NeedsConsent hand control to the interactive
// UI; Redirect is terminal.
const (
	NeedsLogin       State = "needs_login"
	NeedsConsent     State = "needs_consent"
	RedirectToClient State = "redirect"
)

// Request is one authorization request, combined with what the interactive
// session has established so far. Subject is the authenticated resource owner
// (empty until login completes); ConsentGiven is set when the consent screen
// posts back an approval.
type Request struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	Prompt              string
	ResponseMode        ResponseMode
	CodeChallenge       string
	CodeChallengeMethod string

	Subject      string
	ConsentGiven bool
}

// Outcome is the controller's verdict. On RedirectToClient, RedirectURI
// carries the full redirect target (query or fragment encoded) and Params the
// raw response parameters, which form_post responses render into an
// auto-submitting form instead.
type Outcome struct {
	State        State
	ResponseMode ResponseMode
	RedirectURI  string
	Params       url.Values
}

// Controller is the authorization-flow state machine. It is thin
// orchestration: authentication of the resource owner and the consent UI live
// outside; the controller decides which of them is still needed and, once
// neither is, mints the response.
type Controller struct {
	clients  storage.ClientStore
	codes    storage.CodeStore
	consents storage.ConsentStore
	issuer   *token.Issuer

	codeTTL time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithCodeTTL overrides the default authorization-code lifetime.
func WithCodeTTL(ttl time.Duration) Option {
	return func(c *Controller) {
		c.codeTTL = ttl
	}
}

// NewController creates a flow Controller.
func NewController(
	clients storage.ClientStore,
	codes storage.CodeStore,
	consents storage.ConsentStore,
	issuer *token.Issuer,
	opts ...Option,
) *Controller {
	c := &Controller{
		clients:  clients,
		codes:    codes,
		consents: consents,
		issuer:   issuer,
		codeTTL:  storage.DefaultAuthCodeTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authorize advances the flow as far as the request allows. Validation
// failures that would mislead the user agent (unknown client, unregistered
// redirect URI, missing nonce on a front-channel flow) are terminal errors
// returned before any redirect is computed.
func (c *Controller) Authorize(ctx context.Context, req *Request) (*Outcome, error) {
	cl, err := c.clients.GetByID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.Newf(oautherr.CodeInvalidRequest, "client %q does not exist", req.ClientID)
		}
		return nil, oautherr.Internal("client lookup failed", err)
	}
	if !cl.HasRedirectURI(req.RedirectURI) {
		return nil, oautherr.New(oautherr.CodeInvalidRequest, "redirect_uri is not registered for this client")
	}

	types, err := parseResponseTypes(req.ResponseType)
	if err != nil {
		return nil, err
	}
	if err := checkGrantTypes(cl, types); err != nil {
		return nil, err
	}

	frontChannel := slices.Contains(types, ResponseTypeToken) || slices.Contains(types, ResponseTypeIDToken)
	if frontChannel && req.Nonce == "" {
		return nil, oautherr.New(oautherr.CodeInvalidRequest,
			"nonce is required for implicit and hybrid flows")
	}

	mode, err := negotiateResponseMode(req.ResponseMode, types)
	if err != nil {
		return nil, err
	}

	prompts := strings.Fields(req.Prompt)

	if req.Subject == "" || slices.Contains(prompts, "login") {
		return &Outcome{State: NeedsLogin, ResponseMode: mode}, nil
	}

	if req.ConsentGiven {
		if err := c.recordConsent(ctx, req); err != nil {
			return nil, err
		}
	} else {
		consented, err := c.hasPriorConsent(ctx, req)
		if err != nil {
			return nil, err
		}
		if !consented || slices.Contains(prompts, "consent") {
			return &Outcome{State: NeedsConsent, ResponseMode: mode}, nil
		}
	}

	params, err := c.buildResponse(ctx, cl, req, types)
	if err != nil {
		return nil, err
	}

	redirect, err := assembleRedirect(req.RedirectURI, mode, params)
	if err != nil {
		return nil, err
	}

	logger.Infow("authorization flow complete",
		"client_id", cl.ID,
		"subject", req.Subject,
		"response_type", req.ResponseType,
		"response_mode", string(mode),
	)
	return &Outcome{
		State:        RedirectToClient,
		ResponseMode: mode,
		RedirectURI:  redirect,
		Params:       params,
	}, nil
}

// parseResponseTypes splits and validates the response_type set.
func parseResponseTypes(responseType string) ([]string, error) {
	types := strings.Fields(responseType)
	if len(types) == 0 {
		return nil, oautherr.New(oautherr.CodeInvalidRequest, "missing response_type parameter")
	}
	for _, t := range types {
		switch t {
		case ResponseTypeCode, ResponseTypeToken, ResponseTypeIDToken:
		default:
			return nil, oautherr.Newf(oautherr.CodeInvalidRequest, "unsupported response_type %q", t)
		}
	}
	return types, nil
}

// checkGrantTypes ensures the client may use the flows the response types
// imply.
func checkGrantTypes(cl *client.Client, types []string) error {
	if slices.Contains(types, ResponseTypeCode) && !cl.HasGrantType(client.GrantAuthorizationCode) {
		return oautherr.Newf(oautherr.CodeUnsupportedGrantType,
			"client %q may not use authorization_code", cl.ID)
	}
	front := slices.Contains(types, ResponseTypeToken) || slices.Contains(types, ResponseTypeIDToken)
	if front && !cl.HasGrantType(client.GrantImplicit) {
		return oautherr.Newf(oautherr.CodeUnsupportedGrantType,
			"client %q may not use the implicit flow", cl.ID)
	}
	return nil
}

// negotiateResponseMode derives the response mode from the response-type set
// unless the request overrides it. Pure code flows answer in the query
// string; any flow that puts a token on the front channel answers in the
// fragment.
func negotiateResponseMode(override ResponseMode, types []string) (ResponseMode, error) {
	switch override {
	case ModeQuery, ModeFragment, ModeFormPost:
		return override, nil
	case "":
	default:
		return "", oautherr.Newf(oautherr.CodeInvalidRequest, "unsupported response_mode %q", override)
	}

	if slices.Contains(types, ResponseTypeToken) || slices.Contains(types, ResponseTypeIDToken) {
		return ModeFragment, nil
	}
	return ModeQuery, nil
}

// hasPriorConsent reports whether the resource owner already approved this
// client for every requested scope, allowing the consent screen to be
// skipped.
func (c *Controller) hasPriorConsent(ctx context.Context, req *Request) (bool, error) {
	consents, err := c.consents.GetConsents(ctx, req.Subject, req.ClientID)
	if err != nil {
		return false, oautherr.Internal("consent lookup failed", err)
	}

	requested := client.ParseScope(req.Scope)
	for _, consent := range consents {
		granted := true
		for _, scope := range requested {
			if !slices.Contains(consent.Scopes, scope) {
				granted = false
				break
			}
		}
		if granted {
			return true, nil
		}
	}
	return false, nil
}

// recordConsent persists a fresh approval so later requests for the same
// client/scope pair skip the consent screen.
func (c *Controller) recordConsent(ctx context.Context, req *Request) error {
	consent := &storage.Consent{
		ID:        uuid.NewString(),
		Subject:   req.Subject,
		ClientID:  req.ClientID,
		Scopes:    client.ParseScope(req.Scope),
		CreatedAt: time.Now().UTC(),
	}
	if err := c.consents.AddConsent(ctx, consent); err != nil {
		return oautherr.Internal("failed to record consent", err)
	}
	return nil
}

// buildResponse mints the response parameters for the negotiated flow: an
// authorization code, a front-channel access token, an ID token, or a hybrid
// combination.
func (c *Controller) buildResponse(
	ctx context.Context, cl *client.Client, req *Request, types []string,
) (url.Values, error) {
	params := url.Values{}
	if req.State != "" {
		params.Set("state", req.State)
	}

	// An ID token is an OpenID artifact: the request must either carry the
	// openid scope or name id_token as a response type.
	var idTokenClaims map[string]any
	if slices.Contains(client.ParseScope(req.Scope), "openid") || slices.Contains(types, ResponseTypeIDToken) {
		idTokenClaims = map[string]any{"sub": req.Subject}
		if req.Nonce != "" {
			idTokenClaims["nonce"] = req.Nonce
		}
	}

	if slices.Contains(types, ResponseTypeCode) {
		code, err := c.issueCode(ctx, req, idTokenClaims)
		if err != nil {
			return nil, err
		}
		params.Set("code", code)
	}

	if slices.Contains(types, ResponseTypeToken) {
		granted, err := c.issuer.Implicit(ctx, cl, req.Scope, req.Subject, nil)
		if err != nil {
			return nil, err
		}
		params.Set("access_token", granted.AccessToken)
		params.Set("token_type", granted.TokenType)
		params.Set("expires_in", strconv.FormatInt(granted.ExpiresIn, 10))
		if granted.Scope != "" {
			params.Set("scope", granted.Scope)
		}
	}

	if slices.Contains(types, ResponseTypeIDToken) {
		idToken, err := c.issuer.IssueIDToken(ctx, cl, idTokenClaims)
		if err != nil {
			return nil, err
		}
		params.Set("id_token", idToken)
	}

	return params, nil
}

// issueCode persists a single-use authorization code bound to this request.
func (c *Controller) issueCode(ctx context.Context, req *Request, idTokenClaims map[string]any) (string, error) {
	now := time.Now().UTC()
	code := &storage.AuthorizationCode{
		Code:                rand.Text() + rand.Text(),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		Subject:             req.Subject,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(c.codeTTL),
		IDTokenClaims:       idTokenClaims,
	}
	if err := c.codes.AddCode(ctx, code); err != nil {
		return "", oautherr.Internal("failed to persist authorization code", err)
	}
	return code.Code, nil
}

// assembleRedirect attaches the response parameters to the registered
// redirect URI in the negotiated mode. form_post responses redirect nowhere;
// the handler renders Params into an auto-submitting form instead.
func assembleRedirect(redirectURI string, mode ResponseMode, params url.Values) (string, error) {
	if mode == ModeFormPost {
		return "", nil
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		return "", oautherr.New(oautherr.CodeInvalidRequest, "redirect_uri is not a valid URL")
	}

	switch mode {
	case ModeQuery:
		query := target.Query()
		for key, values := range params {
			for _, value := range values {
				query.Set(key, value)
			}
		}
		target.RawQuery = query.Encode()
	case ModeFragment:
		target.Fragment = ""
		target.RawFragment = ""
		return fmt.Sprintf("%s#%s", target.String(), params.Encode()), nil
	}
	return target.String(), nil
}
