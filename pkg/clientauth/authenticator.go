// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package clientauth resolves and verifies the identity of the client calling
// the token endpoint. Each token-endpoint authentication method is a named
// strategy behind one capability interface; the client's registered method
// selects the strategy. No state is mutated on failure.
package clientauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/umauth/pkg/client"
	"github.com/stacklok/umauth/pkg/jose"
	"github.com/stacklok/umauth/pkg/logger"
	"github.com/stacklok/umauth/pkg/oautherr"
	"github.com/stacklok/umauth/pkg/storage"
)

// ClientAssertionTypeJWTBearer is the client assertion type for JWT bearer
// client authentication (RFC 7523).
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Instruction carries everything extracted from an inbound request that may
// identify and authenticate the calling client.
type Instruction struct {
	// ClientIDFromBody and ClientSecretFromBody come from form parameters.
	ClientIDFromBody     string
	ClientSecretFromBody string

	// BasicAuthUser and BasicAuthPass come from the HTTP Basic header.
	BasicAuthUser string
	BasicAuthPass string

	// ClientAssertionType and ClientAssertion carry a signed JWT assertion.
	ClientAssertionType string
	ClientAssertion     string

	// Certificate is the TLS client certificate, when one was presented.
	Certificate *x509.Certificate
}

// InstructionFromRequest builds an Instruction from an HTTP request whose
// form has already been parsed.
func InstructionFromRequest(req *http.Request) Instruction {
	instr := Instruction{
		ClientIDFromBody:     req.PostFormValue("client_id"),
		ClientSecretFromBody: req.PostFormValue("client_secret"),
		ClientAssertionType:  req.PostFormValue("client_assertion_type"),
		ClientAssertion:      req.PostFormValue("client_assertion"),
	}
	if user, pass, ok := req.BasicAuth(); ok {
		instr.BasicAuthUser = user
		instr.BasicAuthPass = pass
	}
	if req.TLS != nil && len(req.TLS.PeerCertificates) > 0 {
		instr.Certificate = req.TLS.PeerCertificates[0]
	}
	return instr
}

// strategy verifies one token-endpoint authentication method. It returns nil
// on success and a protocol error describing the failure otherwise.
type strategy func(ctx context.Context, instr Instruction, c *client.Client) error

// Authenticator resolves the calling client and verifies its credentials.
type Authenticator struct {
	clients    storage.ClientStore
	issuer     string
	strategies map[client.AuthMethod]strategy
}

// New creates an Authenticator. The issuer is the server's issuer name, used
// as the required audience of client assertions.
func New(clients storage.ClientStore, issuer string) *Authenticator {
	a := &Authenticator{
		clients: clients,
		issuer:  issuer,
	}
	a.strategies = map[client.AuthMethod]strategy{
		client.AuthMethodSecretBasic:   a.authSecretBasic,
		client.AuthMethodSecretPost:    a.authSecretPost,
		client.AuthMethodSecretJWT:     a.authSecretJWT,
		client.AuthMethodPrivateKeyJWT: a.authPrivateKeyJWT,
		client.AuthMethodTLSClientAuth: a.authTLSClient,
	}
	return a
}

// Authenticate resolves the calling client and verifies it under its declared
// authentication method. The caller turns any error into invalid_client.
func (a *Authenticator) Authenticate(ctx context.Context, instr Instruction) (*client.Client, error) {
	clientID := a.extractClientID(instr)
	if clientID == "" {
		return nil, oautherr.New(oautherr.CodeInvalidClient, "no client identifier supplied")
	}

	c, err := a.clients.GetByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.Newf(oautherr.CodeInvalidClient, "client %q does not exist", clientID)
		}
		return nil, oautherr.Internal("client lookup failed", err)
	}

	method := c.TokenEndpointAuthMethod
	if method == "" {
		method = client.AuthMethodSecretBasic
	}

	strat, ok := a.strategies[method]
	if !ok {
		return nil, oautherr.Newf(oautherr.CodeInvalidClient, "unsupported authentication method %q", method)
	}

	if err := strat(ctx, instr, c); err != nil {
		logger.Debugw("client authentication failed",
			"client_id", clientID,
			"method", string(method),
			"error", err,
		)
		return nil, err
	}
	return c, nil
}

// extractClientID tries, in order, the signed assertion, the Basic header and
// the body parameters. The first successful extraction wins.
func (a *Authenticator) extractClientID(instr Instruction) string {
	if instr.ClientAssertion != "" {
		if id := assertionIssuer(instr.ClientAssertion); id != "" {
			return id
		}
	}
	if instr.BasicAuthUser != "" {
		return instr.BasicAuthUser
	}
	return instr.ClientIDFromBody
}

// assertionIssuer reads the unverified issuer claim out of a compact JWS to
// identify the candidate client. Verification happens later, under the
// client's declared method.
func assertionIssuer(assertion string) string {
	jws, err := gojose.ParseSigned(assertion, jose.SupportedSignatureAlgorithms)
	if err != nil {
		return ""
	}
	var claims struct {
		Issuer string `json:"iss"`
	}
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &claims); err != nil {
		return ""
	}
	return claims.Issuer
}

// secretMatches checks the supplied secret against the client's plain shared
// secrets and its bcrypt hashes.
func secretMatches(supplied string, c *client.Client) bool {
	for _, s := range c.SharedSecrets() {
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(s)) == 1 {
			return true
		}
	}
	for _, hash := range c.BcryptSecrets() {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(supplied)) == nil {
			return true
		}
	}
	return false
}

func (*Authenticator) authSecretBasic(_ context.Context, instr Instruction, c *client.Client) error {
	if instr.BasicAuthPass == "" {
		return oautherr.New(oautherr.CodeInvalidClient, "missing Basic credentials")
	}
	if !secretMatches(instr.BasicAuthPass, c) {
		return oautherr.New(oautherr.CodeInvalidClient, "client secret mismatch")
	}
	return nil
}

func (*Authenticator) authSecretPost(_ context.Context, instr Instruction, c *client.Client) error {
	if instr.ClientSecretFromBody == "" {
		return oautherr.New(oautherr.CodeInvalidClient, "missing client_secret parameter")
	}
	if !secretMatches(instr.ClientSecretFromBody, c) {
		return oautherr.New(oautherr.CodeInvalidClient, "client secret mismatch")
	}
	return nil
}

func (a *Authenticator) authSecretJWT(_ context.Context, instr Instruction, c *client.Client) error {
	if err := requireAssertion(instr); err != nil {
		return err
	}

	secrets := c.SharedSecrets()
	if len(secrets) == 0 {
		return oautherr.New(oautherr.CodeInvalidClient, "client has no shared secret configured")
	}

	var claims map[string]any
	var err error
	for _, secret := range secrets {
		claims, err = jose.ValidateHMAC(instr.ClientAssertion, secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return oautherr.Wrap(oautherr.CodeInvalidClient, "assertion signature invalid", err)
	}

	return a.checkAssertionClaims(claims, c.ID)
}

func (a *Authenticator) authPrivateKeyJWT(_ context.Context, instr Instruction, c *client.Client) error {
	if err := requireAssertion(instr); err != nil {
		return err
	}

	if c.JSONWebKeys == nil || len(c.JSONWebKeys.Keys) == 0 {
		return oautherr.New(oautherr.CodeInvalidClient, "client has no registered public keys")
	}

	claims, err := jose.ValidateWithKeySet(instr.ClientAssertion, c.JSONWebKeys)
	if err != nil {
		return oautherr.Wrap(oautherr.CodeInvalidClient, "assertion signature invalid", err)
	}

	return a.checkAssertionClaims(claims, c.ID)
}

func (*Authenticator) authTLSClient(_ context.Context, instr Instruction, c *client.Client) error {
	if instr.Certificate == nil {
		return oautherr.New(oautherr.CodeInvalidClient, "no client certificate presented")
	}

	sum := sha256.Sum256(instr.Certificate.Raw)
	thumbprint := hex.EncodeToString(sum[:])
	if slices.Contains(c.Thumbprints(), thumbprint) {
		return nil
	}

	// Fall back to SAN matching against the client's registered identifiers.
	for _, san := range instr.Certificate.DNSNames {
		if san == c.ID {
			return nil
		}
	}
	for _, uri := range instr.Certificate.URIs {
		if uri.String() == c.ID {
			return nil
		}
	}

	return oautherr.New(oautherr.CodeInvalidClient, "certificate does not match a registered thumbprint or SAN")
}

func requireAssertion(instr Instruction) error {
	if instr.ClientAssertionType != ClientAssertionTypeJWTBearer {
		return oautherr.Newf(oautherr.CodeInvalidClient,
			"client_assertion_type must be %q", ClientAssertionTypeJWTBearer)
	}
	if instr.ClientAssertion == "" {
		return oautherr.New(oautherr.CodeInvalidClient, "missing client_assertion")
	}
	return nil
}

// checkAssertionClaims enforces the assertion's binding: issuer and subject
// must name the client, the audience must be this server, and the assertion
// must not be expired.
func (a *Authenticator) checkAssertionClaims(claims map[string]any, clientID string) error {
	if iss, _ := claims["iss"].(string); iss != clientID {
		return oautherr.New(oautherr.CodeInvalidClient, "assertion issuer does not match client")
	}
	if sub, _ := claims["sub"].(string); sub != clientID {
		return oautherr.New(oautherr.CodeInvalidClient, "assertion subject does not match client")
	}
	if !audienceContains(claims["aud"], a.issuer) {
		return oautherr.New(oautherr.CodeInvalidClient, "assertion audience does not match issuer")
	}
	if exp, ok := numericClaim(claims["exp"]); !ok || time.Now().After(time.Unix(exp, 0)) {
		return oautherr.New(oautherr.CodeInvalidClient, "assertion is expired or carries no expiry")
	}
	return nil
}

// audienceContains handles the two wire forms of aud: a single string or an
// array of strings.
func audienceContains(aud any, issuer string) bool {
	switch v := aud.(type) {
	case string:
		return v == issuer
	case []any:
		for _, entry := range v {
			if s, ok := entry.(string); ok && s == issuer {
				return true
			}
		}
	}
	return false
}

func numericClaim(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
