// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the repository interfaces and implementations the
// authorization server core depends on. The core issues read/write calls and
// tolerates "not found" and "already consumed" races; consistency guarantees
// belong to the backing store.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/umauth/pkg/client"
)

// Sentinel errors returned by every store implementation.
var (
	// ErrNotFound is returned when a record does not exist (or was already consumed).
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a record with the same identifier exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrExpired is returned when a record exists but is past its expiry.
	ErrExpired = errors.New("expired")
)

// Default lifetimes applied when a record carries no explicit expiry.
const (
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultAuthCodeTTL     = 10 * time.Minute
	DefaultTicketTTL       = 5 * time.Minute
	DefaultCleanupInterval = time.Minute
)

// GrantedToken is a token minted by the issuer and persisted for validation,
// introspection and revocation.
type GrantedToken struct {
	// ID is the unique identifier of this grant.
	ID string `json:"id"`

	// AccessToken is the access-token string (opaque or compact JWT).
	AccessToken string `json:"access_token"`

	// RefreshToken is the optional refresh-token string.
	RefreshToken string `json:"refresh_token,omitempty"`

	// TokenType is the bearer token type.
	TokenType string `json:"token_type"`

	// IssuedAt is when the token was minted.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresIn is the access token lifetime in whole seconds.
	ExpiresIn int64 `json:"expires_in"`

	// Scope is the single space-delimited scope string.
	Scope string `json:"scope,omitempty"`

	// ClientID is the owning client.
	ClientID string `json:"client_id"`

	// Subject is the resource owner, empty for client_credentials grants.
	Subject string `json:"subject,omitempty"`

	// GrantType records which grant minted this token.
	GrantType client.GrantType `json:"grant_type"`

	// ParentTokenID links a token minted from a refresh token to the consumed
	// token, forming the chain walked during cascading revocation.
	ParentTokenID string `json:"parent_token_id,omitempty"`

	// IDTokenClaims is the decoded ID-token claim set carried by the grant.
	IDTokenClaims map[string]any `json:"id_token_claims,omitempty"`

	// UserInfoClaims is the decoded user-info claim set carried by the grant.
	UserInfoClaims map[string]any `json:"user_info_claims,omitempty"`

	// Permissions are the UMA permissions embedded in a uma-ticket grant.
	Permissions []GrantedPermission `json:"permissions,omitempty"`
}

// GrantedPermission is one authorized resource-set/scope pair embedded in an RPT.
type GrantedPermission struct {
	ResourceSetID string   `json:"resource_set_id"`
	Scopes        []string `json:"scopes"`
}

// ExpiresAt returns the access token expiry instant.
func (t *GrantedToken) ExpiresAt() time.Time {
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// AuthorizationCode is a single-use code bound to the authorization request
// that produced it.
type AuthorizationCode struct {
	Code                string         `json:"code"`
	ClientID            string         `json:"client_id"`
	RedirectURI         string         `json:"redirect_uri"`
	Scope               string         `json:"scope,omitempty"`
	Subject             string         `json:"subject"`
	Nonce               string         `json:"nonce,omitempty"`
	CodeChallenge       string         `json:"code_challenge,omitempty"`
	CodeChallengeMethod string         `json:"code_challenge_method,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	ExpiresAt           time.Time      `json:"expires_at"`
	IDTokenClaims       map[string]any `json:"id_token_claims,omitempty"`
	UserInfoClaims      map[string]any `json:"user_info_claims,omitempty"`
}

// JSONWebKey is a stored signing or encryption key. Rotation replaces the key
// material in place: KID and Use are preserved so tokens referencing the old
// material fail closed.
type JSONWebKey struct {
	// KID is the key identifier, stable across rotations.
	KID string `json:"kid"`

	// Kty is the key type (RSA or EC).
	Kty string `json:"kty"`

	// Use is the key usage, "sig" or "enc".
	Use string `json:"use"`

	// Alg is the algorithm bound to this key.
	Alg string `json:"alg"`

	// Key holds the full key material including the private part.
	Key jose.JSONWebKey `json:"key"`
}

// TicketLine is one resource-set/scope pair requested on a permission ticket.
type TicketLine struct {
	ResourceSetID string   `json:"resource_set_id"`
	Scopes        []string `json:"scopes"`
}

// Ticket is a short-lived, single-use UMA permission ticket.
type Ticket struct {
	ID        string       `json:"id"`
	ClientID  string       `json:"client_id"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at"`
	Lines     []TicketLine `json:"lines"`
}

// Expired reports whether the ticket is past its expiry.
func (t *Ticket) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// ResourceSet is an owner-registered protectable resource with a declared
// scope vocabulary.
type ResourceSet struct {
	ID      string   `json:"_id"`
	Owner   string   `json:"owner"`
	Name    string   `json:"name"`
	URI     string   `json:"uri,omitempty"`
	IconURI string   `json:"icon_uri,omitempty"`
	Scopes  []string `json:"scopes"`
}

// Claim is a required type/value pair on a policy rule.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// PolicyRule is one rule of a policy. A requester satisfies the rule when the
// client allow-list admits it, the requested scopes are a subset of the rule's
// scopes, and every required claim is present and equal in the requester's
// claim set; a non-empty Script delegates the decision to the script instead.
type PolicyRule struct {
	ID                           string   `json:"id"`
	ClientIDsAllowed             []string `json:"clients,omitempty"`
	Scopes                       []string `json:"scopes,omitempty"`
	Claims                       []Claim  `json:"claims,omitempty"`
	Script                       string   `json:"script,omitempty"`
	OpenIDProvider               string   `json:"openid_provider,omitempty"`
	IsResourceOwnerConsentNeeded bool     `json:"consent_needed,omitempty"`
}

// Policy governs access to one or more resource sets.
type Policy struct {
	ID             string       `json:"id"`
	ResourceSetIDs []string     `json:"resource_set_ids"`
	Rules          []PolicyRule `json:"rules"`
}

// Consent records a resource owner's prior approval of a client/scope pair.
type Consent struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	Claims    []string  `json:"claims,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

//go:generate mockgen -destination=mocks/mock_clients.go -package=mocks github.com/stacklok/umauth/pkg/storage ClientStore

// ClientStore resolves registered clients.
type ClientStore interface {
	// GetByID returns the client with the given ID, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*client.Client, error)

	// Add registers a client. Returns ErrAlreadyExists on duplicate ID.
	Add(ctx context.Context, c *client.Client) error
}

// TokenStore persists granted tokens.
type TokenStore interface {
	// AddToken stores a granted token. A token whose ParentTokenID equals its
	// own ID is rejected; the parent chain must stay acyclic.
	AddToken(ctx context.Context, token *GrantedToken) error

	// GetAccessToken resolves a grant by its access-token string.
	GetAccessToken(ctx context.Context, accessToken string) (*GrantedToken, error)

	// GetRefreshToken resolves a grant by its refresh-token string.
	GetRefreshToken(ctx context.Context, refreshToken string) (*GrantedToken, error)

	// GetChildren returns all grants whose ParentTokenID equals id.
	GetChildren(ctx context.Context, id string) ([]*GrantedToken, error)

	// RemoveAccessToken deletes the grant holding the given access token.
	RemoveAccessToken(ctx context.Context, accessToken string) error

	// RemoveRefreshToken deletes the grant holding the given refresh token.
	RemoveRefreshToken(ctx context.Context, refreshToken string) error

	// Clean bulk-invalidates every stored token. Called after key rotation.
	Clean(ctx context.Context) error
}

// CodeStore persists single-use authorization codes.
type CodeStore interface {
	AddCode(ctx context.Context, code *AuthorizationCode) error
	GetCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// RemoveCode consumes the code. Exactly one of two concurrent removals
	// succeeds; the other observes ErrNotFound.
	RemoveCode(ctx context.Context, code string) error
}

// ResourceSetStore resolves registered resource sets.
type ResourceSetStore interface {
	AddResourceSet(ctx context.Context, rs *ResourceSet) error
	GetResourceSet(ctx context.Context, id string) (*ResourceSet, error)

	// GetResourceSets resolves several IDs at once; any missing ID fails the call.
	GetResourceSets(ctx context.Context, ids []string) ([]*ResourceSet, error)
}

// PolicyStore persists policies and resolves them by governed resource set.
type PolicyStore interface {
	AddPolicy(ctx context.Context, p *Policy) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	GetPoliciesByResourceSet(ctx context.Context, resourceSetID string) ([]*Policy, error)
	UpdatePolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, id string) error
}

// TicketStore persists UMA permission tickets.
type TicketStore interface {
	AddTicket(ctx context.Context, t *Ticket) error
	GetTicket(ctx context.Context, id string) (*Ticket, error)

	// RemoveTicket consumes the ticket. Exactly one of two concurrent removals
	// succeeds; the other observes ErrNotFound.
	RemoveTicket(ctx context.Context, id string) error
}

// KeyStore persists the server's JSON Web Keys.
type KeyStore interface {
	AddKey(ctx context.Context, key *JSONWebKey) error
	GetAllKeys(ctx context.Context) ([]*JSONWebKey, error)

	// UpdateKey replaces the key material of an existing KID.
	UpdateKey(ctx context.Context, key *JSONWebKey) error
}

// ConsentStore persists resource-owner consents.
type ConsentStore interface {
	AddConsent(ctx context.Context, c *Consent) error

	// GetConsents returns all consents the subject granted to the client.
	GetConsents(ctx context.Context, subject, clientID string) ([]*Consent, error)
}
