// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/stacklok/umauth/pkg/client"
	"github.com/stacklok/umauth/pkg/logger"
)

// timedEntry wraps a value with its creation time for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

// MemoryStore implements every repository interface with in-memory maps.
// This implementation is thread-safe and suitable for development and testing.
// For production use, consider a persistent storage backend.
//
// Token lookups are O(1) via secondary indexes keyed by the access-token and
// refresh-token strings; the primary map is keyed by grant ID so the
// parent-token chain can be walked during cascading revocation.
type MemoryStore struct {
	mu sync.RWMutex

	// clients maps client_id -> Client.
	clients map[string]*client.Client

	// tokens maps grant ID -> GrantedToken.
	tokens map[string]*timedEntry[*GrantedToken]

	// accessIndex and refreshIndex map token strings to grant IDs.
	accessIndex  map[string]string
	refreshIndex map[string]string

	// codes maps authorization code -> AuthorizationCode. Codes are
	// one-time-use: Remove deletes the entry so a second exchange fails.
	codes map[string]*timedEntry[*AuthorizationCode]

	// tickets maps ticket ID -> Ticket. Tickets are single-use like codes.
	tickets map[string]*timedEntry[*Ticket]

	// resourceSets maps resource set ID -> ResourceSet. Not TTL-swept;
	// resource sets are durable registrations.
	resourceSets map[string]*ResourceSet

	// policies maps policy ID -> Policy.
	policies map[string]*Policy

	// keys maps kid -> JSONWebKey.
	keys map[string]*JSONWebKey

	// consents maps consent ID -> Consent.
	consents map[string]*Consent

	// cleanupInterval is how often the background cleanup runs.
	cleanupInterval time.Duration

	// stopCleanup signals the cleanup goroutine to stop.
	stopCleanup chan struct{}

	// cleanupDone is closed when the cleanup goroutine has fully stopped.
	cleanupDone chan struct{}
}

// MemoryStoreOption configures a MemoryStore instance.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStore creates a new MemoryStore with initialized maps and starts
// the background cleanup goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		clients:         make(map[string]*client.Client),
		tokens:          make(map[string]*timedEntry[*GrantedToken]),
		accessIndex:     make(map[string]string),
		refreshIndex:    make(map[string]string),
		codes:           make(map[string]*timedEntry[*AuthorizationCode]),
		tickets:         make(map[string]*timedEntry[*Ticket]),
		resourceSets:    make(map[string]*ResourceSet),
		policies:        make(map[string]*Policy),
		keys:            make(map[string]*JSONWebKey),
		consents:        make(map[string]*Consent),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

// cleanupLoop runs periodic cleanup of expired entries.
func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes all expired entries. Uses collect-then-delete:
// expired keys are collected under the read lock, then deleted under the
// write lock to minimize write lock hold time.
func (s *MemoryStore) cleanupExpired() {
	now := time.Now()

	s.mu.RLock()

	var expiredTokens []string
	for id, entry := range s.tokens {
		if now.After(entry.expiresAt) {
			expiredTokens = append(expiredTokens, id)
		}
	}

	var expiredCodes []string
	for code, entry := range s.codes {
		if now.After(entry.expiresAt) {
			expiredCodes = append(expiredCodes, code)
		}
	}

	var expiredTickets []string
	for id, entry := range s.tickets {
		if now.After(entry.expiresAt) {
			expiredTickets = append(expiredTickets, id)
		}
	}

	s.mu.RUnlock()

	if len(expiredTokens) == 0 && len(expiredCodes) == 0 && len(expiredTickets) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range expiredTokens {
		s.dropTokenLocked(id)
	}
	for _, code := range expiredCodes {
		delete(s.codes, code)
	}
	for _, id := range expiredTickets {
		delete(s.tickets, id)
	}
}

// dropTokenLocked removes a token and its index entries. Caller holds the write lock.
func (s *MemoryStore) dropTokenLocked(id string) {
	entry, ok := s.tokens[id]
	if !ok {
		return
	}
	delete(s.accessIndex, entry.value.AccessToken)
	if entry.value.RefreshToken != "" {
		delete(s.refreshIndex, entry.value.RefreshToken)
	}
	delete(s.tokens, id)
}

// -----------------------
// ClientStore
// -----------------------

// GetByID loads the client by its ID or returns ErrNotFound.
func (s *MemoryStore) GetByID(_ context.Context, id string) (*client.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		logger.Debugw("client not found", "client_id", id)
		return nil, fmt.Errorf("%w: client %q", ErrNotFound, id)
	}
	cc := *c
	return &cc, nil
}

// Add registers a client.
func (s *MemoryStore) Add(_ context.Context, c *client.Client) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[c.ID]; exists {
		return fmt.Errorf("%w: client %q", ErrAlreadyExists, c.ID)
	}
	cc := *c
	s.clients[c.ID] = &cc
	return nil
}

// -----------------------
// TokenStore
// -----------------------

func cloneToken(t *GrantedToken) *GrantedToken {
	cp := *t
	cp.IDTokenClaims = maps.Clone(t.IDTokenClaims)
	cp.UserInfoClaims = maps.Clone(t.UserInfoClaims)
	cp.Permissions = slices.Clone(t.Permissions)
	return &cp
}

// AddToken stores a granted token. A token parented to itself is rejected so
// the revocation chain can never contain a cycle.
func (s *MemoryStore) AddToken(_ context.Context, token *GrantedToken) error {
	if token == nil || token.ID == "" {
		return fmt.Errorf("token ID cannot be empty")
	}
	if token.AccessToken == "" {
		return fmt.Errorf("access token cannot be empty")
	}
	if token.ParentTokenID == token.ID {
		return fmt.Errorf("token %q cannot be its own parent", token.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.ID]; exists {
		return fmt.Errorf("%w: token %q", ErrAlreadyExists, token.ID)
	}

	expiresAt := token.ExpiresAt()
	if token.RefreshToken != "" {
		// The record must outlive the access token so the refresh token
		// stays redeemable.
		expiresAt = token.IssuedAt.Add(DefaultRefreshTokenTTL)
	}

	s.tokens[token.ID] = &timedEntry[*GrantedToken]{
		value:     cloneToken(token),
		createdAt: time.Now(),
		expiresAt: expiresAt,
	}
	s.accessIndex[token.AccessToken] = token.ID
	if token.RefreshToken != "" {
		s.refreshIndex[token.RefreshToken] = token.ID
	}
	return nil
}

// GetAccessToken resolves a grant by its access-token string.
func (s *MemoryStore) GetAccessToken(_ context.Context, accessToken string) (*GrantedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accessIndex[accessToken]
	if !ok {
		logger.Debugw("access token not found")
		return nil, fmt.Errorf("%w: access token", ErrNotFound)
	}
	return cloneToken(s.tokens[id].value), nil
}

// GetRefreshToken resolves a grant by its refresh-token string.
func (s *MemoryStore) GetRefreshToken(_ context.Context, refreshToken string) (*GrantedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.refreshIndex[refreshToken]
	if !ok {
		logger.Debugw("refresh token not found")
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	return cloneToken(s.tokens[id].value), nil
}

// GetChildren returns all grants whose ParentTokenID equals id.
func (s *MemoryStore) GetChildren(_ context.Context, id string) ([]*GrantedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var children []*GrantedToken
	for _, entry := range s.tokens {
		if entry.value.ParentTokenID == id {
			children = append(children, cloneToken(entry.value))
		}
	}
	return children, nil
}

// RemoveAccessToken deletes the grant holding the given access token.
func (s *MemoryStore) RemoveAccessToken(_ context.Context, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.accessIndex[accessToken]
	if !ok {
		return fmt.Errorf("%w: access token", ErrNotFound)
	}
	s.dropTokenLocked(id)
	return nil
}

// RemoveRefreshToken deletes the grant holding the given refresh token.
func (s *MemoryStore) RemoveRefreshToken(_ context.Context, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.refreshIndex[refreshToken]
	if !ok {
		return fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	s.dropTokenLocked(id)
	return nil
}

// Clean bulk-invalidates every stored token.
func (s *MemoryStore) Clean(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = make(map[string]*timedEntry[*GrantedToken])
	s.accessIndex = make(map[string]string)
	s.refreshIndex = make(map[string]string)
	return nil
}

// -----------------------
// CodeStore
// -----------------------

func cloneCode(c *AuthorizationCode) *AuthorizationCode {
	cp := *c
	cp.IDTokenClaims = maps.Clone(c.IDTokenClaims)
	cp.UserInfoClaims = maps.Clone(c.UserInfoClaims)
	return &cp
}

// AddCode stores a single-use authorization code.
func (s *MemoryStore) AddCode(_ context.Context, code *AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := code.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(DefaultAuthCodeTTL)
	}

	s.codes[code.Code] = &timedEntry[*AuthorizationCode]{
		value:     cloneCode(code),
		createdAt: time.Now(),
		expiresAt: expiresAt,
	}
	return nil
}

// GetCode retrieves an authorization code record.
func (s *MemoryStore) GetCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.codes[code]
	if !ok {
		logger.Debugw("authorization code not found")
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	return cloneCode(entry.value), nil
}

// RemoveCode consumes an authorization code. The second of two concurrent
// removals observes ErrNotFound.
func (s *MemoryStore) RemoveCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[code]; !ok {
		return fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	delete(s.codes, code)
	return nil
}

// -----------------------
// TicketStore
// -----------------------

func cloneTicket(t *Ticket) *Ticket {
	cp := *t
	cp.Lines = make([]TicketLine, len(t.Lines))
	for i, l := range t.Lines {
		cp.Lines[i] = TicketLine{ResourceSetID: l.ResourceSetID, Scopes: slices.Clone(l.Scopes)}
	}
	return &cp
}

// AddTicket stores a permission ticket.
func (s *MemoryStore) AddTicket(_ context.Context, t *Ticket) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("ticket ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tickets[t.ID]; exists {
		return fmt.Errorf("%w: ticket %q", ErrAlreadyExists, t.ID)
	}

	expiresAt := t.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(DefaultTicketTTL)
	}

	s.tickets[t.ID] = &timedEntry[*Ticket]{
		value:     cloneTicket(t),
		createdAt: time.Now(),
		expiresAt: expiresAt,
	}
	return nil
}

// GetTicket retrieves a permission ticket.
func (s *MemoryStore) GetTicket(_ context.Context, id string) (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.tickets[id]
	if !ok {
		logger.Debugw("ticket not found", "ticket_id", id)
		return nil, fmt.Errorf("%w: ticket", ErrNotFound)
	}
	return cloneTicket(entry.value), nil
}

// RemoveTicket consumes a permission ticket. Exactly one of two concurrent
// redemptions succeeds; the other observes ErrNotFound.
func (s *MemoryStore) RemoveTicket(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tickets[id]; !ok {
		return fmt.Errorf("%w: ticket", ErrNotFound)
	}
	delete(s.tickets, id)
	return nil
}

// -----------------------
// ResourceSetStore
// -----------------------

func cloneResourceSet(rs *ResourceSet) *ResourceSet {
	cp := *rs
	cp.Scopes = slices.Clone(rs.Scopes)
	return &cp
}

// AddResourceSet registers a resource set.
func (s *MemoryStore) AddResourceSet(_ context.Context, rs *ResourceSet) error {
	if rs == nil || rs.ID == "" {
		return fmt.Errorf("resource set ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.resourceSets[rs.ID]; exists {
		return fmt.Errorf("%w: resource set %q", ErrAlreadyExists, rs.ID)
	}
	s.resourceSets[rs.ID] = cloneResourceSet(rs)
	return nil
}

// GetResourceSet retrieves a resource set by ID.
func (s *MemoryStore) GetResourceSet(_ context.Context, id string) (*ResourceSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.resourceSets[id]
	if !ok {
		return nil, fmt.Errorf("%w: resource set %q", ErrNotFound, id)
	}
	return cloneResourceSet(rs), nil
}

// GetResourceSets retrieves several resource sets; any missing ID fails the call.
func (s *MemoryStore) GetResourceSets(_ context.Context, ids []string) ([]*ResourceSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ResourceSet, 0, len(ids))
	for _, id := range ids {
		rs, ok := s.resourceSets[id]
		if !ok {
			return nil, fmt.Errorf("%w: resource set %q", ErrNotFound, id)
		}
		out = append(out, cloneResourceSet(rs))
	}
	return out, nil
}

// -----------------------
// PolicyStore
// -----------------------

func clonePolicy(p *Policy) *Policy {
	cp := *p
	cp.ResourceSetIDs = slices.Clone(p.ResourceSetIDs)
	cp.Rules = make([]PolicyRule, len(p.Rules))
	for i, r := range p.Rules {
		rr := r
		rr.ClientIDsAllowed = slices.Clone(r.ClientIDsAllowed)
		rr.Scopes = slices.Clone(r.Scopes)
		rr.Claims = slices.Clone(r.Claims)
		cp.Rules[i] = rr
	}
	return &cp
}

// AddPolicy stores a policy.
func (s *MemoryStore) AddPolicy(_ context.Context, p *Policy) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("policy ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.policies[p.ID]; exists {
		return fmt.Errorf("%w: policy %q", ErrAlreadyExists, p.ID)
	}
	s.policies[p.ID] = clonePolicy(p)
	return nil
}

// GetPolicy retrieves a policy by ID.
func (s *MemoryStore) GetPolicy(_ context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: policy %q", ErrNotFound, id)
	}
	return clonePolicy(p), nil
}

// GetPoliciesByResourceSet returns every policy governing the resource set.
func (s *MemoryStore) GetPoliciesByResourceSet(_ context.Context, resourceSetID string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Policy
	for _, p := range s.policies {
		if slices.Contains(p.ResourceSetIDs, resourceSetID) {
			out = append(out, clonePolicy(p))
		}
	}
	return out, nil
}

// UpdatePolicy replaces an existing policy.
func (s *MemoryStore) UpdatePolicy(_ context.Context, p *Policy) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("policy ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[p.ID]; !ok {
		return fmt.Errorf("%w: policy %q", ErrNotFound, p.ID)
	}
	s.policies[p.ID] = clonePolicy(p)
	return nil
}

// DeletePolicy removes a policy.
func (s *MemoryStore) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return fmt.Errorf("%w: policy %q", ErrNotFound, id)
	}
	delete(s.policies, id)
	return nil
}

// -----------------------
// KeyStore
// -----------------------

// AddKey stores a JSON Web Key.
func (s *MemoryStore) AddKey(_ context.Context, key *JSONWebKey) error {
	if key == nil || key.KID == "" {
		return fmt.Errorf("key ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[key.KID]; exists {
		return fmt.Errorf("%w: key %q", ErrAlreadyExists, key.KID)
	}
	cp := *key
	s.keys[key.KID] = &cp
	return nil
}

// GetAllKeys returns every stored key.
func (s *MemoryStore) GetAllKeys(_ context.Context) ([]*JSONWebKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*JSONWebKey, 0, len(s.keys))
	for _, k := range s.keys {
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}

// UpdateKey replaces the key material of an existing KID.
func (s *MemoryStore) UpdateKey(_ context.Context, key *JSONWebKey) error {
	if key == nil || key.KID == "" {
		return fmt.Errorf("key ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key.KID]; !ok {
		return fmt.Errorf("%w: key %q", ErrNotFound, key.KID)
	}
	cp := *key
	s.keys[key.KID] = &cp
	return nil
}

// -----------------------
// ConsentStore
// -----------------------

func cloneConsent(c *Consent) *Consent {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	cp.Claims = slices.Clone(c.Claims)
	return &cp
}

// AddConsent records a resource owner's approval.
func (s *MemoryStore) AddConsent(_ context.Context, c *Consent) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("consent ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.consents[c.ID]; exists {
		return fmt.Errorf("%w: consent %q", ErrAlreadyExists, c.ID)
	}
	s.consents[c.ID] = cloneConsent(c)
	return nil
}

// GetConsents returns all consents the subject granted to the client.
func (s *MemoryStore) GetConsents(_ context.Context, subject, clientID string) ([]*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Consent
	for _, c := range s.consents {
		if c.Subject == subject && c.ClientID == clientID {
			out = append(out, cloneConsent(c))
		}
	}
	return out, nil
}

// -----------------------
// Stats (for testing and monitoring)
// -----------------------

// Stats contains statistics about the store contents.
type Stats struct {
	Clients      int
	Tokens       int
	Codes        int
	Tickets      int
	ResourceSets int
	Policies     int
	Keys         int
	Consents     int
}

// Compile-time interface compliance checks
var (
	_ ClientStore      = (*MemoryStore)(nil)
	_ TokenStore       = (*MemoryStore)(nil)
	_ CodeStore        = (*MemoryStore)(nil)
	_ TicketStore      = (*MemoryStore)(nil)
	_ ResourceSetStore = (*MemoryStore)(nil)
	_ PolicyStore      = (*MemoryStore)(nil)
	_ KeyStore         = (*MemoryStore)(nil)
	_ ConsentStore     = (*MemoryStore)(nil)
)

// Stats returns current statistics about store contents.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Clients:      len(s.clients),
		Tokens:       len(s.tokens),
		Codes:        len(s.codes),
		Tickets:      len(s.tickets),
		ResourceSets: len(s.resourceSets),
		Policies:     len(s.policies),
		Keys:         len(s.keys),
		Consents:     len(s.consents),
	}
}
