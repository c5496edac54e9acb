// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/umauth/pkg/client"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testToken(id, access string) *GrantedToken {
	return &GrantedToken{
		ID:          id,
		AccessToken: access,
		TokenType:   "Bearer",
		IssuedAt:    time.Now().UTC(),
		ExpiresIn:   3600,
		ClientID:    "client-1",
		GrantType:   client.GrantClientCredentials,
	}
}

func TestMemoryStoreTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	tok := testToken("tok-1", "access-1")
	tok.RefreshToken = "refresh-1"
	require.NoError(t, s.AddToken(ctx, tok))

	got, err := s.GetAccessToken(ctx, "access-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.ID)

	got, err = s.GetRefreshToken(ctx, "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.ID)

	_, err = s.GetAccessToken(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	// Duplicate ID rejected.
	assert.ErrorIs(t, s.AddToken(ctx, testToken("tok-1", "access-other")), ErrAlreadyExists)
}

func TestMemoryStoreTokenSelfParentRejected(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	tok := testToken("tok-1", "access-1")
	tok.ParentTokenID = "tok-1"
	require.Error(t, s.AddToken(context.Background(), tok))
}

func TestMemoryStoreTokenChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	parent := testToken("tok-parent", "access-parent")
	require.NoError(t, s.AddToken(ctx, parent))

	childA := testToken("tok-a", "access-a")
	childA.ParentTokenID = "tok-parent"
	childB := testToken("tok-b", "access-b")
	childB.ParentTokenID = "tok-parent"
	require.NoError(t, s.AddToken(ctx, childA))
	require.NoError(t, s.AddToken(ctx, childB))

	children, err := s.GetChildren(ctx, "tok-parent")
	require.NoError(t, err)
	assert.Len(t, children, 2)

	children, err = s.GetChildren(ctx, "tok-a")
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestMemoryStoreRemoveToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	tok := testToken("tok-1", "access-1")
	tok.RefreshToken = "refresh-1"
	require.NoError(t, s.AddToken(ctx, tok))

	require.NoError(t, s.RemoveAccessToken(ctx, "access-1"))

	// Both indexes are gone with the record.
	_, err := s.GetAccessToken(ctx, "access-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetRefreshToken(ctx, "refresh-1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.RemoveAccessToken(ctx, "access-1"), ErrNotFound)
}

func TestMemoryStoreClean(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AddToken(ctx, testToken("tok-1", "access-1")))
	require.NoError(t, s.AddToken(ctx, testToken("tok-2", "access-2")))

	require.NoError(t, s.Clean(ctx))

	_, err := s.GetAccessToken(ctx, "access-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAccessToken(ctx, "access-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreCodeSingleUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	code := &AuthorizationCode{
		Code:      "code-1",
		ClientID:  "client-1",
		Subject:   "alice",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, s.AddCode(ctx, code))

	got, err := s.GetCode(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Subject)

	require.NoError(t, s.RemoveCode(ctx, "code-1"))
	assert.ErrorIs(t, s.RemoveCode(ctx, "code-1"), ErrNotFound)
}

func TestMemoryStoreTicketSingleUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	ticket := &Ticket{
		ID:        "ticket-1",
		ClientID:  "client-1",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(5 * time.Minute),
		Lines:     []TicketLine{{ResourceSetID: "rs-1", Scopes: []string{"read"}}},
	}
	require.NoError(t, s.AddTicket(ctx, ticket))

	// Concurrent redemption: exactly one removal wins.
	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.RemoveTicket(ctx, "ticket-1")
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrNotFound)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestMemoryStoreClients(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	c := &client.Client{
		ID:         "client-1",
		GrantTypes: []client.GrantType{client.GrantClientCredentials},
	}
	require.NoError(t, s.Add(ctx, c))
	assert.ErrorIs(t, s.Add(ctx, c), ErrAlreadyExists)

	got, err := s.GetByID(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ID)

	_, err = s.GetByID(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreResourceSets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AddResourceSet(ctx, &ResourceSet{
		ID: "rs-1", Owner: "alice", Name: "photos", Scopes: []string{"view", "print"},
	}))
	require.NoError(t, s.AddResourceSet(ctx, &ResourceSet{
		ID: "rs-2", Owner: "alice", Name: "albums", Scopes: []string{"view"},
	}))

	sets, err := s.GetResourceSets(ctx, []string{"rs-1", "rs-2"})
	require.NoError(t, err)
	assert.Len(t, sets, 2)

	_, err = s.GetResourceSets(ctx, []string{"rs-1", "rs-missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorePolicies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	p := &Policy{
		ID:             "pol-1",
		ResourceSetIDs: []string{"rs-1"},
		Rules:          []PolicyRule{{ID: "rule-1", Scopes: []string{"view"}}},
	}
	require.NoError(t, s.AddPolicy(ctx, p))

	byRS, err := s.GetPoliciesByResourceSet(ctx, "rs-1")
	require.NoError(t, err)
	require.Len(t, byRS, 1)
	assert.Equal(t, "pol-1", byRS[0].ID)

	p.Rules = append(p.Rules, PolicyRule{ID: "rule-2", Scopes: []string{"print"}})
	require.NoError(t, s.UpdatePolicy(ctx, p))

	got, err := s.GetPolicy(ctx, "pol-1")
	require.NoError(t, err)
	assert.Len(t, got.Rules, 2)

	require.NoError(t, s.DeletePolicy(ctx, "pol-1"))
	_, err = s.GetPolicy(ctx, "pol-1")
	assert.ErrorIs(t, err, ErrNotFound)

	byRS, err = s.GetPoliciesByResourceSet(ctx, "rs-1")
	require.NoError(t, err)
	assert.Empty(t, byRS)
}

func TestMemoryStoreConsents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AddConsent(ctx, &Consent{
		ID: "consent-1", Subject: "alice", ClientID: "client-1", Scopes: []string{"view"},
	}))
	require.NoError(t, s.AddConsent(ctx, &Consent{
		ID: "consent-2", Subject: "alice", ClientID: "client-2", Scopes: []string{"view"},
	}))

	consents, err := s.GetConsents(ctx, "alice", "client-1")
	require.NoError(t, err)
	require.Len(t, consents, 1)
	assert.Equal(t, "consent-1", consents[0].ID)

	consents, err = s.GetConsents(ctx, "bob", "client-1")
	require.NoError(t, err)
	assert.Empty(t, consents)
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := NewMemoryStore(WithCleanupInterval(10 * time.Millisecond))
	t.Cleanup(func() { _ = s.Close() })

	tok := testToken("tok-1", "access-1")
	tok.IssuedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, s.AddToken(ctx, tok))

	require.Eventually(t, func() bool {
		_, err := s.GetAccessToken(ctx, "access-1")
		return err != nil
	}, time.Second, 20*time.Millisecond)
}
