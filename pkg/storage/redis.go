// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/umauth/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Key types under the configured prefix.
const (
	keyTypeToken    = "token"    // grant ID -> GrantedToken JSON
	keyTypeAccess   = "access"   // access-token string -> grant ID
	keyTypeRefresh  = "refresh"  // refresh-token string -> grant ID
	keyTypeChildren = "children" // parent grant ID -> set of child grant IDs
	keyTypeTicket   = "ticket"   // ticket ID -> Ticket JSON
)

// tokenSetKey indexes every live grant ID, so Clean can bulk-invalidate
// without a SCAN.
const tokenSetKey = "tokens"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix for multi-tenancy, e.g. "umauth:prod:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements TokenStore and TicketStore over Redis, enabling
// horizontal scaling of the hot token and ticket paths. Clients, policies,
// resource sets and keys are low-churn administrative data and stay in the
// memory store.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Compile-time interface compliance checks.
var (
	_ TokenStore  = (*RedisStore)(nil)
	_ TicketStore = (*RedisStore)(nil)
)

// NewRedisStore creates a Redis-backed token and ticket store. The initial
// ping is retried with exponential backoff so a server starting alongside
// Redis does not lose the race.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	expBackoff := backoff.NewExponentialBackOff()
	_, err := backoff.Retry(ctx, func() (any, error) {
		return nil, rdb.Ping(ctx).Err()
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(5),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Warnf("Redis not reachable: %v. Retrying in %s...", err, duration)
		}),
	)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: rdb, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(keyType, id string) string {
	return fmt.Sprintf("%s%s:%s", s.keyPrefix, keyType, id)
}

// -----------------------
// TokenStore
// -----------------------

// AddToken stores a granted token with its access and refresh indexes.
func (s *RedisStore) AddToken(ctx context.Context, token *GrantedToken) error {
	if token == nil || token.ID == "" {
		return errors.New("token ID cannot be empty")
	}
	if token.AccessToken == "" {
		return errors.New("access token cannot be empty")
	}
	if token.ParentTokenID == token.ID {
		return fmt.Errorf("token %q cannot be its own parent", token.ID)
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	// The record must outlive the access token so the refresh token stays
	// redeemable.
	recordTTL := time.Until(token.ExpiresAt())
	if token.RefreshToken != "" {
		recordTTL = time.Until(token.IssuedAt.Add(DefaultRefreshTokenTTL))
	}
	if recordTTL <= 0 {
		return errors.New("token is already expired")
	}

	tokenKey := s.key(keyTypeToken, token.ID)
	created, err := s.client.SetNX(ctx, tokenKey, data, recordTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: token %q", ErrAlreadyExists, token.ID)
	}

	// Secondary indexes. If any index write fails, roll the token back so no
	// orphaned record survives.
	if err := s.client.Set(ctx, s.key(keyTypeAccess, token.AccessToken), token.ID, recordTTL).Err(); err != nil {
		_ = s.client.Del(ctx, tokenKey).Err()
		return fmt.Errorf("failed to index access token: %w", err)
	}
	if token.RefreshToken != "" {
		if err := s.client.Set(ctx, s.key(keyTypeRefresh, token.RefreshToken), token.ID, recordTTL).Err(); err != nil {
			_ = s.client.Del(ctx, tokenKey, s.key(keyTypeAccess, token.AccessToken)).Err()
			return fmt.Errorf("failed to index refresh token: %w", err)
		}
	}
	if token.ParentTokenID != "" {
		childrenKey := s.key(keyTypeChildren, token.ParentTokenID)
		if err := s.client.SAdd(ctx, childrenKey, token.ID).Err(); err != nil {
			return fmt.Errorf("failed to index token parent: %w", err)
		}
		_ = s.client.Expire(ctx, childrenKey, DefaultRefreshTokenTTL).Err()
	}

	return s.client.SAdd(ctx, s.keyPrefix+tokenSetKey, token.ID).Err()
}

// GetAccessToken resolves a grant by its access-token string.
func (s *RedisStore) GetAccessToken(ctx context.Context, accessToken string) (*GrantedToken, error) {
	return s.getByIndex(ctx, keyTypeAccess, accessToken)
}

// GetRefreshToken resolves a grant by its refresh-token string.
func (s *RedisStore) GetRefreshToken(ctx context.Context, refreshToken string) (*GrantedToken, error) {
	return s.getByIndex(ctx, keyTypeRefresh, refreshToken)
}

func (s *RedisStore) getByIndex(ctx context.Context, keyType, value string) (*GrantedToken, error) {
	id, err := s.client.Get(ctx, s.key(keyType, value)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s token", ErrNotFound, keyType)
		}
		return nil, fmt.Errorf("failed to resolve %s token: %w", keyType, err)
	}
	return s.getToken(ctx, id)
}

func (s *RedisStore) getToken(ctx context.Context, id string) (*GrantedToken, error) {
	data, err := s.client.Get(ctx, s.key(keyTypeToken, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: token %q", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token GrantedToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// GetChildren returns all grants whose ParentTokenID equals id. Children
// whose records already expired are pruned from the index lazily.
func (s *RedisStore) GetChildren(ctx context.Context, id string) ([]*GrantedToken, error) {
	childrenKey := s.key(keyTypeChildren, id)
	ids, err := s.client.SMembers(ctx, childrenKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get token children: %w", err)
	}

	var children []*GrantedToken
	for _, childID := range ids {
		child, err := s.getToken(ctx, childID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				_ = s.client.SRem(ctx, childrenKey, childID).Err()
				continue
			}
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// RemoveAccessToken deletes the grant holding the given access token.
func (s *RedisStore) RemoveAccessToken(ctx context.Context, accessToken string) error {
	token, err := s.getByIndex(ctx, keyTypeAccess, accessToken)
	if err != nil {
		return err
	}
	return s.dropToken(ctx, token)
}

// RemoveRefreshToken deletes the grant holding the given refresh token.
func (s *RedisStore) RemoveRefreshToken(ctx context.Context, refreshToken string) error {
	token, err := s.getByIndex(ctx, keyTypeRefresh, refreshToken)
	if err != nil {
		return err
	}
	return s.dropToken(ctx, token)
}

// dropToken removes a grant and all its index entries. Index cleanup is best
// effort once the record itself is gone.
func (s *RedisStore) dropToken(ctx context.Context, token *GrantedToken) error {
	if err := s.client.Del(ctx, s.key(keyTypeToken, token.ID)).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	_ = s.client.Del(ctx, s.key(keyTypeAccess, token.AccessToken)).Err()
	if token.RefreshToken != "" {
		_ = s.client.Del(ctx, s.key(keyTypeRefresh, token.RefreshToken)).Err()
	}
	if token.ParentTokenID != "" {
		_ = s.client.SRem(ctx, s.key(keyTypeChildren, token.ParentTokenID), token.ID).Err()
	}
	_ = s.client.SRem(ctx, s.keyPrefix+tokenSetKey, token.ID).Err()
	return nil
}

// Clean bulk-invalidates every stored token. Called after key rotation.
func (s *RedisStore) Clean(ctx context.Context) error {
	setKey := s.keyPrefix + tokenSetKey
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to list tokens: %w", err)
	}

	for _, id := range ids {
		token, err := s.getToken(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if err := s.dropToken(ctx, token); err != nil {
			return err
		}
	}

	if err := s.client.Del(ctx, setKey).Err(); err != nil {
		return fmt.Errorf("failed to clear token index: %w", err)
	}

	logger.Infow("invalidated all stored tokens", "count", len(ids))
	return nil
}

// -----------------------
// TicketStore
// -----------------------

// AddTicket stores a permission ticket; Redis expires it at its deadline.
func (s *RedisStore) AddTicket(ctx context.Context, t *Ticket) error {
	if t == nil || t.ID == "" {
		return errors.New("ticket ID cannot be empty")
	}

	ttl := time.Until(t.ExpiresAt)
	if ttl <= 0 {
		return errors.New("ticket is already expired")
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal ticket: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.key(keyTypeTicket, t.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store ticket: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: ticket %q", ErrAlreadyExists, t.ID)
	}
	return nil
}

// GetTicket retrieves a ticket by ID.
func (s *RedisStore) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	data, err := s.client.Get(ctx, s.key(keyTypeTicket, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: ticket %q", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}

	var ticket Ticket
	if err := json.Unmarshal(data, &ticket); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ticket: %w", err)
	}
	return &ticket, nil
}

// RemoveTicket consumes the ticket. DEL is atomic, so of two concurrent
// redemptions exactly one observes the deletion and the other ErrNotFound.
func (s *RedisStore) RemoveTicket(ctx context.Context, id string) error {
	deleted, err := s.client.Del(ctx, s.key(keyTypeTicket, id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete ticket: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: ticket %q", ErrNotFound, id)
	}
	return nil
}
