// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"

	"github.com/stacklok/umauth/pkg/logger"
	"github.com/stacklok/umauth/pkg/oautherr"
	"github.com/stacklok/umauth/pkg/storage"
)

// Revoke deletes the grant holding the presented token. Revoking a refresh
// token cascades to every grant whose parent chain reaches it; revoking a
// bare access token removes only that record. The requesting client must own
// the token.
func (i *Issuer) Revoke(ctx context.Context, clientID, tokenValue string) error {
	if tokenValue == "" {
		return oautherr.New(oautherr.CodeInvalidRequest, "missing token parameter")
	}

	if grant, err := i.tokens.GetRefreshToken(ctx, tokenValue); err == nil {
		if grant.ClientID != clientID {
			return oautherr.New(oautherr.CodeInvalidToken, "token belongs to another client")
		}
		return i.revokeChain(ctx, grant)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return oautherr.Internal("token lookup failed", err)
	}

	grant, err := i.tokens.GetAccessToken(ctx, tokenValue)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return oautherr.New(oautherr.CodeInvalidToken, "token is not known to this server")
		}
		return oautherr.Internal("token lookup failed", err)
	}
	if grant.ClientID != clientID {
		return oautherr.New(oautherr.CodeInvalidToken, "token belongs to another client")
	}

	if err := i.tokens.RemoveAccessToken(ctx, grant.AccessToken); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return oautherr.Internal("failed to remove token", err)
	}
	return nil
}

// revokeChain removes the grant and, transitively, every descendant linked
// through ParentTokenID. The chain is a DAG by construction; the visited set
// guards against a corrupt store introducing a cycle.
func (i *Issuer) revokeChain(ctx context.Context, root *storage.GrantedToken) error {
	visited := map[string]bool{}
	queue := []*storage.GrantedToken{root}
	var removed int

	for len(queue) > 0 {
		grant := queue[0]
		queue = queue[1:]
		if visited[grant.ID] {
			continue
		}
		visited[grant.ID] = true

		children, err := i.tokens.GetChildren(ctx, grant.ID)
		if err != nil {
			return oautherr.Internal("failed to walk token chain", err)
		}
		queue = append(queue, children...)

		if err := i.tokens.RemoveAccessToken(ctx, grant.AccessToken); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return oautherr.Internal("failed to remove token", err)
		}
		removed++
	}

	logger.Debugw("revoked token chain", "root_id", root.ID, "removed", removed)
	return nil
}
