// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package uma implements the UMA permission-ticket lifecycle and the
// policy-evaluation engine gating ticket redemption.
package uma

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/umauth/pkg/logger"
	"github.com/stacklok/umauth/pkg/oautherr"
	"github.com/stacklok/umauth/pkg/storage"
)

// PermissionRequest is one requested resource-set/scope pair on a permission
// ticket.
type PermissionRequest struct {
	ResourceSetID string   `json:"resource_set_id"`
	Scopes        []string `json:"scopes"`
}

// Registry creates and stores permission tickets.
type Registry struct {
	tickets   storage.TicketStore
	resources storage.ResourceSetStore

	ticketLifetime time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTicketLifetime overrides the default ticket lifetime.
func WithTicketLifetime(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.ticketLifetime = d
	}
}

// NewRegistry creates a Registry over the ticket and resource-set stores.
func NewRegistry(tickets storage.TicketStore, resources storage.ResourceSetStore, opts ...RegistryOption) *Registry {
	r := &Registry{
		tickets:        tickets,
		resources:      resources,
		ticketLifetime: storage.DefaultTicketTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddPermission validates each requested line against its resource set and
// persists a Ticket with a server-chosen expiry. Every line must name an
// existing resource set and request a subset of its declared scopes; nothing
// is persisted when any line fails.
func (r *Registry) AddPermission(ctx context.Context, clientID string, requests []PermissionRequest) (string, error) {
	if len(requests) == 0 {
		return "", oautherr.New(oautherr.CodeInvalidRequest, "no permissions requested")
	}

	lines := make([]storage.TicketLine, 0, len(requests))
	for _, req := range requests {
		if req.ResourceSetID == "" {
			return "", oautherr.New(oautherr.CodeInvalidResourceSetID, "missing resource_set_id")
		}

		rs, err := r.resources.GetResourceSet(ctx, req.ResourceSetID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", oautherr.Newf(oautherr.CodeInvalidResourceSetID,
					"resource set %q does not exist", req.ResourceSetID)
			}
			return "", oautherr.Internal("resource set lookup failed", err)
		}

		for _, scope := range req.Scopes {
			if !slices.Contains(rs.Scopes, scope) {
				return "", oautherr.Newf(oautherr.CodeInvalidScope,
					"scope %q is not declared by resource set %q", scope, rs.ID)
			}
		}

		lines = append(lines, storage.TicketLine{
			ResourceSetID: req.ResourceSetID,
			Scopes:        slices.Clone(req.Scopes),
		})
	}

	now := time.Now()
	ticket := &storage.Ticket{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ticketLifetime),
		Lines:     lines,
	}

	if err := r.tickets.AddTicket(ctx, ticket); err != nil {
		return "", oautherr.Internal("failed to persist ticket", err)
	}

	logger.Debugw("created permission ticket",
		"ticket_id", ticket.ID,
		"client_id", clientID,
		"lines", len(lines),
	)
	return ticket.ID, nil
}
