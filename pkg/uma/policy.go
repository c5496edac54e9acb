// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package uma

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/stacklok/umauth/pkg/logger"
	"github.com/stacklok/umauth/pkg/oautherr"
	"github.com/stacklok/umauth/pkg/storage"
)

// Result is the outcome of a policy evaluation.
type Result string

// Evaluation outcomes. A ticket is single-use: once an evaluation reaches a
// terminal outcome the ticket never returns to Created.
const (
	// Authorized means every ticket line was satisfied and the ticket was consumed.
	Authorized Result = "authorized"

	// NotAuthorized means at least one ticket line failed every governing rule.
	NotAuthorized Result = "not_authorized"

	// NeedInfo means a matching rule requires resource-owner consent (or
	// additional claims) that the request did not carry.
	NeedInfo Result = "need_info"
)

// Decision is the result of evaluating a ticket, with the granted permissions
// when authorized.
type Decision struct {
	Result      Result
	Permissions []storage.GrantedPermission
}

// Engine evaluates whether a requester may redeem a permission ticket. It is
// the gate before the token issuer mints a UMA-scoped token.
type Engine struct {
	tickets   storage.TicketStore
	policies  storage.PolicyStore
	resources storage.ResourceSetStore
	consents  storage.ConsentStore
	scripts   *ScriptEvaluator
	claims    *ClaimsResolver
}

// NewEngine creates a policy Engine.
func NewEngine(
	tickets storage.TicketStore,
	policies storage.PolicyStore,
	resources storage.ResourceSetStore,
	consents storage.ConsentStore,
	scripts *ScriptEvaluator,
	claims *ClaimsResolver,
) *Engine {
	return &Engine{
		tickets:   tickets,
		policies:  policies,
		resources: resources,
		consents:  consents,
		scripts:   scripts,
		claims:    claims,
	}
}

// Evaluate decides whether the requesting client may redeem the ticket. On
// Authorized the ticket is consumed (single redemption): of two concurrent
// evaluations exactly one observes Authorized, the other invalid_ticket.
// Expired tickets fail with expired_ticket regardless of policy outcome.
func (e *Engine) Evaluate(
	ctx context.Context, ticketID, requesterClientID string, claimToken *ClaimTokenParameter,
) (*Decision, error) {
	ticket, err := e.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.New(oautherr.CodeInvalidTicket, "ticket is unknown or already consumed")
		}
		return nil, oautherr.Internal("ticket lookup failed", err)
	}

	if ticket.Expired(time.Now()) {
		return nil, oautherr.New(oautherr.CodeExpiredTicket, "ticket has expired")
	}

	requesterClaims, err := e.claims.Resolve(ctx, claimToken)
	if err != nil {
		return nil, err
	}

	result := Authorized
	permissions := make([]storage.GrantedPermission, 0, len(ticket.Lines))

	for _, line := range ticket.Lines {
		lineResult, err := e.evaluateLine(ctx, ticket, line, requesterClientID, requesterClaims, claimToken)
		if err != nil {
			return nil, err
		}

		switch lineResult {
		case NotAuthorized:
			// Any failing line denies the whole ticket.
			logger.Debugw("ticket line denied",
				"ticket_id", ticket.ID,
				"resource_set_id", line.ResourceSetID,
			)
			return &Decision{Result: NotAuthorized}, nil
		case NeedInfo:
			result = NeedInfo
		case Authorized:
			permissions = append(permissions, storage.GrantedPermission{
				ResourceSetID: line.ResourceSetID,
				Scopes:        slices.Clone(line.Scopes),
			})
		}
	}

	if result == NeedInfo {
		return &Decision{Result: NeedInfo}, nil
	}

	// Consume the ticket. A concurrent redemption that lost the race
	// observes the ticket missing here and fails with invalid_ticket.
	if err := e.tickets.RemoveTicket(ctx, ticket.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.New(oautherr.CodeInvalidTicket, "ticket is unknown or already consumed")
		}
		return nil, oautherr.Internal("failed to consume ticket", err)
	}

	logger.Infow("ticket authorized",
		"ticket_id", ticket.ID,
		"client_id", requesterClientID,
		"permissions", len(permissions),
	)
	return &Decision{Result: Authorized, Permissions: permissions}, nil
}

// evaluateLine checks one ticket line against every policy governing its
// resource set. Absence of any policy denies by default. The line is
// authorized as soon as one rule matches; a matching rule that demands
// resource-owner consent without a satisfying consent yields NeedInfo.
func (e *Engine) evaluateLine(
	ctx context.Context,
	ticket *storage.Ticket,
	line storage.TicketLine,
	requesterClientID string,
	requesterClaims map[string]any,
	claimToken *ClaimTokenParameter,
) (Result, error) {
	policies, err := e.policies.GetPoliciesByResourceSet(ctx, line.ResourceSetID)
	if err != nil {
		return NotAuthorized, oautherr.Internal("policy lookup failed", err)
	}
	if len(policies) == 0 {
		return NotAuthorized, nil
	}

	needInfo := false
	for _, policy := range policies {
		for _, rule := range policy.Rules {
			matched, err := e.ruleMatches(ctx, rule, line, requesterClientID, requesterClaims, claimToken)
			if err != nil {
				return NotAuthorized, err
			}
			if !matched {
				continue
			}

			if rule.IsResourceOwnerConsentNeeded {
				ok, err := e.hasConsent(ctx, line, requesterClientID)
				if err != nil {
					return NotAuthorized, err
				}
				if !ok {
					needInfo = true
					continue
				}
			}
			return Authorized, nil
		}
	}

	if needInfo {
		return NeedInfo, nil
	}
	return NotAuthorized, nil
}

// ruleMatches applies one policy rule to a ticket line.
func (e *Engine) ruleMatches(
	ctx context.Context,
	rule storage.PolicyRule,
	line storage.TicketLine,
	requesterClientID string,
	requesterClaims map[string]any,
	claimToken *ClaimTokenParameter,
) (bool, error) {
	// An empty allow-list means "any client".
	if len(rule.ClientIDsAllowed) > 0 && !slices.Contains(rule.ClientIDsAllowed, requesterClientID) {
		return false, nil
	}

	for _, scope := range line.Scopes {
		if !slices.Contains(rule.Scopes, scope) {
			return false, nil
		}
	}

	claims := requesterClaims
	if rule.OpenIDProvider != "" {
		external, err := e.claims.ResolveExternal(ctx, claimToken, rule.OpenIDProvider)
		if err != nil {
			// A claim token the external provider cannot verify fails this
			// rule, not the whole evaluation.
			logger.Debugw("external claim token rejected",
				"provider", rule.OpenIDProvider,
				"error", err,
			)
			return false, nil
		}
		claims = external
	}

	// A custom script delegates the decision instead of the default claim
	// comparison.
	if rule.Script != "" {
		ok, err := e.scripts.Evaluate(rule.Script, claims)
		if err != nil {
			logger.Warnw("policy script failed, denying", "error", err)
			return false, nil
		}
		return ok, nil
	}

	for _, required := range rule.Claims {
		if !claimSatisfied(claims, required) {
			return false, nil
		}
	}
	return true, nil
}

// hasConsent reports whether the resource owner already approved this
// client/scope pair for the line's resource set.
func (e *Engine) hasConsent(ctx context.Context, line storage.TicketLine, requesterClientID string) (bool, error) {
	rs, err := e.resources.GetResourceSet(ctx, line.ResourceSetID)
	if err != nil {
		return false, oautherr.Internal("resource set lookup failed", err)
	}

	consents, err := e.consents.GetConsents(ctx, rs.Owner, requesterClientID)
	if err != nil {
		return false, oautherr.Internal("consent lookup failed", err)
	}

	for _, consent := range consents {
		satisfied := true
		for _, scope := range line.Scopes {
			if !slices.Contains(consent.Scopes, scope) {
				satisfied = false
				break
			}
		}
		if satisfied {
			return true, nil
		}
	}
	return false, nil
}

// claimSatisfied reports whether the required claim is present and equal in
// the requester's claim set. A list-valued claim satisfies when any element
// equals the required value.
func claimSatisfied(claims map[string]any, required storage.Claim) bool {
	value, ok := claims[required.Type]
	if !ok {
		return false
	}

	switch v := value.(type) {
	case string:
		return v == required.Value
	case []any:
		for _, entry := range v {
			if fmt.Sprint(entry) == required.Value {
				return true
			}
		}
		return false
	default:
		return fmt.Sprint(v) == required.Value
	}
}
