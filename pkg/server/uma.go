// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stacklok/umauth/pkg/clientauth"
	"github.com/stacklok/umauth/pkg/oautherr"
	"github.com/stacklok/umauth/pkg/storage"
	"github.com/stacklok/umauth/pkg/uma"
)

// permissionRequestBody is one requested permission line on the wire.
type permissionRequestBody struct {
	ResourceSetID string   `json:"resource_set_id"`
	Scopes        []string `json:"resource_set_scopes"`
}

// permissionResponse carries the freshly minted ticket.
type permissionResponse struct {
	Ticket string `json:"ticket"`
}

// PermissionHandler handles POST /uma/permission requests: a resource server
// registers the permissions a requesting party needs and receives a ticket.
// The body is either one permission object or an array of them.
func (h *Handler) PermissionHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	c, err := h.authenticator.Authenticate(ctx, clientauth.InstructionFromRequest(req))
	if err != nil {
		h.metrics.AuthFailure()
		writeError(w, err)
		return
	}

	lines, err := decodePermissionLines(req)
	if err != nil {
		writeError(w, err)
		return
	}

	requests := make([]uma.PermissionRequest, 0, len(lines))
	for _, line := range lines {
		requests = append(requests, uma.PermissionRequest{
			ResourceSetID: line.ResourceSetID,
			Scopes:        line.Scopes,
		})
	}

	ticketID, err := h.registry.AddPermission(ctx, c.ID, requests)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, permissionResponse{Ticket: ticketID})
}

func decodePermissionLines(req *http.Request) ([]permissionRequestBody, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, oautherr.New(oautherr.CodeInvalidRequest, "failed to read request body")
	}

	var lines []permissionRequestBody
	if err := json.Unmarshal(body, &lines); err == nil {
		return lines, nil
	}

	// Retry as a single object; the endpoint accepts both shapes.
	var line permissionRequestBody
	if err := json.Unmarshal(body, &line); err != nil {
		return nil, oautherr.New(oautherr.CodeInvalidRequest, "malformed permission request body")
	}
	return []permissionRequestBody{line}, nil
}

// resourceSetResponse is the registration response.
type resourceSetResponse struct {
	ID string `json:"_id"`
}

// AddResourceSetHandler handles POST /uma/resource_set requests: a resource
// owner registers a protectable resource with its scope vocabulary.
func (h *Handler) AddResourceSetHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	c, err := h.authenticator.Authenticate(ctx, clientauth.InstructionFromRequest(req))
	if err != nil {
		h.metrics.AuthFailure()
		writeError(w, err)
		return
	}

	var rs storage.ResourceSet
	if err := json.NewDecoder(req.Body).Decode(&rs); err != nil {
		writeError(w, oautherr.New(oautherr.CodeInvalidRequest, "malformed resource set body"))
		return
	}
	if rs.Name == "" || len(rs.Scopes) == 0 {
		writeError(w, oautherr.New(oautherr.CodeInvalidRequest, "resource set needs a name and at least one scope"))
		return
	}

	rs.ID = uuid.NewString()
	if rs.Owner == "" {
		rs.Owner = c.ID
	}

	if err := h.resources.AddResourceSet(ctx, &rs); err != nil {
		writeError(w, oautherr.Internal("failed to store resource set", err))
		return
	}
	writeJSON(w, http.StatusCreated, resourceSetResponse{ID: rs.ID})
}

// GetResourceSetHandler handles GET /uma/resource_set/{id} requests.
func (h *Handler) GetResourceSetHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if _, err := h.authenticator.Authenticate(ctx, clientauth.InstructionFromRequest(req)); err != nil {
		h.metrics.AuthFailure()
		writeError(w, err)
		return
	}

	rs, err := h.resources.GetResourceSet(ctx, chi.URLParam(req, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, oautherr.New(oautherr.CodeInvalidResourceSetID, "resource set does not exist"))
			return
		}
		writeError(w, oautherr.Internal("resource set lookup failed", err))
		return
	}
	writeJSON(w, http.StatusOK, rs)
}
