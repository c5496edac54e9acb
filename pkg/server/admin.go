// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stacklok/umauth/pkg/logger"
	"github.com/stacklok/umauth/pkg/oautherr"
	"github.com/stacklok/umauth/pkg/storage"
)

// addPolicyResponse acknowledges policy creation.
type addPolicyResponse struct {
	PolicyID string `json:"policy_id"`
}

// AddPolicyHandler handles POST /admin/policies requests.
func (h *Handler) AddPolicyHandler(w http.ResponseWriter, req *http.Request) {
	var policy storage.Policy
	if err := json.NewDecoder(req.Body).Decode(&policy); err != nil {
		writeError(w, oautherr.New(oautherr.CodeInvalidRequest, "malformed policy body"))
		return
	}
	if len(policy.ResourceSetIDs) == 0 {
		writeError(w, oautherr.New(oautherr.CodeInvalidRequest, "policy must govern at least one resource set"))
		return
	}

	// Every governed resource set must exist.
	if _, err := h.resources.GetResourceSets(req.Context(), policy.ResourceSetIDs); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, oautherr.New(oautherr.CodeInvalidResourceSetID, "policy references an unknown resource set"))
			return
		}
		writeError(w, oautherr.Internal("resource set lookup failed", err))
		return
	}

	policy.ID = uuid.NewString()
	for i := range policy.Rules {
		if policy.Rules[i].ID == "" {
			policy.Rules[i].ID = uuid.NewString()
		}
	}

	if err := h.policyStore.AddPolicy(req.Context(), &policy); err != nil {
		writeError(w, oautherr.Internal("failed to store policy", err))
		return
	}

	logger.Infow("policy created", "policy_id", policy.ID, "rules", len(policy.Rules))
	writeJSON(w, http.StatusCreated, addPolicyResponse{PolicyID: policy.ID})
}

// GetPolicyHandler handles GET /admin/policies/{id} requests.
func (h *Handler) GetPolicyHandler(w http.ResponseWriter, req *http.Request) {
	policy, err := h.policyStore.GetPolicy(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, oautherr.New(oautherr.CodeInvalidRequest, "policy does not exist"))
			return
		}
		writeError(w, oautherr.Internal("policy lookup failed", err))
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// UpdatePolicyHandler handles PUT /admin/policies/{id} requests.
func (h *Handler) UpdatePolicyHandler(w http.ResponseWriter, req *http.Request) {
	var policy storage.Policy
	if err := json.NewDecoder(req.Body).Decode(&policy); err != nil {
		writeError(w, oautherr.New(oautherr.CodeInvalidRequest, "malformed policy body"))
		return
	}
	policy.ID = chi.URLParam(req, "id")

	if err := h.policyStore.UpdatePolicy(req.Context(), &policy); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, oautherr.New(oautherr.CodeInvalidRequest, "policy does not exist"))
			return
		}
		writeError(w, oautherr.Internal("failed to update policy", err))
		return
	}
	writeJSON(w, http.StatusOK, addPolicyResponse{PolicyID: policy.ID})
}

// DeletePolicyHandler handles DELETE /admin/policies/{id} requests.
func (h *Handler) DeletePolicyHandler(w http.ResponseWriter, req *http.Request) {
	if err := h.policyStore.DeletePolicy(req.Context(), chi.URLParam(req, "id")); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, oautherr.New(oautherr.CodeInvalidRequest, "policy does not exist"))
			return
		}
		writeError(w, oautherr.Internal("failed to delete policy", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RotateKeysHandler handles POST /admin/keys/rotate requests. Rotation
// replaces every key's material in place and invalidates all stored tokens.
func (h *Handler) RotateKeysHandler(w http.ResponseWriter, req *http.Request) {
	if err := h.engine.RotateKeys(req.Context()); err != nil {
		writeError(w, oautherr.Internal("key rotation failed", err))
		return
	}
	logger.Info("rotated signing and encryption keys")
	w.WriteHeader(http.StatusNoContent)
}
