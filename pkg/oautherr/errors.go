// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oautherr defines the protocol error taxonomy shared by every core
// component. Each failure carries a stable machine-readable code plus a
// human-readable description, and maps 1:1 onto the OAuth2/UMA wire format.
package oautherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// CodeInvalidRequest is returned for a malformed or missing parameter.
	CodeInvalidRequest = "invalid_request"

	// CodeInvalidClient is returned when client authentication failed or the client is unknown.
	CodeInvalidClient = "invalid_client"

	// CodeInvalidGrant is returned when a grant is invalid: refresh token unknown or
	// owned by a different client, authorization code reused or mismatched.
	CodeInvalidGrant = "invalid_grant"

	// CodeInvalidScope is returned when the requested scope exceeds what is allowed.
	CodeInvalidScope = "invalid_scope"

	// CodeInvalidToken is returned when a presented token is unknown or malformed.
	CodeInvalidToken = "invalid_token"

	// CodeExpiredToken is returned when a presented token has expired.
	CodeExpiredToken = "expired_token"

	// CodeInvalidTicket is returned when a UMA permission ticket is unknown or already consumed.
	CodeInvalidTicket = "invalid_ticket"

	// CodeExpiredTicket is returned when a UMA permission ticket has expired.
	CodeExpiredTicket = "expired_ticket"

	// CodeInvalidResourceSetID is returned when a permission request names an unknown resource set.
	CodeInvalidResourceSetID = "invalid_resource_set_id"

	// CodeUnsupportedGrantType is returned when the client requests a grant type the
	// server does not implement or the client is not allowed to use.
	CodeUnsupportedGrantType = "unsupported_grant_type"

	// CodeInternal is returned for a collaborator failure or unexpected condition.
	CodeInternal = "internal_error"
)

// Error represents a protocol error in the authorization server.
type Error struct {
	// Code is the stable machine-readable error code.
	Code string

	// Description is the human-readable error description.
	Description string

	// Cause is the underlying error, if any.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and description.
func New(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Newf creates a new Error with a formatted description.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error wrapping a cause.
func Wrap(code, description string, cause error) *Error {
	return &Error{Code: code, Description: description, Cause: cause}
}

// Internal wraps an unexpected collaborator failure as an internal_error.
func Internal(description string, cause error) *Error {
	return &Error{Code: CodeInternal, Description: description, Cause: cause}
}

// CodeOf returns the protocol error code carried by err, or internal_error
// when err is not an *Error.
func CodeOf(err error) string {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given protocol error code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

// Response is the wire shape of a protocol error.
type Response struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ResponseOf converts err into its wire shape. Internal errors hide the
// underlying cause from the client.
func ResponseOf(err error) Response {
	var oe *Error
	if errors.As(err, &oe) {
		if oe.Code == CodeInternal {
			return Response{Error: CodeInternal, ErrorDescription: "an internal error occurred"}
		}
		return Response{Error: oe.Code, ErrorDescription: oe.Description}
	}
	return Response{Error: CodeInternal, ErrorDescription: "an internal error occurred"}
}

// StatusCode maps a protocol error code to its HTTP status.
func StatusCode(err error) int {
	switch CodeOf(err) {
	case CodeInvalidClient:
		return http.StatusUnauthorized
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
