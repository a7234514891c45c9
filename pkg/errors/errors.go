// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the OAuth2 error taxonomy shared by the authorization core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types. The values are the wire error codes.
const (
	// ErrInvalidClient is returned when the client is unknown, fails authentication,
	// or is not allowed to use the requested grant type
	ErrInvalidClient = "invalid_client"

	// ErrInvalidRedirectURI is returned when the redirect URI is not acceptable for the client
	ErrInvalidRedirectURI = "invalid_redirect_uri"

	// ErrInvalidScope is returned when a requested scope is unknown or not allowed
	ErrInvalidScope = "invalid_scope"

	// ErrInvalidSelection is returned when consent is given with no scopes selected
	ErrInvalidSelection = "invalid_selection"

	// ErrAccessDenied is returned when the user explicitly denies the request
	ErrAccessDenied = "access_denied"

	// ErrInvalidGrant is returned for bad, expired or replayed grants and tokens
	ErrInvalidGrant = "invalid_grant"

	// ErrInvalidRequest is returned for malformed or missing parameters
	ErrInvalidRequest = "invalid_request"

	// ErrInvalidTarget is returned when a resource indicator is not acceptable
	ErrInvalidTarget = "invalid_target"

	// ErrUnsupportedGrantType is returned for grant types the server does not implement
	ErrUnsupportedGrantType = "unsupported_grant_type"

	// ErrLoginRequired is returned when prompt=none is requested without a session
	ErrLoginRequired = "login_required"

	// ErrConsentRequired is returned when prompt=none is requested and consent is missing
	ErrConsentRequired = "consent_required"

	// ErrServer is returned when there is an internal error
	ErrServer = "server_error"
)

// Error represents an OAuth2 error in the authorization core
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message. It is safe to return to the caller.
	Message string

	// Cause is the underlying error. It is logged but never returned to the caller.
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidClientError creates a new invalid client error
func NewInvalidClientError(message string, cause error) *Error {
	return NewError(ErrInvalidClient, message, cause)
}

// NewInvalidRedirectURIError creates a new invalid redirect URI error
func NewInvalidRedirectURIError(message string, cause error) *Error {
	return NewError(ErrInvalidRedirectURI, message, cause)
}

// NewInvalidScopeError creates a new invalid scope error
func NewInvalidScopeError(message string, cause error) *Error {
	return NewError(ErrInvalidScope, message, cause)
}

// NewInvalidSelectionError creates a new invalid selection error
func NewInvalidSelectionError(message string, cause error) *Error {
	return NewError(ErrInvalidSelection, message, cause)
}

// NewAccessDeniedError creates a new access denied error
func NewAccessDeniedError(message string, cause error) *Error {
	return NewError(ErrAccessDenied, message, cause)
}

// NewInvalidGrantError creates a new invalid grant error
func NewInvalidGrantError(message string, cause error) *Error {
	return NewError(ErrInvalidGrant, message, cause)
}

// NewInvalidRequestError creates a new invalid request error
func NewInvalidRequestError(message string, cause error) *Error {
	return NewError(ErrInvalidRequest, message, cause)
}

// NewInvalidTargetError creates a new invalid target error
func NewInvalidTargetError(message string, cause error) *Error {
	return NewError(ErrInvalidTarget, message, cause)
}

// NewUnsupportedGrantTypeError creates a new unsupported grant type error
func NewUnsupportedGrantTypeError(message string, cause error) *Error {
	return NewError(ErrUnsupportedGrantType, message, cause)
}

// NewLoginRequiredError creates a new login required error
func NewLoginRequiredError(message string, cause error) *Error {
	return NewError(ErrLoginRequired, message, cause)
}

// NewConsentRequiredError creates a new consent required error
func NewConsentRequiredError(message string, cause error) *Error {
	return NewError(ErrConsentRequired, message, cause)
}

// NewServerError creates a new server error
func NewServerError(message string, cause error) *Error {
	return NewError(ErrServer, message, cause)
}

// TypeOf returns the error type of err, or ErrServer when err is not an *Error.
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrServer
}

func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsInvalidClient checks if the error is an invalid client error
func IsInvalidClient(err error) bool {
	return isType(err, ErrInvalidClient)
}

// IsInvalidRedirectURI checks if the error is an invalid redirect URI error
func IsInvalidRedirectURI(err error) bool {
	return isType(err, ErrInvalidRedirectURI)
}

// IsInvalidScope checks if the error is an invalid scope error
func IsInvalidScope(err error) bool {
	return isType(err, ErrInvalidScope)
}

// IsInvalidSelection checks if the error is an invalid selection error
func IsInvalidSelection(err error) bool {
	return isType(err, ErrInvalidSelection)
}

// IsAccessDenied checks if the error is an access denied error
func IsAccessDenied(err error) bool {
	return isType(err, ErrAccessDenied)
}

// IsInvalidGrant checks if the error is an invalid grant error
func IsInvalidGrant(err error) bool {
	return isType(err, ErrInvalidGrant)
}

// IsInvalidRequest checks if the error is an invalid request error
func IsInvalidRequest(err error) bool {
	return isType(err, ErrInvalidRequest)
}

// IsInvalidTarget checks if the error is an invalid target error
func IsInvalidTarget(err error) bool {
	return isType(err, ErrInvalidTarget)
}

// HTTPStatus maps an error to the HTTP status used when returning it.
func HTTPStatus(err error) int {
	switch TypeOf(err) {
	case ErrInvalidClient:
		return http.StatusUnauthorized
	case ErrAccessDenied:
		return http.StatusForbidden
	case ErrServer:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Response is the JSON error body returned by the token, login and consent endpoints.
type Response struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ToResponse converts err into a wire response. The cause is never included.
func ToResponse(err error) Response {
	var e *Error
	if errors.As(err, &e) {
		return Response{Error: e.Type, ErrorDescription: e.Message}
	}
	return Response{Error: ErrServer}
}
