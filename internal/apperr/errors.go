// Package apperr defines the error taxonomy shared by the gateway, the
// services and the HTTP layer. Every failure carries a stable machine-readable
// code; the HTTP layer maps codes to statuses without inspecting messages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure class.
type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeNotFound             Code = "NOT_FOUND"
	CodeDuplicateOffer       Code = "DUPLICATE_OFFER"
	CodeAuthorityMismatch    Code = "AUTHORITY_MISMATCH"
	CodeVaultNotFractional   Code = "VAULT_NOT_FRACTIONALIZED"
	CodeAlreadyFractional    Code = "VAULT_ALREADY_FRACTIONALIZED"
	CodeAlreadyRecorded      Code = "ALREADY_RECORDED"
	CodeIllegalTransition    Code = "ILLEGAL_TRANSITION"
	CodeConflict             Code = "CONFLICT"
	CodeConfiguration        Code = "CONFIGURATION_ERROR"
	CodeFunding              Code = "FUNDING_ERROR"
	CodeChainSubmission      Code = "CHAIN_SUBMISSION_FAILED"
	CodeNotImplemented       Code = "NOT_IMPLEMENTED"
	CodeInternal             Code = "INTERNAL_ERROR"
)

// Error is a coded error. Details carries structured diagnostics that are safe
// to return to callers (addresses, field names), never secrets or stack traces.
type Error struct {
	Code    Code
	Message string
	Details map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes errors.Is match on code, so sentinel comparisons like
// errors.Is(err, apperr.New(apperr.CodeNotFound, "")) work across layers.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New builds a coded error.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a coded error around a cause.
func Wrap(err error, code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithDetail attaches a structured diagnostic field.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the taxonomy code from any error. Unknown errors are
// reported as internal so nothing opaque leaks a misleading code.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a code to the status the REST surface returns.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeVaultNotFractional, CodeAlreadyFractional,
		CodeAlreadyRecorded, CodeIllegalTransition, CodeDuplicateOffer, CodeConflict:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAuthorityMismatch:
		return http.StatusForbidden
	case CodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
