// Package apperr defines the error kinds shared across the settlement engine
// and maps them onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrUnsupportedToken    = errors.New("unsupported token")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrEscrowBackend       = errors.New("escrow backend failure")
	ErrManualIntervention  = errors.New("manual intervention required")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrDispute             = errors.New("dispute error")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
)

// Wrap annotates kind with a formatted message. errors.Is(err, kind) holds
// for the result, as does errors.Is for any %w inside format.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", kind, fmt.Errorf(format, args...))
}

// Validation is shorthand for Wrap(ErrValidation, ...).
func Validation(format string, args ...any) error {
	return Wrap(ErrValidation, format, args...)
}

// Retryable reports whether the caller may safely retry the operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrEscrowBackend) && !errors.Is(err, ErrManualIntervention)
}

type mapping struct {
	kind   error
	code   string
	status int
}

// Ordered: more specific kinds first, since a single error may wrap several.
var mappings = []mapping{
	{ErrManualIntervention, "manual_intervention_required", http.StatusInternalServerError},
	{ErrForbidden, "forbidden", http.StatusForbidden},
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrValidation, "validation_error", http.StatusBadRequest},
	{ErrUnsupportedToken, "unsupported_token", http.StatusBadRequest},
	{ErrInsufficientFunds, "insufficient_funds", http.StatusUnprocessableEntity},
	{ErrConcurrencyConflict, "concurrency_conflict", http.StatusConflict},
	{ErrInvalidTransition, "invalid_state_transition", http.StatusConflict},
	{ErrDispute, "dispute_error", http.StatusConflict},
	{ErrEscrowBackend, "escrow_backend_failure", http.StatusBadGateway},
}

// Code returns the stable error code for err.
func Code(err error) string {
	for _, m := range mappings {
		if errors.Is(err, m.kind) {
			return m.code
		}
	}
	return "internal_error"
}

// HTTPStatus returns the response status for err.
func HTTPStatus(err error) int {
	for _, m := range mappings {
		if errors.Is(err, m.kind) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}
