package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_PreservesKind(t *testing.T) {
	err := Wrap(ErrInsufficientFunds, "available %s < %s", "1", "2")
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.Contains(t, err.Error(), "available 1 < 2")
}

func TestWrap_PreservesInnerCause(t *testing.T) {
	cause := errors.New("rpc down")
	err := Wrap(ErrEscrowBackend, "refund: %w", cause)
	assert.True(t, errors.Is(err, ErrEscrowBackend))
	assert.True(t, errors.Is(err, cause))
}

func TestHTTPStatusAndCode(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{Validation("bad price"), http.StatusBadRequest, "validation_error"},
		{Wrap(ErrInsufficientFunds, "x"), http.StatusUnprocessableEntity, "insufficient_funds"},
		{Wrap(ErrConcurrencyConflict, "x"), http.StatusConflict, "concurrency_conflict"},
		{Wrap(ErrNotFound, "trade"), http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: %w", ErrDispute, ErrForbidden), http.StatusForbidden, "forbidden"},
		{fmt.Errorf("%w: %w", ErrEscrowBackend, ErrManualIntervention), http.StatusInternalServerError, "manual_intervention_required"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, HTTPStatus(tt.err), tt.err.Error())
		assert.Equal(t, tt.code, Code(tt.err), tt.err.Error())
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Wrap(ErrConcurrencyConflict, "x")))
	assert.True(t, Retryable(Wrap(ErrEscrowBackend, "x")))
	assert.False(t, Retryable(fmt.Errorf("%w: %w", ErrEscrowBackend, ErrManualIntervention)))
	assert.False(t, Retryable(Validation("x")))
}
