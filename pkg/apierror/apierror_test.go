package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/validator"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   Code
	}{
		{"not found keeps domain code", triage.ErrScanNotFound, http.StatusNotFound, "SCAN_NOT_FOUND"},
		{"transition", &triage.TransitionError{From: triage.StatusCompleted, To: triage.StatusPaused}, http.StatusConflict, CodeInvalidStateTransition},
		{"in use", shared.NewDomainError("CONFIGURATION_IN_USE", "busy", shared.ErrConflict), http.StatusConflict, "CONFIGURATION_IN_USE"},
		{"bare validation", fmt.Errorf("%w: bad id", shared.ErrValidation), http.StatusUnprocessableEntity, CodeValidationFailed},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.code, got.Code)
		})
	}
}

func TestFromError_FieldDetails(t *testing.T) {
	err := validator.ValidationErrors{{Field: "name", Message: "is required"}}
	got := FromError(err)
	assert.Equal(t, http.StatusUnprocessableEntity, got.Status)
	assert.Equal(t, "Validation failed", got.Message)
	assert.Equal(t, err, got.Details)
}

func TestWriteJSONWithRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	NotFound("Scan").WriteJSONWithRequestID(rec, "req-1")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))

	var body Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeNotFound, body.Code)
	assert.Equal(t, "Scan not found", body.Message)
	assert.Equal(t, "req-1", body.RequestID)
}

func TestInternalError_HidesCause(t *testing.T) {
	e := InternalError(errors.New("pq: password authentication failed"))
	assert.Equal(t, "An internal error occurred", e.ToResponse().Message)
	assert.ErrorContains(t, e, "password authentication failed")
}
