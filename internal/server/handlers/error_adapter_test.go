package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/nimbusgate/internal/errors"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

func TestRespondWithError_Kinds(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", provider.ErrNotFound, http.StatusNotFound, apperrors.CodeNotFound},
		{"conflict", provider.ErrConflictOnOverwrite, http.StatusConflict, apperrors.CodeConflict},
		{"stale etag", provider.ErrPreconditionFailed, http.StatusPreconditionFailed, apperrors.CodePreconditionFailed},
		{"bad range", provider.ErrRangeNotSatisfiable, http.StatusRequestedRangeNotSatisfiable, apperrors.CodeRangeNotSatisfiable},
		{"short stream", provider.ErrIntegrityMismatch, http.StatusUnprocessableEntity, apperrors.CodeIntegrityMismatch},
		{"caller went away", context.Canceled, apperrors.StatusClientClosedRequest, apperrors.CodeCancelled},
		{"unsupported", provider.ErrUnsupported, http.StatusNotImplemented, apperrors.CodeUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := provider.NewError("Upload", "archive", "/reports/q1.csv", provider.Errorf(tt.err, "from backend"))
			rec := httptest.NewRecorder()
			respondWithError(rec, httptest.NewRequest(http.MethodPut, "/v1/providers/archive/files/reports/q1.csv", nil), err)

			require.Equal(t, tt.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, "archive", body.Provider)
			assert.Equal(t, "/reports/q1.csv", body.Path)
		})
	}

	t.Run("internal errors hide their message", func(t *testing.T) {
		rec := httptest.NewRecorder()
		respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), assert.AnError)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "internal error", decodeError(t, rec).Message)
	})
}

func TestSetHTTPErrorResponder(t *testing.T) {
	defer ResetHTTPErrorResponder()

	var got error
	SetHTTPErrorResponder(func(w http.ResponseWriter, _ *http.Request, err error) {
		got = err
		w.WriteHeader(http.StatusTeapot)
	})
	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), provider.ErrNotFound)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, provider.ErrNotFound, got)

	SetHTTPErrorResponder(nil)
	rec = httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), provider.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, rec.Code, "nil restores the default")

	SetHTTPErrorResponder(func(w http.ResponseWriter, _ *http.Request, _ error) { w.WriteHeader(http.StatusTeapot) })
	ResetHTTPErrorResponder()
	rec = httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), provider.ErrConflictOnOverwrite)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
