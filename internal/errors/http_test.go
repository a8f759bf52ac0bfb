package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/transfer"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", provider.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{"denied", provider.ErrPermissionDenied, http.StatusForbidden, CodePermissionDenied},
		{"precondition", provider.ErrPreconditionFailed, http.StatusPreconditionFailed, CodePreconditionFailed},
		{"conflict", provider.ErrConflictOnOverwrite, http.StatusConflict, CodeConflict},
		{"range", provider.ErrRangeNotSatisfiable, http.StatusRequestedRangeNotSatisfiable, CodeRangeNotSatisfiable},
		{"unsupported", provider.ErrUnsupported, http.StatusNotImplemented, CodeUnsupported},
		{"too large wins over unsupported", fmt.Errorf("%w: %w", transfer.ErrTooLarge, provider.ErrUnsupported), http.StatusRequestEntityTooLarge, CodeTooLarge},
		{"malformed", provider.ErrMalformedPath, http.StatusBadRequest, CodeInvalidPath},
		{"integrity", provider.ErrIntegrityMismatch, http.StatusUnprocessableEntity, CodeIntegrityMismatch},
		{"credential", provider.ErrCredentialRefreshFailed, http.StatusBadGateway, CodeCredentialRefresh},
		{"unavailable", provider.ErrBackendUnavailable, http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, CodeTimeout},
		{"cancelled", context.Canceled, StatusClientClosedRequest, CodeCancelled},
		{"other", stderrors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := Status(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestRespondWithError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/providers/mem/files/a.txt", nil)
	req = req.WithContext(context.WithValue(req.Context(), chimw.RequestIDKey, "req-1"))

	t.Run("provider error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		err := provider.NewError("Metadata", "mem", "/a.txt", provider.Errorf(provider.ErrNotFound, "no such object"))
		RespondWithError(rec, req, err)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var body HTTPErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, CodeNotFound, body.Error.Code)
		assert.Equal(t, "mem", body.Error.Provider)
		assert.Equal(t, "/a.txt", body.Error.Path)
		assert.Equal(t, "req-1", body.Error.RequestID)
		assert.Contains(t, body.Error.Message, "no such object")
	})

	t.Run("internal error hides detail", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RespondWithError(rec, req, stderrors.New("dial tcp 10.0.0.3:443: secret topology"))

		var body HTTPErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "internal error", body.Error.Message)
	})
}

func TestRouteHandlers(t *testing.T) {
	rec := httptest.NewRecorder()
	NotFoundHandler(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	MethodNotAllowedHandler(rec, httptest.NewRequest(http.MethodPatch, "/version", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeMethodNotAllowed, body.Error.Code)
}
