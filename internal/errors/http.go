// Package errors renders errors as HTTP responses.
//
// Every error body has the shape
//
//	{"error":{"code":"NOT_FOUND","message":"...","provider":"...","path":"...","request_id":"..."}}
//
// and the status and code are derived from the provider.ErrorKind carried by
// the error.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/transfer"
)

// Error codes.
const (
	CodeBadRequest          = "BAD_REQUEST"
	CodeInvalidPath         = "INVALID_PATH"
	CodeNotFound            = "NOT_FOUND"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodePreconditionFailed  = "PRECONDITION_FAILED"
	CodeConflict            = "CONFLICT"
	CodeRangeNotSatisfiable = "RANGE_NOT_SATISFIABLE"
	CodeTooLarge            = "PAYLOAD_TOO_LARGE"
	CodeUnsupported         = "UNSUPPORTED_OPERATION"
	CodeIntegrityMismatch   = "INTEGRITY_MISMATCH"
	CodeCredentialRefresh   = "CREDENTIAL_REFRESH_FAILED"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeTimeout             = "TIMEOUT"
	CodeCancelled           = "CANCELLED"
	CodeTooManyRequests     = "TOO_MANY_REQUESTS"
	CodeInternal            = "INTERNAL_ERROR"
)

// StatusClientClosedRequest is reported when the caller went away.
const StatusClientClosedRequest = 499

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Provider  string         `json:"provider,omitempty"`
	Path      string         `json:"path,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse wraps HTTPError.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// Status returns the HTTP status and error code for err.
func Status(err error) (int, string) {
	if stderrors.Is(err, transfer.ErrTooLarge) {
		return http.StatusRequestEntityTooLarge, CodeTooLarge
	}
	switch provider.KindOf(err) {
	case provider.KindNotFound:
		return http.StatusNotFound, CodeNotFound
	case provider.KindPermissionDenied:
		return http.StatusForbidden, CodePermissionDenied
	case provider.KindPreconditionFailed:
		return http.StatusPreconditionFailed, CodePreconditionFailed
	case provider.KindConflictOnOverwrite:
		return http.StatusConflict, CodeConflict
	case provider.KindRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable, CodeRangeNotSatisfiable
	case provider.KindUnsupportedOperation:
		return http.StatusNotImplemented, CodeUnsupported
	case provider.KindMalformedPath:
		return http.StatusBadRequest, CodeInvalidPath
	case provider.KindIntegrityMismatch:
		return http.StatusUnprocessableEntity, CodeIntegrityMismatch
	case provider.KindCredentialRefreshFailed:
		return http.StatusBadGateway, CodeCredentialRefresh
	case provider.KindBackendUnavailable:
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	case provider.KindTimeout:
		return http.StatusGatewayTimeout, CodeTimeout
	case provider.KindCancelled:
		return StatusClientClosedRequest, CodeCancelled
	}
	return http.StatusInternalServerError, CodeInternal
}

// FromError builds the body for err. Internal errors carry a generic
// message; raw backend bodies are never exposed.
func FromError(r *http.Request, err error) (int, HTTPError) {
	status, code := Status(err)
	body := HTTPError{Code: code, Message: err.Error()}
	var pe *provider.ProviderError
	if stderrors.As(err, &pe) {
		body.Provider = pe.Provider
		body.Path = pe.Path
		if pe.Err != nil {
			body.Message = pe.Err.Error()
		}
	}
	if status == http.StatusInternalServerError {
		body.Message = "internal error"
	}
	if r != nil {
		body.RequestID = chimw.GetReqID(r.Context())
	}
	return status, body
}

// RespondWithError writes err as a JSON error response.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := FromError(r, err)
	Write(w, status, body)
}

// Respond writes an error response with an explicit status and code.
func Respond(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	body := HTTPError{Code: code, Message: message}
	if r != nil {
		body.RequestID = chimw.GetReqID(r.Context())
	}
	Write(w, status, body)
}

// Write encodes body with status.
func Write(w http.ResponseWriter, status int, body HTTPError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}

// NotFoundHandler answers unrouted requests.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	Respond(w, r, http.StatusNotFound, CodeNotFound, "no route for "+r.Method+" "+r.URL.Path)
}

// MethodNotAllowedHandler answers requests with an unsupported method.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	Respond(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method "+r.Method+" not allowed on "+r.URL.Path)
}
