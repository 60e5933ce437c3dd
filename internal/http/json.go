package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	errs "github.com/target/mmk-dbp/internal/errors"
	obserrors "github.com/target/mmk-dbp/internal/observability/errors"
	"github.com/target/mmk-dbp/internal/service"
)

// DecodeJSON decodes JSON from the request body into the destination and handles errors.
// Returns true if successful, false if there was an error (error response already written).
// An empty body leaves dst untouched.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_json", Err: err})
		return false
	}

	return true
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := buf.WriteTo(w); err != nil {
		// Response writer errors (e.g., client disconnect) can't be recovered from here.
		return
	}
}

// ErrorParams groups parameters for WriteError.
type ErrorParams struct {
	Code    int
	ErrCode string
	Err     error
}

// WriteError writes a JSON error response using ErrorParams.
func WriteError(w http.ResponseWriter, p ErrorParams) {
	WriteJSON(w, p.Code, map[string]string{"error": p.ErrCode, "message": p.Err.Error()})
}

// writeServiceError maps engine errors to status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrCannotInterrupt):
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "cannot_interrupt", Err: err})
	case errors.Is(err, service.ErrQueueClosed):
		WriteError(w, ErrorParams{Code: http.StatusServiceUnavailable, ErrCode: "queue_closed", Err: err})
	case errs.IsDatabaseUnavailable(err):
		WriteError(w, ErrorParams{Code: http.StatusServiceUnavailable, ErrCode: "database_unavailable", Err: err})
	case errs.IsDataNotInDatabase(err):
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: err})
	case errs.IsProfileAlreadyRemoved(err):
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "already_removed", Err: err})
	case isValidationError(err):
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_request", Err: err})
	default:
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "internal_error", Err: err})
	}
}

type errorView struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

func viewOf(err error) errorView {
	return errorView{Class: obserrors.Classify(err), Message: err.Error()}
}

// batchResultView is the wire form of service.ErrorCollection.
type batchResultView struct {
	OK              bool        `json:"ok"`
	OneTimeError    *errorView  `json:"oneTimeError,omitempty"`
	OperationErrors []errorView `json:"operationErrors"`
}

func newBatchResultView(c service.ErrorCollection) batchResultView {
	v := batchResultView{OK: c.Empty(), OperationErrors: make([]errorView, 0, len(c.OperationErrors))}
	if c.OneTimeError != nil {
		e := viewOf(c.OneTimeError)
		v.OneTimeError = &e
	}
	for _, err := range c.OperationErrors {
		v.OperationErrors = append(v.OperationErrors, viewOf(err))
	}
	return v
}
