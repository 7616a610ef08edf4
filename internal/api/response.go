package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/n1hub/deepmine/internal/capsule"
	"github.com/n1hub/deepmine/internal/job"
	"github.com/n1hub/deepmine/internal/store"
)

// errorBody is the structured error envelope carried by every non-2xx
// response.
type errorBody struct {
	Category string          `json:"category"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Issues   []capsule.Issue `json:"issues,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeJSON writes a JSON response with the given status code. The body is
// encoded into a buffer first so headers are only sent after successful
// encoding.
func writeJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		slog.Error("encoding JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Debug("writing response body", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, errorEnvelope{Error: body})
}

// writeDomainError maps a domain error to its HTTP status and envelope.
func writeDomainError(w http.ResponseWriter, err error) {
	var jerr *job.Error
	switch {
	case errors.As(err, &jerr):
		writeError(w, statusForCode(jerr.Code), errorBody{
			Category: jerr.Category,
			Code:     jerr.Code,
			Message:  jerr.Message,
			Issues:   jerr.Issues,
		})
	case errors.Is(err, job.ErrCancellationRejected):
		writeError(w, http.StatusConflict, errorBody{
			Category: job.CategoryCancelled,
			Code:     job.CodeCancellationRejected,
			Message:  err.Error(),
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, errorBody{
			Category: job.CategoryValidation,
			Code:     "NotFound",
			Message:  err.Error(),
		})
	case errors.Is(err, store.ErrInvalidPatch):
		writeError(w, http.StatusBadRequest, errorBody{
			Category: job.CategoryValidation,
			Code:     job.CodeValidationFailed,
			Message:  err.Error(),
		})
	default:
		writeError(w, http.StatusInternalServerError, errorBody{
			Category: job.CategoryInternal,
			Code:     job.CodeInternal,
			Message:  "internal server error",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case job.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case job.CodeConcurrencyExceeded:
		return http.StatusTooManyRequests
	case job.CodeCancellationRejected:
		return http.StatusConflict
	case job.CodeValidationFailed:
		return http.StatusUnprocessableEntity
	case job.CodeUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
