package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/n1hub/deepmine/internal/job"
	"github.com/n1hub/deepmine/internal/log"
	"github.com/n1hub/deepmine/internal/rag"
)

type chatHandler struct {
	engine *rag.Engine
	logger log.Logger
}

type chatResult struct {
	*rag.ChatResponse
	Fallback bool `json:"fallback"`
}

// chat answers one grounded question. A fallback answer is still a 200;
// the flag lets clients render it differently.
func (h *chatHandler) chat(w http.ResponseWriter, r *http.Request) {
	var req rag.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{
			Category: job.CategoryValidation,
			Code:     job.CodeValidationFailed,
			Message:  "malformed request body: " + err.Error(),
		})
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, errorBody{
			Category: job.CategoryValidation,
			Code:     job.CodeValidationFailed,
			Message:  "query is required",
		})
		return
	}
	req.Actor = actorFrom(r)

	resp, err := h.engine.Answer(r.Context(), req)
	if err != nil {
		if errors.Is(err, rag.ErrInvalidScope) {
			writeError(w, http.StatusBadRequest, errorBody{
				Category: job.CategoryValidation,
				Code:     job.CodeValidationFailed,
				Message:  err.Error(),
			})
			return
		}
		h.logger.Error("answering chat query", "error", err,
			"request_id", requestIDFromContext(r.Context()))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResult{
		ChatResponse: resp,
		Fallback:     resp.Answer == rag.FallbackAnswer,
	})
}
