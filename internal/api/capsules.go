package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/n1hub/deepmine/internal/capsule"
	"github.com/n1hub/deepmine/internal/job"
	"github.com/n1hub/deepmine/internal/log"
	"github.com/n1hub/deepmine/internal/rag"
	"github.com/n1hub/deepmine/internal/store"
)

// splitScope turns the comma-separated scope query parameter into the list
// form the retrieval engine takes.
func splitScope(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

type capsuleHandler struct {
	store  store.Store
	logger log.Logger
}

// list returns capsules visible under the requested scope. The scope query
// parameter is a comma-separated list taking the same values as chat (my,
// public, inbox, or tags); status and include_in_rag override the scope's
// defaults so curators can browse drafts and opted-out capsules.
func (h *capsuleHandler) list(w http.ResponseWriter, r *http.Request) {
	sc, err := rag.ParseScope(splitScope(r.URL.Query().Get("scope")), actorFrom(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, errorBody{
			Category: job.CategoryValidation,
			Code:     job.CodeValidationFailed,
			Message:  err.Error(),
		})
		return
	}
	filter := sc.Filter(time.Now())

	if raw := r.URL.Query().Get("include_in_rag"); raw != "" {
		include, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errorBody{
				Category: job.CategoryValidation,
				Code:     job.CodeValidationFailed,
				Message:  "include_in_rag must be a boolean",
			})
			return
		}
		filter.IncludeInRAG = &include
	}
	if status := r.URL.Query().Get("status"); status != "" {
		if !capsule.ValidStatus(status) {
			writeError(w, http.StatusBadRequest, errorBody{
				Category: job.CategoryValidation,
				Code:     job.CodeValidationFailed,
				Message:  "unknown status " + strconv.Quote(status),
			})
			return
		}
		filter.Status = status
	}
	filter.Limit = intQuery(r, "limit", 200)

	capsules, err := h.store.ListCapsules(r.Context(), filter)
	if err != nil {
		h.logger.Error("listing capsules", "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"capsules": capsules})
}

func (h *capsuleHandler) get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := h.store.GetCapsule(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	links, err := h.store.ListLinks(r.Context(), id)
	if err != nil {
		h.logger.Error("listing capsule links", "error", err, "capsule_id", id)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"capsule": c,
		"links":   links,
	})
}

// patch applies a partial curation update. Every changed field lands in the
// audit trail attributed to the acting user.
func (h *capsuleHandler) patch(w http.ResponseWriter, r *http.Request) {
	var p store.CapsulePatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{
			Category: job.CategoryValidation,
			Code:     job.CodeValidationFailed,
			Message:  "malformed request body: " + err.Error(),
		})
		return
	}

	id := r.PathValue("id")
	actor := actorFrom(r)
	c, err := h.store.PatchCapsule(r.Context(), id, p, actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.logger.Info("capsule patched", "capsule_id", id, "actor", actor,
		"request_id", requestIDFromContext(r.Context()))
	writeJSON(w, http.StatusOK, c)
}

// intQuery parses a positive integer query parameter, falling back to def.
func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
