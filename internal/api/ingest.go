package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/n1hub/deepmine/internal/config"
	"github.com/n1hub/deepmine/internal/job"
	"github.com/n1hub/deepmine/internal/log"
	"github.com/n1hub/deepmine/internal/pipeline"
	"github.com/n1hub/deepmine/internal/store"
)

type jobHandler struct {
	runner *pipeline.Runner
	store  store.JobStore
	cfg    *config.Config
	logger log.Logger
}

type ingestBody struct {
	Text         string   `json:"text"`
	SourceKind   string   `json:"source_kind"`
	SourceRef    string   `json:"source_ref"`
	PrivacyLevel string   `json:"privacy_level"`
	Tags         []string `json:"tags"`
	IncludeInRAG *bool    `json:"include_in_rag"`
}

// ingest accepts raw text and enqueues a mining job. Replays carrying the
// same Idempotency-Key return the original job.
func (h *jobHandler) ingest(w http.ResponseWriter, r *http.Request) {
	// Cap the body read one MiB above the admission ceiling so oversize
	// payloads still reach Submit and fail with PayloadTooLarge instead of
	// a bare connection error.
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxPayloadBytes()+(1<<20))

	var body ingestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errorBody{
				Category: job.CategoryAdmission,
				Code:     job.CodePayloadTooLarge,
				Message:  "payload exceeds the ingestion ceiling",
			})
			return
		}
		writeError(w, http.StatusBadRequest, errorBody{
			Category: job.CategoryValidation,
			Code:     job.CodeValidationFailed,
			Message:  "malformed request body: " + err.Error(),
		})
		return
	}
	if body.Text == "" {
		writeError(w, http.StatusBadRequest, errorBody{
			Category: job.CategoryValidation,
			Code:     job.CodeValidationFailed,
			Message:  "text is required",
		})
		return
	}

	j, err := h.runner.Submit(r.Context(), pipeline.IngestRequest{
		Owner:          actorFrom(r),
		Text:           body.Text,
		SourceKind:     body.SourceKind,
		SourceRef:      body.SourceRef,
		PrivacyLevel:   body.PrivacyLevel,
		Tags:           body.Tags,
		IncludeInRAG:   body.IncludeInRAG,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.logger.Info("ingest accepted",
		"job_id", j.ID, "owner", j.Owner, "bytes", len(body.Text),
		"request_id", requestIDFromContext(r.Context()))
	writeJSON(w, http.StatusAccepted, j)
}

func (h *jobHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 100)
	jobs, err := h.store.ListJobs(r.Context(), limit)
	if err != nil {
		h.logger.Error("listing jobs", "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *jobHandler) get(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// cancel requests cancellation. Jobs at or past indexing reject it with a
// 409 conflict.
func (h *jobHandler) cancel(w http.ResponseWriter, r *http.Request) {
	j, err := h.runner.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.logger.Info("job cancelled", "job_id", j.ID,
		"request_id", requestIDFromContext(r.Context()))
	writeJSON(w, http.StatusOK, j)
}
