package api

import (
	"net/http"

	"github.com/n1hub/deepmine/internal/log"
	"github.com/n1hub/deepmine/internal/report"
)

type reportHandler struct {
	reporter *report.Reporter
	logger   log.Logger
}

func (h *reportHandler) retrieval(w http.ResponseWriter, r *http.Request) {
	rep, err := h.reporter.Retrieval(r.Context(), intQuery(r, "window_days", report.DefaultWindowDays))
	if err != nil {
		h.logger.Error("building retrieval report", "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *reportHandler) router(w http.ResponseWriter, r *http.Request) {
	rep, err := h.reporter.Router(r.Context(), intQuery(r, "window_days", report.DefaultWindowDays))
	if err != nil {
		h.logger.Error("building router report", "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *reportHandler) semanticHash(w http.ResponseWriter, r *http.Request) {
	rep, err := h.reporter.SemanticHash(r.Context())
	if err != nil {
		h.logger.Error("building semantic hash report", "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *reportHandler) pii(w http.ResponseWriter, r *http.Request) {
	rep, err := h.reporter.PII(r.Context())
	if err != nil {
		h.logger.Error("building pii report", "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
