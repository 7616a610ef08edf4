package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/n1hub/deepmine/internal/events"
	"github.com/n1hub/deepmine/internal/log"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

type streamHandler struct {
	bus    *events.Bus
	logger log.Logger
}

// stream pushes job progress events over Server-Sent Events until the
// client disconnects or the bus shuts down.
func (h *streamHandler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, ch := h.bus.Subscribe()
	defer h.bus.Unsubscribe(id)
	h.logger.Debug("sse subscriber connected", "subscriber", id,
		"request_id", requestIDFromContext(r.Context()))

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, open := <-ch:
			if !open {
				return
			}
			if err := writeEvent(w, "job", ev); err != nil {
				h.logger.Debug("sse write failed, dropping subscriber",
					"subscriber", id, "error", err)
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes one SSE frame with an event name and JSON payload.
func writeEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("writing event frame: %w", err)
	}
	return nil
}
