package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/stepwise/internal/events"
)

// eventStream streams bus events to Server-Sent Events clients.
type eventStream struct {
	bus           *events.Bus
	heartbeatFreq time.Duration
	clients       atomic.Int32
}

func newEventStream(bus *events.Bus) *eventStream {
	return &eventStream{bus: bus, heartbeatFreq: 30 * time.Second}
}

// ServeHTTP streams events until the client goes away or the bus closes.
// Query parameters: workflow_id filters by workflow, types is a comma
// separated list of event types.
func (h *eventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	workflowID := r.URL.Query().Get("workflow_id")
	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}

	ch := h.bus.Subscribe(types...)
	defer h.bus.Unsubscribe(ch)
	h.clients.Add(1)
	defer h.clients.Add(-1)

	h.sendEvent(w, flusher, "connected", map[string]any{
		"workflow_id": workflowID,
		"types":       types,
	})

	heartbeat := time.NewTicker(h.heartbeatFreq)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if workflowID != "" && event.WorkflowID() != workflowID {
				continue
			}
			h.sendEvent(w, flusher, event.EventType(), event)
		}
	}
}

func (h *eventStream) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, jsonData)
	flusher.Flush()
}
