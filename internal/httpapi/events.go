package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"duoclean.org/internal/cleanup"
)

const eventsKeepAlive = 15 * time.Second

// streamRunEvents serves GET /v1/runs/{id}/events as Server-Sent Events. The stream
// ends after the run's finished event, or immediately if the run is already over.
func (a *API) streamRunEvents(w http.ResponseWriter, r *http.Request, id string) {
	if a.svc.Events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading the status so a finish in between is not lost.
	ch := a.svc.Events.Subscribe(ctx)
	rec, err := a.svc.Runs.GetRunStatus(ctx, id)
	if err != nil {
		handleRunError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	if rec.Status.Terminal() {
		writeEvent(w, cleanup.Event{Type: cleanup.EventFinished, RunID: id, At: time.Now().UTC(), Run: &rec})
		_ = rc.Flush()
		return
	}

	ticker := time.NewTicker(eventsKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.RunID != id {
				continue
			}
			writeEvent(w, evt)
			if err := rc.Flush(); err != nil || evt.Type == cleanup.EventFinished {
				return
			}
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			if err := rc.Flush(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-a.streams.Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, evt cleanup.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: " + string(evt.Type) + "\ndata: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}
