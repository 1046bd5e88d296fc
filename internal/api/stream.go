package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rocketopp/ignition/internal/ignition"
	"github.com/rocketopp/ignition/internal/install"
)

// streamExecute runs a skill and streams its progress events as SSE frames.
// The run is detached from the request context: a client disconnect stops
// the stream but actions already in flight run to completion and are logged,
// so the durable history loses nothing.
func (h *Handler) streamExecute(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	inst, err := h.installs.Get(r.Context(), sess.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	skill, err := h.installs.Skill(r.Context(), inst)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	var input map[string]interface{}
	if raw := r.URL.Query().Get("input"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			writeFail(w, http.StatusBadRequest, "input must be URL-encoded JSON")
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeFail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Refuse before committing to an event stream so the client gets a
	// proper JSON error instead of a broken SSE response.
	if inst.Status != install.StatusActive {
		h.writeErr(w, fmt.Errorf("%w: status is %s", ignition.ErrNotActive, inst.Status))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emitter := ignition.NewEmitter()
	events := make(chan ignition.Event, 64)
	stop := make(chan struct{})

	// The listener may be mid-send when the client goes away; stop unblocks
	// it so the engine goroutine is never stranded.
	unsubscribe := emitter.Subscribe(func(ev ignition.Event) {
		select {
		case events <- ev:
		case <-stop:
		}
	})
	defer func() {
		close(stop)
		unsubscribe()
	}()

	runCtx := context.WithoutCancel(r.Context())
	go func() {
		if _, err := h.engine.Execute(runCtx, inst, skill, input, emitter); err != nil {
			h.logger.Error("streamed execution failed to start", zap.Error(err))
			emitter.Emit(ignition.Event{Type: ignition.EventError, Error: err.Error()})
		}
	}()

	for {
		select {
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("encode progress event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if ev.Type == ignition.EventComplete || ev.Type == ignition.EventError {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
