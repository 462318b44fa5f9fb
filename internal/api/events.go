package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"git.home.luguber.info/inful/buildcoord/internal/logfields"
	"git.home.luguber.info/inful/buildcoord/internal/notify"
)

// streamIdleTimeout closes an event stream that saw no events.
const streamIdleTimeout = 60 * time.Second

// handleEvents streams the status transitions of one entity as server-sent
// events. The stream ends after a terminal status.
func (s *Server) handleEvents(kind notify.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		events := make(chan notify.Event, 16)
		done := make(chan struct{})
		defer close(done)
		sub, err := s.backend.Dispatcher().Subscribe(kind, func(ctx context.Context, evt notify.Event) error {
			select {
			case events <- evt:
			case <-ctx.Done():
			case <-done:
			}
			return nil
		}, notify.ForEntity(id))
		if err != nil {
			s.Error(w, r, err)
			return
		}
		defer sub.Unsubscribe()

		// Subscribe before reading the current state so no transition is
		// missed between the two.
		current, terminal, err := s.currentStatus(r, kind, id)
		if err != nil {
			s.Error(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		s.sendSSEEvent(w, "snapshot", current)
		if terminal {
			return
		}
		s.logger.Debug("Event stream opened", slog.String("entity_id", id), logfields.EventKind(string(kind)))

		timeout := time.NewTimer(streamIdleTimeout)
		defer timeout.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-timeout.C:
				s.sendSSEEvent(w, "timeout", map[string]string{"entity_id": id})
				return
			case evt := <-events:
				s.sendSSEEvent(w, "status", evt)
				if evt.NewStatus.IsTerminal() {
					return
				}
				timeout.Reset(streamIdleTimeout)
			}
		}
	}
}

func (s *Server) currentStatus(r *http.Request, kind notify.Kind, id string) (any, bool, error) {
	if kind == notify.KindGroupBuildStatusChanged {
		g, err := s.backend.GetGroupBuild(r.Context(), id)
		if err != nil {
			return nil, false, err
		}
		return g, g.Status.IsTerminal(), nil
	}
	rec, err := s.backend.GetBuild(r.Context(), id)
	if err != nil {
		return nil, false, err
	}
	return rec, rec.Status.IsTerminal(), nil
}

// sendSSEEvent writes one named event and flushes it.
func (s *Server) sendSSEEvent(w http.ResponseWriter, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal SSE event", logfields.Error(err))
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
