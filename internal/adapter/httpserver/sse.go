package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/observability"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

// StreamHandler serves task progress as Server-Sent Events. The first event
// carries the snapshot at attach time; afterwards events are emitted on change
// or at the heartbeat interval, and the terminal snapshot is always last.
func (s *Server) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal), nil)
			return
		}
		taskID := chi.URLParam(r, "taskID")

		// SSE headers are committed on the first event so that an attach
		// failure (unknown task) can still produce a JSON error response.
		started := false
		err := s.Stream.Stream(r.Context(), userID(r), taskID, func(snap domain.ProgressSnapshot) error {
			if !started {
				w.Header().Set("Content-Type", "text/event-stream")
				w.Header().Set("Cache-Control", "no-cache")
				w.Header().Set("Connection", "keep-alive")
				w.WriteHeader(http.StatusOK)
				started = true
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				return err
			}
			event := "progress"
			if domain.IsTerminal(snap.Status) {
				event = string(snap.Status)
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		})
		if err != nil && !started {
			writeError(w, r, err, nil)
			return
		}
		if err != nil && !errors.Is(err, r.Context().Err()) {
			// The stream already carries data; all we can do is log and close.
			s.logStreamError(r, taskID, err)
		}
	}
}

func (s *Server) logStreamError(r *http.Request, taskID string, err error) {
	observability.LoggerFromContext(r.Context()).Warn("progress stream aborted",
		slog.String("task_id", taskID), slog.Any("err", err))
}
