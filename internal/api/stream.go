package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/relay/internal/store"
)

// handleStreamRun streams one JSON dispatch outcome per SSE data event while
// the run is live in this engine, then a "done" event carrying the run's
// stored status. Runs that are not live (finished, or left running by an
// earlier process) get the done event at once.
func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run for stream", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsub, live := s.engine.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	if live {
		rc := http.NewResponseController(w)
		if err := rc.SetWriteDeadline(time.Time{}); err != nil {
			s.logger.Error("set write deadline for SSE", "error", err)
		}
		if canFlush {
			flusher.Flush()
		}

		for open := true; open; {
			select {
			case o, ok := <-ch:
				if !ok {
					open = false
					break
				}
				line, err := json.Marshal(o)
				if err != nil {
					s.logger.Error("encode dispatch outcome", "error", err)
					continue
				}
				if err := writeSSEData(w, string(line)); err != nil {
					return
				}
				if canFlush {
					flusher.Flush()
				}
			case <-r.Context().Done():
				return
			}
		}
	}

	// The engine archives the report before closing the stream, so the stored
	// status is final unless the run was orphaned by an earlier process.
	status := "unknown"
	if run, err := s.store.GetRun(r.Context(), id); err == nil {
		status = run.Status
	} else {
		s.logger.Error("get run status for stream", "run_id", id, "error", err)
	}
	_ = writeSSEEvent(w, "done", status)
	if canFlush {
		flusher.Flush()
	}
}

// writeSSEData writes line as one SSE data event, one "data:" field per line.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
