package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/relay/internal/engine"
	"github.com/seantiz/relay/internal/ingest"
	"github.com/seantiz/relay/internal/model"
	"github.com/seantiz/relay/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 8 << 20 // 8 MB
)

// createRunRequest is the JSON body for POST /v1/runs. Durations are in
// milliseconds; zero selects the default.
type createRunRequest struct {
	NumAgents         int               `json:"num_agents"`
	CapabilityGroups  [][]string        `json:"capability_groups"`
	Events            []json.RawMessage `json:"events"`
	BackoffMS         int64             `json:"backoff_ms"`
	CheckoutTimeoutMS int64             `json:"checkout_timeout_ms"`
	FailurePolicy     string            `json:"failure_policy"`
	MinProcessingMS   int64             `json:"min_processing_ms"`
	MaxProcessingMS   int64             `json:"max_processing_ms"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.RunSummary `json:"runs"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// toRunRequest converts the body into an engine request, parsing each event
// record the same way the dataset reader does.
func (req createRunRequest) toRunRequest() (engine.RunRequest, error) {
	for name, v := range map[string]int64{
		"backoff_ms":          req.BackoffMS,
		"checkout_timeout_ms": req.CheckoutTimeoutMS,
		"min_processing_ms":   req.MinProcessingMS,
		"max_processing_ms":   req.MaxProcessingMS,
	} {
		if v < 0 {
			return engine.RunRequest{}, fmt.Errorf("%s must not be negative", name)
		}
	}

	events := make([]*model.Event, 0, len(req.Events))
	for i, raw := range req.Events {
		e, err := ingest.ParseEvent(raw)
		if err != nil {
			return engine.RunRequest{}, fmt.Errorf("events[%d]: %w", i, err)
		}
		events = append(events, e)
	}

	return engine.RunRequest{
		NumAgents:       req.NumAgents,
		Groups:          req.CapabilityGroups,
		Events:          events,
		Backoff:         time.Duration(req.BackoffMS) * time.Millisecond,
		CheckoutTimeout: time.Duration(req.CheckoutTimeoutMS) * time.Millisecond,
		FailurePolicy:   req.FailurePolicy,
		MinProcessing:   time.Duration(req.MinProcessingMS) * time.Millisecond,
		MaxProcessing:   time.Duration(req.MaxProcessingMS) * time.Millisecond,
	}, nil
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var body createRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		runSubmissions.WithLabelValues(submitRejected).Inc()
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req, err := body.toRunRequest()
	if err != nil {
		runSubmissions.WithLabelValues(submitRejected).Inc()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := s.engine.Submit(r.Context(), req)
	if errors.Is(err, engine.ErrInvalidRequest) {
		runSubmissions.WithLabelValues(submitRejected).Inc()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, engine.ErrShuttingDown) {
		runSubmissions.WithLabelValues(submitRejected).Inc()
		s.writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	if err != nil {
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	runSubmissions.WithLabelValues(submitAccepted).Inc()
	submittedEvents.Add(float64(summary.TotalEvents))
	s.logger.Info("run submitted", "run_id", summary.RunID, "events", summary.TotalEvents, "agents", summary.NumAgents)
	s.writeJSON(w, http.StatusAccepted, summary)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agentID := chi.URLParam(r, "agentID")

	report, err := s.store.GetAgentReport(r.Context(), id, agentID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "agent report not found")
		return
	}
	if err != nil {
		s.logger.Error("get agent report", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get agent report")
		return
	}

	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.RunSummary{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
