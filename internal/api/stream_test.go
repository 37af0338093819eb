package api

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/relay/internal/engine"
	"github.com/seantiz/relay/internal/model"
)

func createPendingRun(t *testing.T, srv *Server) *model.RunSummary {
	t.Helper()
	r := &model.RunSummary{
		RunID:         model.NewID(),
		Status:        model.RunPending,
		NumAgents:     1,
		TotalEvents:   2,
		FailurePolicy: model.PolicyAgentObtained,
		CreatedAt:     time.Now().UTC(),
	}
	if err := srv.store.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return r
}

// readSSE collects data payloads and the payload of the done event.
func readSSE(t *testing.T, body io.Reader) (data []string, done string) {
	t.Helper()
	scanner := bufio.NewScanner(body)
	inDone := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: done" {
			inDone = true
			continue
		}
		d, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if inDone {
			done = d
			inDone = false
			continue
		}
		data = append(data, d)
	}
	return data, done
}

func getStream(t *testing.T, ts *httptest.Server, id string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/runs/"+id+"/stream", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	return resp
}

func TestStreamRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/nonexistent/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamFinishedRun(t *testing.T) {
	srv := newTestServer(t)
	r := createPendingRun(t, srv)

	failed := *r
	failed.Status = model.RunFailed
	failed.Error = "build pool: invalid pool config"
	if err := srv.store.FinishRun(context.Background(), &failed); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := getStream(t, ts, r.RunID)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	data, done := readSSE(t, resp.Body)
	if len(data) != 0 || done != model.RunFailed {
		t.Errorf("data/done = %v/%q, want none/failed", data, done)
	}
}

func TestStreamOrphanedRunEndsImmediately(t *testing.T) {
	srv := newTestServer(t)
	r := createPendingRun(t, srv)

	// Running in the store but unknown to this engine, as after a crash.
	if err := srv.store.UpdateRunStatus(context.Background(), r.RunID, model.RunRunning); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := getStream(t, ts, r.RunID)
	defer resp.Body.Close()

	_, done := readSSE(t, resp.Body)
	if done != model.RunRunning {
		t.Errorf("done = %q, want stored status running", done)
	}
}

func TestStreamRunReceivesOutcomes(t *testing.T) {
	srv := newTestServer(t)
	r := createPendingRun(t, srv)
	ctx := context.Background()
	if err := srv.store.UpdateRunStatus(ctx, r.RunID, model.RunRunning); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	broker := srv.engine.Broker()
	broker.Open(r.RunID)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := getStream(t, ts, r.RunID)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	broker.Publish(r.RunID, engine.Outcome{EventID: "e1", Result: engine.OutcomeCompleted})
	broker.Publish(r.RunID, engine.Outcome{EventID: "e2", Result: engine.OutcomeTimedOut})

	finished := *r
	finished.Status = model.RunDone
	if err := srv.store.FinishRun(ctx, &finished); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	broker.Close(r.RunID)

	data, done := readSSE(t, resp.Body)
	if len(data) != 2 {
		t.Fatalf("data lines = %v, want 2 outcomes", data)
	}
	if !strings.Contains(data[0], `"e1"`) || !strings.Contains(data[1], `"timed_out"`) {
		t.Errorf("outcomes = %v", data)
	}
	if done != model.RunDone {
		t.Errorf("done = %q, want done", done)
	}
}
