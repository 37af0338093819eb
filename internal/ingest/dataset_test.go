package ingest

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

const sampleDataset = `{"id": "evt-1", "summary": "standup", "creator": {"email": "alice@example.com"}}
{"id": 2, "creator": {"email": "bob@example.com"}}
{"id": "evt-3", "creator": {"email": "alice@example.com"
not json at all

{"id": "evt-4", "creator": {}}
{"creator": {"email": "carol@example.com"}}
{"id": {"nested": true}, "creator": {"email": "carol@example.com"}}
{"id": "", "creator": {"email": "carol@example.com"}}
{"id": "evt-5", "creator": {"email": "carol@example.com"}}
`

func TestReadEventsSkipsMalformedRecords(t *testing.T) {
	events, err := ReadEvents(strings.NewReader(sampleDataset), discardLogger())
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}

	want := []struct{ id, identity string }{
		{"evt-1", "alice@example.com"},
		{"2", "bob@example.com"},
		{"evt-5", "carol@example.com"},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, w := range want {
		if events[i].ID != w.id || events[i].RequesterIdentity != w.identity {
			t.Errorf("events[%d] = %s/%s, want %s/%s", i, events[i].ID, events[i].RequesterIdentity, w.id, w.identity)
		}
	}

	if !strings.Contains(string(events[0].Payload), `"summary": "standup"`) {
		t.Errorf("payload = %s, want the raw record", events[0].Payload)
	}
}

func TestReadEventsEmptyInput(t *testing.T) {
	events, err := ReadEvents(strings.NewReader(""), discardLogger())
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want 0", len(events))
	}
}

func TestLoadEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, []byte(sampleDataset), 0o644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}

	events, err := LoadEvents(path, discardLogger())
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want 3", len(events))
	}
}

func TestLoadEventsMissingFile(t *testing.T) {
	_, err := LoadEvents(filepath.Join(t.TempDir(), "missing.jsonl"), discardLogger())
	if err == nil {
		t.Fatal("expected error for missing dataset")
	}
}

func TestUniqueIdentities(t *testing.T) {
	events, err := ReadEvents(strings.NewReader(sampleDataset), discardLogger())
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	events = append(events, events[0])

	got := UniqueIdentities(events)
	want := []string{"alice@example.com", "bob@example.com", "carol@example.com"}
	if len(got) != len(want) {
		t.Fatalf("UniqueIdentities = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("UniqueIdentities[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantID  string
		wantErr bool
	}{
		{"string id", `{"id": "e1", "creator": {"email": "a@x"}}`, "e1", false},
		{"numeric id", `{"id": 42, "creator": {"email": "a@x"}}`, "42", false},
		{"invalid json", `{"id": "e1"`, "", true},
		{"object id", `{"id": {}, "creator": {"email": "a@x"}}`, "", true},
		{"empty id", `{"id": "", "creator": {"email": "a@x"}}`, "", true},
		{"missing creator", `{"id": "e1"}`, "", true},
		{"numeric email", `{"id": "e1", "creator": {"email": 7}}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseEvent([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRecord) {
					t.Errorf("ParseEvent err = %v, want ErrInvalidRecord", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEvent: %v", err)
			}
			if e.ID != tt.wantID || e.RequesterIdentity != "a@x" {
				t.Errorf("event = %s/%s, want %s/a@x", e.ID, e.RequesterIdentity, tt.wantID)
			}
			if string(e.Payload) != tt.raw {
				t.Errorf("payload = %s, want the raw record", e.Payload)
			}
		})
	}
}
