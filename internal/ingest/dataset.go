package ingest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/tidwall/gjson"

	"github.com/seantiz/relay/internal/model"
)

// maxLineBytes bounds a single dataset record.
const maxLineBytes = 4 << 20

// Dataset field paths.
const (
	idPath       = "id"
	identityPath = "creator.email"
)

var (
	// ErrNoIdentity is returned when grouping is requested for an empty identity set.
	ErrNoIdentity = errors.New("no requester identities")
	// ErrInvalidRecord is returned by ParseEvent for an unusable record.
	ErrInvalidRecord = errors.New("invalid event record")
)

// LoadEvents reads a JSON-lines dataset from path.
func LoadEvents(path string, logger *slog.Logger) ([]*model.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	events, err := ReadEvents(f, logger)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	return events, nil
}

// ReadEvents parses one JSON record per line. A record needs a scalar "id" and
// a string "creator.email"; records that are not valid JSON or lack either
// field are skipped and logged. Blank lines are ignored.
func ReadEvents(r io.Reader, logger *slog.Logger) ([]*model.Event, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var events []*model.Event
	for idx := 0; sc.Scan(); idx++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		e, err := ParseEvent(line)
		if err != nil {
			logger.Warn("skipping dataset record", "index", idx, "error", err)
			continue
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	logger.Info("dataset loaded", "events", len(events))
	return events, nil
}

// ParseEvent builds an event from a single JSON record. The record is kept
// verbatim as the event payload.
func ParseEvent(raw []byte) (*model.Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidRecord)
	}

	id := gjson.GetBytes(raw, idPath)
	switch id.Type {
	case gjson.String, gjson.Number:
	default:
		return nil, fmt.Errorf("%w: missing or non-scalar id", ErrInvalidRecord)
	}
	if id.String() == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}

	identity := gjson.GetBytes(raw, identityPath)
	if identity.Type != gjson.String || identity.String() == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidRecord, identityPath)
	}

	return model.NewEvent(id.String(), identity.String(), slices.Clone(raw)), nil
}

// UniqueIdentities returns the distinct requester identities of events, sorted.
func UniqueIdentities(events []*model.Event) []string {
	seen := make(map[string]struct{}, len(events))
	var out []string
	for _, e := range events {
		if _, ok := seen[e.RequesterIdentity]; ok {
			continue
		}
		seen[e.RequesterIdentity] = struct{}{}
		out = append(out, e.RequesterIdentity)
	}
	slices.Sort(out)
	return out
}
