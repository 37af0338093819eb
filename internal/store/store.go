package store

import (
	"context"
	"errors"

	"github.com/seantiz/relay/internal/model"
)

// ErrInvalidTransition is returned when a run status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store archives dispatch run reports.
type Store interface {
	CreateRun(ctx context.Context, r *model.RunSummary) error
	UpdateRunStatus(ctx context.Context, id, status string) error
	// FinishRun records the final counters and agent histories of a run.
	FinishRun(ctx context.Context, r *model.RunSummary) error
	// GetRun returns a run together with its agent reports.
	GetRun(ctx context.Context, id string) (*model.RunSummary, error)
	// ListRuns returns runs without agent reports, newest first, and the total count.
	ListRuns(ctx context.Context, limit, offset int) ([]*model.RunSummary, int, error)
	GetAgentReport(ctx context.Context, runID, agentID string) (*model.AgentReport, error)
	Ping(ctx context.Context) error
	Close() error
}
