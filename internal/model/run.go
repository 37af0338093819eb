package model

import "time"

// Execution status constants recorded in agent history.
const (
	ExecutionSuccess = "success"
	ExecutionError   = "error"
)

// Run status constants.
const (
	RunPending = "pending"
	RunRunning = "running"
	RunDone    = "done"
	RunFailed  = "failed"
)

// Failure policy constants select what the dispatcher counts as a failed
// dispatch.
const (
	// PolicyAgentObtained counts a dispatch as completed once an agent was
	// obtained and released, regardless of the execution outcome.
	PolicyAgentObtained = "agent-obtained"
	// PolicyExecutionOutcome counts a dispatch whose execution failed as failed.
	PolicyExecutionOutcome = "execution-outcome"
)

// ValidFailurePolicy reports whether p names a known failure policy.
func ValidFailurePolicy(p string) bool {
	return p == PolicyAgentObtained || p == PolicyExecutionOutcome
}

// validRunTransitions maps each run status to the statuses it may move to.
var validRunTransitions = map[string]map[string]bool{
	RunPending: {
		RunRunning: true,
		RunFailed:  true,
	},
	RunRunning: {
		RunDone:   true,
		RunFailed: true,
	},
}

// ValidRunTransition reports whether a run may move from one status to another.
func ValidRunTransition(from, to string) bool {
	targets, ok := validRunTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ExecutionRecord is one entry of an agent's append-only history.
type ExecutionRecord struct {
	EventID           string        `json:"event_id"`
	RequesterIdentity string        `json:"requester_identity"`
	ProcessingTime    time.Duration `json:"processing_time"`
	WaitTime          time.Duration `json:"wait_time"`
	Status            string        `json:"status"`
	Error             string        `json:"error,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
	EndedAt           time.Time     `json:"ended_at"`
}

// AgentReport is the end-of-run view of a single agent.
type AgentReport struct {
	AgentID      string            `json:"agent_id"`
	Capabilities []string          `json:"capabilities"`
	History      []ExecutionRecord `json:"history"`
}

// RunSummary aggregates the outcome of one dispatch run.
type RunSummary struct {
	RunID           string        `json:"run_id"`
	Status          string        `json:"status"`
	NumAgents       int           `json:"num_agents"`
	TotalEvents     int           `json:"total_events"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	TimedOut        int           `json:"timed_out"`
	ExecutionErrors int           `json:"execution_errors"`
	FailurePolicy   string        `json:"failure_policy"`
	Error           string        `json:"error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	Agents          []AgentReport `json:"agents,omitempty"`
}
