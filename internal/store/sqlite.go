package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/relay/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id               TEXT PRIMARY KEY,
    status           TEXT NOT NULL,
    num_agents       INTEGER NOT NULL,
    total_events     INTEGER NOT NULL,
    completed        INTEGER NOT NULL DEFAULT 0,
    failed           INTEGER NOT NULL DEFAULT 0,
    timed_out        INTEGER NOT NULL DEFAULT 0,
    execution_errors INTEGER NOT NULL DEFAULT 0,
    failure_policy   TEXT NOT NULL,
    error            TEXT NOT NULL DEFAULT '',
    created_at       DATETIME NOT NULL,
    started_at       DATETIME,
    finished_at      DATETIME
)`

const createRunAgentsTable = `
CREATE TABLE IF NOT EXISTS run_agents (
    run_id       TEXT NOT NULL REFERENCES runs(id),
    agent_id     TEXT NOT NULL,
    position     INTEGER NOT NULL,
    capabilities TEXT NOT NULL,
    PRIMARY KEY (run_id, agent_id)
)`

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    run_id             TEXT NOT NULL REFERENCES runs(id),
    agent_id           TEXT NOT NULL,
    seq                INTEGER NOT NULL,
    event_id           TEXT NOT NULL,
    requester_identity TEXT NOT NULL,
    processing_ns      INTEGER NOT NULL,
    wait_ns            INTEGER NOT NULL,
    status             TEXT NOT NULL,
    error              TEXT NOT NULL DEFAULT '',
    started_at         DATETIME NOT NULL,
    ended_at           DATETIME NOT NULL,
    PRIMARY KEY (run_id, agent_id, seq)
)`

const runColumns = `id, status, num_agents, total_events, completed, failed, timed_out,
	execution_errors, failure_policy, error, created_at, started_at, finished_at`

// ErrNotFound is returned when a run or agent report is not found.
var ErrNotFound = errors.New("not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Each connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createRunAgentsTable, createExecutionsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.RunSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Status, r.NumAgents, r.TotalEvents, r.Completed, r.Failed, r.TimedOut,
		r.ExecutionErrors, r.FailurePolicy, r.Error, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRunStatus moves a run to status. A transition to running also sets
// started_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkTransition(ctx, tx, id, status); err != nil {
		return err
	}

	if status == model.RunRunning {
		_, err = tx.ExecContext(ctx, "UPDATE runs SET status = ?, started_at = ? WHERE id = ?",
			status, time.Now().UTC(), id)
	} else {
		_, err = tx.ExecContext(ctx, "UPDATE runs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	return tx.Commit()
}

// FinishRun stores the final counters of r and every agent's history in a
// single transaction.
func (s *SQLiteStore) FinishRun(ctx context.Context, r *model.RunSummary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkTransition(ctx, tx, r.RunID, r.Status); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed = ?, failed = ?, timed_out = ?,
			execution_errors = ?, error = ?, started_at = COALESCE(?, started_at), finished_at = ?
		WHERE id = ?`,
		r.Status, r.Completed, r.Failed, r.TimedOut,
		r.ExecutionErrors, r.Error, r.StartedAt, r.FinishedAt, r.RunID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	for pos, a := range r.Agents {
		caps, err := json.Marshal(a.Capabilities)
		if err != nil {
			return fmt.Errorf("encode capabilities: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO run_agents (run_id, agent_id, position, capabilities) VALUES (?, ?, ?, ?)",
			r.RunID, a.AgentID, pos, string(caps),
		); err != nil {
			return fmt.Errorf("insert run agent: %w", err)
		}

		for seq, rec := range a.History {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO executions (
					run_id, agent_id, seq, event_id, requester_identity, processing_ns,
					wait_ns, status, error, started_at, ended_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.RunID, a.AgentID, seq, rec.EventID, rec.RequesterIdentity, int64(rec.ProcessingTime),
				int64(rec.WaitTime), rec.Status, rec.Error, rec.StartedAt.UTC(), rec.EndedAt.UTC(),
			); err != nil {
				return fmt.Errorf("insert execution: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetRun retrieves a run and its agent reports.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.RunSummary, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	r, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	agents, err := queryAgents(ctx, tx, id, "")
	if err != nil {
		return nil, err
	}
	r.Agents = agents
	return r, nil
}

// ListRuns returns a page of runs ordered by created_at DESC, along with the
// total number of runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.RunSummary, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// GetAgentReport returns a single agent's report for a run.
func (s *SQLiteStore) GetAgentReport(ctx context.Context, runID, agentID string) (*model.AgentReport, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	agents, err := queryAgents(ctx, tx, runID, agentID)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, ErrNotFound
	}
	return &agents[0], nil
}

// checkTransition verifies that run id exists and may move to status.
func checkTransition(ctx context.Context, tx *sql.Tx, id, status string) error {
	var current string
	err := tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read run status: %w", err)
	}
	if !model.ValidRunTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.RunSummary, error) {
	r := &model.RunSummary{}
	err := row.Scan(
		&r.RunID, &r.Status, &r.NumAgents, &r.TotalEvents, &r.Completed, &r.Failed, &r.TimedOut,
		&r.ExecutionErrors, &r.FailurePolicy, &r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// queryAgents loads agent reports for a run, optionally restricted to one agent.
func queryAgents(ctx context.Context, tx *sql.Tx, runID, agentID string) ([]model.AgentReport, error) {
	agentQuery := "SELECT agent_id, capabilities FROM run_agents WHERE run_id = ?"
	execQuery := `SELECT agent_id, event_id, requester_identity, processing_ns, wait_ns,
			status, error, started_at, ended_at
		FROM executions WHERE run_id = ?`
	args := []any{runID}
	if agentID != "" {
		agentQuery += " AND agent_id = ?"
		execQuery += " AND agent_id = ?"
		args = append(args, agentID)
	}
	agentQuery += " ORDER BY position"
	execQuery += " ORDER BY agent_id, seq"

	rows, err := tx.QueryContext(ctx, agentQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("list run agents: %w", err)
	}
	var agents []model.AgentReport
	index := make(map[string]int)
	for rows.Next() {
		var (
			a    model.AgentReport
			caps string
		)
		if err := rows.Scan(&a.AgentID, &caps); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run agent: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
		a.History = []model.ExecutionRecord{}
		index[a.AgentID] = len(agents)
		agents = append(agents, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run agents: %w", err)
	}

	rows, err = tx.QueryContext(ctx, execQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			owner                string
			rec                  model.ExecutionRecord
			processingNS, waitNS int64
		)
		if err := rows.Scan(
			&owner, &rec.EventID, &rec.RequesterIdentity, &processingNS, &waitNS,
			&rec.Status, &rec.Error, &rec.StartedAt, &rec.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		rec.ProcessingTime = time.Duration(processingNS)
		rec.WaitTime = time.Duration(waitNS)
		if i, ok := index[owner]; ok {
			agents[i].History = append(agents[i].History, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}

	return agents, nil
}
