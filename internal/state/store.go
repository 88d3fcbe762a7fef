package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run or a stage within it.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// DefaultMaxStderrBytes caps the stderr text stored per stage.
const DefaultMaxStderrBytes = 64 * 1024

var ErrRunNotFound = errors.New("run not found")

// RunSpec describes a pipeline run about to start.
type RunSpec struct {
	Pipeline     string
	CohortDir    string
	ConfigDigest string
	Config       map[string]any
}

// Run is one recorded pipeline run.
type Run struct {
	ID           string          `json:"id"`
	Pipeline     string          `json:"pipeline"`
	CohortDir    string          `json:"cohort_dir"`
	ConfigDigest string          `json:"config_digest"`
	Config       json.RawMessage `json:"config,omitempty"`
	Status       Status          `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	Stages       []StageRun      `json:"stages,omitempty"`
}

// StageRun is one stage invocation inside a run.
type StageRun struct {
	Index       int             `json:"index"`
	Stage       string          `json:"stage"`
	Options     json.RawMessage `json:"options,omitempty"`
	Status      Status          `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Stderr      string          `json:"stderr,omitempty"`
}

// Store is the SQLite-backed run ledger.
type Store struct {
	db        *sql.DB
	maxStderr int
	now       func() time.Time
	newID     func() string
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:        db,
		maxStderr: DefaultMaxStderrBytes,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// BeginRun records a new run in the running state.
func (s *Store) BeginRun(ctx context.Context, spec RunSpec) (*Run, error) {
	if spec.Pipeline == "" {
		return nil, fmt.Errorf("pipeline name is empty")
	}
	if spec.CohortDir == "" {
		return nil, fmt.Errorf("cohort_dir is empty")
	}

	cfg, err := marshalObject(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal run config: %w", err)
	}

	run := &Run{
		ID:           s.newID(),
		Pipeline:     spec.Pipeline,
		CohortDir:    spec.CohortDir,
		ConfigDigest: spec.ConfigDigest,
		Config:       cfg,
		Status:       StatusRunning,
		StartedAt:    s.now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO pipeline_run(id, pipeline, cohort_dir, config_digest, config, status, started_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, run.ID, run.Pipeline, run.CohortDir, run.ConfigDigest, string(cfg), string(run.Status), formatTime(run.StartedAt))
	if err != nil {
		return nil, fmt.Errorf("insert pipeline run: %w", err)
	}
	return run, nil
}

// StartStage records that a stage of runID has started.
func (s *Store) StartStage(ctx context.Context, runID string, index int, stage string, options map[string]any) error {
	opts, err := marshalObject(options)
	if err != nil {
		return fmt.Errorf("marshal stage options: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO stage_run(run_id, stage_index, stage, options, status, started_at)
VALUES(?, ?, ?, ?, ?, ?);
`, runID, index, stage, string(opts), string(StatusRunning), formatTime(s.now().UTC()))
	if err != nil {
		return fmt.Errorf("insert stage run %s/%d: %w", runID, index, err)
	}
	return nil
}

// FinishStage sets the terminal status of a started stage.
func (s *Store) FinishStage(ctx context.Context, runID string, index int, status Status, errMsg, stderr string) error {
	if len(stderr) > s.maxStderr {
		stderr = stderr[:s.maxStderr]
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE stage_run
SET status = ?, completed_at = ?, last_error = ?, stderr = ?
WHERE run_id = ? AND stage_index = ?;
`, string(status), formatTime(s.now().UTC()), nullIfEmpty(errMsg), nullIfEmpty(stderr), runID, index)
	if err != nil {
		return fmt.Errorf("update stage run %s/%d: %w", runID, index, err)
	}
	return expectOneRow(res, fmt.Sprintf("stage run %s/%d", runID, index))
}

// FinishRun sets the terminal status of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, status Status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE pipeline_run
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ?;
`, string(status), formatTime(s.now().UTC()), nullIfEmpty(errMsg), runID)
	if err != nil {
		return fmt.Errorf("update pipeline run %s: %w", runID, err)
	}
	return expectOneRow(res, "pipeline run "+runID)
}

// SucceededStages returns the stages whose latest attempt (by ledger insertion
// order) over the same cohort and config digest succeeded. Skipped rows are
// ignored, so a stage that failed after its last success is not reported.
func (s *Store) SucceededStages(ctx context.Context, cohortDir, digest string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stage
FROM (
  SELECT sr.stage, sr.status,
         ROW_NUMBER() OVER (PARTITION BY sr.stage ORDER BY sr.rowid DESC) AS attempt
  FROM stage_run sr
  JOIN pipeline_run pr ON pr.id = sr.run_id
  WHERE pr.cohort_dir = ? AND pr.config_digest = ? AND sr.status != ?
)
WHERE attempt = 1 AND status = ?;
`, cohortDir, digest, string(StatusSkipped), string(StatusSucceeded))
	if err != nil {
		return nil, fmt.Errorf("query succeeded stages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan succeeded stage: %w", err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

// ListRuns returns the most recent runs first, without their stages.
// A limit of zero or less returns every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, pipeline, cohort_dir, config_digest, config, status, started_at, completed_at, last_error
FROM pipeline_run
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetRun returns a run with its stages in plan order.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, pipeline, cohort_dir, config_digest, config, status, started_at, completed_at, last_error
FROM pipeline_run
WHERE id = ?;
`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT stage_index, stage, options, status, started_at, completed_at, last_error, stderr
FROM stage_run
WHERE run_id = ?
ORDER BY stage_index;
`, id)
	if err != nil {
		return nil, fmt.Errorf("list stage runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			sr                           StageRun
			options, status, startedAt   string
			completedAt, lastErr, stderr sql.NullString
		)
		if err := rows.Scan(&sr.Index, &sr.Stage, &options, &status, &startedAt, &completedAt, &lastErr, &stderr); err != nil {
			return nil, fmt.Errorf("scan stage run: %w", err)
		}
		sr.Options = json.RawMessage(options)
		sr.Status = Status(status)
		if sr.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if sr.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, err
		}
		sr.LastError = lastErr.String
		sr.Stderr = stderr.String
		run.Stages = append(run.Stages, sr)
	}
	return run, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                    Run
		cfg, status, startedAt string
		completedAt, lastErr   sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Pipeline, &run.CohortDir, &run.ConfigDigest, &cfg, &status, &startedAt, &completedAt, &lastErr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan pipeline run: %w", err)
	}
	run.Config = json.RawMessage(cfg)
	run.Status = Status(status)
	run.LastError = lastErr.String

	var err error
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

func marshalObject(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s not found", what)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
