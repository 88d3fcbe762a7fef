package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mattjoyce/meds-etl/internal/config"
	"github.com/mattjoyce/meds-etl/internal/events"
	"github.com/mattjoyce/meds-etl/internal/lock"
	"github.com/mattjoyce/meds-etl/internal/log"
	"github.com/mattjoyce/meds-etl/internal/protocol"
	"github.com/mattjoyce/meds-etl/internal/stage"
	"github.com/mattjoyce/meds-etl/internal/state"
	"github.com/mattjoyce/meds-etl/internal/workspace"
)

// StateDirName is the directory under cohort_dir holding the run lock and
// the default ledger database.
const StateDirName = ".meds-etl"

// ErrStageFailed is matched by every *StageError.
var ErrStageFailed = errors.New("stage failed")

// StageError reports the stage that stopped a run.
type StageError struct {
	Stage string
	Index int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s) failed: %v", e.Index, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) Is(target error) bool { return target == ErrStageFailed }

// Options tune a single run.
type Options struct {
	// Resume skips leading stages that already succeeded for the same
	// cohort_dir and config digest.
	Resume bool
	// LockPath overrides the default cohort_dir/.meds-etl/run.lock.
	LockPath string
}

// Result summarizes a run.
type Result struct {
	RunID  string
	Status state.Status
	Stages []StageResult
}

// StageResult is the outcome of one planned stage.
type StageResult struct {
	Index    int
	Name     string
	Status   state.Status
	Duration time.Duration
	Outputs  map[string]any
	Stderr   string
	Err      error
}

// Orchestrator executes resolved plans against a stage registry.
type Orchestrator struct {
	registry *stage.Registry
	ledger   Ledger
	events   events.Publisher
	audit    workspace.Manager
	logger   *slog.Logger
	grace    time.Duration
	now      func() time.Time
}

// New creates an Orchestrator.
func New(reg *stage.Registry, ledger Ledger) *Orchestrator {
	return &Orchestrator{
		registry: reg,
		ledger:   ledger,
		logger:   log.WithComponent("orchestrator"),
		grace:    terminationGracePeriod,
		now:      time.Now,
	}
}

// WithEvents publishes run and stage progress to p.
func (o *Orchestrator) WithEvents(p events.Publisher) *Orchestrator {
	o.events = p
	return o
}

// WithWorkspaces keeps a copy of every stage request and response in a
// per-run workspace created by m.
func (o *Orchestrator) WithWorkspaces(m workspace.Manager) *Orchestrator {
	o.audit = m
	return o
}

func (o *Orchestrator) publish(eventType string, data any) {
	if o.events != nil {
		o.events.Publish(eventType, data)
	}
}

// LockPath returns the default run lock location for a cohort.
func LockPath(cohortDir string) string {
	return filepath.Join(cohortDir, StateDirName, "run.lock")
}

// Run executes cfg's plan. Unknown stages are reported before the lock is
// taken or anything is recorded. A failed stage returns the partial Result
// together with a *StageError.
func (o *Orchestrator) Run(ctx context.Context, cfg *config.PipelineConfig, opts Options) (*Result, error) {
	plan := cfg.Plan()
	names := make([]string, len(plan))
	for i, s := range plan {
		names[i] = s.Name
	}
	if err := o.registry.Require(names); err != nil {
		return nil, err
	}

	lockPath := opts.LockPath
	if lockPath == "" {
		lockPath = LockPath(cfg.CohortDir)
	}
	l, err := lock.AcquirePIDLock(lockPath)
	if err != nil {
		return nil, fmt.Errorf("lock cohort %s: %w", cfg.CohortDir, err)
	}
	defer func() {
		if err := l.Release(); err != nil {
			o.logger.Warn("failed to release run lock", "path", lockPath, "error", err)
		}
	}()

	digest := cfg.Digest()
	done := map[string]bool{}
	if opts.Resume {
		if done, err = o.ledger.SucceededStages(ctx, cfg.CohortDir, digest); err != nil {
			return nil, fmt.Errorf("load resume state: %w", err)
		}
	}

	run, err := o.ledger.BeginRun(ctx, state.RunSpec{
		Pipeline:     cfg.Name,
		CohortDir:    cfg.CohortDir,
		ConfigDigest: digest,
		Config:       cfg.Tree(),
	})
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}

	runLogger := o.logger.With("run_id", run.ID, "pipeline", cfg.Name)
	runLogger.Info("run started", "stages", len(plan), "resume", opts.Resume, "config_digest", digest)
	o.publish(events.RunStarted, events.RunPayload{RunID: run.ID, Pipeline: cfg.Name, Stages: names})

	result := &Result{RunID: run.ID, Status: state.StatusRunning}
	ws := o.openWorkspace(ctx, run.ID, runLogger)
	pipeline := pipelineContext(cfg)
	skipping := opts.Resume

	for _, planned := range plan {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, result, planned, err, runLogger)
		}

		if skipping && done[planned.Name] {
			sr, err := o.skipStage(ctx, run.ID, planned)
			if err != nil {
				return o.fail(ctx, result, planned, err, runLogger)
			}
			runLogger.Info("stage skipped (already succeeded)", "stage", planned.Name, "index", planned.Index)
			o.publish(events.StageSkipped, events.StagePayload{RunID: run.ID, Stage: planned.Name, Index: planned.Index})
			result.Stages = append(result.Stages, sr)
			continue
		}
		skipping = false

		st, _ := o.registry.Get(planned.Name)
		sr := o.runStage(ctx, run.ID, st, planned, pipeline, ws, runLogger)
		result.Stages = append(result.Stages, sr)
		if sr.Err != nil {
			return o.fail(ctx, result, planned, sr.Err, runLogger)
		}
	}

	result.Status = state.StatusSucceeded
	if err := o.ledger.FinishRun(ctx, run.ID, state.StatusSucceeded, ""); err != nil {
		return result, fmt.Errorf("finish run: %w", err)
	}
	runLogger.Info("run completed successfully")
	o.publish(events.RunCompleted, events.RunPayload{RunID: run.ID, Pipeline: cfg.Name})
	return result, nil
}

func (o *Orchestrator) skipStage(ctx context.Context, runID string, planned config.Stage) (StageResult, error) {
	sr := StageResult{Index: planned.Index, Name: planned.Name, Status: state.StatusSkipped}
	if err := o.ledger.StartStage(ctx, runID, planned.Index, planned.Name, planned.Options); err != nil {
		return sr, fmt.Errorf("record stage start: %w", err)
	}
	if err := o.ledger.FinishStage(ctx, runID, planned.Index, state.StatusSkipped, "", ""); err != nil {
		return sr, fmt.Errorf("record stage skip: %w", err)
	}
	return sr, nil
}

// runStage spawns one stage and records its outcome. A ledger failure is
// reported as the stage error.
func (o *Orchestrator) runStage(
	ctx context.Context,
	runID string,
	st *stage.Stage,
	planned config.Stage,
	pipeline protocol.Pipeline,
	ws *workspace.Workspace,
	runLogger *slog.Logger,
) StageResult {
	stageLogger := runLogger.With("stage", planned.Name, "index", planned.Index)
	sr := StageResult{Index: planned.Index, Name: planned.Name}

	if unknown := st.UnknownOptions(planned.Options); len(unknown) > 0 {
		stageLogger.Warn("stage options not declared by implementation", "options", unknown)
	}

	if err := o.ledger.StartStage(ctx, runID, planned.Index, planned.Name, planned.Options); err != nil {
		sr.Status = state.StatusFailed
		sr.Err = fmt.Errorf("record stage start: %w", err)
		return sr
	}

	started := o.now()
	req := &protocol.Request{
		Protocol:   protocol.Version,
		RunID:      runID,
		Stage:      planned.Name,
		StageIndex: planned.Index,
		Options:    planned.Options,
		Pipeline:   pipeline,
		DeadlineAt: started.Add(st.Timeout).UTC(),
	}

	stageLogger.Info("stage started", "entrypoint", st.Entrypoint, "timeout", st.Timeout)
	o.publish(events.StageStarted, events.StagePayload{RunID: runID, Stage: planned.Name, Index: planned.Index})
	keep(ws, planned, "request", req, stageLogger)
	resp, stderr, err := spawnStage(ctx, st, req, o.grace, stageLogger)
	if resp != nil {
		keep(ws, planned, "response", resp, stageLogger)
	}
	sr.Duration = o.now().Sub(started)
	sr.Stderr = stderr

	switch {
	case err != nil:
		sr.Err = err
	case !resp.OK():
		sr.Err = errors.New(resp.Error)
	}
	if resp != nil {
		sr.Outputs = resp.Outputs
		forwardLogs(stageLogger, resp.Logs)
	}

	sr.Status = state.StatusSucceeded
	errMsg := ""
	if sr.Err != nil {
		sr.Status = state.StatusFailed
		errMsg = sr.Err.Error()
		stageLogger.Error("stage failed", "error", sr.Err, "duration", sr.Duration)
	} else {
		stageLogger.Info("stage completed", "duration", sr.Duration)
	}

	// The ledger write must survive a cancelled run context.
	if err := o.ledger.FinishStage(context.WithoutCancel(ctx), runID, planned.Index, sr.Status, errMsg, stderr); err != nil {
		stageLogger.Error("failed to record stage outcome", "error", err)
		if sr.Err == nil {
			sr.Status = state.StatusFailed
			sr.Err = fmt.Errorf("record stage outcome: %w", err)
		}
	}

	payload := events.StagePayload{
		RunID:      runID,
		Stage:      planned.Name,
		Index:      planned.Index,
		DurationMS: sr.Duration.Milliseconds(),
	}
	if sr.Err != nil {
		payload.Error = sr.Err.Error()
		o.publish(events.StageFailed, payload)
	} else {
		o.publish(events.StageCompleted, payload)
	}
	return sr
}

func (o *Orchestrator) fail(ctx context.Context, result *Result, planned config.Stage, cause error, logger *slog.Logger) (*Result, error) {
	result.Status = state.StatusFailed
	stageErr := &StageError{Stage: planned.Name, Index: planned.Index, Err: cause}
	if err := o.ledger.FinishRun(context.WithoutCancel(ctx), result.RunID, state.StatusFailed, stageErr.Error()); err != nil {
		logger.Error("failed to record run outcome", "error", err)
	}
	logger.Error("run failed", "stage", planned.Name, "error", cause)
	o.publish(events.RunFailed, events.RunPayload{RunID: result.RunID, Error: stageErr.Error()})
	return result, stageErr
}

// openWorkspace creates the run's audit workspace. Audit copies are best
// effort, so a failure only disables them for this run.
func (o *Orchestrator) openWorkspace(ctx context.Context, runID string, logger *slog.Logger) *workspace.Workspace {
	if o.audit == nil {
		return nil
	}
	ws, err := o.audit.Create(ctx, runID)
	if err != nil {
		logger.Warn("run workspace unavailable", "error", err)
		return nil
	}
	return &ws
}

func keep(ws *workspace.Workspace, planned config.Stage, kind string, v any, logger *slog.Logger) {
	if ws == nil {
		return
	}
	if err := ws.WriteJSON(ws.StageFile(planned.Index, planned.Name, kind), v); err != nil {
		logger.Warn("failed to keep stage "+kind, "error", err)
	}
}

func pipelineContext(cfg *config.PipelineConfig) protocol.Pipeline {
	return protocol.Pipeline{
		Name:                    cfg.Name,
		InputDir:                cfg.InputDir,
		CohortDir:               cfg.CohortDir,
		EventConversionConfigFP: cfg.EventConversionConfigFP,
		ETLMetadata: map[string]any{
			"dataset_name":    cfg.ETLMetadata.DatasetName,
			"dataset_version": cfg.ETLMetadata.DatasetVersion,
		},
		DoOverwrite: cfg.DoOverwrite,
		Seed:        cfg.Seed,
	}
}

func forwardLogs(logger *slog.Logger, entries []protocol.LogEntry) {
	for _, e := range entries {
		switch e.Level {
		case "debug":
			logger.Debug(e.Message, "source", "stage")
		case "warn":
			logger.Warn(e.Message, "source", "stage")
		case "error":
			logger.Error(e.Message, "source", "stage")
		default:
			logger.Info(e.Message, "source", "stage")
		}
	}
}
