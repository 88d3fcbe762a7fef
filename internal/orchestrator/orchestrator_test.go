package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/meds-etl/internal/config"
	"github.com/mattjoyce/meds-etl/internal/events"
	"github.com/mattjoyce/meds-etl/internal/lock"
	"github.com/mattjoyce/meds-etl/internal/log"
	"github.com/mattjoyce/meds-etl/internal/orchestrator/mocks"
	"github.com/mattjoyce/meds-etl/internal/protocol"
	"github.com/mattjoyce/meds-etl/internal/stage"
	"github.com/mattjoyce/meds-etl/internal/state"
	"github.com/mattjoyce/meds-etl/internal/storage"
	"github.com/mattjoyce/meds-etl/internal/workspace"
)

const okScript = `#!/bin/sh
cat > request.json
echo '{"status":"ok","logs":[{"level":"info","message":"done"}]}'
`

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func resolveEICU(t *testing.T, cohortDir string, overrides ...string) *config.PipelineConfig {
	t.Helper()
	r := config.NewResolver(config.Env{
		"EICU_PRE_MEDS_DIR":          "/data/pre_meds",
		"EICU_MEDS_COHORT_DIR":       cohortDir,
		"EVENT_CONVERSION_CONFIG_FP": "/data/event_configs.yaml",
	})
	r.Overrides = overrides
	cfg, err := r.Resolve("extract_eICU")
	require.NoError(t, err)
	return cfg
}

// writeStages creates one stage per name under a fresh root. scripts maps a
// stage name to its entrypoint body; other stages get okScript.
func writeStages(t *testing.T, names []string, scripts map[string]string) (*stage.Registry, string) {
	t.Helper()
	root := t.TempDir()
	for _, name := range names {
		writeStageDir(t, root, name, scripts[name])
	}
	reg, err := stage.Discover(root, nil)
	require.NoError(t, err)
	return reg, root
}

func writeStageDir(t *testing.T, root, name, script string) {
	t.Helper()
	if script == "" {
		script = okScript
	}
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := fmt.Sprintf("name: %s\nprotocol: 1\nentrypoint: run.sh\ntimeout: 1m\n", name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0o755))
}

func openLedger(t *testing.T) *state.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return state.NewStore(db)
}

func readRequest(t *testing.T, root, name string) *protocol.Request {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, name, "request.json"))
	require.NoError(t, err)
	var req protocol.Request
	require.NoError(t, json.Unmarshal(data, &req))
	return &req
}

func TestRunExecutesPlanInOrder(t *testing.T) {
	cohort := t.TempDir()
	cfg := resolveEICU(t, cohort)
	reg, root := writeStages(t, cfg.Stages, nil)
	ledger := openLedger(t)

	res, err := New(reg, ledger).Run(context.Background(), cfg, Options{})
	require.NoError(t, err)
	assert.Equal(t, state.StatusSucceeded, res.Status)
	require.Len(t, res.Stages, len(cfg.Stages))
	for i, sr := range res.Stages {
		assert.Equal(t, cfg.Stages[i], sr.Name)
		assert.Equal(t, state.StatusSucceeded, sr.Status)
	}

	req := readRequest(t, root, config.StageShardEvents)
	assert.Equal(t, protocol.Version, req.Protocol)
	assert.Equal(t, res.RunID, req.RunID)
	assert.Equal(t, 0, req.StageIndex)
	assert.Equal(t, float64(999999999), req.Options["infer_schema_length"])
	assert.Equal(t, "/data/pre_meds", req.Pipeline.InputDir)
	assert.Equal(t, cohort, req.Pipeline.CohortDir)
	assert.Equal(t, "eICU", req.Pipeline.ETLMetadata["dataset_name"])
	assert.Equal(t, 1, req.Pipeline.Seed)

	req = readRequest(t, root, config.StageMergeToMEDSCohort)
	assert.Equal(t, 3, req.StageIndex)
	assert.Equal(t, cohort+"/data", req.Options["output_dir"])

	run, err := ledger.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusSucceeded, run.Status)
	assert.Equal(t, cfg.Digest(), run.ConfigDigest)
	require.Len(t, run.Stages, len(cfg.Stages))
	for i, sr := range run.Stages {
		assert.Equal(t, i, sr.Index)
		assert.Equal(t, state.StatusSucceeded, sr.Status)
	}

	// The lock is released once the run returns.
	l, err := lock.AcquirePIDLock(LockPath(cohort))
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestRunUnknownStageFailsBeforeAnything(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cohort := t.TempDir()
	cfg := resolveEICU(t, cohort)
	reg, _ := writeStages(t, []string{config.StageShardEvents, config.StageSplitAndShardSubjects}, nil)

	// No ledger calls are expected.
	ledger := mocks.NewMockLedger(ctrl)

	_, err := New(reg, ledger).Run(context.Background(), cfg, Options{})
	require.ErrorIs(t, err, stage.ErrUnknownStage)

	var unknown *stage.UnknownStageError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, cfg.Stages[2:], unknown.Stages)

	_, statErr := os.Stat(filepath.Join(cohort, StateDirName))
	assert.True(t, os.IsNotExist(statErr), "nothing is written to cohort_dir")
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	tests := []struct {
		name      string
		script    string
		wantInErr string
		wantErrIO string
	}{
		{
			name:      "error response",
			script:    "#!/bin/sh\ncat > request.json\necho '{\"status\":\"error\",\"error\":\"no shards found\"}'\n",
			wantInErr: "no shards found",
		},
		{
			name:      "non-zero exit without response",
			script:    "#!/bin/sh\ncat > request.json\necho 'polars exploded' >&2\nexit 3\n",
			wantInErr: "exit status 3",
			wantErrIO: "polars exploded",
		},
		{
			name:      "ok response with non-zero exit",
			script:    "#!/bin/sh\ncat > request.json\necho '{\"status\":\"ok\"}'\nexit 1\n",
			wantInErr: "exited with status 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cohort := t.TempDir()
			cfg := resolveEICU(t, cohort)
			reg, root := writeStages(t, cfg.Stages, map[string]string{
				config.StageConvertToShardedEvents: tt.script,
			})
			ledger := openLedger(t)

			res, err := New(reg, ledger).Run(context.Background(), cfg, Options{})
			require.ErrorIs(t, err, ErrStageFailed)
			assert.ErrorContains(t, err, tt.wantInErr)

			var stageErr *StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, config.StageConvertToShardedEvents, stageErr.Stage)
			assert.Equal(t, 2, stageErr.Index)

			require.Len(t, res.Stages, 3)
			assert.Equal(t, state.StatusFailed, res.Status)
			assert.Equal(t, state.StatusFailed, res.Stages[2].Status)
			if tt.wantErrIO != "" {
				assert.Contains(t, res.Stages[2].Stderr, tt.wantErrIO)
			}

			_, statErr := os.Stat(filepath.Join(root, config.StageMergeToMEDSCohort, "request.json"))
			assert.True(t, os.IsNotExist(statErr), "later stages never start")

			run, err := ledger.GetRun(context.Background(), res.RunID)
			require.NoError(t, err)
			assert.Equal(t, state.StatusFailed, run.Status)
			require.Len(t, run.Stages, 3)
			assert.Equal(t, state.StatusFailed, run.Stages[2].Status)
			assert.Contains(t, run.Stages[2].LastError, tt.wantInErr)
		})
	}
}

func TestRunResumeSkipsSucceededPrefix(t *testing.T) {
	cohort := t.TempDir()
	cfg := resolveEICU(t, cohort)
	root := t.TempDir()
	for _, name := range cfg.Stages {
		script := ""
		if name == config.StageMergeToMEDSCohort {
			script = "#!/bin/sh\necho '{\"status\":\"error\",\"error\":\"disk full\"}'\n"
		}
		writeStageDir(t, root, name, script)
	}
	reg, err := stage.Discover(root, nil)
	require.NoError(t, err)
	ledger := openLedger(t)
	orch := New(reg, ledger)

	_, err = orch.Run(context.Background(), cfg, Options{})
	require.ErrorIs(t, err, ErrStageFailed)

	// Fix the failing stage and clear what the first run wrote.
	writeStageDir(t, root, config.StageMergeToMEDSCohort, okScript)
	for _, name := range cfg.Stages {
		_ = os.Remove(filepath.Join(root, name, "request.json"))
	}

	res, err := orch.Run(context.Background(), cfg, Options{Resume: true})
	require.NoError(t, err)

	var statuses []state.Status
	for _, sr := range res.Stages {
		statuses = append(statuses, sr.Status)
	}
	assert.Equal(t, []state.Status{
		state.StatusSkipped,
		state.StatusSkipped,
		state.StatusSkipped,
		state.StatusSucceeded,
		state.StatusSucceeded,
		state.StatusSucceeded,
	}, statuses)

	_, statErr := os.Stat(filepath.Join(root, config.StageShardEvents, "request.json"))
	assert.True(t, os.IsNotExist(statErr), "skipped stages are not spawned")

	// A different config digest starts from scratch.
	changed := resolveEICU(t, cohort, "seed=7")
	res, err = orch.Run(context.Background(), changed, Options{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, state.StatusSucceeded, res.Stages[0].Status)
}

func TestRunStageIgnoringStdin(t *testing.T) {
	cfg := resolveEICU(t, t.TempDir())
	scripts := map[string]string{}
	for _, name := range cfg.Stages {
		scripts[name] = "#!/bin/sh\necho '{\"status\":\"ok\"}'\n"
	}
	reg, _ := writeStages(t, cfg.Stages, scripts)
	orch := New(reg, openLedger(t))

	// The stage may exit before the request is written; its response still counts.
	for i := 0; i < 20; i++ {
		res, err := orch.Run(context.Background(), cfg, Options{})
		require.NoError(t, err, "attempt %d", i)
		assert.Equal(t, state.StatusSucceeded, res.Status)
	}
}

func TestRunResumeRerunsStageThatFailedLast(t *testing.T) {
	cfg := resolveEICU(t, t.TempDir())
	reg, root := writeStages(t, cfg.Stages, nil)
	orch := New(reg, openLedger(t))

	_, err := orch.Run(context.Background(), cfg, Options{})
	require.NoError(t, err)

	writeStageDir(t, root, config.StageShardEvents, "#!/bin/sh\necho '{\"status\":\"error\",\"error\":\"partial shards\"}'\n")
	_, err = orch.Run(context.Background(), cfg, Options{})
	require.ErrorIs(t, err, ErrStageFailed)

	writeStageDir(t, root, config.StageShardEvents, okScript)
	res, err := orch.Run(context.Background(), cfg, Options{Resume: true})
	require.NoError(t, err)
	for _, sr := range res.Stages {
		assert.Equal(t, state.StatusSucceeded, sr.Status, "stage %s", sr.Name)
	}
}

func TestRunPublishesProgress(t *testing.T) {
	cohort := t.TempDir()
	cfg := resolveEICU(t, cohort)
	reg, _ := writeStages(t, cfg.Stages, map[string]string{
		config.StageConvertToShardedEvents: "#!/bin/sh\necho '{\"status\":\"error\",\"error\":\"bad codes\"}'\n",
	})
	hub := events.NewHub(64)

	_, err := New(reg, openLedger(t)).WithEvents(hub).Run(context.Background(), cfg, Options{})
	require.ErrorIs(t, err, ErrStageFailed)

	var types []string
	for _, ev := range hub.SnapshotSince(0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		events.RunStarted,
		events.StageStarted, events.StageCompleted,
		events.StageStarted, events.StageCompleted,
		events.StageStarted, events.StageFailed,
		events.RunFailed,
	}, types)

	snap := hub.SnapshotSince(0)
	var started events.RunPayload
	require.NoError(t, snap[0].Decode(&started))
	assert.Equal(t, cfg.Stages, started.Stages)

	var failed events.StagePayload
	require.NoError(t, snap[6].Decode(&failed))
	assert.Equal(t, config.StageConvertToShardedEvents, failed.Stage)
	assert.Equal(t, 2, failed.Index)
	assert.Equal(t, "bad codes", failed.Error)
}

func TestRunKeepsStageAudit(t *testing.T) {
	cohort := t.TempDir()
	cfg := resolveEICU(t, cohort)
	reg, _ := writeStages(t, cfg.Stages, map[string]string{
		config.StageConvertToShardedEvents: "#!/bin/sh\necho '{\"status\":\"error\",\"error\":\"bad codes\"}'\n",
	})
	mgr, err := workspace.NewFSManager(filepath.Join(cohort, StateDirName, "runs"))
	require.NoError(t, err)

	res, err := New(reg, openLedger(t)).WithWorkspaces(mgr).Run(context.Background(), cfg, Options{})
	require.ErrorIs(t, err, ErrStageFailed)

	ws, err := mgr.Open(context.Background(), res.RunID)
	require.NoError(t, err)

	data, err := os.ReadFile(ws.StageFile(0, config.StageShardEvents, "request"))
	require.NoError(t, err)
	var req protocol.Request
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, res.RunID, req.RunID)
	assert.Equal(t, config.StageShardEvents, req.Stage)

	data, err = os.ReadFile(ws.StageFile(2, config.StageConvertToShardedEvents, "response"))
	require.NoError(t, err)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, "bad codes", resp.Error)

	_, err = os.Stat(ws.StageFile(3, config.StageMergeToMEDSCohort, "request"))
	assert.True(t, os.IsNotExist(err), "stages after the failure never run")
}

func TestRunTimeout(t *testing.T) {
	cohort := t.TempDir()
	cfg := resolveEICU(t, cohort, "stages=[shard_events]")

	root := t.TempDir()
	writeStageDir(t, root, config.StageShardEvents, "#!/bin/sh\nexec sleep 30\n")
	reg, err := stage.Discover(root, nil)
	require.NoError(t, err)
	st, _ := reg.Get(config.StageShardEvents)
	st.Timeout = 200 * time.Millisecond

	orch := New(reg, openLedger(t))
	orch.grace = 100 * time.Millisecond

	start := time.Now()
	_, err = orch.Run(context.Background(), cfg, Options{})
	require.ErrorIs(t, err, ErrStageTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunCancelled(t *testing.T) {
	cohort := t.TempDir()
	cfg := resolveEICU(t, cohort, "stages=[shard_events]")
	reg, _ := writeStages(t, cfg.Stages, map[string]string{
		config.StageShardEvents: "#!/bin/sh\nexec sleep 30\n",
	})
	orch := New(reg, openLedger(t))
	orch.grace = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := orch.Run(ctx, cfg, Options{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunRefusesLockedCohort(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cohort := t.TempDir()
	cfg := resolveEICU(t, cohort)
	reg, _ := writeStages(t, cfg.Stages, nil)

	held, err := lock.AcquirePIDLock(LockPath(cohort))
	require.NoError(t, err)
	defer held.Release()

	_, err = New(reg, mocks.NewMockLedger(ctrl)).Run(context.Background(), cfg, Options{})
	assert.ErrorIs(t, err, lock.ErrLocked)
}

func TestRunLedgerInteractions(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cohort := t.TempDir()
	cfg := resolveEICU(t, cohort, "stages=[shard_events,split_and_shard_subjects]")
	reg, _ := writeStages(t, cfg.Stages, nil)
	ledger := mocks.NewMockLedger(ctrl)

	ctx := context.Background()
	gomock.InOrder(
		ledger.EXPECT().SucceededStages(ctx, cohort, cfg.Digest()).
			Return(map[string]bool{config.StageShardEvents: true}, nil),
		ledger.EXPECT().BeginRun(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, spec state.RunSpec) (*state.Run, error) {
			assert.Equal(t, "extract_eICU", spec.Pipeline)
			assert.Equal(t, cohort, spec.CohortDir)
			assert.Equal(t, cfg.Digest(), spec.ConfigDigest)
			return &state.Run{ID: "run-1"}, nil
		}),
		ledger.EXPECT().StartStage(ctx, "run-1", 0, config.StageShardEvents, gomock.Any()).Return(nil),
		ledger.EXPECT().FinishStage(ctx, "run-1", 0, state.StatusSkipped, "", "").Return(nil),
		ledger.EXPECT().StartStage(ctx, "run-1", 1, config.StageSplitAndShardSubjects, gomock.Any()).Return(nil),
		ledger.EXPECT().FinishStage(gomock.Any(), "run-1", 1, state.StatusSucceeded, "", "").Return(nil),
		ledger.EXPECT().FinishRun(ctx, "run-1", state.StatusSucceeded, "").Return(nil),
	)

	res, err := New(reg, ledger).Run(ctx, cfg, Options{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)
}

func TestRunLedgerFailures(t *testing.T) {
	t.Run("begin run", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		cfg := resolveEICU(t, t.TempDir(), "stages=[shard_events]")
		reg, _ := writeStages(t, cfg.Stages, nil)
		ledger := mocks.NewMockLedger(ctrl)
		ledger.EXPECT().BeginRun(gomock.Any(), gomock.Any()).Return(nil, errors.New("database is locked"))

		_, err := New(reg, ledger).Run(context.Background(), cfg, Options{})
		assert.ErrorContains(t, err, "database is locked")
	})

	t.Run("finish stage", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		cfg := resolveEICU(t, t.TempDir(), "stages=[shard_events]")
		reg, _ := writeStages(t, cfg.Stages, nil)
		ledger := mocks.NewMockLedger(ctrl)
		ledger.EXPECT().BeginRun(gomock.Any(), gomock.Any()).Return(&state.Run{ID: "r"}, nil)
		ledger.EXPECT().StartStage(gomock.Any(), "r", 0, config.StageShardEvents, gomock.Any()).Return(nil)
		ledger.EXPECT().FinishStage(gomock.Any(), "r", 0, state.StatusSucceeded, "", "").Return(errors.New("disk I/O error"))
		ledger.EXPECT().FinishRun(gomock.Any(), "r", state.StatusFailed, gomock.Any()).Return(nil)

		_, err := New(reg, ledger).Run(context.Background(), cfg, Options{})
		require.ErrorIs(t, err, ErrStageFailed)
		assert.ErrorContains(t, err, "disk I/O error")
	})
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{max: 5}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, b.truncated)

	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n, "writes always report full length")
	assert.True(t, b.truncated)

	_, _ = b.Write([]byte(strings.Repeat("x", 100)))
	assert.Equal(t, "abcde", b.String())
}
