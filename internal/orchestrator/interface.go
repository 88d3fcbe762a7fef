package orchestrator

import (
	"context"

	"github.com/mattjoyce/meds-etl/internal/state"
)

//go:generate mockgen -destination=mocks/mock_ledger.go -package=mocks github.com/mattjoyce/meds-etl/internal/orchestrator Ledger

// Ledger records runs and stage outcomes.
type Ledger interface {
	BeginRun(ctx context.Context, spec state.RunSpec) (*state.Run, error)
	StartStage(ctx context.Context, runID string, index int, stage string, options map[string]any) error
	FinishStage(ctx context.Context, runID string, index int, status state.Status, errMsg, stderr string) error
	FinishRun(ctx context.Context, runID string, status state.Status, errMsg string) error
	SucceededStages(ctx context.Context, cohortDir, digest string) (map[string]bool, error)
}

var _ Ledger = (*state.Store)(nil)
