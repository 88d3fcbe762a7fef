package workspace

import (
	"context"
	"time"
)

// Workspace is the audit directory of one pipeline run. It holds a copy of
// every stage request and response so a run can be inspected after the fact.
type Workspace struct {
	RunID string
	Dir   string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs run workspace lifecycle.
type Manager interface {
	// Create initializes a new workspace for runID.
	Create(ctx context.Context, runID string) (Workspace, error)

	// Open resolves an existing workspace for runID.
	Open(ctx context.Context, runID string) (Workspace, error)

	// Cleanup removes workspaces older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
