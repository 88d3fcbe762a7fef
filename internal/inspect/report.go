package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/meds-etl/internal/state"
)

// maxArtifacts bounds the files listed per stage output directory.
const maxArtifacts = 20

// RunSource loads a recorded run.
type RunSource interface {
	GetRun(ctx context.Context, id string) (*state.Run, error)
}

// Report is the structured JSON representation of a run report.
type Report struct {
	RunID        string     `json:"run_id"`
	Pipeline     string     `json:"pipeline"`
	CohortDir    string     `json:"cohort_dir"`
	ConfigDigest string     `json:"config_digest"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Steps        []Step     `json:"steps"`
}

// Step is one stage of the run.
type Step struct {
	Index     int             `json:"index"`
	Stage     string          `json:"stage"`
	Status    string          `json:"status"`
	Duration  string          `json:"duration,omitempty"`
	Error     string          `json:"error,omitempty"`
	Stderr    string          `json:"stderr,omitempty"`
	OutputDir string          `json:"output_dir,omitempty"`
	Artifacts []string        `json:"artifacts,omitempty"`
	Options   json.RawMessage `json:"options"`
}

// BuildReport renders a terminal-friendly report for a run.
func BuildReport(ctx context.Context, src RunSource, runID string) (string, error) {
	report, err := gatherReportData(ctx, src, runID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", report.RunID)
	fmt.Fprintf(&out, "Pipeline    : %s\n", report.Pipeline)
	fmt.Fprintf(&out, "Cohort      : %s\n", report.CohortDir)
	fmt.Fprintf(&out, "Digest      : %s\n", report.ConfigDigest)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt.Format(time.RFC3339))
	if report.CompletedAt != nil {
		fmt.Fprintf(&out, "Completed   : %s\n", report.CompletedAt.Format(time.RFC3339))
	}
	if report.LastError != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.LastError)
	}
	fmt.Fprintf(&out, "\n")

	for _, step := range report.Steps {
		fmt.Fprintf(&out, "[%d] %s (%s)\n", step.Index, step.Stage, step.Status)
		if step.Duration != "" {
			fmt.Fprintf(&out, "    duration   : %s\n", step.Duration)
		}
		if step.Error != "" {
			fmt.Fprintf(&out, "    error      : %s\n", step.Error)
		}
		if step.OutputDir != "" {
			fmt.Fprintf(&out, "    output_dir : %s\n", step.OutputDir)
			if len(step.Artifacts) == 0 {
				fmt.Fprintf(&out, "    artifacts  : <none>\n")
			} else {
				fmt.Fprintf(&out, "    artifacts  :\n")
				for _, artifact := range step.Artifacts {
					fmt.Fprintf(&out, "      - %s\n", artifact)
				}
			}
		}
		fmt.Fprintf(&out, "    options    :\n")
		for _, line := range strings.Split(strings.TrimSpace(prettyJSON(step.Options)), "\n") {
			fmt.Fprintf(&out, "      %s\n", line)
		}
		if step.Stderr != "" {
			fmt.Fprintf(&out, "    stderr     :\n")
			for _, line := range strings.Split(strings.TrimRight(step.Stderr, "\n"), "\n") {
				fmt.Fprintf(&out, "      | %s\n", line)
			}
		}
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON run report.
func BuildJSONReport(ctx context.Context, src RunSource, runID string) (string, error) {
	report, err := gatherReportData(ctx, src, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src RunSource, runID string) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	run, err := src.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:        run.ID,
		Pipeline:     run.Pipeline,
		CohortDir:    run.CohortDir,
		ConfigDigest: run.ConfigDigest,
		Status:       string(run.Status),
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		LastError:    run.LastError,
		Steps:        make([]Step, 0, len(run.Stages)),
	}

	for _, sr := range run.Stages {
		step := Step{
			Index:   sr.Index,
			Stage:   sr.Stage,
			Status:  string(sr.Status),
			Error:   sr.LastError,
			Stderr:  sr.Stderr,
			Options: sr.Options,
		}
		if sr.CompletedAt != nil && sr.Status != state.StatusSkipped {
			step.Duration = sr.CompletedAt.Sub(sr.StartedAt).Round(time.Millisecond).String()
		}
		if dir := outputDir(sr.Options); dir != "" {
			step.OutputDir = dir
			step.Artifacts, _ = listArtifacts(dir)
		}
		report.Steps = append(report.Steps, step)
	}

	return report, nil
}

// outputDir returns the stage's output_dir option, if any.
func outputDir(options json.RawMessage) string {
	var opts struct {
		OutputDir string `json:"output_dir"`
	}
	if err := json.Unmarshal(options, &opts); err != nil {
		return ""
	}
	return opts.OutputDir
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func listArtifacts(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	artifacts := make([]string, 0)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == dir || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(artifacts)
	if len(artifacts) > maxArtifacts {
		more := len(artifacts) - maxArtifacts
		artifacts = append(artifacts[:maxArtifacts], fmt.Sprintf("... %d more", more))
	}
	return artifacts, nil
}
