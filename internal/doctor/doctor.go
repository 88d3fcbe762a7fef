// Package doctor checks a resolved pipeline against the stage registry and
// the filesystem before anything runs.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/meds-etl/internal/config"
	"github.com/mattjoyce/meds-etl/internal/orchestrator"
	"github.com/mattjoyce/meds-etl/internal/stage"
	"github.com/mattjoyce/meds-etl/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Pipeline string  `json:"pipeline"`
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a resolved pipeline against discovered stages.
type Doctor struct {
	cfg       *config.PipelineConfig
	registry  *stage.Registry
	integrity *config.IntegrityResult
}

// New creates a Doctor. A nil registry skips the stage checks.
func New(cfg *config.PipelineConfig, registry *stage.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry}
}

// WithIntegrity folds a config directory integrity check into the report.
func (d *Doctor) WithIntegrity(res *config.IntegrityResult) *Doctor {
	d.integrity = res
	return d
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Pipeline: d.cfg.Name, Valid: true}

	d.validateIntegrity(r)
	d.validateStageRefs(r)
	d.validateInputs(r)
	d.validateCohortDir(r)
	d.warnUndeclaredOptions(r)
	d.warnUnusedStageConfigs(r)
	d.warnUnplannedStages(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateIntegrity(r *Result) {
	if d.integrity == nil {
		return
	}
	for _, e := range d.integrity.Errors {
		d.addError(r, "integrity", "", e)
	}
	for _, w := range d.integrity.Warnings {
		d.addWarning(r, "integrity", "", w)
	}
}

// validateStageRefs checks that every planned stage has an implementation.
func (d *Doctor) validateStageRefs(r *Result) {
	if d.registry == nil {
		d.addWarning(r, "stage_refs", "stages", "no stage root given; stage implementations not checked")
		return
	}
	err := d.registry.Require(d.cfg.Stages)
	var unknown *stage.UnknownStageError
	if !errors.As(err, &unknown) {
		return
	}
	for _, name := range unknown.Stages {
		d.addError(r, "stage_refs", fmt.Sprintf("stages.%d", indexOf(d.cfg.Stages, name)),
			fmt.Sprintf("stage %q is planned but has no registered implementation", name))
	}
}

// validateInputs checks the paths stages read from.
func (d *Doctor) validateInputs(r *Result) {
	if info, err := os.Stat(d.cfg.InputDir); err != nil {
		d.addError(r, "paths", "input_dir", fmt.Sprintf("input_dir %s: %v", d.cfg.InputDir, unwrapPathError(err)))
	} else if !info.IsDir() {
		d.addError(r, "paths", "input_dir", fmt.Sprintf("input_dir %s is not a directory", d.cfg.InputDir))
	}

	fp := d.cfg.EventConversionConfigFP
	if info, err := os.Stat(fp); err != nil {
		d.addError(r, "paths", "event_conversion_config_fp", fmt.Sprintf("event conversion config %s: %v", fp, unwrapPathError(err)))
	} else if info.IsDir() {
		d.addError(r, "paths", "event_conversion_config_fp", fmt.Sprintf("event conversion config %s is a directory", fp))
	}
}

// validateCohortDir checks the output directory can be written and holds the
// run lock and default ledger safely.
func (d *Doctor) validateCohortDir(r *Result) {
	dir := d.cfg.CohortDir
	if err := storage.CheckLocal(dir); errors.Is(err, storage.ErrNetworkFilesystem) {
		d.addWarning(r, "paths", "cohort_dir",
			fmt.Sprintf("%v; pass --state-db with a local path when running", err))
	}
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		d.addError(r, "paths", "cohort_dir", fmt.Sprintf("cohort_dir %s exists and is not a directory", dir))
		return
	case err == nil:
		entries, err := os.ReadDir(dir)
		if err != nil {
			d.addWarning(r, "paths", "cohort_dir", fmt.Sprintf("cohort_dir %s is not readable: %v", dir, unwrapPathError(err)))
			return
		}
		if hasOutput(entries) && !d.cfg.DoOverwrite {
			d.addWarning(r, "paths", "cohort_dir",
				fmt.Sprintf("cohort_dir %s already holds output and do_overwrite is false", dir))
		}
		if !canCreateIn(dir) {
			d.addWarning(r, "paths", "cohort_dir", fmt.Sprintf("cohort_dir %s is not writable", dir))
		}
	case errors.Is(err, os.ErrNotExist):
		parent := nearestExistingDir(dir)
		if parent == "" || !canCreateIn(parent) {
			d.addWarning(r, "paths", "cohort_dir", fmt.Sprintf("cohort_dir %s cannot be created", dir))
		}
	default:
		d.addWarning(r, "paths", "cohort_dir", fmt.Sprintf("cohort_dir %s: %v", dir, unwrapPathError(err)))
	}
}

// warnUndeclaredOptions flags options a stage manifest does not list.
func (d *Doctor) warnUndeclaredOptions(r *Result) {
	if d.registry == nil {
		return
	}
	for _, planned := range d.cfg.Plan() {
		st, ok := d.registry.Get(planned.Name)
		if !ok {
			continue
		}
		for _, opt := range st.UnknownOptions(planned.Options) {
			d.addWarning(r, "options", fmt.Sprintf("stage_configs.%s.%s", planned.Name, opt),
				fmt.Sprintf("option %q is not declared by stage %q", opt, planned.Name))
		}
	}
}

func (d *Doctor) warnUnusedStageConfigs(r *Result) {
	for _, name := range config.NewValidator(d.cfg).UnusedStageConfigs() {
		d.addWarning(r, "unused", "stage_configs."+name,
			fmt.Sprintf("stage_configs entry %q names no planned stage", name))
	}
}

// warnUnplannedStages notes registered stages the plan never calls.
func (d *Doctor) warnUnplannedStages(r *Result) {
	if d.registry == nil {
		return
	}
	for _, name := range d.registry.Names() {
		if indexOf(d.cfg.Stages, name) < 0 {
			d.addWarning(r, "unused", "",
				fmt.Sprintf("stage %q is registered but not in the plan", name))
		}
	}
}

func indexOf(list []string, name string) int {
	for i, s := range list {
		if s == name {
			return i
		}
	}
	return -1
}

// hasOutput ignores the orchestrator's own state directory.
func hasOutput(entries []os.DirEntry) bool {
	for _, e := range entries {
		if e.Name() != orchestrator.StateDirName {
			return true
		}
	}
	return false
}

func nearestExistingDir(path string) string {
	existing, err := storage.NearestExisting(path)
	if err != nil {
		return ""
	}
	if info, err := os.Stat(existing); err != nil || !info.IsDir() {
		return ""
	}
	return existing
}

func canCreateIn(dir string) bool {
	probe, err := os.MkdirTemp(dir, ".meds-etl-doctor-")
	if err != nil {
		return false
	}
	_ = os.Remove(probe)
	return true
}

func unwrapPathError(err error) error {
	var pe *os.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	name := "Configuration"
	if r.Pipeline != "" {
		name = fmt.Sprintf("Pipeline %s", r.Pipeline)
	}

	if r.Valid && len(r.Warnings) == 0 {
		fmt.Fprintf(&b, "%s valid.\n", name)
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "%s valid (%d warning(s))\n", name, len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "%s invalid (%d error(s), %d warning(s))\n", name, len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
