package config

import (
	"fmt"
	"sort"
	"strings"
)

// validate performs basic validation on a resolved pipeline.
func validate(cfg *PipelineConfig) error {
	required := []struct {
		field string
		value string
	}{
		{"input_dir", cfg.InputDir},
		{"cohort_dir", cfg.CohortDir},
		{"event_conversion_config_fp", cfg.EventConversionConfigFP},
		{"etl_metadata.dataset_name", cfg.ETLMetadata.DatasetName},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.field)
		}
	}

	if len(cfg.Stages) == 0 {
		return fmt.Errorf("stages must list at least one stage")
	}
	seen := make(map[string]int, len(cfg.Stages))
	for i, name := range cfg.Stages {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("stages[%d]: stage name is empty", i)
		}
		if first, dup := seen[name]; dup {
			return fmt.Errorf("%w: stages[%d] repeats %q (first at stages[%d])", ErrDuplicateStage, i, name, first)
		}
		seen[name] = i
	}

	for name, opts := range cfg.StageConfigs {
		if opts == nil {
			continue
		}
		if _, ok := opts["stages"]; ok {
			return fmt.Errorf("stage_configs.%s: a stage cannot declare nested stages", name)
		}
	}
	return nil
}

// ConfigValidator reports non-fatal findings on a resolved pipeline.
type ConfigValidator struct {
	config *PipelineConfig
}

// NewValidator returns a validator for cfg.
func NewValidator(cfg *PipelineConfig) *ConfigValidator {
	return &ConfigValidator{config: cfg}
}

// UnusedStageConfigs returns stage_configs entries that name no planned stage.
// Entries inherited from a template whose stage list was replaced show up here.
func (v *ConfigValidator) UnusedStageConfigs() []string {
	planned := make(map[string]bool, len(v.config.Stages))
	for _, s := range v.config.Stages {
		planned[s] = true
	}

	var unused []string
	for name := range v.config.StageConfigs {
		if !planned[name] {
			unused = append(unused, name)
		}
	}
	sort.Strings(unused)
	return unused
}
