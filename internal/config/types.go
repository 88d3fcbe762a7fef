package config

import "encoding/json"

// Stage names of the MEDS extraction pipeline. The implementations live
// outside this repository; these are the names the bundled documents use.
const (
	StageShardEvents            = "shard_events"
	StageSplitAndShardSubjects  = "split_and_shard_subjects"
	StageConvertToShardedEvents = "convert_to_sharded_events"
	StageMergeToMEDSCohort      = "merge_to_MEDS_cohort"
	StageExtractCodeMetadata    = "extract_code_metadata"
	StageFinalizeMEDSMetadata   = "finalize_MEDS_metadata"
	StageFinalizeMEDSData       = "finalize_MEDS_data"
)

// PipelineConfig is a fully resolved extraction pipeline. It holds no
// unresolved references and is not modified after Resolve returns it.
type PipelineConfig struct {
	Description             string                 `koanf:"description" yaml:"description,omitempty"`
	EventConversionConfigFP string                 `koanf:"event_conversion_config_fp" yaml:"event_conversion_config_fp"`
	InputDir                string                 `koanf:"input_dir" yaml:"input_dir"`
	CohortDir               string                 `koanf:"cohort_dir" yaml:"cohort_dir"`
	ETLMetadata             ETLMetadata            `koanf:"etl_metadata" yaml:"etl_metadata"`
	StageConfigs            map[string]StageConfig `koanf:"stage_configs" yaml:"stage_configs"`
	Stages                  []string               `koanf:"stages" yaml:"stages"`
	DoOverwrite             bool                   `koanf:"do_overwrite" yaml:"do_overwrite"`
	Seed                    int                    `koanf:"seed" yaml:"seed"`

	// Name is the document the config was resolved from.
	Name string `koanf:"-" yaml:"-"`
	// Sources lists every composed document in load order.
	Sources []string `koanf:"-" yaml:"-"`

	tree map[string]any
}

// ETLMetadata identifies the dataset being extracted.
type ETLMetadata struct {
	DatasetName    string `koanf:"dataset_name" yaml:"dataset_name"`
	DatasetVersion string `koanf:"dataset_version" yaml:"dataset_version"`
}

// StageConfig holds the option overrides for one stage.
type StageConfig map[string]any

// Stage is one step of the execution plan.
type Stage struct {
	Index   int         `json:"index" yaml:"index"`
	Name    string      `json:"name" yaml:"name"`
	Options StageConfig `json:"options" yaml:"options"`
}

// Clone returns a deep copy of the stage options.
func (s StageConfig) Clone() StageConfig {
	if s == nil {
		return StageConfig{}
	}
	return StageConfig(deepCopy(map[string]any(s)).(map[string]any))
}

// Plan returns the stages in execution order with their options.
func (c *PipelineConfig) Plan() []Stage {
	plan := make([]Stage, 0, len(c.Stages))
	for i, name := range c.Stages {
		plan = append(plan, Stage{
			Index:   i,
			Name:    name,
			Options: c.StageConfigs[name].Clone(),
		})
	}
	return plan
}

// StageConfig returns the options for a stage and whether the stage is part
// of the plan.
func (c *PipelineConfig) StageConfig(name string) (StageConfig, bool) {
	for _, s := range c.Stages {
		if s == name {
			return c.StageConfigs[name].Clone(), true
		}
	}
	return nil, false
}

// Tree returns a copy of the full resolved document, including keys that have
// no typed field (do_overwrite, seed, ...).
func (c *PipelineConfig) Tree() map[string]any {
	return copyTree(c.tree)
}

// Digest identifies the resolved document. Two configs with the same digest
// produce the same stage requests.
func (c *PipelineConfig) Digest() string {
	// Resolved trees hold only YAML scalars, mappings and sequences.
	data, _ := json.Marshal(c.tree)
	return ComputeBlake3Hash(data)
}
