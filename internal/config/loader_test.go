package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/meds-etl/configs"
)

var extractionStages = []string{
	StageShardEvents,
	StageSplitAndShardSubjects,
	StageConvertToShardedEvents,
	StageMergeToMEDSCohort,
	StageFinalizeMEDSMetadata,
	StageFinalizeMEDSData,
}

func eicuEnv() Env {
	return Env{
		"EICU_PRE_MEDS_DIR":          "/a",
		"EICU_MEDS_COHORT_DIR":       "/b",
		"EVENT_CONVERSION_CONFIG_FP": "/c.yaml",
	}
}

func aumcEnv() Env {
	return Env{
		"AUMC_PRE_MEDS_DIR":          "/pre",
		"AUMC_MEDS_COHORT_DIR":       "/cohort",
		"EVENT_CONVERSION_CONFIG_FP": "/events.yaml",
	}
}

// writeBundled copies the bundled pipeline documents into a temp dir.
func writeBundled(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files, err := DiscoverPipelineFiles(configs.FS)
	require.NoError(t, err)
	for _, name := range files {
		data, err := fs.ReadFile(configs.FS, name)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	return dir
}

func TestResolveEICU(t *testing.T) {
	cfg, err := NewResolver(eicuEnv()).Resolve("extract_eICU")
	require.NoError(t, err)

	assert.Equal(t, "/a", cfg.InputDir)
	assert.Equal(t, "/b", cfg.CohortDir)
	assert.Equal(t, "/c.yaml", cfg.EventConversionConfigFP)
	assert.Equal(t, 999999999, cfg.StageConfigs[StageShardEvents]["infer_schema_length"])
	assert.Equal(t, "eICU", cfg.ETLMetadata.DatasetName)
	assert.Equal(t, "2.0", cfg.ETLMetadata.DatasetVersion)
	assert.Equal(t, "extract_eICU", cfg.Name)
	assert.Equal(t, []string{"extract_eICU.yaml", "_extract.yaml"}, cfg.Sources)

	// Template keys the dataset document does not override survive the merge.
	assert.Equal(t, 200000000, cfg.StageConfigs[StageShardEvents]["row_chunksize"])
	assert.Equal(t, "/b/data", cfg.StageConfigs[StageMergeToMEDSCohort]["output_dir"])
	assert.Equal(t, false, cfg.Tree()["do_overwrite"])
}

func TestResolveAUMCMissingCohortDir(t *testing.T) {
	env := aumcEnv()
	delete(env, "AUMC_MEDS_COHORT_DIR")

	_, err := NewResolver(env).Resolve("extract_AUMC")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingEnvironmentVariable))

	var missing *MissingEnvVarError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "AUMC_MEDS_COHORT_DIR", missing.Name)
	assert.Equal(t, "cohort_dir", missing.Path)
}

func TestResolveStageOrder(t *testing.T) {
	tests := []struct {
		pipeline string
		env      Env
	}{
		{pipeline: "extract_AUMC", env: aumcEnv()},
		{pipeline: "extract_eICU", env: eicuEnv()},
	}

	for _, tt := range tests {
		t.Run(tt.pipeline, func(t *testing.T) {
			cfg, err := NewResolver(tt.env).Resolve(tt.pipeline)
			require.NoError(t, err)
			assert.Equal(t, extractionStages, cfg.Stages)

			plan := cfg.Plan()
			require.Len(t, plan, len(extractionStages))
			for i, st := range plan {
				assert.Equal(t, i, st.Index)
				assert.Equal(t, extractionStages[i], st.Name)
				assert.NotNil(t, st.Options, "every planned stage has options")
			}
		})
	}
}

func TestResolveIsIdempotentUnderMerge(t *testing.T) {
	cfg, err := NewResolver(eicuEnv()).Resolve("extract_eICU")
	require.NoError(t, err)

	tree := cfg.Tree()
	merged, err := Merge(tree, tree)
	require.NoError(t, err)
	assert.Equal(t, tree, merged)
}

func TestResolvePlanIsImmutable(t *testing.T) {
	cfg, err := NewResolver(eicuEnv()).Resolve("extract_eICU")
	require.NoError(t, err)

	plan := cfg.Plan()
	plan[0].Options["infer_schema_length"] = 1
	cfg.Tree()["input_dir"] = "/elsewhere"

	again := cfg.Plan()
	assert.Equal(t, 999999999, again[0].Options["infer_schema_length"])
	assert.Equal(t, "/a", cfg.Tree()["input_dir"])
}

func TestDigest(t *testing.T) {
	a, err := NewResolver(eicuEnv()).Resolve("extract_eICU")
	require.NoError(t, err)
	b, err := NewResolver(eicuEnv()).Resolve("extract_eICU")
	require.NoError(t, err)
	assert.Equal(t, a.Digest(), b.Digest())
	assert.False(t, a.DoOverwrite)
	assert.Equal(t, 1, a.Seed)

	r := NewResolver(eicuEnv())
	r.Overrides = []string{"seed=2"}
	c, err := r.Resolve("extract_eICU")
	require.NoError(t, err)
	assert.NotEqual(t, a.Digest(), c.Digest())
}

func TestResolveOverrides(t *testing.T) {
	r := NewResolver(eicuEnv())
	r.Overrides = []string{
		"stage_configs.shard_events.row_chunksize=1000",
		"+stage_configs.convert_to_sharded_events.do_dedup=true",
		"stages=[shard_events,split_and_shard_subjects]",
	}

	cfg, err := r.Resolve("extract_eICU")
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.StageConfigs[StageShardEvents]["row_chunksize"])
	assert.Equal(t, []string{StageShardEvents, StageSplitAndShardSubjects}, cfg.Stages)

	_, planned := cfg.StageConfig(StageConvertToShardedEvents)
	assert.False(t, planned)
}

func TestResolveOverrideTypeMismatch(t *testing.T) {
	r := NewResolver(eicuEnv())
	r.Overrides = []string{"stage_configs.shard_events=5"}

	_, err := r.Resolve("extract_eICU")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedOverride))

	var mo *MalformedOverrideError
	require.ErrorAs(t, err, &mo)
	assert.Equal(t, "stage_configs.shard_events", mo.Path)
}

func TestResolveComposition(t *testing.T) {
	template := `
input_dir: /template/in
cohort_dir: /template/out
event_conversion_config_fp: /template/events.yaml
etl_metadata:
  dataset_name: template
stage_configs:
  shard_events:
    row_chunksize: 10
    infer_schema_length: 100
stages: [shard_events, extra_stage]
`
	tests := []struct {
		name    string
		files   fstest.MapFS
		wantErr error
		checkFn func(t *testing.T, cfg *PipelineConfig)
	}{
		{
			name: "self after template overrides it",
			files: fstest.MapFS{
				"_base.yaml": {Data: []byte(template)},
				"ds.yaml": {Data: []byte(`
defaults: [_base, _self_]
input_dir: /ds/in
stage_configs:
  shard_events:
    infer_schema_length: 5
stages: [shard_events]
`)},
			},
			checkFn: func(t *testing.T, cfg *PipelineConfig) {
				assert.Equal(t, "/ds/in", cfg.InputDir)
				assert.Equal(t, "/template/out", cfg.CohortDir)
				assert.Equal(t, 5, cfg.StageConfigs["shard_events"]["infer_schema_length"])
				assert.Equal(t, 10, cfg.StageConfigs["shard_events"]["row_chunksize"])
				assert.Equal(t, []string{"shard_events"}, cfg.Stages)
			},
		},
		{
			name: "self before template is overridden by it",
			files: fstest.MapFS{
				"_base.yaml": {Data: []byte(template)},
				"ds.yaml": {Data: []byte(`
defaults: [_self_, _base]
input_dir: /ds/in
`)},
			},
			checkFn: func(t *testing.T, cfg *PipelineConfig) {
				assert.Equal(t, "/template/in", cfg.InputDir)
			},
		},
		{
			name: "self defaults to last",
			files: fstest.MapFS{
				"_base.yaml": {Data: []byte(template)},
				"ds.yaml": {Data: []byte(`
defaults: [_base]
input_dir: /ds/in
`)},
			},
			checkFn: func(t *testing.T, cfg *PipelineConfig) {
				assert.Equal(t, "/ds/in", cfg.InputDir)
				assert.Equal(t, []string{"shard_events", "extra_stage"}, cfg.Stages)
				_, hasDefaults := cfg.Tree()["defaults"]
				assert.False(t, hasDefaults)
				assert.Equal(t, StageConfig{}, cfg.StageConfigs["extra_stage"])
			},
		},
		{
			name: "scalar replaced by mapping",
			files: fstest.MapFS{
				"_base.yaml": {Data: []byte(template)},
				"ds.yaml": {Data: []byte(`
defaults: [_base, _self_]
input_dir:
  path: /nope
`)},
			},
			wantErr: ErrMalformedOverride,
		},
		{
			name: "circular defaults",
			files: fstest.MapFS{
				"a.yaml": {Data: []byte("defaults: [b]\n")},
				"b.yaml": {Data: []byte("defaults: [a]\n")},
				"ds.yaml": {Data: []byte("defaults: [a]\n")},
			},
			wantErr: ErrCompositionCycle,
		},
		{
			name: "duplicate stage",
			files: fstest.MapFS{
				"_base.yaml": {Data: []byte(template)},
				"ds.yaml": {Data: []byte(`
defaults: [_base, _self_]
stages: [shard_events, shard_events]
`)},
			},
			wantErr: ErrDuplicateStage,
		},
		{
			name: "mandatory value left unset",
			files: fstest.MapFS{
				"_base.yaml": {Data: []byte(template)},
				"ds.yaml": {Data: []byte(`
defaults: [_base, _self_]
etl_metadata:
  dataset_version: ???
`)},
			},
			wantErr: ErrMissingValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Resolver{FS: tt.files, Env: Env{}}
			cfg, err := r.Resolve("ds")
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			tt.checkFn(t, cfg)
		})
	}
}

func TestResolveMissingDocument(t *testing.T) {
	_, err := NewResolver(Env{}).Resolve("extract_nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extract_nope.yaml")
}

func TestNewDirResolver(t *testing.T) {
	dir := writeBundled(t)

	r, err := NewDirResolver(dir, eicuEnv())
	require.NoError(t, err)
	cfg, err := r.Resolve("extract_eICU.yaml")
	require.NoError(t, err)
	assert.Equal(t, extractionStages, cfg.Stages)

	_, err = NewDirResolver(filepath.Join(dir, "missing"), eicuEnv())
	assert.Error(t, err)
}

func TestResolveVerifiesChecksums(t *testing.T) {
	dir := writeBundled(t)

	report, err := GenerateChecksumsWithReport(dir, false)
	require.NoError(t, err)
	assert.True(t, report.Written)
	assert.Len(t, report.Files, 3)

	r, err := NewDirResolver(dir, eicuEnv())
	require.NoError(t, err)
	_, err = r.Resolve("extract_eICU")
	require.NoError(t, err)

	// Tamper with the shared template.
	path := filepath.Join(dir, "_extract.yaml")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, []byte("\n# edited\n")...), 0o644))

	_, err = r.Resolve("extract_eICU")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")

	r.SkipIntegrity = true
	_, err = r.Resolve("extract_eICU")
	assert.NoError(t, err)
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("MEDS_ETL_TEST_FROM_FILE=file\nMEDS_ETL_TEST_BOTH=file\n"), 0o600))
	t.Setenv("MEDS_ETL_TEST_BOTH", "process")

	env, err := LoadEnv(envFile)
	require.NoError(t, err)

	v, ok := env.Lookup("MEDS_ETL_TEST_FROM_FILE")
	assert.True(t, ok)
	assert.Equal(t, "file", v)

	v, ok = env.Lookup("MEDS_ETL_TEST_BOTH")
	assert.True(t, ok)
	assert.Equal(t, "process", v)

	_, err = LoadEnv(filepath.Join(dir, "missing.env"))
	assert.Error(t, err)
}
