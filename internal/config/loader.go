package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/v2"

	"github.com/mattjoyce/meds-etl/configs"
)

// Resolver turns a dataset pipeline document plus the shared template into a
// PipelineConfig. A Resolver holds no state between calls.
type Resolver struct {
	// FS holds the pipeline documents. Defaults to the bundled documents.
	FS fs.FS
	// Env is the resolution context for ${oc.env:...} references.
	Env Env
	// Overrides are Hydra-style command-line overrides applied after composition.
	Overrides []string
	// SkipIntegrity disables .checksums verification.
	SkipIntegrity bool
	Logger        *slog.Logger
}

// NewResolver returns a resolver over the bundled documents.
func NewResolver(env Env) *Resolver {
	return &Resolver{FS: configs.FS, Env: env}
}

// NewDirResolver returns a resolver over the documents in dir.
func NewDirResolver(dir string, env Env) (*Resolver, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config dir %q: %w", dir, err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("config dir not found: %s\n"+
			"Hint: Check the path or run with --config-dir", absDir)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config dir is not a directory: %s", absDir)
	}
	return &Resolver{FS: os.DirFS(absDir), Env: env}, nil
}

// Resolve loads the named pipeline document and returns the resolved config.
//
// The steps are: compose the defaults list, apply overrides, interpolate
// ${...} expressions, reject leftover ??? values, decode and validate.
func (r *Resolver) Resolve(name string) (*PipelineConfig, error) {
	fsys := r.FS
	if fsys == nil {
		fsys = configs.FS
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	docName := DocumentName(name)

	c := newComposer(fsys)
	tree, err := c.compose(docName)
	if err != nil {
		return nil, err
	}
	logger.Debug("composed pipeline", "pipeline", docName, "sources", c.sources)

	if !r.SkipIntegrity {
		if err := verifySourceHashes(fsys, c.sources); err != nil {
			return nil, err
		}
	}

	if len(r.Overrides) > 0 {
		overrides := make([]Override, 0, len(r.Overrides))
		for _, raw := range r.Overrides {
			o, err := ParseOverride(raw)
			if err != nil {
				return nil, err
			}
			overrides = append(overrides, o)
		}
		if tree, err = ApplyOverrides(tree, overrides); err != nil {
			return nil, err
		}
	}

	resolved, err := Interpolate(tree, r.Env)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", docName, err)
	}
	if missing := findMissing(resolved, ""); len(missing) > 0 {
		return nil, fmt.Errorf("resolve %s: %w: %s", docName, ErrMissingValue, strings.Join(missing, ", "))
	}

	cfg, err := decode(resolved)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", docName, err)
	}
	cfg.Name = strings.TrimSuffix(docName, filepath.Ext(docName))
	cfg.Sources = c.sources

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid pipeline %s: %w", docName, err)
	}
	fillStageConfigs(cfg)

	logger.Info("resolved pipeline",
		"pipeline", cfg.Name,
		"dataset", cfg.ETLMetadata.DatasetName,
		"stages", len(cfg.Stages),
	)
	return cfg, nil
}

// decode maps the resolved tree onto PipelineConfig through koanf.
func decode(tree map[string]any) (*PipelineConfig, error) {
	k := koanf.New(".")
	if err := k.Load(treeProvider(tree), nil); err != nil {
		return nil, fmt.Errorf("load resolved tree: %w", err)
	}

	var cfg PipelineConfig
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode pipeline config: %w", err)
	}
	cfg.tree = copyTree(tree)
	return &cfg, nil
}

// fillStageConfigs gives every planned stage a (possibly empty) options entry,
// both on the typed field and in the tree.
func fillStageConfigs(cfg *PipelineConfig) {
	if cfg.StageConfigs == nil {
		cfg.StageConfigs = make(map[string]StageConfig)
	}
	sc, _ := cfg.tree["stage_configs"].(map[string]any)
	if sc == nil {
		sc = make(map[string]any)
		cfg.tree["stage_configs"] = sc
	}
	for _, name := range cfg.Stages {
		if cfg.StageConfigs[name] == nil {
			cfg.StageConfigs[name] = StageConfig{}
		}
		if _, ok := sc[name].(map[string]any); !ok {
			sc[name] = map[string]any{}
		}
	}
}

// mapProvider is a koanf.Provider over an in-memory tree.
type mapProvider map[string]any

func treeProvider(tree map[string]any) mapProvider {
	return mapProvider(copyTree(tree))
}

func (p mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("map provider does not support this method")
}

func (p mapProvider) Read() (map[string]any, error) {
	return map[string]any(p), nil
}
