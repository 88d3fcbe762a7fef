package stage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Discover scans a single stagesDir for stages with manifest.yaml and validates them.
func Discover(stagesDir string, logger func(level, msg string, args ...any)) (*Registry, error) {
	return DiscoverMany([]string{stagesDir}, logger)
}

// DiscoverMany scans multiple stage roots for manifest.yaml files and validates stages.
// Roots are processed in input order; duplicate stage names keep the first discovered stage.
// Invalid stages are logged but not fatal: a missing implementation surfaces
// later as an unknown stage reference.
func DiscoverMany(stageRoots []string, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absRoots := make([]string, 0, len(stageRoots))
	seenRoots := make(map[string]struct{}, len(stageRoots))
	for _, root := range stageRoots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve stage root %q: %w", root, err)
		}
		info, err := os.Stat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("stage root does not exist: %s", absRoot)
			}
			return nil, fmt.Errorf("failed to stat stage root %s: %w", absRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("stage root is not a directory: %s", absRoot)
		}
		if _, ok := seenRoots[absRoot]; ok {
			continue
		}
		seenRoots[absRoot] = struct{}{}
		absRoots = append(absRoots, absRoot)
	}
	if len(absRoots) == 0 {
		return nil, fmt.Errorf("at least one stage root is required")
	}

	registry := NewRegistry()
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || d.Name() != manifestFilename {
				return nil
			}

			stagePath := filepath.Dir(path)
			s, err := loadStage(stagePath, root)
			if err != nil {
				logger("warn", "failed to load stage", "root", root, "path", stagePath, "error", err.Error())
				return nil
			}

			if err := registry.Add(s); err != nil {
				existing, _ := registry.Get(s.Name)
				logger("warn", "duplicate stage ignored (keeping first discovered)",
					"stage", s.Name,
					"ignored_path", s.Path,
					"kept_path", existing.Path,
				)
				return nil
			}

			logger("info", "loaded stage", "stage", s.Name, "path", s.Path, "version", s.Version)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage root %s: %w", root, err)
		}
	}

	return registry, nil
}

// loadStage reads and validates a single stage directory.
func loadStage(stagePath, root string) (*Stage, error) {
	data, err := os.ReadFile(filepath.Join(stagePath, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	entrypointPath := filepath.Join(stagePath, manifest.Entrypoint)
	if err := validateTrust(entrypointPath, stagePath, root); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	timeout := manifest.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &Stage{
		Name:        manifest.Name,
		Path:        stagePath,
		Entrypoint:  entrypointPath,
		Args:        manifest.Args,
		Protocol:    manifest.Protocol,
		Version:     manifest.Version,
		Description: manifest.Description,
		Timeout:     timeout,
		Options:     manifest.Options,
	}, nil
}

// validateTrust requires the entrypoint to be an executable inside the stage
// directory, under the stage root, in a directory that is not world-writable.
func validateTrust(entrypointPath, stagePath, root string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}
	resolvedStagePath, err := filepath.EvalSymlinks(stagePath)
	if err != nil {
		return fmt.Errorf("failed to resolve stage path symlink: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("failed to resolve stage root symlink %s: %w", root, err)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under stage root %s", resolvedEntrypoint, resolvedRoot)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedStagePath+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under stage directory %s", resolvedEntrypoint, resolvedStagePath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	dirInfo, err := os.Stat(resolvedStagePath)
	if err != nil {
		return fmt.Errorf("stage directory not found: %w", err)
	}
	if dirInfo.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("stage directory is world-writable: %s", resolvedStagePath)
	}

	return nil
}
