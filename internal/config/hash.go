package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name inside a config directory.
const ChecksumFile = ".checksums"

// ChecksumManifest maps document names (relative to the config dir) to BLAKE3 hashes.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// HashUpdateFileResult captures checksum generation outcome for one document.
type HashUpdateFileResult struct {
	Filename string
	Hash     string
}

// HashUpdateReport captures checksum generation details for a config directory.
type HashUpdateReport struct {
	ConfigDir    string
	ChecksumPath string
	Written      bool
	Files        []HashUpdateFileResult
}

// ComputeBlake3Hash computes the BLAKE3 hash of data.
func ComputeBlake3Hash(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// HashFile computes the BLAKE3 hash of a document in fsys.
func HashFile(fsys fs.FS, name string) (string, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return ComputeBlake3Hash(data), nil
}

// VerifyFileHash verifies a document against an expected BLAKE3 hash.
func VerifyFileHash(fsys fs.FS, name, expectedHash string) error {
	actualHash, err := HashFile(fsys, name)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s", name, expectedHash, actualHash)
	}
	return nil
}

// GenerateChecksumsWithReport hashes every pipeline document in configDir and
// writes .checksums unless dryRun is set.
func GenerateChecksumsWithReport(configDir string, dryRun bool) (*HashUpdateReport, error) {
	absDir, err := filepath.Abs(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config dir %q: %w", configDir, err)
	}
	fsys := os.DirFS(absDir)

	files, err := DiscoverPipelineFiles(fsys)
	if err != nil {
		return nil, err
	}

	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}
	report := &HashUpdateReport{
		ConfigDir:    absDir,
		ChecksumPath: filepath.Join(absDir, ChecksumFile),
		Files:        make([]HashUpdateFileResult, 0, len(files)),
	}

	for _, name := range files {
		hash, err := HashFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", name, err)
		}
		manifest.Hashes[name] = hash
		report.Files = append(report.Files, HashUpdateFileResult{Filename: name, Hash: hash})
	}

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(report.ChecksumPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true

	return report, nil
}

// errNoChecksums is returned by LoadChecksums when the directory was never locked.
var errNoChecksums = errors.New("checksums file not found (run 'meds-etl config lock')")

// LoadChecksums reads the .checksums manifest from fsys.
func LoadChecksums(fsys fs.FS) (*ChecksumManifest, error) {
	data, err := fs.ReadFile(fsys, ChecksumFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errNoChecksums
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// verifySourceHashes checks every composed document against .checksums.
// A directory without a manifest is not verified.
func verifySourceHashes(fsys fs.FS, sources []string) error {
	manifest, err := LoadChecksums(fsys)
	if errors.Is(err, errNoChecksums) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, name := range sources {
		expected, ok := manifest.Hashes[name]
		if !ok {
			return fmt.Errorf("config document %s has no hash in %s\n"+
				"Run: meds-etl config lock", name, ChecksumFile)
		}
		if err := VerifyFileHash(fsys, name, expected); err != nil {
			return fmt.Errorf("config verification failed for %s: %w\n"+
				"If you edited this file intentionally, run: meds-etl config lock", name, err)
		}
	}
	return nil
}
