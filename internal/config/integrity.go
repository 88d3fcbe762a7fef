package config

import (
	"errors"
	"fmt"
	"io/fs"
)

// IntegrityResult collects the findings of VerifyIntegrity.
type IntegrityResult struct {
	Passed   bool
	Locked   bool
	Errors   []string
	Warnings []string
}

// VerifyIntegrity checks every pipeline document in fsys against .checksums.
// Modified or unlisted documents are errors; manifest entries for documents
// that no longer exist are warnings. An unlocked directory passes with a warning.
func VerifyIntegrity(fsys fs.FS) (*IntegrityResult, error) {
	result := &IntegrityResult{Passed: true}

	files, err := DiscoverPipelineFiles(fsys)
	if err != nil {
		return nil, err
	}

	manifest, err := LoadChecksums(fsys)
	if err != nil {
		if errors.Is(err, errNoChecksums) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("no %s manifest found; run 'meds-etl config lock' to enable integrity verification", ChecksumFile))
			return result, nil
		}
		return nil, err
	}
	result.Locked = true

	onDisk := make(map[string]bool, len(files))
	for _, name := range files {
		onDisk[name] = true

		expected, ok := manifest.Hashes[name]
		if !ok {
			result.Passed = false
			result.Errors = append(result.Errors, fmt.Sprintf("document %s not in %s", name, ChecksumFile))
			continue
		}
		if err := VerifyFileHash(fsys, name, expected); err != nil {
			result.Passed = false
			result.Errors = append(result.Errors, err.Error())
		}
	}

	for name := range manifest.Hashes {
		if !onDisk[name] {
			result.Warnings = append(result.Warnings, fmt.Sprintf("document %s is in %s but missing from disk", name, ChecksumFile))
		}
	}

	return result, nil
}
