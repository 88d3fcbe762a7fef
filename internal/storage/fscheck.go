package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem is matched by every *NetworkFilesystemError.
var ErrNetworkFilesystem = errors.New("network filesystem")

// NetworkFilesystemError reports a path that lives on a network mount, where
// SQLite locking and the run lock are unreliable.
type NetworkFilesystemError struct {
	Path   string
	FSType string
}

func (e *NetworkFilesystemError) Error() string {
	return fmt.Sprintf("%s is on network filesystem %q", e.Path, e.FSType)
}

func (e *NetworkFilesystemError) Is(target error) bool { return target == ErrNetworkFilesystem }

var errUnsupported = errors.New("filesystem detection is unsupported on this platform")

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// CheckLocal returns a *NetworkFilesystemError when path, or the nearest
// existing directory above it, is on a network mount. Platforms without
// filesystem detection always pass.
func CheckLocal(path string) error {
	return checkLocalWith(path, detectFilesystemType)
}

func checkLocalWith(path string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	existing, err := NearestExisting(path)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", path, err)
	}

	fsType, err := detect(existing)
	if errors.Is(err, errUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}

	if isNetworkFilesystem(fsType) {
		return &NetworkFilesystemError{Path: path, FSType: strings.ToLower(fsType)}
	}
	return nil
}

// NearestExisting walks up from path to the first entry that exists and
// returns its absolute path.
func NearestExisting(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
