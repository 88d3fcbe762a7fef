package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCheckLocalAllowsLocalFS(t *testing.T) {
	t.Parallel()

	err := checkLocalWith(filepath.Join(t.TempDir(), "state.db"), func(string) (string, error) {
		return "apfs", nil
	})
	if err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}
}

func TestCheckLocalRejectsNetworkFS(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cohort")
	err := checkLocalWith(path, func(string) (string, error) {
		return "NFS", nil
	})
	if !errors.Is(err, ErrNetworkFilesystem) {
		t.Fatalf("expected ErrNetworkFilesystem, got %v", err)
	}
	var nfe *NetworkFilesystemError
	if !errors.As(err, &nfe) || nfe.FSType != "nfs" || nfe.Path != path {
		t.Fatalf("unexpected error detail: %#v", err)
	}
}

func TestCheckLocalUnsupportedPlatformPasses(t *testing.T) {
	t.Parallel()

	err := checkLocalWith(t.TempDir(), func(string) (string, error) {
		return "", errUnsupported
	})
	if err != nil {
		t.Fatalf("unsupported detection should pass, got %v", err)
	}
}

func TestCheckLocalInspectsNearestExistingPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	err := checkLocalWith(filepath.Join(root, "cohort", ".meds-etl", "state.db"), func(path string) (string, error) {
		inspected = path
		return "ext4", nil
	})
	if err != nil {
		t.Fatalf("checkLocalWith: %v", err)
	}
	if inspected != root {
		t.Fatalf("inspected %q, want %q", inspected, root)
	}
}

func TestNearestExistingReturnsFile(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "events.yaml")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := NearestExisting(file)
	if err != nil || got != file {
		t.Fatalf("NearestExisting = %q, %v", got, err)
	}
}

func TestIsNetworkFilesystem(t *testing.T) {
	t.Parallel()

	for fs, want := range map[string]bool{
		"nfs":    true,
		"SMBFS":  true,
		" cifs ": true,
		"apfs":   false,
		"0x6969": false,
		"":       false,
	} {
		if got := isNetworkFilesystem(fs); got != want {
			t.Errorf("isNetworkFilesystem(%q)=%v, want %v", fs, got, want)
		}
	}
}
