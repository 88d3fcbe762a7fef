package stage

import (
	"fmt"
	"strings"
	"time"
)

const (
	// SupportedProtocol is the stage wire protocol version this orchestrator speaks.
	SupportedProtocol = 1
	manifestFilename  = "manifest.yaml"
	defaultTimeout    = 6 * time.Hour
)

// Manifest defines the structure of a stage's manifest.yaml file.
type Manifest struct {
	Name        string        `yaml:"name"`
	Version     string        `yaml:"version,omitempty"`
	Protocol    int           `yaml:"protocol"`
	Entrypoint  string        `yaml:"entrypoint"`
	Args        []string      `yaml:"args,omitempty"`
	Description string        `yaml:"description,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	// Options lists the stage_configs keys the implementation understands.
	Options []string `yaml:"options,omitempty"`
}

// Stage is a discovered and validated stage implementation.
type Stage struct {
	Name        string        // Stage name from manifest
	Path        string        // Absolute path to stage directory
	Entrypoint  string        // Absolute path to entrypoint executable
	Args        []string      // Extra arguments passed to the entrypoint
	Protocol    int           // Protocol version
	Version     string        // Implementation version
	Description string        // Human-readable description
	Timeout     time.Duration // Wall-clock limit for one invocation
	Options     []string
}

// UnknownOptions returns the keys of opts the manifest does not declare.
// A manifest without an options list accepts everything.
func (s *Stage) UnknownOptions(opts map[string]any) []string {
	if len(s.Options) == 0 {
		return nil
	}
	known := make(map[string]bool, len(s.Options))
	for _, o := range s.Options {
		known[o] = true
	}
	var out []string
	for k := range opts {
		if !known[k] {
			out = append(out, k)
		}
	}
	return out
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}
	if m.Protocol != SupportedProtocol {
		return fmt.Errorf("unsupported protocol version %d (supported: %d)", m.Protocol, SupportedProtocol)
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	if m.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}
