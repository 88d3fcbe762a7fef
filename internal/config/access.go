package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value from the resolved pipeline using a dot-notation path.
// "stage:<name>" addresses the options of one planned stage and "stage:*" the
// whole plan.
func (c *PipelineConfig) GetPath(path string) (any, error) {
	if strings.Contains(path, ":") {
		return c.GetEntity(path)
	}

	k := koanf.New(".")
	if err := k.Load(treeProvider(c.tree), nil); err != nil {
		return nil, fmt.Errorf("load resolved tree: %w", err)
	}
	if k.Exists(path) {
		return deepCopy(k.Get(path)), nil
	}

	// koanf does not index into sequences (stages.0).
	if v, ok := lookupPath(c.tree, path); ok {
		return deepCopy(v), nil
	}
	return nil, fmt.Errorf("path %q not found", path)
}

// GetEntity retrieves a stage by type:name.
func (c *PipelineConfig) GetEntity(address string) (any, error) {
	entityType, name, ok := strings.Cut(address, ":")
	if !ok {
		return nil, fmt.Errorf("invalid entity address format %q (expected type:name)", address)
	}

	switch entityType {
	case "stage":
		if name == "*" {
			return c.Plan(), nil
		}
		opts, ok := c.StageConfig(name)
		if !ok {
			return nil, fmt.Errorf("stage %q not found", name)
		}
		return opts, nil
	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

func findNode(node *yaml.Node, path string, create bool) (*yaml.Node, error) {
	current := node

	for _, part := range strings.Split(path, ".") {
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%q is not inside a mapping", part)
		}

		found := false
		for i := 0; i < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				current = current.Content[i+1]
				found = true
				break
			}
		}
		if found {
			continue
		}
		if !create {
			return nil, fmt.Errorf("key %q not found", part)
		}

		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}
		valueNode := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		current.Content = append(current.Content, keyNode, valueNode)
		current = valueNode
	}

	return current, nil
}

func guessTag(v string) string {
	switch v {
	case "true", "false":
		return "!!bool"
	case "null", "~":
		return "!!null"
	}
	isDigit := true
	for i, c := range v {
		if i == 0 && c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			isDigit = false
			break
		}
	}
	if isDigit && v != "" && v != "-" {
		return "!!int"
	}
	return "!!str"
}

// SetDocumentValue writes value at path into the pipeline document stored in
// dir, keeping comments and layout. The edited document must still resolve
// with env; otherwise the original file is restored.
func SetDocumentValue(dir, pipeline, path, value string, env Env) error {
	target := filepath.Join(dir, filepath.FromSlash(DocumentName(pipeline)))

	original, err := os.ReadFile(target)
	if err != nil {
		return fmt.Errorf("failed to read pipeline document: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(original, &root); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", target, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return fmt.Errorf("%s is empty", target)
	}

	node, err := findNode(root.Content[0], path, true)
	if err != nil {
		return fmt.Errorf("failed to navigate/create path %q: %w", path, err)
	}
	if node.Kind == yaml.MappingNode && len(node.Content) > 0 {
		return &MalformedOverrideError{Path: path, Want: string(KindMapping), Got: string(KindScalar), Source: target}
	}
	node.Kind = yaml.ScalarNode
	node.Content = nil
	node.Value = value
	node.Tag = guessTag(value)

	candidate, err := yaml.Marshal(&root)
	if err != nil {
		return err
	}

	mode := os.FileMode(0o644)
	if info, statErr := os.Stat(target); statErr == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(target, candidate, mode); err != nil {
		return fmt.Errorf("failed to persist config change: %w", err)
	}

	r, err := NewDirResolver(dir, env)
	if err == nil {
		r.SkipIntegrity = true
		_, err = r.Resolve(pipeline)
	}
	if err != nil {
		if restoreErr := os.WriteFile(target, original, mode); restoreErr != nil {
			return fmt.Errorf("validation failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
