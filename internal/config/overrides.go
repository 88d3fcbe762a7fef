package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// OverrideOp is the action of a command-line override.
type OverrideOp int

const (
	// OverrideSet replaces an existing key: key=value.
	OverrideSet OverrideOp = iota
	// OverrideAdd introduces a new key: +key=value.
	OverrideAdd
	// OverrideForce sets a key whether or not it exists: ++key=value.
	OverrideForce
	// OverrideDelete removes a key: ~key.
	OverrideDelete
)

// Override is one parsed command-line override.
type Override struct {
	Op    OverrideOp
	Key   string
	Value any
	Raw   string
}

// ParseOverride parses key=value, +key=value, ++key=value and ~key.
// Values are read as YAML, so numbers, booleans, null and flow lists/maps keep
// their type.
func ParseOverride(raw string) (Override, error) {
	o := Override{Raw: raw}
	s := strings.TrimSpace(raw)

	switch {
	case strings.HasPrefix(s, "~"):
		o.Op = OverrideDelete
		o.Key = strings.TrimSpace(strings.TrimPrefix(s, "~"))
		if strings.Contains(o.Key, "=") {
			return Override{}, fmt.Errorf("override %q: delete takes no value", raw)
		}
		if o.Key == "" {
			return Override{}, fmt.Errorf("override %q: missing key", raw)
		}
		return o, nil
	case strings.HasPrefix(s, "++"):
		o.Op = OverrideForce
		s = s[2:]
	case strings.HasPrefix(s, "+"):
		o.Op = OverrideAdd
		s = s[1:]
	}

	key, value, ok := strings.Cut(s, "=")
	if !ok {
		return Override{}, fmt.Errorf("override %q: expected key=value", raw)
	}
	o.Key = strings.TrimSpace(key)
	if o.Key == "" {
		return Override{}, fmt.Errorf("override %q: missing key", raw)
	}

	v, err := parseOverrideValue(value)
	if err != nil {
		return Override{}, fmt.Errorf("override %q: %w", raw, err)
	}
	o.Value = v
	return o, nil
}

func parseOverrideValue(s string) (any, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("parse value: %w", err)
	}
	return normalize(v)
}

// ApplyOverrides applies overrides in order and returns a new tree.
func ApplyOverrides(tree map[string]any, overrides []Override) (map[string]any, error) {
	out := copyTree(tree)
	for _, o := range overrides {
		_, exists := lookupPath(out, o.Key)

		switch o.Op {
		case OverrideDelete:
			if !exists {
				return nil, fmt.Errorf("override %q: key %q not found", o.Raw, o.Key)
			}
			deletePath(out, o.Key)
			continue
		case OverrideSet:
			if !exists {
				return nil, fmt.Errorf("override %q: key %q not found (use +%s to add it)", o.Raw, o.Key, o.Raw)
			}
		case OverrideAdd:
			if exists {
				return nil, fmt.Errorf("override %q: key %q already set (use ++ to force)", o.Raw, o.Key)
			}
		}

		merged, err := mergeFrom(out, nestValue(o.Key, o.Value), "override "+o.Raw)
		if err != nil {
			return nil, err
		}
		out = merged
	}
	return out, nil
}

// nestValue builds {a: {b: value}} from "a.b".
func nestValue(key string, value any) map[string]any {
	parts := strings.Split(key, ".")
	var cur any = value
	for i := len(parts) - 1; i >= 0; i-- {
		cur = map[string]any{parts[i]: cur}
	}
	return cur.(map[string]any)
}

func deletePath(tree map[string]any, key string) {
	parent, ok := lookupPath(tree, parentPath(key))
	if !ok {
		return
	}
	if m, isMap := parent.(map[string]any); isMap {
		name := key
		if i := strings.LastIndex(key, "."); i >= 0 {
			name = key[i+1:]
		}
		delete(m, name)
	}
}
