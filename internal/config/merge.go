package config

import (
	"errors"
	"fmt"
)

// Kind is the structural kind of a configuration node.
type Kind string

const (
	KindMapping  Kind = "mapping"
	KindSequence Kind = "sequence"
	KindScalar   Kind = "scalar"
	KindNull     Kind = "null"
)

// KindOf reports the structural kind of v.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case map[string]any:
		return KindMapping
	case []any:
		return KindSequence
	default:
		return KindScalar
	}
}

// Merge merges override into base and returns a new tree. Neither input is modified.
//
// Scalars in override replace base values, mappings merge key by key, and
// sequences replace the base sequence whole. Changing the kind of a node that
// base already defines fails with a *MalformedOverrideError; null is
// compatible with every kind.
func Merge(base, override map[string]any) (map[string]any, error) {
	out, err := mergeMaps(base, override, "")
	if err != nil {
		return nil, err
	}
	return out, nil
}

func mergeMaps(base, override map[string]any, prefix string) (map[string]any, error) {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = deepCopy(v)
	}

	for k, ov := range override {
		path := joinPath(prefix, k)
		bv, exists := out[k]
		if !exists {
			out[k] = deepCopy(ov)
			continue
		}

		bk, ok := KindOf(bv), KindOf(ov)
		if bk != KindNull && ok != KindNull && bk != ok {
			return nil, &MalformedOverrideError{Path: path, Want: string(bk), Got: string(ok)}
		}

		if bm, isMap := bv.(map[string]any); isMap {
			if om, isMap := ov.(map[string]any); isMap {
				merged, err := mergeMaps(bm, om, path)
				if err != nil {
					return nil, err
				}
				out[k] = merged
				continue
			}
		}
		out[k] = deepCopy(ov)
	}
	return out, nil
}

// mergeFrom is Merge with the source document recorded on kind mismatches.
func mergeFrom(base, override map[string]any, source string) (map[string]any, error) {
	out, err := Merge(base, override)
	if err != nil {
		var mo *MalformedOverrideError
		if errors.As(err, &mo) && mo.Source == "" {
			mo.Source = source
		}
		return nil, err
	}
	return out, nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = deepCopy(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return v
	}
}

func copyTree(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return deepCopy(m).(map[string]any)
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// normalize converts decoded YAML into the tree shape Merge works on:
// map[string]any for mappings and []any for sequences.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			n, err := normalize(vv)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			n, err := normalize(vv)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			n, err := normalize(vv)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	default:
		return v, nil
	}
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	n, err := normalize(m)
	if err != nil {
		return nil, err
	}
	return n.(map[string]any), nil
}
