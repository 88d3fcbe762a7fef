package config

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	// MissingMarker marks a mandatory value that a later document must fill in.
	MissingMarker = "???"

	envResolverPrefix = "oc.env:"
)

var interpolationPattern = regexp.MustCompile(`\$\{([^${}]+)\}`)

// interpolator resolves ${...} expressions against one tree and one Env.
// Resolved references are memoized by path; active guards against cycles.
type interpolator struct {
	root     map[string]any
	env      Env
	resolved map[string]any
	active   map[string]bool
}

// Interpolate returns a copy of tree with every ${oc.env:NAME[,default]} and
// ${key.path} expression replaced.
func Interpolate(tree map[string]any, env Env) (map[string]any, error) {
	ip := &interpolator{
		root:     tree,
		env:      env,
		resolved: make(map[string]any),
		active:   make(map[string]bool),
	}
	out, err := ip.walk(tree, "")
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (ip *interpolator) walk(v any, path string) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := make(map[string]any, len(t))
		for _, k := range keys {
			r, err := ip.walk(t[k], joinPath(path, k))
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			r, err := ip.walk(item, joinPath(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case string:
		return ip.resolveString(t, path)
	default:
		return v, nil
	}
}

func (ip *interpolator) resolveString(s, path string) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	// A string that is exactly one expression keeps the referenced type.
	if loc := interpolationPattern.FindStringSubmatchIndex(s); loc != nil && loc[0] == 0 && loc[1] == len(s) {
		return ip.resolveExpr(s[loc[2]:loc[3]], path)
	}

	var firstErr error
	out := interpolationPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		expr := interpolationPattern.FindStringSubmatch(match)[1]
		v, err := ip.resolveExpr(expr, path)
		if err != nil {
			firstErr = err
			return match
		}
		switch KindOf(v) {
		case KindMapping, KindSequence:
			firstErr = fmt.Errorf("%w: %s: cannot embed %s %q in a string", ErrInterpolation, displayPath(path), KindOf(v), expr)
			return match
		case KindNull:
			return "null"
		}
		return fmt.Sprint(v)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (ip *interpolator) resolveExpr(expr, path string) (any, error) {
	expr = strings.TrimSpace(expr)

	if strings.HasPrefix(expr, envResolverPrefix) {
		return ip.resolveEnv(strings.TrimPrefix(expr, envResolverPrefix), path)
	}
	if strings.Contains(expr, ":") {
		return nil, fmt.Errorf("%w: %s: unsupported resolver in ${%s}", ErrInterpolation, displayPath(path), expr)
	}
	return ip.valueAt(absoluteRef(expr, path), path)
}

func (ip *interpolator) resolveEnv(args, path string) (any, error) {
	name, def, hasDefault := strings.Cut(args, ",")
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: %s: oc.env needs a variable name", ErrInterpolation, displayPath(path))
	}

	if v, ok := ip.env.Lookup(name); ok {
		return v, nil
	}
	if hasDefault {
		return parseEnvDefault(def), nil
	}
	return nil, &MissingEnvVarError{Name: name, Path: displayPath(path)}
}

func parseEnvDefault(def string) any {
	def = strings.TrimSpace(def)
	if def == "null" {
		return nil
	}
	if len(def) >= 2 {
		if (def[0] == '\'' && def[len(def)-1] == '\'') || (def[0] == '"' && def[len(def)-1] == '"') {
			return def[1 : len(def)-1]
		}
	}
	return def
}

func (ip *interpolator) valueAt(ref, from string) (any, error) {
	if v, ok := ip.resolved[ref]; ok {
		return deepCopy(v), nil
	}
	if ip.active[ref] {
		return nil, fmt.Errorf("%w: %s: reference cycle through ${%s}", ErrInterpolation, displayPath(from), ref)
	}

	raw, ok := lookupPath(ip.root, ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s: key %q not found", ErrInterpolation, displayPath(from), ref)
	}

	ip.active[ref] = true
	defer delete(ip.active, ref)

	v, err := ip.walk(raw, ref)
	if err != nil {
		return nil, err
	}
	if s, isString := v.(string); isString && s == MissingMarker {
		return nil, fmt.Errorf("%w: %s (referenced from %s)", ErrMissingValue, ref, displayPath(from))
	}
	ip.resolved[ref] = v
	return deepCopy(v), nil
}

// absoluteRef turns a relative reference (leading dots) into an absolute path.
// One dot is a sibling of the node at path; each further dot climbs a level.
func absoluteRef(ref, path string) string {
	if !strings.HasPrefix(ref, ".") {
		return ref
	}
	rest := strings.TrimLeft(ref, ".")
	dots := len(ref) - len(rest)

	base := parentPath(path)
	for i := 1; i < dots; i++ {
		base = parentPath(base)
	}
	return joinPath(base, rest)
}

func parentPath(path string) string {
	i := strings.LastIndex(path, ".")
	if i < 0 {
		return ""
	}
	return path[:i]
}

// lookupPath walks a dotted path through mappings and sequences.
func lookupPath(root map[string]any, path string) (any, bool) {
	if path == "" {
		return root, true
	}

	var cur any = root
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// findMissing returns the sorted paths of values still set to ???.
func findMissing(v any, path string) []string {
	var out []string
	switch t := v.(type) {
	case map[string]any:
		for k, vv := range t {
			out = append(out, findMissing(vv, joinPath(path, k))...)
		}
	case []any:
		for i, vv := range t {
			out = append(out, findMissing(vv, joinPath(path, strconv.Itoa(i)))...)
		}
	case string:
		if t == MissingMarker {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}
