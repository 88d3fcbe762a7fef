package config

import (
	"fmt"
	"sort"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Env is the resolution context for ${oc.env:...} references. It is captured
// once at startup and passed to the resolver; nothing reads the process
// environment after that.
type Env map[string]string

// EnvFromOS snapshots the process environment.
func EnvFromOS() (Env, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("read process environment: %w", err)
	}

	out := make(Env, len(k.Keys()))
	for key, value := range k.All() {
		out[key] = fmt.Sprint(value)
	}
	return out, nil
}

// LoadEnv snapshots the process environment and fills in variables from the
// given dotenv files. Like godotenv.Load, values already set in the process
// win over file values; earlier files win over later ones.
func LoadEnv(dotenvFiles ...string) (Env, error) {
	e, err := EnvFromOS()
	if err != nil {
		return nil, err
	}
	for _, path := range dotenvFiles {
		vals, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", path, err)
		}
		for k, v := range vals {
			if _, set := e[k]; !set {
				e[k] = v
			}
		}
	}
	return e, nil
}

// Lookup returns the value of name and whether it is set.
func (e Env) Lookup(name string) (string, bool) {
	v, ok := e[name]
	return v, ok
}

// With returns a copy of e with the given variables set.
func (e Env) With(vars map[string]string) Env {
	out := make(Env, len(e)+len(vars))
	for k, v := range e {
		out[k] = v
	}
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// Names returns the variable names in sorted order.
func (e Env) Names() []string {
	names := make([]string, 0, len(e))
	for k := range e {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
