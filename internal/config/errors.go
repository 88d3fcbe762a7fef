package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingEnvironmentVariable is matched by every *MissingEnvVarError.
	ErrMissingEnvironmentVariable = errors.New("missing environment variable")
	// ErrMalformedOverride is matched by every *MalformedOverrideError.
	ErrMalformedOverride = errors.New("malformed override")
	// ErrMissingValue reports a mandatory (???) value that nothing filled in.
	ErrMissingValue = errors.New("missing mandatory value")
	// ErrDuplicateStage reports a stage listed twice in one pipeline.
	ErrDuplicateStage = errors.New("duplicate stage")
	// ErrInterpolation covers unknown key references and reference cycles.
	ErrInterpolation = errors.New("interpolation failed")
	// ErrCompositionCycle reports a defaults list that includes itself.
	ErrCompositionCycle = errors.New("circular defaults")
)

// MissingEnvVarError is returned when ${oc.env:NAME} names an unset variable
// and no default was given.
type MissingEnvVarError struct {
	Name string
	Path string
}

func (e *MissingEnvVarError) Error() string {
	return fmt.Sprintf("%s: environment variable %s is not set", e.Path, e.Name)
}

func (e *MissingEnvVarError) Is(target error) bool {
	return target == ErrMissingEnvironmentVariable
}

// MalformedOverrideError is returned when an override changes the kind of a
// node (mapping, sequence or scalar) that the base already defines.
type MalformedOverrideError struct {
	Path   string
	Want   string
	Got    string
	Source string
}

func (e *MalformedOverrideError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: expected %s, got %s", displayPath(e.Path), e.Want, e.Got)
	if e.Source != "" {
		fmt.Fprintf(&b, " (in %s)", e.Source)
	}
	return b.String()
}

func (e *MalformedOverrideError) Is(target error) bool {
	return target == ErrMalformedOverride
}

func displayPath(path string) string {
	if path == "" {
		return "<root>"
	}
	return path
}
