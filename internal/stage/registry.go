package stage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownStage is matched by every *UnknownStageError.
var ErrUnknownStage = errors.New("unknown stage reference")

// UnknownStageError lists planned stages that have no registered implementation.
type UnknownStageError struct {
	Stages []string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("no implementation registered for stage(s): %s", strings.Join(e.Stages, ", "))
}

func (e *UnknownStageError) Is(target error) bool {
	return target == ErrUnknownStage
}

// Registry holds discovered stages indexed by name.
type Registry struct {
	stages map[string]*Stage
}

// NewRegistry creates an empty stage registry.
func NewRegistry() *Registry {
	return &Registry{
		stages: make(map[string]*Stage),
	}
}

// Get retrieves a stage by name.
func (r *Registry) Get(name string) (*Stage, bool) {
	s, ok := r.stages[name]
	return s, ok
}

// Add registers a stage in the registry.
func (r *Registry) Add(s *Stage) error {
	if _, exists := r.stages[s.Name]; exists {
		return fmt.Errorf("stage %q already registered", s.Name)
	}
	r.stages[s.Name] = s
	return nil
}

// Names returns the registered stage names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Require checks that every name has an implementation. The returned
// *UnknownStageError lists all missing names in the order given.
func (r *Registry) Require(names []string) error {
	var missing []string
	for _, name := range names {
		if _, ok := r.stages[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &UnknownStageError{Stages: missing}
	}
	return nil
}
