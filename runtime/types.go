package runtime

import (
	"fmt"
)

// Backend identifiers for operation dispatch.
const (
	BackendRest      = "rest"
	BackendShell     = "shell"
	BackendContainer = "container"
	BackendDevice    = "device"
)

// Result dialects understood by the capture engine.
const (
	DialectText   = "text"
	DialectXML    = "xml"
	DialectJSON   = "json"
	DialectBase64 = "base64"
)

// Variable declares a named input with a default value. Defaults seed the
// run Context but never overwrite caller-supplied values.
type Variable struct {
	Name     string `yaml:"name" validate:"required"`
	Default  any    `yaml:"default"`
	TypeHint string `yaml:"type_hint"`
}

// OutputRule extracts one named value from an operation's raw result.
// An empty CapturePattern selects the root value (json) or the whole
// result (text/base64).
type OutputRule struct {
	Name           string `yaml:"name"`
	CapturePattern string `yaml:"capture_pattern"`
}

// Operation is a single unit of work inside an OperationSet. Params may
// contain template placeholders which are rendered against the run Context
// just before dispatch.
type Operation struct {
	Name          string         `yaml:"name" validate:"required"`
	Backend       string         `yaml:"backend" validate:"omitempty,oneof=rest shell container device"`
	When          string         `yaml:"when"`
	Async         bool           `yaml:"async"`
	ResultDialect string         `yaml:"output_type" validate:"omitempty,oneof=text xml json base64"`
	Params        map[string]any `yaml:"params"`
	Outputs       []OutputRule   `yaml:"outputs"`
}

// OperationSet is a named, ordered collection of operations plus the
// variables that feed them. Loaded read-only from the definition store;
// a copy of its variable defaults seeds each new run Context.
type OperationSet struct {
	Name          string      `yaml:"name" validate:"required"`
	Label         string      `yaml:"label"`
	Type          string      `yaml:"type"`
	Variables     []Variable  `yaml:"variables"`
	Depends       []string    `yaml:"depends"`
	ResultDialect string      `yaml:"output_type"`
	Operations    []Operation `yaml:"snippets" validate:"required,dive"`
}

// Normalize fills optional collections and propagates set-level defaults
// onto operations that omit them.
func (s *OperationSet) Normalize() error {
	if s.Name == "" {
		return fmt.Errorf("operation set without a name")
	}
	if s.Variables == nil {
		s.Variables = []Variable{}
	}
	if s.Depends == nil {
		s.Depends = []string{}
	}
	if s.ResultDialect == "" {
		s.ResultDialect = DialectText
	}
	backend := s.Type
	if backend == "" {
		backend = BackendRest
	}
	for i := range s.Operations {
		op := &s.Operations[i]
		if op.Name == "" {
			return fmt.Errorf("set %s: operation %d has no name", s.Name, i)
		}
		if op.Backend == "" {
			op.Backend = backend
		}
		if op.ResultDialect == "" {
			op.ResultDialect = s.ResultDialect
		}
		if op.Params == nil {
			op.Params = map[string]any{}
		}
	}
	return nil
}
