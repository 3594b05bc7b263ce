// Package schema compiles the JSON schemas that gate saga entry.
package schema

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownSchema is returned for a name that was never compiled.
var ErrUnknownSchema = errors.New("unknown schema")

// ValidationError lists why a payload was rejected.
type ValidationError struct {
	Schema   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload rejected by %s: %s", e.Schema, strings.Join(e.Problems, "; "))
}

// Set is an immutable collection of compiled schemas, safe for concurrent use.
type Set struct {
	schemas map[string]*jsonschema.Schema
}

// Compile builds the schema set once at startup.
func Compile() (*Set, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	set := &Set{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		url := "mem://" + name + ".json"
		if err := c.AddResource(url, strings.NewReader(sources[name])); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		set.schemas[name] = sch
	}
	return set, nil
}

// MustCompile is Compile for tests and process startup.
func MustCompile() *Set {
	set, err := Compile()
	if err != nil {
		panic(err)
	}
	return set
}

// Validate checks payload against the named schema.
func (s *Set) Validate(name string, payload []byte) error {
	sch, ok := s.schemas[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return &ValidationError{Schema: name, Problems: []string{"malformed JSON: " + err.Error()}}
	}

	if err := sch.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &ValidationError{Schema: name, Problems: leafProblems(verr)}
		}
		return &ValidationError{Schema: name, Problems: []string{err.Error()}}
	}
	return nil
}

func leafProblems(err *jsonschema.ValidationError) []string {
	if len(err.Causes) == 0 {
		loc := err.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + err.Message}
	}
	var out []string
	for _, cause := range err.Causes {
		out = append(out, leafProblems(cause)...)
	}
	return out
}
