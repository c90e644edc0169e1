// Package flow turns flow files into validated, immutable graphs.
//
// Parse decodes a YAML or JSON flow file into a model.FlowDefinition.
// Validate checks the definition exhaustively and either returns a Graph or a
// ValidationErrors listing every problem found. Nothing in this package
// touches leases, the journal or agents.
package flow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/michi/internal/model"
)

// Parse decodes a flow file. JSON input is accepted since it is valid YAML.
// Unknown fields are rejected.
func Parse(data []byte) (model.FlowDefinition, error) {
	var def model.FlowDefinition
	if len(bytes.TrimSpace(data)) == 0 {
		return def, fmt.Errorf("flow: empty flow document")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return def, fmt.Errorf("flow: empty flow document")
		}
		return def, fmt.Errorf("flow: decode: %w", err)
	}
	return def, nil
}

// ParseFile reads and decodes a flow file from disk.
func ParseFile(path string) (model.FlowDefinition, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied
	if err != nil {
		return model.FlowDefinition{}, fmt.Errorf("flow: read %s: %w", path, err)
	}
	return Parse(data)
}

// Load parses and validates in one call.
func Load(data []byte, opts ...Option) (*Graph, error) {
	def, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Validate(def, opts...)
}
