package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/query-sandbox/pkg/services"
)

// Bundle is a YAML file of query definitions for bulk import:
//
//	definitions:
//	  - name: Springfield residents
//	    query_text: SELECT id FROM users WHERE city = {{city}}
//	    variable_schema:
//	      city: {type: string, required: true}
//	    default_variables:
//	      city: Springfield
//	    max_execution_time_ms: 5000
type Bundle struct {
	Definitions []BundleDefinition `yaml:"definitions"`
}

// BundleDefinition mirrors the create request with YAML-native variable maps.
type BundleDefinition struct {
	Name               string         `yaml:"name"`
	Description        string         `yaml:"description"`
	QueryText          string         `yaml:"query_text"`
	VariableSchema     map[string]any `yaml:"variable_schema"`
	DefaultVariables   map[string]any `yaml:"default_variables"`
	MaxExecutionTimeMs *int           `yaml:"max_execution_time_ms"`
	Active             *bool          `yaml:"active"`
}

// ParseBundle decodes a bundle. Unknown keys are rejected so typos in field
// names do not silently drop settings.
func ParseBundle(r io.Reader) (*Bundle, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var b Bundle
	if err := dec.Decode(&b); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("bundle is empty")
		}
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	if len(b.Definitions) == 0 {
		return nil, fmt.Errorf("bundle has no definitions")
	}

	seen := make(map[string]bool, len(b.Definitions))
	for i, d := range b.Definitions {
		if d.Name == "" {
			continue // reported by validation with the entry index
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("definition %d: duplicate name %q in bundle", i+1, d.Name)
		}
		seen[d.Name] = true
	}
	return &b, nil
}

// CreateRequest converts the entry into a service request. The variable maps
// are re-encoded as JSON so they go through the same parser as API input.
func (d BundleDefinition) CreateRequest() (*services.CreateQueryDefinitionRequest, error) {
	schema, err := encodeMap(d.VariableSchema)
	if err != nil {
		return nil, fmt.Errorf("variable_schema: %w", err)
	}
	defaults, err := encodeMap(d.DefaultVariables)
	if err != nil {
		return nil, fmt.Errorf("default_variables: %w", err)
	}

	return &services.CreateQueryDefinitionRequest{
		Name:               d.Name,
		Description:        d.Description,
		QueryText:          d.QueryText,
		VariableSchema:     schema,
		DefaultVariables:   defaults,
		MaxExecutionTimeMs: d.MaxExecutionTimeMs,
		Active:             d.Active,
	}, nil
}

// UpdateRequest converts the entry into a full replacement update.
func (d BundleDefinition) UpdateRequest() (*services.UpdateQueryDefinitionRequest, error) {
	create, err := d.CreateRequest()
	if err != nil {
		return nil, err
	}

	req := &services.UpdateQueryDefinitionRequest{
		Name:               &create.Name,
		Description:        &create.Description,
		QueryText:          &create.QueryText,
		VariableSchema:     create.VariableSchema,
		DefaultVariables:   create.DefaultVariables,
		MaxExecutionTimeMs: create.MaxExecutionTimeMs,
		Active:             create.Active,
	}
	// Omitted maps clear the stored ones rather than keeping them.
	if req.VariableSchema == nil {
		req.VariableSchema = json.RawMessage(`{}`)
	}
	if req.DefaultVariables == nil {
		req.DefaultVariables = json.RawMessage(`{}`)
	}
	return req, nil
}

func encodeMap(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
