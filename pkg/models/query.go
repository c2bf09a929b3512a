package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field limits for query definitions.
const (
	MaxNameLength          = 255
	MaxDescriptionLength   = 1000
	MaxQueryTextLength     = 10000
	MaxExecutionTimeMsCeil = 300000

	// DefaultMaxExecutionTimeMs applies when a definition is created without a timeout.
	DefaultMaxExecutionTimeMs = 30000
)

// VariableType is the declared type of a template variable.
type VariableType string

const (
	VariableTypeString       VariableType = "string"
	VariableTypeInteger      VariableType = "integer"
	VariableTypeDecimal      VariableType = "decimal"
	VariableTypeBoolean      VariableType = "boolean"
	VariableTypeDate         VariableType = "date"
	VariableTypeTimestamp    VariableType = "timestamp"
	VariableTypeStringArray  VariableType = "string[]"
	VariableTypeIntegerArray VariableType = "integer[]"
)

var validVariableTypes = map[VariableType]bool{
	VariableTypeString:       true,
	VariableTypeInteger:      true,
	VariableTypeDecimal:      true,
	VariableTypeBoolean:      true,
	VariableTypeDate:         true,
	VariableTypeTimestamp:    true,
	VariableTypeStringArray:  true,
	VariableTypeIntegerArray: true,
}

// IsValid reports whether t is a supported variable type.
func (t VariableType) IsValid() bool {
	return validVariableTypes[t]
}

// VariableSpec describes one named variable a query expects.
type VariableSpec struct {
	Type        VariableType `json:"type" yaml:"type"`
	Required    bool         `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any          `json:"default,omitempty" yaml:"default,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
}

// VariableSchema maps variable names to their specs.
type VariableSchema map[string]VariableSpec

// Variables holds variable values keyed by name.
type Variables map[string]any

// QueryDefinition is a stored, parameterized read-only query plus its
// execution constraints.
type QueryDefinition struct {
	ID                 uuid.UUID      `json:"id"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	QueryText          string         `json:"query_text"`
	VariableSchema     VariableSchema `json:"variable_schema,omitempty"`
	DefaultVariables   Variables      `json:"default_variables,omitempty"`
	MaxExecutionTimeMs int            `json:"max_execution_time_ms"`
	Active             bool           `json:"active"`
	ExecutionCount     int64          `json:"execution_count"`
	LastExecutedAt     *time.Time     `json:"last_executed_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// ParseVariableSchema decodes a JSON variable schema. Empty input and JSON null
// yield a nil schema. Anything other than a JSON object is rejected, as is an
// entry with an unknown type.
func ParseVariableSchema(raw []byte) (VariableSchema, error) {
	obj, err := decodeObject(raw)
	if err != nil || obj == nil {
		return nil, err
	}

	schema := make(VariableSchema, len(obj))
	for name, entry := range obj {
		var spec VariableSpec
		if err := decodeStrict(entry, &spec); err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		if !spec.Type.IsValid() {
			return nil, fmt.Errorf("variable %q: unsupported type %q", name, spec.Type)
		}
		schema[name] = spec
	}
	return schema, nil
}

// ParseVariables decodes a JSON object of variable values. Numbers are kept as
// json.Number so integers survive without float rounding.
func ParseVariables(raw []byte) (Variables, error) {
	obj, err := decodeObject(raw)
	if err != nil || obj == nil {
		return nil, err
	}

	vars := make(Variables, len(obj))
	for name, entry := range obj {
		var v any
		if err := decodeStrict(entry, &v); err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		vars[name] = v
	}
	return vars, nil
}

func decodeObject(raw []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("must be a JSON object")
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return obj, nil
}

func decodeStrict(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
