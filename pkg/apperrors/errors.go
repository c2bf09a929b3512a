package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// FieldError is a single definition-time problem attached to a named field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every field of a query definition that failed validation.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add appends a field error.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// HasErrors reports whether any field failed.
func (e *ValidationError) HasErrors() bool {
	return len(e.Fields) > 0
}

// QueryValidationError is returned when query text fails the safety rules
// immediately before execution. Nothing reaches the database.
type QueryValidationError struct {
	Violations []string `json:"violations"`
}

func (e *QueryValidationError) Error() string {
	return "query failed safety validation: " + strings.Join(e.Violations, "; ")
}

// QueryTimeoutError is returned when the database aborted the query because
// the statement timeout elapsed.
type QueryTimeoutError struct {
	TimeoutMs int
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query exceeded the maximum execution time of %dms", e.TimeoutMs)
}

// QueryExecutionError wraps any other failure raised while running a query.
type QueryExecutionError struct {
	Err error
}

func (e *QueryExecutionError) Error() string {
	return "query execution failed: " + e.Err.Error()
}

func (e *QueryExecutionError) Unwrap() error {
	return e.Err
}

// SubstitutionError is returned when variables cannot be turned into a final
// query text.
type SubstitutionError struct {
	Variable    string
	Reason      string
	Fingerprint string // set when libinjection flagged the value
}

func (e *SubstitutionError) Error() string {
	if e.Variable == "" {
		return "variable substitution failed: " + e.Reason
	}
	return fmt.Sprintf("variable %q: %s", e.Variable, e.Reason)
}
