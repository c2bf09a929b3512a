package sql

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
)

// variableRegex matches {{variable_name}} placeholders in query templates.
var variableRegex = regexp.MustCompile(`\{\{([a-zA-Z_]\w*)\}\}`)

const dateLayout = "2006-01-02"

// ExtractVariables returns the deduplicated placeholder names of a template
// in order of first appearance.
//
//	ExtractVariables("SELECT id FROM users WHERE a = {{x}} OR b = {{y}} OR c = {{x}}")
//	// []string{"x", "y"}
func ExtractVariables(queryText string) []string {
	matches := variableRegex.FindAllStringSubmatch(queryText, -1)
	seen := make(map[string]bool)
	var names []string

	for _, match := range matches {
		name := match[1]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	return names
}

// FindVariablesInStringLiterals returns placeholders that sit inside single
// quoted literals. Substituting a quoted literal there would break out of the
// surrounding string, so such templates are rejected.
func FindVariablesInStringLiterals(queryText string) []string {
	var problems []string
	seen := make(map[string]bool)

	inString := false
	stringStart := 0
	i := 0

	for i < len(queryText) {
		if queryText[i] == '\'' {
			if inString {
				if i+1 < len(queryText) && queryText[i+1] == '\'' {
					i += 2
					continue
				}
				for _, match := range variableRegex.FindAllStringSubmatch(queryText[stringStart+1:i], -1) {
					if !seen[match[1]] {
						seen[match[1]] = true
						problems = append(problems, match[1])
					}
				}
				inString = false
			} else {
				inString = true
				stringStart = i
			}
		}
		i++
	}

	return problems
}

var errNonStandardQuoting = errors.New("dollar-quoted and E'' strings are not supported; use standard single-quoted literals")

// ValidateVariableDefinitions checks that the template placeholders and the
// schema entries match exactly and that no placeholder is quoted. Dollar
// quoting and escape strings are rejected outright because the literal
// scanner cannot tell where they end.
func ValidateVariableDefinitions(queryText string, schema models.VariableSchema) error {
	used := ExtractVariables(queryText)
	usedSet := make(map[string]bool, len(used))
	for _, name := range used {
		usedSet[name] = true
		if _, ok := schema[name]; !ok {
			return fmt.Errorf("variable {{%s}} used in query but not declared in variable_schema", name)
		}
	}

	for name := range schema {
		if !usedSet[name] {
			return fmt.Errorf("variable '%s' is declared but not used in query", name)
		}
	}

	if quoted := FindVariablesInStringLiterals(queryText); len(quoted) > 0 {
		return fmt.Errorf("variable {{%s}} must not appear inside a string literal", quoted[0])
	}

	if HasNonStandardQuoting(queryText) {
		return errNonStandardQuoting
	}

	return nil
}

// TemplateSubstitutor replaces {{name}} placeholders with escaped literals.
// Values resolve in order: supplied, stored defaults, schema default.
type TemplateSubstitutor struct{}

// Substitute produces the final literal query text. It fails with a
// *apperrors.SubstitutionError when a variable is unknown, missing, of the
// wrong type or flagged by injection screening.
func (TemplateSubstitutor) Substitute(
	queryText string,
	schema models.VariableSchema,
	defaults models.Variables,
	supplied models.Variables,
) (string, error) {
	for name := range supplied {
		if _, ok := schema[name]; !ok {
			return "", &apperrors.SubstitutionError{Variable: name, Reason: "not declared in variable_schema"}
		}
	}

	if quoted := FindVariablesInStringLiterals(queryText); len(quoted) > 0 {
		return "", &apperrors.SubstitutionError{Variable: quoted[0], Reason: "placeholder appears inside a string literal"}
	}
	if HasNonStandardQuoting(queryText) {
		return "", &apperrors.SubstitutionError{Reason: errNonStandardQuoting.Error()}
	}

	literals := make(map[string]string)
	for _, name := range ExtractVariables(queryText) {
		spec, ok := schema[name]
		if !ok {
			return "", &apperrors.SubstitutionError{Variable: name, Reason: "not declared in variable_schema"}
		}

		value, found := resolveValue(name, spec, defaults, supplied)
		if !found {
			if spec.Required {
				return "", &apperrors.SubstitutionError{Variable: name, Reason: "required variable is missing"}
			}
			literals[name] = "NULL"
			continue
		}

		if spec.Type == models.VariableTypeString || spec.Type == models.VariableTypeStringArray {
			if r := CheckValueForInjection(name, value); r != nil {
				return "", &apperrors.SubstitutionError{
					Variable:    name,
					Reason:      "value rejected by injection screening",
					Fingerprint: r.Fingerprint,
				}
			}
		}

		literal, err := formatLiteral(spec.Type, value)
		if err != nil {
			return "", &apperrors.SubstitutionError{Variable: name, Reason: err.Error()}
		}
		literals[name] = literal
	}

	return variableRegex.ReplaceAllStringFunc(queryText, func(match string) string {
		return literals[variableRegex.FindStringSubmatch(match)[1]]
	}), nil
}

func resolveValue(name string, spec models.VariableSpec, defaults, supplied models.Variables) (any, bool) {
	if v, ok := supplied[name]; ok && v != nil {
		return v, true
	}
	if v, ok := defaults[name]; ok && v != nil {
		return v, true
	}
	if spec.Default != nil {
		return spec.Default, true
	}
	return nil, false
}

func formatLiteral(t models.VariableType, value any) (string, error) {
	switch t {
	case models.VariableTypeString:
		s, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("expected string, got %T", value)
		}
		return quoteString(s)
	case models.VariableTypeInteger:
		n, err := toInt64(value)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	case models.VariableTypeDecimal:
		f, err := toFloat64(value)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case models.VariableTypeBoolean:
		b, err := toBool(value)
		if err != nil {
			return "", err
		}
		if b {
			return "TRUE", nil
		}
		return "FALSE", nil
	case models.VariableTypeDate:
		s, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("expected date string, got %T", value)
		}
		d, err := time.Parse(dateLayout, s)
		if err != nil {
			return "", fmt.Errorf("expected date in YYYY-MM-DD format")
		}
		return "'" + d.Format(dateLayout) + "'::date", nil
	case models.VariableTypeTimestamp:
		s, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("expected timestamp string, got %T", value)
		}
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return "", fmt.Errorf("expected RFC3339 timestamp")
		}
		return "'" + ts.UTC().Format(time.RFC3339Nano) + "'::timestamptz", nil
	case models.VariableTypeStringArray:
		return formatList(value, func(elem any) (string, error) {
			s, ok := elem.(string)
			if !ok {
				return "", fmt.Errorf("expected string element, got %T", elem)
			}
			return quoteString(s)
		})
	case models.VariableTypeIntegerArray:
		return formatList(value, func(elem any) (string, error) {
			n, err := toInt64(elem)
			if err != nil {
				return "", err
			}
			return strconv.FormatInt(n, 10), nil
		})
	default:
		return "", fmt.Errorf("unsupported type %q", t)
	}
}

// formatList renders a comma separated literal list for use inside IN (...).
// A plain string is split on commas so CLI values like "a,b" work.
func formatList(value any, format func(any) (string, error)) (string, error) {
	var elems []any
	switch v := value.(type) {
	case []any:
		elems = v
	case []string:
		for _, s := range v {
			elems = append(elems, s)
		}
	case []int:
		for _, n := range v {
			elems = append(elems, n)
		}
	case []int64:
		for _, n := range v {
			elems = append(elems, n)
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			elems = append(elems, strings.TrimSpace(s))
		}
	default:
		return "", fmt.Errorf("expected array, got %T", value)
	}

	if len(elems) == 0 {
		return "", fmt.Errorf("array must not be empty")
	}

	parts := make([]string, len(elems))
	for i, elem := range elems {
		lit, err := format(elem)
		if err != nil {
			return "", err
		}
		parts[i] = lit
	}
	return strings.Join(parts, ", "), nil
}

func quoteString(s string) (string, error) {
	if strings.ContainsRune(s, 0) {
		return "", fmt.Errorf("string contains a NUL byte")
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'", nil
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %s", v.String())
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", value)
	}
}

func toFloat64(value any) (float64, error) {
	var f float64
	switch v := value.(type) {
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case float64:
		f = v
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("expected decimal, got %s", v.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("expected decimal, got %q", v)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("expected decimal, got %T", value)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("expected finite decimal")
	}
	return f, nil
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("expected boolean, got %q", v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("expected boolean, got %T", value)
	}
}
