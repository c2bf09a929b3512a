package sql

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
)

func TestExtractVariables(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"no variables", "SELECT id FROM users", nil},
		{"single", "SELECT id FROM users WHERE score > {{min_score}}", []string{"min_score"}},
		{"dedup preserves order", "SELECT id FROM users WHERE a = {{b}} OR c = {{a}} OR d = {{b}}", []string{"b", "a"}},
		{"invalid names ignored", "SELECT id FROM users WHERE a = {{1x}} AND b = {{ x }}", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExtractVariables(tt.input))
		})
	}
}

func TestFindVariablesInStringLiterals(t *testing.T) {
	assert.Equal(t, []string{"name"}, FindVariablesInStringLiterals("SELECT id FROM users WHERE bio = 'hi {{name}}'"))
	assert.Nil(t, FindVariablesInStringLiterals("SELECT id FROM users WHERE name = {{name}}"))
	assert.Nil(t, FindVariablesInStringLiterals("SELECT id FROM users WHERE bio = 'it''s' AND name = {{name}}"))
}

func TestValidateVariableDefinitions(t *testing.T) {
	schema := models.VariableSchema{"min_score": {Type: models.VariableTypeInteger}}

	require.NoError(t, ValidateVariableDefinitions("SELECT id FROM users WHERE score > {{min_score}}", schema))
	require.NoError(t, ValidateVariableDefinitions("SELECT id FROM users", nil))

	err := ValidateVariableDefinitions("SELECT id FROM users WHERE score > {{other}}", schema)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{{other}} used in query but not declared")

	err = ValidateVariableDefinitions("SELECT id FROM users", schema)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'min_score' is declared but not used")

	err = ValidateVariableDefinitions("SELECT id FROM users WHERE bio = '{{min_score}}'", schema)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inside a string literal")
}

func TestValidateVariableDefinitions_NonStandardQuoting(t *testing.T) {
	schema := models.VariableSchema{"v": {Type: models.VariableTypeString}}

	rejected := []string{
		"SELECT id FROM users WHERE username = $${{v}}$$",
		"SELECT id FROM users WHERE username = $tag${{v}}$tag$",
		`SELECT id FROM users WHERE bio = E'\' OR {{v}} = ''`,
		"SELECT id FROM users WHERE bio = e'x' AND username = {{v}}",
		`SELECT id FROM users WHERE bio = U&'d\0061t' AND username = {{v}}`,
	}
	for _, q := range rejected {
		err := ValidateVariableDefinitions(q, schema)
		if assert.Error(t, err, q) {
			assert.Contains(t, err.Error(), "dollar-quoted and E'' strings are not supported", q)
		}
	}

	accepted := []string{
		"SELECT id FROM users WHERE bio = 'costs $5 or $$' AND username = {{v}}",
		"SELECT id FROM users WHERE kind = 'E' AND username = {{v}}",
		"SELECT id FROM users WHERE score > 1 AND username = {{v}}",
	}
	for _, q := range accepted {
		assert.NoError(t, ValidateVariableDefinitions(q, schema), q)
	}
}

func TestTemplateSubstitutor_RejectsNonStandardQuoting(t *testing.T) {
	schema := models.VariableSchema{"v": {Type: models.VariableTypeString}}

	_, err := TemplateSubstitutor{}.Substitute(
		"SELECT id FROM users WHERE username = $${{v}}$$",
		schema, nil,
		models.Variables{"v": "$$ OR id IN (SELECT user_id FROM api_secrets) OR $$"},
	)

	var subErr *apperrors.SubstitutionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, errNonStandardQuoting.Error(), subErr.Reason)
}

func TestTemplateSubstitutor_Substitute(t *testing.T) {
	schema := models.VariableSchema{
		"min_score": {Type: models.VariableTypeInteger, Required: true},
		"name":      {Type: models.VariableTypeString},
		"ratio":     {Type: models.VariableTypeDecimal, Default: json.Number("0.5")},
		"active":    {Type: models.VariableTypeBoolean},
		"since":     {Type: models.VariableTypeDate},
		"after":     {Type: models.VariableTypeTimestamp},
		"tags":      {Type: models.VariableTypeStringArray},
		"ids":       {Type: models.VariableTypeIntegerArray},
	}
	query := "SELECT id FROM users WHERE score > {{min_score}} AND name = {{name}} AND ratio < {{ratio}} " +
		"AND active = {{active}} AND joined >= {{since}} AND seen > {{after}} AND tag IN ({{tags}}) AND id IN ({{ids}})"

	got, err := TemplateSubstitutor{}.Substitute(query, schema,
		models.Variables{"name": "default name"},
		models.Variables{
			"min_score": json.Number("10"),
			"name":      "O'Brien",
			"active":    true,
			"since":     "2024-01-15",
			"after":     "2024-01-15T10:00:00+02:00",
			"tags":      []any{"a", "O'Brien"},
			"ids":       []any{json.Number("1"), float64(2)},
		},
	)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id FROM users WHERE score > 10 AND name = 'O''Brien' AND ratio < 0.5 "+
			"AND active = TRUE AND joined >= '2024-01-15'::date AND seen > '2024-01-15T08:00:00Z'::timestamptz "+
			"AND tag IN ('a', 'O''Brien') AND id IN (1, 2)",
		got)
}

func TestTemplateSubstitutor_ResolutionOrder(t *testing.T) {
	schema := models.VariableSchema{"n": {Type: models.VariableTypeInteger, Default: 3}}
	query := "SELECT id FROM users WHERE score > {{n}}"
	sub := TemplateSubstitutor{}

	got, err := sub.Substitute(query, schema, models.Variables{"n": 2}, models.Variables{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM users WHERE score > 1", got)

	got, err = sub.Substitute(query, schema, models.Variables{"n": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM users WHERE score > 2", got)

	got, err = sub.Substitute(query, schema, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM users WHERE score > 3", got)
}

func TestTemplateSubstitutor_OptionalWithoutValueIsNull(t *testing.T) {
	schema := models.VariableSchema{"name": {Type: models.VariableTypeString}}
	got, err := TemplateSubstitutor{}.Substitute("SELECT id FROM users WHERE name = {{name}}", schema, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM users WHERE name = NULL", got)
}

func TestTemplateSubstitutor_Errors(t *testing.T) {
	schema := models.VariableSchema{
		"min_score": {Type: models.VariableTypeInteger, Required: true},
		"name":      {Type: models.VariableTypeString},
		"ids":       {Type: models.VariableTypeIntegerArray},
	}
	query := "SELECT id FROM users WHERE score > {{min_score}} AND name = {{name}} AND id IN ({{ids}})"

	tests := []struct {
		name        string
		supplied    models.Variables
		variable    string
		reason      string
		fingerprint bool
	}{
		{"missing required", models.Variables{}, "min_score", "required variable is missing", false},
		{"unknown variable", models.Variables{"min_score": 1, "bogus": 1}, "bogus", "not declared in variable_schema", false},
		{"type mismatch", models.Variables{"min_score": "ten"}, "min_score", `expected integer, got "ten"`, false},
		{"fractional integer", models.Variables{"min_score": 1.5}, "min_score", "expected integer, got 1.5", false},
		{"string expected", models.Variables{"min_score": 1, "name": 42}, "name", "expected string, got int", false},
		{"empty array", models.Variables{"min_score": 1, "ids": []any{}}, "ids", "array must not be empty", false},
		{"injection attempt", models.Variables{"min_score": 1, "name": "' OR '1'='1"}, "name", "value rejected by injection screening", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TemplateSubstitutor{}.Substitute(query, schema, nil, tt.supplied)
			require.Error(t, err)

			var subErr *apperrors.SubstitutionError
			require.ErrorAs(t, err, &subErr)
			assert.Equal(t, tt.variable, subErr.Variable)
			assert.Equal(t, tt.reason, subErr.Reason)
			assert.Equal(t, tt.fingerprint, subErr.Fingerprint != "")
		})
	}
}

func TestTemplateSubstitutor_CLIStrings(t *testing.T) {
	schema := models.VariableSchema{
		"n":    {Type: models.VariableTypeInteger},
		"flag": {Type: models.VariableTypeBoolean},
		"ids":  {Type: models.VariableTypeIntegerArray},
	}
	got, err := TemplateSubstitutor{}.Substitute(
		"SELECT id FROM users WHERE score > {{n}} AND admin = {{flag}} AND id IN ({{ids}})",
		schema, nil,
		models.Variables{"n": "7", "flag": "false", "ids": "1, 2,3"},
	)
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM users WHERE score > 7 AND admin = FALSE AND id IN (1, 2, 3)", got)
}
