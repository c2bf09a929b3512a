// Package sql screens, templates and finalizes the read-only query text that
// runs inside the sandbox.
package sql

import (
	"regexp"
	"strings"
)

// Rule names reported on violations.
const (
	RuleForbiddenKeyword  = "forbidden_keyword"
	RuleSelectStatement   = "select_statement"
	RuleUsersTable        = "users_table"
	RuleSuspiciousPattern = "suspicious_pattern"
	RuleIDColumn          = "id_column"
	RuleReadOnly          = "read_only"
)

// ForbiddenKeywords is the deny-list for the first rule.
var ForbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "CREATE", "ALTER", "TRUNCATE",
	"GRANT", "REVOKE", "EXECUTE", "CALL", "PROCEDURE", "FUNCTION",
	"UNION", "SUBSTRING", "CONCAT", "REPLACE", "LOAD_FILE",
	"INTO", "OUTFILE", "INFILE", "BULK", "COPY",
}

// ReadOnlyKeywords is checked separately from ForbiddenKeywords so that
// editing the broader list can never drop a write keyword.
var ReadOnlyKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "CREATE", "ALTER", "TRUNCATE",
}

// Violation is one reason a query text was rejected.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Message
}

// Rule is a named, independent check over query text.
type Rule struct {
	Name  string
	Check func(text string) []Violation
}

type namedPattern struct {
	name    string
	pattern *regexp.Regexp
}

type keywordPattern struct {
	keyword string
	pattern *regexp.Regexp
}

var (
	forbiddenKeywordPatterns = compileKeywords(ForbiddenKeywords)
	readOnlyKeywordPatterns  = compileKeywords(ReadOnlyKeywords)

	usersTablePattern    = regexp.MustCompile(`USERS`)
	stringLiteralPattern = regexp.MustCompile(`'(?:[^']|'')*'`)

	// Dollar-quoted bodies and E'' / U&'' strings. The literal scanner only
	// models standard quoting, so text using these forms cannot be masked.
	nonStandardQuotingPattern = regexp.MustCompile(`\$(?:[A-Za-z_][A-Za-z_0-9]*)?\$|(?i:\b(?:E|U&))'`)
	idColumnPattern           = regexp.MustCompile(`(?i)\b(?:users\.)?id\b`)

	suspiciousPatterns = []namedPattern{
		{"statement separator", regexp.MustCompile(`;\s*\w`)},
		{"line comment", regexp.MustCompile(`--`)},
		{"block comment", regexp.MustCompile(`/\*`)},
		{"extended procedure", regexp.MustCompile(`(?i)\bxp_`)},
		{"stored procedure", regexp.MustCompile(`(?i)\bsp_`)},
		{"system variable", regexp.MustCompile(`@@`)},
		{"dynamic execution", regexp.MustCompile(`(?i)\b(?:exec|eval)\s*\(`)},
	}
)

func compileKeywords(keywords []string) []keywordPattern {
	patterns := make([]keywordPattern, len(keywords))
	for i, kw := range keywords {
		patterns[i] = keywordPattern{
			keyword: kw,
			pattern: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`),
		}
	}
	return patterns
}

// Rules returns the safety rules in evaluation order.
func Rules() []Rule {
	return []Rule{
		{Name: RuleForbiddenKeyword, Check: checkForbiddenKeywords},
		{Name: RuleSelectStatement, Check: checkSelectStatement},
		{Name: RuleUsersTable, Check: checkUsersTable},
		{Name: RuleSuspiciousPattern, Check: checkSuspiciousPatterns},
		{Name: RuleIDColumn, Check: checkIDColumn},
		{Name: RuleReadOnly, Check: checkReadOnly},
	}
}

// Validate runs every rule and returns all violations. An empty result means
// the text is safe to execute.
func Validate(text string) []Violation {
	var violations []Violation
	for _, rule := range Rules() {
		violations = append(violations, rule.Check(text)...)
	}
	return violations
}

// ValidateSubstituted validates text produced by the substitutor. The
// contents of quoted literals are blanked first: they are escaped values, so
// a value such as 'drop-off' must not trip the keyword or pattern rules.
//
// Masking is only sound for standard quoting, so any dollar quote or escape
// string left outside the masked literals is itself a violation.
func ValidateSubstituted(text string) []Violation {
	masked := maskLiterals(text)
	violations := Validate(masked)
	if nonStandardQuotingPattern.MatchString(masked) {
		violations = append(violations, Violation{
			Rule:    RuleSuspiciousPattern,
			Message: "suspicious pattern detected: " + nonStandardQuotingName,
		})
	}
	return violations
}

const nonStandardQuotingName = "non-standard string quoting"

// HasNonStandardQuoting reports whether text uses dollar quoting or an
// E-prefixed or U&-prefixed string outside standard single-quoted literals.
func HasNonStandardQuoting(text string) bool {
	return nonStandardQuotingPattern.MatchString(maskLiterals(text))
}

func maskLiterals(text string) string {
	return stringLiteralPattern.ReplaceAllString(text, "''")
}

// FirstViolation stops at the first failing rule.
func FirstViolation(text string) (Violation, bool) {
	for _, rule := range Rules() {
		if v := rule.Check(text); len(v) > 0 {
			return v[0], true
		}
	}
	return Violation{}, false
}

// Messages flattens violations into their messages.
func Messages(violations []Violation) []string {
	msgs := make([]string, len(violations))
	for i, v := range violations {
		msgs[i] = v.Message
	}
	return msgs
}

func checkForbiddenKeywords(text string) []Violation {
	var violations []Violation
	for _, kp := range forbiddenKeywordPatterns {
		if kp.pattern.MatchString(text) {
			violations = append(violations, Violation{
				Rule:    RuleForbiddenKeyword,
				Message: "forbidden keyword: " + kp.keyword,
			})
		}
	}
	return violations
}

func checkSelectStatement(text string) []Violation {
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(text)), "SELECT") {
		return nil
	}
	return []Violation{{Rule: RuleSelectStatement, Message: "query must start with SELECT"}}
}

func checkUsersTable(text string) []Violation {
	if usersTablePattern.MatchString(strings.ToUpper(text)) {
		return nil
	}
	return []Violation{{Rule: RuleUsersTable, Message: "query must reference the users table"}}
}

func checkSuspiciousPatterns(text string) []Violation {
	for _, np := range suspiciousPatterns {
		if np.pattern.MatchString(text) {
			return []Violation{{
				Rule:    RuleSuspiciousPattern,
				Message: "suspicious pattern detected: " + np.name,
			}}
		}
	}
	return nil
}

func checkIDColumn(text string) []Violation {
	if idColumnPattern.MatchString(text) {
		return nil
	}
	return []Violation{{Rule: RuleIDColumn, Message: "query must select the id column"}}
}

func checkReadOnly(text string) []Violation {
	var violations []Violation
	for _, kp := range readOnlyKeywordPatterns {
		if kp.pattern.MatchString(text) {
			violations = append(violations, Violation{
				Rule:    RuleReadOnly,
				Message: "write operation not allowed: " + kp.keyword,
			})
		}
	}
	return violations
}
