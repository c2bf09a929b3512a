package sql

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// MaxUserLimit is the default ceiling applied to every requested row limit.
const MaxUserLimit = 100000

// Row-limit tails the builder knows how to rewrite. Each pattern exposes the
// offset and the count as submatches; the index pairs below say which is which.
var rowLimitTails = []struct {
	pattern      *regexp.Regexp
	offset, rows int
	fetch        bool
}{
	{regexp.MustCompile(`(?i)\s+LIMIT\s+(\d+|ALL|NULL)(?:\s+OFFSET\s+(\d+)(?:\s+ROWS?)?)?\s*$`), 2, 1, false},
	{regexp.MustCompile(`(?i)\s+OFFSET\s+(\d+)(?:\s+ROWS?)?(?:\s+LIMIT\s+(\d+|ALL|NULL))?\s*$`), 1, 2, false},
	{regexp.MustCompile(`(?i)\s+(?:OFFSET\s+(\d+)(?:\s+ROWS?)?\s+)?FETCH\s+(?:FIRST|NEXT)(?:\s+(\d+))?\s+ROWS?\s+ONLY\s*$`), 1, 2, true},
}

var (
	rowLimitKeywordPattern = regexp.MustCompile(`(?i)\b(?:LIMIT|OFFSET|FETCH)\b`)
	quotedIdentPattern     = regexp.MustCompile(`"(?:[^"]|"")*"`)

	errUnsupportedRowLimit = errors.New("unsupported row-limit clause; end the query with LIMIT n [OFFSET m], OFFSET m, or FETCH FIRST n ROWS ONLY")
)

// rowLimit is a parsed trailing row-limit clause.
type rowLimit struct {
	start    int // index where the clause begins, including leading space
	count    int
	hasCount bool   // false for LIMIT ALL and a bare OFFSET
	offset   string // empty when absent
}

// Builder produces the final executable text for a validated query.
type Builder struct {
	maxLimit int
}

// NewBuilder returns a Builder that clamps limits to maxLimit.
// A non-positive maxLimit falls back to MaxUserLimit.
func NewBuilder(maxLimit int) Builder {
	if maxLimit <= 0 {
		maxLimit = MaxUserLimit
	}
	return Builder{maxLimit: maxLimit}
}

// MaxLimit returns the ceiling this builder clamps to.
func (b Builder) MaxLimit() int {
	if b.maxLimit <= 0 {
		return MaxUserLimit
	}
	return b.maxLimit
}

// ClampLimit returns min(limit, MaxLimit()).
func (b Builder) ClampLimit(limit int) int {
	return min(limit, b.MaxLimit())
}

// Build trims the text and terminates it with exactly one semicolon. When
// limit is positive, any trailing LIMIT, OFFSET or FETCH clause is rewritten
// to LIMIT min(limit, MaxLimit()) followed by the original OFFSET, if any.
//
//	b.Build("SELECT id FROM users LIMIT 10;;", 500)
//	// "SELECT id FROM users LIMIT 500;"
//	b.Build("SELECT id FROM users FETCH FIRST 3 ROWS ONLY", 20)
//	// "SELECT id FROM users LIMIT 20;"
func (b Builder) Build(queryText string, limit int) string {
	text := stripTrailingSemicolons(queryText)

	if limit > 0 {
		var offset string
		if tail, ok := parseRowLimit(text); ok {
			text = text[:tail.start]
			offset = tail.offset
		}
		text += " LIMIT " + strconv.Itoa(b.ClampLimit(limit))
		if offset != "" {
			text += " OFFSET " + offset
		}
	}

	return text + ";"
}

// TrailingLimit reports the row count set by a trailing LIMIT or FETCH
// clause, if present. LIMIT ALL and a bare OFFSET report no limit.
func TrailingLimit(queryText string) (int, bool) {
	tail, ok := parseRowLimit(stripTrailingSemicolons(queryText))
	if !ok || !tail.hasCount {
		return 0, false
	}
	return tail.count, true
}

// CheckRowLimitClause rejects a query whose final top-level LIMIT, OFFSET or
// FETCH clause is not one Build can rewrite, such as FETCH ... WITH TIES or
// an expression count. Literals are ignored and placeholders count as numbers.
func CheckRowLimitClause(queryText string) error {
	text := quotedIdentPattern.ReplaceAllString(maskLiterals(queryText), `""`)
	text = variableRegex.ReplaceAllString(text, "0")
	text = stripTrailingSemicolons(text)

	locs := rowLimitKeywordPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	last := locs[len(locs)-1][0]
	if strings.ContainsAny(text[last:], "()") || parenDepth(text[:last]) != 0 {
		// Inside a subquery or followed by more query text; the builder appends
		// its own LIMIT after it.
		return nil
	}

	if tail, ok := parseRowLimit(text); ok && tail.start < last {
		return nil
	}
	return errUnsupportedRowLimit
}

// parseRowLimit finds the longest recognised row-limit clause at the end of text.
func parseRowLimit(text string) (rowLimit, bool) {
	best := rowLimit{start: -1}
	for _, t := range rowLimitTails {
		m := t.pattern.FindStringSubmatchIndex(text)
		if m == nil || (best.start >= 0 && m[0] >= best.start) {
			continue
		}

		tail := rowLimit{start: m[0]}
		if s := m[2*t.offset]; s >= 0 {
			tail.offset = text[s:m[2*t.offset+1]]
		}
		if s := m[2*t.rows]; s >= 0 {
			// ALL and NULL set no count.
			if n, err := strconv.Atoi(text[s:m[2*t.rows+1]]); err == nil {
				tail.count, tail.hasCount = n, true
			}
		} else if t.fetch {
			// FETCH FIRST ROW ONLY means one row.
			tail.count, tail.hasCount = 1, true
		}
		best = tail
	}
	return best, best.start >= 0
}

func parenDepth(text string) int {
	return strings.Count(text, "(") - strings.Count(text, ")")
}

// stripTrailingSemicolons removes every trailing semicolon along with the
// surrounding whitespace.
func stripTrailingSemicolons(sqlQuery string) string {
	return strings.TrimRight(strings.TrimSpace(sqlQuery), "; \t\n\r")
}
