package transform

import (
	"fmt"
	"regexp"
	"strings"

	werrors "github.com/workbench-io/workbench-go/internal/errors"
)

// ValidationResult carries blocking errors and non-fatal performance
// warnings for one SQL statement.
type ValidationResult struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Valid reports whether the statement may execute.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Err folds blocking errors into a single validation error.
func (r *ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	return werrors.ValidationErrorf("sql validation failed: %s", strings.Join(r.Errors, "; "))
}

var deniedKeywords = []string{
	"DROP", "CREATE", "ALTER", "TRUNCATE", "DELETE", "UPDATE", "INSERT",
	"GRANT", "REVOKE", "EXECUTE", "CALL", "EXEC", "MERGE", "REPLACE",
	"RENAME", "COMMENT",
}

var systemSchemaPattern = regexp.MustCompile(`(?i)\b(INFORMATION_SCHEMA|PG_[A-Z_]*|SYS\.|MYSQL\.)`)

var (
	stringLiteralPattern = regexp.MustCompile(`'(?:[^']|'')*'`)
	numberPattern        = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	functionCallPattern  = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*\s*\(`)
	cteNamePattern       = regexp.MustCompile(`(?i)(?:\bWITH\s+|,\s*)([A-Za-z_][A-Za-z0-9_]*)\s+AS\s*\(`)
	tableRefPattern      = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([A-Za-z_][A-Za-z0-9_.]*)`)
	subqueryAliasPattern = regexp.MustCompile(`(?i)\)\s*(?:AS\s+)?([A-Za-z_][A-Za-z0-9_]*)`)
	trailingAliasPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+[A-Za-z_][A-Za-z0-9_.]*\s+(?:AS\s+)?([A-Za-z_][A-Za-z0-9_]*)`)
)

// ValidateSQL runs the four validation stages over a user statement.
// sourceAliases are the table aliases the transformation binds; any
// other base table reference is rejected.
func ValidateSQL(sql string, sourceAliases []string) *ValidationResult {
	result := &ValidationResult{}

	validateSyntax(sql, result)
	if !result.Valid() {
		return result
	}
	validateSecurity(sql, result)
	if !result.Valid() {
		return result
	}
	validateSemantics(sql, sourceAliases, result)
	collectWarnings(sql, result)
	return result
}

func validateSyntax(sql string, result *ValidationResult) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		result.Errors = append(result.Errors, "statement is empty")
		return
	}

	depth := 0
	inSingle, inDouble := false, false
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case inSingle || inDouble:
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth < 0 {
				result.Errors = append(result.Errors, "unbalanced parentheses")
				return
			}
		}
	}
	if depth != 0 {
		result.Errors = append(result.Errors, "unbalanced parentheses")
	}
	if inSingle {
		result.Errors = append(result.Errors, "unterminated string literal")
	}
	if inDouble {
		result.Errors = append(result.Errors, "unterminated quoted identifier")
	}

	upper := strings.ToUpper(trimmed)
	if strings.Contains(upper, "SELECT") && !strings.Contains(upper, "FROM") {
		result.Errors = append(result.Errors, "SELECT statement has no FROM clause")
	}
}

func validateSecurity(sql string, result *ValidationResult) {
	stripped := stringLiteralPattern.ReplaceAllString(sql, "''")
	upper := strings.ToUpper(stripped)

	for _, kw := range deniedKeywords {
		if regexp.MustCompile(`\b` + kw + `\b`).MatchString(upper) {
			result.Errors = append(result.Errors, fmt.Sprintf("keyword %s is not allowed", kw))
		}
	}
	if strings.Contains(stripped, "--") || strings.Contains(stripped, "/*") {
		result.Errors = append(result.Errors, "comments are not allowed")
	}
	if systemSchemaPattern.MatchString(stripped) {
		result.Errors = append(result.Errors, "references to system schemas are not allowed")
	}
}

// validateSemantics checks that every base table reference resolves to
// a configured source alias or a CTE/subquery alias within the SQL.
func validateSemantics(sql string, sourceAliases []string, result *ValidationResult) {
	known := make(map[string]struct{}, len(sourceAliases))
	for _, a := range sourceAliases {
		known[strings.ToLower(a)] = struct{}{}
	}

	stripped := stringLiteralPattern.ReplaceAllString(sql, "''")
	stripped = numberPattern.ReplaceAllString(stripped, "0")

	for _, m := range cteNamePattern.FindAllStringSubmatch(stripped, -1) {
		known[strings.ToLower(m[1])] = struct{}{}
	}
	for _, m := range subqueryAliasPattern.FindAllStringSubmatch(stripped, -1) {
		known[strings.ToLower(m[1])] = struct{}{}
	}
	for _, m := range trailingAliasPattern.FindAllStringSubmatch(stripped, -1) {
		alias := strings.ToLower(m[1])
		if !isKeywordToken(alias) {
			known[strings.ToLower(m[1])] = struct{}{}
		}
	}

	for _, m := range tableRefPattern.FindAllStringSubmatch(stripped, -1) {
		ref := strings.ToLower(m[1])
		if strings.HasPrefix(ref, "(") {
			continue
		}
		if _, ok := known[ref]; !ok {
			result.Errors = append(result.Errors,
				fmt.Sprintf("table reference %q does not resolve to a source alias or CTE", m[1]))
		}
	}
}

// isKeywordToken filters clause keywords the trailing-alias regex can
// capture by accident.
func isKeywordToken(tok string) bool {
	switch tok {
	case "where", "group", "order", "having", "limit", "offset", "on",
		"join", "inner", "left", "right", "full", "cross", "union",
		"using", "as", "and", "or":
		return true
	}
	return false
}

func collectWarnings(sql string, result *ValidationResult) {
	stripped := stringLiteralPattern.ReplaceAllString(sql, "''")
	upper := strings.ToUpper(stripped)

	if regexp.MustCompile(`SELECT\s+(?:DISTINCT\s+)?\*`).MatchString(upper) {
		result.Warnings = append(result.Warnings, "SELECT * fetches all columns; project only what you need")
	}
	if strings.Contains(upper, "NOT IN") {
		result.Warnings = append(result.Warnings, "NOT IN can be slow and behaves unexpectedly with NULLs; consider NOT EXISTS")
	}
	if regexp.MustCompile(`(?i)LIKE\s+'%`).MatchString(sql) {
		result.Warnings = append(result.Warnings, "leading-wildcard LIKE prevents index use")
	}
	if regexp.MustCompile(`\bOR\b`).MatchString(upper) {
		result.Warnings = append(result.Warnings, "OR conditions may prevent index use")
	}
	if strings.Contains(upper, "DISTINCT") {
		result.Warnings = append(result.Warnings, "DISTINCT requires a sort or hash over the full result")
	}
	if regexp.MustCompile(`(?i)FROM\s+[A-Za-z_][A-Za-z0-9_]*\s*,\s*[A-Za-z_]`).MatchString(stripped) {
		result.Warnings = append(result.Warnings, "comma-separated FROM list produces a cross product; use explicit JOINs")
	}
	if whereClause := extractWhere(upper); whereClause != "" && functionCallPattern.MatchString(whereClause) {
		result.Warnings = append(result.Warnings, "function calls in WHERE prevent index use on the wrapped column")
	}
}

func extractWhere(upper string) string {
	idx := strings.Index(upper, "WHERE")
	if idx < 0 {
		return ""
	}
	rest := upper[idx:]
	for _, stop := range []string{"GROUP BY", "ORDER BY", "LIMIT", "HAVING"} {
		if i := strings.Index(rest, stop); i > 0 {
			rest = rest[:i]
		}
	}
	return rest
}
