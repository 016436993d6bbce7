package transform

import (
	"fmt"
	"regexp"
	"strings"
)

// viewName derives the temporary view bound to one source alias.
// Job IDs are UUIDs; hyphens are flattened so the name stays a plain
// identifier.
func viewName(alias, jobID string) string {
	return fmt.Sprintf("sql_transform_%s_%s", alias, strings.ReplaceAll(jobID, "-", "_"))
}

// RewriteSQL replaces each source alias with its view name in FROM and
// JOIN positions and in alias.column prefixes. Alias-looking tokens in
// other positions, such as function arguments, are left untouched.
func RewriteSQL(sql string, aliasToView map[string]string) string {
	out := sql
	for alias, view := range aliasToView {
		quoted := regexp.QuoteMeta(alias)

		// FROM s / JOIN s, keeping the original alias binding so
		// column prefixes keep resolving after both rewrites.
		fromPattern := regexp.MustCompile(`(?i)\b(FROM|JOIN)\s+` + quoted + `\b`)
		out = fromPattern.ReplaceAllString(out, "${1} "+view)

		// Comma-continued FROM lists: FROM a, s.
		commaPattern := regexp.MustCompile(`(?i)(\bFROM\b[^()]*?,\s*)` + quoted + `\b([^.])`)
		out = commaPattern.ReplaceAllString(out, "${1}"+view+"${2}")

		// s.column prefixes anywhere.
		prefixPattern := regexp.MustCompile(`\b` + quoted + `\.`)
		out = prefixPattern.ReplaceAllString(out, view+".")
	}
	return out
}

// wrapPreview bounds a rewritten statement for the preview operation.
func wrapPreview(sql string, limit int) string {
	if limit <= 0 {
		limit = 100
	}
	return fmt.Sprintf("SELECT * FROM (%s) preview LIMIT %d", strings.TrimRight(strings.TrimSpace(sql), ";"), limit)
}
