package convert

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var nonIdentifier = regexp.MustCompile(`[^a-z0-9_]+`)

// NormalizeColumnName lowercases and reduces a header to
// alphanumerics and underscores. Empty results become col_<i>.
func NormalizeColumnName(name string, index int) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = nonIdentifier.ReplaceAllString(n, "_")
	n = strings.Trim(n, "_")
	if n == "" {
		return fmt.Sprintf("col_%d", index)
	}
	if n[0] >= '0' && n[0] <= '9' {
		n = "_" + n
	}
	return n
}

// NormalizeHeader normalises every column and deduplicates collisions
// by suffixing _2, _3, ….
func NormalizeHeader(header []string) []string {
	out := make([]string, len(header))
	seen := make(map[string]int, len(header))
	for i, h := range header {
		name := NormalizeColumnName(h, i)
		if n, dup := seen[name]; dup {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		}
		if _, dup := seen[name]; !dup {
			seen[name] = 1
		}
		out[i] = name
	}
	return out
}

// Column types the converter infers.
const (
	TypeInteger = "integer"
	TypeDouble  = "double"
	TypeBoolean = "boolean"
	TypeText    = "text"
)

// InferValueType classifies one lexical value.
func InferValueType(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	if _, err := strconv.ParseInt(v, 10, 64); err == nil {
		return TypeInteger
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return TypeDouble
	}
	switch strings.ToLower(v) {
	case "true", "false":
		return TypeBoolean
	}
	return TypeText
}

// PromoteType merges a newly observed value type into a column's
// running type. integer widens to double; anything conflicting
// collapses to text. Empty observations leave the type untouched.
func PromoteType(current, observed string) string {
	if observed == "" {
		return current
	}
	if current == "" || current == observed {
		return observed
	}
	if (current == TypeInteger && observed == TypeDouble) ||
		(current == TypeDouble && observed == TypeInteger) {
		return TypeDouble
	}
	return TypeText
}

// ParseTyped converts a lexical value to the Go value for its column
// type. Empty strings become nil so nullability survives the round trip.
func ParseTyped(value, columnType string) interface{} {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	switch columnType {
	case TypeInteger:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case TypeDouble:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	case TypeBoolean:
		switch strings.ToLower(v) {
		case "true":
			return true
		case "false":
			return false
		}
	}
	return v
}
