package sampling

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/workbench-io/workbench-go/internal/convert"
	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/models"
)

// identifierPattern is the only shape a column name may take before it
// is interpolated as an identifier.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Filter is one predicate of a round's WHERE sub-clause.
type Filter struct {
	Column   string        `json:"column"`
	Operator string        `json:"operator"`
	Value    interface{}   `json:"value,omitempty"`
	Values   []interface{} `json:"values,omitempty"`
}

var allowedOperators = map[string]string{
	"=":           "=",
	"!=":          "!=",
	"<":           "<",
	"<=":          "<=",
	">":           ">",
	">=":          ">=",
	"in":          "IN",
	"not in":      "NOT IN",
	"like":        "LIKE",
	"ilike":       "ILIKE",
	"is null":     "IS NULL",
	"is not null": "IS NOT NULL",
}

// validateColumn checks a name against the identifier pattern and the
// commit's schema for the table.
func validateColumn(name string, schema models.TableSchema) (models.ColumnDef, error) {
	if !identifierPattern.MatchString(name) {
		return models.ColumnDef{}, werrors.ValidationErrorf("invalid column name %q", name)
	}
	col, ok := schema.Column(name)
	if !ok {
		return models.ColumnDef{}, werrors.ValidationErrorf("column %q not present in table schema", name)
	}
	return col, nil
}

// columnExpr extracts a column from the JSONB payload, cast to its
// declared type. The name is interpolated as an identifier only after
// validation.
func columnExpr(col models.ColumnDef) string {
	base := fmt.Sprintf("(data->>'%s')", col.Name)
	switch col.Type {
	case convert.TypeInteger:
		return base + "::bigint"
	case convert.TypeDouble:
		return base + "::double precision"
	case convert.TypeBoolean:
		return base + "::boolean"
	default:
		return base
	}
}

// buildFilterClause renders the AND-joined predicate list. Placeholders
// continue from argOffset; the returned args line up with them.
func buildFilterClause(filters []Filter, schema models.TableSchema, argOffset int) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	var parts []string
	var args []any
	next := argOffset

	for _, f := range filters {
		op, ok := allowedOperators[strings.ToLower(strings.TrimSpace(f.Operator))]
		if !ok {
			return "", nil, werrors.ValidationErrorf("operator %q is not allowed in filters", f.Operator)
		}
		col, err := validateColumn(f.Column, schema)
		if err != nil {
			return "", nil, err
		}
		expr := columnExpr(col)

		switch op {
		case "IS NULL", "IS NOT NULL":
			parts = append(parts, fmt.Sprintf("%s %s", expr, op))
		case "IN", "NOT IN":
			if len(f.Values) == 0 {
				return "", nil, werrors.ValidationErrorf("filter on %q: %s requires a non-empty values list", f.Column, op)
			}
			holders := make([]string, len(f.Values))
			for i, v := range f.Values {
				holders[i] = fmt.Sprintf("$%d", next)
				cast, err := castValue(v, col)
				if err != nil {
					return "", nil, err
				}
				args = append(args, cast)
				next++
			}
			parts = append(parts, fmt.Sprintf("%s %s (%s)", expr, op, strings.Join(holders, ",")))
		default:
			if f.Value == nil {
				return "", nil, werrors.ValidationErrorf("filter on %q: operator %s requires a value", f.Column, op)
			}
			cast, err := castValue(f.Value, col)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, fmt.Sprintf("%s %s $%d", expr, op, next))
			args = append(args, cast)
			next++
		}
	}
	return strings.Join(parts, " AND "), args, nil
}

// castValue coerces a JSON-decoded filter value to the declared column
// type so the bind parameter matches the cast column expression.
func castValue(v interface{}, col models.ColumnDef) (interface{}, error) {
	switch col.Type {
	case convert.TypeInteger:
		switch t := v.(type) {
		case float64:
			return int64(t), nil
		case int64:
			return t, nil
		case string:
			parsed := convert.ParseTyped(t, convert.TypeInteger)
			if n, ok := parsed.(int64); ok {
				return n, nil
			}
		}
		return nil, werrors.ValidationErrorf("filter value %v is not an integer for column %q", v, col.Name)
	case convert.TypeDouble:
		switch t := v.(type) {
		case float64:
			return t, nil
		case int64:
			return float64(t), nil
		case string:
			parsed := convert.ParseTyped(t, convert.TypeDouble)
			if f, ok := parsed.(float64); ok {
				return f, nil
			}
		}
		return nil, werrors.ValidationErrorf("filter value %v is not numeric for column %q", v, col.Name)
	case convert.TypeBoolean:
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			parsed := convert.ParseTyped(t, convert.TypeBoolean)
			if b, ok := parsed.(bool); ok {
				return b, nil
			}
		}
		return nil, werrors.ValidationErrorf("filter value %v is not boolean for column %q", v, col.Name)
	default:
		return fmt.Sprintf("%v", v), nil
	}
}
