package sampling

import (
	"fmt"
	"strings"

	"github.com/workbench-io/workbench-go/internal/models"
)

// OrderKey orders a round's output by one column.
type OrderKey struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
}

// Selection optionally projects and orders a round's sample.
type Selection struct {
	Columns []string   `json:"columns,omitempty"`
	OrderBy []OrderKey `json:"order_by,omitempty"`
}

// applySelection wraps a sample query in the projection and ORDER BY
// the round requested. Every referenced column is validated against
// the commit's schema before interpolation.
func applySelection(inner string, sel *Selection, schema models.TableSchema) (string, error) {
	if sel == nil || (len(sel.Columns) == 0 && len(sel.OrderBy) == 0) {
		return inner, nil
	}

	dataExpr := "data"
	if len(sel.Columns) > 0 {
		pairs := make([]string, 0, len(sel.Columns))
		for _, name := range sel.Columns {
			col, err := validateColumn(name, schema)
			if err != nil {
				return "", err
			}
			pairs = append(pairs, fmt.Sprintf("'%s', data->'%s'", col.Name, col.Name))
		}
		dataExpr = fmt.Sprintf("jsonb_build_object(%s)", strings.Join(pairs, ", "))
	}

	var orderBy string
	if len(sel.OrderBy) > 0 {
		keys := make([]string, 0, len(sel.OrderBy))
		for _, key := range sel.OrderBy {
			col, err := validateColumn(key.Column, schema)
			if err != nil {
				return "", err
			}
			dir := "ASC"
			if key.Descending {
				dir = "DESC"
			}
			keys = append(keys, fmt.Sprintf("%s %s", columnExpr(col), dir))
		}
		orderBy = " ORDER BY " + strings.Join(keys, ", ")
	}

	return fmt.Sprintf(
		"SELECT logical_row_id, row_hash, %s AS data FROM (%s) selected%s",
		dataExpr, inner, orderBy,
	), nil
}

// exportColumns returns the column set for an exported sample file:
// the selection's projection when one was given, otherwise the full
// table schema.
func exportColumns(sel *Selection, schema models.TableSchema) []models.ColumnDef {
	if sel == nil || len(sel.Columns) == 0 {
		return schema.Columns
	}
	cols := make([]models.ColumnDef, 0, len(sel.Columns))
	for _, name := range sel.Columns {
		if col, ok := schema.Column(name); ok {
			cols = append(cols, col)
		}
	}
	return cols
}

// exportOrder renders the ORDER BY used when reading a sample back out
// of its temp table, defaulting to logical_row_id.
func exportOrder(sel *Selection, schema models.TableSchema) (string, error) {
	if sel == nil || len(sel.OrderBy) == 0 {
		return "logical_row_id", nil
	}
	keys := make([]string, 0, len(sel.OrderBy))
	for _, key := range sel.OrderBy {
		col, err := validateColumn(key.Column, schema)
		if err != nil {
			return "", err
		}
		dir := "ASC"
		if key.Descending {
			dir = "DESC"
		}
		keys = append(keys, fmt.Sprintf("%s %s", columnExpr(col), dir))
	}
	return strings.Join(keys, ", "), nil
}

// validateSelection fails fast before any SQL is built.
func validateSelection(sel *Selection, schema models.TableSchema) error {
	if sel == nil {
		return nil
	}
	for _, name := range sel.Columns {
		if _, err := validateColumn(name, schema); err != nil {
			return err
		}
	}
	for _, key := range sel.OrderBy {
		if _, err := validateColumn(key.Column, schema); err != nil {
			return err
		}
	}
	return nil
}
