package sampling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	werrors "github.com/workbench-io/workbench-go/internal/errors"
)

func TestBuildFilterClauseOperators(t *testing.T) {
	schema := testSchema()

	clause, args, err := buildFilterClause([]Filter{
		{Column: "count", Operator: "=", Value: float64(3)},
		{Column: "region", Operator: "LIKE", Value: "eu%"},
		{Column: "amount", Operator: "is null"},
		{Column: "active", Operator: "!=", Value: true},
	}, schema, 3)
	require.NoError(t, err)

	assert.Contains(t, clause, "(data->>'count')::bigint = $3")
	assert.Contains(t, clause, "(data->>'region') LIKE $4")
	assert.Contains(t, clause, "(data->>'amount')::double precision IS NULL")
	assert.Contains(t, clause, "(data->>'active')::boolean != $5")
	assert.Equal(t, []any{int64(3), "eu%", true}, args, "JSON numbers cast to declared column types")
}

func TestBuildFilterClauseRejections(t *testing.T) {
	schema := testSchema()

	cases := map[string][]Filter{
		"unknown operator":    {{Column: "region", Operator: "BETWEEN", Value: "x"}},
		"unknown column":      {{Column: "ghost", Operator: "=", Value: "x"}},
		"injection in column": {{Column: "region; DROP TABLE rows", Operator: "=", Value: "x"}},
		"empty IN list":       {{Column: "region", Operator: "in"}},
		"missing value":       {{Column: "region", Operator: "="}},
		"bad integer cast":    {{Column: "count", Operator: "=", Value: "not-a-number"}},
	}
	for name, filters := range cases {
		_, _, err := buildFilterClause(filters, schema, 3)
		assert.True(t, werrors.IsKind(err, werrors.KindValidation), name)
	}
}

func TestApplySelection(t *testing.T) {
	schema := testSchema()
	inner := "SELECT logical_row_id, row_hash, data FROM x"

	wrapped, err := applySelection(inner, &Selection{
		Columns: []string{"region", "amount"},
		OrderBy: []OrderKey{{Column: "amount", Descending: true}},
	}, schema)
	require.NoError(t, err)
	assert.Contains(t, wrapped, "jsonb_build_object('region', data->'region', 'amount', data->'amount')")
	assert.Contains(t, wrapped, "ORDER BY (data->>'amount')::double precision DESC")

	same, err := applySelection(inner, nil, schema)
	require.NoError(t, err)
	assert.Equal(t, inner, same)

	_, err = applySelection(inner, &Selection{Columns: []string{"ghost"}}, schema)
	assert.True(t, werrors.IsKind(err, werrors.KindValidation))
}

func TestExportColumns(t *testing.T) {
	schema := testSchema()

	full := exportColumns(nil, schema)
	assert.Equal(t, schema.Columns, full)

	projected := exportColumns(&Selection{Columns: []string{"amount", "region"}}, schema)
	require.Len(t, projected, 2)
	assert.Equal(t, "amount", projected[0].Name)
	assert.Equal(t, "region", projected[1].Name)
}

func TestExportOrder(t *testing.T) {
	schema := testSchema()

	plain, err := exportOrder(nil, schema)
	require.NoError(t, err)
	assert.Equal(t, "logical_row_id", plain)

	ordered, err := exportOrder(&Selection{OrderBy: []OrderKey{
		{Column: "amount", Descending: true},
		{Column: "region"},
	}}, schema)
	require.NoError(t, err)
	assert.Equal(t, "(data->>'amount')::double precision DESC, (data->>'region') ASC", ordered)

	_, err = exportOrder(&Selection{OrderBy: []OrderKey{{Column: "ghost"}}}, schema)
	assert.True(t, werrors.IsKind(err, werrors.KindValidation))
}

func TestCoerceRow(t *testing.T) {
	schema := testSchema()
	row := coerceRow(map[string]interface{}{
		"count":  float64(5),
		"amount": 2.5,
		"region": 12,
		"active": true,
	}, schema)

	assert.Equal(t, int64(5), row["count"], "JSON float for integer column becomes int64")
	assert.Equal(t, 2.5, row["amount"])
	assert.Equal(t, "12", row["region"], "non-string for text column is stringified")
	assert.Equal(t, true, row["active"])

	sparse := coerceRow(map[string]interface{}{}, schema)
	assert.Nil(t, sparse["count"])
	assert.Len(t, sparse, len(schema.Columns))
}
