package transform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workbench-io/workbench-go/internal/convert"
	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/models"
)

func TestValidateSyntax(t *testing.T) {
	cases := map[string]string{
		"empty":             "   ",
		"unbalanced parens": "SELECT count(*) FROM s WHERE (a = 1",
		"open string":       "SELECT * FROM s WHERE name = 'unterminated",
		"select without from": "SELECT 1 + 2",
	}
	for name, sql := range cases {
		result := ValidateSQL(sql, []string{"s"})
		assert.False(t, result.Valid(), name)
	}

	ok := ValidateSQL("SELECT s.region FROM s WHERE s.amount > 10", []string{"s"})
	assert.True(t, ok.Valid())
	assert.True(t, werrors.IsKind(ValidateSQL("", nil).Err(), werrors.KindValidation))
}

func TestValidateSecurity(t *testing.T) {
	cases := map[string]string{
		"drop":            "SELECT * FROM s; DROP TABLE users",
		"insert":          "INSERT INTO s VALUES (1)",
		"line comment":    "SELECT * FROM s -- sneaky",
		"block comment":   "SELECT /* hidden */ * FROM s",
		"system catalog":  "SELECT * FROM PG_TABLES",
		"info schema":     "SELECT * FROM information_schema.tables",
	}
	for name, sql := range cases {
		result := ValidateSQL(sql, []string{"s"})
		assert.False(t, result.Valid(), name)
	}

	// Denylisted words inside string literals are data, not commands.
	literal := ValidateSQL("SELECT s.a FROM s WHERE s.note = 'please DROP me a line'", []string{"s"})
	assert.True(t, literal.Valid(), "keywords inside string literals must pass")
}

func TestValidateSemantics(t *testing.T) {
	unknown := ValidateSQL("SELECT x.a FROM unknown_table", []string{"s"})
	require.False(t, unknown.Valid())
	assert.Contains(t, strings.Join(unknown.Errors, " "), "unknown_table")

	cte := ValidateSQL(
		"WITH totals AS (SELECT s.region, SUM(s.amount) AS total FROM s GROUP BY s.region) SELECT totals.region FROM totals",
		[]string{"s"})
	assert.True(t, cte.Valid(), "CTE aliases must resolve: %v", cte.Errors)

	multi := ValidateSQL("SELECT a.x, b.y FROM a JOIN b ON a.id = b.id", []string{"a", "b"})
	assert.True(t, multi.Valid(), "%v", multi.Errors)
}

func TestPerformanceWarnings(t *testing.T) {
	result := ValidateSQL(
		"SELECT DISTINCT * FROM s WHERE s.name LIKE '%x' OR upper(s.code) = 'A'",
		[]string{"s"})
	require.True(t, result.Valid(), "%v", result.Errors)

	joined := strings.Join(result.Warnings, " | ")
	assert.Contains(t, joined, "SELECT *")
	assert.Contains(t, joined, "DISTINCT")
	assert.Contains(t, joined, "leading-wildcard")
	assert.Contains(t, joined, "OR")
	assert.Contains(t, joined, "function calls in WHERE")
}

func TestRewriteSQL(t *testing.T) {
	views := map[string]string{"s": "sql_transform_s_job1"}

	got := RewriteSQL("SELECT s.region, COUNT(*) AS n FROM s GROUP BY s.region", views)
	assert.Equal(t,
		"SELECT sql_transform_s_job1.region, COUNT(*) AS n FROM sql_transform_s_job1 GROUP BY sql_transform_s_job1.region",
		got)

	// Alias-looking tokens inside function arguments stay put.
	fn := RewriteSQL("SELECT length(s) FROM t", map[string]string{"t": "view_t"})
	assert.Equal(t, "SELECT length(s) FROM view_t", fn)

	join := RewriteSQL("SELECT a.x FROM a JOIN b ON a.id = b.id",
		map[string]string{"a": "va", "b": "vb"})
	assert.Contains(t, join, "FROM va JOIN vb")
	assert.Contains(t, join, "va.id = vb.id")
}

func TestViewName(t *testing.T) {
	name := viewName("s", "0b5e7a3c-1111-2222-3333-444455556666")
	assert.Equal(t, "sql_transform_s_0b5e7a3c_1111_2222_3333_444455556666", name)
	assert.NotContains(t, name, "-")
}

func TestWrapPreview(t *testing.T) {
	assert.Equal(t, "SELECT * FROM (SELECT a FROM v) preview LIMIT 50",
		wrapPreview("SELECT a FROM v;", 50))
	assert.Contains(t, wrapPreview("SELECT a FROM v", 0), "LIMIT 100")
}

func TestInferSchemaFromRow(t *testing.T) {
	schema := InferSchemaFromRow(map[string]interface{}{
		"region": "eu",
		"n":      float64(3),
		"ratio":  0.5,
		"flag":   true,
		"empty":  nil,
	})
	require.Len(t, schema.Columns, 5)

	byName := map[string]string{}
	for _, c := range schema.Columns {
		byName[c.Name] = c.Type
	}
	assert.Equal(t, convert.TypeText, byName["region"])
	assert.Equal(t, convert.TypeInteger, byName["n"])
	assert.Equal(t, convert.TypeDouble, byName["ratio"])
	assert.Equal(t, convert.TypeBoolean, byName["flag"])
	assert.Equal(t, convert.TypeText, byName["empty"], "all-null columns default to text")

	// Deterministic column order.
	assert.Equal(t, "empty", schema.Columns[0].Name)
}

func TestParametersValidate(t *testing.T) {
	valid := Parameters{
		Sources: []Source{{DatasetID: "d", Ref: "main", TableKey: "sales", Alias: "s"}},
		SQL:     "SELECT s.a FROM s",
		Target:  Target{DatasetID: "d", Ref: "main", TableKey: "sales"},
	}
	require.NoError(t, valid.validate())

	noAlias := valid
	noAlias.Sources = []Source{{DatasetID: "d", Ref: "main", TableKey: "sales"}}
	assert.Error(t, noAlias.validate())

	noTarget := valid
	noTarget.Target = Target{}
	assert.Error(t, noTarget.validate())

	// Aliases and table keys end up interpolated into view DDL, so
	// anything beyond a bare identifier is rejected up front.
	badAlias := valid
	badAlias.Sources = []Source{{DatasetID: "d", Ref: "main", TableKey: "sales", Alias: "s; DROP VIEW x"}}
	assert.Error(t, badAlias.validate())

	badTable := valid
	badTable.Target = Target{DatasetID: "d", Ref: "main", TableKey: "sales'--"}
	assert.Error(t, badTable.validate())
}

func TestCreateViewSQLExpandsSchemaColumns(t *testing.T) {
	schema := models.TableSchema{Columns: []models.ColumnDef{
		{Name: "region", Type: convert.TypeText},
		{Name: "amount", Type: convert.TypeDouble},
		{Name: "n", Type: convert.TypeInteger},
		{Name: "active", Type: convert.TypeBoolean},
		{Name: "data", Type: convert.TypeText},
		{Name: "bad name", Type: convert.TypeText},
	}}
	sql := createViewSQL("v_sales", "abc123", "sales", schema)

	assert.Contains(t, sql, "CREATE TEMPORARY VIEW v_sales")
	assert.Contains(t, sql, "(r.data->>'region') AS region")
	assert.Contains(t, sql, "(r.data->>'amount')::double precision AS amount")
	assert.Contains(t, sql, "(r.data->>'n')::bigint AS n")
	assert.Contains(t, sql, "(r.data->>'active')::boolean AS active")
	assert.Contains(t, sql, "cr.commit_id = 'abc123'")
	assert.Contains(t, sql, "LIKE 'sales:%'")

	// Reserved and non-identifier names never become view columns.
	assert.NotContains(t, sql, "AS data")
	assert.NotContains(t, sql, "bad name")
}

func TestCreateViewSQLWithoutSchema(t *testing.T) {
	sql := createViewSQL("v_s", "c1", "orders", models.TableSchema{})
	assert.Contains(t, sql, "SELECT cr.logical_row_id, r.data\n")
}
