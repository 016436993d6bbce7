package importer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workbench-io/workbench-go/internal/commitstore"
	"github.com/workbench-io/workbench-go/internal/config"
	"github.com/workbench-io/workbench-go/internal/convert"
)

func TestParametersValidate(t *testing.T) {
	valid := Parameters{TempFilePath: "/tmp/x.csv", Filename: "x.csv", TargetRef: "main"}
	require.NoError(t, valid.validate())

	for name, p := range map[string]Parameters{
		"missing path": {Filename: "x.csv", TargetRef: "main"},
		"missing name": {TempFilePath: "/tmp/x.csv", TargetRef: "main"},
		"missing ref":  {TempFilePath: "/tmp/x.csv", Filename: "x.csv"},
	} {
		assert.Error(t, p.validate(), name)
	}
}

func TestBuildBatchSQL(t *testing.T) {
	batch := []rowInsert{
		{LogicalRowID: "primary:2", RowHash: "h1", Data: []byte(`{"a":1}`)},
		{LogicalRowID: "primary:3", RowHash: "h2", Data: []byte(`{"a":2}`)},
	}
	sql, args := buildBatchSQL("commit-1", batch)

	require.Len(t, args, 7, "commit id plus three params per row")
	assert.Equal(t, "commit-1", args[0])
	assert.Equal(t, "primary:2", args[1])
	assert.Equal(t, "h2", args[5])
	assert.Contains(t, sql, "($2,$3,$4::jsonb),($5,$6,$7::jsonb)")
	assert.Contains(t, sql, "ON CONFLICT (row_hash) DO NOTHING")
	assert.Contains(t, sql, "core.commit_rows")
}

func TestInsertBatchSplitsOnParameterBound(t *testing.T) {
	assert.Equal(t, 0, splitCount(0))
	assert.Equal(t, 1, splitCount(10000))
	assert.Equal(t, 1, splitCount((maxStatementParams-1)/paramsPerRow))

	over := maxStatementParams/paramsPerRow + 1
	assert.Equal(t, 2, splitCount(over))
	assert.GreaterOrEqual(t, splitCount(over*4), 5)
}

func TestPlanRowGroupsLineNumbers(t *testing.T) {
	tasks := planRowGroups([]int64{100, 250, 7})
	require.Len(t, tasks, 3)

	// First data line is 2; each base is 2 plus all preceding group sizes.
	assert.Equal(t, int64(2), tasks[0].Base)
	assert.Equal(t, int64(102), tasks[1].Base)
	assert.Equal(t, int64(352), tasks[2].Base)
	assert.Equal(t, 2, tasks[2].Index)
}

func TestBuildBatchStableRowIDs(t *testing.T) {
	e := &Executor{
		hasher: commitstore.NewRowHasher(false, 0),
		cfg:    config.Default().Import,
	}
	rows := []map[string]interface{}{
		{"a": int64(1), "b": "x"},
		{"a": int64(2), "b": "y"},
	}
	batch, err := e.buildBatch("primary", rows, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "primary:2", batch[0].LogicalRowID)
	assert.Equal(t, "primary:3", batch[1].LogicalRowID)
	assert.Len(t, batch[0].RowHash, 64)

	// Same payload hashes identically regardless of position.
	again, err := e.buildBatch("primary", rows[:1], 99)
	require.NoError(t, err)
	assert.Equal(t, batch[0].RowHash, again[0].RowHash)
	assert.Equal(t, "primary:99", again[0].LogicalRowID)
}

func TestBuildBatchXXHash(t *testing.T) {
	e := &Executor{hasher: commitstore.NewRowHasher(true, 7)}
	batch, err := e.buildBatch("primary", []map[string]interface{}{{"a": int64(1)}}, 2)
	require.NoError(t, err)
	assert.Len(t, batch[0].RowHash, 16)
}

func TestBuildProfile(t *testing.T) {
	sampled := []map[string]interface{}{
		{"amount": float64(10), "city": "berlin"},
		{"amount": 2.5, "city": "berlin"},
		{"amount": nil, "city": "paris"},
		{"city": "oslo"},
	}
	profile := buildProfile(4, sampled)

	require.Contains(t, profile.Columns, "amount")
	amount := profile.Columns["amount"]
	assert.Equal(t, convert.TypeDouble, amount.Type, "10 then 2.5 promotes to double")
	assert.Equal(t, int64(2), amount.NullCount, "nil and absent both count as null")
	assert.Equal(t, int64(2), amount.UniqueCount)

	city := profile.Columns["city"]
	assert.Equal(t, convert.TypeText, city.Type)
	assert.Equal(t, int64(3), city.UniqueCount)
	assert.Len(t, city.SampleValues, 3)
	assert.Equal(t, int64(4), profile.RowCount)
}

func TestPromoteObserved(t *testing.T) {
	assert.Equal(t, convert.TypeInteger, PromoteObserved("", float64(3)))
	assert.Equal(t, convert.TypeDouble, PromoteObserved(convert.TypeInteger, 3.5))
	assert.Equal(t, convert.TypeBoolean, PromoteObserved("", true))
	assert.Equal(t, convert.TypeText, PromoteObserved(convert.TypeBoolean, float64(1)))
}

func TestBatchSQLParamOrdering(t *testing.T) {
	// Parameter numbering must stay dense and sequential so the arg
	// slice lines up with the rendered placeholders.
	batch := make([]rowInsert, 5)
	for i := range batch {
		batch[i] = rowInsert{LogicalRowID: "t:2", RowHash: "h", Data: []byte(`{}`)}
	}
	sql, args := buildBatchSQL("c", batch)
	assert.Equal(t, 16, len(args))
	assert.Equal(t, 5, strings.Count(sql, "::jsonb)"))
	assert.Contains(t, sql, "$16::jsonb")
	assert.NotContains(t, sql, "$17")
}
