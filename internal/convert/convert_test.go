package convert

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	werrors "github.com/workbench-io/workbench-go/internal/errors"
)

func TestNormalizeHeader(t *testing.T) {
	header := NormalizeHeader([]string{"User ID", "user id", "  ", "Total ($)", "2024 sales"})
	assert.Equal(t, []string{"user_id", "user_id_2", "col_2", "total", "_2024_sales"}, header)
}

func TestInferAndPromote(t *testing.T) {
	assert.Equal(t, TypeInteger, InferValueType("42"))
	assert.Equal(t, TypeDouble, InferValueType("4.2"))
	assert.Equal(t, TypeBoolean, InferValueType("TRUE"))
	assert.Equal(t, TypeText, InferValueType("4.2.1"))
	assert.Equal(t, "", InferValueType("   "))

	assert.Equal(t, TypeDouble, PromoteType(TypeInteger, TypeDouble))
	assert.Equal(t, TypeDouble, PromoteType(TypeDouble, TypeInteger))
	assert.Equal(t, TypeText, PromoteType(TypeBoolean, TypeInteger))
	assert.Equal(t, TypeInteger, PromoteType(TypeInteger, ""))
	assert.Equal(t, TypeBoolean, PromoteType("", TypeBoolean))
}

func TestParseTyped(t *testing.T) {
	assert.Equal(t, int64(7), ParseTyped("7", TypeInteger))
	assert.Equal(t, 1.5, ParseTyped("1.5", TypeDouble))
	assert.Equal(t, true, ParseTyped("True", TypeBoolean))
	assert.Nil(t, ParseTyped("  ", TypeInteger))
	assert.Equal(t, "oops", ParseTyped("oops", TypeInteger), "unparseable values fall back to the raw string")
}

func writeCSV(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConvertCSV(t *testing.T) {
	dir := t.TempDir()
	src := writeCSV(t, dir, "orders.csv",
		"Order ID,Amount,Shipped\n1,9.99,true\n2,12,false\n3,,true\n")

	result, err := New(Options{Codec: "snappy"}).Convert(src, filepath.Join(dir, "out"))
	require.NoError(t, err)
	require.Len(t, result.Tables, 1)

	table := result.Tables[0]
	assert.Equal(t, PrimaryTableKey, table.TableKey)
	assert.Equal(t, int64(3), table.RowCount)

	meta := result.Metadata.Tables[PrimaryTableKey]
	require.Len(t, meta.Columns, 3)
	assert.Equal(t, "order_id", meta.Columns[0].Name)
	assert.Equal(t, TypeInteger, meta.Columns[0].Type)
	assert.Equal(t, TypeDouble, meta.Columns[1].Type, "9.99 then 12 must promote to double")
	assert.Equal(t, TypeBoolean, meta.Columns[2].Type)

	info, err := InspectParquet(table.ParquetPath)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.NumRows)

	// Marker removed after a clean finish.
	_, err = os.Stat(filepath.Join(dir, "out", progressMarker))
	assert.True(t, os.IsNotExist(err))
}

func TestConvertEmptyCSV(t *testing.T) {
	dir := t.TempDir()
	src := writeCSV(t, dir, "empty.csv", "")

	_, err := New(Options{}).Convert(src, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.True(t, werrors.IsKind(err, werrors.KindValidation))
}

func TestConvertUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	src := writeCSV(t, dir, "doc.pdf", "not really")

	_, err := New(Options{}).Convert(src, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.True(t, werrors.IsKind(err, werrors.KindValidation))
}

func TestConvertResumesFromMarker(t *testing.T) {
	dir := t.TempDir()
	src := writeCSV(t, dir, "events.csv", "id,name\n1,a\n2,b\n")
	outDir := filepath.Join(dir, "out")

	first, err := New(Options{}).Convert(src, outDir)
	require.NoError(t, err)
	table := first.Tables[0]

	// Re-create the marker as an interrupted run would have left it,
	// then corrupt the source so a re-conversion would fail. The
	// resumed run must reuse the finished table instead.
	c := New(Options{})
	state := &progressState{SourcePath: src, Completed: map[string]TableMeta{}}
	c.markComplete(outDir, src, state, table)
	require.NoError(t, os.WriteFile(src, []byte("id,name\n\"broken"), 0o644))

	second, err := c.Convert(src, outDir)
	require.NoError(t, err, "resumed conversion must skip the completed table")
	require.Len(t, second.Tables, 1)
	assert.Equal(t, table.RowCount, second.Tables[0].RowCount)
	assert.Equal(t, table.ParquetPath, second.Tables[0].ParquetPath)
}

func TestConvertParquetPassThrough(t *testing.T) {
	dir := t.TempDir()
	src := writeCSV(t, dir, "metrics.csv", "k,v\na,1\nb,2\n")

	first, err := New(Options{}).Convert(src, filepath.Join(dir, "csvout"))
	require.NoError(t, err)

	result, err := New(Options{}).Convert(first.Tables[0].ParquetPath, filepath.Join(dir, "pqout"))
	require.NoError(t, err)
	require.Len(t, result.Tables, 1)
	assert.Equal(t, int64(2), result.Tables[0].RowCount)
	assert.NotEqual(t, first.Tables[0].ParquetPath, result.Tables[0].ParquetPath,
		"pass-through must copy into the output dir")
}
