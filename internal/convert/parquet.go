package convert

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/parquet-go/parquet-go/compress/snappy"
	"github.com/parquet-go/parquet-go/compress/uncompressed"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"github.com/workbench-io/workbench-go/internal/models"
)

// codecFor maps the configured codec name onto a parquet codec.
func codecFor(name string) (compress.Codec, error) {
	switch name {
	case "zstd", "":
		return &zstd.Codec{}, nil
	case "snappy":
		return &snappy.Codec{}, nil
	case "uncompressed":
		return &uncompressed.Codec{}, nil
	default:
		return nil, fmt.Errorf("unsupported parquet codec %q", name)
	}
}

// schemaFor builds a parquet schema from inferred column definitions.
// All columns are optional so nulls survive.
func schemaFor(tableKey string, columns []models.ColumnDef) *parquet.Schema {
	group := parquet.Group{}
	for _, col := range columns {
		var node parquet.Node
		switch col.Type {
		case TypeInteger:
			node = parquet.Int(64)
		case TypeDouble:
			node = parquet.Leaf(parquet.DoubleType)
		case TypeBoolean:
			node = parquet.Leaf(parquet.BooleanType)
		default:
			node = parquet.String()
		}
		group[col.Name] = parquet.Optional(node)
	}
	return parquet.NewSchema(tableKey, group)
}

// TableWriter streams rows of one logical table into a parquet file.
type TableWriter struct {
	file   *os.File
	writer *parquet.GenericWriter[map[string]interface{}]
	count  int64
}

// NewTableWriter opens a parquet writer at path with the given schema.
func NewTableWriter(path, tableKey string, columns []models.ColumnDef, codecName string) (*TableWriter, error) {
	codec, err := codecFor(codecName)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file %s: %w", path, err)
	}
	w := parquet.NewGenericWriter[map[string]interface{}](f,
		schemaFor(tableKey, columns),
		parquet.Compression(codec),
	)
	return &TableWriter{file: f, writer: w}, nil
}

// WriteRow appends one row.
func (t *TableWriter) WriteRow(row map[string]interface{}) error {
	if _, err := t.writer.Write([]map[string]interface{}{row}); err != nil {
		return fmt.Errorf("failed to write parquet row: %w", err)
	}
	t.count++
	return nil
}

// Close flushes and closes the file, returning the row count.
func (t *TableWriter) Close() (int64, error) {
	if err := t.writer.Close(); err != nil {
		t.file.Close()
		return t.count, fmt.Errorf("failed to close parquet writer: %w", err)
	}
	if err := t.file.Close(); err != nil {
		return t.count, fmt.Errorf("failed to close parquet file: %w", err)
	}
	return t.count, nil
}

// ParquetInfo summarises a parquet file for the import planner.
type ParquetInfo struct {
	NumRows      int64
	RowGroupRows []int64
	Columns      []models.ColumnDef
	FileSize     int64
}

// InspectParquet reads file metadata: total rows, per-row-group row
// counts, and the column list with types mapped back to converter
// type names.
func InspectParquet(path string) (*ParquetInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat parquet file %s: %w", path, err)
	}

	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet metadata for %s: %w", path, err)
	}

	info := &ParquetInfo{
		NumRows:  pf.NumRows(),
		FileSize: st.Size(),
	}
	for _, rg := range pf.RowGroups() {
		info.RowGroupRows = append(info.RowGroupRows, rg.NumRows())
	}
	for _, field := range pf.Schema().Fields() {
		info.Columns = append(info.Columns, models.ColumnDef{
			Name:     field.Name(),
			Type:     typeNameFor(field),
			Nullable: field.Optional(),
		})
	}
	return info, nil
}

func typeNameFor(node parquet.Node) string {
	if node.Leaf() {
		switch node.Type().Kind() {
		case parquet.Boolean:
			return TypeBoolean
		case parquet.Int32, parquet.Int64:
			return TypeInteger
		case parquet.Float, parquet.Double:
			return TypeDouble
		}
	}
	return TypeText
}

// RowGroupReader reads one row group of a parquet file as generic maps.
type RowGroupReader struct {
	file   *os.File
	reader *parquet.GenericReader[map[string]interface{}]
}

// OpenRowGroup positions a reader over row group index of the file.
func OpenRowGroup(path string, index int) (*RowGroupReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat parquet file %s: %w", path, err)
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read parquet metadata for %s: %w", path, err)
	}
	groups := pf.RowGroups()
	if index < 0 || index >= len(groups) {
		f.Close()
		return nil, fmt.Errorf("row group %d out of range for %s", index, path)
	}
	return &RowGroupReader{
		file:   f,
		reader: parquet.NewGenericRowGroupReader[map[string]interface{}](groups[index]),
	}, nil
}

// ReadBatch fills up to len(batch) rows, returning io.EOF at the end.
func (r *RowGroupReader) ReadBatch(batch []map[string]interface{}) (int, error) {
	for i := range batch {
		batch[i] = map[string]interface{}{}
	}
	n, err := r.reader.Read(batch)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("failed to read parquet rows: %w", err)
	}
	return n, err
}

// Close releases the reader.
func (r *RowGroupReader) Close() error {
	r.reader.Close()
	return r.file.Close()
}
