package convert

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/models"
)

// inferCSVSchema reads up to limit data rows and returns the promoted
// column types. Columns that never see a non-empty value default to text.
func inferCSVSchema(r *csv.Reader, header []string, limit int) ([]models.ColumnDef, error) {
	types := make([]string, len(header))
	for i := 0; i < limit; i++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, werrors.ValidationErrorf("malformed csv row during inference: %v", err)
		}
		for c := range header {
			if c < len(record) {
				types[c] = PromoteType(types[c], InferValueType(record[c]))
			}
		}
	}
	cols := make([]models.ColumnDef, len(header))
	for i, name := range header {
		t := types[i]
		if t == "" {
			t = TypeText
		}
		cols[i] = models.ColumnDef{Name: name, Type: t, Nullable: true}
	}
	return cols, nil
}

// convertCSV turns one CSV file into one parquet table. The whole file
// is streamed twice: once over the first InferenceRows records to fix
// the schema, then in full to write rows, so memory stays flat even
// for inputs past the streaming threshold.
func convertCSV(path, tableKey, outDir string, opts Options) (TableOutput, TableMetadata, error) {
	var out TableOutput
	var meta TableMetadata

	f, err := os.Open(path)
	if err != nil {
		return out, meta, werrors.StorageErrorf(err, "failed to open csv %s", path)
	}
	header, cols, err := inferPass(f, opts.InferenceRows)
	f.Close()
	if err != nil {
		return out, meta, err
	}

	f, err = os.Open(path)
	if err != nil {
		return out, meta, werrors.StorageErrorf(err, "failed to reopen csv %s", path)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	if _, err := reader.Read(); err != nil {
		return out, meta, werrors.ValidationErrorf("csv %s lost its header between passes: %v", path, err)
	}

	parquetPath := filepath.Join(outDir, tableKey+".parquet")
	writer, err := NewTableWriter(parquetPath, tableKey, cols, opts.Codec)
	if err != nil {
		return out, meta, err
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			writer.Close()
			os.Remove(parquetPath)
			return out, meta, werrors.ValidationErrorf("malformed csv row in %s: %v", path, err)
		}
		row := make(map[string]interface{}, len(header))
		for c, name := range header {
			if c < len(record) {
				row[name] = ParseTyped(record[c], cols[c].Type)
			} else {
				row[name] = nil
			}
		}
		if err := writer.WriteRow(row); err != nil {
			writer.Close()
			os.Remove(parquetPath)
			return out, meta, err
		}
	}

	count, err := writer.Close()
	if err != nil {
		os.Remove(parquetPath)
		return out, meta, err
	}

	logrus.WithFields(logrus.Fields{
		"table_key": tableKey,
		"rows":      count,
		"columns":   len(cols),
	}).Debug("Converted CSV table")

	out = TableOutput{TableKey: tableKey, ParquetPath: parquetPath, RowCount: count}
	meta = TableMetadata{RowCount: count, Columns: cols}
	return out, meta, nil
}

// inferPass reads the header plus the inference window from r.
func inferPass(r io.Reader, limit int) ([]string, []models.ColumnDef, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	rawHeader, err := reader.Read()
	if err == io.EOF {
		return nil, nil, werrors.ValidationErrorf("csv input is empty")
	}
	if err != nil {
		return nil, nil, werrors.ValidationErrorf("failed to read csv header: %v", err)
	}
	header := NormalizeHeader(rawHeader)
	cols, err := inferCSVSchema(reader, header, limit)
	if err != nil {
		return nil, nil, err
	}
	return header, cols, nil
}

