package convert

import (
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/models"
)

// convertExcel turns each non-empty sheet of a workbook into its own
// parquet table. A broken sheet is recorded as a table error and does
// not abort its siblings; the conversion only fails outright when the
// workbook itself cannot be opened or no sheet yields a table.
func convertExcel(path, outDir string, opts Options) ([]TableOutput, map[string]TableMetadata, []TableError, error) {
	wb, err := excelize.OpenFile(path)
	if err != nil {
		return nil, nil, nil, werrors.ValidationErrorf("failed to open workbook %s: %v", path, err)
	}
	defer wb.Close()

	var outputs []TableOutput
	metas := make(map[string]TableMetadata)
	var tableErrs []TableError

	for _, sheet := range wb.GetSheetList() {
		tableKey := NormalizeColumnName(sheet, 0)
		out, meta, err := convertSheet(wb, sheet, tableKey, outDir, opts)
		if err == errEmptySheet {
			continue
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"sheet": sheet,
				"error": err,
			}).Warn("Sheet conversion failed")
			tableErrs = append(tableErrs, TableError{TableKey: tableKey, Error: err.Error()})
			continue
		}
		outputs = append(outputs, out)
		metas[tableKey] = meta
	}

	if len(outputs) == 0 {
		return nil, nil, tableErrs, werrors.ValidationErrorf("workbook %s produced no tables", path)
	}
	return outputs, metas, tableErrs, nil
}

var errEmptySheet = werrors.ValidationErrorf("sheet is empty")

func convertSheet(wb *excelize.File, sheet, tableKey, outDir string, opts Options) (TableOutput, TableMetadata, error) {
	var out TableOutput
	var meta TableMetadata

	rows, err := wb.GetRows(sheet)
	if err != nil {
		return out, meta, werrors.ValidationErrorf("failed to read sheet %s: %v", sheet, err)
	}
	if len(rows) == 0 {
		return out, meta, errEmptySheet
	}

	header := NormalizeHeader(rows[0])
	data := rows[1:]
	if len(header) == 0 {
		return out, meta, errEmptySheet
	}

	// Inference over the configured window, promotion as for CSV.
	types := make([]string, len(header))
	window := len(data)
	if opts.InferenceRows > 0 && opts.InferenceRows < window {
		window = opts.InferenceRows
	}
	for _, record := range data[:window] {
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

	parquetPath := filepath.Join(outDir, tableKey+".parquet")
	writer, err := NewTableWriter(parquetPath, tableKey, cols, opts.Codec)
	if err != nil {
		return out, meta, err
	}
	for _, record := range data {
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
			return out, meta, err
		}
	}
	count, err := writer.Close()
	if err != nil {
		return out, meta, err
	}

	out = TableOutput{TableKey: tableKey, ParquetPath: parquetPath, RowCount: count}
	meta = TableMetadata{RowCount: count, Columns: cols}
	return out, meta, nil
}
