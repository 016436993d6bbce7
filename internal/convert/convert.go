package convert

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	werrors "github.com/workbench-io/workbench-go/internal/errors"
)

const progressMarker = ".conversion_progress.json"

// PrimaryTableKey names the single logical table produced from flat
// inputs (CSV and parquet pass-through). Excel conversions keep their
// normalised sheet names instead.
const PrimaryTableKey = "primary"

// progressState is the on-disk resume marker. Tables listed in
// Completed were fully written on a previous attempt and are reused.
type progressState struct {
	SourcePath string               `json:"source_path"`
	Completed  map[string]TableMeta `json:"completed"`
}

// TableMeta is the persisted per-table slice of the marker.
type TableMeta struct {
	ParquetPath string `json:"parquet_path"`
	RowCount    int64  `json:"row_count"`
}

// Converter dispatches an input file to the format-specific pipeline
// and assembles the conversion metadata document.
type Converter struct {
	opts Options
	log  *logrus.Entry
}

func New(opts Options) *Converter {
	return &Converter{
		opts: opts.withDefaults(),
		log:  logrus.WithField("component", "converter"),
	}
}

// Convert turns path into one or more parquet tables under outDir.
// Supported inputs are csv, xlsx/xls and parquet (pass-through).
// A resume marker in outDir lets an interrupted multi-table
// conversion skip tables that already finished.
func (c *Converter) Convert(path, outDir string) (*Result, error) {
	start := time.Now()

	st, err := os.Stat(path)
	if err != nil {
		return nil, werrors.StorageErrorf(err, "failed to stat input %s", path)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, werrors.StorageErrorf(err, "failed to create output dir %s", outDir)
	}

	resume := c.loadProgress(outDir, path)

	result := &Result{
		Metadata: Metadata{
			OriginalFilename: filepath.Base(path),
			OriginalSize:     st.Size(),
			Tables:           make(map[string]TableMetadata),
			Codec:            c.opts.Codec,
		},
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		if err := c.convertSingle(path, outDir, resume, result, func() (TableOutput, TableMetadata, error) {
			return convertCSV(path, PrimaryTableKey, outDir, c.opts)
		}, PrimaryTableKey); err != nil {
			return nil, err
		}
	case ".xlsx", ".xls":
		outputs, metas, tableErrs, err := convertExcel(path, outDir, c.opts)
		if err != nil {
			return nil, err
		}
		result.Tables = outputs
		for k, m := range metas {
			result.Metadata.Tables[k] = m
		}
		result.Metadata.Errors = tableErrs
		for _, out := range outputs {
			c.markComplete(outDir, path, resume, out)
		}
	case ".parquet":
		// Already columnar. Copy into outDir so downstream owns the file.
		out, meta, err := c.passThroughParquet(path, outDir)
		if err != nil {
			return nil, err
		}
		result.Tables = []TableOutput{out}
		result.Metadata.Tables[out.TableKey] = meta
	default:
		return nil, werrors.ValidationErrorf("unsupported input format %s", filepath.Ext(path))
	}

	var converted int64
	for _, t := range result.Tables {
		if fi, err := os.Stat(t.ParquetPath); err == nil {
			converted += fi.Size()
		}
	}
	result.Metadata.ConvertedSize = converted
	if converted > 0 {
		result.Metadata.CompressionRatio = float64(st.Size()) / float64(converted)
	}
	result.Metadata.WallTime = time.Since(start)

	os.Remove(filepath.Join(outDir, progressMarker))

	c.log.WithFields(logrus.Fields{
		"input":     filepath.Base(path),
		"tables":    len(result.Tables),
		"wall_time": result.Metadata.WallTime,
		"ratio":     result.Metadata.CompressionRatio,
	}).Info("Conversion finished")
	return result, nil
}

func (c *Converter) convertSingle(path, outDir string, resume *progressState, result *Result, run func() (TableOutput, TableMetadata, error), tableKey string) error {
	if done, ok := resume.Completed[tableKey]; ok {
		if _, err := os.Stat(done.ParquetPath); err == nil {
			c.log.WithField("table_key", tableKey).Info("Reusing table from interrupted conversion")
			out := TableOutput{TableKey: tableKey, ParquetPath: done.ParquetPath, RowCount: done.RowCount}
			result.Tables = append(result.Tables, out)
			if info, err := InspectParquet(done.ParquetPath); err == nil {
				result.Metadata.Tables[tableKey] = TableMetadata{RowCount: done.RowCount, Columns: info.Columns}
			}
			return nil
		}
	}
	out, meta, err := run()
	if err != nil {
		return err
	}
	result.Tables = append(result.Tables, out)
	result.Metadata.Tables[tableKey] = meta
	c.markComplete(outDir, path, resume, out)
	return nil
}

func (c *Converter) passThroughParquet(path, outDir string) (TableOutput, TableMetadata, error) {
	var out TableOutput
	var meta TableMetadata

	info, err := InspectParquet(path)
	if err != nil {
		return out, meta, werrors.ValidationErrorf("invalid parquet input %s: %v", path, err)
	}
	tableKey := PrimaryTableKey
	dst := filepath.Join(outDir, tableKey+".parquet")
	if err := copyFile(path, dst); err != nil {
		return out, meta, werrors.StorageErrorf(err, "failed to copy parquet %s", path)
	}
	out = TableOutput{TableKey: tableKey, ParquetPath: dst, RowCount: info.NumRows}
	meta = TableMetadata{RowCount: info.NumRows, Columns: info.Columns}
	return out, meta, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// loadProgress reads the resume marker. A marker for a different
// source file is discarded.
func (c *Converter) loadProgress(outDir, sourcePath string) *progressState {
	state := &progressState{SourcePath: sourcePath, Completed: make(map[string]TableMeta)}
	data, err := os.ReadFile(filepath.Join(outDir, progressMarker))
	if err != nil {
		return state
	}
	var loaded progressState
	if err := json.Unmarshal(data, &loaded); err != nil || loaded.SourcePath != sourcePath {
		return state
	}
	if loaded.Completed == nil {
		loaded.Completed = make(map[string]TableMeta)
	}
	return &loaded
}

func (c *Converter) markComplete(outDir, sourcePath string, state *progressState, out TableOutput) {
	state.SourcePath = sourcePath
	state.Completed[out.TableKey] = TableMeta{ParquetPath: out.ParquetPath, RowCount: out.RowCount}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	tmp := filepath.Join(outDir, progressMarker+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, filepath.Join(outDir, progressMarker))
}
