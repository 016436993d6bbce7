package convert

import (
	"time"

	"github.com/workbench-io/workbench-go/internal/models"
)

// TableOutput is one logical table produced by a conversion.
type TableOutput struct {
	TableKey    string `json:"table_key"`
	ParquetPath string `json:"parquet_path"`
	RowCount    int64  `json:"row_count"`
}

// TableError records a per-table failure that did not abort sibling
// tables (e.g. one bad Excel sheet).
type TableError struct {
	TableKey string `json:"table_key"`
	Error    string `json:"error"`
}

// Metadata is the conversion metadata document persisted onto the job.
type Metadata struct {
	OriginalFilename string                   `json:"original_filename"`
	OriginalSize     int64                    `json:"original_size"`
	ConvertedSize    int64                    `json:"converted_size"`
	CompressionRatio float64                  `json:"compression_ratio"`
	Tables           map[string]TableMetadata `json:"tables"`
	Errors           []TableError             `json:"errors,omitempty"`
	WallTime         time.Duration            `json:"wall_time_ns"`
	Codec            string                   `json:"codec"`
}

// TableMetadata summarises one converted table.
type TableMetadata struct {
	RowCount int64              `json:"row_count"`
	Columns  []models.ColumnDef `json:"columns"`
}

// Result bundles the table list with the metadata document.
type Result struct {
	Tables   []TableOutput
	Metadata Metadata
}

// Options configures a conversion run.
type Options struct {
	// Codec selects the parquet compression codec ("zstd", "snappy",
	// "uncompressed"). Defaults to zstd.
	Codec string

	// InferenceRows bounds schema inference on CSV input.
	InferenceRows int

	// StreamingThresholdBytes switches CSV conversion to the
	// streaming path above this size.
	StreamingThresholdBytes int64
}

const (
	defaultInferenceRows      = 10000
	defaultStreamingThreshold = 1 << 30 // 1 GiB
)

func (o Options) withDefaults() Options {
	if o.Codec == "" {
		o.Codec = "zstd"
	}
	if o.InferenceRows == 0 {
		o.InferenceRows = defaultInferenceRows
	}
	if o.StreamingThresholdBytes == 0 {
		o.StreamingThresholdBytes = defaultStreamingThreshold
	}
	return o
}
