package models

import (
	"encoding/json"
	"time"
)

// Commit is an immutable, content-addressed snapshot of a dataset.
// The commit ID is the SHA-256 of the canonical JSON of its identity
// fields; commits are never mutated or deleted once referenced.
type Commit struct {
	CommitID       string    `json:"commit_id"`
	DatasetID      string    `json:"dataset_id"`
	ParentCommitID *string   `json:"parent_commit_id,omitempty"`
	AuthorID       string    `json:"author_id"`
	Message        string    `json:"message"`
	AuthoredAt     time.Time `json:"authored_at"`
	CommittedAt    time.Time `json:"committed_at"`
}

// Ref is a mutable named pointer to a commit within a dataset.
// CommitID may be nil transiently on a fresh dataset.
type Ref struct {
	DatasetID string  `json:"dataset_id"`
	Name      string  `json:"name"`
	CommitID  *string `json:"commit_id,omitempty"`
}

// CommitRow ties a logical row occurrence within a table at a commit to
// its deduplicated payload. LogicalRowID has the form <table_key>:<ordinal>.
type CommitRow struct {
	CommitID     string `json:"commit_id"`
	LogicalRowID string `json:"logical_row_id"`
	RowHash      string `json:"row_hash"`
}

// Dataset is the registry entry a commit graph hangs off.
type Dataset struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ColumnDef describes one column within a table schema.
type ColumnDef struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`
}

// TableSchema is the per-table entry inside a commit schema document.
type TableSchema struct {
	Columns []ColumnDef `json:"columns"`
}

// SchemaDefinition maps table keys to their schemas for one commit.
type SchemaDefinition map[string]TableSchema

// Column returns the definition for a named column, if present.
func (t TableSchema) Column(name string) (ColumnDef, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// RunStatus is the lifecycle state of an analysis run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusDeleted   RunStatus = "deleted"
)

// RunType identifies which executor handles a job.
type RunType string

const (
	RunTypeImport       RunType = "import"
	RunTypeSampling     RunType = "sampling"
	RunTypeSQLTransform RunType = "sql_transform"
	RunTypeExploration  RunType = "exploration"
)

// AnalysisRun is a background job row. run_parameters.progress is the
// live progress document executors merge into.
type AnalysisRun struct {
	ID              string          `json:"id"`
	RunType         RunType         `json:"run_type"`
	DatasetID       string          `json:"dataset_id"`
	SourceCommitID  *string         `json:"source_commit_id,omitempty"`
	UserID          string          `json:"user_id"`
	Status          RunStatus       `json:"status"`
	RunParameters   json.RawMessage `json:"run_parameters"`
	OutputSummary   json.RawMessage `json:"output_summary,omitempty"`
	OutputFileID    *string         `json:"output_file_id,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	RunTimestamp    time.Time       `json:"run_timestamp"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ExecutionTimeMS *int64          `json:"execution_time_ms,omitempty"`
}

// FileArtifact is a deduplicated byte blob. ContentHash is the SHA-256
// of the byte stream and carries a unique constraint.
type FileArtifact struct {
	ID              string          `json:"id"`
	ContentHash     string          `json:"content_hash"`
	FileType        string          `json:"file_type"`
	MimeType        *string         `json:"mime_type,omitempty"`
	FilePath        string          `json:"file_path"`
	FileSize        int64           `json:"file_size"`
	ReferenceCount  int             `json:"reference_count"`
	CompressionType *string         `json:"compression_type,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	StorageType     string          `json:"storage_type"`
}

// DomainEvent is one entry of the append-only event log. Version is
// monotone per aggregate.
type DomainEvent struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	UserID        *string         `json:"user_id,omitempty"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	Version       int64           `json:"version"`
}

// TableAnalysis is the per-(commit, table) profile document computed
// after imports and sampling runs.
type TableAnalysis struct {
	CommitID string          `json:"commit_id"`
	TableKey string          `json:"table_key"`
	Analysis json.RawMessage `json:"analysis"`
}
