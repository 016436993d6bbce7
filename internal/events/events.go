package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/workbench-io/workbench-go/internal/models"
)

// Event types emitted by the executors and the commit store.
const (
	TypeJobStarted   = "JobStarted"
	TypeJobCompleted = "JobCompleted"
	TypeJobFailed    = "JobFailed"

	TypeDatasetCreated = "DatasetCreated"
	TypeDatasetUpdated = "DatasetUpdated"
	TypeDatasetDeleted = "DatasetDeleted"

	TypeCommitCreated = "CommitCreated"
	TypeBranchUpdated = "BranchUpdated"

	TypePermissionGranted = "PermissionGranted"
	TypePermissionRevoked = "PermissionRevoked"
)

// Aggregate types events hang off.
const (
	AggregateJob     = "analysis_run"
	AggregateDataset = "dataset"
	AggregateCommit  = "commit"
)

// New builds an event with a fresh ID and timestamp. Version is
// assigned by the bus at publish time.
func New(eventType, aggregateType, aggregateID string, payload interface{}) (*models.DomainEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &models.DomainEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       raw,
		Metadata:      json.RawMessage(`{}`),
		OccurredAt:    time.Now().UTC(),
	}, nil
}

// JobStarted payload.
type JobStartedPayload struct {
	RunType   string `json:"run_type"`
	DatasetID string `json:"dataset_id"`
	UserID    string `json:"user_id"`
}

// JobCompleted payload summarises IDs and counts for the audit trail.
type JobCompletedPayload struct {
	CommitID        string          `json:"commit_id,omitempty"`
	RowsImported    int64           `json:"rows_imported,omitempty"`
	TablesImported  int             `json:"tables_imported,omitempty"`
	RowsSampled     int64           `json:"rows_sampled,omitempty"`
	ResidualRows    int64           `json:"residual_rows,omitempty"`
	OutputBranch    string          `json:"output_branch,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms,omitempty"`
	Detail          json.RawMessage `json:"detail,omitempty"`
}

// JobFailed payload.
type JobFailedPayload struct {
	ErrorMessage string `json:"error_message"`
}
