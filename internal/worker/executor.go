package worker

import (
	"context"

	"github.com/workbench-io/workbench-go/internal/models"
)

// ProgressFunc merges fields into the job's run_parameters.progress
// document. Implementations must be safe for concurrent use.
type ProgressFunc func(ctx context.Context, fields map[string]interface{}) error

// Executor runs one job family. The returned map becomes the job's
// output_summary on success.
type Executor interface {
	Execute(ctx context.Context, run *models.AnalysisRun, progress ProgressFunc) (map[string]interface{}, error)
}
