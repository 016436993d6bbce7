package worker

import (
	"encoding/json"

	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/models"
)

// Registry maps job types to their executors.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds a job type to an executor. Later registrations for
// the same type win.
func (r *Registry) Register(jobType string, exec Executor) {
	r.executors[jobType] = exec
}

// jobTypeFor resolves which executor family serves a run. A job_type
// key inside run_parameters overrides the row's run_type.
func jobTypeFor(run *models.AnalysisRun) string {
	var override struct {
		JobType string `json:"job_type"`
	}
	if len(run.RunParameters) > 0 {
		if err := json.Unmarshal(run.RunParameters, &override); err == nil && override.JobType != "" {
			return override.JobType
		}
	}
	return string(run.RunType)
}

// Resolve picks the executor for a run.
func (r *Registry) Resolve(run *models.AnalysisRun) (Executor, string, error) {
	jobType := jobTypeFor(run)
	exec, ok := r.executors[jobType]
	if !ok {
		return nil, jobType, werrors.ValidationErrorf("no executor registered for job type %q", jobType)
	}
	return exec, jobType, nil
}
