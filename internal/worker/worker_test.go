package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/models"
)

type stubExecutor struct {
	name string
}

func (s *stubExecutor) Execute(ctx context.Context, run *models.AnalysisRun, progress ProgressFunc) (map[string]interface{}, error) {
	return map[string]interface{}{"executor": s.name}, nil
}

func TestJobTypeFor(t *testing.T) {
	run := &models.AnalysisRun{
		RunType:       models.RunTypeSampling,
		RunParameters: json.RawMessage(`{"table_key": "orders"}`),
	}
	assert.Equal(t, "sampling", jobTypeFor(run))

	run.RunParameters = json.RawMessage(`{"job_type": "exploration"}`)
	assert.Equal(t, "exploration", jobTypeFor(run))

	run.RunParameters = json.RawMessage(`not json`)
	assert.Equal(t, "sampling", jobTypeFor(run))

	run.RunParameters = nil
	assert.Equal(t, "sampling", jobTypeFor(run))
}

func TestRegistryResolve(t *testing.T) {
	registry := NewRegistry()
	sampling := &stubExecutor{name: "sampling"}
	exploration := &stubExecutor{name: "exploration"}
	registry.Register("sampling", sampling)
	registry.Register("exploration", exploration)

	run := &models.AnalysisRun{RunType: models.RunTypeSampling}
	exec, jobType, err := registry.Resolve(run)
	require.NoError(t, err)
	assert.Equal(t, "sampling", jobType)
	assert.Same(t, sampling, exec)

	run.RunParameters = json.RawMessage(`{"job_type": "exploration"}`)
	exec, jobType, err = registry.Resolve(run)
	require.NoError(t, err)
	assert.Equal(t, "exploration", jobType)
	assert.Same(t, exploration, exec)
}

func TestRegistryResolveUnknown(t *testing.T) {
	registry := NewRegistry()
	run := &models.AnalysisRun{RunType: models.RunTypeImport}

	_, jobType, err := registry.Resolve(run)
	require.Error(t, err)
	assert.Equal(t, "import", jobType)
	assert.True(t, werrors.IsKind(err, werrors.KindValidation))
}

func TestClassifyInterrupted(t *testing.T) {
	now := time.Now()
	timeout := time.Hour

	fresh := &models.AnalysisRun{RunTimestamp: now.Add(-10 * time.Minute)}
	assert.Equal(t, actionRequeue, classifyInterrupted(fresh, now, timeout))

	stale := &models.AnalysisRun{RunTimestamp: now.Add(-2 * time.Hour)}
	assert.Equal(t, actionFail, classifyInterrupted(stale, now, timeout))

	boundary := &models.AnalysisRun{RunTimestamp: now.Add(-timeout)}
	assert.Equal(t, actionRequeue, classifyInterrupted(boundary, now, timeout))
}
