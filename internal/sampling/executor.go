package sampling

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/workbench-io/workbench-go/internal/commitstore"
	"github.com/workbench-io/workbench-go/internal/config"
	"github.com/workbench-io/workbench-go/internal/convert"
	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/events"
	"github.com/workbench-io/workbench-go/internal/models"
	"github.com/workbench-io/workbench-go/internal/objectstore"
	"github.com/workbench-io/workbench-go/internal/worker"
)

// Parameters is the run_parameters shape of a sampling job.
type Parameters struct {
	TableKey           string        `json:"table_key"`
	Rounds             []RoundConfig `json:"rounds"`
	ExportResidual     bool          `json:"export_residual,omitempty"`
	ResidualOutputName string        `json:"residual_output_name,omitempty"`
	OutputBranchName   string        `json:"output_branch_name,omitempty"`
	CommitMessage      string        `json:"commit_message,omitempty"`
}

// RoundResult summarises one executed round.
type RoundResult struct {
	Method             string           `json:"method"`
	RoundNumber        int              `json:"round_number"`
	RowsSampled        int64            `json:"rows_sampled"`
	OutputName         string           `json:"output_name,omitempty"`
	Parameters         MethodParams     `json:"parameters"`
	StrataDistribution map[string]int64 `json:"strata_distribution,omitempty"`
}

// Executor runs multi-round residual sampling jobs. The whole round
// loop plus output commit creation happens inside one transaction, so
// a failure leaves no visible state.
type Executor struct {
	pool    *pgxpool.Pool
	store   *commitstore.Store
	backend objectstore.Backend
	bus     *events.Bus
	cfg     config.SamplingConfig
	codec   string
	log     *logrus.Entry
}

// NewExecutor wires the sampling executor.
func NewExecutor(pool *pgxpool.Pool, store *commitstore.Store, backend objectstore.Backend, bus *events.Bus, cfg config.SamplingConfig, codec string) *Executor {
	return &Executor{
		pool:    pool,
		store:   store,
		backend: backend,
		bus:     bus,
		cfg:     cfg,
		codec:   codec,
		log:     logrus.WithField("executor", "sampling"),
	}
}

// Execute runs all rounds against the residual, exports the requested
// parquet outputs, and materialises the output commit and branch.
func (e *Executor) Execute(ctx context.Context, run *models.AnalysisRun, progress worker.ProgressFunc) (map[string]interface{}, error) {
	start := time.Now()

	var params Parameters
	if err := json.Unmarshal(run.RunParameters, &params); err != nil {
		return nil, werrors.ValidationErrorf("malformed sampling parameters: %v", err)
	}
	if params.TableKey == "" {
		return nil, werrors.ValidationErrorf("sampling requires table_key")
	}
	if len(params.Rounds) == 0 {
		return nil, werrors.ValidationErrorf("sampling requires at least one round")
	}
	if run.SourceCommitID == nil {
		return nil, werrors.ValidationErrorf("sampling requires source_commit_id")
	}
	sourceCommit := *run.SourceCommitID

	e.publishStarted(ctx, run)
	progress(ctx, map[string]interface{}{"status": "Preparing sampling", "pct": 5})

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin sampling tx: %w", err)
	}
	defer tx.Rollback(ctx)

	schemaDef, err := e.store.GetSchema(ctx, tx, sourceCommit)
	if err != nil {
		e.publishFailed(ctx, run, err)
		return nil, err
	}
	tableSchema, ok := schemaDef[params.TableKey]
	if !ok {
		err := werrors.NotFoundErrorf("table %q not found in commit %s schema", params.TableKey, sourceCommit)
		e.publishFailed(ctx, run, err)
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE temp_sampling_exclusions (
			row_id TEXT PRIMARY KEY
		) ON COMMIT DROP
	`); err != nil {
		return nil, fmt.Errorf("failed to create exclusion table: %w", err)
	}

	estimatedRows, err := e.store.CountRows(ctx, tx, sourceCommit, params.TableKey)
	if err != nil {
		e.publishFailed(ctx, run, err)
		return nil, err
	}
	if estimatedRows == 0 {
		estimatedRows = e.cfg.DefaultRowEstimate
	}

	prefix := commitstore.TableKeyPrefix(params.TableKey)
	var results []RoundResult
	var totalSampled int64

	for i, round := range params.Rounds {
		roundNum := i + 1
		query, err := buildRoundQuery(round, tableSchema, estimatedRows, e.cfg)
		if err != nil {
			e.publishFailed(ctx, run, err)
			return nil, err
		}

		// Utility statements cannot carry bind parameters, so the temp
		// table is created bare and filled with a plain INSERT..SELECT.
		tempName := fmt.Sprintf("temp_round_%d_samples", roundNum)
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			CREATE TEMP TABLE %s (
				logical_row_id TEXT PRIMARY KEY,
				row_hash       TEXT NOT NULL,
				data           JSONB NOT NULL
			) ON COMMIT DROP
		`, tempName)); err != nil {
			return nil, fmt.Errorf("failed to create round %d table: %w", roundNum, err)
		}
		args := append([]any{sourceCommit, prefix}, query.Args...)
		if _, err := tx.Exec(ctx,
			fmt.Sprintf("INSERT INTO %s (logical_row_id, row_hash, data) %s", tempName, query.SQL),
			args...); err != nil {
			e.publishFailed(ctx, run, err)
			return nil, fmt.Errorf("round %d failed: %w", roundNum, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO temp_sampling_exclusions (row_id)
			SELECT logical_row_id FROM %s
			ON CONFLICT DO NOTHING
		`, tempName)); err != nil {
			return nil, fmt.Errorf("failed to record round %d exclusions: %w", roundNum, err)
		}

		var sampled int64
		if err := tx.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", tempName)).Scan(&sampled); err != nil {
			return nil, fmt.Errorf("failed to count round %d sample: %w", roundNum, err)
		}
		totalSampled += sampled

		result := RoundResult{
			Method:      round.Method,
			RoundNumber: roundNum,
			RowsSampled: sampled,
			OutputName:  round.OutputName,
			Parameters:  round.Parameters,
		}
		if round.Method == MethodStratified {
			dist, err := e.strataDistribution(ctx, tx, tempName, round.Parameters.StrataColumns)
			if err != nil {
				return nil, err
			}
			result.StrataDistribution = dist
		}
		results = append(results, result)

		if err := e.exportSample(ctx, tx, tempName, tableSchema, round.Selection,
			e.samplePath(run, sourceCommit, fmt.Sprintf("round_%d.parquet", roundNum))); err != nil {
			e.publishFailed(ctx, run, err)
			return nil, err
		}

		e.log.WithFields(logrus.Fields{
			"job_id":       run.ID,
			"round":        roundNum,
			"method":       round.Method,
			"rows_sampled": sampled,
		}).Info("Sampling round complete")
		progress(ctx, map[string]interface{}{
			"status":       fmt.Sprintf("Round %d of %d complete", roundNum, len(params.Rounds)),
			"pct":          5 + 70*roundNum/len(params.Rounds),
			"rounds":       results,
			"rows_sampled": totalSampled,
		})
	}

	var residualRows int64
	if params.ExportResidual {
		if _, err := tx.Exec(ctx, `
			CREATE TEMP TABLE temp_residual_data (
				logical_row_id TEXT PRIMARY KEY,
				row_hash       TEXT NOT NULL,
				data           JSONB NOT NULL
			) ON COMMIT DROP
		`); err != nil {
			return nil, fmt.Errorf("failed to create residual table: %w", err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO temp_residual_data (logical_row_id, row_hash, data) "+renderBase(""),
			sourceCommit, prefix); err != nil {
			return nil, fmt.Errorf("failed to materialise residual: %w", err)
		}
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM temp_residual_data").Scan(&residualRows); err != nil {
			return nil, fmt.Errorf("failed to count residual: %w", err)
		}
		if err := e.exportSample(ctx, tx, "temp_residual_data", tableSchema, nil,
			e.samplePath(run, sourceCommit, "residual.parquet")); err != nil {
			e.publishFailed(ctx, run, err)
			return nil, err
		}
	}

	progress(ctx, map[string]interface{}{"status": "Creating output commit", "pct": 85})

	message := params.CommitMessage
	if message == "" {
		message = fmt.Sprintf("Sampling output: %d rounds over %s", len(params.Rounds), params.TableKey)
	}
	outputCommit, err := e.store.CreateCommit(ctx, tx, run.DatasetID, &sourceCommit, run.UserID, message)
	if err != nil {
		e.publishFailed(ctx, run, err)
		return nil, err
	}

	for roundNum := 1; roundNum <= len(params.Rounds); roundNum++ {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO core.commit_rows (commit_id, logical_row_id, row_hash)
			SELECT $1, logical_row_id, row_hash FROM temp_round_%d_samples
			ON CONFLICT (commit_id, logical_row_id) DO NOTHING
		`, roundNum), outputCommit.CommitID); err != nil {
			return nil, fmt.Errorf("failed to attach round %d sample: %w", roundNum, err)
		}
	}
	if err := e.store.CopySchema(ctx, tx, sourceCommit, outputCommit.CommitID); err != nil {
		return nil, err
	}

	samplingMetadata := map[string]interface{}{
		"sampling_metadata": map[string]interface{}{
			"source_commit_id": sourceCommit,
			"rounds":           results,
			"rows_sampled":     totalSampled,
			"residual_rows":    residualRows,
			"export_residual":  params.ExportResidual,
		},
	}
	if err := e.store.UpsertTableAnalysis(ctx, tx, outputCommit.CommitID, params.TableKey, samplingMetadata); err != nil {
		return nil, err
	}

	branch := params.OutputBranchName
	if branch == "" {
		branch = outputCommit.CommitID
	}
	if err := e.store.UpsertBranch(ctx, tx, run.DatasetID, branch, outputCommit.CommitID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit sampling tx: %w", err)
	}

	progress(ctx, map[string]interface{}{"status": "Completed", "pct": 100})

	summary := map[string]interface{}{
		"commit_id":     outputCommit.CommitID,
		"output_branch": branch,
		"rows_sampled":  totalSampled,
		"residual_rows": residualRows,
		"rounds":        results,
	}
	e.publishCompleted(ctx, run, outputCommit.CommitID, branch, totalSampled, residualRows, time.Since(start))
	return summary, nil
}

// strataDistribution reads per-stratum output counts from a round's
// temp table. Multi-column strata are keyed by a pipe-joined tuple.
func (e *Executor) strataDistribution(ctx context.Context, tx pgx.Tx, tempName string, strataColumns []string) (map[string]int64, error) {
	if len(strataColumns) == 0 {
		return nil, nil
	}
	exprs := make([]string, len(strataColumns))
	for i, name := range strataColumns {
		if !identifierPattern.MatchString(name) {
			return nil, werrors.ValidationErrorf("invalid strata column %q", name)
		}
		exprs[i] = fmt.Sprintf("COALESCE(data->>'%s', '<null>')", name)
	}
	keyExpr := exprs[0]
	if len(exprs) > 1 {
		keyExpr = fmt.Sprintf("concat_ws('|', %s)", joinExprs(exprs))
	}

	rows, err := tx.Query(ctx, fmt.Sprintf(
		"SELECT %s AS stratum, COUNT(*) FROM %s GROUP BY 1 ORDER BY 1", keyExpr, tempName))
	if err != nil {
		return nil, fmt.Errorf("failed to read strata distribution: %w", err)
	}
	defer rows.Close()

	dist := make(map[string]int64)
	for rows.Next() {
		var stratum string
		var count int64
		if err := rows.Scan(&stratum, &count); err != nil {
			return nil, err
		}
		dist[stratum] = count
	}
	return dist, rows.Err()
}

func joinExprs(exprs []string) string {
	out := exprs[0]
	for _, e := range exprs[1:] {
		out += ", " + e
	}
	return out
}

// samplePath lays out round outputs under the object store's samples tree.
func (e *Executor) samplePath(run *models.AnalysisRun, sourceCommit, name string) string {
	return filepath.Join("samples", run.DatasetID, sourceCommit, run.ID, name)
}

// exportSample streams a temp table's rows into a parquet file on the
// object store. The file carries the round's projection and ordering
// when one was requested. A failure aborts the job so callers never
// see partial sample sets.
func (e *Executor) exportSample(ctx context.Context, tx pgx.Tx, tempName string, schema models.TableSchema, sel *Selection, dst string) error {
	if e.backend == nil {
		return nil
	}

	exported := models.TableSchema{Columns: exportColumns(sel, schema)}
	orderBy, err := exportOrder(sel, schema)
	if err != nil {
		return err
	}

	local, err := os.CreateTemp("", "wbench-sample-*.parquet")
	if err != nil {
		return werrors.StorageErrorf(err, "failed to create sample scratch file")
	}
	localPath := local.Name()
	local.Close()
	defer os.Remove(localPath)

	writer, err := convert.NewTableWriter(localPath, tempName, exported.Columns, e.codec)
	if err != nil {
		return err
	}

	rows, err := tx.Query(ctx, fmt.Sprintf(
		"SELECT data FROM %s ORDER BY %s", tempName, orderBy))
	if err != nil {
		writer.Close()
		return fmt.Errorf("failed to read sample rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			writer.Close()
			return err
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(raw, &payload); err != nil {
			writer.Close()
			return fmt.Errorf("failed to decode sample row: %w", err)
		}
		if err := writer.WriteRow(coerceRow(payload, exported)); err != nil {
			writer.Close()
			return err
		}
	}
	if err := rows.Err(); err != nil {
		writer.Close()
		return err
	}
	if _, err := writer.Close(); err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return werrors.StorageErrorf(err, "failed to reopen sample file")
	}
	defer f.Close()
	if err := e.backend.WriteStream(ctx, dst, f); err != nil {
		return werrors.StorageErrorf(err, "failed to upload sample %s", dst)
	}
	return nil
}

// coerceRow maps JSON-decoded values onto the declared column types so
// the parquet writer sees the shapes its schema expects.
func coerceRow(payload map[string]interface{}, schema models.TableSchema) map[string]interface{} {
	row := make(map[string]interface{}, len(schema.Columns))
	for _, col := range schema.Columns {
		v, ok := payload[col.Name]
		if !ok || v == nil {
			row[col.Name] = nil
			continue
		}
		switch col.Type {
		case convert.TypeInteger:
			if f, isFloat := v.(float64); isFloat {
				row[col.Name] = int64(f)
				continue
			}
		case convert.TypeText:
			if _, isString := v.(string); !isString {
				row[col.Name] = fmt.Sprintf("%v", v)
				continue
			}
		}
		row[col.Name] = v
	}
	return row
}

func (e *Executor) publishStarted(ctx context.Context, run *models.AnalysisRun) {
	if e.bus == nil {
		return
	}
	ev, err := events.New(events.TypeJobStarted, events.AggregateJob, run.ID, events.JobStartedPayload{
		RunType:   string(run.RunType),
		DatasetID: run.DatasetID,
		UserID:    run.UserID,
	})
	if err == nil {
		ev.UserID = &run.UserID
		e.bus.Publish(ctx, ev)
	}
}

func (e *Executor) publishCompleted(ctx context.Context, run *models.AnalysisRun, commitID, branch string, sampled, residual int64, elapsed time.Duration) {
	if e.bus == nil {
		return
	}
	ev, err := events.New(events.TypeJobCompleted, events.AggregateJob, run.ID, events.JobCompletedPayload{
		CommitID:        commitID,
		RowsSampled:     sampled,
		ResidualRows:    residual,
		OutputBranch:    branch,
		ExecutionTimeMS: elapsed.Milliseconds(),
	})
	if err == nil {
		ev.UserID = &run.UserID
		e.bus.Publish(ctx, ev)
	}
}

func (e *Executor) publishFailed(ctx context.Context, run *models.AnalysisRun, cause error) {
	if e.bus == nil {
		return
	}
	ev, err := events.New(events.TypeJobFailed, events.AggregateJob, run.ID, events.JobFailedPayload{
		ErrorMessage: cause.Error(),
	})
	if err == nil {
		ev.UserID = &run.UserID
		e.bus.Publish(ctx, ev)
	}
}
