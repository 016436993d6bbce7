package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/workbench-io/workbench-go/internal/commitstore"
	"github.com/workbench-io/workbench-go/internal/convert"
	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/events"
	"github.com/workbench-io/workbench-go/internal/models"
	"github.com/workbench-io/workbench-go/internal/worker"
)

// BranchPrefix marks branches created by transformation jobs.
const BranchPrefix = "wkbh-"

// identifierPattern is the only shape aliases, table keys, and view
// columns may take before they are interpolated into view DDL.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Source binds one table at one ref to an alias in the user SQL.
type Source struct {
	DatasetID string `json:"dataset_id"`
	Ref       string `json:"ref"`
	TableKey  string `json:"table_key"`
	Alias     string `json:"alias"`
}

// Target names where the transformation result lands.
type Target struct {
	DatasetID            string `json:"dataset_id"`
	Ref                  string `json:"ref"`
	TableKey             string `json:"table_key"`
	Message              string `json:"message,omitempty"`
	OutputBranchName     string `json:"output_branch_name,omitempty"`
	ExpectedHeadCommitID string `json:"expected_head_commit_id,omitempty"`
}

// Parameters is the run_parameters shape of a transformation job.
type Parameters struct {
	Sources []Source `json:"sources"`
	SQL     string   `json:"sql"`
	Target  Target   `json:"target"`
}

func (p Parameters) validate() error {
	if len(p.Sources) == 0 {
		return werrors.ValidationErrorf("transformation requires at least one source")
	}
	for _, s := range p.Sources {
		if s.Alias == "" || s.Ref == "" || s.TableKey == "" || s.DatasetID == "" {
			return werrors.ValidationErrorf("every source needs dataset_id, ref, table_key and alias")
		}
		if !identifierPattern.MatchString(s.Alias) {
			return werrors.ValidationErrorf("source alias %q must be a bare identifier", s.Alias)
		}
		if !identifierPattern.MatchString(s.TableKey) {
			return werrors.ValidationErrorf("source table_key %q must be a bare identifier", s.TableKey)
		}
	}
	if p.Target.DatasetID == "" || p.Target.Ref == "" || p.Target.TableKey == "" {
		return werrors.ValidationErrorf("target needs dataset_id, ref and table_key")
	}
	if !identifierPattern.MatchString(p.Target.TableKey) {
		return werrors.ValidationErrorf("target table_key %q must be a bare identifier", p.Target.TableKey)
	}
	return nil
}

// Executor runs validated user SQL against temporary views bound to
// source refs and commits the result as a new table version.
type Executor struct {
	pool  *pgxpool.Pool
	store *commitstore.Store
	bus   *events.Bus
	log   *logrus.Entry
}

// NewExecutor wires the transformation executor.
func NewExecutor(pool *pgxpool.Pool, store *commitstore.Store, bus *events.Bus) *Executor {
	return &Executor{
		pool:  pool,
		store: store,
		bus:   bus,
		log:   logrus.WithField("executor", "sql_transform"),
	}
}

// Execute validates, rewrites and materialises the transformation.
// Result rows flow through a server-side CTE and never round-trip
// through application memory.
func (e *Executor) Execute(ctx context.Context, run *models.AnalysisRun, progress worker.ProgressFunc) (map[string]interface{}, error) {
	start := time.Now()

	var params Parameters
	if err := json.Unmarshal(run.RunParameters, &params); err != nil {
		return nil, werrors.ValidationErrorf("malformed transformation parameters: %v", err)
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	aliases := make([]string, len(params.Sources))
	for i, s := range params.Sources {
		aliases[i] = s.Alias
	}
	validation := ValidateSQL(params.SQL, aliases)
	if err := validation.Err(); err != nil {
		e.publishFailed(ctx, run, err)
		return nil, err
	}
	for _, w := range validation.Warnings {
		e.log.WithFields(logrus.Fields{"job_id": run.ID, "warning": w}).Warn("SQL performance warning")
	}

	e.publishStarted(ctx, run)
	progress(ctx, map[string]interface{}{"status": "Validated SQL", "pct": 10, "warnings": validation.Warnings})

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire transform connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transform tx: %w", err)
	}

	// Rolling back undoes the temporary view DDL along with everything else.
	cleanup := func() { tx.Rollback(ctx) }

	var createdViews []string
	aliasToView := make(map[string]string, len(params.Sources))
	for _, src := range params.Sources {
		commitID, err := e.store.ResolveRef(ctx, tx, src.DatasetID, src.Ref)
		if err != nil {
			cleanup()
			e.publishFailed(ctx, run, err)
			return nil, err
		}
		srcSchema, err := e.store.GetSchema(ctx, tx, commitID)
		if err != nil {
			cleanup()
			return nil, err
		}
		view := viewName(src.Alias, run.ID)
		if _, err := tx.Exec(ctx, createViewSQL(view, commitID, src.TableKey, srcSchema[src.TableKey])); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to create view for alias %s: %w", src.Alias, err)
		}
		createdViews = append(createdViews, view)
		aliasToView[src.Alias] = view
	}

	rewritten := RewriteSQL(params.SQL, aliasToView)
	progress(ctx, map[string]interface{}{"status": "Executing transformation", "pct": 30})

	headCommit, err := e.store.ResolveRef(ctx, tx, params.Target.DatasetID, params.Target.Ref)
	if err != nil {
		cleanup()
		e.publishFailed(ctx, run, err)
		return nil, err
	}
	expected := params.Target.ExpectedHeadCommitID
	if expected == "" {
		expected = headCommit
	}

	message := params.Target.Message
	if message == "" {
		message = fmt.Sprintf("Transform %s via SQL", params.Target.TableKey)
	}
	newCommit, err := e.store.CreateCommit(ctx, tx, params.Target.DatasetID, &headCommit, run.UserID, message)
	if err != nil {
		cleanup()
		e.publishFailed(ctx, run, err)
		return nil, err
	}

	carried, err := e.store.CopyRowsExceptTable(ctx, tx, headCommit, newCommit.CommitID, params.Target.TableKey)
	if err != nil {
		cleanup()
		return nil, err
	}

	resultRows, err := e.materialize(ctx, tx, rewritten, newCommit.CommitID, params.Target.TableKey)
	if err != nil {
		cleanup()
		e.publishFailed(ctx, run, err)
		return nil, err
	}

	progress(ctx, map[string]interface{}{"status": "Inferring result schema", "pct": 70, "result_rows": resultRows})

	schema, err := e.inferSchema(ctx, tx, newCommit.CommitID, params.Target.TableKey)
	if err != nil {
		cleanup()
		return nil, err
	}
	parentSchema, err := e.store.GetSchema(ctx, tx, headCommit)
	if err != nil {
		cleanup()
		return nil, err
	}
	merged := models.SchemaDefinition{}
	for k, v := range parentSchema {
		if k != params.Target.TableKey {
			merged[k] = v
		}
	}
	merged[params.Target.TableKey] = schema
	if err := e.store.MergeSchema(ctx, tx, newCommit.CommitID, merged); err != nil {
		cleanup()
		return nil, err
	}

	if err := e.store.UpdateRefOptimistic(ctx, tx, params.Target.DatasetID, params.Target.Ref, newCommit.CommitID, expected); err != nil {
		cleanup()
		e.publishFailed(ctx, run, err)
		return nil, err
	}

	branch := BranchPrefix
	if params.Target.OutputBranchName != "" {
		branch += params.Target.OutputBranchName
	} else {
		branch += fmt.Sprintf("transform-%d", time.Now().Unix())
	}
	if err := e.store.UpsertBranch(ctx, tx, params.Target.DatasetID, branch, newCommit.CommitID); err != nil {
		cleanup()
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to commit transformation: %w", err)
	}

	// Temporary views outlive the committed transaction; drop them so
	// the pooled session goes back clean.
	for _, v := range createdViews {
		conn.Exec(ctx, fmt.Sprintf("DROP VIEW IF EXISTS %s", v))
	}

	progress(ctx, map[string]interface{}{"status": "Completed", "pct": 100})

	summary := map[string]interface{}{
		"commit_id":     newCommit.CommitID,
		"output_branch": branch,
		"result_rows":   resultRows,
		"carried_rows":  carried,
		"table_key":     params.Target.TableKey,
		"warnings":      validation.Warnings,
	}
	e.publishCompleted(ctx, run, newCommit.CommitID, branch, resultRows, time.Since(start))
	return summary, nil
}

// createViewSQL renders the temporary view backing one source alias.
// Declared columns are expanded as typed expressions so user SQL can
// reference them by name; logical_row_id and the raw data payload stay
// available alongside. Commit IDs are store-derived hex and table keys
// are validated identifiers, so the interpolation is closed. A view
// body cannot carry bind parameters, which rules out $n placeholders
// here.
func createViewSQL(view, commitID, tableKey string, schema models.TableSchema) string {
	var cols strings.Builder
	for _, col := range schema.Columns {
		if col.Name == "logical_row_id" || col.Name == "data" || !identifierPattern.MatchString(col.Name) {
			continue
		}
		cols.WriteString(fmt.Sprintf(",\n\t\t       %s AS %s", typedColumnExpr(col), col.Name))
	}
	return fmt.Sprintf(`
		CREATE TEMPORARY VIEW %s AS
		SELECT cr.logical_row_id, r.data%s
		FROM core.commit_rows cr
		JOIN core.rows r ON r.row_hash = cr.row_hash
		WHERE cr.commit_id = '%s' AND cr.logical_row_id LIKE '%s'
	`, view, cols.String(), commitID, commitstore.TableKeyPrefix(tableKey))
}

// typedColumnExpr extracts a declared column from the JSONB payload,
// cast to its schema type.
func typedColumnExpr(col models.ColumnDef) string {
	base := fmt.Sprintf("(r.data->>'%s')", col.Name)
	switch col.Type {
	case convert.TypeInteger:
		return base + "::bigint"
	case convert.TypeDouble:
		return base + "::double precision"
	case convert.TypeBoolean:
		return base + "::boolean"
	default:
		return base
	}
}

// materialize inserts the rewritten query's results into rows and
// commit_rows under the target table, entirely server-side. Row hashes
// are SHA-256 of the jsonb text form, which Postgres renders with a
// stable key order.
func (e *Executor) materialize(ctx context.Context, tx pgx.Tx, rewritten, commitID, tableKey string) (int64, error) {
	sql := fmt.Sprintf(`
		WITH t AS (%s),
		numbered AS (
			SELECT row_to_json(t.*)::jsonb AS d, row_number() OVER () AS n FROM t
		),
		hashed AS (
			SELECT d, n, encode(sha256(convert_to(d::text, 'UTF8')), 'hex') AS row_hash
			FROM numbered
		),
		inserted AS (
			INSERT INTO core.rows (row_hash, data)
			SELECT DISTINCT ON (row_hash) row_hash, d FROM hashed
			ON CONFLICT (row_hash) DO NOTHING
		)
		INSERT INTO core.commit_rows (commit_id, logical_row_id, row_hash)
		SELECT $1, $2 || ':' || n, row_hash FROM hashed
	`, rewritten)

	tag, err := tx.Exec(ctx, sql, commitID, tableKey)
	if err != nil {
		return 0, werrors.ValidationErrorf("transformation SQL failed: %v", err)
	}
	return tag.RowsAffected(), nil
}

// inferSchema samples one result row and derives the new table schema.
// Columns that are null in the sampled row default to text.
func (e *Executor) inferSchema(ctx context.Context, tx pgx.Tx, commitID, tableKey string) (models.TableSchema, error) {
	var raw []byte
	err := tx.QueryRow(ctx, `
		SELECT r.data
		FROM core.commit_rows cr
		JOIN core.rows r ON r.row_hash = cr.row_hash
		WHERE cr.commit_id = $1 AND cr.logical_row_id LIKE $2
		ORDER BY cr.logical_row_id
		LIMIT 1
	`, commitID, commitstore.TableKeyPrefix(tableKey)).Scan(&raw)
	if err == pgx.ErrNoRows {
		return models.TableSchema{}, nil
	}
	if err != nil {
		return models.TableSchema{}, fmt.Errorf("failed to sample result row: %w", err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return models.TableSchema{}, fmt.Errorf("failed to decode result row: %w", err)
	}
	return InferSchemaFromRow(payload), nil
}

// InferSchemaFromRow maps one decoded result row onto column
// definitions, sorted by jsonb's key order as decoded.
func InferSchemaFromRow(payload map[string]interface{}) models.TableSchema {
	schema := models.TableSchema{}
	for name, v := range payload {
		colType := convert.TypeText
		switch t := v.(type) {
		case bool:
			colType = convert.TypeBoolean
		case float64:
			if t == float64(int64(t)) {
				colType = convert.TypeInteger
			} else {
				colType = convert.TypeDouble
			}
		}
		schema.Columns = append(schema.Columns, models.ColumnDef{
			Name:     name,
			Type:     colType,
			Nullable: true,
		})
	}
	sortColumns(schema.Columns)
	return schema
}

func sortColumns(cols []models.ColumnDef) {
	for i := 1; i < len(cols); i++ {
		for j := i; j > 0 && cols[j].Name < cols[j-1].Name; j-- {
			cols[j], cols[j-1] = cols[j-1], cols[j]
		}
	}
}

// Preview runs the rewritten SQL bounded by LIMIT and returns decoded
// rows. Nothing is committed; views are dropped before returning.
func (e *Executor) Preview(ctx context.Context, jobID string, params Parameters, limit int) ([]map[string]interface{}, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	aliases := make([]string, len(params.Sources))
	for i, s := range params.Sources {
		aliases[i] = s.Alias
	}
	if err := ValidateSQL(params.SQL, aliases).Err(); err != nil {
		return nil, err
	}

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire preview connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin preview tx: %w", err)
	}
	defer tx.Rollback(ctx)

	aliasToView := make(map[string]string, len(params.Sources))
	for _, src := range params.Sources {
		commitID, err := e.store.ResolveRef(ctx, tx, src.DatasetID, src.Ref)
		if err != nil {
			return nil, err
		}
		srcSchema, err := e.store.GetSchema(ctx, tx, commitID)
		if err != nil {
			return nil, err
		}
		view := viewName(src.Alias, jobID)
		if _, err := tx.Exec(ctx, createViewSQL(view, commitID, src.TableKey, srcSchema[src.TableKey])); err != nil {
			return nil, fmt.Errorf("failed to create preview view: %w", err)
		}
		aliasToView[src.Alias] = view
	}

	preview := wrapPreview(RewriteSQL(params.SQL, aliasToView), limit)
	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT row_to_json(preview_rows.*)::jsonb FROM (%s) preview_rows
	`, preview))
	if err != nil {
		return nil, werrors.ValidationErrorf("preview SQL failed: %v", err)
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
	return out, rows.Err()
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

func (e *Executor) publishCompleted(ctx context.Context, run *models.AnalysisRun, commitID, branch string, rows int64, elapsed time.Duration) {
	if e.bus == nil {
		return
	}
	ev, err := events.New(events.TypeJobCompleted, events.AggregateJob, run.ID, events.JobCompletedPayload{
		CommitID:        commitID,
		OutputBranch:    branch,
		RowsImported:    rows,
		ExecutionTimeMS: elapsed.Milliseconds(),
	})
	if err == nil {
		ev.UserID = &run.UserID
		e.bus.Publish(ctx, ev)
	}

	commitEv, err := events.New(events.TypeCommitCreated, events.AggregateCommit, commitID,
		map[string]string{"dataset_id": run.DatasetID, "branch": branch})
	if err == nil {
		commitEv.UserID = &run.UserID
		e.bus.Publish(ctx, commitEv)
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
