package eda

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/workbench-io/workbench-go/internal/commitstore"
	"github.com/workbench-io/workbench-go/internal/convert"
	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/events"
	"github.com/workbench-io/workbench-go/internal/models"
	"github.com/workbench-io/workbench-go/internal/worker"
)

// defaultMaxRows bounds how many rows the profiler loads into memory.
// Above the bound the profile is computed over the leading rows and
// labelled as sampled.
const defaultMaxRows = 100_000

// duplicateFallbackColumns truncates the GROUP BY duplicate estimate
// when the profile ran over a sample instead of the full table.
const duplicateFallbackColumns = 32

// categoricalDistinctPct is the distinct-ratio ceiling under which a
// text column is treated as categorical rather than free text.
const categoricalDistinctPct = 50

// datetimeParseRate is the fraction of parseable values above which a
// text column is reclassified as datetime.
const datetimeParseRate = 0.9

// barChartCategories is how many top categories the bar chart shows.
const barChartCategories = 10

// ProfileConfig tunes the profile computation.
type ProfileConfig struct {
	MaxRows              int64      `json:"max_rows,omitempty"`
	CorrelationThreshold float64    `json:"correlation_threshold,omitempty"`
	Thresholds           Thresholds `json:"thresholds,omitempty"`
	SampleSeed           int64      `json:"sample_seed,omitempty"`
}

// Parameters is the run_parameters shape of an exploration job.
type Parameters struct {
	TableKey      string        `json:"table_key"`
	ProfileConfig ProfileConfig `json:"profile_config,omitempty"`
}

// Executor profiles one table of one commit into an analysis block
// tree. Rows are fetched once and all statistics run in process.
type Executor struct {
	pool  *pgxpool.Pool
	store *commitstore.Store
	bus   *events.Bus
	log   *logrus.Entry
}

// NewExecutor wires the profiling executor.
func NewExecutor(pool *pgxpool.Pool, store *commitstore.Store, bus *events.Bus) *Executor {
	return &Executor{
		pool:  pool,
		store: store,
		bus:   bus,
		log:   logrus.WithField("executor", "exploration"),
	}
}

// Execute loads the table, classifies every column, and assembles the
// full profile response. The response is stored as the commit's table
// analysis and returned as the job summary.
func (e *Executor) Execute(ctx context.Context, run *models.AnalysisRun, progress worker.ProgressFunc) (map[string]interface{}, error) {
	start := time.Now()

	var params Parameters
	if err := json.Unmarshal(run.RunParameters, &params); err != nil {
		return nil, werrors.ValidationErrorf("malformed exploration parameters: %v", err)
	}
	if params.TableKey == "" {
		return nil, werrors.ValidationErrorf("exploration requires table_key")
	}
	if run.SourceCommitID == nil {
		return nil, werrors.ValidationErrorf("exploration requires source_commit_id")
	}
	sourceCommit := *run.SourceCommitID

	maxRows := params.ProfileConfig.MaxRows
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}
	corrThreshold := params.ProfileConfig.CorrelationThreshold
	if corrThreshold <= 0 {
		corrThreshold = params.ProfileConfig.Thresholds.withDefaults().HighCorrelation
	}

	e.publishStarted(ctx, run)
	progress(ctx, map[string]interface{}{"status": "Loading table", "pct": 5})

	schemaDef, err := e.store.GetSchema(ctx, e.pool, sourceCommit)
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

	totalRows, err := e.store.CountRows(ctx, e.pool, sourceCommit, params.TableKey)
	if err != nil {
		e.publishFailed(ctx, run, err)
		return nil, err
	}

	rows, err := e.loadRows(ctx, sourceCommit, params.TableKey, maxRows)
	if err != nil {
		e.publishFailed(ctx, run, err)
		return nil, err
	}
	sampled := totalRows > int64(len(rows))

	progress(ctx, map[string]interface{}{"status": "Classifying columns", "pct": 25})

	orderedColumns := make([]string, len(tableSchema.Columns))
	columns := make(map[string][]interface{}, len(tableSchema.Columns))
	for i, col := range tableSchema.Columns {
		orderedColumns[i] = col.Name
		values := make([]interface{}, len(rows))
		for j, row := range rows {
			values[j] = normalizeValue(row[col.Name], col.Type)
		}
		columns[col.Name] = values
	}

	categories := make(map[string]string, len(tableSchema.Columns))
	for _, col := range tableSchema.Columns {
		categories[col.Name] = classifyColumn(col, columns[col.Name])
	}

	progress(ctx, map[string]interface{}{"status": "Profiling variables", "pct": 40})

	rng := rand.New(rand.NewSource(params.ProfileConfig.SampleSeed))
	var numericCols, categoricalCols []string
	variables := make(map[string][]Block, len(orderedColumns))
	summaries := make([]columnSummary, 0, len(orderedColumns))
	for _, name := range orderedColumns {
		category := categories[name]
		blocks, summary := profileColumn(name, category, columns[name], rng)
		variables[name] = blocks
		summaries = append(summaries, summary)
		switch category {
		case CategoryNumeric:
			numericCols = append(numericCols, name)
		case CategoryCategorical, CategoryBoolean:
			categoricalCols = append(categoricalCols, name)
		}
	}

	progress(ctx, map[string]interface{}{"status": "Computing interactions", "pct": 60})

	interactions, corrPairs := computeCorrelations(columns, numericCols, corrThreshold)
	interactions = append(interactions, computeBoxPlots(columns, numericCols, categoricalCols)...)

	progress(ctx, map[string]interface{}{"status": "Analysing missing values", "pct": 75})

	missingBlocks := computeMissing(rows, orderedColumns)

	duplicates, duplicatesEstimated, err := e.countDuplicates(ctx, sourceCommit, params.TableKey, rows, orderedColumns, sampled)
	if err != nil {
		e.log.WithFields(logrus.Fields{"job_id": run.ID, "error": err.Error()}).
			Warn("Duplicate counting failed, reporting zero")
		duplicates = 0
	}
	duplicatePct := pct(duplicates, totalRows)

	alerts := deriveAlerts(summaries, corrPairs, duplicatePct, params.ProfileConfig.Thresholds)

	response := Response{
		Metadata: Block{
			Title:    "Dataset overview",
			RenderAs: RenderKeyValuePairs,
			Data: map[string]interface{}{
				"table_key":            params.TableKey,
				"commit_id":            sourceCommit,
				"total_rows":           totalRows,
				"profiled_rows":        len(rows),
				"sampled":              sampled,
				"column_count":         len(orderedColumns),
				"duplicate_rows":       duplicates,
				"duplicate_pct":        duplicatePct,
				"duplicates_estimated": duplicatesEstimated,
			},
		},
		GlobalSummary: append([]Block{typeCompositionBlock(orderedColumns, categories)}, missingBlocks...),
		Variables:     variables,
		Interactions:  interactions,
		Alerts: Block{
			Title:    "Alerts",
			RenderAs: RenderAlertList,
			Data:     alerts,
		},
	}

	progress(ctx, map[string]interface{}{"status": "Persisting profile", "pct": 90})

	if err := e.store.UpsertTableAnalysis(ctx, e.pool, sourceCommit, params.TableKey,
		map[string]interface{}{"eda_profile": response}); err != nil {
		e.publishFailed(ctx, run, err)
		return nil, err
	}

	progress(ctx, map[string]interface{}{"status": "Completed", "pct": 100})

	e.log.WithFields(logrus.Fields{
		"job_id":        run.ID,
		"table_key":     params.TableKey,
		"profiled_rows": len(rows),
		"alerts":        len(alerts),
	}).Info("Profile complete")

	summary := map[string]interface{}{
		"response":      response,
		"table_key":     params.TableKey,
		"profiled_rows": len(rows),
		"sampled":       sampled,
		"alert_count":   len(alerts),
	}
	e.publishCompleted(ctx, run, sourceCommit, time.Since(start))
	return summary, nil
}

// loadRows reads the commit's rows for the table in logical order, up
// to the limit.
func (e *Executor) loadRows(ctx context.Context, commitID, tableKey string, limit int64) ([]map[string]interface{}, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT r.data
		FROM core.commit_rows cr
		JOIN core.rows r ON r.row_hash = cr.row_hash
		WHERE cr.commit_id = $1 AND cr.logical_row_id LIKE $2
		ORDER BY cr.logical_row_id
		LIMIT $3
	`, commitID, commitstore.TableKeyPrefix(tableKey), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile rows: %w", err)
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
			return nil, fmt.Errorf("failed to decode profile row: %w", err)
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}

// countDuplicates hashes whole rows when the full table is in memory.
// Over a sample it falls back to a database GROUP BY over the first
// columns, which is an estimate.
func (e *Executor) countDuplicates(ctx context.Context, commitID, tableKey string, rows []map[string]interface{}, orderedColumns []string, sampled bool) (int64, bool, error) {
	if !sampled {
		return countDuplicatesByHash(rows, orderedColumns), false, nil
	}

	cols := orderedColumns
	if len(cols) > duplicateFallbackColumns {
		cols = cols[:duplicateFallbackColumns]
	}
	exprs := make([]string, len(cols))
	for i, col := range cols {
		exprs[i] = fmt.Sprintf("r.data->>'%s'", col)
	}
	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(n - 1), 0) FROM (
			SELECT COUNT(*) AS n
			FROM core.commit_rows cr
			JOIN core.rows r ON r.row_hash = cr.row_hash
			WHERE cr.commit_id = $1 AND cr.logical_row_id LIKE $2
			GROUP BY %s
			HAVING COUNT(*) > 1
		) dup
	`, joinColumns(exprs))

	var dups int64
	err := e.pool.QueryRow(ctx, query, commitID, commitstore.TableKeyPrefix(tableKey)).Scan(&dups)
	if err != nil {
		return 0, true, fmt.Errorf("failed to estimate duplicates: %w", err)
	}
	return dups, true, nil
}

func joinColumns(exprs []string) string {
	out := exprs[0]
	for _, e := range exprs[1:] {
		out += ", " + e
	}
	return out
}

// normalizeValue maps JSON-decoded values onto the declared column
// type so the statistics see consistent shapes.
func normalizeValue(v interface{}, declaredType string) interface{} {
	if v == nil {
		return nil
	}
	switch declaredType {
	case convert.TypeInteger:
		if f, ok := v.(float64); ok {
			return int64(f)
		}
	case convert.TypeText:
		if _, ok := v.(string); !ok {
			return fmt.Sprintf("%v", v)
		}
	}
	return v
}

// classifyColumn maps a declared column type plus observed values onto
// a profiling category. Text columns are reclassified as datetime when
// most values parse, or categorical when the distinct ratio is low.
func classifyColumn(col models.ColumnDef, values []interface{}) string {
	switch col.Type {
	case convert.TypeInteger, convert.TypeDouble:
		return CategoryNumeric
	case convert.TypeBoolean:
		return CategoryBoolean
	case convert.TypeText:
	default:
		return CategoryUnknown
	}

	var present, parsed int64
	for _, v := range values {
		if v == nil {
			continue
		}
		present++
		if _, ok := parseDatetime(v); ok {
			parsed++
		}
	}
	if present == 0 {
		return CategoryCategorical
	}
	if float64(parsed)/float64(present) >= datetimeParseRate {
		return CategoryDatetime
	}
	if computeCommon(values).DistinctPct <= categoricalDistinctPct {
		return CategoryCategorical
	}
	return CategoryText
}

// profileColumn emits the block list for one column and the digest
// alert derivation reads.
func profileColumn(name, category string, values []interface{}, rng *rand.Rand) ([]Block, columnSummary) {
	common := computeCommon(values)
	summary := columnSummary{Name: name, Category: category, Common: common}

	blocks := []Block{{
		Title:    "Summary",
		RenderAs: RenderKeyValuePairs,
		Data: map[string]interface{}{
			"category": category,
			"stats":    common,
		},
	}}

	present := int64(len(values)) - common.MissingCount
	if top := topFrequencies(values, 1); len(top) > 0 && present > 0 {
		summary.TopValuePct = top[0].Pct
	}

	switch category {
	case CategoryNumeric:
		stats, hist := computeNumeric(values)
		summary.Numeric = &stats
		blocks = append(blocks,
			Block{Title: "Statistics", RenderAs: RenderKeyValuePairs, Data: stats},
			hist)
	case CategoryCategorical:
		freq := topFrequencies(values, topKCategories)
		bar := freq
		if len(bar) > barChartCategories {
			bar = bar[:barChartCategories]
		}
		blocks = append(blocks,
			Block{Title: "Frequent values", RenderAs: RenderTable, Data: freq},
			Block{Title: "Value distribution", RenderAs: RenderBarChart, Data: bar})
		if lengths := computeStringLengths(values, false); lengths.MaxLength > 0 {
			blocks = append(blocks,
				Block{Title: "Length statistics", RenderAs: RenderKeyValuePairs, Data: lengths})
		}
	case CategoryDatetime:
		stats, hist := computeDatetime(values)
		blocks = append(blocks,
			Block{Title: "Date range", RenderAs: RenderKeyValuePairs, Data: stats},
			hist)
	case CategoryText:
		blocks = append(blocks,
			Block{Title: "Length statistics", RenderAs: RenderKeyValuePairs, Data: computeStringLengths(values, true)},
			Block{
				Title:       "Sample values",
				RenderAs:    RenderTextBlock,
				Data:        textSamples(values, rng),
				Description: fmt.Sprintf("up to %d random values, truncated to %d characters", textSampleCount, textSampleMaxLen),
			})
	case CategoryBoolean:
		blocks = append(blocks,
			Block{Title: "Statistics", RenderAs: RenderKeyValuePairs, Data: computeBoolean(values)})
	}
	return blocks, summary
}

// typeCompositionBlock summarises how many columns landed in each
// category.
func typeCompositionBlock(orderedColumns []string, categories map[string]string) Block {
	counts := map[string]int{}
	for _, name := range orderedColumns {
		counts[categories[name]]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type entry struct {
		Category string `json:"category"`
		Count    int    `json:"count"`
	}
	rows := make([]entry, len(keys))
	for i, k := range keys {
		rows[i] = entry{Category: k, Count: counts[k]}
	}
	return Block{Title: "Column types", RenderAs: RenderTable, Data: rows}
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

func (e *Executor) publishCompleted(ctx context.Context, run *models.AnalysisRun, commitID string, elapsed time.Duration) {
	if e.bus == nil {
		return
	}
	ev, err := events.New(events.TypeJobCompleted, events.AggregateJob, run.ID, events.JobCompletedPayload{
		CommitID:        commitID,
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
