package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/workbench-io/workbench-go/internal/artifacts"
	"github.com/workbench-io/workbench-go/internal/commitstore"
	"github.com/workbench-io/workbench-go/internal/config"
	"github.com/workbench-io/workbench-go/internal/convert"
	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/events"
	"github.com/workbench-io/workbench-go/internal/models"
	"github.com/workbench-io/workbench-go/internal/objectstore"
	"github.com/workbench-io/workbench-go/internal/worker"
)

// Parameters is the run_parameters shape of an import job.
type Parameters struct {
	TempFilePath  string `json:"temp_file_path"`
	Filename      string `json:"filename"`
	CommitMessage string `json:"commit_message"`
	TargetRef     string `json:"target_ref"`
}

func (p Parameters) validate() error {
	if p.TempFilePath == "" {
		return werrors.ValidationErrorf("import requires temp_file_path")
	}
	if p.Filename == "" {
		return werrors.ValidationErrorf("import requires filename")
	}
	if p.TargetRef == "" {
		return werrors.ValidationErrorf("import requires target_ref")
	}
	return nil
}

// Executor materialises an uploaded file into a new commit.
type Executor struct {
	pool      *pgxpool.Pool
	store     *commitstore.Store
	converter *convert.Converter
	hasher    *commitstore.RowHasher
	producer  *artifacts.Producer
	bus       *events.Bus
	cfg       config.ImportConfig
	log       *logrus.Entry
}

// NewExecutor wires the import pipeline.
func NewExecutor(pool *pgxpool.Pool, store *commitstore.Store, backend objectstore.Backend, bus *events.Bus, cfg config.ImportConfig) *Executor {
	var producer *artifacts.Producer
	if backend != nil {
		producer = artifacts.NewProducer(artifacts.NewPGStore(pool), backend)
	}
	return &Executor{
		pool:      pool,
		store:     store,
		converter: convert.New(convert.Options{Codec: cfg.CompressionCodec}),
		hasher:    commitstore.NewRowHasher(cfg.UseXXHash, cfg.XXHashSeed),
		producer:  producer,
		bus:       bus,
		cfg:       cfg,
		log:       logrus.WithField("executor", "import"),
	}
}

// Execute runs the import: convert, commit-first, ingest per table,
// move the target ref, then post-import maintenance. The temporary
// upload file is removed regardless of outcome.
func (e *Executor) Execute(ctx context.Context, run *models.AnalysisRun, progress worker.ProgressFunc) (map[string]interface{}, error) {
	start := time.Now()

	var params Parameters
	if err := json.Unmarshal(run.RunParameters, &params); err != nil {
		return nil, werrors.ValidationErrorf("malformed import parameters: %v", err)
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	defer os.Remove(params.TempFilePath)

	e.publishStarted(ctx, run)

	progress(ctx, map[string]interface{}{"status": "Converting file", "pct": 5})

	scratch, err := os.MkdirTemp("", "wbench-import-*")
	if err != nil {
		return nil, werrors.StorageErrorf(err, "failed to create scratch dir")
	}
	defer os.RemoveAll(scratch)

	result, err := e.converter.Convert(params.TempFilePath, scratch)
	if err != nil {
		e.publishFailed(ctx, run, err)
		return nil, err
	}
	progress(ctx, map[string]interface{}{
		"status":              "File converted",
		"pct":                 20,
		"conversion_metadata": result.Metadata,
	})

	if err := e.ensureDataset(ctx, run, params.Filename); err != nil {
		e.publishFailed(ctx, run, err)
		return nil, err
	}

	// Commit before any rows attach. A mid-import crash leaves an
	// orphan commit that only the recovery path can reach.
	commit, err := e.store.CreateCommit(ctx, e.pool, run.DatasetID, run.SourceCommitID, run.UserID, params.CommitMessage)
	if err != nil {
		e.publishFailed(ctx, run, err)
		return nil, err
	}

	var totalRows int64
	schema := models.SchemaDefinition{}
	for i, table := range result.Tables {
		e.log.WithFields(logrus.Fields{
			"job_id":    run.ID,
			"table_key": table.TableKey,
			"rows":      table.RowCount,
		}).Info("Ingesting table")

		n, err := e.ingestTable(ctx, commit.CommitID, table, progress)
		if err != nil {
			e.publishFailed(ctx, run, err)
			return nil, err
		}
		totalRows += n

		if meta, ok := result.Metadata.Tables[table.TableKey]; ok {
			schema[table.TableKey] = models.TableSchema{Columns: meta.Columns}
		}
		if err := e.uploadTableFile(ctx, run.DatasetID, commit.CommitID, table); err != nil {
			e.publishFailed(ctx, run, err)
			return nil, err
		}

		pct := 20 + 60*(i+1)/len(result.Tables)
		progress(ctx, map[string]interface{}{
			"status":        fmt.Sprintf("Imported table %s", table.TableKey),
			"pct":           pct,
			"rows_imported": totalRows,
		})
	}

	if err := e.store.MergeSchema(ctx, e.pool, commit.CommitID, schema); err != nil {
		e.publishFailed(ctx, run, err)
		return nil, err
	}
	if err := e.store.UpsertBranch(ctx, e.pool, run.DatasetID, params.TargetRef, commit.CommitID); err != nil {
		e.publishFailed(ctx, run, err)
		return nil, err
	}

	progress(ctx, map[string]interface{}{"status": "Running maintenance", "pct": 90})
	if err := e.runMaintenance(ctx, commit.CommitID, result.Tables); err != nil {
		// Maintenance failures do not invalidate the committed data.
		e.log.WithFields(logrus.Fields{
			"job_id": run.ID,
			"error":  err,
		}).Warn("Post-import maintenance failed")
	}

	progress(ctx, map[string]interface{}{"status": "Completed", "pct": 100})

	summary := map[string]interface{}{
		"commit_id":           commit.CommitID,
		"rows_imported":       totalRows,
		"tables_imported":     len(result.Tables),
		"target_ref":          params.TargetRef,
		"conversion_metadata": result.Metadata,
	}
	e.publishCompleted(ctx, run, commit.CommitID, totalRows, len(result.Tables), time.Since(start))
	return summary, nil
}

// ensureDataset registers the dataset on first import into it.
func (e *Executor) ensureDataset(ctx context.Context, run *models.AnalysisRun, filename string) error {
	_, err := e.store.GetDataset(ctx, e.pool, run.DatasetID)
	if err == nil {
		return nil
	}
	if !werrors.IsKind(err, werrors.KindNotFound) {
		return err
	}

	dataset := models.Dataset{
		ID:        run.DatasetID,
		Name:      filename,
		CreatedBy: run.UserID,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateDataset(ctx, e.pool, dataset); err != nil {
		return err
	}
	if e.bus != nil {
		ev, err := events.New(events.TypeDatasetCreated, events.AggregateDataset, dataset.ID, dataset)
		if err == nil {
			ev.UserID = &run.UserID
			e.bus.Publish(ctx, ev)
		}
	}
	return nil
}

// ingestTable routes a converted table to the sequential or parallel
// ingestion path by file size.
func (e *Executor) ingestTable(ctx context.Context, commitID string, table convert.TableOutput, progress worker.ProgressFunc) (int64, error) {
	info, err := convert.InspectParquet(table.ParquetPath)
	if err != nil {
		return 0, err
	}
	if info.FileSize > e.cfg.ParallelThresholdBytes() && len(info.RowGroupRows) > 1 {
		return e.ingestParallel(ctx, commitID, table.TableKey, table.ParquetPath, info, progress)
	}
	return e.ingestSequential(ctx, commitID, table.TableKey, table.ParquetPath, info)
}

// ingestSequential reads row groups in order on the caller's goroutine.
func (e *Executor) ingestSequential(ctx context.Context, commitID, tableKey, path string, info *convert.ParquetInfo) (int64, error) {
	var total int64
	line := int64(firstLineNumber)
	for rg := range info.RowGroupRows {
		n, err := e.ingestRowGroup(ctx, e.pool, commitID, tableKey, path, rg, line)
		if err != nil {
			return total, err
		}
		total += n
		line += info.RowGroupRows[rg]
	}
	return total, nil
}

// ingestRowGroup streams one row group through the batched insert path.
// base is the line number of the group's first row.
func (e *Executor) ingestRowGroup(ctx context.Context, q commitstore.Querier, commitID, tableKey, path string, groupIndex int, base int64) (int64, error) {
	reader, err := convert.OpenRowGroup(path, groupIndex)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	var total int64
	line := base
	buf := make([]map[string]interface{}, e.cfg.BatchSize)
	for {
		n, readErr := reader.ReadBatch(buf)
		if n > 0 {
			batch, err := e.buildBatch(tableKey, buf[:n], line)
			if err != nil {
				return total, err
			}
			if err := insertBatch(ctx, q, commitID, batch); err != nil {
				return total, err
			}
			total += int64(n)
			line += int64(n)
		}
		if readErr != nil {
			break
		}
	}
	return total, nil
}

// buildBatch canonicalises and hashes rows, assigning logical row IDs
// from consecutive line numbers.
func (e *Executor) buildBatch(tableKey string, rows []map[string]interface{}, firstLine int64) ([]rowInsert, error) {
	batch := make([]rowInsert, 0, len(rows))
	for i, row := range rows {
		hash, canonical, err := e.hasher.HashRow(row)
		if err != nil {
			return nil, fmt.Errorf("failed to hash row %d: %w", firstLine+int64(i), err)
		}
		batch = append(batch, rowInsert{
			LogicalRowID: commitstore.LogicalRowID(tableKey, firstLine+int64(i)),
			RowHash:      hash,
			Data:         canonical,
		})
	}
	return batch, nil
}

// uploadTableFile registers the converted parquet as a deduplicated
// artifact. Re-imports of identical content bump the reference count
// instead of storing a second copy.
func (e *Executor) uploadTableFile(ctx context.Context, datasetID, commitID string, table convert.TableOutput) error {
	if e.producer == nil {
		return nil
	}
	f, err := os.Open(table.ParquetPath)
	if err != nil {
		return werrors.StorageErrorf(err, "failed to open converted table %s", table.TableKey)
	}
	defer f.Close()

	compression := e.cfg.CompressionCodec
	artifact, err := e.producer.CreateArtifact(ctx, f, "parquet", artifacts.CreateOptions{
		Compression: &compression,
		Metadata: map[string]interface{}{
			"dataset_id": datasetID,
			"commit_id":  commitID,
			"table_key":  table.TableKey,
		},
	})
	if err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"table_key": table.TableKey,
		"file_id":   artifact.ID,
		"file_path": artifact.FilePath,
		"refcount":  artifact.ReferenceCount,
	}).Debug("Table file stored")
	return nil
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

func (e *Executor) publishCompleted(ctx context.Context, run *models.AnalysisRun, commitID string, rows int64, tables int, elapsed time.Duration) {
	if e.bus == nil {
		return
	}
	ev, err := events.New(events.TypeJobCompleted, events.AggregateJob, run.ID, events.JobCompletedPayload{
		CommitID:        commitID,
		RowsImported:    rows,
		TablesImported:  tables,
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
