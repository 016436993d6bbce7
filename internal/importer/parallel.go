package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/workbench-io/workbench-go/internal/convert"
	"github.com/workbench-io/workbench-go/internal/worker"
)

// rowGroupTask is one unit of parallel work. Base is the line number of
// the group's first row, derived from the sizes of all preceding
// groups, so logical row IDs reflect source order no matter which
// worker processes the group.
type rowGroupTask struct {
	Index int
	Base  int64
}

// planRowGroups assigns line-number bases across row groups.
func planRowGroups(rowGroupRows []int64) []rowGroupTask {
	tasks := make([]rowGroupTask, len(rowGroupRows))
	base := int64(firstLineNumber)
	for i, n := range rowGroupRows {
		tasks[i] = rowGroupTask{Index: i, Base: base}
		base += n
	}
	return tasks
}

// ingestParallel fans row groups out across a bounded worker pool. Each
// worker holds a dedicated connection with its own temp staging table,
// bulk-copies each batch into it, then runs the two-stage upsert in a
// per-batch transaction. Progress counts flow back on a channel that
// the coordinator drains into the job's progress document.
func (e *Executor) ingestParallel(ctx context.Context, commitID, tableKey, path string, info *convert.ParquetInfo, progress worker.ProgressFunc) (int64, error) {
	tasks := make(chan rowGroupTask, len(info.RowGroupRows))
	for _, t := range planRowGroups(info.RowGroupRows) {
		tasks <- t
	}
	close(tasks)

	counts := make(chan int64, e.cfg.ParallelWorkers*4)
	var total int64

	g, gctx := errgroup.WithContext(ctx)

	// Coordinator: drain progress counts without blocking workers.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := range counts {
			t := atomic.AddInt64(&total, n)
			progress(ctx, map[string]interface{}{
				"status":        fmt.Sprintf("Importing %s", tableKey),
				"rows_imported": t,
			})
		}
	}()

	workers := e.cfg.ParallelWorkers
	if workers < 1 {
		workers = 1
	}
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			return e.runIngestWorker(gctx, commitID, tableKey, path, tasks, counts)
		})
	}

	err := g.Wait()
	close(counts)
	<-done
	if err != nil {
		return atomic.LoadInt64(&total), err
	}
	return atomic.LoadInt64(&total), nil
}

// runIngestWorker processes row groups until the task channel drains.
func (e *Executor) runIngestWorker(ctx context.Context, commitID, tableKey, path string, tasks <-chan rowGroupTask, counts chan<- int64) error {
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire import connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
		CREATE TEMP TABLE IF NOT EXISTS staging_import (
			logical_row_id TEXT NOT NULL,
			row_hash TEXT NOT NULL,
			data JSONB NOT NULL
		) ON COMMIT PRESERVE ROWS
	`)
	if err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}

	for task := range tasks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := e.ingestRowGroupStaged(ctx, conn, commitID, tableKey, path, task)
		if err != nil {
			return err
		}
		counts <- n
		logrus.WithFields(logrus.Fields{
			"table_key": tableKey,
			"row_group": task.Index,
			"rows":      n,
		}).Debug("Row group ingested")
	}
	return nil
}

// txBeginner is the slice of *pgxpool.Conn the staged path needs.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ingestRowGroupStaged streams one row group through the staging table
// in batches, each under its own transaction. Back-pressure comes from
// awaiting the batch commit before reading further.
func (e *Executor) ingestRowGroupStaged(ctx context.Context, conn txBeginner, commitID, tableKey, path string, task rowGroupTask) (int64, error) {
	reader, err := convert.OpenRowGroup(path, task.Index)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	var total int64
	line := task.Base
	buf := make([]map[string]interface{}, e.cfg.BatchSize)
	for {
		n, readErr := reader.ReadBatch(buf)
		if n > 0 {
			batch, err := e.buildBatch(tableKey, buf[:n], line)
			if err != nil {
				return total, err
			}
			if err := stageBatch(ctx, conn, commitID, batch); err != nil {
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

// stageBatch copies a batch into the session staging table and promotes
// it into rows and commit_rows inside one transaction.
func stageBatch(ctx context.Context, conn txBeginner, commitID string, batch []rowInsert) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin staging tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE staging_import`); err != nil {
		return fmt.Errorf("failed to truncate staging table: %w", err)
	}

	rows := make([][]any, len(batch))
	for i, r := range batch {
		rows[i] = []any{r.LogicalRowID, r.RowHash, json.RawMessage(r.Data)}
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"staging_import"},
		[]string{"logical_row_id", "row_hash", "data"}, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy batch into staging: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO core.rows (row_hash, data)
		SELECT DISTINCT ON (row_hash) row_hash, data FROM staging_import
		ON CONFLICT (row_hash) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to promote staged rows: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO core.commit_rows (commit_id, logical_row_id, row_hash)
		SELECT $1, logical_row_id, row_hash FROM staging_import
		ON CONFLICT (commit_id, logical_row_id) DO NOTHING
	`, commitID)
	if err != nil {
		return fmt.Errorf("failed to attach staged rows: %w", err)
	}

	return tx.Commit(ctx)
}
