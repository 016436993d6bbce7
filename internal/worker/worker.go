package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/workbench-io/workbench-go/internal/cache"
	"github.com/workbench-io/workbench-go/internal/config"
	"github.com/workbench-io/workbench-go/internal/models"
)

// progressKeyPrefix namespaces the Redis mirror of job progress.
const progressKeyPrefix = "wkbh:progress:"

// recoveryAction decides what to do with a running row found at
// startup.
type recoveryAction int

const (
	actionRequeue recoveryAction = iota
	actionFail
)

// interruptedMessage is recorded on runs abandoned past the recovery
// timeout.
const interruptedMessage = "interrupted by server restart"

// Worker polls the jobs table and dispatches runs to registered
// executors.
type Worker struct {
	store    *Store
	registry *Registry
	cache    *cache.Client
	cfg      config.WorkerConfig
	log      *logrus.Entry
}

// New wires a worker. The cache client is optional; without it
// progress is only visible through the database.
func New(pool *pgxpool.Pool, registry *Registry, cacheClient *cache.Client, cfg config.WorkerConfig) *Worker {
	return &Worker{
		store:    NewStore(pool),
		registry: registry,
		cache:    cacheClient,
		cfg:      cfg,
		log:      logrus.WithField("component", "worker"),
	}
}

// Store exposes the job store for CLI surfaces sharing the pool.
func (w *Worker) Store() *Store {
	return w.store
}

// Run recovers interrupted jobs, then serves the queue until the
// context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.recover(ctx); err != nil {
		return err
	}

	concurrency := w.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.WithFields(logrus.Fields{
		"concurrency":   concurrency,
		"poll_interval": w.cfg.PollInterval().String(),
	}).Info("Worker started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error { return w.loop(gctx) })
	}
	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// recover classifies running rows left over from a previous process.
// Stale rows fail; fresh ones go back to the pending queue.
func (w *Worker) recover(ctx context.Context) error {
	running, err := w.store.ListRunning(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, run := range running {
		switch classifyInterrupted(run, now, w.cfg.RecoveryTimeout()) {
		case actionFail:
			w.log.WithFields(logrus.Fields{
				"job_id":   run.ID,
				"run_type": run.RunType,
			}).Warn("Failing job abandoned past recovery timeout")
			if err := w.store.Fail(ctx, run.ID, interruptedMessage, 0); err != nil {
				return err
			}
		case actionRequeue:
			w.log.WithFields(logrus.Fields{
				"job_id":   run.ID,
				"run_type": run.RunType,
			}).Info("Requeueing interrupted job")
			if err := w.store.Requeue(ctx, run.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// classifyInterrupted applies the recovery timeout to one run.
func classifyInterrupted(run *models.AnalysisRun, now time.Time, timeout time.Duration) recoveryAction {
	if now.Sub(run.RunTimestamp) > timeout {
		return actionFail
	}
	return actionRequeue
}

func (w *Worker) loop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval())
	defer ticker.Stop()

	for {
		run, err := w.store.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.WithField("error", err.Error()).Error("Failed to claim job")
		}
		if run != nil {
			w.execute(ctx, run)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// execute dispatches one claimed run and records its terminal state.
// Executor panics are contained so a bad job cannot take the worker
// down.
func (w *Worker) execute(ctx context.Context, run *models.AnalysisRun) {
	start := time.Now()
	log := w.log.WithFields(logrus.Fields{
		"job_id":   run.ID,
		"run_type": run.RunType,
	})

	exec, jobType, err := w.registry.Resolve(run)
	if err != nil {
		log.WithField("error", err.Error()).Error("No executor for job")
		w.finishFailed(ctx, run, err, start)
		return
	}
	log = log.WithField("job_type", jobType)
	log.Info("Job started")

	summary, err := func() (out map[string]interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("executor panic: %v", r)
			}
		}()
		return exec.Execute(ctx, run, w.progressFunc(run.ID))
	}()
	if err != nil {
		log.WithField("error", err.Error()).Error("Job failed")
		w.finishFailed(ctx, run, err, start)
		return
	}

	if err := w.store.Complete(ctx, run.ID, summary, time.Since(start).Milliseconds()); err != nil {
		log.WithField("error", err.Error()).Error("Failed to record job completion")
		return
	}
	w.clearProgress(run.ID)
	log.WithField("execution_ms", time.Since(start).Milliseconds()).Info("Job completed")
}

func (w *Worker) finishFailed(ctx context.Context, run *models.AnalysisRun, cause error, start time.Time) {
	// Terminal updates must land even when the job context is gone.
	updateCtx := ctx
	if updateCtx.Err() != nil {
		var cancel context.CancelFunc
		updateCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := w.store.Fail(updateCtx, run.ID, cause.Error(), time.Since(start).Milliseconds()); err != nil {
		w.log.WithFields(logrus.Fields{
			"job_id": run.ID,
			"error":  err.Error(),
		}).Error("Failed to record job failure")
	}
	w.clearProgress(run.ID)
}

// progressFunc builds the callback executors report through. Progress
// lands in run_parameters.progress and is mirrored to Redis for cheap
// polling.
func (w *Worker) progressFunc(jobID string) ProgressFunc {
	return func(ctx context.Context, fields map[string]interface{}) error {
		if err := w.store.MergeProgress(ctx, jobID, fields); err != nil {
			return err
		}
		if w.cache != nil {
			if err := w.cache.SetWithTTL(ctx, progressKeyPrefix+jobID, fields, time.Hour); err != nil {
				w.log.WithFields(logrus.Fields{
					"job_id": jobID,
					"error":  err.Error(),
				}).Warn("Failed to mirror progress to cache")
			}
		}
		return nil
	}
}

func (w *Worker) clearProgress(jobID string) {
	if w.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.cache.Delete(ctx, progressKeyPrefix+jobID); err != nil {
		w.log.WithFields(logrus.Fields{
			"job_id": jobID,
			"error":  err.Error(),
		}).Warn("Failed to clear cached progress")
	}
}
