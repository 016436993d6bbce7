package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/workbench-io/workbench-go/internal/cache"
	"github.com/workbench-io/workbench-go/internal/commitstore"
	"github.com/workbench-io/workbench-go/internal/database"
	"github.com/workbench-io/workbench-go/internal/eda"
	"github.com/workbench-io/workbench-go/internal/events"
	"github.com/workbench-io/workbench-go/internal/importer"
	"github.com/workbench-io/workbench-go/internal/models"
	"github.com/workbench-io/workbench-go/internal/objectstore"
	"github.com/workbench-io/workbench-go/internal/sampling"
	"github.com/workbench-io/workbench-go/internal/transform"
	"github.com/workbench-io/workbench-go/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background job worker",
	Long: `Polls the jobs table, recovers runs interrupted by a previous
process, and dispatches import, sampling, sql_transform, and
exploration jobs to their executors.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewClient(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	backend, err := objectstore.FromConfig(cfg.Storage)
	if err != nil {
		return err
	}

	var cacheClient *cache.Client
	if cfg.Cache.Enabled {
		cacheClient, err = cache.NewClient(ctx, cfg.Cache.Host, cfg.Cache.Port, cfg.Cache.Password)
		if err != nil {
			logger.WithError(err).Warn("Cache unavailable, continuing without it")
		} else {
			defer cacheClient.Close()
		}
	}

	bus, eventStore, err := buildBus(cacheClient)
	if err != nil {
		return err
	}
	if eventStore != nil {
		defer eventStore.Close()
	}

	pool := db.Pool()
	store := commitstore.New(pool)

	registry := worker.NewRegistry()
	registry.Register(string(models.RunTypeImport),
		importer.NewExecutor(pool, store, backend, bus, cfg.Import))
	registry.Register(string(models.RunTypeSampling),
		sampling.NewExecutor(pool, store, backend, bus, cfg.Sampling, cfg.Import.CompressionCodec))
	registry.Register(string(models.RunTypeSQLTransform),
		transform.NewExecutor(pool, store, bus))
	registry.Register(string(models.RunTypeExploration),
		eda.NewExecutor(pool, store, bus))

	w := worker.New(pool, registry, cacheClient, cfg.Worker)

	logger.Info("Starting worker")
	return w.Run(ctx)
}

// buildBus wires the event bus with persistence when configured, plus
// the audit, cache-invalidation, and notification handlers.
func buildBus(cacheClient *cache.Client) (*events.Bus, *events.Store, error) {
	var eventStore *events.Store
	if cfg.Events.Persist && cfg.DB.DSN != "" {
		var err error
		eventStore, err = events.NewStore(cfg.DB.DSN)
		if err != nil {
			return nil, nil, err
		}
	}

	var bus *events.Bus
	if eventStore != nil {
		bus = events.NewBus(eventStore, eventStore)
		bus.Subscribe(events.NewAuditHandler(eventStore.DB()))
	} else {
		bus = events.NewBus(nil, nil)
	}
	bus.Use(events.CorrelationMiddleware())
	if cacheClient != nil {
		bus.Subscribe(events.NewCacheInvalidationHandler(cacheClient))
	}
	bus.Subscribe(events.NewNotificationHandler(logger))
	return bus, eventStore, nil
}
