package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/okian/proxynas/internal/adapters/http/api"
	"github.com/okian/proxynas/internal/adapters/mq/queue"
	"github.com/okian/proxynas/internal/adapters/mq/worker"
	"github.com/okian/proxynas/internal/adapters/oracle"
	"github.com/okian/proxynas/internal/adapters/repository"
	"github.com/okian/proxynas/internal/adapters/simulate"
	"github.com/okian/proxynas/internal/app"
	"github.com/okian/proxynas/internal/config"
	"github.com/okian/proxynas/internal/domain/dataset"
	"github.com/okian/proxynas/internal/domain/training"
	"github.com/okian/proxynas/pkg/logger"
	"github.com/okian/proxynas/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout           = 10 * time.Second
	writeTimeout          = 10 * time.Second
	idleTimeout           = 60 * time.Second
	readHeaderTimeout     = 5 * time.Second
	shutdownTimeout       = 30 * time.Second
	systemMetricsInterval = 10 * time.Second
	recorderWorkers       = 2
)

func main() {
	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	log := logger.Get()

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "search failed", logger.Error(err))
		stop()
		os.Exit(1) //nolint:gocritic // exitAfterDefer: stop and Sync already ran or are best effort
	}
}

// run wires the collaborators, serves the status API while the search runs
// and tears everything down afterwards.
func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	table, err := oracle.Load(ctx, cfg.OracleLocation())
	if err != nil {
		return err
	}
	log.Info(ctx, "benchmark loaded", logger.String("location", cfg.OracleLocation()), logger.Int("archs", table.Size()))

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error(ctx, "closing result store", logger.Error(err))
		}
	}()

	events := queue.NewInMemoryQueue(queue.WithCapacity(cfg.QueueSize))
	pool := worker.NewPool(recorderWorkers, events, store)
	pool.Start(ctx)
	searcher := newSearcher(cfg, table, events)

	go startSystemMetricsUpdater(ctx)

	var srv *http.Server
	if cfg.Addr != "" {
		srv = &http.Server{
			Addr:              cfg.Addr,
			Handler:           api.NewServer(store, searcher, api.WithMaxLimit(cfg.MaxLeaderboardLimit)).Router(),
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
		}
		go func() {
			log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(ctx, "HTTP server failed", logger.Error(err))
			}
		}()
	}

	res, searchErr := searcher.Search(ctx, searchRequest(cfg))
	if searchErr == nil {
		log.Info(ctx, "search result",
			logger.String("run_id", res.RunID),
			logger.Int("sampled", len(res.Sampled)),
			logger.Int("abandoned", len(res.Abandoned)),
			logger.Any("best_trains", res.BestTrains),
			logger.Any("best_tests", res.BestTests),
			logger.Any("post_best_tests", res.PostBestTests),
			logger.Any("best_test_overall", res.BestTestOverall),
		)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "recorder shutdown failed", logger.Error(err))
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(ctx, "server shutdown failed", logger.Error(err))
		}
		log.Info(ctx, "server stopped")
	}
	return searchErr
}

func newStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	if cfg.Store.Driver == "mysql" {
		s, err := repository.OpenMySQL(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return repository.NewMemoryStore(), nil
}

func newSearcher(cfg *config.Config, table *oracle.Table, events *queue.InMemoryQueue) *app.Searcher {
	builder := simulate.NewModelBuilder(table,
		simulate.WithSeed(cfg.Seed),
		simulate.WithProfile(cfg.Oracle.HPProfile),
		simulate.WithEpochLatency(time.Duration(cfg.Simulation.EpochLatencyMS)*time.Millisecond),
		simulate.WithJitter(time.Duration(cfg.Simulation.JitterMS)*time.Millisecond),
	)
	provider := simulate.NewProvider(simulate.WithSamples(cfg.Simulation.Samples))
	return app.NewSearcher(builder, table, provider,
		app.WithSeed(cfg.Seed),
		app.WithHPProfile(cfg.Oracle.HPProfile),
		app.WithPublisher(events),
	)
}

func searchRequest(cfg *config.Config) app.SearchRequest {
	return app.SearchRequest{
		MaxModels:            cfg.MaxNumModels,
		RatioFastestDuration: cfg.RatioFastestDuration,
		Loader: dataset.LoaderConfig{
			DataRoot:         cfg.DataRootPath(),
			Dataset:          cfg.Loader.Name,
			TrainBatch:       cfg.Loader.TrainBatch,
			ValBatch:         cfg.Loader.ValBatch,
			ValRatio:         cfg.Loader.ValRatio,
			Seed:             cfg.Seed,
			FreezeTrainBatch: cfg.Loader.FreezeTrainBatch,
		},
		Trainer: training.Config{
			Epochs:           cfg.Trainer.Epochs,
			Top1AccThreshold: cfg.Trainer.Top1AccThreshold,
		},
		FreezeTrainer: training.Config{
			Epochs:                cfg.FreezeTrainer.Epochs,
			IdentifiersToUnfreeze: cfg.FreezeTrainer.IdentifiersToUnfreeze,
		},
		PostTrainer: training.Config{Epochs: cfg.PostTrainer.Epochs},
	}
}

// startSystemMetricsUpdater updates system metrics until ctx ends.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())
}
