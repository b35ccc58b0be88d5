package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/fandom-ingest/internal/bootstrap"
	"github.com/ignite/fandom-ingest/internal/config"
	"github.com/ignite/fandom-ingest/internal/ingest"
	"github.com/ignite/fandom-ingest/internal/pkg/distlock"
	"github.com/ignite/fandom-ingest/internal/pkg/logger"
	"github.com/ignite/fandom-ingest/internal/repository/postgres"
	"github.com/ignite/fandom-ingest/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	bootstrap.InitLogger(cfg.Logging)
	logger.Info("starting ingest worker", "provider", cfg.Remote.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := bootstrap.OpenDB(ctx, cfg.Database)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := bootstrap.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Error("redis unavailable", "error", err)
		os.Exit(1)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	source, err := bootstrap.NewSource(ctx, cfg)
	if err != nil {
		logger.Error("remote source unavailable", "error", err)
		os.Exit(1)
	}

	repo := postgres.NewUploadRepo(db)
	ingester := ingest.NewIngester(repo, source, bootstrap.IngestOptions(cfg.Ingest))
	lock := distlock.NewLock(rdb, db, "poll:"+source.Name(), cfg.Poller.LockTTL())

	q := bootstrap.NewQueue(rdb, cfg.Queue)

	var dispatcher worker.Dispatcher
	if q != nil {
		dispatcher = worker.QueueDispatcher{Queue: q}
	} else {
		// Without Redis, files are ingested inline by the poll cycle.
		logger.Warn("no task queue configured, ingesting inline")
		dispatcher = worker.DirectDispatcher{Ingester: ingester, DownloadTimeout: cfg.Ingest.DownloadTimeout()}
	}

	poller := worker.NewPoller(source, repo, dispatcher, worker.PollerConfig{
		Interval: cfg.Poller.Interval(),
		Lock:     lock,
	})

	var runner *worker.Runner
	if q != nil {
		runner = worker.NewRunner(q, worker.RunnerConfig{
			Workers:      cfg.Queue.Workers,
			PollInterval: cfg.Queue.PollInterval(),
		})
		runner.Handle(worker.TaskRemoteCheck, worker.RemoteCheckHandler(poller))
		runner.Handle(worker.TaskProcessFile, worker.ProcessFileHandler(ingester, cfg.Ingest.DownloadTimeout()))
		if err := runner.Start(ctx); err != nil {
			logger.Error("task runner failed to start", "error", err)
			os.Exit(1)
		}
	}

	if cfg.Poller.Enabled {
		poller.Start()
	} else {
		logger.Info("scheduled polling disabled, serving on-demand checks only")
	}

	<-ctx.Done()
	logger.Info("shutting down worker")

	poller.Stop()
	if runner != nil {
		runner.Stop()
	}
	logger.Info("worker stopped", "polls", poller.Stats()["total_polls"])
}
