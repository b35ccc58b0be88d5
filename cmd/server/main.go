package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/fandom-ingest/internal/api"
	"github.com/ignite/fandom-ingest/internal/bootstrap"
	"github.com/ignite/fandom-ingest/internal/config"
	"github.com/ignite/fandom-ingest/internal/ingest"
	"github.com/ignite/fandom-ingest/internal/pkg/logger"
	"github.com/ignite/fandom-ingest/internal/repository/postgres"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := bootstrap.OpenDB(ctx, cfg.Database)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	rdb, err := bootstrap.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		// Manual uploads still work; drive-check answers 503.
		logger.Warn("redis unavailable, background tasks disabled", "error", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}
	q := bootstrap.NewQueue(rdb, cfg.Queue)

	repo := postgres.NewUploadRepo(db)
	ingester := ingest.NewIngester(repo, nil, bootstrap.IngestOptions(cfg.Ingest))

	deps := api.Deps{Ingester: ingester, Uploads: repo}
	if q != nil {
		deps.Tasks = q
		deps.Health = api.NewHealthChecker(db, rdb, q)
	} else {
		deps.Health = api.NewHealthChecker(db, nil, nil)
	}

	server := api.NewServer(cfg.Server.Addr(), deps, api.RouteOptions{
		CORSOrigins:    cfg.Server.CORSOrigins,
		MaxUploadBytes: cfg.Ingest.MaxUploadBytes(),
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("server stopped")
}
