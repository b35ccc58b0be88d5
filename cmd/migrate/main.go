package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/fandom-ingest/internal/bootstrap"
	"github.com/ignite/fandom-ingest/internal/config"
	"github.com/ignite/fandom-ingest/internal/pkg/logger"
	"github.com/ignite/fandom-ingest/internal/repository/postgres"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	dir := flag.String("dir", "migrations", "migrations directory")
	listOnly := flag.Bool("list", false, "list migration files and exit")
	flag.Parse()

	fsys := os.DirFS(*dir)
	if *listOnly {
		files, err := postgres.MigrationFiles(fsys, ".")
		if err != nil {
			logger.Error("list migrations failed", "error", err)
			os.Exit(1)
		}
		for _, f := range files {
			fmt.Println(" ", f)
		}
		fmt.Printf("Total: %d migrations\n", len(files))
		return
	}

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
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

	done, err := postgres.Migrate(ctx, db, fsys, ".")
	if err != nil {
		logger.Error("migration failed", "applied", len(done), "error", err)
		os.Exit(1)
	}
	logger.Info("migrations complete", "applied", len(done))
}
