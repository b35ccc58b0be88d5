// Package bootstrap builds the shared runtime dependencies of the server
// and worker binaries from config.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/fandom-ingest/internal/config"
	"github.com/ignite/fandom-ingest/internal/ingest"
	"github.com/ignite/fandom-ingest/internal/pkg/logger"
	"github.com/ignite/fandom-ingest/internal/queue"
	"github.com/ignite/fandom-ingest/internal/remote"
)

// InitLogger applies the logging section.
func InitLogger(cfg config.LoggingConfig) {
	logger.Init(logger.Config{
		Level:     cfg.Level,
		Format:    cfg.Format,
		RedactPII: cfg.Redact(),
	})
}

// OpenDB opens and pings PostgreSQL.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("database url is required")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// OpenRedis connects to Redis. It returns nil, nil when no URL is set.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		// bare host:port
		opts = &redis.Options{Addr: cfg.URL}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewQueue builds the task queue, or nil without Redis.
func NewQueue(rdb *redis.Client, cfg config.QueueConfig) *queue.Queue {
	if rdb == nil {
		return nil
	}
	return queue.New(rdb, queue.Config{
		Name:        cfg.Name,
		MaxAttempts: cfg.MaxAttempts,
		StatusTTL:   cfg.StatusTTL(),
	})
}

// NewSource builds the configured remote source.
func NewSource(ctx context.Context, cfg *config.Config) (remote.Source, error) {
	maxBytes := cfg.Ingest.MaxUploadBytes()
	switch cfg.Remote.Provider {
	case "s3":
		src, err := remote.NewS3Source(ctx, remote.S3Config{
			Bucket:          cfg.Remote.S3.Bucket,
			Prefix:          cfg.Remote.S3.Prefix,
			Region:          cfg.Remote.S3.Region,
			AWSProfile:      cfg.Remote.S3.GetAWSProfile(),
			AccessKeyID:     cfg.Remote.S3.AccessKeyID,
			SecretAccessKey: cfg.Remote.S3.SecretAccessKey,
			Endpoint:        cfg.Remote.S3.Endpoint,
			MaxBytes:        maxBytes,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	case "drive":
		src, err := remote.NewDriveSource(ctx, remote.DriveConfig{
			FolderID:        cfg.Remote.Drive.FolderID,
			CredentialsFile: cfg.Remote.Drive.CredentialsFile,
			CredentialsJSON: cfg.Remote.Drive.CredentialsJSON,
			MaxBytes:        maxBytes,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown remote provider %q", cfg.Remote.Provider)
	}
}

// IngestOptions maps the ingest section onto ingest.Options.
func IngestOptions(cfg config.IngestConfig) ingest.Options {
	return ingest.Options{
		ClaimTTL:       cfg.ClaimTTL(),
		MaxUploadBytes: cfg.MaxUploadBytes(),
	}
}
