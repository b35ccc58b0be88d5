package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Remote   RemoteConfig   `yaml:"remote"`
	Poller   PollerConfig   `yaml:"poller"`
	Queue    QueueConfig    `yaml:"queue"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int      `yaml:"port" validate:"min=1,max=65535"`
	Host        string   `yaml:"host"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds Redis connection settings. An empty URL disables Redis;
// locking then falls back to PostgreSQL advisory locks and the task queue
// is unavailable.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// IngestConfig holds ingestion limits
type IngestConfig struct {
	MaxUploadMB      int `yaml:"max_upload_mb" validate:"min=1"`
	ClaimTTLMinutes  int `yaml:"claim_ttl_minutes" validate:"min=1"`
	DownloadTimeoutS int `yaml:"download_timeout_seconds" validate:"min=1"`
}

// MaxUploadBytes returns the upload limit in bytes.
func (c IngestConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// ClaimTTL returns how long an in-flight claim is honoured before another
// worker may take the file over.
func (c IngestConfig) ClaimTTL() time.Duration {
	return time.Duration(c.ClaimTTLMinutes) * time.Minute
}

// DownloadTimeout returns the per-file remote download timeout.
func (c IngestConfig) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutS) * time.Second
}

// RemoteConfig selects and configures the remote file source
type RemoteConfig struct {
	Provider string      `yaml:"provider" validate:"omitempty,oneof=s3 drive"`
	S3       S3Config    `yaml:"s3"`
	Drive    DriveConfig `yaml:"drive"`
}

// S3Config holds S3 bucket settings for the remote source
type S3Config struct {
	Bucket     string `yaml:"bucket" validate:"required_if=Enabled true"`
	Prefix     string `yaml:"prefix"`
	Region     string `yaml:"region"`
	AWSProfile string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
	Endpoint   string `yaml:"endpoint" validate:"omitempty,url"`
	// Static keys are read from the environment only
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
	Enabled         bool   `yaml:"-"`
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c S3Config) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// DriveConfig holds Google Drive settings for the remote source
type DriveConfig struct {
	FolderID        string `yaml:"folder_id" validate:"required_if=Enabled true"`
	CredentialsFile string `yaml:"credentials_file"`
	CredentialsJSON string `yaml:"-"`
	Enabled         bool   `yaml:"-"`
}

// PollerConfig holds remote polling configuration
type PollerConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalMinutes int  `yaml:"interval_minutes" validate:"min=1"`
	LockTTLSeconds  int  `yaml:"lock_ttl_seconds" validate:"min=1"`
}

// Interval returns the polling interval as a duration
func (c PollerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// LockTTL returns the poll-cycle lock lifetime
func (c PollerConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// QueueConfig holds task queue settings
type QueueConfig struct {
	Name                string `yaml:"name"`
	Workers             int    `yaml:"workers" validate:"min=1"`
	MaxAttempts         int    `yaml:"max_attempts" validate:"min=1"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds" validate:"min=1"`
	StatusTTLHours      int    `yaml:"status_ttl_hours" validate:"min=1"`
}

// PollInterval returns the idle wait between queue polls
func (c QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StatusTTL returns how long task status entries are retained
func (c QueueConfig) StatusTTL() time.Duration {
	return time.Duration(c.StatusTTLHours) * time.Hour
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level     string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format    string `yaml:"format" validate:"omitempty,oneof=json console"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is on (default true).
func (c LoggingConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

var validate = validator.New()

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"http://localhost:3000"}
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Ingest.MaxUploadMB == 0 {
		cfg.Ingest.MaxUploadMB = 50
	}
	if cfg.Ingest.ClaimTTLMinutes == 0 {
		cfg.Ingest.ClaimTTLMinutes = 30
	}
	if cfg.Ingest.DownloadTimeoutS == 0 {
		cfg.Ingest.DownloadTimeoutS = 120
	}
	if cfg.Remote.Provider == "" {
		cfg.Remote.Provider = "drive"
	}
	if cfg.Remote.S3.Region == "" {
		cfg.Remote.S3.Region = "us-east-1"
	}
	if cfg.Poller.IntervalMinutes == 0 {
		cfg.Poller.IntervalMinutes = 15
	}
	if cfg.Poller.LockTTLSeconds == 0 {
		cfg.Poller.LockTTLSeconds = 300
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "drive-sync"
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 2
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.PollIntervalSeconds == 0 {
		cfg.Queue.PollIntervalSeconds = 2
	}
	if cfg.Queue.StatusTTLHours == 0 {
		cfg.Queue.StatusTTLHours = 24
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		// Heroku-style scheme
		if strings.HasPrefix(v, "postgres://") {
			v = "postgresql://" + strings.TrimPrefix(v, "postgres://")
		}
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("REMOTE_PROVIDER"); v != "" {
		cfg.Remote.Provider = v
	}
	if v := os.Getenv("INGEST_S3_BUCKET"); v != "" {
		cfg.Remote.S3.Bucket = v
	}
	if v := os.Getenv("INGEST_S3_REGION"); v != "" {
		cfg.Remote.S3.Region = v
	}
	if v := os.Getenv("INGEST_S3_ENDPOINT"); v != "" {
		cfg.Remote.S3.Endpoint = v
	}
	cfg.Remote.S3.AccessKeyID = os.Getenv("INGEST_S3_ACCESS_KEY_ID")
	cfg.Remote.S3.SecretAccessKey = os.Getenv("INGEST_S3_SECRET_ACCESS_KEY")
	if v := os.Getenv("GOOGLE_DRIVE_FOLDER_ID"); v != "" {
		cfg.Remote.Drive.FolderID = v
	}
	if v := os.Getenv("GOOGLE_DRIVE_CREDENTIALS_FILE"); v != "" {
		cfg.Remote.Drive.CredentialsFile = v
	}
	if v := os.Getenv("GOOGLE_DRIVE_CREDENTIALS"); v != "" && v != "{}" {
		cfg.Remote.Drive.CredentialsJSON = v
	}
	if v := os.Getenv("GOOGLE_DRIVE_CHECK_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Poller.IntervalMinutes = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}

	return cfg, nil
}

// Validate checks the loaded configuration. Only the selected remote
// provider's settings are required.
func (c *Config) Validate() error {
	c.Remote.S3.Enabled = c.Remote.Provider == "s3"
	c.Remote.Drive.Enabled = c.Remote.Provider == "drive"
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
