package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"orders2sheet/internal/recovery"
)

// Config represents the application configuration
type Config struct {
	Source   Source   `yaml:"source"`
	Sync     Sync     `yaml:"sync"`
	Recovery Recovery `yaml:"recovery"`
	Metrics  Metrics  `yaml:"metrics"`
	LogLevel string   `yaml:"log_level"`
}

// Source configures the remote order API
type Source struct {
	BaseURL        string        `yaml:"base_url"`
	APIToken       string        `yaml:"api_token"`
	Timeout        time.Duration `yaml:"timeout"`
	KeyField       string        `yaml:"key_field"`
	TimestampField string        `yaml:"timestamp_field"`
}

// Sync configures fetching, batching and checkpointing
type Sync struct {
	PageSize         int           `yaml:"page_size"`
	MaxRecords       int           `yaml:"max_records"`
	BatchSize        int           `yaml:"batch_size"`
	MinBatchSize     int           `yaml:"min_batch_size"`
	MaxBatchSize     int           `yaml:"max_batch_size"`
	Retries          int           `yaml:"retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	StateDir         string        `yaml:"state_dir"`
	Destination      string        `yaml:"destination"`
	Columns          []string      `yaml:"columns"`
	ReplaceExisting  bool          `yaml:"replace_existing"`
	ConflictStrategy string        `yaml:"conflict_strategy"`
	DateFrom         string        `yaml:"date_from"`
	DateTo           string        `yaml:"date_to"`
	Status           string        `yaml:"status"`
	ShowProgress     bool          `yaml:"show_progress"`
	DryRun           bool          `yaml:"dry_run"`
}

// Recovery configures snapshots, rollback and the audit trail
type Recovery struct {
	SnapshotDir       string            `yaml:"snapshot_dir"`
	SnapshotRetention int               `yaml:"snapshot_retention"`
	SnapshotBackend   string            `yaml:"snapshot_backend"` // "fs" or "s3"
	S3                recovery.S3Config `yaml:"s3"`
	AuditDB           string            `yaml:"audit_db"`
	PreSyncSnapshot   bool              `yaml:"pre_sync_snapshot"`
}

// Metrics configures the Prometheus endpoint
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load loads configuration from .env, file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel: "info",
		Source: Source{
			Timeout:        30 * time.Second,
			KeyField:       "order_id",
			TimestampField: "updated_at",
		},
		Sync: Sync{
			PageSize:         100,
			BatchSize:        50,
			MinBatchSize:     10,
			MaxBatchSize:     200,
			Retries:          3,
			RetryBackoff:     time.Second,
			StateDir:         "./state",
			Destination:      "./orders.csv",
			Columns:          []string{"order_id", "customer", "amount", "status", "updated_at"},
			ConflictStrategy: "source_wins",
			ShowProgress:     true,
		},
		Recovery: Recovery{
			SnapshotDir:       "./snapshots",
			SnapshotRetention: 5,
			SnapshotBackend:   "fs",
			AuditDB:           "./audit.db",
			PreSyncSnapshot:   true,
		},
		Metrics: Metrics{Addr: ":9090"},
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Secrets come from the environment when not set elsewhere
	if cfg.Source.APIToken == "" {
		cfg.Source.APIToken = os.Getenv("ORDERS_API_TOKEN")
	}

	// Override with command line flags
	if err := loadFromFlags(cfg, flags); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}

	if flags.Changed("api-url") {
		cfg.Source.BaseURL, _ = flags.GetString("api-url")
	}
	if flags.Changed("api-token") {
		cfg.Source.APIToken, _ = flags.GetString("api-token")
	}

	if flags.Changed("page-size") {
		cfg.Sync.PageSize, _ = flags.GetInt("page-size")
	}
	if flags.Changed("max-records") {
		cfg.Sync.MaxRecords, _ = flags.GetInt("max-records")
	}
	if flags.Changed("batch-size") {
		cfg.Sync.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("retries") {
		cfg.Sync.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("state-dir") {
		cfg.Sync.StateDir, _ = flags.GetString("state-dir")
	}
	if flags.Changed("output") {
		cfg.Sync.Destination, _ = flags.GetString("output")
	}
	if flags.Changed("replace") {
		cfg.Sync.ReplaceExisting, _ = flags.GetBool("replace")
	}
	if flags.Changed("conflict-strategy") {
		cfg.Sync.ConflictStrategy, _ = flags.GetString("conflict-strategy")
	}
	if flags.Changed("date-from") {
		cfg.Sync.DateFrom, _ = flags.GetString("date-from")
	}
	if flags.Changed("date-to") {
		cfg.Sync.DateTo, _ = flags.GetString("date-to")
	}
	if flags.Changed("status") {
		cfg.Sync.Status, _ = flags.GetString("status")
	}
	if flags.Changed("dry-run") {
		cfg.Sync.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Changed("show-progress") {
		cfg.Sync.ShowProgress, _ = flags.GetBool("show-progress")
	}

	if flags.Changed("snapshot-dir") {
		cfg.Recovery.SnapshotDir, _ = flags.GetString("snapshot-dir")
	}
	if flags.Changed("snapshot-retention") {
		cfg.Recovery.SnapshotRetention, _ = flags.GetInt("snapshot-retention")
	}
	if flags.Changed("audit-db") {
		cfg.Recovery.AuditDB, _ = flags.GetString("audit-db")
	}

	if flags.Changed("metrics") {
		cfg.Metrics.Enabled, _ = flags.GetBool("metrics")
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source base_url is required")
	}

	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Sync.MinBatchSize <= 0 || c.Sync.MaxBatchSize < c.Sync.MinBatchSize {
		return fmt.Errorf("batch size bounds are invalid")
	}
	if c.Sync.BatchSize < c.Sync.MinBatchSize || c.Sync.BatchSize > c.Sync.MaxBatchSize {
		return fmt.Errorf("batch size %d is outside bounds [%d, %d]",
			c.Sync.BatchSize, c.Sync.MinBatchSize, c.Sync.MaxBatchSize)
	}
	if c.Sync.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if len(c.Sync.Columns) == 0 {
		return fmt.Errorf("at least one destination column is required")
	}
	if c.Sync.Destination == "" {
		return fmt.Errorf("destination path is required")
	}

	switch c.Sync.ConflictStrategy {
	case "source_wins", "destination_wins", "newer_timestamp_wins", "manual_review":
	default:
		return fmt.Errorf("unknown conflict strategy %q", c.Sync.ConflictStrategy)
	}

	switch c.Recovery.SnapshotBackend {
	case "fs":
	case "s3":
		if c.Recovery.S3.Endpoint == "" || c.Recovery.S3.Bucket == "" {
			return fmt.Errorf("s3 snapshot backend requires endpoint and bucket")
		}
	default:
		return fmt.Errorf("unknown snapshot backend %q", c.Recovery.SnapshotBackend)
	}

	return nil
}
