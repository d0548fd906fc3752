// Package config handles loading and parsing of ossgate configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for ossgate.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Auth        AuthConfig        `yaml:"auth"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Regions     []RegionConfig    `yaml:"regions"`
	Transfer    TransferConfig    `yaml:"transfer"`
	Quota       QuotaConfig       `yaml:"quota"`
	Replication ReplicationConfig `yaml:"replication"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown budget in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxUploadSize caps the multipart/form-data body of upload_file in bytes.
	MaxUploadSize int64 `yaml:"max_upload_size"`
}

// LoggingConfig holds zerolog settings.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
}

// AuthConfig holds token signing settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
	// TokenTTL is the lifetime of issued tokens, e.g. "12h".
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// CatalogConfig holds catalog store settings.
type CatalogConfig struct {
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig holds SQLite-specific catalog settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// RegionConfig describes one backing store region.
type RegionConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// Type is "s3" (any S3-compatible endpoint) or "memory" (development only).
	Type      string `yaml:"type"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether new buckets may be placed in the region.
func (r RegionConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// TransferConfig holds chunking and throttling settings.
type TransferConfig struct {
	// ChunkSize is the multipart part size in bytes.
	ChunkSize int64 `yaml:"chunk_size"`
	// DownloadWindow is the size of each range GET in bytes.
	DownloadWindow int64 `yaml:"download_window"`
	// MinBandwidth is the floor in MiB/s for anonymous actors and expired quotas.
	MinBandwidth int64 `yaml:"min_bandwidth"`
}

// QuotaConfig controls quota enforcement on the request path.
type QuotaConfig struct {
	EnforceCapacity bool `yaml:"enforce_capacity"`
}

// ReplicationConfig holds backup mirroring settings.
type ReplicationConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Concurrency       int           `yaml:"concurrency"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxRetries        int           `yaml:"max_retries"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	// RateLimit is the number of backend requests per second replication may issue.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// ReconcileInterval is how often mirrors are compared; 0 disables the reconciler.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	// RetainCompleted is how long finished tasks stay in the queue table.
	RetainCompleted time.Duration `yaml:"retain_completed"`
}

// RateLimitConfig holds the per-IP request guard settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	MaxPerSecond  int64         `yaml:"max_per_second"`
	BlockTTL      time.Duration `yaml:"block_ttl"`
	MaxBlocks     int64         `yaml:"max_blocks"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies defaults for unset values.
// If the primary path fails, it falls back to ossgate.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "ossgate.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "ossgate.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Region returns the region with the given id.
func (c *Config) Region(id string) (RegionConfig, bool) {
	for _, r := range c.Regions {
		if r.ID == id {
			return r, true
		}
	}
	return RegionConfig{}, false
}

// Validate checks cross-field constraints that defaults cannot fix.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Regions))
	for i, r := range c.Regions {
		if r.ID == "" {
			return fmt.Errorf("regions[%d]: id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("regions[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true
		switch r.Type {
		case "s3", "memory":
		default:
			return fmt.Errorf("regions[%d]: unknown type %q", i, r.Type)
		}
	}
	if c.Transfer.ChunkSize < 5*1024*1024 {
		return fmt.Errorf("transfer.chunk_size must be at least 5 MiB, got %d", c.Transfer.ChunkSize)
	}
	return nil
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ShutdownTimeout: 30,
			MaxUploadSize:   5 << 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Auth: AuthConfig{
			JWTIssuer: "ossgate",
			TokenTTL:  12 * time.Hour,
		},
		Catalog: CatalogConfig{
			SQLite: SQLiteConfig{Path: "./data/catalog.db"},
		},
		Quota: QuotaConfig{EnforceCapacity: true},
		Replication: ReplicationConfig{
			Enabled: true,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = 5 << 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Auth.JWTIssuer == "" {
		cfg.Auth.JWTIssuer = "ossgate"
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 12 * time.Hour
	}
	if cfg.Catalog.SQLite.Path == "" {
		cfg.Catalog.SQLite.Path = "./data/catalog.db"
	}
	for i := range cfg.Regions {
		if cfg.Regions[i].Type == "" {
			cfg.Regions[i].Type = "s3"
		}
		if cfg.Regions[i].Region == "" {
			cfg.Regions[i].Region = "us-east-1"
		}
		if cfg.Regions[i].Name == "" {
			cfg.Regions[i].Name = cfg.Regions[i].ID
		}
	}
	if cfg.Transfer.ChunkSize == 0 {
		cfg.Transfer.ChunkSize = 5 * 1024 * 1024
	}
	if cfg.Transfer.DownloadWindow == 0 {
		cfg.Transfer.DownloadWindow = 1024 * 1024
	}
	if cfg.Transfer.MinBandwidth == 0 {
		cfg.Transfer.MinBandwidth = 1
	}
	if cfg.Replication.Concurrency == 0 {
		cfg.Replication.Concurrency = 4
	}
	if cfg.Replication.PollInterval == 0 {
		cfg.Replication.PollInterval = time.Second
	}
	if cfg.Replication.MaxRetries == 0 {
		cfg.Replication.MaxRetries = 5
	}
	if cfg.Replication.VisibilityTimeout == 0 {
		cfg.Replication.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.Replication.RateLimit == 0 {
		cfg.Replication.RateLimit = 50
	}
	if cfg.Replication.RateBurst == 0 {
		cfg.Replication.RateBurst = 10
	}
	if cfg.Replication.RetainCompleted == 0 {
		cfg.Replication.RetainCompleted = 24 * time.Hour
	}
	if cfg.RateLimit.MaxPerSecond == 0 {
		cfg.RateLimit.MaxPerSecond = 30
	}
	if cfg.RateLimit.BlockTTL == 0 {
		cfg.RateLimit.BlockTTL = 2 * time.Hour
	}
	if cfg.RateLimit.MaxBlocks == 0 {
		cfg.RateLimit.MaxBlocks = 2
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "ossgate"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1
	}
}
