package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the full application configuration loaded from env / config file.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Storage       StorageConfig       `mapstructure:"storage"`
	S3            S3Config            `mapstructure:"s3"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	HTTP          HTTPConfig          `mapstructure:"http"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`  // development | production
	Port    int    `mapstructure:"port"` // HTTP API port
	Version string `mapstructure:"version"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// AutoMigrate applies embedded migrations on API start.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig holds the shared secret of the auth provider that issues user
// tokens. Expiration only applies to tokens minted by the CLI for testing.
type JWTConfig struct {
	Secret     string        `mapstructure:"secret"`
	Issuer     string        `mapstructure:"issuer"`
	Expiration time.Duration `mapstructure:"expiration"`
}

type LedgerConfig struct {
	// StrictGenesis requires block 0 of every chain to point at the
	// all-zero origin hash.
	StrictGenesis bool          `mapstructure:"strict_genesis"`
	AppendRetries int           `mapstructure:"append_retries"`
	StoreTimeout  time.Duration `mapstructure:"store_timeout"`
}

// AlertsConfig is the safe temperature band in °C and the band beyond which
// an excursion is high severity.
type AlertsConfig struct {
	MinTemp     float64 `mapstructure:"min_temp"`
	MaxTemp     float64 `mapstructure:"max_temp"`
	CriticalMin float64 `mapstructure:"critical_min"`
	CriticalMax float64 `mapstructure:"critical_max"`
}

type NotificationsConfig struct {
	// SlackWebhookURL enables Slack delivery when non-empty.
	SlackWebhookURL string        `mapstructure:"slack_webhook_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"` // "s3", "fs", "multi"
	FSRoot  string `mapstructure:"fs_root"` // Root directory for filesystem
}

// S3Config holds credentials for an S3-compatible provider.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	// ForcePathStyle must be true for Garage / MinIO
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	StorageClass   string `mapstructure:"storage_class"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	// AuditInterval is how often every chain is re-verified. Zero disables
	// the scheduler.
	AuditInterval time.Duration `mapstructure:"audit_interval"`
}

type HTTPConfig struct {
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	AllowOrigins   []string      `mapstructure:"allow_origins"`
	StreamPoll     time.Duration `mapstructure:"stream_poll"`
	// SensorKeyCacheTTL bounds how long a verified sensor key skips bcrypt.
	// Zero disables the cache.
	SensorKeyCacheTTL  time.Duration `mapstructure:"sensor_key_cache_ttl"`
	SensorKeyCacheSize int           `mapstructure:"sensor_key_cache_size"`
}

// IsProduction reports whether the app runs with production settings.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

// Validate rejects configurations the binaries cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.IsProduction() && len(c.JWT.Secret) < 32 {
		errs = append(errs, errors.New("jwt.secret must be at least 32 characters in production"))
	}
	if c.Alerts.MinTemp >= c.Alerts.MaxTemp {
		errs = append(errs, fmt.Errorf("alerts.min_temp (%v) must be below alerts.max_temp (%v)", c.Alerts.MinTemp, c.Alerts.MaxTemp))
	}
	if c.Alerts.CriticalMin > c.Alerts.MinTemp || c.Alerts.CriticalMax < c.Alerts.MaxTemp {
		errs = append(errs, errors.New("alerts critical band must contain the safe band"))
	}
	switch c.Storage.Backend {
	case "fs", "s3", "multi":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of fs, s3, multi", c.Storage.Backend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Load reads configuration from environment variables and optional config file.
// A .env file in the working directory is loaded first when present.
// Environment variable prefix: PHARMACHAIN_
// Example: PHARMACHAIN_APP_PORT=8080.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: read .env: %w", err)
	}

	v := viper.New()

	// ---------- defaults ----------
	v.SetDefault("app.name", "pharmachain")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.version", "0.1.0")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "")
	v.SetDefault("jwt.expiration", "24h")

	v.SetDefault("ledger.strict_genesis", true)
	v.SetDefault("ledger.append_retries", 3)
	v.SetDefault("ledger.store_timeout", "10s")

	v.SetDefault("alerts.min_temp", 2.0)
	v.SetDefault("alerts.max_temp", 8.0)
	v.SetDefault("alerts.critical_min", 0.0)
	v.SetDefault("alerts.critical_max", 10.0)

	v.SetDefault("notifications.slack_webhook_url", "")
	v.SetDefault("notifications.timeout", "10s")

	v.SetDefault("storage.backend", "fs")
	v.SetDefault("storage.fs_root", "./data/snapshots")

	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.force_path_style", true)
	v.SetDefault("s3.storage_class", "STANDARD")

	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.audit_interval", "1h")

	v.SetDefault("http.rate_limit_rps", 20.0)
	v.SetDefault("http.rate_limit_burst", 40)
	v.SetDefault("http.allow_origins", []string{"*"})
	v.SetDefault("http.stream_poll", "2s")
	v.SetDefault("http.sensor_key_cache_ttl", "1m")
	v.SetDefault("http.sensor_key_cache_size", 1024)

	// ---------- config file (optional) ----------
	v.SetConfigName("pharmachain")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/pharmachain")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	// ---------- env vars ----------
	v.SetEnvPrefix("PHARMACHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &cfg, nil
}
