package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Hub        HubConfig        `yaml:"hub"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// ScannerConfig holds the device reconciliation settings.
type ScannerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	IntervalSeconds   int           `yaml:"interval_seconds"`
	Interval          time.Duration `yaml:"-"` // Ignored by YAML parser
	StaleAfterSeconds int           `yaml:"stale_after_seconds"`
	StaleAfter        time.Duration `yaml:"-"`
	Transports        []string      `yaml:"transports"`
	ADBPath           string        `yaml:"adb_path"`
	ProbeConcurrency  int           `yaml:"probe_concurrency"`
	HostapdConfigPath string        `yaml:"hostapd_config_path"`
}

// GatewayConfig holds the limits of the remote command gateway.
type GatewayConfig struct {
	MaxCommandChars           int           `yaml:"max_command_chars"`
	MaxResponseChars          int           `yaml:"max_response_chars"`
	LogPreviewChars           int           `yaml:"log_preview_chars"`
	SessionIdleTimeoutSeconds int           `yaml:"session_idle_timeout_seconds"`
	SessionIdleTimeout        time.Duration `yaml:"-"`
	UploadDir                 string        `yaml:"upload_dir"` // empty means the OS temp dir
	MaxUploadMB               int           `yaml:"max_upload_mb"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level"`
}

// AuthConfig holds the shared secret used to verify caller tokens.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// HubConfig sizes the live update fan-out queues.
type HubConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
	Output string `yaml:"output"` // stdout or stderr
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero or invalid values and derives durations.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8001
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 20
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Scanner.IntervalSeconds <= 0 {
		cfg.Scanner.IntervalSeconds = 30
	}
	cfg.Scanner.Interval = time.Duration(cfg.Scanner.IntervalSeconds) * time.Second

	if cfg.Scanner.StaleAfterSeconds <= 0 {
		cfg.Scanner.StaleAfterSeconds = 300
	}
	cfg.Scanner.StaleAfter = time.Duration(cfg.Scanner.StaleAfterSeconds) * time.Second

	if len(cfg.Scanner.Transports) == 0 {
		cfg.Scanner.Transports = []string{"adb", "bluetooth"}
	}
	if cfg.Scanner.ADBPath == "" {
		cfg.Scanner.ADBPath = "adb"
	}
	if cfg.Scanner.ProbeConcurrency <= 0 {
		cfg.Scanner.ProbeConcurrency = 4
	}
	if cfg.Scanner.HostapdConfigPath == "" {
		cfg.Scanner.HostapdConfigPath = "/data/misc/wifi/hostapd_ac40-wpa2.conf"
	}

	if cfg.Gateway.MaxCommandChars <= 0 {
		cfg.Gateway.MaxCommandChars = 512
	}
	if cfg.Gateway.MaxResponseChars <= 0 {
		cfg.Gateway.MaxResponseChars = 8000
	}
	if cfg.Gateway.LogPreviewChars <= 0 {
		cfg.Gateway.LogPreviewChars = 800
	}
	if cfg.Gateway.SessionIdleTimeoutSeconds <= 0 {
		cfg.Gateway.SessionIdleTimeoutSeconds = 600
	}
	cfg.Gateway.SessionIdleTimeout = time.Duration(cfg.Gateway.SessionIdleTimeoutSeconds) * time.Second
	if cfg.Gateway.MaxUploadMB <= 0 {
		cfg.Gateway.MaxUploadMB = 200
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "devices.db"
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.Hub.BufferSize <= 0 {
		cfg.Hub.BufferSize = 64
	}
}
