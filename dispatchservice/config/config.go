// --- File: dispatchservice/config/config.go ---
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderAPNS = "apns"
	ProviderFCM  = "fcm"

	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
	BackendMemory    = "memory"

	DefaultInterval    = 60 * time.Second
	DefaultFeedbackKey = "push:feedback:invalid_tokens"
)

type DispatchConfig struct {
	Interval   time.Duration
	RunOnStart bool
}

type GatewayConfig struct {
	Provider      string
	Workers       int
	BufferSize    int
	SendTimeout   time.Duration
	FeedbackBatch int
}

type APNSConfig struct {
	Environment         string
	CertificatePath     string
	CertificatePassword string
	KeyID               string
	TeamID              string
	BundleID            string
	P8KeyContent        string
}

type StorageConfig struct {
	Backend     string
	PostgresDSN string
	AutoMigrate bool
}

type RedisConfig struct {
	Enabled     bool
	Addr        string
	Password    string
	DB          int
	FeedbackKey string
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID     string
	ListenAddr    string
	EventsTopicID string

	Dispatch DispatchConfig
	Gateway  GatewayConfig
	APNS     APNSConfig
	Storage  StorageConfig
	Redis    RedisConfig
}

// LoadDotEnv reads a .env file into the process environment if one exists.
// Variables already set are left alone.
func LoadDotEnv(logger *slog.Logger, files ...string) {
	if err := godotenv.Load(files...); err != nil {
		logger.Debug("No .env file loaded", "err", err)
		return
	}
	logger.Debug(".env file loaded")
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("EVENTS_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "EVENTS_TOPIC_ID", "source", "env")
		cfg.EventsTopicID = val
	}

	// Dispatch loop
	if val := os.Getenv("DISPATCH_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_INTERVAL %q: %w", val, err)
		}
		logger.Debug("Overriding config value", "key", "DISPATCH_INTERVAL", "source", "env")
		cfg.Dispatch.Interval = d
	}
	if val := os.Getenv("DISPATCH_RUN_ON_START"); val != "" {
		runOnStart, err := strconv.ParseBool(val)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_RUN_ON_START %q: %w", val, err)
		}
		cfg.Dispatch.RunOnStart = runOnStart
	}

	// Gateway
	if val := os.Getenv("GATEWAY_PROVIDER"); val != "" {
		logger.Debug("Overriding config value", "key", "GATEWAY_PROVIDER", "source", "env")
		cfg.Gateway.Provider = val
	}
	if val := os.Getenv("GATEWAY_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "GATEWAY_WORKERS", "source", "env")
			cfg.Gateway.Workers = workers
		}
	}
	if val := os.Getenv("GATEWAY_BUFFER_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil && size > 0 {
			cfg.Gateway.BufferSize = size
		}
	}
	if val := os.Getenv("GATEWAY_SEND_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return nil, fmt.Errorf("invalid GATEWAY_SEND_TIMEOUT %q: %w", val, err)
		}
		cfg.Gateway.SendTimeout = d
	}
	if val := os.Getenv("GATEWAY_FEEDBACK_BATCH"); val != "" {
		if batch, err := strconv.Atoi(val); err == nil && batch > 0 {
			cfg.Gateway.FeedbackBatch = batch
		}
	}

	// APNs credentials
	if val := os.Getenv("APNS_ENVIRONMENT"); val != "" {
		cfg.APNS.Environment = val
	}
	if val := os.Getenv("APNS_CERT_PATH"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_CERT_PATH", "source", "env")
		cfg.APNS.CertificatePath = val
	}
	if val := os.Getenv("APNS_CERT_PASSWORD"); val != "" {
		cfg.APNS.CertificatePassword = val
	}
	if val := os.Getenv("APNS_KEY_ID"); val != "" {
		cfg.APNS.KeyID = val
	}
	if val := os.Getenv("APNS_TEAM_ID"); val != "" {
		cfg.APNS.TeamID = val
	}
	if val := os.Getenv("APNS_BUNDLE_ID"); val != "" {
		cfg.APNS.BundleID = val
	}
	if val := os.Getenv("APNS_P8_KEY"); val != "" {
		cfg.APNS.P8KeyContent = val
	}

	// Storage
	if val := os.Getenv("STORAGE_BACKEND"); val != "" {
		logger.Debug("Overriding config value", "key", "STORAGE_BACKEND", "source", "env")
		cfg.Storage.Backend = val
	}
	if val := os.Getenv("POSTGRES_DSN"); val != "" {
		cfg.Storage.PostgresDSN = val
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_FEEDBACK_KEY"); val != "" {
		cfg.Redis.FeedbackKey = val
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_ENABLED %q: %w", val, err)
		}
		cfg.Redis.Enabled = enabled
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Dispatch.Interval <= 0 {
		cfg.Dispatch.Interval = DefaultInterval
	}
	if cfg.Gateway.Provider == "" {
		cfg.Gateway.Provider = ProviderAPNS
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendFirestore
	}
	if cfg.APNS.Environment == "" {
		cfg.APNS.Environment = "production"
	}
	if cfg.Redis.FeedbackKey == "" {
		cfg.Redis.FeedbackKey = DefaultFeedbackKey
	}
}

func validate(cfg *Config) error {
	switch cfg.Gateway.Provider {
	case ProviderAPNS:
		if cfg.APNS.BundleID == "" {
			return fmt.Errorf("apns.bundle_id is required (set via YAML or APNS_BUNDLE_ID env var)")
		}
		if cfg.APNS.CertificatePath == "" && (cfg.APNS.KeyID == "" || cfg.APNS.TeamID == "" || cfg.APNS.P8KeyContent == "") {
			return fmt.Errorf("apns requires either a certificate path or key_id, team_id and a p8 key")
		}
	case ProviderFCM:
	default:
		return fmt.Errorf("unknown gateway provider %q", cfg.Gateway.Provider)
	}

	switch cfg.Storage.Backend {
	case BackendFirestore, BackendMemory:
	case BackendPostgres:
		if cfg.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres backend (or POSTGRES_DSN env var)")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	needsProject := cfg.Storage.Backend == BackendFirestore ||
		cfg.Gateway.Provider == ProviderFCM ||
		cfg.EventsTopicID != ""
	if needsProject && cfg.ProjectID == "" {
		return fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	return nil
}
