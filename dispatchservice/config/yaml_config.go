// --- File: dispatchservice/config/yaml_config.go ---
package config

import (
	"fmt"
	"log/slog"
	"time"
)

type YamlDispatchConfig struct {
	Interval   string `yaml:"interval"`
	RunOnStart bool   `yaml:"run_on_start"`
}

type YamlGatewayConfig struct {
	Provider      string `yaml:"provider"`
	Workers       int    `yaml:"workers"`
	BufferSize    int    `yaml:"buffer_size"`
	SendTimeout   string `yaml:"send_timeout"`
	FeedbackBatch int    `yaml:"feedback_batch"`
}

type YamlAPNSConfig struct {
	Environment         string `yaml:"environment"`
	CertificatePath     string `yaml:"certificate_path"`
	CertificatePassword string `yaml:"certificate_password"`
	KeyID               string `yaml:"key_id"`
	TeamID              string `yaml:"team_id"`
	BundleID            string `yaml:"bundle_id"`
}

type YamlStorageConfig struct {
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

type YamlRedisConfig struct {
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	Enabled     bool   `yaml:"enabled"`
	FeedbackKey string `yaml:"feedback_key"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID     string             `yaml:"project_id"`
	ListenAddr    string             `yaml:"listen_addr"`
	EventsTopicID string             `yaml:"events_topic_id"`
	Dispatch      YamlDispatchConfig `yaml:"dispatch"`
	Gateway       YamlGatewayConfig  `yaml:"gateway"`
	APNS          YamlAPNSConfig     `yaml:"apns"`
	Storage       YamlStorageConfig  `yaml:"storage"`
	RedisConfig   YamlRedisConfig    `yaml:"redis"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	interval, err := parseOptionalDuration("dispatch.interval", baseCfg.Dispatch.Interval)
	if err != nil {
		return nil, err
	}
	sendTimeout, err := parseOptionalDuration("gateway.send_timeout", baseCfg.Gateway.SendTimeout)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ProjectID:     baseCfg.ProjectID,
		ListenAddr:    baseCfg.ListenAddr,
		EventsTopicID: baseCfg.EventsTopicID,
		Dispatch: DispatchConfig{
			Interval:   interval,
			RunOnStart: baseCfg.Dispatch.RunOnStart,
		},
		Gateway: GatewayConfig{
			Provider:      baseCfg.Gateway.Provider,
			Workers:       baseCfg.Gateway.Workers,
			BufferSize:    baseCfg.Gateway.BufferSize,
			SendTimeout:   sendTimeout,
			FeedbackBatch: baseCfg.Gateway.FeedbackBatch,
		},
		APNS: APNSConfig{
			Environment:         baseCfg.APNS.Environment,
			CertificatePath:     baseCfg.APNS.CertificatePath,
			CertificatePassword: baseCfg.APNS.CertificatePassword,
			KeyID:               baseCfg.APNS.KeyID,
			TeamID:              baseCfg.APNS.TeamID,
			BundleID:            baseCfg.APNS.BundleID,
		},
		Storage: StorageConfig{
			Backend:     baseCfg.Storage.Backend,
			PostgresDSN: baseCfg.Storage.PostgresDSN,
			AutoMigrate: baseCfg.Storage.AutoMigrate,
		},
		Redis: RedisConfig{
			Addr:        baseCfg.RedisConfig.Addr,
			Password:    baseCfg.RedisConfig.Password,
			DB:          baseCfg.RedisConfig.DB,
			Enabled:     baseCfg.RedisConfig.Enabled,
			FeedbackKey: baseCfg.RedisConfig.FeedbackKey,
		},
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"provider", cfg.Gateway.Provider,
		"storage", cfg.Storage.Backend,
	)

	return cfg, nil
}

func parseOptionalDuration(key, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
