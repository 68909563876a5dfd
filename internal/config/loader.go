package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// LoadConfig reads path (if it exists), overlays SYNC_* environment variables and applies defaults.
// A .env file in the working directory is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("state_storage.type", "sqlite")
	v.SetDefault("state_storage.port", 3306)
	v.SetDefault("state_storage.file_path", "sync-state.db")

	v.SetDefault("entities.backend", "memory")

	v.SetDefault("sync.default_mode", "incremental")
	v.SetDefault("sync.conflict_strategy", "timestamp_based")
	v.SetDefault("sync.entity_types", []string{"account", "contact", "lead", "deal", "activity"})
	v.SetDefault("sync.default_limit", 500)
	v.SetDefault("sync.workers", 8)
	v.SetDefault("sync.queue_size", 256)
	v.SetDefault("sync.repository_timeout", "30s")
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.retry_base_delay", "100ms")
	v.SetDefault("sync.session_timeout", "30m")
	v.SetDefault("sync.health_window", 20)
	v.SetDefault("sync.tombstone_retention", "720h")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "@every 1m")

	v.SetDefault("changefeed.port", 3306)
	v.SetDefault("changefeed.server_id", 1001)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
