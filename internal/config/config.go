package config

import (
	"fmt"
	"time"
)

type Config struct {
	StateStorage StateStorage     `mapstructure:"state_storage"`
	Entities     EntitiesConfig   `mapstructure:"entities"`
	Sync         SyncConfig       `mapstructure:"sync"`
	Scheduler    SchedulerConfig  `mapstructure:"scheduler"`
	ChangeFeed   ChangeFeedConfig `mapstructure:"changefeed"`
	Server       ServerConfig     `mapstructure:"server"`
	Logging      LoggingConfig    `mapstructure:"logging"`
}

// StateStorage holds devices, sessions, conflicts, metrics and tombstones.
type StateStorage struct {
	Type     string `mapstructure:"type"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	FilePath string `mapstructure:"file_path"` // For SQLite
}

// EntitiesConfig selects the backend holding accounts, contacts, leads, deals and activities.
type EntitiesConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
}

type SyncConfig struct {
	DefaultMode        string         `mapstructure:"default_mode"`
	ConflictStrategy   string         `mapstructure:"conflict_strategy"`
	EntityTypes        []string       `mapstructure:"entity_types"`
	LimitsPerType      map[string]int `mapstructure:"limits_per_type"`
	DefaultLimit       int            `mapstructure:"default_limit"`
	Workers            int            `mapstructure:"workers"`
	QueueSize          int            `mapstructure:"queue_size"`
	RepositoryTimeout  time.Duration  `mapstructure:"repository_timeout"`
	MaxAttempts        int            `mapstructure:"max_attempts"`
	RetryBaseDelay     time.Duration  `mapstructure:"retry_base_delay"`
	SessionTimeout     time.Duration  `mapstructure:"session_timeout"`
	HealthWindow       int            `mapstructure:"health_window"`
	TombstoneRetention time.Duration  `mapstructure:"tombstone_retention"`
}

// LimitFor returns the per-call snapshot limit for an entity type.
func (s SyncConfig) LimitFor(entityType string) int {
	if n, ok := s.LimitsPerType[entityType]; ok && n > 0 {
		return n
	}
	return s.DefaultLimit
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

// ChangeFeedConfig points the binlog listener at the MySQL server holding entity tables.
type ChangeFeedConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	ServerID uint32 `mapstructure:"server_id"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	switch c.StateStorage.Type {
	case "mysql":
		if c.StateStorage.Host == "" || c.StateStorage.Database == "" {
			return fmt.Errorf("state_storage: host and database are required for mysql")
		}
	case "sqlite":
		if c.StateStorage.FilePath == "" {
			return fmt.Errorf("state_storage: file_path is required for sqlite")
		}
	default:
		return fmt.Errorf("state_storage: unsupported type %q", c.StateStorage.Type)
	}

	switch c.Entities.Backend {
	case "memory":
	case "mysql", "sqlite", "postgres":
		if c.Entities.DSN == "" {
			return fmt.Errorf("entities: dsn is required for backend %q", c.Entities.Backend)
		}
	default:
		return fmt.Errorf("entities: unsupported backend %q", c.Entities.Backend)
	}

	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync: workers must be positive")
	}
	if c.Sync.DefaultLimit <= 0 {
		return fmt.Errorf("sync: default_limit must be positive")
	}
	if c.Sync.RepositoryTimeout <= 0 {
		return fmt.Errorf("sync: repository_timeout must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync: max_attempts must be positive")
	}
	if c.ChangeFeed.Enabled && c.ChangeFeed.Host == "" {
		return fmt.Errorf("changefeed: host is required when enabled")
	}
	return nil
}
