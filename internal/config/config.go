package config

import (
	"time"
)

type Config struct {
	StateStorage StateStorage                 `mapstructure:"state_storage"`
	Sync         SyncConfig                   `mapstructure:"sync"`
	Retry        RetryConfig                  `mapstructure:"retry"`
	Scheduler    SchedulerConfig              `mapstructure:"scheduler"`
	Server       ServerConfig                 `mapstructure:"server"`
	Logging      LoggingConfig                `mapstructure:"logging"`
	Connectors   map[string]map[string]string `mapstructure:"connectors"`
	Enrichment   EnrichmentConfig             `mapstructure:"enrichment"`
}

// StateStorage holds both the entity tables and the local synced tables.
type StateStorage struct {
	Driver          string        `mapstructure:"driver"` // sqlite3, mysql, postgres
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	FilePath        string        `mapstructure:"file_path"` // For SQLite
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type SyncConfig struct {
	ChunkSize   int    `mapstructure:"chunk_size"`
	TablePrefix string `mapstructure:"table_prefix"`
	SchemaDrift bool   `mapstructure:"schema_drift"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Strategy       string        `mapstructure:"strategy"` // exponential, fixed
}

type SchedulerConfig struct {
	Enabled  bool               `mapstructure:"enabled"`
	Profiles []ScheduledProfile `mapstructure:"profiles"`
}

type ScheduledProfile struct {
	ProfileID int64  `mapstructure:"profile_id"`
	Cron      string `mapstructure:"cron"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CorsOrigins  []string      `mapstructure:"cors_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EnrichmentConfig struct {
	CompaniesHouse CompaniesHouseConfig `mapstructure:"companies_house"`
}

type CompaniesHouseConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ConnectorConfig returns the credentials configured for a connector key.
// The returned map is a copy and safe to mutate.
func (c *Config) ConnectorConfig(key string) map[string]string {
	out := make(map[string]string, len(c.Connectors[key]))
	for k, v := range c.Connectors[key] {
		out[k] = v
	}
	return out
}
