package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const DefaultChunkSize = 1000

// LoadConfig reads a YAML config file. Every key can be overridden through
// EXTRACT_* environment variables, e.g. EXTRACT_SYNC_CHUNK_SIZE.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("extract")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_storage.driver", "sqlite3")
	v.SetDefault("state_storage.file_path", "extract.db")
	v.SetDefault("state_storage.max_open_conns", 10)
	v.SetDefault("state_storage.max_idle_conns", 5)
	v.SetDefault("state_storage.conn_max_lifetime", time.Hour)

	v.SetDefault("sync.chunk_size", DefaultChunkSize)
	v.SetDefault("sync.table_prefix", "")
	v.SetDefault("sync.schema_drift", true)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", 500*time.Millisecond)
	v.SetDefault("retry.max_backoff", 10*time.Second)
	v.SetDefault("retry.strategy", "exponential")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("enrichment.companies_house.base_url", "https://api.company-information.service.gov.uk")
	v.SetDefault("enrichment.companies_house.timeout", 15*time.Second)
}

func (c *Config) validate() error {
	switch c.StateStorage.Driver {
	case "sqlite3", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported state_storage.driver %q", c.StateStorage.Driver)
	}
	if c.Sync.ChunkSize <= 0 {
		c.Sync.ChunkSize = DefaultChunkSize
	}
	switch c.Retry.Strategy {
	case "exponential", "fixed":
	default:
		return fmt.Errorf("unsupported retry.strategy %q", c.Retry.Strategy)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	return nil
}
