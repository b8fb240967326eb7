// Package config loads pktvault configuration from file, environment,
// and defaults via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved application configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// IngestConfig configures the asynchronous write pipeline.
type IngestConfig struct {
	QueueSize     int           `mapstructure:"queue_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
	// MaxSizeMB caps the log file before rotation.
	MaxSizeMB int `mapstructure:"max_size_mb"`
}

// Load reads configuration from path (optional), then environment
// variables prefixed PKTVAULT_, then defaults. A missing config file
// is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PKTVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return nil, fmt.Errorf("read config %s: %w", path, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", defaultDBPath())
	v.SetDefault("database.retention_days", 30)

	v.SetDefault("ingest.queue_size", 10000)
	v.SetDefault("ingest.batch_size", 200)
	v.SetDefault("ingest.flush_interval", 2*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "pktvault.db"
	}
	return filepath.Join(home, ".pktvault", "pktvault.db")
}
