package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Download  DownloadConfig  `mapstructure:"download" yaml:"download"`
	PieceHash PieceHashConfig `mapstructure:"piece_hash" yaml:"piece_hash"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	API       APIConfig       `mapstructure:"api" yaml:"api"`
}

type DownloadConfig struct {
	OutDir      string `mapstructure:"out_dir" yaml:"out_dir"`
	Connections int    `mapstructure:"connections" yaml:"connections"`

	// SegmentSize is the byte length each connection is assigned at a time.
	SegmentSize int64 `mapstructure:"segment_size" yaml:"segment_size"`

	// ChunkSize bounds a single transport read inside one step.
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size"`

	// MaxSpeed is a bytes/sec ceiling across the whole session. 0 = unlimited.
	MaxSpeed int64 `mapstructure:"max_speed" yaml:"max_speed"`

	// MinSpeed is a bytes/sec floor per connection. 0 = disabled.
	MinSpeed int64 `mapstructure:"min_speed" yaml:"min_speed"`

	// StartupGrace delays the min-speed check after a connection starts.
	StartupGrace time.Duration `mapstructure:"startup_grace" yaml:"startup_grace"`

	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

type PieceHashConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

func Load(path string) (*Config, error) {
	v := viper.New()

	// Set Defaults
	v.SetDefault("download.out_dir", ".")
	v.SetDefault("download.connections", 4)
	v.SetDefault("download.segment_size", 8*1024*1024)
	v.SetDefault("download.chunk_size", 16*1024)
	v.SetDefault("download.max_speed", 0)
	v.SetDefault("download.min_speed", 0)
	v.SetDefault("download.startup_grace", "10s")
	v.SetDefault("download.max_retries", 5)
	v.SetDefault("piece_hash.enabled", false)
	v.SetDefault("piece_hash.algorithm", "sha256")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.sqlite_path", "corvid.db")
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", "127.0.0.1:8080")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// Support Environment Variables
	v.SetEnvPrefix("CORVID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Download.Connections < 1 {
		return fmt.Errorf("download.connections must be at least 1")
	}
	if c.Download.ChunkSize < 1 {
		return fmt.Errorf("download.chunk_size must be positive")
	}
	if c.Download.SegmentSize < int64(c.Download.ChunkSize) {
		return fmt.Errorf("download.segment_size must be at least one chunk (%d bytes)", c.Download.ChunkSize)
	}
	if c.Download.MaxSpeed < 0 || c.Download.MinSpeed < 0 {
		return fmt.Errorf("speed limits must not be negative")
	}
	if c.Download.MaxSpeed > 0 && c.Download.MinSpeed > c.Download.MaxSpeed {
		return fmt.Errorf("download.min_speed exceeds download.max_speed")
	}
	return nil
}
