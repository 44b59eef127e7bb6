// Package config loads host-process configuration and per-connector
// configuration documents, and provides the credential store used for secret
// decryption and token caching.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds process-wide configuration for the Argus core.
type Config struct {
	DataPaths struct {
		// DataDir is the base data directory (ARGUS_DATA_DIR, default: ./data)
		DataDir string `mapstructure:"data_dir"`
		// SQLitePath is the database file path (default: ${DataDir}/argus.db)
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"data_paths"`

	Logging struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"logging"`

	OpsAPI struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"ops_api"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Secrets struct {
		// Provider selects the secret backend: env, vault, aws
		Provider string `mapstructure:"provider"`
		Vault    struct {
			Address string `mapstructure:"address"`
			Token   string `mapstructure:"token"`
			Path    string `mapstructure:"path"`
		} `mapstructure:"vault"`
		AWS struct {
			Region    string `mapstructure:"region"`
			SecretID  string `mapstructure:"secret_id"`
			AccessKey string `mapstructure:"access_key"`
			SecretKey string `mapstructure:"secret_key"`
		} `mapstructure:"aws"`
	} `mapstructure:"secrets"`

	Ingest struct {
		// RateLimit is the per-listener messages-per-second limit
		RateLimit int `mapstructure:"rate_limit"`
		// ConnectorsFile is the path to the per-connector YAML document
		ConnectorsFile string `mapstructure:"connectors_file"`
	} `mapstructure:"ingest"`

	Enrichment struct {
		Workers        int `mapstructure:"workers"`
		MaxAttempts    int `mapstructure:"max_attempts"`
		BackoffBaseSec int `mapstructure:"backoff_base_sec"`
		CacheTTLHours  int `mapstructure:"cache_ttl_hours"`
	} `mapstructure:"enrichment"`
}

func setDefaults() {
	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "") // empty = derive from data_dir

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.development", false)

	viper.SetDefault("ops_api.enabled", true)
	viper.SetDefault("ops_api.host", "127.0.0.1")
	viper.SetDefault("ops_api.port", 9411)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("secrets.provider", "env")

	viper.SetDefault("ingest.rate_limit", 5000)
	viper.SetDefault("ingest.connectors_file", "connectors.yaml")

	viper.SetDefault("enrichment.workers", 4)
	viper.SetDefault("enrichment.max_attempts", 3)
	viper.SetDefault("enrichment.backoff_base_sec", 5)
	viper.SetDefault("enrichment.cache_ttl_hours", 24)
}

// Load reads configuration from the given file (optional), environment
// variables prefixed ARGUS_, and defaults.
func Load(path string) (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix("ARGUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataPaths.SQLitePath == "" {
		cfg.DataPaths.SQLitePath = filepath.Join(cfg.DataPaths.DataDir, "argus.db")
	}
	if err := os.MkdirAll(cfg.DataPaths.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &cfg, nil
}
