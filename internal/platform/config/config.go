package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all static configuration for the orchestrator process.
type Config struct {
	Env string `mapstructure:"env"`

	DatabaseDriver string `mapstructure:"database_driver"`
	DatabaseDSN    string `mapstructure:"database_dsn"`

	JobPollInterval  time.Duration `mapstructure:"job_poll_interval"`
	JobMaxConcurrent int           `mapstructure:"job_max_concurrent"`

	ServiceHeartbeatInterval time.Duration `mapstructure:"service_heartbeat_interval"`
	ServiceMaxConcurrent     int           `mapstructure:"service_max_concurrent"`

	MediaDirectory     string `mapstructure:"media_directory"`
	TranscodeDirectory string `mapstructure:"transcode_directory"`
	ImageDirectory     string `mapstructure:"image_directory"`

	TMDBAPIKey string `mapstructure:"tmdb_api_key"`
	TMDBAPIURL string `mapstructure:"tmdb_api_url"`

	LogLevel    string `mapstructure:"log_level"`
	LogToFile   bool   `mapstructure:"log_to_file"`
	LogFilePath string `mapstructure:"log_file_path"`
}

// Load reads configuration from config.yaml and environment variables.
// Priority: env vars > config file > defaults. Env vars use the MEDIASERVER_
// prefix, e.g. database_dsn becomes MEDIASERVER_DATABASE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("env", "development")
	v.SetDefault("database_driver", "sqlite")
	v.SetDefault("database_dsn", "mediaserver.db")
	v.SetDefault("job_poll_interval", "5s")
	v.SetDefault("job_max_concurrent", 5)
	v.SetDefault("service_heartbeat_interval", "30s")
	v.SetDefault("service_max_concurrent", 10)
	v.SetDefault("media_directory", defaultMediaDir())
	v.SetDefault("transcode_directory", filepath.Join(os.TempDir(), "mediaserver", "transcode"))
	v.SetDefault("image_directory", filepath.Join(os.TempDir(), "mediaserver", "images"))
	v.SetDefault("tmdb_api_url", "https://api.themoviedb.org/3")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_to_file", false)
	v.SetDefault("log_file_path", "logs/mediaserver.log")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Missing file is fine; env vars and defaults carry the rest.
	}

	v.SetEnvPrefix("MEDIASERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database_driver %q", cfg.DatabaseDriver)
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("configuration 'database_dsn' is required")
	}
	if cfg.JobPollInterval <= 0 {
		return errors.New("job_poll_interval must be positive")
	}
	if cfg.ServiceHeartbeatInterval <= 0 {
		return errors.New("service_heartbeat_interval must be positive")
	}
	if cfg.JobMaxConcurrent < 1 {
		cfg.JobMaxConcurrent = 1
	}
	if cfg.ServiceMaxConcurrent < 1 {
		cfg.ServiceMaxConcurrent = 1
	}
	for _, dir := range []string{cfg.TranscodeDirectory, cfg.ImageDirectory} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("unable to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func defaultMediaDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "media"
	}
	return filepath.Join(home, "media")
}
