package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/italolelis/parallel_downloader/internal/transfer"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	CacheDir          string `envconfig:"CACHE_DIR" default:"cache" validate:"required"`
	TempDir           string `envconfig:"TEMP_DIR"`
	DBPath            string `envconfig:"DB_PATH" default:"transfers.db" validate:"required"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL" validate:"omitempty,url"`
	CallbackQueueSize int    `envconfig:"CALLBACK_QUEUE_SIZE" default:"256" validate:"gte=1"`

	AllowsCellularAccess  bool          `envconfig:"ALLOWS_CELLULAR_ACCESS" default:"true"`
	RequestTimeout        time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s" validate:"gt=0"`
	ResourceTimeout       time.Duration `envconfig:"RESOURCE_TIMEOUT" default:"600s" validate:"gt=0"`
	ProgressIntervalBytes int64         `envconfig:"PROGRESS_INTERVAL_BYTES" default:"65536" validate:"gte=0"`

	TempMaxAge      time.Duration `envconfig:"TEMP_MAX_AGE" default:"24h" validate:"gt=0"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h" validate:"gt=0"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092" validate:"required,hostname_port"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled         bool          `split_words:"true" default:"true"`
		ServiceName     string        `split_words:"true" default:"parallel-downloader"`
		ServiceVersion  string        `split_words:"true" default:"dev"`
		OTLPEndpoint    string        `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
		CollectInterval time.Duration `split_words:"true" default:"15s"`
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field constraints that envconfig cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TransferConfig is the transport configuration applied to new transfers.
func (c *Config) TransferConfig() transfer.Config {
	return transfer.Config{
		AllowsCellularAccess: c.AllowsCellularAccess,
		RequestTimeout:       c.RequestTimeout,
		ResourceTimeout:      c.ResourceTimeout,
	}
}
