package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	LogLevel        string
	LogFormat       string
	HTTPAddr        string
	ShutdownTimeout time.Duration

	// DataPoint document source. Unused when FixturePath is set.
	DataPointAPIKey     string
	DataPointLocationID string
	DataPointBaseURL    string
	DataPointResolution string
	DataPointTimeout    time.Duration
	DataPointRateLimit  float64 // requests per second

	// FixturePath reads the forecast document from a local file instead of DataPoint.
	FixturePath string

	SQLiteBusyTimeout time.Duration

	// Kafka publishing is off when no brokers are configured.
	KafkaBrokers []string
	KafkaTopic   string

	// ScheduleInterval of zero means a single run.
	ScheduleInterval time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	dataPointTimeout, err := parsePositiveDuration("DATAPOINT_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}

	busyTimeout, err := parsePositiveDuration("SQLITE_BUSY_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}

	scheduleInterval, err := time.ParseDuration(sharedcfg.EnvOrDefault("SCHEDULE_INTERVAL", "0s"))
	if err != nil || scheduleInterval < 0 {
		return nil, errors.New("invalid SCHEDULE_INTERVAL")
	}

	rateLimit, err := strconv.ParseFloat(sharedcfg.EnvOrDefault("DATAPOINT_RATE_LIMIT", "1.5"), 64)
	if err != nil || rateLimit <= 0 {
		return nil, errors.New("invalid DATAPOINT_RATE_LIMIT")
	}

	cfg := &Config{
		LogLevel:        strings.ToLower(sharedcfg.EnvOrDefault("LOG_LEVEL", "info")),
		LogFormat:       strings.ToLower(sharedcfg.EnvOrDefault("LOG_FORMAT", "json")),
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		ShutdownTimeout: shutdownTimeout,

		DataPointAPIKey:     os.Getenv("DATAPOINT_API_KEY"),
		DataPointLocationID: os.Getenv("DATAPOINT_LOCATION_ID"),
		DataPointBaseURL:    strings.TrimRight(sharedcfg.EnvOrDefault("DATAPOINT_BASE_URL", "http://datapoint.metoffice.gov.uk"), "/"),
		DataPointResolution: sharedcfg.EnvOrDefault("DATAPOINT_RESOLUTION", "3hourly"),
		DataPointTimeout:    dataPointTimeout,
		DataPointRateLimit:  rateLimit,

		FixturePath: os.Getenv("FIXTURE_PATH"),

		SQLiteBusyTimeout: busyTimeout,

		KafkaBrokers: sharedcfg.ParseBrokers(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "forecast-readings"),

		ScheduleInterval: scheduleInterval,
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return nil, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT %q (allowed: json, text)", cfg.LogFormat)
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	return cfg, nil
}

// ValidateSource checks that a document source is configured: either a
// fixture file or DataPoint credentials. It runs after command-line flags
// have been applied.
func (c *Config) ValidateSource() error {
	if c.FixturePath != "" {
		return nil
	}
	if c.DataPointAPIKey == "" {
		return errors.New("DATAPOINT_API_KEY is required unless a fixture is used")
	}
	if c.DataPointLocationID == "" {
		return errors.New("DATAPOINT_LOCATION_ID is required unless a fixture is used")
	}
	return nil
}

// KafkaEnabled reports whether readings should be published after each run.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}
