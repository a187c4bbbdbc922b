// Package config reads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/drfirst/bvb-checker/internal/infrastructure/postgres"
	"github.com/drfirst/bvb-checker/internal/observability/tracing"
	"github.com/drfirst/bvb-checker/internal/ruletable"
)

// Rule sources selectable with RULES_SOURCE
const (
	SourceEmbedded = "embedded"
	SourceFile     = "file"
	SourcePostgres = "postgres"
)

// Config holds application configuration
type Config struct {
	Service     string
	Version     string
	Environment string
	LogLevel    string
	Port        string

	RulesSource          string
	RulesFile            string
	DatabaseURL          string
	RulesTable           string
	Duplicates           ruletable.DuplicatePolicy
	DefaultSourceVersion string

	// Brokers is empty when no Redpanda cluster is configured
	Brokers       []string
	ConsumerGroup string

	OTLPEndpoint string
	SampleRate   float64

	Workers int
}

// Load reads the configuration of service from the environment
func Load(service string) (Config, error) {
	cfg := Config{
		Service:              service,
		Version:              getEnv("SERVICE_VERSION", "1.0.0"),
		Environment:          getEnv("APP_ENV", "development"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		Port:                 getEnv("PORT", "8080"),
		RulesSource:          strings.ToLower(getEnv("RULES_SOURCE", SourceEmbedded)),
		RulesFile:            os.Getenv("RULES_FILE"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RulesTable:           getEnv("RULES_TABLE", postgres.DefaultTable),
		DefaultSourceVersion: os.Getenv("DEFAULT_SOURCE_VERSION"),
		Brokers:              splitList(os.Getenv("KAFKA_BROKERS")),
		ConsumerGroup:        getEnv("CONSUMER_GROUP", "eligibility-worker"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	dup, err := ruletable.ParseDuplicatePolicy(getEnv("RULES_DUPLICATES", string(ruletable.DuplicatesReject)))
	if err != nil {
		return cfg, fmt.Errorf("RULES_DUPLICATES: %w", err)
	}
	cfg.Duplicates = dup

	if cfg.SampleRate, err = getFloat("OTEL_SAMPLE_RATE", 1.0); err != nil {
		return cfg, err
	}
	if cfg.Workers, err = getInt("WORKERS", 8); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate checks that the selected rule source is fully configured
func (c Config) Validate() error {
	switch c.RulesSource {
	case SourceEmbedded:
	case SourceFile:
		if c.RulesFile == "" {
			return fmt.Errorf("RULES_SOURCE=file requires RULES_FILE")
		}
	case SourcePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("RULES_SOURCE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown RULES_SOURCE %q", c.RulesSource)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be within [0,1], got %v", c.SampleRate)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	return nil
}

// Tracing returns the tracing configuration
func (c Config) Tracing() tracing.Config {
	cfg := tracing.DefaultConfig(c.Service)
	cfg.ServiceVersion = c.Version
	cfg.Environment = c.Environment
	cfg.OTLPEndpoint = c.OTLPEndpoint
	cfg.SampleRate = c.SampleRate
	return cfg
}

// Loader returns the rule loading options
func (c Config) Loader(logger *zap.Logger) ruletable.LoaderConfig {
	cfg := ruletable.DefaultLoaderConfig()
	cfg.Duplicates = c.Duplicates
	cfg.DefaultSourceVersion = c.DefaultSourceVersion
	cfg.Logger = logger
	return cfg
}

// NewLogger builds the service logger. Development environments get the
// human readable console encoder.
func NewLogger(c Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	zc := zap.NewProductionConfig()
	if c.Environment == "development" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", c.Service)), nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
