// Package config loads process configuration from the environment and
// subsystem profiles from YAML.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"multiverse-ripple/internal/oracle"
)

// Config is the reaction engine's process configuration.
type Config struct {
	KafkaBrokers         []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"redpanda:9092"`
	KafkaTopicPrefix     string   `env:"KAFKA_TOPIC_PREFIX"`
	KafkaGroupID         string   `env:"KAFKA_GROUP_ID" envDefault:"reaction-engine"`
	KafkaPollFrequencyMs int      `env:"KAFKA_POLL_FREQUENCY_MS" envDefault:"1000"`
	KafkaEnabled         bool     `env:"KAFKA_ENABLED" envDefault:"true"`

	// OracleProvider selects the completion backend: "http" or "openai".
	OracleProvider  string `env:"ORACLE_PROVIDER" envDefault:"http"`
	OracleURL       string `env:"ORACLE_URL"`
	OracleModel     string `env:"ORACLE_MODEL"`
	OracleAPIKey    string `env:"ORACLE_API_KEY"`
	OracleTimeoutMs int    `env:"ORACLE_TIMEOUT_MS" envDefault:"10000"`
	OracleMaxTokens int    `env:"ORACLE_MAX_TOKENS" envDefault:"1500"`

	OracleRetryMaxAttempts    int     `env:"ORACLE_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	OracleRetryInitialDelayMs int     `env:"ORACLE_RETRY_INITIAL_DELAY_MS" envDefault:"1000"`
	OracleRetryMaxDelayMs     int     `env:"ORACLE_RETRY_MAX_DELAY_MS" envDefault:"10000"`
	OracleRetryMultiplier     float64 `env:"ORACLE_RETRY_MULTIPLIER" envDefault:"2"`

	// EntityStore selects the repository: "memory", "minio" or "neo4j".
	EntityStore string `env:"ENTITY_STORE" envDefault:"memory"`

	MinioEndpoint    string `env:"MINIO_ENDPOINT" envDefault:"minio:9000"`
	MinioAccessKey   string `env:"MINIO_ACCESS_KEY" envDefault:"minioadmin"`
	MinioSecretKey   string `env:"MINIO_SECRET_KEY" envDefault:"minioadmin"`
	MinioUseSSL      bool   `env:"MINIO_USE_SSL"`
	MinioBucket      string `env:"MINIO_BUCKET" envDefault:"entities"`
	MinioUsageBucket string `env:"MINIO_USAGE_BUCKET"`

	Neo4jURI      string `env:"NEO4J_URI" envDefault:"neo4j://neo4j:7687"`
	Neo4jUser     string `env:"NEO4J_USER" envDefault:"neo4j"`
	Neo4jPassword string `env:"NEO4J_PASSWORD" envDefault:"password"`
	Neo4jDatabase string `env:"NEO4J_DATABASE" envDefault:"neo4j"`

	BusMaxHop    int    `env:"BUS_MAX_HOP" envDefault:"5"`
	HTTPAddr     string `env:"HTTP_ADDR" envDefault:":8090"`
	ProfilesPath string `env:"REACTION_PROFILES_PATH"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads Config from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFrom reads Config from the given variables instead of the process
// environment.
func LoadFrom(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.OracleProvider {
	case "http", "openai":
	default:
		return fmt.Errorf("unknown ORACLE_PROVIDER %q", c.OracleProvider)
	}
	switch c.EntityStore {
	case "memory", "minio", "neo4j":
	default:
		return fmt.Errorf("unknown ENTITY_STORE %q", c.EntityStore)
	}
	if c.BusMaxHop < 1 {
		return fmt.Errorf("BUS_MAX_HOP must be positive, got %d", c.BusMaxHop)
	}
	if c.OracleRetryMaxAttempts < 1 {
		return fmt.Errorf("ORACLE_RETRY_MAX_ATTEMPTS must be positive, got %d", c.OracleRetryMaxAttempts)
	}
	if c.OracleRetryInitialDelayMs <= 0 || c.OracleRetryMaxDelayMs < c.OracleRetryInitialDelayMs {
		return fmt.Errorf("oracle retry delays must satisfy 0 < initial (%dms) <= max (%dms)",
			c.OracleRetryInitialDelayMs, c.OracleRetryMaxDelayMs)
	}
	if c.OracleRetryMultiplier < 1 {
		return fmt.Errorf("ORACLE_RETRY_MULTIPLIER must be at least 1, got %g", c.OracleRetryMultiplier)
	}
	return nil
}

// OracleRetryPolicy is the gateway backoff built from the ORACLE_RETRY_*
// variables.
func (c Config) OracleRetryPolicy() oracle.RetryPolicy {
	return oracle.RetryPolicy{
		MaxAttempts:  c.OracleRetryMaxAttempts,
		InitialDelay: time.Duration(c.OracleRetryInitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.OracleRetryMaxDelayMs) * time.Millisecond,
		Multiplier:   c.OracleRetryMultiplier,
	}
}

func (c Config) OracleTimeout() time.Duration {
	return time.Duration(c.OracleTimeoutMs) * time.Millisecond
}

func (c Config) KafkaPollFrequency() time.Duration {
	return time.Duration(c.KafkaPollFrequencyMs) * time.Millisecond
}
