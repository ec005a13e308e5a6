package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env       string
	Port      string
	Redis     RedisConfig
	Lease     LeaseConfig
	Generator GeneratorConfig
	Clock     ClockConfig
	OTel      OTelConfig
}

type RedisConfig struct {
	URL string
}

type LeaseConfig struct {
	Namespace       string
	TTL             time.Duration
	RenewFraction   float64
	AcquireDeadline time.Duration
	CallTimeout     time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
}

type GeneratorConfig struct {
	EpochMs       int64
	NodeBits      uint
	SeqBits       uint
	AllowDegraded bool // fall back to an ip-derived node id when no lease can be acquired
	BatchMax      int  // cap on /v1/ids?count=
}

type ClockConfig struct {
	MaxRegression time.Duration
}

// Telemetry sink variants. The set is closed: selection happens here, the
// core only ever sees the Emitter interface.
const (
	SinkOTLP   = "otlp"
	SinkZipkin = "zipkin"
	SinkStdout = "stdout"
	SinkNone   = "none"
)

type OTelConfig struct {
	Sink           string
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

// Load loads configuration from environment variables. In development it
// also reads .env from the working directory.
func Load() (Config, error) {
	if getEnv("MINT_ENV", "development") == "development" {
		_ = godotenv.Load(".env")
	}

	cfg := Config{
		Env:  getEnv("MINT_ENV", "development"),
		Port: getEnv("PORT", "8080"),
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		Lease: LeaseConfig{
			Namespace:       getEnv("LEASE_NAMESPACE", "nodeid-lease"),
			TTL:             getEnvDuration("LEASE_TTL", 15*time.Second),
			RenewFraction:   getEnvFloat("LEASE_RENEW_FRACTION", 1.0/3.0),
			AcquireDeadline: getEnvDuration("LEASE_ACQUIRE_DEADLINE", 30*time.Second),
			CallTimeout:     getEnvDuration("LEASE_CALL_TIMEOUT", 2*time.Second),
			BackoffBase:     getEnvDuration("LEASE_BACKOFF_BASE", 100*time.Millisecond),
			BackoffCap:      getEnvDuration("LEASE_BACKOFF_CAP", 2*time.Second),
		},
		Generator: GeneratorConfig{
			EpochMs:       getEnvInt64("GENERATOR_EPOCH_MS", 1704067200000),
			NodeBits:      uint(getEnvInt("GENERATOR_NODE_BITS", 10)),
			SeqBits:       uint(getEnvInt("GENERATOR_SEQ_BITS", 12)),
			AllowDegraded: getEnvBool("GENERATOR_ALLOW_DEGRADED", false),
			BatchMax:      getEnvInt("GENERATOR_BATCH_MAX", 1000),
		},
		Clock: ClockConfig{
			MaxRegression: getEnvDuration("CLOCK_MAX_REGRESSION", 10*time.Millisecond),
		},
		OTel: OTelConfig{
			Sink:           getEnv("OTEL_SINK", SinkNone),
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "mintd"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Generator.NodeBits+c.Generator.SeqBits != 22 {
		return fmt.Errorf("GENERATOR_NODE_BITS + GENERATOR_SEQ_BITS must equal 22, got %d + %d",
			c.Generator.NodeBits, c.Generator.SeqBits)
	}
	if c.Lease.TTL <= 0 {
		return fmt.Errorf("LEASE_TTL must be positive")
	}
	if c.Lease.RenewFraction <= 0 || c.Lease.RenewFraction >= 1 {
		return fmt.Errorf("LEASE_RENEW_FRACTION must be in (0, 1), got %g", c.Lease.RenewFraction)
	}
	if c.Generator.EpochMs <= 0 || c.Generator.EpochMs > time.Now().UnixMilli() {
		return fmt.Errorf("GENERATOR_EPOCH_MS must be a past timestamp, got %d", c.Generator.EpochMs)
	}
	switch c.OTel.Sink {
	case SinkOTLP, SinkZipkin, SinkStdout, SinkNone:
	default:
		return fmt.Errorf("OTEL_SINK must be one of otlp, zipkin, stdout, none; got %q", c.OTel.Sink)
	}
	if (c.OTel.Sink == SinkOTLP || c.OTel.Sink == SinkZipkin) && c.OTel.Endpoint == "" {
		return fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_SINK=%s", c.OTel.Sink)
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c OTelConfig) Enabled() bool {
	return c.Sink != "" && c.Sink != SinkNone
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
