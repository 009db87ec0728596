// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Engine        EngineConfig        `yaml:"engine"`
	Policy        PolicyConfig        `yaml:"policy"`
	Store         StoreConfig         `yaml:"store"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// EngineConfig selects and configures the process engine adapter.
type EngineConfig struct {
	// Driver is "flowable" or "memory".
	Driver         string               `yaml:"driver"`
	BaseURL        string               `yaml:"base_url"`
	Username       string               `yaml:"username"`
	PasswordEnv    string               `yaml:"password_env"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings for an upstream.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings for an upstream.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// PolicyConfig describes the policy decision point.
type PolicyConfig struct {
	// Evaluator is "static" or "cerbos".
	Evaluator        string       `yaml:"evaluator"`
	StaticPolicyFile string       `yaml:"static_policy_file"`
	HotReload        bool         `yaml:"hot_reload"`
	Cerbos           CerbosConfig `yaml:"cerbos"`
	PrincipalCache   CacheConfig  `yaml:"principal_cache"`
}

// CerbosConfig describes the Cerbos HTTP endpoint.
type CerbosConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// StoreConfig describes persistence for metadata, queue and directory data.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `yaml:"driver"`
	// DSNEnv names the environment variable holding the connection string.
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	// SeedFile loads users, business apps and roles into the memory
	// directory at startup.
	SeedFile string `yaml:"seed_file"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// EventsConfig describes task lifecycle event publishing.
type EventsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Driver is "nats" or "memory".
	Driver        string `yaml:"driver"`
	URLEnv        string `yaml:"url_env"`
	SubjectPrefix string `yaml:"subject_prefix"`
	// JetStream publishes through JetStream with message-id deduplication.
	// The stream covering SubjectPrefix must exist.
	JetStream bool `yaml:"jetstream"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	Insecure          bool    `yaml:"insecure"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Engine: EngineConfig{
			Driver:  "flowable",
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
				IdempotentOnly:    true,
			},
		},
		Policy: PolicyConfig{
			Evaluator: "static",
			Cerbos: CerbosConfig{
				Timeout: 5 * time.Second,
			},
			PrincipalCache: CacheConfig{
				TTL:        1 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Store: StoreConfig{
			Driver:          "postgres",
			DSNEnv:          "TASKGATE_DATABASE_URL",
			MaxConns:        25,
			MinConns:        2,
			MaxConnLifetime: 30 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "TASKGATE_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Events: EventsConfig{
			Driver:        "nats",
			URLEnv:        "TASKGATE_NATS_URL",
			SubjectPrefix: "taskgate.tasks",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads the YAML file at path over Defaults, applies TASKGATE_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid or missing setting at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		fail("server.port must be between 1 and 65535")
	}
	for field, value := range map[string]string{
		"identity.issuer":   c.Identity.Issuer,
		"identity.jwks_url": c.Identity.JWKSURL,
		"identity.audience": c.Identity.Audience,
	} {
		if value == "" {
			fail("%s is required", field)
		}
	}

	switch c.Engine.Driver {
	case "memory":
	case "flowable":
		if c.Engine.BaseURL == "" {
			fail("engine.base_url is required for the flowable driver")
		}
	default:
		fail("engine.driver %q is not supported", c.Engine.Driver)
	}

	switch c.Policy.Evaluator {
	case "static":
		if c.Policy.StaticPolicyFile == "" {
			fail("policy.static_policy_file is required for the static evaluator")
		}
	case "cerbos":
		if c.Policy.Cerbos.URL == "" {
			fail("policy.cerbos.url is required for the cerbos evaluator")
		}
	default:
		fail("policy.evaluator %q is not supported", c.Policy.Evaluator)
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			fail("store.dsn_env is required for the postgres driver")
		}
		if c.Store.MinConns > c.Store.MaxConns && c.Store.MaxConns > 0 {
			fail("store.min_conns exceeds store.max_conns")
		}
	default:
		fail("store.driver %q is not supported", c.Store.Driver)
	}

	if c.Idempotency.Enabled && c.Idempotency.Store.Driver != "redis" && c.Idempotency.Store.Driver != "memory" {
		fail("idempotency.store.driver %q is not supported", c.Idempotency.Store.Driver)
	}
	if c.Events.Enabled && c.Events.Driver != "nats" && c.Events.Driver != "memory" {
		fail("events.driver %q is not supported", c.Events.Driver)
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		fail("observability.log_format %q is not supported", c.Observability.LogFormat)
	}

	return errors.Join(errs...)
}

// envOverrides maps TASKGATE_* variables onto the settings that differ most
// between deployments.
var envOverrides = map[string]func(*Config, string) error{
	"TASKGATE_SERVER_PORT": func(c *Config, v string) error {
		port, err := strconv.Atoi(v)
		c.Server.Port = port
		return err
	},
	"TASKGATE_IDENTITY_ISSUER":          func(c *Config, v string) error { c.Identity.Issuer = v; return nil },
	"TASKGATE_IDENTITY_JWKS_URL":        func(c *Config, v string) error { c.Identity.JWKSURL = v; return nil },
	"TASKGATE_IDENTITY_AUDIENCE":        func(c *Config, v string) error { c.Identity.Audience = v; return nil },
	"TASKGATE_ENGINE_DRIVER":            func(c *Config, v string) error { c.Engine.Driver = v; return nil },
	"TASKGATE_ENGINE_BASE_URL":          func(c *Config, v string) error { c.Engine.BaseURL = v; return nil },
	"TASKGATE_STORE_DRIVER":             func(c *Config, v string) error { c.Store.Driver = v; return nil },
	"TASKGATE_POLICY_EVALUATOR":         func(c *Config, v string) error { c.Policy.Evaluator = v; return nil },
	"TASKGATE_POLICY_CERBOS_URL":        func(c *Config, v string) error { c.Policy.Cerbos.URL = v; return nil },
	"TASKGATE_OBSERVABILITY_LOG_LEVEL":  func(c *Config, v string) error { c.Observability.LogLevel = v; return nil },
	"TASKGATE_OBSERVABILITY_LOG_FORMAT": func(c *Config, v string) error { c.Observability.LogFormat = v; return nil },
	"TASKGATE_TRACING_ENABLED": func(c *Config, v string) error {
		enabled, err := strconv.ParseBool(v)
		c.Observability.Tracing.Enabled = enabled
		return err
	},
	"TASKGATE_TRACING_ENDPOINT": func(c *Config, v string) error { c.Observability.Tracing.Endpoint = v; return nil },
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for name, apply := range envOverrides {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		if err := apply(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
