// Package config is the gateway's single immutable configuration object
// (spec.md §6, §9 Open Question: "configuration is a single immutable
// object passed to the orchestrator; hot-reload is out of scope"). It is
// assembled once by Load from defaults, an optional YAML file, and
// environment variables, the way services/event-bus-service and
// services/collaboration-service layer spf13/viper, rather than the
// hand-rolled os.Getenv table services/api-gateway used.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root configuration object. Every field is populated at
// Load time and never mutated afterward.
type Config struct {
	ListenPort int    `mapstructure:"listen_port" validate:"required,min=1,max=65535"`
	Name       string `mapstructure:"name" validate:"required"`
	Version    string `mapstructure:"version" validate:"required"`
	Environment string `mapstructure:"environment"`

	Services []ServiceSpec `mapstructure:"services" validate:"dive"`
	Policies Policies      `mapstructure:"policies"`
	Timeouts Timeouts      `mapstructure:"timeouts"`
	Health   HealthConfig  `mapstructure:"health"`

	Observability Observability `mapstructure:"observability"`
	Audit         Audit         `mapstructure:"audit"`
}

// InstanceSpec is one declared instance of a configured service.
type InstanceSpec struct {
	Host       string `mapstructure:"host" validate:"required"`
	Port       int    `mapstructure:"port" validate:"required"`
	Weight     int    `mapstructure:"weight"`
	HealthPath string `mapstructure:"health_path"`
}

// CircuitSpec carries the breaker thresholds for one service. OpenTimeoutMS
// is milliseconds, matching the `_ms` convention spec.md §6 uses
// throughout its configuration block.
type CircuitSpec struct {
	FailureThreshold          int `mapstructure:"failure_threshold"`
	OpenTimeoutMS             int `mapstructure:"open_timeout_ms"`
	HalfOpenSuccessesRequired int `mapstructure:"half_open_successes_required"`
}

// RateLimitSpec carries the rate-limit parameters for one service.
type RateLimitSpec struct {
	Algorithm   string `mapstructure:"algorithm"`
	WindowMS    int    `mapstructure:"window_ms"`
	Max         int    `mapstructure:"max"`
	KeyStrategy string `mapstructure:"key_strategy"`
}

// AuthSpec carries the authz role requirement and optional schema for a
// service.
type AuthSpec struct {
	Roles  []string        `mapstructure:"roles"`
	Schema *SchemaSpec     `mapstructure:"schema"`
}

// SchemaSpec is the object-shape schema from spec.md §4.5 stage 6.
type SchemaSpec struct {
	Required             []string `mapstructure:"required"`
	AdditionalProperties bool     `mapstructure:"additional_properties"`
}

// ServiceSpec is one entry of the `services[]` configuration block.
type ServiceSpec struct {
	Name              string         `mapstructure:"name" validate:"required"`
	Version           string         `mapstructure:"version"`
	LoadBalancePolicy string         `mapstructure:"load_balance_policy"`
	Instances         []InstanceSpec `mapstructure:"instances"`
	Circuit           CircuitSpec    `mapstructure:"circuit"`
	RateLimit         RateLimitSpec  `mapstructure:"rate_limit"`
	Auth              AuthSpec       `mapstructure:"auth"`
}

// JWTPolicy configures bearer-token verification.
type JWTPolicy struct {
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
	SecretRef string `mapstructure:"secret_ref"`
}

// AuthPolicy configures the Authentication stage (spec.md §4.5 stage 4).
type AuthPolicy struct {
	Enabled bool      `mapstructure:"enabled"`
	APIKeys []string  `mapstructure:"api_keys"`
	JWT     JWTPolicy `mapstructure:"jwt"`
}

// AuthzPolicy configures the Authorization stage (stage 5): role name to
// permission list, permissions may use a `service:*` wildcard.
type AuthzPolicy struct {
	RolePermissions map[string][]string `mapstructure:"role_permissions"`
}

// MTLSPolicy configures the optional mTLS check (stage 3).
type MTLSPolicy struct {
	Enabled bool   `mapstructure:"enabled"`
	Header  string `mapstructure:"header"`
	Value   string `mapstructure:"value"`
}

// RateLimitDefault is the fallback rate-limit policy used when a service
// doesn't declare its own.
type RateLimitDefault struct {
	Algorithm   string `mapstructure:"algorithm"`
	WindowMS    int    `mapstructure:"window_ms"`
	Max         int    `mapstructure:"max"`
	KeyStrategy string `mapstructure:"key_strategy"`
	Backend     string `mapstructure:"backend"` // "memory" | "redis"
	RedisAddr   string `mapstructure:"redis_addr"`
}

// Policies bundles every Policy Pipeline stage's configuration.
type Policies struct {
	Bypass    []string         `mapstructure:"bypass"`
	Auth      AuthPolicy       `mapstructure:"auth"`
	Authz     AuthzPolicy      `mapstructure:"authz"`
	MTLS      MTLSPolicy       `mapstructure:"mtls"`
	RateLimit RateLimitDefault `mapstructure:"rate_limit"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// Timeouts bundles every component-level deadline.
type Timeouts struct {
	RequestMS      int `mapstructure:"request_ms"`
	ProbeMS        int `mapstructure:"probe_ms"`
	UpstreamMS     int `mapstructure:"upstream_ms"`
	ShutdownGraceMS int `mapstructure:"shutdown_grace_ms"`
	ProbeIntervalMS int `mapstructure:"probe_interval_ms"`
}

// HealthConfig configures the /health admin endpoint's thresholds.
type HealthConfig struct {
	ErrorRateThreshold    float64 `mapstructure:"error_rate_threshold"`
	AvgLatencyThresholdMS int     `mapstructure:"avg_latency_threshold_ms"`
}

// Observability configures logging/metrics/tracing/error-capture.
type Observability struct {
	Debug          bool    `mapstructure:"debug"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	SamplingRatio  float64 `mapstructure:"sampling_ratio"`
	SentryDSN      string  `mapstructure:"sentry_dsn"`
}

// Audit configures the best-effort audit-event publisher.
type Audit struct {
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	Topic        string   `mapstructure:"topic"`
}

// Load assembles the immutable configuration: defaults, then an optional
// YAML file, then environment variables (GATEWAY_ prefix), validated
// before being returned. A local .env file is loaded first (if present)
// so GATEWAY_* vars can be set the way the teacher's godotenv-based
// services do for local development.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GATEWAY")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_port", 8080)
	v.SetDefault("name", "gateway-mesh")
	v.SetDefault("version", "1.0.0")
	v.SetDefault("environment", "development")

	v.SetDefault("timeouts.request_ms", 30_000)
	v.SetDefault("timeouts.probe_ms", 5_000)
	v.SetDefault("timeouts.upstream_ms", 30_000)
	v.SetDefault("timeouts.shutdown_grace_ms", 30_000)
	v.SetDefault("timeouts.probe_interval_ms", 30_000)

	v.SetDefault("health.error_rate_threshold", 0.05)
	v.SetDefault("health.avg_latency_threshold_ms", 1000)

	v.SetDefault("policies.bypass", []string{"/health", "/metrics", "/services"})
	v.SetDefault("policies.max_body_bytes", int64(10<<20))
	v.SetDefault("policies.rate_limit.algorithm", "sliding")
	v.SetDefault("policies.rate_limit.window_ms", 60_000)
	v.SetDefault("policies.rate_limit.max", 100)
	v.SetDefault("policies.rate_limit.key_strategy", "ip")
	v.SetDefault("policies.rate_limit.backend", "memory")

	v.SetDefault("observability.sampling_ratio", 1.0)
}
