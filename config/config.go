// Package config loads process-wide orchestration policy: provider secret
// presence, success floors, deadlines, and concurrency caps, from defaults
// overridden by an optional YAML file overridden by environment variables
// (§6).
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relayforge/polyllm/health"
	"github.com/relayforge/polyllm/internal/telemetry"
	"github.com/relayforge/polyllm/orchestrator"
	"github.com/relayforge/polyllm/ratelimiter"
)

// Config is the complete process-wide policy, mirroring §6's env var table.
type Config struct {
	Orchestration OrchestrationConfig  `yaml:"orchestration" env:"ORCHESTRATION"`
	Health        HealthConfig         `yaml:"health" env:"HEALTH"`
	RateLimit     RateLimitConfig      `yaml:"rate_limit" env:"RATE_LIMIT"`
	Log           LogConfig            `yaml:"log" env:"LOG"`
	Telemetry     TelemetryConfig      `yaml:"telemetry" env:"TELEMETRY"`
}

// TelemetryConfig mirrors telemetry.Config's env-facing fields.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// OrchestrationConfig mirrors orchestrator.Config's env-facing fields.
type OrchestrationConfig struct {
	MinimumModelsRequired     int           `yaml:"minimum_models_required" env:"MINIMUM_MODELS_REQUIRED"`
	EnableSingleModelFallback bool          `yaml:"enable_single_model_fallback" env:"ENABLE_SINGLE_MODEL_FALLBACK"`
	DeadlineSeconds           int           `yaml:"deadline_seconds" env:"DEADLINE_SECONDS"`
	StageMaxConcurrency       int           `yaml:"stage_max_concurrency" env:"STAGE_MAX_CONCURRENCY"`
}

// HealthConfig mirrors health.Config's env-facing fields.
type HealthConfig struct {
	UnhealthyThreshold      int `yaml:"unhealthy_threshold" env:"UNHEALTHY_THRESHOLD"`
	DegradedCooldownSeconds int `yaml:"degraded_cooldown_seconds" env:"DEGRADED_COOLDOWN_SECONDS"`
	UnhealthyCooldownSeconds int `yaml:"unhealthy_cooldown_seconds" env:"UNHEALTHY_COOLDOWN_SECONDS"`
}

// RateLimitConfig holds per-provider overrides; providers not named here use
// ratelimiter.DefaultBuckets.
type RateLimitConfig struct {
	OpenAIRate      float64 `yaml:"openai_rate" env:"OPENAI_RATE"`
	AnthropicRate   float64 `yaml:"anthropic_rate" env:"ANTHROPIC_RATE"`
	GoogleRate      float64 `yaml:"google_rate" env:"GOOGLE_RATE"`
	HuggingFaceRate float64 `yaml:"huggingface_rate" env:"HUGGINGFACE_RATE"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // json, console
}

// DefaultConfig returns §6's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Orchestration: OrchestrationConfig{
			MinimumModelsRequired:     orchestrator.DefaultMinimumModelsRequired,
			EnableSingleModelFallback: false,
			DeadlineSeconds:           int(orchestrator.DefaultOrchestrationDeadline.Seconds()),
			StageMaxConcurrency:       8,
		},
		Health: HealthConfig{
			UnhealthyThreshold:       health.DefaultUnhealthyThreshold,
			DegradedCooldownSeconds:  int(health.DefaultDegradedCooldown.Seconds()),
			UnhealthyCooldownSeconds: int(health.DefaultUnhealthyCooldown.Seconds()),
		},
		Log:       LogConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{Enabled: false, ServiceName: "polyllm", SampleRate: 1.0},
	}
}

// Loader loads Config from defaults, an optional YAML file, then env vars,
// in that priority order, matching the teacher's loader shape narrowed to
// this process's own settings (no server/database/agent sections — those
// concerns don't exist here).
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader builds a Loader with the POLYLLM env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "POLYLLM"}
}

// WithConfigPath sets an optional YAML defaults file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// Load returns the fully resolved Config.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("config: load from file: %w", err)
		}
	}
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: load from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		raw := os.Getenv(envKey)
		if raw == "" {
			continue
		}
		if err := setFieldValue(field, raw); err != nil {
			return fmt.Errorf("%s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	}
	return nil
}

// Validate checks basic range constraints.
func (c *Config) Validate() error {
	if c.Orchestration.MinimumModelsRequired <= 0 {
		return fmt.Errorf("orchestration.minimum_models_required must be positive")
	}
	if c.Orchestration.DeadlineSeconds <= 0 {
		return fmt.Errorf("orchestration.deadline_seconds must be positive")
	}
	if c.Orchestration.StageMaxConcurrency <= 0 {
		return fmt.Errorf("orchestration.stage_max_concurrency must be positive")
	}
	return nil
}

// OrchestratorConfig projects the loaded Config onto orchestrator.Config.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		MinimumModelsRequired:     c.Orchestration.MinimumModelsRequired,
		EnableSingleModelFallback: c.Orchestration.EnableSingleModelFallback,
		OrchestrationDeadline:     time.Duration(c.Orchestration.DeadlineSeconds) * time.Second,
		StageMaxConcurrency:       c.Orchestration.StageMaxConcurrency,
	}
}

// HealthManagerConfig projects the loaded Config onto health.Config.
func (c *Config) HealthManagerConfig() health.Config {
	return health.Config{
		UnhealthyThreshold: c.Health.UnhealthyThreshold,
		DegradedCooldown:   time.Duration(c.Health.DegradedCooldownSeconds) * time.Second,
		UnhealthyCooldown:  time.Duration(c.Health.UnhealthyCooldownSeconds) * time.Second,
	}
}

// RateLimitBuckets merges configured overrides onto ratelimiter's defaults.
func (c *Config) RateLimitBuckets() map[string]ratelimiter.BucketConfig {
	buckets := ratelimiter.DefaultBuckets()
	if c.RateLimit.OpenAIRate > 0 {
		buckets["openai"] = ratelimiter.BucketConfig{Rate: c.RateLimit.OpenAIRate, Burst: buckets["openai"].Burst}
	}
	if c.RateLimit.AnthropicRate > 0 {
		buckets["anthropic"] = ratelimiter.BucketConfig{Rate: c.RateLimit.AnthropicRate, Burst: buckets["anthropic"].Burst}
	}
	if c.RateLimit.GoogleRate > 0 {
		buckets["google"] = ratelimiter.BucketConfig{Rate: c.RateLimit.GoogleRate, Burst: buckets["google"].Burst}
	}
	if c.RateLimit.HuggingFaceRate > 0 {
		buckets["huggingface"] = ratelimiter.BucketConfig{Rate: c.RateLimit.HuggingFaceRate, Burst: buckets["huggingface"].Burst}
	}
	return buckets
}

// TelemetryProvidersConfig projects the loaded Config onto telemetry.Config.
func (c *Config) TelemetryProvidersConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:      c.Telemetry.Enabled,
		OTLPEndpoint: c.Telemetry.OTLPEndpoint,
		ServiceName:  c.Telemetry.ServiceName,
		SampleRate:   c.Telemetry.SampleRate,
	}
}
