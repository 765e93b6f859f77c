// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
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

// IdentityConfig describes JWT and identity provider settings. ClaimPaths
// maps RequestContext fields to (possibly dotted) claim names.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer" validate:"required"`
	Audience     string            `yaml:"audience" validate:"required"`
	JWKSURL      string            `yaml:"jwks_url" validate:"required,url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms" validate:"min=1,dive,oneof=RS256 RS384 RS512 ES256 ES384 ES512"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	Evaluator        string      `yaml:"evaluator" validate:"oneof=static"`
	StaticPolicyFile string      `yaml:"static_policy_file" validate:"required_if=Evaluator static"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// WorkflowConfig describes approval engine settings.
type WorkflowConfig struct {
	Store  WorkflowStoreConfig `yaml:"store"`
	Policy PolicyConfig        `yaml:"policy"`
}

// WorkflowStoreConfig describes request persistence settings. The DSN is
// read from the environment variable named by DSNEnv.
type WorkflowStoreConfig struct {
	Driver          string        `yaml:"driver" validate:"oneof=memory postgres"`
	DSNEnv          string        `yaml:"dsn_env" validate:"required_if=Driver postgres"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// PolicyConfig holds the business rules of the approval engine.
type PolicyConfig struct {
	AllowNegativeBalance       bool   `yaml:"allow_negative_balance"`
	OverrideCapability         string `yaml:"override_capability"`
	CancelAfterPartialApproval bool   `yaml:"cancel_after_partial_approval"`
	CancelAfterFinalApproval   bool   `yaml:"cancel_after_final_approval"`
	CancelAnyCapability        string `yaml:"cancel_any_capability"`
	MaxApprovers               int    `yaml:"max_approvers" validate:"min=1"`
}

// DispatchConfig describes the outbox relay and the intent consumers.
type DispatchConfig struct {
	Driver        string        `yaml:"driver" validate:"oneof=gochannel kafka"`
	Topic         string        `yaml:"topic" validate:"required"`
	RelaySchedule string        `yaml:"relay_schedule" validate:"required"`
	BatchSize     int           `yaml:"batch_size" validate:"min=1"`
	Kafka         KafkaConfig   `yaml:"kafka"`
	Retry         ConsumerRetry `yaml:"retry"`
	Dedupe        DedupeConfig  `yaml:"dedupe"`
}

// KafkaConfig describes the Kafka transport.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// ConsumerRetry describes redelivery of a failed intent inside one consumer.
type ConsumerRetry struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// DedupeConfig describes how consumers remember handled intents.
type DedupeConfig struct {
	Driver  string        `yaml:"driver" validate:"oneof=memory redis"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
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

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
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
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
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
				"role_level": "role_level",
			},
		},
		Capability: CapabilityConfig{
			Evaluator: "static",
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Workflow: WorkflowConfig{
			Store: WorkflowStoreConfig{
				Driver:          "memory",
				DSNEnv:          "HRFLOW_DATABASE_URL",
				MaxConns:        25,
				MinConns:        2,
				ConnMaxLifetime: 5 * time.Minute,
			},
			Policy: PolicyConfig{
				OverrideCapability:  "ledger:override",
				CancelAnyCapability: "requests:cancel:any",
				MaxApprovers:        10,
			},
		},
		Dispatch: DispatchConfig{
			Driver:        "gochannel",
			Topic:         "hrflow.intents",
			RelaySchedule: "@every 2s",
			BatchSize:     100,
			Kafka: KafkaConfig{
				ConsumerGroup: "hrflow-dispatch",
			},
			Retry: ConsumerRetry{
				MaxRetries:      5,
				InitialInterval: 200 * time.Millisecond,
				MaxInterval:     10 * time.Second,
			},
			Dedupe: DedupeConfig{
				Driver:  "memory",
				AddrEnv: "HRFLOW_REDIS_ADDR",
				TTL:     24 * time.Hour,
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "HRFLOW_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
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

// Load reads the YAML file at path over Defaults, applies HRFLOW_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		d := sl.Current().Interface().(DispatchConfig)
		if d.Driver == "kafka" && len(d.Kafka.Brokers) == 0 {
			sl.ReportError(d.Kafka.Brokers, "kafka.brokers", "Brokers", "required_if", "driver kafka")
		}
	}, DispatchConfig{})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		c := sl.Current().Interface().(IdempotencyConfig)
		if d := c.Store.Driver; c.Enabled && d != "memory" && d != "redis" {
			sl.ReportError(d, "store.driver", "Driver", "oneof", "memory redis")
		}
	}, IdempotencyConfig{})
	return v
}

// Validate reports every invalid field, keyed by its YAML path.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	// Namespace is "Config.server.port"; drop the root type.
	_, path, _ := strings.Cut(fe.Namespace(), ".")
	switch fe.Tag() {
	case "required":
		return path + " is required"
	case "required_if":
		return fmt.Sprintf("%s is required when %s", path, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s %q is not one of %s", path, fmt.Sprint(fe.Value()), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", path, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", path, fe.Param())
	case "url":
		return path + " must be an absolute URL"
	default:
		return fmt.Sprintf("%s failed %s", path, fe.Tag())
	}
}

type envOverride struct {
	name  string
	apply func(cfg *Config, v string) error
}

// envOverrides are the HRFLOW_* variables honoured by Load. Values that do
// not parse are ignored and the file value stands.
var envOverrides = []envOverride{
	{"HRFLOW_SERVER_PORT", func(c *Config, v string) (err error) {
		c.Server.Port, err = parseInto(c.Server.Port, v, strconv.Atoi)
		return err
	}},
	{"HRFLOW_IDENTITY_ISSUER", func(c *Config, v string) error { c.Identity.Issuer = v; return nil }},
	{"HRFLOW_IDENTITY_JWKS_URL", func(c *Config, v string) error { c.Identity.JWKSURL = v; return nil }},
	{"HRFLOW_IDENTITY_AUDIENCE", func(c *Config, v string) error { c.Identity.Audience = v; return nil }},
	{"HRFLOW_OBSERVABILITY_LOG_LEVEL", func(c *Config, v string) error { c.Observability.LogLevel = v; return nil }},
	{"HRFLOW_WORKFLOW_STORE_DRIVER", func(c *Config, v string) error { c.Workflow.Store.Driver = v; return nil }},
	{"HRFLOW_WORKFLOW_POLICY_ALLOW_NEGATIVE_BALANCE", func(c *Config, v string) (err error) {
		c.Workflow.Policy.AllowNegativeBalance, err = parseInto(c.Workflow.Policy.AllowNegativeBalance, v, strconv.ParseBool)
		return err
	}},
	{"HRFLOW_DISPATCH_DRIVER", func(c *Config, v string) error { c.Dispatch.Driver = v; return nil }},
	{"HRFLOW_DISPATCH_KAFKA_BROKERS", func(c *Config, v string) error {
		c.Dispatch.Kafka.Brokers = strings.Split(v, ",")
		return nil
	}},
}

// parseInto returns parse(v), or current when v does not parse.
func parseInto[T any](current T, v string, parse func(string) (T, error)) (T, error) {
	parsed, err := parse(v)
	if err != nil {
		return current, err
	}
	return parsed, nil
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			_ = o.apply(cfg, v)
		}
	}
}
