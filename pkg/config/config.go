// Package config loads and validates the engine's configuration surface:
// server, database, logging, security/auth, and the engine knobs from
// the external interfaces contract (pool sizes, queue bounds, retry
// defaults, span-promotion thresholds, concurrency limits, deadlines,
// arena caps).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the inbound request transport.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT" validate:"min=0,max=65535"`
}

// AdminConfig controls the admin/debug mux (healthz, readyz, metrics).
type AdminConfig struct {
	Host string `json:"host" env:"ADMIN_HOST"`
	Port int    `json:"port" env:"ADMIN_PORT" validate:"min=0,max=65535"`
}

// ControlConfig controls the gin-based control plane (route introspection).
type ControlConfig struct {
	Host     string `json:"host" env:"CONTROL_HOST"`
	Port     int    `json:"port" env:"CONTROL_PORT" validate:"min=0,max=65535"`
	JWTHMACSecret string `json:"jwt_hmac_secret" env:"CONTROL_JWT_HMAC_SECRET"`
}

// DatabaseConfig controls the SQL effector's connection pool.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS" validate:"min=0"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS" validate:"min=0"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME" validate:"min=0"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// RedisConfig controls the KV effector's Redis adapter.
type RedisConfig struct {
	Addr     string `json:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`
}

// LoggingConfig controls the ambient structured logger.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
	Output string `json:"output" env:"LOG_OUTPUT"`
}

// SecurityConfig controls the edge-gateway shared-secret gate placed in
// front of the control plane. Empty disables the gate.
type SecurityConfig struct {
	EdgeSharedSecret string `json:"edge_shared_secret" env:"EDGE_SHARED_SECRET"`
}

// AuthConfig controls control-plane bearer-token authentication.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" env:"AUTH_JWT_SECRET"`
}

// PoolConfig sizes one of the scheduler's three job pools.
type PoolConfig struct {
	Workers int `json:"workers" mapstructure:"workers" validate:"min=1"`
}

// ComputePoolConfig additionally selects whether the compute pool is
// dedicated, shared with the continuation pool, or absent.
type ComputePoolConfig struct {
	Kind    string `json:"kind" mapstructure:"kind" validate:"oneof=shared dedicated none"`
	Workers int    `json:"workers" mapstructure:"workers" validate:"min=0"`
}

// PoolsConfig groups the scheduler's continuation/effector/compute pools.
type PoolsConfig struct {
	Continuation PoolConfig        `json:"continuation" mapstructure:"continuation"`
	Effector     PoolConfig        `json:"effector" mapstructure:"effector"`
	Compute      ComputePoolConfig `json:"compute" mapstructure:"compute"`
}

// QueueBoundsConfig bounds the depth of each scheduler job queue.
type QueueBoundsConfig struct {
	Continuation int `json:"continuation" mapstructure:"continuation" validate:"min=1"`
	Effector     int `json:"effector" mapstructure:"effector" validate:"min=1"`
	Compute      int `json:"compute" mapstructure:"compute" validate:"min=0"`
}

// RetryDefaultsConfig is the fallback retry policy applied to any effect
// that does not declare its own.
type RetryDefaultsConfig struct {
	MaxAttempts    int     `json:"max_attempts" mapstructure:"max_attempts" validate:"min=1"`
	InitialDelayMS int     `json:"initial_delay_ms" mapstructure:"initial_delay_ms" validate:"min=0"`
	MaxDelayMS     int     `json:"max_delay_ms" mapstructure:"max_delay_ms" validate:"min=0"`
	Multiplier     float64 `json:"multiplier" mapstructure:"multiplier" validate:"min=1"`
	Jitter         float64 `json:"jitter" mapstructure:"jitter" validate:"min=0,max=1"`
}

// SpanPromotionConfig controls when a job's trace span is promoted from
// the collapsed default into its own entry.
type SpanPromotionConfig struct {
	QueueWaitMS int `json:"queue_wait_ms" mapstructure:"queue_wait_ms" validate:"min=0"`
	RunActiveMS int `json:"run_active_ms" mapstructure:"run_active_ms" validate:"min=0"`
}

// LimitsConfig bounds per-target and per-request concurrency.
type LimitsConfig struct {
	PerTargetConcurrency int `json:"per_target_concurrency" mapstructure:"per_target_concurrency" validate:"min=1"`
	PerRequestInflight   int `json:"per_request_inflight" mapstructure:"per_request_inflight" validate:"min=1"`
}

// RequestConfig controls request-wide defaults.
type RequestConfig struct {
	TotalDeadlineMS int `json:"total_deadline_ms" mapstructure:"total_deadline_ms" validate:"min=0"`
}

// ArenaConfig bounds the per-request bump allocator.
type ArenaConfig struct {
	SoftCapBytes int64 `json:"soft_cap_bytes" mapstructure:"soft_cap_bytes" validate:"min=0"`
	HardCapBytes int64 `json:"hard_cap_bytes" mapstructure:"hard_cap_bytes" validate:"min=0"`
}

// EngineConfig holds every knob from the external interfaces contract.
type EngineConfig struct {
	Pools         PoolsConfig         `json:"pools" mapstructure:"pools"`
	QueueBounds   QueueBoundsConfig   `json:"queue_bounds" mapstructure:"queue_bounds"`
	RetryDefaults RetryDefaultsConfig `json:"retry_defaults" mapstructure:"retry_defaults"`
	SpanPromotion SpanPromotionConfig `json:"span_promotion" mapstructure:"span_promotion"`
	Limits        LimitsConfig        `json:"limits" mapstructure:"limits"`
	Request       RequestConfig       `json:"request" mapstructure:"request"`
	Arena         ArenaConfig         `json:"arena" mapstructure:"arena"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Admin    AdminConfig    `json:"admin"`
	Control  ControlConfig  `json:"control"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Logging  LoggingConfig  `json:"logging"`
	Security SecurityConfig `json:"security"`
	Auth     AuthConfig     `json:"auth"`
	Engine   EngineConfig   `json:"engine"`
}

// New returns a configuration populated with defaults matching spec-level
// recommendations (modest pool sizes, bounded queues, exponential backoff).
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Admin:  AdminConfig{Host: "0.0.0.0", Port: 8081},
		Control: ControlConfig{Host: "127.0.0.1", Port: 8082},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Redis: RedisConfig{Addr: "127.0.0.1:6379"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Engine: EngineConfig{
			Pools: PoolsConfig{
				Continuation: PoolConfig{Workers: 4},
				Effector:     PoolConfig{Workers: 8},
				Compute:      ComputePoolConfig{Kind: "shared", Workers: 0},
			},
			QueueBounds: QueueBoundsConfig{
				Continuation: 256,
				Effector:     512,
				Compute:      128,
			},
			RetryDefaults: RetryDefaultsConfig{
				MaxAttempts:    3,
				InitialDelayMS: 50,
				MaxDelayMS:     2000,
				Multiplier:     2.0,
				Jitter:         0.2,
			},
			SpanPromotion: SpanPromotionConfig{
				QueueWaitMS: 25,
				RunActiveMS: 50,
			},
			Limits: LimitsConfig{
				PerTargetConcurrency: 32,
				PerRequestInflight:   16,
			},
			Request: RequestConfig{TotalDeadlineMS: 30000},
			Arena: ArenaConfig{
				SoftCapBytes: 64 * 1024,
				HardCapBytes: 512 * 1024,
			},
		},
	}
}

// ConnectionString builds a PostgreSQL connection string, used when DSN is
// not supplied directly.
func (c DatabaseConfig) ConnectionString(host string, port int, user, password, name, sslmode string) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, name, sslmode,
	)
}

// Load loads configuration from an optional YAML file plus environment
// variables, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged field is present in the
		// environment; treat that as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file and validates it.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads a JSON configuration file over the defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

var validate = validator.New()

// Validate runs struct-tag validation over the loaded configuration,
// catching impossible pool sizes, negative queue bounds, or out-of-range
// jitter before the engine starts.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Engine.Arena.HardCapBytes > 0 && cfg.Engine.Arena.SoftCapBytes > cfg.Engine.Arena.HardCapBytes {
		return fmt.Errorf("invalid configuration: arena.soft_cap_bytes (%d) exceeds arena.hard_cap_bytes (%d)",
			cfg.Engine.Arena.SoftCapBytes, cfg.Engine.Arena.HardCapBytes)
	}
	return nil
}
