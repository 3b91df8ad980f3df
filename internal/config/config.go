// Package config loads and validates the gateway configuration from a YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the copilot gateway.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Cache    CacheConfig    `yaml:"cache"`
	Audit    AuditConfig    `yaml:"audit"`
	LLM      LLMConfig      `yaml:"llm"`
	PowerBI  PowerBIConfig  `yaml:"powerbi"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Fabric   FabricConfig   `yaml:"fabric"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host           string          `yaml:"host"`
	Port           int             `yaml:"port"`
	TrustedHosts   []string        `yaml:"trusted_hosts"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxBodyBytes   int64           `yaml:"max_body_bytes"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
	Burst     int `yaml:"burst"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	AccessExpiry    time.Duration `yaml:"access_expiry"`
	RefreshExpiry   time.Duration `yaml:"refresh_expiry"`
	BcryptCost      int           `yaml:"bcrypt_cost"`
	MaxFailures     int           `yaml:"max_failures"`
	FailureWindow   time.Duration `yaml:"failure_window"`
	LockoutDuration time.Duration `yaml:"lockout_duration"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
}

type CacheConfig struct {
	DefaultTTL           time.Duration `yaml:"default_ttl"`
	CompressionThreshold int           `yaml:"compression_threshold"`
}

type AuditConfig struct {
	RetentionDays int           `yaml:"retention_days"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	SinkURL       string        `yaml:"sink_url"`
	SinkKey       string        `yaml:"sink_key"`
	FallbackPath  string        `yaml:"fallback_path"`
}

// LLMConfig points at an Azure OpenAI style deployment endpoint. Each model
// variant maps to its own deployment under the same endpoint and API key.
type LLMConfig struct {
	Endpoint    string             `yaml:"endpoint"`
	APIKey      string             `yaml:"api_key"`
	APIVersion  string             `yaml:"api_version"`
	Timeout     time.Duration      `yaml:"timeout"`
	CacheTTL    time.Duration      `yaml:"cache_ttl"`
	Deployments map[string]string  `yaml:"deployments"`
	Temperature map[string]float64 `yaml:"temperature"`
}

type PowerBIConfig struct {
	TenantID     string        `yaml:"tenant_id"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	WorkspaceID  string        `yaml:"workspace_id"`
	DatasetID    string        `yaml:"dataset_id"`
	Scope        string        `yaml:"scope"`
	APIBase      string        `yaml:"api_base"`
	TokenURL     string        `yaml:"token_url"`
	InfoCacheTTL time.Duration `yaml:"info_cache_ttl"`
}

type WorkflowConfig struct {
	ServiceURL      string        `yaml:"service_url"`
	CallbackBaseURL string        `yaml:"callback_base_url"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
	WebhookSecret   string        `yaml:"webhook_secret"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryStep       time.Duration `yaml:"retry_step"`
	RetryCeiling    time.Duration `yaml:"retry_ceiling"`
}

type FabricConfig struct {
	MaxConnections       int           `yaml:"max_connections"`
	SendBuffer           int           `yaml:"send_buffer"`
	BatchSize            int           `yaml:"batch_size"`
	BatchWindow          time.Duration `yaml:"batch_window"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with production defaults. Secrets are left
// empty and must come from the file or the environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			MaxBodyBytes:   10 << 20,
			RequestTimeout: 60 * time.Second,
			RateLimit: RateLimitConfig{
				PerMinute: 100,
				PerHour:   1000,
				Burst:     10,
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 50,
		},
		Auth: AuthConfig{
			AccessExpiry:    24 * time.Hour,
			RefreshExpiry:   7 * 24 * time.Hour,
			BcryptCost:      12,
			MaxFailures:     5,
			FailureWindow:   30 * time.Minute,
			LockoutDuration: 30 * time.Minute,
			SessionTTL:      24 * time.Hour,
		},
		Cache: CacheConfig{
			DefaultTTL:           time.Hour,
			CompressionThreshold: 1024,
		},
		Audit: AuditConfig{
			RetentionDays: 2555,
			BatchSize:     100,
			FlushInterval: 10 * time.Second,
			FallbackPath:  "audit_fallback.log",
		},
		LLM: LLMConfig{
			APIVersion: "2024-12-01-preview",
			Timeout:    30 * time.Second,
			CacheTTL:   time.Hour,
		},
		PowerBI: PowerBIConfig{
			Scope:        "https://analysis.windows.net/powerbi/api/.default",
			APIBase:      "https://api.powerbi.com/v1.0/myorg",
			InfoCacheTTL: time.Hour,
		},
		Workflow: WorkflowConfig{
			CallbackTimeout: 300 * time.Second,
			MaxRetries:      3,
			RetryStep:       60 * time.Second,
			RetryCeiling:    10 * time.Minute,
		},
		Fabric: FabricConfig{
			MaxConnections:       1000,
			SendBuffer:           1000,
			BatchSize:            50,
			BatchWindow:          100 * time.Millisecond,
			CompressionThreshold: 1024,
			HeartbeatInterval:    30 * time.Second,
			IdleTimeout:          30 * time.Minute,
			CleanupInterval:      5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from path (optional), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&c.Server.Host, "COPILOT_HOST")
	setInt(&c.Server.Port, "COPILOT_PORT")
	if v := os.Getenv("COPILOT_TRUSTED_HOSTS"); v != "" {
		c.Server.TrustedHosts = splitList(v)
	}
	if v := os.Getenv("COPILOT_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")

	setStr(&c.Auth.JWTSecret, "JWT_SECRET")

	setStr(&c.LLM.Endpoint, "AZURE_OPENAI_ENDPOINT")
	setStr(&c.LLM.APIKey, "AZURE_OPENAI_API_KEY")
	setStr(&c.LLM.APIVersion, "AZURE_OPENAI_API_VERSION")

	setStr(&c.PowerBI.TenantID, "POWERBI_TENANT_ID")
	setStr(&c.PowerBI.ClientID, "POWERBI_CLIENT_ID")
	setStr(&c.PowerBI.ClientSecret, "POWERBI_CLIENT_SECRET")
	setStr(&c.PowerBI.WorkspaceID, "POWERBI_WORKSPACE_ID")
	setStr(&c.PowerBI.DatasetID, "POWERBI_DATASET_ID")

	setStr(&c.Workflow.ServiceURL, "WORKFLOW_SERVICE_URL")
	setStr(&c.Workflow.WebhookSecret, "WORKFLOW_WEBHOOK_SECRET")

	setStr(&c.Audit.SinkURL, "AUDIT_SINK_URL")
	setStr(&c.Audit.SinkKey, "AUDIT_SINK_KEY")

	setStr(&c.Logging.Level, "COPILOT_LOG_LEVEL")
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Auth.BcryptCost < 10 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost %d out of range", c.Auth.BcryptCost)
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be positive")
	}
	if c.Audit.BatchSize <= 0 || c.Audit.BatchSize > 1000 {
		return fmt.Errorf("audit.batch_size %d out of range", c.Audit.BatchSize)
	}
	if c.Fabric.MaxConnections <= 0 {
		return fmt.Errorf("fabric.max_connections must be positive")
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
