package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigFileEnv names an optional YAML/TOML/JSON file layered under the environment.
const ConfigFileEnv = "PROMPTRUNNER_CONFIG"

// maxAttempts caps model calls per loop in the invocation pipeline.
const maxAttempts = 2

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	LLM       LLMConfig
	Pipeline  PipelineConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host        string
	Port        int
	CORSOrigins []string
}

type DatabaseConfig struct {
	URL            string
	MaxConns       int
	MinConns       int
	MigrationsPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret  string
	AdminRole  string
	DisableJWT bool
}

type LLMConfig struct {
	OpenAIKey     string
	OpenAIBaseURL string
	StrictSchema  bool
	Timeout       time.Duration
}

type PipelineConfig struct {
	SchemasDir   string
	DefaultSpace string
	MaxAttempts  int
}

type CacheConfig struct {
	TemplateTTL time.Duration
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

type LogConfig struct {
	Level string
}

var defaults = map[string]any{
	"SERVER_HOST":        "0.0.0.0",
	"SERVER_PORT":        8080,
	"CORS_ORIGINS":       "*",
	"DATABASE_URL":       "",
	"DB_MAX_CONNS":       20,
	"DB_MIN_CONNS":       5,
	"MIGRATIONS_PATH":    "migrations",
	"REDIS_ADDR":         "localhost:6379",
	"REDIS_PASSWORD":     "",
	"REDIS_DB":           0,
	"JWT_SECRET":         "",
	"JWT_ADMIN_ROLE":     "admin",
	"AUTH_DISABLED":      false,
	"OPENAI_API_KEY":     "",
	"OPENAI_BASE_URL":    "",
	"LLM_STRICT_SCHEMA":  false,
	"LLM_TIMEOUT":        "120s",
	"SCHEMAS_DIR":        "schemas",
	"DEFAULT_SPACE":      "default",
	"PIPELINE_MAX_TRIES": 2,
	"TEMPLATE_CACHE_TTL": "60s",
	"RATE_LIMIT_RPS":     100.0,
	"RATE_LIMIT_BURST":   200,
	"LOG_LEVEL":          "info",
}

// Load reads configuration from the environment, optionally layered over the
// file named by PROMPTRUNNER_CONFIG.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file; an empty path falls back to
// PROMPTRUNNER_CONFIG.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString(ConfigFileEnv)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		slog.Debug("loaded config file", "path", path)
	}

	llmTimeout, err := time.ParseDuration(v.GetString("LLM_TIMEOUT"))
	if err != nil {
		return nil, fmt.Errorf("invalid LLM_TIMEOUT: %w", err)
	}
	cacheTTL, err := time.ParseDuration(v.GetString("TEMPLATE_CACHE_TTL"))
	if err != nil {
		return nil, fmt.Errorf("invalid TEMPLATE_CACHE_TTL: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:        v.GetString("SERVER_HOST"),
			Port:        v.GetInt("SERVER_PORT"),
			CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),
		},
		Database: DatabaseConfig{
			URL:            v.GetString("DATABASE_URL"),
			MaxConns:       v.GetInt("DB_MAX_CONNS"),
			MinConns:       v.GetInt("DB_MIN_CONNS"),
			MigrationsPath: v.GetString("MIGRATIONS_PATH"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Auth: AuthConfig{
			JWTSecret:  v.GetString("JWT_SECRET"),
			AdminRole:  v.GetString("JWT_ADMIN_ROLE"),
			DisableJWT: v.GetBool("AUTH_DISABLED"),
		},
		LLM: LLMConfig{
			OpenAIKey:     v.GetString("OPENAI_API_KEY"),
			OpenAIBaseURL: v.GetString("OPENAI_BASE_URL"),
			StrictSchema:  v.GetBool("LLM_STRICT_SCHEMA"),
			Timeout:       llmTimeout,
		},
		Pipeline: PipelineConfig{
			SchemasDir:   v.GetString("SCHEMAS_DIR"),
			DefaultSpace: v.GetString("DEFAULT_SPACE"),
			MaxAttempts:  v.GetInt("PIPELINE_MAX_TRIES"),
		},
		Cache: CacheConfig{
			TemplateTTL: cacheTTL,
		},
		RateLimit: RateLimitConfig{
			RPS:   v.GetFloat64("RATE_LIMIT_RPS"),
			Burst: v.GetInt("RATE_LIMIT_BURST"),
		},
		Log: LogConfig{
			Level: v.GetString("LOG_LEVEL"),
		},
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("invalid SERVER_PORT: %d", cfg.Server.Port)
	}
	if cfg.Pipeline.MaxAttempts < 1 || cfg.Pipeline.MaxAttempts > maxAttempts {
		return nil, fmt.Errorf("invalid PIPELINE_MAX_TRIES: must be between 1 and %d", maxAttempts)
	}

	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Auth.JWTSecret == "" && !c.Auth.DisableJWT {
		missing = append(missing, "JWT_SECRET")
	}
	if c.LLM.OpenAIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	return nil
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
