// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the prefix for environment variable overrides.
// LLMGATEWAY_SERVER_PORT overrides server.port, and so on.
const envPrefix = "LLMGATEWAY_"

// Config is the top-level configuration for the gateway.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Log       LogConfig                 `koanf:"log"`
	Auth      AuthConfig                `koanf:"auth"`
	Store     StoreConfig               `koanf:"store"`
	Quota     QuotaConfig               `koanf:"quota"`
	Cost      CostConfig                `koanf:"cost"`
	Providers map[string]ProviderConfig `koanf:"providers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// UpstreamTimeout bounds a single provider call, streaming included.
	// Providers can legitimately stream for minutes, so the default is
	// generous; it exists so a stuck upstream can't pin a connection forever.
	UpstreamTimeout time.Duration `koanf:"upstream_timeout"`

	// AllowedOrigins feeds the CORS middleware. Empty means "*".
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// LogConfig controls the zerolog logger.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Pretty bool   `koanf:"pretty"` // human-readable console output instead of JSON
}

// AuthConfig selects how sessions are resolved.
type AuthConfig struct {
	// Disabled skips session resolution entirely and runs every request as
	// DevUserID. Local development only; the gateway logs a warning at
	// startup and on every bypassed request.
	Disabled  bool   `koanf:"disabled"`
	DevUserID string `koanf:"dev_user_id"`

	Mode      string `koanf:"mode"` // "jwt" or "redis"
	JWTSecret string `koanf:"jwt_secret"`
	RedisAddr string `koanf:"redis_addr"`
	RedisDB   int    `koanf:"redis_db"`
}

// StoreConfig selects the billing store.
type StoreConfig struct {
	Driver string `koanf:"driver"` // "postgres" or "sqlite"
	DSN    string `koanf:"dsn"`

	// Seed lists profiles written when a SQLite store opens, so a local
	// database has users on both plans without manual SQL.
	Seed []SeedProfile `koanf:"seed"`
}

// SeedProfile is one dev profile. A positive HardLimit also writes a
// per-user spending cap.
type SeedProfile struct {
	UserID        string `koanf:"user_id"`
	Plan          string `koanf:"plan"`
	HardLimit     int64  `koanf:"hard_limit"`
	WarnThreshold int64  `koanf:"warn_threshold"`
}

// QuotaConfig holds the plan policy. These are product decisions, not
// protocol, so none of them are hard-coded.
type QuotaConfig struct {
	// TimeZone anchors "since midnight" and "since month start".
	TimeZone string       `koanf:"time_zone"`
	Starter  StarterQuota `koanf:"starter"`
	Pro      ProQuota     `koanf:"pro"`
}

// StarterQuota is the free tier: hard call caps, never purchasable.
type StarterQuota struct {
	DailyLimit   int `koanf:"daily_limit"`
	MonthlyLimit int `koanf:"monthly_limit"`
}

// ProQuota holds the plan-wide spending cap used when a user has no
// spending_caps row of their own.
type ProQuota struct {
	DefaultHardLimit     int64 `koanf:"default_hard_limit"`
	DefaultWarnThreshold int64 `koanf:"default_warn_threshold"`
}

// CostConfig prices calls per provider mode.
type CostConfig struct {
	// Tokenizer is "tiktoken" or "heuristic" (four bytes per token, for
	// hosts that can't fetch tiktoken's encoding files).
	Tokenizer string                 `koanf:"tokenizer"`
	Providers map[string]PriceConfig `koanf:"providers"`
}

// PriceConfig is the price of one call in KRW: a flat per-call amount plus
// an optional per-1k-token rate applied to the estimated prompt tokens.
type PriceConfig struct {
	PerCall     int64   `koanf:"per_call"`
	Per1KTokens float64 `koanf:"per_1k_tokens"`

	// Models overrides the mode price when a request names one of these
	// models. It is a list because model names contain dots, which koanf
	// would split as map keys.
	Models []ModelPrice `koanf:"models"`
}

// ModelPrice is the price of one call for a specific model.
type ModelPrice struct {
	Model       string  `koanf:"model"`
	PerCall     int64   `koanf:"per_call"`
	Per1KTokens float64 `koanf:"per_1k_tokens"`
}

// ProviderConfig holds the settings for a single LLM provider.
type ProviderConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"` // default model when the request doesn't name one

	// KeyEnv names the environment variable the key is read from. It is
	// only used in error messages so an operator knows what to set.
	KeyEnv string `koanf:"key_env"`
}

// defaults returns a Config populated with the values used when the YAML
// file and environment are silent.
func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses must not be cut off
			UpstreamTimeout: 5 * time.Minute,
		},
		Log:   LogConfig{Level: "info"},
		Auth:  AuthConfig{Mode: "jwt", DevUserID: "dev-user"},
		Store: StoreConfig{Driver: "sqlite", DSN: "file:llmgateway.db?_pragma=busy_timeout(5000)"},
		Quota: QuotaConfig{
			TimeZone: "Asia/Seoul",
			Starter:  StarterQuota{DailyLimit: 10, MonthlyLimit: 30},
			Pro:      ProQuota{DefaultHardLimit: 50000, DefaultWarnThreshold: 40000},
		},
		Cost: CostConfig{Tokenizer: "tiktoken", Providers: map[string]PriceConfig{
			"openai":    {PerCall: 50},
			"anthropic": {PerCall: 60},
			"gemini":    {PerCall: 20},
			"grok":      {PerCall: 40},
			"ollama":    {PerCall: 0},
		}},
		Providers: map[string]ProviderConfig{
			"openai":    {BaseURL: "https://api.openai.com/v1", Model: "gpt-4o", KeyEnv: "OPENAI_API_KEY"},
			"grok":      {BaseURL: "https://api.x.ai/v1", Model: "grok-3", KeyEnv: "XAI_API_KEY"},
			"gemini":    {BaseURL: "https://generativelanguage.googleapis.com/v1beta", Model: "gemini-2.0-flash", KeyEnv: "GEMINI_API_KEY"},
			"anthropic": {BaseURL: "https://api.anthropic.com/v1", Model: "claude-sonnet-4-5", KeyEnv: "ANTHROPIC_API_KEY"},
			"ollama":    {BaseURL: "http://localhost:11434", Model: "llama3"},
		},
	}
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// LLMGATEWAY_SERVER_PORT -> server.port
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, envPrefix)),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Unmarshal on top of the defaults so anything the file leaves out
	// keeps its default value. Map entries are decoded fresh, so provider
	// entries get their missing fields back from the defaults below.
	def := defaults()
	cfg := defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	for name, p := range cfg.Providers {
		d := def.Providers[name]
		// An unset ${VAR} expands to "" and falls back to the default.
		p.BaseURL = expand(p.BaseURL)
		if p.BaseURL == "" {
			p.BaseURL = d.BaseURL
		}
		if p.Model == "" {
			p.Model = d.Model
		}
		if p.KeyEnv == "" {
			p.KeyEnv = d.KeyEnv
		}
		// Expand ${VAR_NAME} placeholders in secrets. koanf doesn't do
		// this automatically.
		p.APIKey = expand(p.APIKey)
		cfg.Providers[name] = p
	}
	cfg.Auth.JWTSecret = expand(cfg.Auth.JWTSecret)
	cfg.Store.DSN = expand(cfg.Store.DSN)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expand resolves a value of the exact form ${VAR} from the environment.
func expand(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive, got %d", c.Server.Port)
	}
	if c.Quota.Starter.DailyLimit <= 0 || c.Quota.Starter.MonthlyLimit <= 0 {
		return fmt.Errorf("quota.starter limits must be positive")
	}
	if c.Quota.Pro.DefaultWarnThreshold > c.Quota.Pro.DefaultHardLimit {
		return fmt.Errorf("quota.pro.default_warn_threshold (%d) exceeds default_hard_limit (%d)",
			c.Quota.Pro.DefaultWarnThreshold, c.Quota.Pro.DefaultHardLimit)
	}
	if _, err := time.LoadLocation(c.Quota.TimeZone); err != nil {
		return fmt.Errorf("quota.time_zone: %w", err)
	}
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("store.driver must be postgres or sqlite, got %q", c.Store.Driver)
	}
	if len(c.Store.Seed) > 0 && c.Store.Driver != "sqlite" {
		return fmt.Errorf("store.seed is only supported with the sqlite driver")
	}
	for i, sp := range c.Store.Seed {
		if sp.UserID == "" || sp.Plan == "" {
			return fmt.Errorf("store.seed[%d] needs user_id and plan", i)
		}
	}
	switch c.Cost.Tokenizer {
	case "tiktoken", "heuristic":
	default:
		return fmt.Errorf("cost.tokenizer must be tiktoken or heuristic, got %q", c.Cost.Tokenizer)
	}
	if !c.Auth.Disabled {
		switch c.Auth.Mode {
		case "jwt":
			if c.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is required when auth.mode is jwt")
			}
		case "redis":
			if c.Auth.RedisAddr == "" {
				return fmt.Errorf("auth.redis_addr is required when auth.mode is redis")
			}
		default:
			return fmt.Errorf("auth.mode must be jwt or redis, got %q", c.Auth.Mode)
		}
	}
	return nil
}

// Location returns the quota time zone. validate already checked it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Quota.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
