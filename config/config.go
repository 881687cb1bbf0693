package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when the config file leaves a knob unset.
const (
	DefaultListenAddress       = ":8090"
	DefaultSniperWindowSeconds = 60
	DefaultLifecycleTick       = time.Second
	DefaultSettlementTick      = 5 * time.Second

	minSecretBytes = 32
)

// knownWeakSecrets are refused outright so a deployment cannot ship with a
// placeholder signing key.
var knownWeakSecrets = map[string]struct{}{
	"changeme":                         {},
	"secret":                           {},
	"development-secret-do-not-deploy": {},
}

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for auctiond.
type Config struct {
	Environment   string `yaml:"environment"`
	ListenAddress string `yaml:"listen"`
	DatabaseURL   string `yaml:"database_url"`
	RedisURL      string `yaml:"redis_url"`

	Auth AuthConfig `yaml:"auth"`
	CORS CORSConfig `yaml:"cors"`
	Log  LogConfig  `yaml:"log"`

	SniperWindowSeconds int      `yaml:"sniper_window_seconds"`
	LifecycleTick       Duration `yaml:"lifecycle_tick"`
	SettlementTick      Duration `yaml:"settlement_tick"`

	POS POSConfig `yaml:"pos"`
}

// AuthConfig carries JWT verification settings for the gateway and admin API.
type AuthConfig struct {
	Secret     string `yaml:"secret"`
	SecretFile string `yaml:"secret_file"`
	Issuer     string `yaml:"issuer"`
	Audience   string `yaml:"audience"`
}

// CORSConfig pins the allowed browser origin for the gateway surface.
type CORSConfig struct {
	Origin string `yaml:"origin"`
}

// LogConfig configures the optional rotating file sink.
type LogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// POSConfig controls the point-of-sale adapter.
type POSConfig struct {
	Chaos             bool    `yaml:"chaos"`
	ChaosFailureRate  float64 `yaml:"chaos_failure_rate"`
	ChaosSlowCallRate float64 `yaml:"chaos_slow_call_rate"`
}

// Load reads configuration from the supplied path, applies environment
// overrides, fills defaults, and validates. A missing path is allowed so a
// deployment can be configured purely from the environment.
func Load(path string) (Config, error) {
	cfg := Config{}
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		file, err := os.Open(trimmed)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AUCTION_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("AUCTION_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("AUCTION_DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("AUCTION_REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("AUCTION_JWT_SECRET")); v != "" {
		cfg.Auth.Secret = v
	}
	if v := strings.TrimSpace(os.Getenv("AUCTION_JWT_ISSUER")); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := strings.TrimSpace(os.Getenv("AUCTION_JWT_AUDIENCE")); v != "" {
		cfg.Auth.Audience = v
	}
	if v := strings.TrimSpace(os.Getenv("AUCTION_CORS_ORIGIN")); v != "" {
		cfg.CORS.Origin = v
	}
	if v := strings.TrimSpace(os.Getenv("AUCTION_SNIPER_WINDOW_SECONDS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.SniperWindowSeconds = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("AUCTION_POS_CHAOS")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.POS.Chaos = parsed
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	if cfg.SniperWindowSeconds <= 0 {
		cfg.SniperWindowSeconds = DefaultSniperWindowSeconds
	}
	if cfg.LifecycleTick.Duration <= 0 {
		cfg.LifecycleTick.Duration = DefaultLifecycleTick
	}
	if cfg.SettlementTick.Duration <= 0 {
		cfg.SettlementTick.Duration = DefaultSettlementTick
	}
}

// Production reports whether the configuration targets a production
// deployment.
func (c Config) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// SniperWindow returns the anti-sniping window as a duration.
func (c Config) SniperWindow() time.Duration {
	return time.Duration(c.SniperWindowSeconds) * time.Second
}

// Validate refuses configurations that must not reach a running process.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("database_url must be configured")
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("redis_url must be configured")
	}
	secret := strings.TrimSpace(c.Auth.Secret)
	if len(secret) < minSecretBytes {
		return fmt.Errorf("auth secret must be at least %d bytes", minSecretBytes)
	}
	if _, weak := knownWeakSecrets[strings.ToLower(secret)]; weak {
		return fmt.Errorf("auth secret is a known placeholder value")
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		return fmt.Errorf("auth issuer must be configured")
	}
	if strings.TrimSpace(c.Auth.Audience) == "" {
		return fmt.Errorf("auth audience must be configured")
	}
	if c.Production() {
		origin := strings.TrimSpace(c.CORS.Origin)
		if origin == "" || origin == "*" {
			return fmt.Errorf("cors origin must be an explicit origin in production")
		}
	}
	if c.SniperWindowSeconds <= 0 {
		return fmt.Errorf("sniper window must be positive")
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("auth configuration missing")
	}
	secret := strings.TrimSpace(a.Secret)
	if path := strings.TrimSpace(a.SecretFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read secret_file: %w", err)
		}
		secret = strings.TrimSpace(string(contents))
	}
	a.Secret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	return nil
}
