// Package config loads the bot daemon configuration from a YAML file,
// layered with .env overrides.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Chain     ChainConfig     `yaml:"chain"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Predictor PredictorConfig `yaml:"predictor"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Notify    NotifyConfig    `yaml:"notify"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Environment string   `yaml:"environment"` // development | production | test
	CORSOrigins []string `yaml:"cors_origins"`
}

// ChainConfig points the daemon at a Solana cluster.
type ChainConfig struct {
	Network   string `yaml:"network"` // mainnet-beta | devnet
	RPCURL    string `yaml:"rpc_url"`
	ProgramID string `yaml:"program_id"`
}

// AuthConfig signs and validates bearer tokens.
type AuthConfig struct {
	Secret     string `yaml:"secret"`
	Issuer     string `yaml:"issuer"`
	AccessTTL  string `yaml:"access_ttl"`  // Go duration string, e.g. "15m"
	RefreshTTL string `yaml:"refresh_ttl"` // e.g. "168h"
}

// StorageConfig controls where data is persisted.
type StorageConfig struct {
	Path string `yaml:"path"` // SQLite file path, or ":memory:"
}

// PredictorConfig points at the external ML scoring service.
type PredictorConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// WalletConfig names the signing key source for live trading. Exactly one
// of KeyFile and KeyBase64 may be set; both empty disables live mode.
type WalletConfig struct {
	KeyFile   string `yaml:"key_file"`
	KeyBase64 string `yaml:"key_base64"`
}

// NotifyConfig toggles the terminal activity reporter.
type NotifyConfig struct {
	Console bool `yaml:"console"`
}

// LogConfig controls the format and level of logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path, layers .env and environment overrides
// on top, fills defaults and validates. Env values win over YAML for the
// keys they cover.
func Load(path string) (*Config, error) {
	// Load .env if present; a missing file is not an error.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// AccessTTL returns the access-token lifetime.
func (c *Config) AccessTTL() time.Duration {
	d, _ := time.ParseDuration(c.Auth.AccessTTL)
	return d
}

// RefreshTTL returns the refresh-token lifetime.
func (c *Config) RefreshTTL() time.Duration {
	d, _ := time.ParseDuration(c.Auth.RefreshTTL)
	return d
}

// Production reports whether the daemon runs with production hardening.
func (c *Config) Production() bool {
	return c.Server.Environment == "production"
}

// WalletConfigured reports whether a signing key source is set.
func (c *Config) WalletConfigured() bool {
	return c.Wallet.KeyFile != "" || c.Wallet.KeyBase64 != ""
}

// applyEnvOverrides copies environment variables over YAML values where set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("PREDICTOR_API_KEY"); v != "" {
		cfg.Predictor.APIKey = v
	}
	if v := os.Getenv("WALLET_KEY_BASE64"); v != "" {
		cfg.Wallet.KeyBase64 = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
}

// setDefaults fills values a development setup can run without.
func setDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Environment == "" {
		cfg.Server.Environment = "development"
	}
	if cfg.Chain.Network == "" {
		cfg.Chain.Network = "mainnet-beta"
	}
	if cfg.Chain.RPCURL == "" {
		cfg.Chain.RPCURL = "https://api.mainnet-beta.solana.com"
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "dlmmbot"
	}
	if cfg.Auth.AccessTTL == "" {
		cfg.Auth.AccessTTL = "15m"
	}
	if cfg.Auth.RefreshTTL == "" {
		cfg.Auth.RefreshTTL = "168h"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "dlmmbot.db"
	}
	if cfg.Predictor.URL == "" {
		cfg.Predictor.URL = "http://localhost:8000"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Validate rejects configurations the daemon must not start with.
func (c *Config) Validate() error {
	switch c.Server.Environment {
	case "development", "production", "test":
	default:
		return fmt.Errorf("server.environment %q is not one of development, production, test", c.Server.Environment)
	}
	if len(c.Auth.Secret) < 32 {
		return fmt.Errorf("auth.secret must be at least 32 characters, got %d", len(c.Auth.Secret))
	}
	if _, err := time.ParseDuration(c.Auth.AccessTTL); err != nil {
		return fmt.Errorf("auth.access_ttl %q: %w", c.Auth.AccessTTL, err)
	}
	if _, err := time.ParseDuration(c.Auth.RefreshTTL); err != nil {
		return fmt.Errorf("auth.refresh_ttl %q: %w", c.Auth.RefreshTTL, err)
	}
	if c.Production() && len(c.Server.CORSOrigins) == 0 {
		return fmt.Errorf("server.cors_origins must list explicit origins in production")
	}
	if c.Wallet.KeyFile != "" && c.Wallet.KeyBase64 != "" {
		return fmt.Errorf("wallet: key_file and key_base64 are mutually exclusive")
	}
	if c.Wallet.KeyBase64 != "" {
		if _, err := base64.StdEncoding.DecodeString(c.Wallet.KeyBase64); err != nil {
			return fmt.Errorf("wallet.key_base64 is not valid base64: %w", err)
		}
	}
	return nil
}
