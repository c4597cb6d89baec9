// SPDX-License-Identifier: MIT

// Package config loads process configuration with precedence ENV > file > defaults.
// There is no hot reload; the configuration is fixed at startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration.
type Config struct {
	Listen         string   `yaml:"listen"`
	DBPath         string   `yaml:"dbPath"`
	LogLevel       string   `yaml:"logLevel"`
	CORSOrigins    []string `yaml:"corsOrigins"`
	TrustedProxies []string `yaml:"trustedProxies"`

	SpotifyClientID     string `yaml:"spotifyClientId"`
	SpotifyClientSecret string `yaml:"spotifyClientSecret"`
	SpotifyRedirectURI  string `yaml:"spotifyRedirectUri"`

	// TokenExpirySkew is how far ahead of expiry provider tokens are refreshed.
	TokenExpirySkew time.Duration `yaml:"tokenExpirySkew"`
	// ProviderTimeout bounds every outbound provider call.
	ProviderTimeout time.Duration `yaml:"providerTimeout"`

	// VoteSweepInterval is how often the in-memory vote ledger is pruned.
	VoteSweepInterval time.Duration `yaml:"voteSweepInterval"`

	RateLimitRPS   int `yaml:"rateLimitRps"`
	RateLimitBurst int `yaml:"rateLimitBurst"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Listen:            ":8080",
		DBPath:            "crowdcue.db",
		LogLevel:          "info",
		TokenExpirySkew:   5 * time.Minute,
		ProviderTimeout:   5 * time.Second,
		VoteSweepInterval: 5 * time.Minute,
		RateLimitRPS:      600,
		RateLimitBurst:    60,
	}
}

// Load builds the effective configuration. filePath may be empty; when set,
// the YAML file is applied over the defaults and the environment is applied
// last.
func Load(filePath string) (Config, error) {
	cfg := Defaults()

	if filePath != "" {
		data, err := os.ReadFile(filePath) // #nosec G304 -- operator-supplied path
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", filePath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", filePath, err)
		}
	}

	cfg.Listen = ParseString("CROWDCUE_LISTEN", cfg.Listen)
	cfg.DBPath = ParseString("CROWDCUE_DB_PATH", cfg.DBPath)
	cfg.LogLevel = ParseString("CROWDCUE_LOG_LEVEL", cfg.LogLevel)
	cfg.CORSOrigins = parseCSV("CROWDCUE_CORS_ORIGINS", cfg.CORSOrigins)
	cfg.TrustedProxies = parseCSV("CROWDCUE_TRUSTED_PROXIES", cfg.TrustedProxies)
	cfg.SpotifyClientID = ParseString("CROWDCUE_SPOTIFY_CLIENT_ID", cfg.SpotifyClientID)
	cfg.SpotifyClientSecret = ParseString("CROWDCUE_SPOTIFY_CLIENT_SECRET", cfg.SpotifyClientSecret)
	cfg.SpotifyRedirectURI = ParseString("CROWDCUE_SPOTIFY_REDIRECT_URI", cfg.SpotifyRedirectURI)
	cfg.TokenExpirySkew = ParseDuration("CROWDCUE_TOKEN_EXPIRY_SKEW", cfg.TokenExpirySkew)
	cfg.ProviderTimeout = ParseDuration("CROWDCUE_PROVIDER_TIMEOUT", cfg.ProviderTimeout)
	cfg.VoteSweepInterval = ParseDuration("CROWDCUE_VOTE_SWEEP_INTERVAL", cfg.VoteSweepInterval)
	cfg.RateLimitRPS = ParseInt("CROWDCUE_RATELIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = ParseInt("CROWDCUE_RATELIMIT_BURST", cfg.RateLimitBurst)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: database path must not be empty")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("config: provider timeout must be > 0, got %v", c.ProviderTimeout)
	}
	if c.TokenExpirySkew < 0 {
		return fmt.Errorf("config: token expiry skew must be >= 0, got %v", c.TokenExpirySkew)
	}
	if c.VoteSweepInterval <= 0 {
		return fmt.Errorf("config: vote sweep interval must be > 0, got %v", c.VoteSweepInterval)
	}
	return nil
}

func parseCSV(key string, defaultValue []string) []string {
	raw := ParseString(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
