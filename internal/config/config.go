package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for graphgate.
type Config struct {
	// HTTP listener and the public URL clients reach the gateway at.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8090"`
	ServerURL  string `env:"SERVER_URL"`

	// Graph app registration.
	AppID     string `env:"GRAPH_APP_ID"`
	AppSecret string `env:"GRAPH_APP_SECRET"`

	// Scopes requested during authorization, comma-separated.
	Scopes string `env:"GRAPH_SCOPES" envDefault:"public_profile,pages_show_list,pages_read_engagement,pages_manage_posts"`

	// RedirectURI defaults to <SERVER_URL>/oauth/callback.
	RedirectURI string `env:"GRAPH_REDIRECT_URI"`

	// GraphBaseURL overrides the upstream API root. Leave empty outside
	// tests and proxies.
	GraphBaseURL string `env:"GRAPH_BASE_URL"`

	// RetryPolicyFile points at a YAML retry policy. Empty uses defaults.
	RetryPolicyFile string `env:"RETRY_POLICY_FILE"`

	// SettingsFile points at the CSV runtime settings file.
	SettingsFile string `env:"SETTINGS_FILE" envDefault:"settings.csv"`

	// StatePath overrides the bbolt state database location.
	StatePath string `env:"STATE_PATH"`

	// AdminPasswordHash is a bcrypt hash gating the admin event stream.
	// When empty the admin surface is disabled.
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.RedirectURI == "" && cfg.ServerURL != "" {
		cfg.RedirectURI = strings.TrimSuffix(cfg.ServerURL, "/") + "/oauth/callback"
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AppID == "" {
		return fmt.Errorf("GRAPH_APP_ID is required")
	}

	if c.AppSecret == "" {
		return fmt.Errorf("GRAPH_APP_SECRET is required")
	}

	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	// The redirect URI is registered with the upstream app; a relative
	// or schemeless value would fail the dialog redirect.
	if !strings.HasPrefix(c.RedirectURI, "http://") && !strings.HasPrefix(c.RedirectURI, "https://") {
		return fmt.Errorf("GRAPH_REDIRECT_URI must be an absolute http(s) URL")
	}

	if c.AdminPasswordHash != "" && !strings.HasPrefix(c.AdminPasswordHash, "$2") {
		return fmt.Errorf("ADMIN_PASSWORD_HASH must be a bcrypt hash")
	}

	return nil
}

// ScopeList splits the configured scopes into their list form.
func (c *Config) ScopeList() []string {
	var scopes []string

	for _, scope := range strings.Split(c.Scopes, ",") {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}

		scopes = append(scopes, scope)
	}

	return scopes
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
