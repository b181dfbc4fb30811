package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all control-plane configuration. Values are read once at
// startup and passed through the application explicitly; there is no global.
type Config struct {
	// Domain is the base wildcard domain sites are served under,
	// e.g. "dev.deploy" gives blog.dev.deploy and edit-...-blog.dev.deploy
	Domain string `yaml:"domain"`

	// RootDir is the directory containing one working copy per site
	RootDir string `yaml:"root_dir"`

	// Port is the control-plane HTTP port
	Port int `yaml:"port"`

	// DataDir holds the SQLite file and the generated Caddyfile
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of NONE, ERROR, WARN, INFO, DEBUG
	LogLevel string `yaml:"log_level"`

	// Environment is "production" or "development"; development pins the
	// proxy to local certificate paths and enables proxy debug logging
	Environment string `yaml:"environment"`

	// CaddyAdmin is the proxy's admin endpoint address
	CaddyAdmin string `yaml:"caddy_admin"`

	// TLSCertPath / TLSKeyPath are used in development only
	TLSCertPath string `yaml:"tls_cert_path"`
	TLSKeyPath  string `yaml:"tls_key_path"`

	// ProductionPortBase / PreviewPortBase keep the two port ranges disjoint
	ProductionPortBase int `yaml:"production_port_base"`
	PreviewPortBase    int `yaml:"preview_port_base"`

	// SessionTTLMinutes is how long an editing session lives without activity
	SessionTTLMinutes int `yaml:"session_ttl_minutes"`

	// MaxSessionsPerUser caps concurrent active sessions per user
	MaxSessionsPerUser int `yaml:"max_sessions_per_user"`
}

// Load builds the configuration from an optional YAML file at
// <dataDir>/burrow.yaml overridden by environment variables. Missing values
// fall back to local-development defaults so the control plane starts with
// zero setup.
func Load() (*Config, error) {
	cfg := &Config{
		Domain:             "localhost",
		RootDir:            "./sites",
		Port:               3000,
		DataDir:            "./data",
		LogLevel:           "INFO",
		Environment:        "development",
		CaddyAdmin:         "localhost:2019",
		ProductionPortBase: 3001,
		PreviewPortBase:    4001,
		SessionTTLMinutes:  60,
		MaxSessionsPerUser: 10,
	}

	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	// File values sit between defaults and environment overrides
	if err := cfg.loadFile(filepath.Join(cfg.DataDir, "burrow.yaml")); err != nil {
		return nil, err
	}
	cfg.loadEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	c.Domain = getEnv("PROJECT_DOMAIN", c.Domain)
	c.RootDir = getEnv("ROOT_DIR", c.RootDir)
	c.Port = getEnvInt("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Environment = getEnv("BURROW_ENV", c.Environment)
	c.CaddyAdmin = getEnv("CADDY_ADMIN", c.CaddyAdmin)
	c.TLSCertPath = getEnv("TLS_CERT_PATH", c.TLSCertPath)
	c.TLSKeyPath = getEnv("TLS_KEY_PATH", c.TLSKeyPath)
	c.SessionTTLMinutes = getEnvInt("SESSION_TTL_MINUTES", c.SessionTTLMinutes)
	c.MaxSessionsPerUser = getEnvInt("MAX_SESSIONS_PER_USER", c.MaxSessionsPerUser)
}

func (c *Config) validate() error {
	switch strings.ToUpper(c.LogLevel) {
	case "NONE", "ERROR", "WARN", "INFO", "DEBUG":
	default:
		return fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel)
	}
	if c.Environment != "production" && c.Environment != "development" {
		return fmt.Errorf("invalid environment %q", c.Environment)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ProductionPortBase == c.PreviewPortBase {
		return fmt.Errorf("production and preview port ranges must be disjoint")
	}
	return nil
}

// IsProduction reports whether the proxy should use automatic certificates
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DBPath is the location of the SQLite file
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "burrow.db")
}

// CaddyfilePath is the location of the generated proxy config
func (c *Config) CaddyfilePath() string {
	return filepath.Join(c.DataDir, "caddy", "Caddyfile")
}

// getEnv retrieves an environment variable, falling back when unset or empty
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}
