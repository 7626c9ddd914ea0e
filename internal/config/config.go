package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Region   string `yaml:"region"`
	Provider string `yaml:"provider"`

	CredentialTokenPath     string `yaml:"credential_token_path"`
	CredentialMarginSeconds int    `yaml:"credential_margin_seconds"`

	OpenTimeoutSeconds int `yaml:"open_timeout_seconds"`
	RemotePort         int `yaml:"remote_port"`

	// PeeredNetworks lists explicitly connected scope pairs as "vpc-a:vpc-b".
	PeeredNetworks []string `yaml:"peered_networks"`

	StatusAddr  string `yaml:"status_addr"`
	StatusToken string `yaml:"status_token"`

	DatabaseURL string `yaml:"database_url"`

	WatchdogIntervalSeconds int `yaml:"watchdog_interval_seconds"`
	AffinityTTLDays         int `yaml:"affinity_ttl_days"`
}

// DefaultPath is the conventional config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".portico", "portico.yaml")
}

// Load reads the optional YAML file at path, applies PORTICO_* environment
// overrides on top, and validates the result. A missing file is fine;
// a malformed one is not.
func Load(path string) (Config, error) {
	cfg := Config{
		Region:                  "us-east-1",
		Provider:                "aws",
		CredentialMarginSeconds: 300,
		OpenTimeoutSeconds:      10,
		RemotePort:              22,
		StatusAddr:              "127.0.0.1:7670",
		WatchdogIntervalSeconds: 15,
		AffinityTTLDays:         30,
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.CredentialTokenPath = filepath.Join(home, ".portico", "token")
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Defaults plus environment.
		default:
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.Region = envOrDefault("PORTICO_REGION", cfg.Region)
	cfg.Provider = envOrDefault("PORTICO_PROVIDER", cfg.Provider)
	cfg.CredentialTokenPath = envOrDefault("PORTICO_CREDENTIAL_TOKEN", cfg.CredentialTokenPath)
	cfg.CredentialMarginSeconds = positiveIntEnv("PORTICO_CREDENTIAL_MARGIN_SECONDS", cfg.CredentialMarginSeconds)
	cfg.OpenTimeoutSeconds = positiveIntEnv("PORTICO_OPEN_TIMEOUT_SECONDS", cfg.OpenTimeoutSeconds)
	cfg.RemotePort = positiveIntEnv("PORTICO_REMOTE_PORT", cfg.RemotePort)
	cfg.StatusAddr = envOrDefault("PORTICO_STATUS_ADDR", cfg.StatusAddr)
	cfg.StatusToken = envOrDefault("PORTICO_STATUS_TOKEN", cfg.StatusToken)
	cfg.DatabaseURL = envOrDefault("PORTICO_DATABASE_URL", cfg.DatabaseURL)
	cfg.WatchdogIntervalSeconds = positiveIntEnv("PORTICO_WATCHDOG_INTERVAL_SECONDS", cfg.WatchdogIntervalSeconds)
	cfg.AffinityTTLDays = positiveIntEnv("PORTICO_AFFINITY_TTL_DAYS", cfg.AffinityTTLDays)
	if raw := os.Getenv("PORTICO_PEERED_NETWORKS"); raw != "" {
		cfg.PeeredNetworks = splitCSV(raw)
	}

	if cfg.Provider != "aws" && cfg.Provider != "fake" {
		return Config{}, fmt.Errorf("provider must be one of aws|fake, got %q", cfg.Provider)
	}
	if _, err := cfg.PeeredScopes(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) CredentialMargin() time.Duration {
	return time.Duration(c.CredentialMarginSeconds) * time.Second
}

func (c Config) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutSeconds) * time.Second
}

func (c Config) WatchdogInterval() time.Duration {
	return time.Duration(c.WatchdogIntervalSeconds) * time.Second
}

func (c Config) AffinityTTL() time.Duration {
	return time.Duration(c.AffinityTTLDays) * 24 * time.Hour
}

// PeeredScopes expands the configured pairs into a symmetric lookup map.
func (c Config) PeeredScopes() (map[string]map[string]bool, error) {
	out := make(map[string]map[string]bool)
	add := func(a, b string) {
		if out[a] == nil {
			out[a] = make(map[string]bool)
		}
		out[a][b] = true
	}
	for _, pair := range c.PeeredNetworks {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("peered network pair %q must be scope:scope", pair)
		}
		add(parts[0], parts[1])
		add(parts[1], parts[0])
	}
	return out, nil
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func positiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
