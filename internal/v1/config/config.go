// Package config loads and validates the server configuration: environment
// variables for the operational knobs and a YAML file for the access policy.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/syncroom/server/internal/v1/access"
	"github.com/syncroom/server/internal/v1/logging"
	"go.uber.org/zap"
)

// Config holds the validated server configuration.
type Config struct {
	// GoEnv selects the defaults profile, "development" or "production".
	GoEnv string

	// ListenOn is either a bare port or a host:port pair.
	ListenOn string

	// AccessConfigPath points at the YAML access policy file, optional.
	AccessConfigPath string

	// Access is the loaded policy. Without a file it falls back to the
	// profile defaults: development accepts anonymous peers with full
	// capabilities, production restricts everything to configured keys.
	Access access.Config

	// AllowedOrigins are the origins accepted on WebSocket upgrades.
	AllowedOrigins []string

	// Rate limits in ulule formatted notation ("100-M").
	RateLimitAPI  string
	RateLimitWsIP string
}

// Development reports whether the development defaults profile is active.
func (c *Config) Development() bool {
	return c.GoEnv == "development"
}

// Addr is the listen address for net/http: a bare port gains a leading colon,
// a host:port pair passes through.
func (c *Config) Addr() string {
	if strings.Contains(c.ListenOn, ":") {
		return c.ListenOn
	}
	return ":" + c.ListenOn
}

// Load reads and validates the configuration. All validation problems are
// collected and reported together.
func Load() (*Config, error) {
	cfg := &Config{}
	var problems []string

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	if cfg.GoEnv != "development" && cfg.GoEnv != "production" {
		problems = append(problems, fmt.Sprintf("GO_ENV must be 'development' or 'production' (got '%s')", cfg.GoEnv))
	}

	cfg.ListenOn = getEnvOrDefault("LISTEN_ON", "8819")
	if err := validateListenOn(cfg.ListenOn); err != nil {
		problems = append(problems, err.Error())
	}

	origins := getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	for _, origin := range strings.Split(origins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
		}
	}

	cfg.RateLimitAPI = getEnvOrDefault("RATE_LIMIT_API", "100-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "30-M")

	cfg.Access = defaultAccess(cfg.GoEnv)
	cfg.AccessConfigPath = os.Getenv("ACCESS_CONFIG")
	if cfg.AccessConfigPath != "" {
		loaded, err := loadAccessFile(cfg.AccessConfigPath)
		if err != nil {
			problems = append(problems, err.Error())
		} else {
			cfg.Access = loaded
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}

	logLoaded(cfg)
	return cfg, nil
}

// defaultAccess is the policy used when no access file is configured.
// Development trusts everyone; production trusts nobody without a key.
func defaultAccess(goEnv string) access.Config {
	if goEnv == "development" {
		return access.Config{Policy: access.Policy{RestrictConnect: false, RestrictHost: false}}
	}
	return access.Config{Policy: access.Policy{RestrictConnect: true, RestrictHost: true}}
}

func loadAccessFile(path string) (access.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return access.Config{}, fmt.Errorf("ACCESS_CONFIG: %w", err)
	}
	var loaded access.Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return access.Config{}, fmt.Errorf("ACCESS_CONFIG: invalid YAML in %s: %w", path, err)
	}
	return loaded, nil
}

func validateListenOn(listenOn string) error {
	portPart := listenOn
	if host, port, found := strings.Cut(listenOn, ":"); found {
		if host == "" {
			return fmt.Errorf("LISTEN_ON host must not be empty (got '%s')", listenOn)
		}
		portPart = port
	}
	port, err := strconv.Atoi(portPart)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("LISTEN_ON port must be between 1 and 65535 (got '%s')", listenOn)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// logLoaded reports the active configuration with key material redacted.
func logLoaded(cfg *Config) {
	keys := make([]string, 0, len(cfg.Access.Keys))
	for _, k := range cfg.Access.Keys {
		keys = append(keys, redactSecret(k.Key))
	}
	logging.Info(context.Background(), "Configuration loaded",
		zap.String("go_env", cfg.GoEnv),
		zap.String("listen_on", cfg.ListenOn),
		zap.Strings("allowed_origins", cfg.AllowedOrigins),
		zap.Bool("restrict_connect", cfg.Access.Policy.RestrictConnect),
		zap.Bool("restrict_host", cfg.Access.Policy.RestrictHost),
		zap.Strings("api_keys", keys),
		zap.String("rate_limit_api", cfg.RateLimitAPI),
		zap.String("rate_limit_ws_ip", cfg.RateLimitWsIP),
	)
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
