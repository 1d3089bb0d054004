package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thinkwatch/backend/internal/resource"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Registry RegistryConfig `yaml:"registry"`
	EventLog EventLogConfig `yaml:"event_log"`
	Privacy  PrivacyConfig  `yaml:"privacy"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	// AuthTokens, when non-empty, is the allow-list of shared secrets.
	// Each token is its own scope. When empty any credential is accepted
	// and still selects its own scope.
	AuthTokens     []string `yaml:"auth_tokens"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
}

// RegistryConfig controls retention of ended sessions. A zero Retention keeps
// every session for the life of the process.
type RegistryConfig struct {
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

type EventLogConfig struct {
	Path string `yaml:"path"`
}

type PrivacyConfig struct {
	MaskProjects    bool     `yaml:"mask_projects"`
	HideBranches    bool     `yaml:"hide_branches"`
	AllowedProjects []string `yaml:"allowed_projects"`
	BlockedProjects []string `yaml:"blocked_projects"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8787,
			Host:           "127.0.0.1",
			MaxConnections: 64,
		},
		Registry: RegistryConfig{
			PruneInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and validates the config file at path, layering it over the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	for _, tok := range c.Server.AuthTokens {
		if strings.TrimSpace(tok) == "" {
			errs = append(errs, errors.New("server.auth_tokens must not contain empty tokens"))
			break
		}
	}
	if c.Registry.Retention < 0 {
		errs = append(errs, errors.New("registry.retention must not be negative"))
	}
	if c.Registry.Retention > 0 && c.Registry.PruneInterval <= 0 {
		errs = append(errs, errors.New("registry.prune_interval must be positive when retention is set"))
	}
	for _, pattern := range append(append([]string{}, c.Privacy.AllowedProjects...), c.Privacy.BlockedProjects...) {
		if _, err := filepath.Match(pattern, ""); err != nil {
			errs = append(errs, fmt.Errorf("privacy pattern %q: %w", pattern, err))
		}
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// NewPrivacyFilter converts the privacy section to the filter applied to
// session reads.
func (pc PrivacyConfig) NewPrivacyFilter() *resource.PrivacyFilter {
	return &resource.PrivacyFilter{
		MaskProjects:    pc.MaskProjects,
		HideBranches:    pc.HideBranches,
		AllowedProjects: pc.AllowedProjects,
		BlockedProjects: pc.BlockedProjects,
	}
}

// SlogLevel returns the configured log level. Validate has already rejected
// unknown names, so this falls back to info only for unvalidated configs.
func (lc LoggingConfig) SlogLevel() slog.Level {
	level, err := parseLevel(lc.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level %q: %w", s, err)
	}
	return level, nil
}
