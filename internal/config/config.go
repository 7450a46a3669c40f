// Package config loads patchproxy settings from YAML with environment
// overrides.
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

// Store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Validate command sandboxes.
const (
	SandboxHost   = "host"
	SandboxDocker = "docker"
)

// Config holds all patchproxy configuration.
type Config struct {
	AppName  string `yaml:"app_name"`
	AutoHint bool   `yaml:"auto_hint"`

	Repository RepositoryConfig `yaml:"repository"`
	Store      StoreConfig      `yaml:"store"`
	Model      ModelConfig      `yaml:"model"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// RepositoryConfig points the primitives at a git checkout.
type RepositoryConfig struct {
	Path            string `yaml:"path"`
	ValidateCommand string `yaml:"validate_command"`
	MaxValidations  int    `yaml:"max_validations"`
	CommandTimeout  string `yaml:"command_timeout"`
	IdleTimeout     string `yaml:"idle_timeout"`
	// Sandbox selects where the validate command runs: host or docker.
	Sandbox       string `yaml:"sandbox"`
	DockerImage   string `yaml:"docker_image"`
	DockerNetwork string `yaml:"docker_network"`
}

// StoreConfig selects where call records are kept.
type StoreConfig struct {
	Backend    string `yaml:"backend"` // memory, file, sqlite
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// ModelConfig configures the model behind `patchproxy run`.
type ModelConfig struct {
	Name      string `yaml:"name"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	MaxSteps  int    `yaml:"max_steps"`
	Timeout   string `yaml:"timeout"`
	// SystemPrompt replaces the built-in agent identity.
	SystemPrompt string `yaml:"system_prompt"`
	// InstructionsFile is appended to the system prompt as user instructions.
	InstructionsFile string `yaml:"instructions_file"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		AppName: "patchproxy",
		Repository: RepositoryConfig{
			Path:           ".",
			MaxValidations: 10,
			CommandTimeout: "10m",
			IdleTimeout:    "2m",
			Sandbox:        SandboxHost,
		},
		Store: StoreConfig{
			Backend:    BackendFile,
			Dir:        filepath.Join(dataDir, "tasks"),
			SQLitePath: filepath.Join(dataDir, "patchproxy.db"),
		},
		Model: ModelConfig{
			Name:      "claude-sonnet-4-5",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			MaxSteps:  30,
			Timeout:   "120s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path over the defaults. A missing file is not
// an error. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	if v, ok := os.LookupEnv("PATCHPROXY_AUTO_HINT"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid PATCHPROXY_AUTO_HINT %q: %w", v, err)
		}
		c.AutoHint = b
	}
	if v := os.Getenv("PATCHPROXY_REPO"); v != "" {
		c.Repository.Path = v
	}
	if v := os.Getenv("PATCHPROXY_VALIDATE_COMMAND"); v != "" {
		c.Repository.ValidateCommand = v
	}
	if v := os.Getenv("PATCHPROXY_SANDBOX"); v != "" {
		c.Repository.Sandbox = v
	}
	if v := os.Getenv("PATCHPROXY_DOCKER_IMAGE"); v != "" {
		c.Repository.DockerImage = v
	}
	if v := os.Getenv("PATCHPROXY_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("PATCHPROXY_STORE_DIR"); v != "" {
		c.Store.Dir = v
	}
	if v := os.Getenv("PATCHPROXY_SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("PATCHPROXY_MODEL"); v != "" {
		c.Model.Name = v
	}
	if v := os.Getenv("PATCHPROXY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AppName) == "" {
		return fmt.Errorf("app_name is required")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile:
		if strings.TrimSpace(c.Store.Dir) == "" {
			return fmt.Errorf("store.dir is required for the file backend")
		}
	case BackendSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Repository.Sandbox {
	case SandboxHost, SandboxDocker, "":
	default:
		return fmt.Errorf("unknown repository.sandbox %q (want host or docker)", c.Repository.Sandbox)
	}
	if c.Repository.MaxValidations <= 0 {
		return fmt.Errorf("repository.max_validations must be positive, got %d", c.Repository.MaxValidations)
	}
	if c.Model.MaxSteps <= 0 {
		return fmt.Errorf("model.max_steps must be positive, got %d", c.Model.MaxSteps)
	}
	for name, value := range map[string]string{
		"repository.command_timeout": c.Repository.CommandTimeout,
		"repository.idle_timeout":    c.Repository.IdleTimeout,
		"model.timeout":              c.Model.Timeout,
	} {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}

// CommandTimeout returns the parsed repository command timeout.
func (c *Config) CommandTimeout() time.Duration {
	d, _ := parseDuration(c.Repository.CommandTimeout)
	return d
}

// IdleTimeout returns the parsed validate command idle timeout.
func (c *Config) IdleTimeout() time.Duration {
	d, _ := parseDuration(c.Repository.IdleTimeout)
	return d
}

// ModelTimeout returns the parsed model request timeout.
func (c *Config) ModelTimeout() time.Duration {
	d, _ := parseDuration(c.Model.Timeout)
	return d
}

// parseDuration treats an empty value as zero.
func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", value)
	}
	return d, nil
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil && dir != "" {
		return filepath.Join(dir, ".patchproxy")
	}
	return ".patchproxy"
}
