package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/foundry/internal/sandbox"
)

// PipelineConfig holds the orchestrator budgets and timeouts.
type PipelineConfig struct {
	// MaxIterations is the build/verify budget per run before escalation
	MaxIterations int `yaml:"max_iterations"`

	// SandboxRetries is the number of sandbox attempts per verification before the run fails
	SandboxRetries int `yaml:"sandbox_retries"`

	CapabilityTimeout time.Duration `yaml:"capability_timeout"`
	PrepareTimeout    time.Duration `yaml:"prepare_timeout"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`

	// RunTimeout bounds a whole run (0 = no limit)
	RunTimeout time.Duration `yaml:"run_timeout"`

	// DiagnosticLimit is the maximum bytes of tool output kept per error log entry
	DiagnosticLimit int `yaml:"diagnostic_limit"`

	// MaxConcurrency is the number of runs the dispatcher drives at once
	MaxConcurrency int `yaml:"max_concurrency"`

	// WorkspaceRoot holds one workspace per tenant and run
	WorkspaceRoot string `yaml:"workspace_root"`

	// TestPattern narrows the test command (empty = all tests)
	TestPattern string `yaml:"test_pattern"`
}

// SandboxConfig selects and configures the execution backend.
type SandboxConfig struct {
	// Backend is "docker" (isolated) or "process" (fallback)
	Backend string `yaml:"backend"`

	// AllowFallback must be set to use the process backend
	AllowFallback bool `yaml:"allow_fallback"`

	DockerBin string `yaml:"docker_bin"`

	// EnvironmentFile, when set, replaces Environment with the file contents
	EnvironmentFile string `yaml:"environment_file"`

	Environment sandbox.Environment `yaml:"environment"`
}

// MinIOConfig is the object store used for escalation snapshots.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// EscalationConfig configures snapshot storage and human checkouts.
type EscalationConfig struct {
	// Blob is "local" or "minio"
	Blob string `yaml:"blob"`

	// Root is the snapshot directory for the local blob store
	Root string `yaml:"root"`

	// CheckoutRoot holds the workspaces humans edit
	CheckoutRoot string `yaml:"checkout_root"`

	// HandleBase prefixes resumable handles
	HandleBase string `yaml:"handle_base"`

	MinIO MinIOConfig `yaml:"minio"`
}

// StoreConfig selects the run store database.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CommandConfig describes a capability backed by an external command.
type CommandConfig struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
	Dir     string        `yaml:"dir"`
	Env     []string      `yaml:"env"`
}

// Configured reports whether a command is set.
func (c CommandConfig) Configured() bool {
	return len(c.Command) > 0 && strings.TrimSpace(c.Command[0]) != ""
}

// CapabilitiesConfig binds the architect, builder and optional qa capabilities.
type CapabilitiesConfig struct {
	Architect CommandConfig `yaml:"architect"`
	Builder   CommandConfig `yaml:"builder"`
	QA        CommandConfig `yaml:"qa"`
}

// Config represents foundry configuration options
type Config struct {
	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where logs will be written
	LogDir string `yaml:"log_dir"`

	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	Escalation   EscalationConfig   `yaml:"escalation"`
	Store        StoreConfig        `yaml:"store"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogDir:   filepath.Join(DirName, "logs"),
		Pipeline: PipelineConfig{
			MaxIterations:     3,
			SandboxRetries:    2,
			CapabilityTimeout: 10 * time.Minute,
			PrepareTimeout:    5 * time.Minute,
			CommandTimeout:    10 * time.Minute,
			RunTimeout:        time.Hour,
			DiagnosticLimit:   4000,
			MaxConcurrency:    4,
			WorkspaceRoot:     filepath.Join(DirName, "workspaces"),
		},
		Sandbox: SandboxConfig{
			Backend:     "docker",
			DockerBin:   "docker",
			Environment: sandbox.DefaultEnvironment(),
		},
		Escalation: EscalationConfig{
			Blob:         "local",
			Root:         filepath.Join(DirName, "snapshots"),
			CheckoutRoot: filepath.Join(DirName, "checkouts"),
			MinIO: MinIOConfig{
				Bucket: "foundry-snapshots",
				UseSSL: true,
			},
		},
		Store: StoreConfig{
			Driver:          "sqlite",
			DSN:             filepath.Join(DirName, "foundry.db"),
			PingTimeout:     2 * time.Second,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
	}
}

// LoadConfig loads configuration from the specified file path.
// If the file doesn't exist, returns default configuration without error.
// Keys present in the file override defaults; durations are strings ("90s", "1h").
// Lists in the file replace the default lists; env maps are merged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if cfg.Sandbox.EnvironmentFile != "" {
		envPath := cfg.Sandbox.EnvironmentFile
		if !filepath.IsAbs(envPath) {
			envPath = filepath.Join(filepath.Dir(path), envPath)
		}
		env, err := sandbox.LoadEnvironment(envPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load sandbox environment: %w", err)
		}
		cfg.Sandbox.Environment = env
	}

	return cfg, nil
}

// LoadConfigFromDir loads configuration from .foundry/config.yaml in the specified directory
func LoadConfigFromDir(dir string) (*Config, error) {
	return LoadConfig(filepath.Join(dir, DirName, FileName))
}

// FlagOverrides carries CLI flag values. Nil fields were not set on the command line.
type FlagOverrides struct {
	LogLevel       *string
	LogDir         *string
	MaxIterations  *int
	MaxConcurrency *int
	RunTimeout     *time.Duration
	Backend        *string
	AllowFallback  *bool
	StoreDSN       *string
	TestPattern    *string
}

// MergeWithFlags merges CLI flags into the configuration.
// Non-nil flag values override configuration values.
func (c *Config) MergeWithFlags(f FlagOverrides) {
	if f.LogLevel != nil {
		c.LogLevel = *f.LogLevel
	}
	if f.LogDir != nil {
		c.LogDir = *f.LogDir
	}
	if f.MaxIterations != nil {
		c.Pipeline.MaxIterations = *f.MaxIterations
	}
	if f.MaxConcurrency != nil {
		c.Pipeline.MaxConcurrency = *f.MaxConcurrency
	}
	if f.RunTimeout != nil {
		c.Pipeline.RunTimeout = *f.RunTimeout
	}
	if f.Backend != nil {
		c.Sandbox.Backend = *f.Backend
	}
	if f.AllowFallback != nil {
		c.Sandbox.AllowFallback = *f.AllowFallback
	}
	if f.StoreDSN != nil {
		c.Store.DSN = *f.StoreDSN
	}
	if f.TestPattern != nil {
		c.Pipeline.TestPattern = *f.TestPattern
	}
}

var validLevels = []string{"trace", "debug", "info", "warn", "error"}

// Validate validates the configuration values.
// Returns an error if any values are invalid.
func (c *Config) Validate() error {
	if !slices.Contains(validLevels, c.LogLevel) {
		return fmt.Errorf("invalid log_level %q, must be one of: %s", c.LogLevel, strings.Join(validLevels, ", "))
	}

	p := c.Pipeline
	if p.MaxIterations < 1 {
		return fmt.Errorf("pipeline.max_iterations must be >= 1, got %d", p.MaxIterations)
	}
	if p.SandboxRetries < 1 {
		return fmt.Errorf("pipeline.sandbox_retries must be >= 1, got %d", p.SandboxRetries)
	}
	if p.MaxConcurrency < 1 {
		return fmt.Errorf("pipeline.max_concurrency must be >= 1, got %d", p.MaxConcurrency)
	}
	if p.DiagnosticLimit < 0 {
		return fmt.Errorf("pipeline.diagnostic_limit must be >= 0, got %d", p.DiagnosticLimit)
	}
	for name, d := range map[string]time.Duration{
		"capability_timeout": p.CapabilityTimeout,
		"prepare_timeout":    p.PrepareTimeout,
		"command_timeout":    p.CommandTimeout,
		"run_timeout":        p.RunTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("pipeline.%s must be >= 0, got %v", name, d)
		}
	}
	if strings.TrimSpace(p.WorkspaceRoot) == "" {
		return errors.New("pipeline.workspace_root cannot be empty")
	}

	switch c.Sandbox.Backend {
	case "docker":
	case "process":
		if !c.Sandbox.AllowFallback {
			return errors.New("sandbox.backend \"process\" requires sandbox.allow_fallback: true")
		}
	default:
		return fmt.Errorf("invalid sandbox.backend %q, must be docker or process", c.Sandbox.Backend)
	}
	if err := c.Sandbox.Environment.Validate(); err != nil {
		return fmt.Errorf("sandbox.environment: %w", err)
	}

	switch c.Escalation.Blob {
	case "local":
		if strings.TrimSpace(c.Escalation.Root) == "" {
			return errors.New("escalation.root cannot be empty for the local blob store")
		}
	case "minio":
		m := c.Escalation.MinIO
		if m.Endpoint == "" || m.Bucket == "" {
			return errors.New("escalation.minio.endpoint and escalation.minio.bucket are required")
		}
		if m.AccessKey == "" || m.SecretKey == "" {
			return errors.New("escalation.minio.access_key and escalation.minio.secret_key are required")
		}
	default:
		return fmt.Errorf("invalid escalation.blob %q, must be local or minio", c.Escalation.Blob)
	}
	if strings.TrimSpace(c.Escalation.CheckoutRoot) == "" {
		return errors.New("escalation.checkout_root cannot be empty")
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid store.driver %q, must be sqlite or postgres", c.Store.Driver)
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return errors.New("store.dsn cannot be empty")
	}

	for name, cmd := range map[string]CommandConfig{
		"architect": c.Capabilities.Architect,
		"builder":   c.Capabilities.Builder,
		"qa":        c.Capabilities.QA,
	} {
		if cmd.Timeout < 0 {
			return fmt.Errorf("capabilities.%s.timeout must be >= 0, got %v", name, cmd.Timeout)
		}
	}

	return nil
}

// RequireCapabilities checks that the capabilities a run needs are configured.
// Separate from Validate so read-only commands work without them.
func (c *Config) RequireCapabilities() error {
	if !c.Capabilities.Architect.Configured() {
		return errors.New("capabilities.architect.command is required")
	}
	if !c.Capabilities.Builder.Configured() {
		return errors.New("capabilities.builder.command is required")
	}
	return nil
}
