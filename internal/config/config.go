package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"flowline/internal/domain"
	"flowline/internal/logging"
)

// FileName is the workspace config file.
const FileName = "flowline.yml"

// Config models flowline.yml. Values that influence state transitions are
// copied into events when a flow is created, so replay never reads this file.
type Config struct {
	Scheduler struct {
		MaxParallel int              `yaml:"max_parallel"`
		AutoRetry   domain.RetryMode `yaml:"auto_retry"`
	} `yaml:"scheduler"`
	Retry struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"retry"`
	Runtime struct {
		Timeout time.Duration `yaml:"timeout"`
		Grace   time.Duration `yaml:"grace"`
	} `yaml:"runtime"`
	Checks struct {
		Timeout     time.Duration `yaml:"timeout"`
		MaxParallel int           `yaml:"max_parallel"`
	} `yaml:"checks"`
	Worktrees struct {
		Dir string `yaml:"dir"`
	} `yaml:"worktrees"`
	Merge struct {
		TargetBranch string `yaml:"target_branch"`
	} `yaml:"merge"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
		// AllowActorHeader accepts an unauthenticated X-Actor-Id header. Local use only.
		AllowActorHeader bool `yaml:"allow_actor_header"`
		DevLogin         bool `yaml:"dev_login"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Log      logging.Config  `yaml:"log"`
}

// WebhookConfig forwards appended events to an HTTP endpoint.
type WebhookConfig struct {
	URL string `yaml:"url"`
	// Kinds limits delivery to these event kinds; empty forwards everything.
	Kinds   []string      `yaml:"kinds"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
	Enabled *bool         `yaml:"enabled"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	return strings.TrimSpace(w.URL) != "" && (w.Enabled == nil || *w.Enabled)
}

// Default returns the configuration used when flowline.yml is absent.
func Default() *Config {
	var cfg Config
	cfg.Scheduler.MaxParallel = 2
	cfg.Retry.MaxAttempts = 3
	cfg.Runtime.Timeout = 30 * time.Minute
	cfg.Runtime.Grace = 10 * time.Second
	cfg.Checks.Timeout = 10 * time.Minute
	cfg.Checks.MaxParallel = 4
	cfg.Worktrees.Dir = filepath.Join(".flowline", "worktrees")
	cfg.Merge.TargetBranch = "main"
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Log.Level = "warn"
	cfg.Log.Format = "console"
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scheduler.MaxParallel <= 0 {
		return fmt.Errorf("config.scheduler.max_parallel must be positive")
	}
	switch c.Scheduler.AutoRetry {
	case "", domain.ModeContinue, domain.ModeClean:
	default:
		return fmt.Errorf("config.scheduler.auto_retry must be continue or clean, got %q", c.Scheduler.AutoRetry)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config.retry.max_attempts must be positive")
	}
	if c.Runtime.Timeout <= 0 {
		return fmt.Errorf("config.runtime.timeout must be positive")
	}
	if c.Runtime.Grace < 0 {
		return fmt.Errorf("config.runtime.grace must not be negative")
	}
	if c.Checks.Timeout <= 0 {
		return fmt.Errorf("config.checks.timeout must be positive")
	}
	if c.Checks.MaxParallel <= 0 {
		return fmt.Errorf("config.checks.max_parallel must be positive")
	}
	if strings.TrimSpace(c.Worktrees.Dir) == "" {
		return fmt.Errorf("config.worktrees.dir is required")
	}
	if strings.TrimSpace(c.Merge.TargetBranch) == "" {
		return fmt.Errorf("config.merge.target_branch is required")
	}
	for i, w := range c.Webhooks {
		if strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if w.Timeout < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout must not be negative", i)
		}
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("config.log: %w", err)
	}
	return nil
}

// WorktreeDir resolves worktrees.dir against the workspace.
func (c *Config) WorktreeDir(workspace string) string {
	if filepath.IsAbs(c.Worktrees.Dir) {
		return c.Worktrees.Dir
	}
	if workspace == "" {
		workspace = "."
	}
	abs, err := filepath.Abs(filepath.Join(workspace, c.Worktrees.Dir))
	if err != nil {
		return filepath.Join(workspace, c.Worktrees.Dir)
	}
	return abs
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `scheduler:
  max_parallel: 2
  # continue | clean; empty disables automatic retries
  auto_retry: ""

retry:
  max_attempts: 3

runtime:
  timeout: 30m
  grace: 10s

checks:
  timeout: 10m
  max_parallel: 4

worktrees:
  dir: .flowline/worktrees

merge:
  target_branch: main

server:
  addr: 127.0.0.1:8080
  # jwt_secret signs and verifies API bearer tokens (or FLOWLINE_JWT_SECRET)
  # allow_actor_header: false
  # dev_login: false

# webhooks:
#   - url: https://example.internal/flowline
#     kinds: [flow.completed, flow.failed, merge.executed]
#     timeout: 5s

log:
  level: warn
  format: console
`
