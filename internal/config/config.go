// Package config provides configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/taskagent/internal/budget"
	"github.com/vinayprograms/taskagent/internal/catalog"
	"github.com/vinayprograms/taskagent/internal/executor"
	"github.com/vinayprograms/taskagent/internal/task"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "taskagent.toml"

// Config represents the taskagent configuration.
type Config struct {
	LLM         LLMConfig                  `toml:"llm"`       // Planning and summary model
	SmallLLM    LLMConfig                  `toml:"small_llm"` // Observer and recovery advisor model
	Engine      executor.Config            `toml:"engine"`
	Budget      BudgetConfig               `toml:"budget"`
	Coordinator CoordinatorConfig          `toml:"coordinator"`
	Storage     StorageConfig              `toml:"storage"`
	Notify      NotifyConfig               `toml:"notify"`
	Telemetry   TelemetryConfig            `toml:"telemetry"`
	Catalog     CatalogConfig              `toml:"catalog"`
	Control     ControlConfig              `toml:"control"`
	Actors      map[string]ActorConfig     `toml:"actors"` // Keyed "tenant/actor"
	Specialists map[string]task.Specialist `toml:"specialists"`
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
	APIKeyEnv    string `toml:"api_key_env"`
	MaxTokens    int    `toml:"max_tokens"`
	BaseURL      string `toml:"base_url"`      // Custom API endpoint (OpenRouter, LiteLLM, Ollama)
	Thinking     string `toml:"thinking"`      // Thinking level: auto|off|low|medium|high
	MaxRetries   int    `toml:"max_retries"`   // Max retry attempts (default 5)
	RetryBackoff string `toml:"retry_backoff"` // Max backoff duration (default "60s")
}

// BudgetConfig sets the per-task circuit breaker.
type BudgetConfig struct {
	MaxTokens int      `toml:"max_tokens"`
	MaxCost   float64  `toml:"max_cost"`
	Pricing   []string `toml:"pricing"` // "model:input,output" per 1M tokens
}

// CoordinatorConfig contains multi-agent coordination settings.
type CoordinatorConfig struct {
	MaxSubTasks  int    `toml:"max_sub_tasks"`
	Concurrency  int    `toml:"concurrency"`
	Delay        string `toml:"delay"` // Pacing between queued sub-tasks, "0s" disables
	ExcerptChars int    `toml:"excerpt_chars"`
}

// StorageConfig contains persistent storage settings.
type StorageConfig struct {
	Path   string `toml:"path"`   // Base directory for the task database and audit logs
	Driver string `toml:"driver"` // sqlite (default) or memory
}

// NotifyConfig configures approval notifications.
type NotifyConfig struct {
	NATSURL string `toml:"nats_url"` // Empty logs notifications only
	Prefix  string `toml:"prefix"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string `toml:"protocol"` // grpc (default) or http
}

// CatalogConfig locates the capability descriptor file.
type CatalogConfig struct {
	Path  string `toml:"path"`
	Watch bool   `toml:"watch"` // Reload on change while serving
}

// ControlConfig configures the NATS control surface.
type ControlConfig struct {
	NATSURL       string `toml:"nats_url"`
	Prefix        string `toml:"prefix"`
	MaxConcurrent int    `toml:"max_concurrent"`
}

// ActorConfig describes a known actor.
type ActorConfig struct {
	Name string `toml:"name"`
	Tier string `toml:"tier"`
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		LLM: LLMConfig{
			MaxTokens: 4096,
		},
		Coordinator: CoordinatorConfig{
			MaxSubTasks: 5,
			Concurrency: 1,
			Delay:       "1s",
		},
		Storage: StorageConfig{
			Path:   "~/.local/taskagent",
			Driver: "sqlite",
		},
		Notify: NotifyConfig{
			Prefix: "taskagent",
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
		Catalog: CatalogConfig{
			Path: "catalog.yaml",
		},
		Control: ControlConfig{
			NATSURL:       "nats://127.0.0.1:4222",
			Prefix:        "taskagent",
			MaxConcurrent: 16,
		},
	}
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load loads path, or taskagent.toml in the current directory when path is
// empty. A missing default file yields the defaults.
func Load(path string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	cfg, err := LoadFile(filepath.Join(cwd, DefaultFile))
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	return cfg, err
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if _, err := c.Pricing(); err != nil {
		return err
	}
	if _, err := c.CoordinatorDelay(); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q (supported: sqlite, memory)", c.Storage.Driver)
	}
	for key, a := range c.Actors {
		if _, _, ok := strings.Cut(key, "/"); !ok {
			return fmt.Errorf("actor key %q must be tenant/actor", key)
		}
		if _, err := catalog.ParseTier(a.Tier); err != nil {
			return fmt.Errorf("actor %s: %w", key, err)
		}
	}
	if _, ok := c.Specialists["coordinator"]; ok {
		return errors.New("specialist name \"coordinator\" is reserved")
	}
	return nil
}

// Pricing parses the budget price table.
func (c *Config) Pricing() (budget.Pricing, error) {
	return budget.ParsePricing(c.Budget.Pricing)
}

// Limits returns the per-task budget ceilings.
func (c *Config) Limits() budget.Limits {
	return budget.Limits{MaxTokens: c.Budget.MaxTokens, MaxCost: c.Budget.MaxCost}
}

// EngineConfig returns the executor configuration with budget settings applied.
func (c *Config) EngineConfig() (executor.Config, error) {
	pricing, err := c.Pricing()
	if err != nil {
		return executor.Config{}, err
	}
	ec := c.Engine
	ec.Budget = c.Limits()
	ec.Pricing = pricing
	return ec, nil
}

// CoordinatorDelay parses the coordinator pacing delay. An explicit zero
// disables pacing and is returned as a negative duration.
func (c *Config) CoordinatorDelay() (time.Duration, error) {
	if c.Coordinator.Delay == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Coordinator.Delay)
	if err != nil {
		return 0, fmt.Errorf("invalid coordinator delay %q: %w", c.Coordinator.Delay, err)
	}
	if d <= 0 {
		return -1, nil
	}
	return d, nil
}

// SpecialistList returns the configured specialists sorted by name.
func (c *Config) SpecialistList() []task.Specialist {
	names := make([]string, 0, len(c.Specialists))
	for name := range c.Specialists {
		names = append(names, name)
	}
	sort.Strings(names)
	list := make([]task.Specialist, len(names))
	for i, name := range names {
		s := c.Specialists[name]
		s.Name = name
		list[i] = s
	}
	return list
}

// StaticActors builds the actor directory from [actors].
func (c *Config) StaticActors() executor.StaticActors {
	actors := executor.StaticActors{}
	for key, a := range c.Actors {
		tenant, id, _ := strings.Cut(key, "/")
		tier, _ := catalog.ParseTier(a.Tier)
		actors.Add(catalog.Actor{ID: id, TenantID: tenant, Name: a.Name, Tier: tier})
	}
	return actors
}

// StoragePath returns the storage directory with ~ expanded.
func (c *Config) StoragePath() string {
	path := c.Storage.Path
	if path == "" {
		path = "~/.local/taskagent"
	}
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return path
}

// APIKeyEnv returns the environment variable holding the key for cfg.
// If api_key_env is not set, uses the default env var for the provider.
func APIKeyEnv(cfg LLMConfig, provider string) string {
	if cfg.APIKeyEnv != "" {
		return cfg.APIKeyEnv
	}
	return DefaultAPIKeyEnv(provider)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}
