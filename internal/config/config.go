package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/drewdunne/conductor/internal/models"
)

// Config represents the server configuration.
type Config struct {
	Server    ServerConfig       `yaml:"server"`
	Logging   LoggingConfig      `yaml:"logging"`
	Providers ProvidersConfig    `yaml:"providers"`
	Events    ServerEventsConfig `yaml:"events"`
	Store     StoreConfig        `yaml:"store"`
	Approvals ApprovalsConfig    `yaml:"approvals"`
	Train     TrainConfig        `yaml:"merge_train"`
	Workers   WorkersConfig      `yaml:"workers"`
	RepoCache RepoCacheConfig    `yaml:"repo_cache"`
}

// ServerEventsConfig controls which webhook events are handled.
type ServerEventsConfig struct {
	MROpened  bool `yaml:"mr_opened"`
	MRUpdated bool `yaml:"mr_updated"`
	MRClosed  bool `yaml:"mr_closed"`
	MRMerged  bool `yaml:"mr_merged"`
	Approval  bool `yaml:"approval"`
	Pipeline  bool `yaml:"pipeline"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level         string `yaml:"level"`  // debug, info, warn, error
	Format        string `yaml:"format"` // json, console
	Dir           string `yaml:"dir"`    // empty disables the log file
	RetentionDays int    `yaml:"retention_days"`
}

// ProvidersConfig holds git provider configurations.
type ProvidersConfig struct {
	GitHub GitHubConfig `yaml:"github"`
	GitLab GitLabConfig `yaml:"gitlab"`
}

// GitHubConfig holds GitHub-specific settings.
type GitHubConfig struct {
	BaseURL       string `yaml:"base_url"`
	Token         string `yaml:"token"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// GitLabConfig holds GitLab-specific settings.
type GitLabConfig struct {
	BaseURL       string `yaml:"base_url"`
	Token         string `yaml:"token"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver   string `yaml:"driver"` // memory, postgres
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// ApprovalsConfig holds the approval settings given to newly seen projects.
type ApprovalsConfig struct {
	AllowAuthorApproval    bool                     `yaml:"allow_author_approval"`
	AllowCommitterApproval bool                     `yaml:"allow_committer_approval"`
	AllowOverridesPerMR    bool                     `yaml:"allow_overrides_per_mr"`
	ResetApprovalsOnPush   bool                     `yaml:"reset_approvals_on_push"`
	ProtectedBranches      []models.ProtectedBranch `yaml:"protected_branches"`
}

// TrainConfig holds merge train settings.
type TrainConfig struct {
	Enabled                bool     `yaml:"enabled"`
	MaxConcurrency         int      `yaml:"max_concurrency"`
	RefreshIntervalSeconds int      `yaml:"refresh_interval_seconds"`
	Runner                 string   `yaml:"runner"` // provider, docker
	Image                  string   `yaml:"image"`
	Command                []string `yaml:"command"`
	TimeoutMinutes         int      `yaml:"timeout_minutes"`
}

// WorkersConfig sizes the background job pool.
type WorkersConfig struct {
	Count           int `yaml:"count"`
	QueueSize       int `yaml:"queue_size"`
	MaxRetries      int `yaml:"max_retries"`
	DebounceSeconds int `yaml:"debounce_seconds"`
}

// RepoCacheConfig locates the bare clone cache.
type RepoCacheConfig struct {
	Dir string `yaml:"dir"`
}

// envVarPattern matches ${VAR_NAME} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   7000,
			ShutdownTimeoutSeconds: 30,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			RetentionDays: 30,
		},
		Events: ServerEventsConfig{
			MROpened:  true,
			MRUpdated: true,
			MRClosed:  true,
			MRMerged:  true,
			Approval:  true,
			Pipeline:  true,
		},
		Store: StoreConfig{
			Driver:   "memory",
			MaxConns: 10,
		},
		Train: TrainConfig{
			Enabled:                true,
			MaxConcurrency:         4,
			RefreshIntervalSeconds: 60,
			Runner:                 "provider",
			TimeoutMinutes:         60,
		},
		Workers: WorkersConfig{
			Count:           4,
			QueueSize:       100,
			MaxRetries:      3,
			DebounceSeconds: 10,
		},
		RepoCache: RepoCacheConfig{
			Dir: "/var/cache/conductor/repos",
		},
	}
}

// Load reads and parses the config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Substitute environment variables
	data = envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(varName)))
	})

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Train.Runner {
	case "provider":
	case "docker":
		if c.Train.Image == "" {
			return fmt.Errorf("merge_train.image is required for the docker runner")
		}
	default:
		return fmt.Errorf("unknown merge train runner %q", c.Train.Runner)
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}
	return nil
}

// ApprovalSettings converts the server defaults into project settings.
func (c *Config) ApprovalSettings() models.ApprovalSettings {
	return models.ApprovalSettings{
		AllowAuthorApproval:    c.Approvals.AllowAuthorApproval,
		AllowCommitterApproval: c.Approvals.AllowCommitterApproval,
		AllowOverridesPerMR:    c.Approvals.AllowOverridesPerMR,
		ResetApprovalsOnPush:   c.Approvals.ResetApprovalsOnPush,
		MergeTrainsEnabled:     c.Train.Enabled,
		ProtectedBranches:      append([]models.ProtectedBranch(nil), c.Approvals.ProtectedBranches...),
	}
}
