// Package config loads ovabuilder.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ovabuilder/internal/history"
	"ovabuilder/internal/security"
	"ovabuilder/pkg/fileutil"
)

const (
	FileName = "ovabuilder.yaml"

	DefaultSourceAPIURL      = "https://api.github.com/repos/avalonmediasystem/avalon/"
	DefaultSourceCloneURL    = "https://github.com/avalonmediasystem/avalon.git"
	DefaultInstallerAPIURL   = "https://api.github.com/repos/avalonmediasystem/avalon-installer/"
	DefaultInstallerCloneURL = "https://github.com/avalonmediasystem/avalon-installer.git"
	DefaultBranch            = "master"
	DefaultDataDir           = "./data"

	DefaultMaxAttempts     = 3
	DefaultBaseDelay       = 3 * time.Second
	DefaultMaxDelay        = 10 * time.Second
	DefaultHTTPTimeout     = 30 * time.Second
	DefaultBuildTimeout    = 3600
	DefaultGitTimeout      = 600
	DefaultArtifactPattern = "*.ova"
	DefaultKeepWorkspaces  = 3

	envPrefix = "OVABUILDER_"
)

// RepoConfig locates one tracked repository.
type RepoConfig struct {
	APIURL   string `yaml:"api_url"`
	CloneURL string `yaml:"clone_url"`
	Branch   string `yaml:"branch"`
}

type HistoryConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`

	// DSN is the connection string of the postgres backend.
	DSN string `yaml:"dsn"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type HTTPConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

type BuildConfig struct {
	Command         interface{} `yaml:"command"` // string or list
	Timeout         int         `yaml:"timeout"`
	GitTimeout      int         `yaml:"git_timeout"`
	ArtifactPattern string      `yaml:"artifact_pattern"`
	KeepWorkspaces  int         `yaml:"keep_workspaces"`
}

// Config is the root of ovabuilder.yaml.
type Config struct {
	DataDir       string        `yaml:"data_dir"`
	Source        RepoConfig    `yaml:"source"`
	Installer     RepoConfig    `yaml:"installer"`
	History       HistoryConfig `yaml:"history"`
	Retry         RetryConfig   `yaml:"retry"`
	HTTP          HTTPConfig    `yaml:"http"`
	GitHubToken   string        `yaml:"github_token"`
	Build         BuildConfig   `yaml:"build"`
	WebhookSecret string        `yaml:"webhook_secret"`

	// File is the path the config was read from, empty for built-in defaults.
	File string `yaml:"-"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir,
		Source: RepoConfig{
			APIURL:   DefaultSourceAPIURL,
			CloneURL: DefaultSourceCloneURL,
			Branch:   DefaultBranch,
		},
		Installer: RepoConfig{
			APIURL:   DefaultInstallerAPIURL,
			CloneURL: DefaultInstallerCloneURL,
			Branch:   DefaultBranch,
		},
		History: HistoryConfig{Backend: history.BackendCSV},
		Retry: RetryConfig{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   DefaultBaseDelay,
			MaxDelay:    DefaultMaxDelay,
		},
		HTTP: HTTPConfig{Timeout: DefaultHTTPTimeout},
		Build: BuildConfig{
			Timeout:         DefaultBuildTimeout,
			GitTimeout:      DefaultGitTimeout,
			ArtifactPattern: DefaultArtifactPattern,
			KeepWorkspaces:  DefaultKeepWorkspaces,
		},
	}
}

// Load reads the config at path. An empty path searches the default
// locations and falls back to built-in defaults when nothing is found.
// Environment overrides are applied last, then the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = fileutil.SearchPathsOptional(fileutil.DefaultConfigPaths(FileName))
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
		cfg.File = path
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(errs, "\n"))
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = getEnvOrDefault(envPrefix+"DATA_DIR", c.DataDir)
	c.History.Backend = getEnvOrDefault(envPrefix+"HISTORY_BACKEND", c.History.Backend)
	c.History.Path = getEnvOrDefault(envPrefix+"HISTORY_PATH", c.History.Path)
	c.History.DSN = getEnvOrDefault(envPrefix+"HISTORY_DSN", c.History.DSN)
	c.WebhookSecret = getEnvOrDefault(envPrefix+"WEBHOOK_SECRET", c.WebhookSecret)

	if c.GitHubToken == "" {
		c.GitHubToken = os.Getenv("GITHUB_TOKEN")
	}
	c.GitHubToken = getEnvOrDefault(envPrefix+"GITHUB_TOKEN", c.GitHubToken)

	c.HTTP.RequestsPerMinute = getEnvOrDefaultInt(envPrefix+"REQUESTS_PER_MINUTE", c.HTTP.RequestsPerMinute)
}

// applyDefaults fills values a file explicitly left empty.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Source.Branch == "" {
		c.Source.Branch = DefaultBranch
	}
	if c.Installer.Branch == "" {
		c.Installer.Branch = DefaultBranch
	}
	if c.History.Backend == "" {
		c.History.Backend = history.BackendCSV
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = DefaultBaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = DefaultMaxDelay
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = DefaultHTTPTimeout
	}
	if c.Build.Timeout == 0 {
		c.Build.Timeout = DefaultBuildTimeout
	}
	if c.Build.GitTimeout == 0 {
		c.Build.GitTimeout = DefaultGitTimeout
	}
	if c.Build.ArtifactPattern == "" {
		c.Build.ArtifactPattern = DefaultArtifactPattern
	}
}

// Validate returns one line per problem.
func (c *Config) Validate() []string {
	var errors []string

	for _, repo := range []struct {
		name string
		cfg  RepoConfig
	}{
		{"source", c.Source},
		{"installer", c.Installer},
	} {
		if repo.cfg.APIURL == "" {
			errors = append(errors, fmt.Sprintf("  - %s: missing required 'api_url' field", repo.name))
		} else if err := security.ValidateAPIURL(repo.cfg.APIURL); err != nil {
			errors = append(errors, fmt.Sprintf("  - %s: api_url: %v", repo.name, err))
		}

		if repo.cfg.CloneURL != "" {
			if err := security.ValidateGitURL(repo.cfg.CloneURL); err != nil {
				errors = append(errors, fmt.Sprintf("  - %s: clone_url: %v", repo.name, err))
			}
		}

		if err := security.ValidateBranchName(repo.cfg.Branch); err != nil {
			errors = append(errors, fmt.Sprintf("  - %s: branch: %v", repo.name, err))
		}
	}

	switch c.History.Backend {
	case history.BackendCSV, history.BackendSQLite:
	case history.BackendPostgres:
		if c.History.DSN == "" {
			errors = append(errors, "  - history.dsn is required for the postgres backend")
		}
	default:
		errors = append(errors, fmt.Sprintf("  - history.backend must be %q, %q or %q, got %q",
			history.BackendCSV, history.BackendSQLite, history.BackendPostgres, c.History.Backend))
	}

	if c.Retry.MaxAttempts < 1 {
		errors = append(errors, fmt.Sprintf("  - retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		errors = append(errors, "  - retry delays must not be negative")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errors = append(errors, fmt.Sprintf("  - retry.max_delay (%s) is shorter than retry.base_delay (%s)",
			c.Retry.MaxDelay, c.Retry.BaseDelay))
	}

	if c.HTTP.Timeout < 0 {
		errors = append(errors, fmt.Sprintf("  - http.timeout must be positive, got %s", c.HTTP.Timeout))
	}
	if c.HTTP.RequestsPerMinute < 0 {
		errors = append(errors, fmt.Sprintf("  - http.requests_per_minute must not be negative, got %d", c.HTTP.RequestsPerMinute))
	}

	if c.Build.Timeout < 0 {
		errors = append(errors, fmt.Sprintf("  - build.timeout must be a positive integer, got %d", c.Build.Timeout))
	}
	if c.Build.GitTimeout < 0 {
		errors = append(errors, fmt.Sprintf("  - build.git_timeout must be a positive integer, got %d", c.Build.GitTimeout))
	}
	if c.Build.KeepWorkspaces < 0 {
		errors = append(errors, fmt.Sprintf("  - build.keep_workspaces must not be negative, got %d", c.Build.KeepWorkspaces))
	}
	if _, err := filepath.Match(c.Build.ArtifactPattern, ""); err != nil {
		errors = append(errors, fmt.Sprintf("  - build.artifact_pattern is malformed: %q", c.Build.ArtifactPattern))
	}
	switch c.Build.Command.(type) {
	case nil, string, []interface{}:
	default:
		errors = append(errors, fmt.Sprintf("  - build.command must be a string or list, got %T", c.Build.Command))
	}

	return errors
}

// HistoryPath is the history log location for the configured backend: a file
// path, or the DSN for postgres.
func (c *Config) HistoryPath() string {
	if c.History.Backend == history.BackendPostgres {
		return c.History.DSN
	}
	if c.History.Path != "" {
		return c.History.Path
	}
	name := "build_history.csv"
	if c.History.Backend == history.BackendSQLite {
		name = "build_history.db"
	}
	return filepath.Join(c.DataDir, name)
}

// WorkspaceDir is where build checkouts are created.
func (c *Config) WorkspaceDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// ValidateWebhookSecret checks the secret is set and strong enough to serve
// the push webhook.
func (c *Config) ValidateWebhookSecret() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("webhook_secret is not set")
	}
	return security.ValidateSecret(c.WebhookSecret)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
