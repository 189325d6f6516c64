// Package config loads the repowatch configuration file: the set of watched
// repository clones, their polling cadence, and the optional credential
// store location.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"sigs.k8s.io/yaml"

	"github.com/user/repowatch/internal/interfaces"
	"github.com/user/repowatch/internal/marker"
)

const (
	// DefaultPollIntervalSeconds matches the original observer cadence.
	DefaultPollIntervalSeconds = 5
	// DefaultPullTimeoutSeconds bounds one fetch against a hung remote.
	DefaultPullTimeoutSeconds = 60

	defaultRemote = "origin"
)

// DefaultPollInterval is DefaultPollIntervalSeconds as a duration, for
// callers handed a target that never went through Load.
const DefaultPollInterval = DefaultPollIntervalSeconds * time.Second

// Config is the top-level configuration.
type Config struct {
	CredentialsFile string       `json:"credentials_file,omitempty"`
	Defaults        Defaults     `json:"defaults,omitempty"`
	Repositories    []Repository `json:"repositories"`
}

// Defaults apply to every repository that does not override them.
type Defaults struct {
	Remote              string `json:"remote,omitempty"`
	PollIntervalSeconds int    `json:"poll_interval_seconds,omitempty"`
	PullTimeoutSeconds  int    `json:"pull_timeout_seconds,omitempty"`
}

// Repository configures one watched clone.
type Repository struct {
	ID                  string `json:"id,omitempty"`
	Path                string `json:"path"`
	Remote              string `json:"remote,omitempty"`
	Branch              string `json:"branch,omitempty"`
	Marker              string `json:"marker,omitempty"`
	Credential          string `json:"credential,omitempty"`
	PollIntervalSeconds int    `json:"poll_interval_seconds,omitempty"`
	PullTimeoutSeconds  int    `json:"pull_timeout_seconds,omitempty"`
}

// Load reads, expands, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandEnv expands environment variables in all path-like string fields.
func (c *Config) expandEnv() {
	c.CredentialsFile = os.ExpandEnv(c.CredentialsFile)
	for i := range c.Repositories {
		r := &c.Repositories[i]
		r.Path = os.ExpandEnv(r.Path)
		r.Marker = os.ExpandEnv(r.Marker)
	}
}

// applyDefaults fills zero-value fields, assigning a fresh UUID to any
// repository declared without an id.
func (c *Config) applyDefaults() {
	if c.Defaults.Remote == "" {
		c.Defaults.Remote = defaultRemote
	}
	if c.Defaults.PollIntervalSeconds <= 0 {
		c.Defaults.PollIntervalSeconds = DefaultPollIntervalSeconds
	}
	if c.Defaults.PullTimeoutSeconds <= 0 {
		c.Defaults.PullTimeoutSeconds = DefaultPullTimeoutSeconds
	}

	for i := range c.Repositories {
		r := &c.Repositories[i]
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Remote == "" {
			r.Remote = c.Defaults.Remote
		}
		if r.Marker == "" {
			// Each clone keeps its marker inside its own directory so
			// watched repositories never share marker state.
			r.Marker = filepath.Join(r.Path, marker.DefaultName)
		}
		if r.PollIntervalSeconds <= 0 {
			r.PollIntervalSeconds = c.Defaults.PollIntervalSeconds
		}
		if r.PullTimeoutSeconds <= 0 {
			r.PullTimeoutSeconds = c.Defaults.PullTimeoutSeconds
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Repositories) == 0 {
		return fmt.Errorf("at least one repository is required")
	}

	seen := make(map[string]bool, len(c.Repositories))
	markers := make(map[string]string, len(c.Repositories))
	for _, r := range c.Repositories {
		if r.Path == "" {
			return fmt.Errorf("repository %q: path is required", r.ID)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate repository id %q", r.ID)
		}
		seen[r.ID] = true
		if other, ok := markers[r.Marker]; ok {
			return fmt.Errorf("repositories %q and %q share marker path %q", other, r.ID, r.Marker)
		}
		markers[r.Marker] = r.ID
		if r.PollIntervalSeconds <= 0 {
			return fmt.Errorf("repository %q: poll_interval_seconds must be positive", r.ID)
		}
		if r.PullTimeoutSeconds <= 0 {
			return fmt.Errorf("repository %q: pull_timeout_seconds must be positive", r.ID)
		}
		if r.Credential != "" && c.CredentialsFile == "" {
			return fmt.Errorf("repository %q names credential %q but credentials_file is not set", r.ID, r.Credential)
		}
	}
	return nil
}

// Targets converts the configured repositories into watch targets.
func (c *Config) Targets() []interfaces.WatchTarget {
	targets := make([]interfaces.WatchTarget, 0, len(c.Repositories))
	for _, r := range c.Repositories {
		targets = append(targets, interfaces.WatchTarget{
			ID:           r.ID,
			Path:         r.Path,
			Remote:       r.Remote,
			Branch:       r.Branch,
			MarkerPath:   r.Marker,
			Credential:   r.Credential,
			PollInterval: time.Duration(r.PollIntervalSeconds) * time.Second,
			PullTimeout:  time.Duration(r.PullTimeoutSeconds) * time.Second,
		})
	}
	return targets
}
