// Package config loads the seeder's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oddessentials/ado-git-repo-seeder/internal/adapters/azuredevops"
	"github.com/oddessentials/ado-git-repo-seeder/internal/cleanup"
	"github.com/oddessentials/ado-git-repo-seeder/internal/completion"
	"github.com/oddessentials/ado-git-repo-seeder/internal/gitops"
	"github.com/oddessentials/ado-git-repo-seeder/internal/logging"
	"github.com/oddessentials/ado-git-repo-seeder/internal/seeder"
)

// Config represents the main configuration
type Config struct {
	Organization string                 `yaml:"organization"`
	BaseURL      string                 `yaml:"base_url"`
	PAT          string                 `yaml:"pat"`
	Timeout      time.Duration          `yaml:"timeout"`     // per-request REST timeout
	MaxRetries   int                    `yaml:"max_retries"` // transport retries for 429/5xx
	Projects     []*ProjectConfig       `yaml:"projects"`
	Run          *RunConfig             `yaml:"run"`
	Completion   *completion.Config     `yaml:"completion"`
	Git          *gitops.ResolverConfig `yaml:"git"`
	Cleanup      *CleanupConfig         `yaml:"cleanup"`
	Ledger       *LedgerConfig          `yaml:"ledger"`
	Logging      *logging.Config        `yaml:"logging"`
}

// ProjectConfig lists the repositories seeded in one project.
type ProjectConfig struct {
	Name         string   `yaml:"name"`
	Repositories []string `yaml:"repositories"`
}

// RunConfig holds seeding settings.
type RunConfig struct {
	Seed         uint64                `yaml:"seed"`   // 0 picks a random seed
	RunID        string                `yaml:"run_id"` // empty generates one
	PRsPerRepo   int                   `yaml:"prs_per_repo"`
	Concurrency  int                   `yaml:"concurrency"`
	ConflictRate float64               `yaml:"conflict_rate"`
	Weights      seeder.OutcomeWeights `yaml:"weights"` // omitted keys keep their defaults
}

// CleanupConfig holds backlog cleanup settings.
type CleanupConfig struct {
	Threshold   int    `yaml:"threshold"`    // open PRs above this switch a run to cleanup; 0 disables
	TargetCount int    `yaml:"target_count"` // PRs completed per pass; 0 means all
	Schedule    string `yaml:"schedule"`     // cron expression for `seeder cleanup`
	Timezone    string `yaml:"timezone"`
}

// LedgerConfig holds run ledger settings.
type LedgerConfig struct {
	Path string `yaml:"path"` // empty disables the ledger
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	api := azuredevops.DefaultConfig()
	comp := completion.DefaultConfig()
	git := gitops.DefaultResolverConfig()
	return &Config{
		BaseURL:    api.BaseURL,
		Timeout:    api.Timeout,
		MaxRetries: api.MaxRetries,
		Projects:   []*ProjectConfig{},
		Run: &RunConfig{
			PRsPerRepo:   5,
			Concurrency:  1,
			ConflictRate: 0.3,
			Weights:      seeder.DefaultOutcomeWeights(),
		},
		Completion: &comp,
		Git:        &git,
		Cleanup: &CleanupConfig{
			Threshold:   50,
			TargetCount: 10,
			Schedule:    "0 * * * *",
			Timezone:    "UTC",
		},
		Ledger: &LedgerConfig{
			Path: filepath.Join(homeDir, ".ado-seeder", "ledger.db"),
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil // Return defaults if no config file
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.Ledger != nil {
		config.Ledger.Path = expandPath(config.Ledger.Path)
	}
	if config.Logging != nil && config.Logging.Output != "stdout" && config.Logging.Output != "stderr" {
		config.Logging.Output = expandPath(config.Logging.Output)
	}

	return config, nil
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".ado-seeder", "config.yaml")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Organization) == "" {
		errs = append(errs, errors.New("organization is required"))
	}
	if strings.TrimSpace(c.PAT) == "" {
		errs = append(errs, errors.New("pat is required (use pat: ${ADO_PAT})"))
	}
	if len(c.Targets()) == 0 {
		errs = append(errs, errors.New("at least one project with repositories is required"))
	}
	for i, p := range c.Projects {
		if p == nil || strings.TrimSpace(p.Name) == "" {
			errs = append(errs, fmt.Errorf("projects[%d]: name is required", i))
		}
	}
	if r := c.Run; r != nil {
		if r.PRsPerRepo < 0 {
			errs = append(errs, fmt.Errorf("run.prs_per_repo must not be negative: %d", r.PRsPerRepo))
		}
		if r.ConflictRate < 0 || r.ConflictRate > 1 {
			errs = append(errs, fmt.Errorf("run.conflict_rate must be between 0 and 1: %v", r.ConflictRate))
		}
		w := r.Weights
		if w.Complete < 0 || w.Abandon < 0 || w.Open < 0 || w.Draft < 0 {
			errs = append(errs, errors.New("run.weights must not be negative"))
		}
	}
	if comp := c.Completion; comp != nil {
		if comp.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("completion.max_retries must not be negative: %d", comp.MaxRetries))
		}
		switch comp.MergeStrategy {
		case "", "noFastForward", "squash", "rebase", "rebaseMerge":
		default:
			errs = append(errs, fmt.Errorf("completion.merge_strategy %q is not one of noFastForward, squash, rebase, rebaseMerge", comp.MergeStrategy))
		}
	}
	if cl := c.Cleanup; cl != nil {
		if cl.Schedule != "" {
			if err := cleanup.ValidateSchedule(cl.Schedule); err != nil {
				errs = append(errs, err)
			}
		}
		if _, err := c.Location(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Location returns the cleanup schedule's time zone, UTC when unset.
func (c *Config) Location() (*time.Location, error) {
	if c.Cleanup == nil || c.Cleanup.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Cleanup.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup timezone %q: %w", c.Cleanup.Timezone, err)
	}
	return loc, nil
}

// Targets flattens the project list into run targets, in configured order.
func (c *Config) Targets() []seeder.Target {
	var out []seeder.Target
	for _, p := range c.Projects {
		if p == nil {
			continue
		}
		for _, repo := range p.Repositories {
			if strings.TrimSpace(repo) == "" {
				continue
			}
			out = append(out, seeder.Target{Project: p.Name, Repository: repo})
		}
	}
	return out
}

// API returns the REST client settings.
func (c *Config) API() *azuredevops.Config {
	return &azuredevops.Config{
		PAT:          c.PAT,
		Organization: c.Organization,
		BaseURL:      c.BaseURL,
		Timeout:      c.Timeout,
		MaxRetries:   c.MaxRetries,
	}
}

// RunOptions converts the run and cleanup sections into runner options.
func (c *Config) RunOptions() seeder.Options {
	opts := seeder.Options{Credential: c.PAT}
	if r := c.Run; r != nil {
		opts.RunID = r.RunID
		opts.Seed = r.Seed
		opts.PRsPerRepo = r.PRsPerRepo
		opts.Concurrency = r.Concurrency
		opts.ConflictRate = r.ConflictRate
		opts.Weights = r.Weights
	}
	if cl := c.Cleanup; cl != nil {
		opts.CleanupThreshold = cl.Threshold
		opts.CleanupTarget = cl.TargetCount
	}
	if c.Completion != nil {
		opts.MaxRetries = c.Completion.MaxRetries
	}
	return opts
}
