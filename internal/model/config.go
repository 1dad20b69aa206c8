// Package model defines the data structures for taskweave's configuration,
// work items, framework bindings and worker outcomes.
package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	yamlv3 "gopkg.in/yaml.v3"
)

// ConfigFile is the config file name inside the taskweave root.
const ConfigFile = "taskweave.yaml"

type Config struct {
	Limits     LimitsConfig                   `yaml:"limits"`
	Retry      RetryConfig                    `yaml:"retry"`
	Queue      QueueConfig                    `yaml:"queue"`
	Store      StoreConfig                    `yaml:"store"`
	Frameworks []FrameworkTemplate            `yaml:"frameworks"`
	Workers    map[string]WorkerCommandConfig `yaml:"workers"`
	Knowledge  KnowledgeConfig                `yaml:"knowledge"`
	Notify     NotifyConfig                   `yaml:"notify"`
	Metrics    MetricsConfig                  `yaml:"metrics"`
	Daemon     DaemonConfig                   `yaml:"daemon"`
	Logging    LoggingConfig                  `yaml:"logging"`
}

type LimitsConfig struct {
	MaxConcurrentInvocations         int `yaml:"max_concurrent_invocations"`
	MaxConsecutiveInvocationsPerTree int `yaml:"max_consecutive_invocations_per_tree"`
	MaxCorrections                   int `yaml:"max_corrections"`
	FetchTimeoutSec                  int `yaml:"fetch_timeout_sec"`
}

type RetryConfig struct {
	Transport TransportRetryConfig `yaml:"transport"`
}

type TransportRetryConfig struct {
	MaxAttempts        int   `yaml:"max_attempts"`
	BackoffMs          int   `yaml:"backoff_ms"`
	RetryableExitCodes []int `yaml:"retryable_exit_codes"`
}

type QueueConfig struct {
	PriorityAgingSec int `yaml:"priority_aging_sec"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // "memory" or "yaml"
	Dir     string `yaml:"dir"`
}

// FrameworkTemplate is instantiated into a FrameworkBinding the first time
// an item of the domain appears in a tree.
type FrameworkTemplate struct {
	DomainKey         string                `yaml:"domain_key"`
	WorkerType        string                `yaml:"worker_type"`
	Requirements      []RequirementTemplate `yaml:"requirements"`
	AllowedOperations []RequestKind         `yaml:"allowed_operations"`
	Completion        CompletionCriteria    `yaml:"completion"`
}

type RequirementTemplate struct {
	Key         string          `yaml:"key"`
	Kind        RequirementKind `yaml:"kind"`
	Description string          `yaml:"description"`
}

type WorkerCommandConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

type KnowledgeConfig struct {
	Dir string `yaml:"dir"`
}

type NotifyConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Desktop       bool   `yaml:"desktop"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	InboxDir           string `yaml:"inbox_dir"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() Config {
	return Config{
		Limits: LimitsConfig{
			MaxConcurrentInvocations:         4,
			MaxConsecutiveInvocationsPerTree: 15,
			MaxCorrections:                   3,
			FetchTimeoutSec:                  5,
		},
		Retry: RetryConfig{Transport: TransportRetryConfig{
			MaxAttempts:        3,
			BackoffMs:          200,
			RetryableExitCodes: []int{75},
		}},
		Queue:   QueueConfig{PriorityAgingSec: 60},
		Store:   StoreConfig{Backend: "yaml", Dir: "state"},
		Notify:  NotifyConfig{SubjectPrefix: "taskweave"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464"},
		Daemon:  DaemonConfig{ShutdownTimeoutSec: 10, InboxDir: "inbox"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Limits.MaxConcurrentInvocations <= 0 {
		c.Limits.MaxConcurrentInvocations = d.Limits.MaxConcurrentInvocations
	}
	if c.Limits.MaxConsecutiveInvocationsPerTree <= 0 {
		c.Limits.MaxConsecutiveInvocationsPerTree = d.Limits.MaxConsecutiveInvocationsPerTree
	}
	if c.Limits.MaxCorrections <= 0 {
		c.Limits.MaxCorrections = d.Limits.MaxCorrections
	}
	if c.Limits.FetchTimeoutSec <= 0 {
		c.Limits.FetchTimeoutSec = d.Limits.FetchTimeoutSec
	}
	if c.Retry.Transport.MaxAttempts <= 0 {
		c.Retry.Transport.MaxAttempts = d.Retry.Transport.MaxAttempts
	}
	if c.Retry.Transport.BackoffMs <= 0 {
		c.Retry.Transport.BackoffMs = d.Retry.Transport.BackoffMs
	}
	if c.Retry.Transport.RetryableExitCodes == nil {
		c.Retry.Transport.RetryableExitCodes = d.Retry.Transport.RetryableExitCodes
	}
	if c.Queue.PriorityAgingSec <= 0 {
		c.Queue.PriorityAgingSec = d.Queue.PriorityAgingSec
	}
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if c.Store.Dir == "" {
		c.Store.Dir = d.Store.Dir
	}
	if c.Notify.SubjectPrefix == "" {
		c.Notify.SubjectPrefix = d.Notify.SubjectPrefix
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = d.Metrics.Addr
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = d.Daemon.ShutdownTimeoutSec
	}
	if c.Daemon.InboxDir == "" {
		c.Daemon.InboxDir = d.Daemon.InboxDir
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// Validate checks the configuration for values that cannot be defaulted.
func (c *Config) Validate() error {
	var ve ValidationErrors
	switch c.Store.Backend {
	case "memory", "yaml":
	default:
		ve.Add("store.backend", fmt.Sprintf("unknown backend %q", c.Store.Backend))
	}
	seen := make(map[string]bool)
	for i, fw := range c.Frameworks {
		path := fmt.Sprintf("frameworks[%d]", i)
		if fw.DomainKey == "" {
			ve.Add(path+".domain_key", "required")
		} else if seen[fw.DomainKey] {
			ve.Add(path+".domain_key", fmt.Sprintf("duplicate domain %q", fw.DomainKey))
		}
		seen[fw.DomainKey] = true
		if fw.DomainKey == EstablishmentDomain && len(fw.Requirements) > 0 {
			ve.Add(path+".requirements", "establishment domain cannot declare requirements")
		}
		for j, r := range fw.Requirements {
			rp := fmt.Sprintf("%s.requirements[%d]", path, j)
			if r.Key == "" {
				ve.Add(rp+".key", "required")
			}
			if !IsValidRequirementKind(r.Kind) {
				ve.Add(rp+".kind", fmt.Sprintf("invalid kind %q", r.Kind))
			}
		}
		for j, op := range fw.AllowedOperations {
			if !IsKnownRequestKind(op) {
				ve.Add(fmt.Sprintf("%s.allowed_operations[%d]", path, j), fmt.Sprintf("unknown operation %q", op))
			}
		}
	}
	for name, w := range c.Workers {
		if w.Command == "" {
			ve.Add("workers."+name+".command", "required")
		}
	}
	if ve.HasErrors() {
		return &ve
	}
	return nil
}

// Template returns the framework template for a domain, if configured.
func (c *Config) Template(domainKey string) (FrameworkTemplate, bool) {
	for _, fw := range c.Frameworks {
		if fw.DomainKey == domainKey {
			return fw, true
		}
	}
	return FrameworkTemplate{}, false
}

// LoadConfig reads <root>/taskweave.yaml, applies defaults and overlays
// TASKWEAVE_* variables from the process environment and <root>/.env.
// A missing config file yields the defaults.
func LoadConfig(root string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(filepath.Join(root, ConfigFile))
	switch {
	case err == nil:
		cfg = Config{}
		if err := yamlv3.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", ConfigFile, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return Config{}, fmt.Errorf("read %s: %w", ConfigFile, err)
	}

	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	applyEnv(&cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TASKWEAVE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TASKWEAVE_NATS_URL"); v != "" {
		cfg.Notify.NATSURL = v
	}
	if v := os.Getenv("TASKWEAVE_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("TASKWEAVE_MAX_CONCURRENT_INVOCATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxConcurrentInvocations = n
		}
	}
}

// ResolveRoot returns the taskweave root directory: TASKWEAVE_ROOT when set,
// otherwise .taskweave under the working directory.
func ResolveRoot() (string, error) {
	if v := os.Getenv("TASKWEAVE_ROOT"); v != "" {
		return filepath.Abs(v)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, ".taskweave"), nil
}
