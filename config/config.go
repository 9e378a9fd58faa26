// Package config loads and persists the per-workspace configuration under
// .sembridge/ in the workspace root.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	ConfigDir      = ".sembridge"
	ConfigFileName = "config.yaml"
	StateFileName  = "state.gob"
)

type Config struct {
	Version     int          `yaml:"version"`
	FilesetName string       `yaml:"fileset_name,omitempty"`
	Remote      RemoteConfig `yaml:"remote"`
	Store       StoreConfig  `yaml:"store"`
	Search      SearchConfig `yaml:"search"`
	Watch       WatchConfig  `yaml:"watch"`

	// RemoteIndexedRoots are subtrees covered by the server-built index;
	// files under them are never tracked locally.
	RemoteIndexedRoots []string `yaml:"remote_indexed_roots,omitempty"`

	Ignore []string `yaml:"ignore"`
}

type RemoteConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	APIKey         string  `yaml:"api_key,omitempty"`
	EmbeddingModel string  `yaml:"embedding_model,omitempty"`
	TargetQuota    float64 `yaml:"target_quota"` // percent the throttle converges toward
}

type StoreConfig struct {
	Backend  string         `yaml:"backend"` // gob | postgres
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type SearchConfig struct {
	Limit         int     `yaml:"limit"`
	MaxDiffFiles  int     `yaml:"max_diff_files"`
	MaxDiffRatio  float64 `yaml:"max_diff_ratio"`
	FastTimeoutMs int     `yaml:"fast_timeout_ms"`
	DiffBudgetMs  int     `yaml:"diff_budget_ms"`
}

type WatchConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
	// SyncQuietSec is how long the workspace must stay quiet after a change
	// before a publish is triggered.
	SyncQuietSec int `yaml:"sync_quiet_sec"`
}

func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Remote: RemoteConfig{
			Endpoint:    "https://ingest.sembridge.dev",
			TargetQuota: 80,
		},
		Store: StoreConfig{
			Backend: "gob",
		},
		Search: SearchConfig{
			Limit:         10,
			MaxDiffFiles:  200,
			MaxDiffRatio:  0.1,
			FastTimeoutMs: 750,
			DiffBudgetMs:  2000,
		},
		Watch: WatchConfig{
			DebounceMs:   500,
			SyncQuietSec: 30,
		},
		Ignore: []string{
			".git",
			".sembridge",
			"node_modules",
			"vendor",
			"bin",
			"dist",
			"__pycache__",
			".venv",
			"venv",
			".idea",
			".vscode",
			"target",
		},
	}
}

// Fileset returns the configured fileset name, or one derived from the
// workspace path so distinct checkouts get distinct remote collections.
func (c *Config) Fileset(projectRoot string) string {
	if c.FilesetName != "" {
		return c.FilesetName
	}
	sum := sha256.Sum256([]byte(filepath.Clean(projectRoot)))
	return filepath.Base(projectRoot) + "-" + hex.EncodeToString(sum[:])[:12]
}

func GetConfigDir(projectRoot string) string {
	return filepath.Join(projectRoot, ConfigDir)
}

func GetConfigPath(projectRoot string) string {
	return filepath.Join(GetConfigDir(projectRoot), ConfigFileName)
}

func GetStatePath(projectRoot string) string {
	return filepath.Join(GetConfigDir(projectRoot), StateFileName)
}

func Load(projectRoot string) (*Config, error) {
	data, err := os.ReadFile(GetConfigPath(projectRoot))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills in values missing from older config files.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Remote.Endpoint == "" {
		c.Remote.Endpoint = defaults.Remote.Endpoint
	}
	if c.Remote.TargetQuota <= 0 {
		c.Remote.TargetQuota = defaults.Remote.TargetQuota
	}
	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Search.Limit <= 0 {
		c.Search.Limit = defaults.Search.Limit
	}
	if c.Search.MaxDiffFiles <= 0 {
		c.Search.MaxDiffFiles = defaults.Search.MaxDiffFiles
	}
	if c.Search.MaxDiffRatio <= 0 {
		c.Search.MaxDiffRatio = defaults.Search.MaxDiffRatio
	}
	if c.Search.FastTimeoutMs <= 0 {
		c.Search.FastTimeoutMs = defaults.Search.FastTimeoutMs
	}
	if c.Search.DiffBudgetMs <= 0 {
		c.Search.DiffBudgetMs = defaults.Search.DiffBudgetMs
	}
	if c.Watch.DebounceMs <= 0 {
		c.Watch.DebounceMs = defaults.Watch.DebounceMs
	}
	if c.Watch.SyncQuietSec <= 0 {
		c.Watch.SyncQuietSec = defaults.Watch.SyncQuietSec
	}
	if len(c.Ignore) == 0 {
		c.Ignore = defaults.Ignore
	}
}

func (c *Config) Save(projectRoot string) error {
	configDir := GetConfigDir(projectRoot)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(GetConfigPath(projectRoot), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func Exists(projectRoot string) bool {
	_, err := os.Stat(GetConfigPath(projectRoot))
	return err == nil
}

// FindProjectRoot walks upward from the working directory until it finds a
// .sembridge/ config.
func FindProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	cwd, err = filepath.EvalSymlinks(cwd)
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}

	dir := cwd
	for {
		if Exists(dir) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("no sembridge workspace found (run 'sembridge init' first)")
}
