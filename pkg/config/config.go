// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < env < flags
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all trialflow configuration.
type Config struct {
	Version int `yaml:"version"`

	Engine     EngineConfig     `yaml:"engine"`
	Storage    StorageConfig    `yaml:"storage"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Remote     RemoteConfig     `yaml:"remote"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// EngineConfig controls trial execution.
type EngineConfig struct {
	Parallel       bool          `yaml:"parallel"`
	Workers        int           `yaml:"workers"` // 0 = one per CPU
	QuorumTimeout  time.Duration `yaml:"quorum_timeout"`
	QuorumExponent float64       `yaml:"quorum_exponent"`
}

// StorageConfig controls where and how containers are written.
type StorageConfig struct {
	OutputDir   string `yaml:"output_dir"`
	Dataset     string `yaml:"dataset"`
	Compression string `yaml:"compression"` // snappy | zstd | gzip | lz4 | none
}

// ReconcileConfig controls sampling-rate rounding.
type ReconcileConfig struct {
	SamplerateDigits int  `yaml:"samplerate_digits"`
	DisableRounding  bool `yaml:"disable_rounding"`
}

// CheckpointConfig selects the resume backend.
type CheckpointConfig struct {
	Backend  string        `yaml:"backend"` // none | local | redis | s3
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
	Redis    RedisConfig   `yaml:"redis"`
	S3       S3Config      `yaml:"s3"`
}

// RedisConfig for the redis checkpoint backend.
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	Database int           `yaml:"database"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// S3Config locates a bucket.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	Prefix       string `yaml:"prefix"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// RemoteConfig is where containers are published.
type RemoteConfig struct {
	S3 S3Config `yaml:"s3"`
}

// TelemetryConfig for optional tracing.
type TelemetryConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Endpoint      string  `yaml:"endpoint"`
	ServiceName   string  `yaml:"service_name"`
	SamplingRatio float64 `yaml:"sampling_ratio"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	baseDir := filepath.Join(homeDir, ".trialflow")

	return &Config{
		Version: 1,
		Engine: EngineConfig{
			Parallel:       false,
			Workers:        0,
			QuorumTimeout:  30 * time.Second,
			QuorumExponent: 0.7,
		},
		Storage: StorageConfig{
			OutputDir:   "trialflow-out",
			Dataset:     "data",
			Compression: "zstd",
		},
		Reconcile: ReconcileConfig{
			SamplerateDigits: 2,
		},
		Checkpoint: CheckpointConfig{
			Backend:  "local",
			Dir:      filepath.Join(baseDir, "checkpoints"),
			Interval: 5 * time.Second,
			Redis: RedisConfig{
				Address: "localhost:6379",
				Prefix:  "trialflow:checkpoints:",
				TTL:     24 * time.Hour,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			Endpoint:      "localhost:4317",
			ServiceName:   "trialflow",
			SamplingRatio: 1.0,
		},
	}
}

// Validate checks values that cannot be fixed by defaults.
func (c *Config) Validate() error {
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must be >= 0, got %d", c.Engine.Workers)
	}
	if c.Engine.QuorumExponent <= 0 || c.Engine.QuorumExponent > 1 {
		return fmt.Errorf("engine.quorum_exponent must be in (0, 1], got %v", c.Engine.QuorumExponent)
	}
	if c.Reconcile.SamplerateDigits < 0 {
		return fmt.Errorf("reconcile.samplerate_digits must be >= 0, got %d", c.Reconcile.SamplerateDigits)
	}
	switch c.Checkpoint.Backend {
	case "", "none", "local", "redis", "s3":
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	if c.Checkpoint.Backend == "s3" && c.Checkpoint.S3.Bucket == "" {
		return fmt.Errorf("checkpoint.s3.bucket is required for the s3 backend")
	}
	return nil
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	search []string // nil means the standard locations
	paths  []string // Paths that were loaded
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config: Default(),
	}
}

// WithPaths replaces the standard config file locations.
func (m *Manager) WithPaths(paths ...string) *Manager {
	m.search = paths
	return m
}

// Load loads configuration from all sources in priority order.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	m.paths = nil

	for _, path := range m.getConfigPaths() {
		if err := m.loadFile(path); err != nil {
			// Ignore missing files, but report errors for existing files
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to load %s: %w", path, err)
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}

	m.loadEnv()
	return m.config.Validate()
}

// getConfigPaths returns config file paths in priority order.
func (m *Manager) getConfigPaths() []string {
	if m.search != nil {
		return m.search
	}
	var paths []string

	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/trialflow/config.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".trialflow", "config.yaml"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".trialflow.yaml"))
	}
	return paths
}

// loadFile loads a single config file and merges it.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial Config
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return err
	}
	m.merge(&partial, data)
	return nil
}

// merge merges non-zero values from src into config. Booleans are only
// taken when the file mentions them, so a later file can turn one off.
func (m *Manager) merge(src *Config, raw []byte) {
	set := mentioned(raw)

	// Engine
	if set["engine.parallel"] {
		m.config.Engine.Parallel = src.Engine.Parallel
	}
	if src.Engine.Workers != 0 {
		m.config.Engine.Workers = src.Engine.Workers
	}
	if src.Engine.QuorumTimeout != 0 {
		m.config.Engine.QuorumTimeout = src.Engine.QuorumTimeout
	}
	if src.Engine.QuorumExponent != 0 {
		m.config.Engine.QuorumExponent = src.Engine.QuorumExponent
	}

	// Storage
	if src.Storage.OutputDir != "" {
		m.config.Storage.OutputDir = src.Storage.OutputDir
	}
	if src.Storage.Dataset != "" {
		m.config.Storage.Dataset = src.Storage.Dataset
	}
	if src.Storage.Compression != "" {
		m.config.Storage.Compression = src.Storage.Compression
	}

	// Reconcile
	if set["reconcile.samplerate_digits"] {
		m.config.Reconcile.SamplerateDigits = src.Reconcile.SamplerateDigits
	}
	if set["reconcile.disable_rounding"] {
		m.config.Reconcile.DisableRounding = src.Reconcile.DisableRounding
	}

	// Checkpoint
	cp := &m.config.Checkpoint
	if src.Checkpoint.Backend != "" {
		cp.Backend = src.Checkpoint.Backend
	}
	if src.Checkpoint.Dir != "" {
		cp.Dir = src.Checkpoint.Dir
	}
	if src.Checkpoint.Interval != 0 {
		cp.Interval = src.Checkpoint.Interval
	}
	if src.Checkpoint.Redis.Address != "" {
		cp.Redis.Address = src.Checkpoint.Redis.Address
	}
	if src.Checkpoint.Redis.Password != "" {
		cp.Redis.Password = src.Checkpoint.Redis.Password
	}
	if src.Checkpoint.Redis.Database != 0 {
		cp.Redis.Database = src.Checkpoint.Redis.Database
	}
	if src.Checkpoint.Redis.Prefix != "" {
		cp.Redis.Prefix = src.Checkpoint.Redis.Prefix
	}
	if src.Checkpoint.Redis.TTL != 0 {
		cp.Redis.TTL = src.Checkpoint.Redis.TTL
	}
	mergeS3(&cp.S3, src.Checkpoint.S3)

	// Remote
	mergeS3(&m.config.Remote.S3, src.Remote.S3)

	// Telemetry
	if set["telemetry.enabled"] {
		m.config.Telemetry.Enabled = src.Telemetry.Enabled
	}
	if src.Telemetry.Endpoint != "" {
		m.config.Telemetry.Endpoint = src.Telemetry.Endpoint
	}
	if src.Telemetry.ServiceName != "" {
		m.config.Telemetry.ServiceName = src.Telemetry.ServiceName
	}
	if src.Telemetry.SamplingRatio != 0 {
		m.config.Telemetry.SamplingRatio = src.Telemetry.SamplingRatio
	}
}

func mergeS3(dst *S3Config, src S3Config) {
	if src.Bucket != "" {
		dst.Bucket = src.Bucket
	}
	if src.Region != "" {
		dst.Region = src.Region
	}
	if src.Endpoint != "" {
		dst.Endpoint = src.Endpoint
	}
	if src.Prefix != "" {
		dst.Prefix = src.Prefix
	}
	if src.UsePathStyle {
		dst.UsePathStyle = true
	}
}

// mentioned returns the "section.key" pairs present in a YAML document.
func mentioned(raw []byte) map[string]bool {
	var doc map[string]map[string]any
	out := make(map[string]bool)
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return out
	}
	for section, keys := range doc {
		for key := range keys {
			out[section+"."+key] = true
		}
	}
	return out
}

// loadEnv loads configuration from environment variables.
func (m *Manager) loadEnv() {
	if v := os.Getenv("TRIALFLOW_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			m.config.Engine.Workers = n
		}
	}
	if v := os.Getenv("TRIALFLOW_PARALLEL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			m.config.Engine.Parallel = b
		}
	}
	if v := os.Getenv("TRIALFLOW_OUTPUT_DIR"); v != "" {
		m.config.Storage.OutputDir = v
	}
	if v := os.Getenv("TRIALFLOW_COMPRESSION"); v != "" {
		m.config.Storage.Compression = v
	}
	if v := os.Getenv("TRIALFLOW_CHECKPOINT_BACKEND"); v != "" {
		m.config.Checkpoint.Backend = v
	}
	if v := os.Getenv("TRIALFLOW_REDIS_ADDR"); v != "" {
		m.config.Checkpoint.Redis.Address = v
	}
	if v := os.Getenv("TRIALFLOW_OTLP_ENDPOINT"); v != "" {
		m.config.Telemetry.Endpoint = v
		m.config.Telemetry.Enabled = true
	}
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Save writes the current config to path, or to the user config file
// when path is empty.
func (m *Manager) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		path = filepath.Join(home, ".trialflow", "config.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Global instance
var (
	globalManager *Manager
	globalOnce    sync.Once
)

// Global returns the global configuration manager. Load errors leave the
// defaults in place.
func Global() *Manager {
	globalOnce.Do(func() {
		globalManager = NewManager()
		if err := globalManager.Load(); err != nil {
			globalManager.config = Default()
		}
	})
	return globalManager
}
