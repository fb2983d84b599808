package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDimension               = 128
	DefaultDistanceType            = "l2"
	DefaultAutoIndexCheckDuration  = "30m"
	DefaultAutoSaveIndexDuration   = "35m"
	DefaultAutoIndexLength         = 100
	DefaultIDCacheSize             = 4096
	DefaultBrokenIndexHistoryLimit = 3
	DefaultStreamConcurrency       = 10
	DefaultServerPort              = 8081
	DefaultLivenessPort            = 3000
	DefaultReadinessPort           = 3001
)

type Config struct {
	Dir         string            `yaml:"dir"`
	Log         LogConfig         `yaml:"log"`
	Index       IndexConfig       `yaml:"index"`
	Persistence PersistenceConfig `yaml:"persistence"`
	KVS         KVSConfig         `yaml:"kvs"`
	Stream      StreamConfig      `yaml:"stream"`
	Server      Addr              `yaml:"server"`
	Health      HealthConfig      `yaml:"health"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// IndexConfig configures the ANN engine and its automatic lifecycle.
type IndexConfig struct {
	Dimension              int    `yaml:"dimension"`
	DistanceType           string `yaml:"distance_type"`
	AutoIndexCheckDuration string `yaml:"auto_index_check_duration"`
	AutoSaveIndexDuration  string `yaml:"auto_save_index_duration"`
	AutoIndexLength        int    `yaml:"auto_index_length"`
	EnableInMemoryMode     bool   `yaml:"enable_in_memory_mode"`
	// IDCacheSize bounds the uuid lookup cache, negative disables it.
	IDCacheSize int `yaml:"id_cache_size"`
}

// PersistenceConfig is fixed once the persistence manager is built.
type PersistenceConfig struct {
	EnableCopyOnWrite       bool `yaml:"enable_copy_on_write"`
	BrokenIndexHistoryLimit int  `yaml:"broken_index_history_limit"`
}

type KVSConfig struct {
	Path          string `yaml:"path"`
	ScanOnStartup bool   `yaml:"scan_on_startup"`
}

type StreamConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type Addr struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// String returns host:port.
func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

type HealthConfig struct {
	Liveness  Addr `yaml:"liveness"`
	Readiness Addr `yaml:"readiness"`
	Startup   Addr `yaml:"startup"`
}

// NewConfig returns a config rooted at dir with every default applied.
func NewConfig(dir string) (*Config, error) {
	conf := &Config{Dir: dir}
	conf.SetDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// FromFile reads a YAML config file.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	conf := &Config{}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	conf.SetDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Dir == "" {
		c.Dir = "."
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Index.Dimension == 0 {
		c.Index.Dimension = DefaultDimension
	}
	if c.Index.DistanceType == "" {
		c.Index.DistanceType = DefaultDistanceType
	}
	if c.Index.AutoIndexCheckDuration == "" {
		c.Index.AutoIndexCheckDuration = DefaultAutoIndexCheckDuration
	}
	if c.Index.AutoSaveIndexDuration == "" {
		c.Index.AutoSaveIndexDuration = DefaultAutoSaveIndexDuration
	}
	if c.Index.AutoIndexLength == 0 {
		c.Index.AutoIndexLength = DefaultAutoIndexLength
	}
	if c.Index.IDCacheSize == 0 {
		c.Index.IDCacheSize = DefaultIDCacheSize
	}
	if c.Persistence.BrokenIndexHistoryLimit == 0 {
		c.Persistence.BrokenIndexHistoryLimit = DefaultBrokenIndexHistoryLimit
	}
	if c.KVS.Path == "" {
		c.KVS.Path = filepath.Join(c.Dir, "kvs")
	}
	if c.Stream.Concurrency == 0 {
		c.Stream.Concurrency = DefaultStreamConcurrency
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Health.Liveness.Port == 0 {
		c.Health.Liveness.Port = DefaultLivenessPort
	}
	if c.Health.Readiness.Port == 0 {
		c.Health.Readiness.Port = DefaultReadinessPort
	}
	if c.Health.Startup.Port == 0 {
		c.Health.Startup.Port = c.Health.Liveness.Port
		if c.Health.Startup.Host == "" {
			c.Health.Startup.Host = c.Health.Liveness.Host
		}
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Index.Dimension < 0 {
		return fmt.Errorf("invalid index dimension: %d", c.Index.Dimension)
	}
	if c.Stream.Concurrency < 0 {
		return fmt.Errorf("invalid stream concurrency: %d", c.Stream.Concurrency)
	}
	if c.Persistence.BrokenIndexHistoryLimit < 0 {
		return fmt.Errorf("invalid broken index history limit: %d", c.Persistence.BrokenIndexHistoryLimit)
	}
	if _, err := time.ParseDuration(c.Index.AutoIndexCheckDuration); err != nil {
		return fmt.Errorf("invalid auto_index_check_duration: %w", err)
	}
	if _, err := time.ParseDuration(c.Index.AutoSaveIndexDuration); err != nil {
		return fmt.Errorf("invalid auto_save_index_duration: %w", err)
	}
	return nil
}

// IndexPath is the base path of the on-disk index.
func (c *Config) IndexPath() string {
	return filepath.Join(c.Dir, "index")
}

// AutoIndexCheckDuration returns the parsed duration; Validate guarantees it parses.
func (c *Config) AutoIndexCheckDuration() time.Duration {
	d, _ := time.ParseDuration(c.Index.AutoIndexCheckDuration)
	return d
}

func (c *Config) AutoSaveIndexDuration() time.Duration {
	d, _ := time.ParseDuration(c.Index.AutoSaveIndexDuration)
	return d
}
