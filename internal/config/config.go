package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/joho/godotenv"
	"github.com/zclconf/go-cty/cty"

	"github.com/katasec/dstream-ingester-changefeed/internal/cdc/utils"
	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

// DefaultFile is read when CHANGEFEED_CONFIG is not set
const DefaultFile = "changefeed.hcl"

// PathEnv overrides the config file path
const PathEnv = "CHANGEFEED_CONFIG"

// Defaults
const (
	DefaultPageSize         = 10
	DefaultRetention        = 60 * time.Minute
	DefaultPartitions       = 4
	DefaultPartitionKeyPath = "/buyerState"
	DefaultDatabaseID       = "changefeed-db"
	DefaultContainerID      = "orders"
	DefaultSweepInterval    = time.Second
	DefaultPushInterval     = 15 * time.Second
)

// Store types
const (
	StoreMemory    = "memory"
	StoreSQLServer = "sqlserver"
)

// Sink types
const (
	SinkLog        = "log"
	SinkServiceBus = "servicebus"
)

// Config is the root of changefeed.hcl
type Config struct {
	LogLevel string         `hcl:"log_level,optional"`
	LogJSON  bool           `hcl:"log_json,optional"`
	Store    StoreConfig    `hcl:"store,block"`
	Feed     *FeedConfig    `hcl:"feed,block"`
	Lock     *LockConfig    `hcl:"lock,block"`
	Sinks    []SinkConfig   `hcl:"sink,block"`
	Metrics  *MetricsConfig `hcl:"metrics,block"`
}

// StoreConfig selects and provisions the change feed store
type StoreConfig struct {
	Type                  string `hcl:"type,label"` // memory or sqlserver
	ConnectionString      string `hcl:"connection_string,optional"`
	Database              string `hcl:"database,optional"`
	Container             string `hcl:"container,optional"`
	PartitionKeyPath      string `hcl:"partition_key_path,optional"`
	Partitions            int    `hcl:"partitions,optional"`
	FullFidelityRetention string `hcl:"full_fidelity_retention,optional"`
	DefaultTTL            string `hcl:"default_ttl,optional"`
	SweepInterval         string `hcl:"sweep_interval,optional"`
	MaxPageBytes          int    `hcl:"max_page_bytes,optional"`

	// Page sizing of the sqlserver store. page_sku picks max_page_bytes
	// (standard or premium) when it is not set.
	PageSKU          string  `hcl:"page_sku,optional"`
	SampleSize       int     `hcl:"sample_size,optional"`
	BufferFactor     float64 `hcl:"buffer_factor,optional"`
	ResampleInterval string  `hcl:"resample_interval,optional"`

	retention        time.Duration
	defaultTTL       time.Duration
	sweepInterval    time.Duration
	resampleInterval time.Duration
}

// FeedConfig configures the consumption loops
type FeedConfig struct {
	Modes      []string `hcl:"modes,optional"`
	PageSize   int      `hcl:"page_size,optional"`
	Start      string   `hcl:"start,optional"` // now or beginning
	ShortDelay string   `hcl:"short_delay,optional"`
	LongDelay  string   `hcl:"long_delay,optional"`
	MaxDelay   string   `hcl:"max_delay,optional"`

	modes  []cdc.Mode
	policy utils.Policy
}

// LockConfig represents the configuration for distributed locking
type LockConfig struct {
	Type             string `hcl:"type,label"` // none, memory or azure_blob
	ConnectionString string `hcl:"connection_string,optional"`
	ContainerName    string `hcl:"container_name,optional"`
}

// SinkConfig is one destination for interpreted changes
type SinkConfig struct {
	Type             string `hcl:"type,label"` // log or servicebus
	ConnectionString string `hcl:"connection_string,optional"`
	Queue            string `hcl:"queue,optional"`
}

// MetricsConfig configures the optional Pushgateway push
type MetricsConfig struct {
	PushURL      string `hcl:"push_url,optional"`
	Job          string `hcl:"job,optional"`
	PushInterval string `hcl:"push_interval,optional"`

	pushInterval time.Duration
}

// Load reads .env if present, then decodes and validates the config file.
// An empty path falls back to CHANGEFEED_CONFIG, then DefaultFile.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path == "" {
		path = DefaultFile
	}

	var cfg Config
	if err := hclsimple.DecodeFile(path, evalContext(), &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Parse decodes and validates config source. The filename extension picks
// HCL (.hcl) or JSON (.json) syntax.
func Parse(filename string, src []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, src, evalContext(), &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// evalContext exposes the process environment as env.NAME
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		vars[name] = cty.StringVal(value)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}

// Validate fills defaults and checks every block
func (c *Config) Validate() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if err := c.Store.validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if c.Feed == nil {
		c.Feed = &FeedConfig{}
	}
	if err := c.Feed.validate(); err != nil {
		return fmt.Errorf("feed: %w", err)
	}
	if c.Lock == nil {
		c.Lock = &LockConfig{Type: "none"}
	}
	if err := c.Lock.validate(); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: SinkLog}}
	}
	for i := range c.Sinks {
		if err := c.Sinks[i].validate(); err != nil {
			return fmt.Errorf("sink %q: %w", c.Sinks[i].Type, err)
		}
	}
	if c.Metrics != nil {
		if err := c.Metrics.validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	return nil
}

func (s *StoreConfig) validate() error {
	switch s.Type {
	case StoreMemory:
	case StoreSQLServer:
		if s.ConnectionString == "" {
			return fmt.Errorf("connection_string is required for sqlserver")
		}
	default:
		return fmt.Errorf("unsupported store type %q", s.Type)
	}
	if s.Database == "" {
		s.Database = DefaultDatabaseID
	}
	if s.Container == "" {
		s.Container = DefaultContainerID
	}
	if s.PartitionKeyPath == "" {
		s.PartitionKeyPath = DefaultPartitionKeyPath
	}
	if s.Partitions == 0 {
		s.Partitions = DefaultPartitions
	}
	if s.Partitions < 0 {
		return fmt.Errorf("partitions must be positive")
	}

	var err error
	if s.retention, err = parseDuration("full_fidelity_retention", s.FullFidelityRetention, DefaultRetention); err != nil {
		return err
	}
	if s.defaultTTL, err = parseDuration("default_ttl", s.DefaultTTL, 0); err != nil {
		return err
	}
	if s.sweepInterval, err = parseDuration("sweep_interval", s.SweepInterval, DefaultSweepInterval); err != nil {
		return err
	}
	if s.sweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}

	switch s.PageSKU {
	case "", "standard", "premium":
	default:
		return fmt.Errorf("page_sku must be standard or premium, got %q", s.PageSKU)
	}
	if s.MaxPageBytes < 0 {
		return fmt.Errorf("max_page_bytes must not be negative")
	}
	if s.SampleSize < 0 {
		return fmt.Errorf("sample_size must not be negative")
	}
	if s.BufferFactor < 0 {
		return fmt.Errorf("buffer_factor must not be negative")
	}
	if s.resampleInterval, err = parseDuration("resample_interval", s.ResampleInterval, 0); err != nil {
		return err
	}
	return nil
}

// ContainerSpec returns the container to provision
func (s *StoreConfig) ContainerSpec() cdc.ContainerSpec {
	return cdc.ContainerSpec{
		DatabaseID:            s.Database,
		ContainerID:           s.Container,
		PartitionKeyPath:      s.PartitionKeyPath,
		FullFidelityRetention: s.retention,
		DefaultTTL:            s.defaultTTL,
	}
}

// GetSweepInterval returns how often the memory store expires items
func (s *StoreConfig) GetSweepInterval() time.Duration { return s.sweepInterval }

// GetResampleInterval returns how often the sqlserver page sizer samples,
// or zero for its default
func (s *StoreConfig) GetResampleInterval() time.Duration { return s.resampleInterval }

func (f *FeedConfig) validate() error {
	if len(f.Modes) == 0 {
		f.Modes = []string{string(cdc.Incremental), string(cdc.FullFidelity)}
	}
	f.modes = f.modes[:0]
	seen := make(map[cdc.Mode]bool)
	for _, m := range f.Modes {
		mode, err := cdc.ParseMode(m)
		if err != nil {
			return err
		}
		if seen[mode] {
			return fmt.Errorf("mode %s listed twice", mode)
		}
		seen[mode] = true
		f.modes = append(f.modes, mode)
	}

	if f.PageSize == 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize < 0 {
		return fmt.Errorf("page_size must be positive")
	}

	switch f.Start {
	case "":
		f.Start = "now"
	case "now", "beginning":
	default:
		return fmt.Errorf("start must be now or beginning, got %q", f.Start)
	}

	var err error
	if f.policy.ShortDelay, err = parseDuration("short_delay", f.ShortDelay, utils.DefaultShortDelay); err != nil {
		return err
	}
	if f.policy.LongDelay, err = parseDuration("long_delay", f.LongDelay, utils.DefaultLongDelay); err != nil {
		return err
	}
	if f.policy.MaxDelay, err = parseDuration("max_delay", f.MaxDelay, 0); err != nil {
		return err
	}
	return nil
}

// GetModes returns the parsed feed modes
func (f *FeedConfig) GetModes() []cdc.Mode { return f.modes }

// GetPolicy returns the backoff policy
func (f *FeedConfig) GetPolicy() utils.Policy { return f.policy }

// StartFromBeginning reports whether a run without a checkpoint reads retained history
func (f *FeedConfig) StartFromBeginning() bool { return f.Start == "beginning" }

func (l *LockConfig) validate() error {
	switch l.Type {
	case "none", "memory":
	case "azure_blob":
		if l.ConnectionString == "" || l.ContainerName == "" {
			return fmt.Errorf("connection_string and container_name are required for azure_blob")
		}
	default:
		return fmt.Errorf("unsupported lock type %q", l.Type)
	}
	return nil
}

func (s *SinkConfig) validate() error {
	switch s.Type {
	case SinkLog:
	case SinkServiceBus:
		if s.ConnectionString == "" || s.Queue == "" {
			return fmt.Errorf("connection_string and queue are required for servicebus")
		}
	default:
		return fmt.Errorf("unsupported sink type %q", s.Type)
	}
	return nil
}

func (m *MetricsConfig) validate() error {
	if m.Job == "" {
		m.Job = "changefeed"
	}
	var err error
	m.pushInterval, err = parseDuration("push_interval", m.PushInterval, DefaultPushInterval)
	return err
}

// GetPushInterval returns how often metrics are pushed
func (m *MetricsConfig) GetPushInterval() time.Duration { return m.pushInterval }

func parseDuration(field, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}
