package config

import (
	"fmt"
	"os"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Defaults. The heartbeat timeout must exceed three heartbeat intervals to
// tolerate transient jitter; Validate enforces it.
const (
	DefaultAPIAddr           = ":7600"
	DefaultRelayAddr         = ":7622"
	DefaultRunnerAddr        = ":7610"
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultSweepInterval     = 5 * time.Second
	DefaultHeartbeatTimeout  = 20 * time.Second
	DefaultDispatchRetries   = 4
	DefaultDispatchBackoff   = 500 * time.Millisecond
	DefaultDispatchCeiling   = 8 * time.Second
	DefaultDispatchTimeout   = 5 * time.Second
	DefaultSharedRoot        = "/mnt/haku"
	DefaultEnvsDir           = "envs"
	DefaultArchiveGCInterval = 30 * time.Minute
)

// Host configures the coordinator process.
type Host struct {
	APIAddr   string `yaml:"api_addr"`
	RelayAddr string `yaml:"relay_addr"`
	DataDir   string `yaml:"data_dir"`

	SharedRoot string `yaml:"shared_root"`
	EnvsDir    string `yaml:"envs_dir"`

	SweepInterval     time.Duration `yaml:"sweep_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	DispatchRetries   int           `yaml:"dispatch_retries"`
	DispatchBackoff   time.Duration `yaml:"dispatch_backoff"`
	DispatchCeiling   time.Duration `yaml:"dispatch_backoff_ceiling"`
	DispatchTimeout   time.Duration `yaml:"dispatch_timeout"`
	ArchiveGCInterval time.Duration `yaml:"archive_gc_interval"`

	Log Log `yaml:"log"`
}

// Runner configures a runner agent process.
type Runner struct {
	HostAddr   string `yaml:"host_addr"` // host API base, e.g. http://coord:7600
	ListenAddr string `yaml:"listen_addr"`
	Hostname   string `yaml:"hostname"` // empty = os.Hostname
	Endpoint   string `yaml:"endpoint"` // advertised host:port; empty = derive

	SharedRoot string `yaml:"shared_root"`
	EnvsDir    string `yaml:"envs_dir"`

	DefaultImage      string        `yaml:"default_image"`
	DockerHost        string        `yaml:"docker_host"` // empty = environment
	PrivilegedDefault bool          `yaml:"privileged_default"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	Log Log `yaml:"log"`
}

// Log mirrors pkg/log.Config in file form.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// LoadHost reads a host config file and applies defaults. A missing path
// returns the defaults unchanged.
func LoadHost(path string) (*Host, error) {
	cfg := &Host{}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRunner reads a runner config file and applies defaults.
func LoadRunner(path string) (*Runner, error) {
	cfg := &Runner{}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func (c *Host) applyDefaults() {
	if c.APIAddr == "" {
		c.APIAddr = DefaultAPIAddr
	}
	if c.RelayAddr == "" {
		c.RelayAddr = DefaultRelayAddr
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/haku"
	}
	if c.SharedRoot == "" {
		c.SharedRoot = DefaultSharedRoot
	}
	if c.EnvsDir == "" {
		c.EnvsDir = DefaultEnvsDir
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.DispatchRetries == 0 {
		c.DispatchRetries = DefaultDispatchRetries
	}
	if c.DispatchBackoff == 0 {
		c.DispatchBackoff = DefaultDispatchBackoff
	}
	if c.DispatchCeiling == 0 {
		c.DispatchCeiling = DefaultDispatchCeiling
	}
	if c.DispatchTimeout == 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.ArchiveGCInterval == 0 {
		c.ArchiveGCInterval = DefaultArchiveGCInterval
	}
}

// Validate rejects configurations that break protocol assumptions.
func (c *Host) Validate() error {
	if c.HeartbeatTimeout < 3*DefaultHeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout %s must be at least three heartbeat intervals (%s)",
			c.HeartbeatTimeout, 3*DefaultHeartbeatInterval)
	}
	if c.DispatchRetries < 1 {
		return fmt.Errorf("dispatch_retries must be at least 1")
	}
	return nil
}

func (c *Runner) applyDefaults() {
	if c.HostAddr == "" {
		c.HostAddr = "http://127.0.0.1:7600"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultRunnerAddr
	}
	if c.SharedRoot == "" {
		c.SharedRoot = DefaultSharedRoot
	}
	if c.EnvsDir == "" {
		c.EnvsDir = DefaultEnvsDir
	}
	if c.DefaultImage == "" {
		c.DefaultImage = "ubuntu:24.04"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// ParseMemory converts human memory sizes ("512M", "4g") to bytes.
func ParseMemory(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %w", s, err)
	}
	return n, nil
}
