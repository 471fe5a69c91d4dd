package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/genesis-cloud/genesis-core/pkg/log"
)

// Config is the explicit configuration value threaded through every
// constructor. It is loaded once at startup from YAML.
type Config struct {
	DB           DBConfig        `yaml:"db"`
	Log          LogConfig       `yaml:"log"`
	API          APIConfig       `yaml:"api"`
	IAM          IAMConfig       `yaml:"iam"`
	Orchestrator OrchConfig      `yaml:"orchestrator"`
	Scheduler    SchedulerConfig `yaml:"universal_agent_scheduler"`
	Agent        AgentConfig     `yaml:"universal_agent"`
	Events       EventsConfig    `yaml:"events"`
}

// DBConfig selects and sizes the database connection
type DBConfig struct {
	ConnectionURL      string `yaml:"connection_url"`
	ConnectionPoolSize int    `yaml:"connection_pool_size"`
}

// LogConfig configures the global logger
type LogConfig struct {
	Level log.Level `yaml:"level"`
	JSON  bool      `yaml:"json"`
}

// APIConfig configures the HTTP surface
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// IAMConfig configures the authorization kernel
type IAMConfig struct {
	TokenSecret   string        `yaml:"token_secret"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	MemoTTL       time.Duration `yaml:"memo_ttl"`
	MemoSize      int           `yaml:"memo_size"`
	AdminUsername string        `yaml:"admin_username"`
	AdminPassword string        `yaml:"admin_password"`
}

// OrchConfig configures the cluster-wide reconciler
type OrchConfig struct {
	PollPeriod    time.Duration `yaml:"poll_period"`
	BatchSize     int           `yaml:"batch_size"`
	LeaseWindow   time.Duration `yaml:"lease_window"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryCap      time.Duration `yaml:"retry_cap"`
	AgentStale    time.Duration `yaml:"agent_stale"`
}

// SchedulerConfig configures the capability scheduler
type SchedulerConfig struct {
	// Capabilities is a comma-separated list with glob support,
	// e.g. "em_core_*,password,certificate".
	Capabilities string `yaml:"capabilities"`
}

// AgentConfig configures the universal agent
type AgentConfig struct {
	OrchEndpoint   string              `yaml:"orch_endpoint"`
	StatusEndpoint string              `yaml:"status_endpoint"`
	UserEndpoint   string              `yaml:"user_endpoint"`
	Username       string              `yaml:"username"`
	Password       string              `yaml:"password"`
	CapsDrivers    []string            `yaml:"caps_drivers"`
	PollPeriod     time.Duration       `yaml:"poll_period"`
	WorkDir        string              `yaml:"work_dir"`
	Drivers        map[string]JSONOpts `yaml:"drivers"`
}

// JSONOpts is a free-form per-driver option block
type JSONOpts map[string]string

// EventsConfig configures the outbox dispatcher
type EventsConfig struct {
	PollPeriod  time.Duration `yaml:"poll_period"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryBase   time.Duration `yaml:"retry_base"`
	RetryCap    time.Duration `yaml:"retry_cap"`
}

// Default returns a config with working defaults for a single-node setup
func Default() *Config {
	return &Config{
		DB: DBConfig{
			ConnectionURL:      "sqlite:///var/lib/genesis/genesis.db",
			ConnectionPoolSize: 10,
		},
		Log: LogConfig{Level: log.InfoLevel, JSON: true},
		API: APIConfig{ListenAddr: "127.0.0.1:11010"},
		IAM: IAMConfig{
			TokenTTL:      time.Hour,
			MemoTTL:       200 * time.Millisecond,
			MemoSize:      1024,
			AdminUsername: "admin",
		},
		Orchestrator: OrchConfig{
			PollPeriod:  3 * time.Second,
			BatchSize:   50,
			LeaseWindow: 30 * time.Second,
			MaxAttempts: 5,
			RetryBase:   time.Second,
			RetryCap:    60 * time.Second,
			AgentStale:  30 * time.Second,
		},
		Scheduler: SchedulerConfig{Capabilities: "em_core_*,password,certificate"},
		Agent: AgentConfig{
			OrchEndpoint:   "http://127.0.0.1:11010",
			StatusEndpoint: "http://127.0.0.1:11010",
			UserEndpoint:   "http://127.0.0.1:11010",
			CapsDrivers:    []string{"compute", "password", "certificate"},
			PollPeriod:     3 * time.Second,
			WorkDir:        "/var/lib/genesis/universal_agent",
		},
		Events: EventsConfig{
			PollPeriod:  time.Second,
			MaxAttempts: 10,
			RetryBase:   time.Second,
			RetryCap:    60 * time.Second,
		},
	}
}

// Load reads a YAML config file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadDir reads every *.yaml file of a directory in lexical order,
// later files overriding earlier ones.
func LoadDir(dir string) (*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	cfg := Default()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", p, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", p, err)
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks the invariants the rest of the system relies on
func (c *Config) Validate() error {
	if c.DB.ConnectionURL == "" {
		return fmt.Errorf("db.connection_url is required")
	}
	if c.Orchestrator.BatchSize <= 0 {
		return fmt.Errorf("orchestrator.batch_size must be positive")
	}
	if c.Agent.PollPeriod <= 0 {
		return fmt.Errorf("universal_agent.poll_period must be positive")
	}
	return nil
}

// SchedulerCapabilities returns the parsed capability label list
func (c *Config) SchedulerCapabilities() []string {
	var caps []string
	for _, s := range strings.Split(c.Scheduler.Capabilities, ",") {
		if s = strings.TrimSpace(s); s != "" {
			caps = append(caps, s)
		}
	}
	return caps
}
