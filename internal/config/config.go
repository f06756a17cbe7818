package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so values like "10s" parse from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	ListenAddr    string    `yaml:"listen_addr"`
	APISecret     string    `yaml:"api_secret"`
	Database      Database  `yaml:"database"`
	Scheduler     Scheduler `yaml:"scheduler"`
	RetentionDays int       `yaml:"retention_days"`
}

type Database struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

type Scheduler struct {
	Workers      int      `yaml:"workers"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
	Granularity  Duration `yaml:"granularity"`
}

// minInterval is the smallest configurable check cadence. The probe
// timeout must stay strictly below it so a slow check can never outlive
// its own slot.
const minInterval = time.Minute

// Load reads and parses a pulsar.yaml config file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "pulsar.db"
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 8
	}
	if c.Scheduler.ProbeTimeout == 0 {
		c.Scheduler.ProbeTimeout = Duration(10 * time.Second)
	}
	if c.Scheduler.Granularity == 0 {
		c.Scheduler.Granularity = Duration(time.Second)
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 30
	}
}

func (c *Config) validate() error {
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required for driver %q", c.Database.Driver)
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler workers must be positive, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.ProbeTimeout.Std() >= minInterval {
		return fmt.Errorf("probe timeout %s must be below the minimum check interval %s",
			c.Scheduler.ProbeTimeout.Std(), minInterval)
	}
	if c.Scheduler.Granularity.Std() <= 0 {
		return fmt.Errorf("scheduler granularity must be positive")
	}
	return nil
}
