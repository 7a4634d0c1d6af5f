// Package config models deskline.yml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models deskline.yml.
type Config struct {
	Escalation Escalation `yaml:"escalation"`
	Fabric     Fabric     `yaml:"fabric"`
	Auth       struct {
		AllowLegacyActorHeader bool `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Webhooks  []Webhook `yaml:"webhooks"`
	Knowledge struct {
		Seed []SeedEntry `yaml:"seed"`
	} `yaml:"knowledge"`
}

type Escalation struct {
	// Timeout is how long a request may stay PENDING, e.g. "2m".
	Timeout string `yaml:"timeout"`
	// WatchdogInterval is how often the expiry sweep runs, e.g. "5s".
	WatchdogInterval string `yaml:"watchdog_interval"`
}

// TimeoutDuration returns the escalation timeout, defaulting to 2 minutes.
func (e Escalation) TimeoutDuration() time.Duration {
	return parseDuration(e.Timeout, 2*time.Minute)
}

// WatchdogIntervalDuration defaults to 5 seconds.
func (e Escalation) WatchdogIntervalDuration() time.Duration {
	return parseDuration(e.WatchdogInterval, 5*time.Second)
}

type Fabric struct {
	SubscriberQueue int    `yaml:"subscriber_queue"`
	HoldBuffer      int    `yaml:"hold_buffer"`
	Retention       string `yaml:"retention"`
}

// RetentionDuration defaults to one hour.
func (f Fabric) RetentionDuration() time.Duration {
	return parseDuration(f.Retention, time.Hour)
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        bool     `yaml:"enabled"`
}

type SeedEntry struct {
	Question string `yaml:"question"`
	Answer   string `yaml:"answer"`
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create deskline.yml or pass --workspace", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for _, field := range []struct{ name, value string }{
		{"escalation.timeout", c.Escalation.Timeout},
		{"escalation.watchdog_interval", c.Escalation.WatchdogInterval},
		{"fabric.retention", c.Fabric.Retention},
	} {
		if field.value == "" {
			continue
		}
		if d, err := time.ParseDuration(field.value); err != nil || d <= 0 {
			return fmt.Errorf("config.%s: invalid duration %q", field.name, field.value)
		}
	}
	if c.Fabric.SubscriberQueue < 0 {
		return fmt.Errorf("config.fabric.subscriber_queue must be >= 0")
	}
	if c.Fabric.HoldBuffer < 0 {
		return fmt.Errorf("config.fabric.hold_buffer must be >= 0")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	for i, seed := range c.Knowledge.Seed {
		if seed.Question == "" || seed.Answer == "" {
			return fmt.Errorf("config.knowledge.seed[%d] needs question and answer", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "deskline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `escalation:
  timeout: 2m
  watchdog_interval: 5s

fabric:
  subscriber_queue: 128
  hold_buffer: 100
  retention: 1h

auth:
  allow_legacy_actor_header: false

knowledge:
  seed:
    - question: "What are your hours?"
      answer: "We're open from 9 AM to 7 PM, Monday through Saturday."
    - question: "Do you do hair coloring?"
      answer: "Yes, we offer full hair coloring services starting at $85."
    - question: "Do you accept walk-ins?"
      answer: "Walk-ins are welcome, but appointments get priority."
    - question: "Where are you located?"
      answer: "We're at 123 Main Street, right next to the pharmacy."
    - question: "How much is a haircut?"
      answer: "Haircuts are $45 for short hair and $65 for long hair."
`
