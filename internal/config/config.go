package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models settleline.yml.
type Config struct {
	Market struct {
		ID string `yaml:"id"`
	} `yaml:"market"`
	Deadlines struct {
		StartHours           int `yaml:"start_hours"`
		ExecutionWindowHours int `yaml:"execution_window_hours"`
	} `yaml:"deadlines"`
	Pause struct {
		MinMinutes      int                    `yaml:"min_minutes"`
		MaxHours        int                    `yaml:"max_hours"`
		AutoAcceptHours int                    `yaml:"auto_accept_hours"`
		ExtensionCapHrs int                    `yaml:"extension_cap_hours"`
		Reasons         map[string]PauseReason `yaml:"reasons"`
	} `yaml:"pause"`
	Sanctions struct {
		DecayDays       int `yaml:"decay_days"`
		BlockHoursLvl3  int `yaml:"block_hours_level_3"`
		BlockHoursLvl4  int `yaml:"block_hours_level_4"`
		RatingPenaltyPc int `yaml:"rating_penalty_percent"`
	} `yaml:"sanctions"`
	Disputes struct {
		SLAHours int `yaml:"sla_hours"`
	} `yaml:"disputes"`
	Sweep struct {
		IntervalSeconds     int `yaml:"interval_seconds"`
		InitialDelaySeconds int `yaml:"initial_delay_seconds"`
		BatchSize           int `yaml:"batch_size"`
	} `yaml:"sweep"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig is one outbound event subscription.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

type PauseReason struct {
	Description string `yaml:"description"`
}

// Duration accessors keep the hour/minute knobs in one place.

func (c *Config) StartDeadline() time.Duration {
	return time.Duration(c.Deadlines.StartHours) * time.Hour
}

func (c *Config) ExecutionWindow() time.Duration {
	return time.Duration(c.Deadlines.ExecutionWindowHours) * time.Hour
}

func (c *Config) PauseMin() time.Duration {
	return time.Duration(c.Pause.MinMinutes) * time.Minute
}

func (c *Config) PauseMax() time.Duration {
	return time.Duration(c.Pause.MaxHours) * time.Hour
}

func (c *Config) PauseAutoAccept() time.Duration {
	return time.Duration(c.Pause.AutoAcceptHours) * time.Hour
}

func (c *Config) ExtensionCap() time.Duration {
	return time.Duration(c.Pause.ExtensionCapHrs) * time.Hour
}

func (c *Config) ViolationDecay() time.Duration {
	return time.Duration(c.Sanctions.DecayDays) * 24 * time.Hour
}

func (c *Config) DisputeSLA() time.Duration {
	return time.Duration(c.Disputes.SLAHours) * time.Hour
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalSeconds) * time.Second
}

func (c *Config) SweepInitialDelay() time.Duration {
	return time.Duration(c.Sweep.InitialDelaySeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Market.ID == "" {
		return fmt.Errorf("config.market.id is required")
	}
	if c.Deadlines.StartHours <= 0 {
		return fmt.Errorf("config.deadlines.start_hours must be positive")
	}
	if c.Deadlines.ExecutionWindowHours <= 0 {
		return fmt.Errorf("config.deadlines.execution_window_hours must be positive")
	}
	if c.Pause.MinMinutes <= 0 || c.Pause.MaxHours <= 0 {
		return fmt.Errorf("config.pause bounds must be positive")
	}
	if c.PauseMin() >= c.PauseMax() {
		return fmt.Errorf("config.pause.min_minutes must be below max_hours")
	}
	if c.Pause.AutoAcceptHours <= 0 {
		return fmt.Errorf("config.pause.auto_accept_hours must be positive")
	}
	if c.Pause.ExtensionCapHrs <= 0 {
		return fmt.Errorf("config.pause.extension_cap_hours must be positive")
	}
	if len(c.Pause.Reasons) == 0 {
		return fmt.Errorf("config.pause.reasons is required")
	}
	for id := range c.Pause.Reasons {
		if id == "" {
			return fmt.Errorf("config.pause.reasons contains empty reason id")
		}
	}
	if c.Sanctions.DecayDays <= 0 {
		return fmt.Errorf("config.sanctions.decay_days must be positive")
	}
	if c.Sanctions.BlockHoursLvl3 <= 0 || c.Sanctions.BlockHoursLvl4 <= 0 {
		return fmt.Errorf("config.sanctions block hours must be positive")
	}
	if c.Sanctions.BlockHoursLvl4 < c.Sanctions.BlockHoursLvl3 {
		return fmt.Errorf("config.sanctions.block_hours_level_4 must not be below level 3")
	}
	if c.Disputes.SLAHours <= 0 {
		return fmt.Errorf("config.disputes.sla_hours must be positive")
	}
	if c.Sweep.IntervalSeconds <= 0 {
		return fmt.Errorf("config.sweep.interval_seconds must be positive")
	}
	if c.Sweep.BatchSize <= 0 {
		return fmt.Errorf("config.sweep.batch_size must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "settleline.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace, marketID string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(marketID), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config for a market.
func Default(marketID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, marketID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(marketID string) string {
	return fmt.Sprintf(defaultTemplate, marketID)
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

const defaultTemplate = `market:
  id: %s

deadlines:
  start_hours: 12
  execution_window_hours: 24

pause:
  min_minutes: 5
  max_hours: 24
  auto_accept_hours: 12
  extension_cap_hours: 24
  reasons:
    illness:
      description: "Executor is ill"
    hardware_failure:
      description: "Workstation or tooling failure"
    family_emergency:
      description: "Urgent family matter"
    connectivity:
      description: "Prolonged connectivity outage"
    other:
      description: "Another blocking circumstance"

sanctions:
  decay_days: 90
  block_hours_level_3: 24
  block_hours_level_4: 72
  rating_penalty_percent: 5

disputes:
  sla_hours: 72

sweep:
  interval_seconds: 60
  initial_delay_seconds: 5
  batch_size: 100
`
