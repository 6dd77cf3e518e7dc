package agent

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"example.com/openrobot-bt/internal/trace"
)

const (
	DefaultTickHz           = 10
	MaxTickHz               = 100
	DefaultReconnectBackoff = 5 * time.Second
	DefaultHeartbeat        = 10 * time.Second
)

// Config represents the agent's runtime configuration.
type Config struct {
	AgentID          string        `yaml:"agent_id"`
	Type             string        `yaml:"type"` // "robot" or "laptop"
	MQTTBroker       string        `yaml:"mqtt_broker"`
	TickHz           int           `yaml:"tick_hz"`
	Trace            string        `yaml:"trace"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	Heartbeat        time.Duration `yaml:"heartbeat"`
	WorkspacePath    string        `yaml:"workspace_path"`
}

// LoadConfig reads and parses a YAML config file, then applies defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("config file %s not found", path)
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.TickHz == 0 {
		c.TickHz = DefaultTickHz
	}
	if c.Trace == "" {
		c.Trace = string(trace.ModeChanges)
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = DefaultHeartbeat
	}
}

func (c Config) Validate() error {
	if c.AgentID == "" {
		return errors.New("config missing agent_id")
	}
	if c.TickHz < 1 || c.TickHz > MaxTickHz {
		return fmt.Errorf("tick_hz %d out of range 1..%d", c.TickHz, MaxTickHz)
	}
	if _, err := trace.ParseMode(c.Trace); err != nil {
		return err
	}
	if c.ReconnectBackoff < 0 || c.Heartbeat < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

// TickInterval is the period of the tree's tick loop.
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickHz)
}
