// Package config loads and validates the bridge configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/studiobridge/studiobridge/pkg/log"
)

// Defaults. The plugin port matches the port the Studio plugin is built
// against, so changing it requires changing the plugin too.
const (
	DefaultPluginPort     = 44755
	DefaultPollBudget     = 15 * time.Second
	DefaultLivenessWindow = 30 * time.Second
	DefaultCommandTimeout = 30 * time.Second
	DefaultRingCapacity   = 500
)

// Duration wraps time.Duration so config files can say "15s" or "2m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the bridge's file configuration. Every field has a working
// default; an absent file is not an error.
type Config struct {
	// PluginPort is the localhost port the Studio plugin long-polls.
	PluginPort int `yaml:"plugin_port,omitempty"`
	// PollBudget is how long one long-poll parks before the empty reply.
	PollBudget Duration `yaml:"poll_budget,omitempty"`
	// LivenessWindow is the maximum host silence before disconnect.
	LivenessWindow Duration `yaml:"liveness_window,omitempty"`
	// CommandTimeout bounds one command from dispatch to result.
	CommandTimeout Duration `yaml:"command_timeout,omitempty"`
	// RingCapacity is the number of host log entries retained.
	RingCapacity int `yaml:"ring_capacity,omitempty"`
	// LogLevel is the bridge's own stderr log verbosity.
	LogLevel log.Level `yaml:"log_level,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		PluginPort:     DefaultPluginPort,
		PollBudget:     Duration(DefaultPollBudget),
		LivenessWindow: Duration(DefaultLivenessWindow),
		CommandTimeout: Duration(DefaultCommandTimeout),
		RingCapacity:   DefaultRingCapacity,
		LogLevel:       log.LevelInfo,
	}
}

// Load reads the file at path over the defaults. A missing file yields the
// defaults; a malformed or invalid file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields after unmarshalling a partial file.
func (c *Config) applyDefaults() {
	def := Default()
	if c.PluginPort == 0 {
		c.PluginPort = def.PluginPort
	}
	if c.PollBudget == 0 {
		c.PollBudget = def.PollBudget
	}
	if c.LivenessWindow == 0 {
		c.LivenessWindow = def.LivenessWindow
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.RingCapacity == 0 {
		c.RingCapacity = def.RingCapacity
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// Validate rejects configurations the bridge cannot run with.
func (c Config) Validate() error {
	if c.PluginPort < 1 || c.PluginPort > 65535 {
		return fmt.Errorf("plugin_port %d out of range", c.PluginPort)
	}
	if c.PollBudget.Std() <= 0 {
		return errors.New("poll_budget must be positive")
	}
	if c.LivenessWindow.Std() <= c.PollBudget.Std() {
		// A window shorter than one poll cycle would flap the session on
		// every empty poll.
		return errors.New("liveness_window must exceed poll_budget")
	}
	if c.CommandTimeout.Std() <= 0 {
		return errors.New("command_timeout must be positive")
	}
	if c.RingCapacity < 1 {
		return errors.New("ring_capacity must be positive")
	}
	switch c.LogLevel {
	case log.LevelDebug, log.LevelInfo, log.LevelWarn, log.LevelError:
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}
