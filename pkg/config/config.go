// Package config provides configuration loading, validation, and defaults
// for the pool daemon. It handles YAML config files with environment
// variable substitution and an encrypted secrets file for webhook tokens.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"

	"agentpool/pkg/alert"
	"agentpool/pkg/circuit"
	"agentpool/pkg/pool"
	"agentpool/pkg/strategy"
)

const (
	// DefaultPath is the config file looked up when no flag or env var names one.
	DefaultPath = "agentpool.yaml"

	// EnvConfig overrides the config file path.
	EnvConfig = "AGENTPOOL_CONFIG"
)

// CircuitConfig holds the per-instance breaker settings. Durations use the
// Prometheus notation ("60s", "5m", "1h") in YAML.
type CircuitConfig struct {
	FailureThreshold int            `yaml:"failure_threshold"`
	OpenTimeout      model.Duration `yaml:"open_timeout"`
}

// ThresholdsConfig holds the values behind the default alert rules.
type ThresholdsConfig struct {
	ResponseTimeMs float64 `yaml:"response_time_ms"`
	ErrorRate      float64 `yaml:"error_rate"`
	SuccessRate    float64 `yaml:"success_rate"` // reserved for operator-defined rules
	QueueLength    float64 `yaml:"queue_length"`
}

// AlertsConfig configures channels and rule tuning.
type AlertsConfig struct {
	Channels   []string         `yaml:"channels"`
	WebhookURL string           `yaml:"webhook_url"`
	Cooldowns  map[string]int   `yaml:"cooldowns"` // per-rule overrides, seconds
	Thresholds ThresholdsConfig `yaml:"thresholds"`
}

// PoolConfig configures persistence and statically seeded instances.
type PoolConfig struct {
	DBPath string                `yaml:"db_path"` // empty disables persistence
	Seed   []pool.InstanceConfig `yaml:"seed"`
}

// TelemetryConfig configures the ops HTTP server.
type TelemetryConfig struct {
	Listen        string `yaml:"listen"` // empty disables the server
	PrometheusURL string `yaml:"prometheus_url"`
}

// Config is the root configuration for the pool daemon.
type Config struct {
	Strategy          string           `yaml:"strategy"`
	HealthInterval    model.Duration   `yaml:"health_interval"`
	ProbeTimeout      model.Duration   `yaml:"probe_timeout"`
	MaxRetries        int              `yaml:"max_retries"`
	FailoverThreshold int              `yaml:"failover_threshold"`
	Circuit           CircuitConfig    `yaml:"circuit"`
	Retention         model.Duration   `yaml:"retention"`
	Alerts            AlertsConfig     `yaml:"alerts"`
	Budgets           map[string]int64 `yaml:"budgets"` // agent type -> daily cents
	Pool              PoolConfig       `yaml:"pool"`
	Telemetry         TelemetryConfig  `yaml:"telemetry"`
	EventLogDir       string           `yaml:"eventlog_dir"` // empty disables the event log
}

// Default returns the documented defaults. A missing config file is
// equivalent to this.
func Default() Config {
	return Config{
		Strategy:          strategy.NameAdaptive,
		HealthInterval:    model.Duration(30 * time.Second),
		ProbeTimeout:      model.Duration(5 * time.Second),
		MaxRetries:        2,
		FailoverThreshold: 3,
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			OpenTimeout:      model.Duration(60 * time.Second),
		},
		Retention: model.Duration(24 * time.Hour),
		Alerts: AlertsConfig{
			Channels: []string{alert.ChannelLog},
			Thresholds: ThresholdsConfig{
				ResponseTimeMs: 5000,
				ErrorRate:      0.25,
				SuccessRate:    0.75,
				QueueLength:    50,
			},
		},
		Budgets: map[string]int64{},
		Telemetry: TelemetryConfig{
			Listen: ":9090",
		},
	}
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Resolve picks the config path: the explicit flag value, then the
// AGENTPOOL_CONFIG variable, then DefaultPath if that file exists.
func Resolve(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return env
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// Load reads and validates the config file at path. An empty path returns
// the defaults. Values like ${VAR} are replaced from the environment before
// parsing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Replace environment variable placeholders.
	expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		envVar := match[2 : len(match)-1] // Remove ${ and }
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match // Return original if env var not found
	})

	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate rejects a config the daemon could not run with.
func (c *Config) Validate() error {
	if !strategy.Valid(c.Strategy) {
		return fmt.Errorf("unknown strategy %q (known: %v)", c.Strategy, strategy.Names())
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("health_interval must be positive, got %v", c.HealthInterval)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive, got %v", c.ProbeTimeout)
	}
	if c.ProbeTimeout >= c.HealthInterval {
		return fmt.Errorf("probe_timeout (%v) must be shorter than health_interval (%v)", c.ProbeTimeout, c.HealthInterval)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.MaxRetries)
	}
	if c.FailoverThreshold <= 0 {
		return fmt.Errorf("failover_threshold must be positive, got %d", c.FailoverThreshold)
	}
	if c.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("circuit failure_threshold must be positive, got %d", c.Circuit.FailureThreshold)
	}
	if c.Circuit.OpenTimeout <= 0 {
		return fmt.Errorf("circuit open_timeout must be positive, got %v", c.Circuit.OpenTimeout)
	}
	if c.Retention <= 0 {
		return fmt.Errorf("retention must be positive, got %v", c.Retention)
	}

	for _, channel := range c.Alerts.Channels {
		switch channel {
		case alert.ChannelLog:
		case alert.ChannelWebhook:
			if c.Alerts.WebhookURL == "" {
				return fmt.Errorf("webhook channel enabled but webhook_url is empty")
			}
		default:
			return fmt.Errorf("unknown alert channel %q", channel)
		}
	}
	for rule, secs := range c.Alerts.Cooldowns {
		if secs < 0 {
			return fmt.Errorf("cooldown for rule %s cannot be negative, got %d", rule, secs)
		}
	}

	t := c.Alerts.Thresholds
	if t.ResponseTimeMs <= 0 {
		return fmt.Errorf("response_time_ms threshold must be positive, got %v", t.ResponseTimeMs)
	}
	if t.ErrorRate <= 0 || t.ErrorRate > 1 {
		return fmt.Errorf("error_rate threshold must be in (0, 1], got %v", t.ErrorRate)
	}
	if t.SuccessRate <= 0 || t.SuccessRate > 1 {
		return fmt.Errorf("success_rate threshold must be in (0, 1], got %v", t.SuccessRate)
	}
	if t.QueueLength <= 0 {
		return fmt.Errorf("queue_length threshold must be positive, got %v", t.QueueLength)
	}

	for agentType, cents := range c.Budgets {
		if cents < 0 {
			return fmt.Errorf("budget for %s cannot be negative, got %d", agentType, cents)
		}
	}

	for i := range c.Pool.Seed {
		if err := c.Pool.Seed[i].Validate(); err != nil {
			return fmt.Errorf("seed instance %d: %w", i, err)
		}
	}

	return nil
}

// CircuitConfig converts the circuit section into breaker settings.
func (c *Config) CircuitConfig() circuit.Config {
	return circuit.Config{
		FailureThreshold: c.Circuit.FailureThreshold,
		Timeout:          time.Duration(c.Circuit.OpenTimeout),
	}
}

// AlertRules builds the default rule set with the configured thresholds and
// cooldown overrides applied. The success_rate threshold is reserved for
// rules operators add themselves.
func (c *Config) AlertRules() []alert.Rule {
	rules := alert.DefaultRules()
	for i := range rules {
		switch rules[i].Condition {
		case alert.CondHighResponseTime:
			rules[i].Threshold = c.Alerts.Thresholds.ResponseTimeMs
		case alert.CondHighErrorRate:
			rules[i].Threshold = c.Alerts.Thresholds.ErrorRate
		case alert.CondHighQueueLength:
			rules[i].Threshold = c.Alerts.Thresholds.QueueLength
		}
		if secs, ok := c.Alerts.Cooldowns[rules[i].ID]; ok && secs > 0 {
			rules[i].Cooldown = time.Duration(secs) * time.Second
		}
	}
	return rules
}
