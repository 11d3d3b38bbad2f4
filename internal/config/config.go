package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/dsbridge/internal/ds"
	"github.com/dokzlo13/dsbridge/internal/statesync"
)

// Config represents the application configuration
type Config struct {
	Controller      ControllerConfig  `yaml:"controller"`
	Sync            SyncConfig        `yaml:"sync"`
	MQTT            MQTTConfig        `yaml:"mqtt"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	Log             LogConfig         `yaml:"log"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// ControllerConfig contains controller connection settings
type ControllerConfig struct {
	Host  string `yaml:"host"`
	Token string `yaml:"token"`
	Auth  string `yaml:"auth"` // "bearer" (default) or "legacy"

	// Certificate pinning
	Fingerprint                  string `yaml:"fingerprint"`
	DisableCertificateValidation bool   `yaml:"disable_certificate_validation"`

	APIPort   int    `yaml:"api_port"`
	EventPort int    `yaml:"event_port"`
	EventPath string `yaml:"event_path"`

	Timeout          Duration `yaml:"timeout"` // HTTP timeout for API requests
	CommandRateLimit float64  `yaml:"command_rate_limit"`

	// Event channel reconnect settings
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between reconnects (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between reconnects (default: 2m)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	MaxRetries      int      `yaml:"max_retries"`       // Consecutive failed attempts before giving up, 0 = infinite (default: 10)

	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	PongTimeout       Duration `yaml:"pong_timeout"`
}

// SyncConfig contains state synchronization settings
type SyncConfig struct {
	Notification string   `yaml:"notification"`
	Interval     Duration `yaml:"interval"` // Periodic fallback sync (default: 5m, negative = push only)
}

// MQTTConfig contains MQTT bridge settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// EventBusConfig contains state change bus settings
type EventBusConfig struct {
	QueueSize int `yaml:"queue_size"` // Pending state changes before drops (default: 100)
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// DefaultMaxRetries is used when controller.max_retries is absent.
const DefaultMaxRetries = 10

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse expands environment variables in data, decodes it and applies defaults
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	// Zero is meaningful for these, so their defaults are set before decoding
	var cfg Config
	cfg.Controller.MaxRetries = DefaultMaxRetries

	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// Controller defaults
	c := &cfg.Controller
	if c.Auth == "" {
		c.Auth = string(ds.AuthBearer)
	}
	if c.APIPort == 0 {
		c.APIPort = ds.DefaultAPIPort
	}
	if c.EventPort == 0 {
		c.EventPort = ds.DefaultEventPort
	}
	if c.EventPath == "" {
		c.EventPath = ds.DefaultEventPath
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(ds.DefaultRequestTimeout)
	}
	if c.CommandRateLimit == 0 {
		c.CommandRateLimit = ds.DefaultCommandRateLimit
	}
	if c.MinRetryBackoff == 0 {
		c.MinRetryBackoff = Duration(1 * time.Second)
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if c.RetryMultiplier == 0 {
		c.RetryMultiplier = 2.0
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = Duration(ds.DefaultHeartbeatInterval)
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = Duration(ds.DefaultPongTimeout)
	}

	// Sync defaults
	if cfg.Sync.Notification == "" {
		cfg.Sync.Notification = statesync.DefaultNotification
	}
	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = Duration(5 * time.Minute)
	}

	// MQTT defaults
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "dsbridge"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "dsbridge"
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks required fields and value ranges
func (cfg *Config) Validate() error {
	var errs []error

	c := cfg.Controller
	if c.Host == "" {
		errs = append(errs, errors.New("controller.host is required"))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("controller.token is required"))
	}
	switch ds.AuthMode(c.Auth) {
	case ds.AuthBearer, ds.AuthLegacy:
	default:
		errs = append(errs, fmt.Errorf("controller.auth must be %q or %q, got %q", ds.AuthBearer, ds.AuthLegacy, c.Auth))
	}
	if !c.DisableCertificateValidation {
		if c.Fingerprint == "" {
			errs = append(errs, errors.New("controller.fingerprint is required unless disable_certificate_validation is set"))
		} else if _, err := ds.NormalizeFingerprint(c.Fingerprint); err != nil {
			errs = append(errs, fmt.Errorf("controller.fingerprint: %w", err))
		}
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("controller.max_retries must not be negative"))
	}
	if c.RetryMultiplier < 1 {
		errs = append(errs, errors.New("controller.retry_multiplier must be at least 1"))
	}
	if c.MinRetryBackoff > c.MaxRetryBackoff {
		errs = append(errs, errors.New("controller.min_retry_backoff must not exceed max_retry_backoff"))
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
		}
		if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS))
		}
	}

	return errors.Join(errs...)
}

// Matches ${VAR} or ${VAR:default}
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
