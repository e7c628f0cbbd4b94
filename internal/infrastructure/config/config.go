package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the hub sync service.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Hub        HubConfig        `yaml:"hub"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Press      PressConfig      `yaml:"press"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// HubConfig contains the remote hub connection settings.
type HubConfig struct {
	// BaseURL is the HTTP endpoint used for login and detail fetches.
	// Example: "https://hub.local"
	BaseURL string `yaml:"base_url"`

	// EventsURL is the WebSocket endpoint for the push channel.
	// Example: "wss://hub.local/events"
	EventsURL string `yaml:"events_url"`

	Username string `yaml:"username"`

	// Secret is combined with Username to derive the login credential.
	// Set via HUBSYNC_HUB_SECRET rather than the file.
	Secret string `yaml:"secret"`

	// Timeouts in seconds.
	LoginTimeout     int `yaml:"login_timeout"`
	HandshakeTimeout int `yaml:"handshake_timeout"`
	RequestTimeout   int `yaml:"request_timeout"`

	// MaxPending caps outstanding correlated requests on the socket.
	MaxPending int `yaml:"max_pending"`

	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig contains reconnection backoff settings (seconds).
type BackoffConfig struct {
	Floor   int  `yaml:"floor"`
	Ceiling int  `yaml:"ceiling"`
	Jitter  bool `yaml:"jitter"`
}

// ReconcilerConfig contains full-poll settings.
type ReconcilerConfig struct {
	// PollInterval is the time between full polls in seconds.
	PollInterval int `yaml:"poll_interval"`

	// FailureThreshold is the number of consecutive failed polls before
	// the degraded health signal is raised.
	FailureThreshold int `yaml:"failure_threshold"`

	// FetchConcurrency bounds the concurrent per-device detail fetches.
	FetchConcurrency int `yaml:"fetch_concurrency"`
}

// PressConfig contains press-pattern classification timings (milliseconds).
type PressConfig struct {
	LongPress    int `yaml:"long_press"`
	DoubleWindow int `yaml:"double_window"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionDays bounds how long event history is kept. Zero keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HUBSYNC_SECTION_KEY
// For example: HUBSYNC_HUB_SECRET, HUBSYNC_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			LoginTimeout:     10,
			HandshakeTimeout: 5,
			RequestTimeout:   10,
			MaxPending:       100,
			Backoff: BackoffConfig{
				Floor:   5,
				Ceiling: 300,
				Jitter:  true,
			},
		},
		Reconciler: ReconcilerConfig{
			PollInterval:     60,
			FailureThreshold: 3,
			FetchConcurrency: 8,
		},
		Press: PressConfig{
			LongPress:    1500,
			DoubleWindow: 1000,
		},
		Database: DatabaseConfig{
			Path:          "./data/hubsync.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "hubsync",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Hub
	if v := os.Getenv("HUBSYNC_HUB_BASE_URL"); v != "" {
		cfg.Hub.BaseURL = v
	}
	if v := os.Getenv("HUBSYNC_HUB_EVENTS_URL"); v != "" {
		cfg.Hub.EventsURL = v
	}
	if v := os.Getenv("HUBSYNC_HUB_USERNAME"); v != "" {
		cfg.Hub.Username = v
	}
	if v := os.Getenv("HUBSYNC_HUB_SECRET"); v != "" {
		cfg.Hub.Secret = v
	}

	// Database
	if v := os.Getenv("HUBSYNC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("HUBSYNC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("HUBSYNC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("HUBSYNC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("HUBSYNC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
// All problems are collected and reported together.
func (c *Config) Validate() error {
	var errs []string

	// Hub
	if c.Hub.BaseURL == "" {
		errs = append(errs, "hub.base_url is required")
	} else if _, err := url.Parse(c.Hub.BaseURL); err != nil {
		errs = append(errs, "hub.base_url is not a valid URL")
	}
	if c.Hub.EventsURL == "" {
		errs = append(errs, "hub.events_url is required")
	} else if u, err := url.Parse(c.Hub.EventsURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, "hub.events_url must be a ws:// or wss:// URL")
	}
	if c.Hub.Username == "" {
		errs = append(errs, "hub.username is required")
	}
	if c.Hub.Secret == "" {
		errs = append(errs, "hub.secret is required (set HUBSYNC_HUB_SECRET environment variable)")
	}
	if c.Hub.MaxPending < 1 {
		errs = append(errs, "hub.max_pending must be at least 1")
	}
	if c.Hub.Backoff.Floor < 1 {
		errs = append(errs, "hub.backoff.floor must be at least 1 second")
	}
	if c.Hub.Backoff.Ceiling < c.Hub.Backoff.Floor {
		errs = append(errs, "hub.backoff.ceiling must not be below hub.backoff.floor")
	}

	// Reconciler
	if c.Reconciler.PollInterval < 1 {
		errs = append(errs, "reconciler.poll_interval must be at least 1 second")
	}
	if c.Reconciler.FailureThreshold < 1 {
		errs = append(errs, "reconciler.failure_threshold must be at least 1")
	}

	// Press
	if c.Press.LongPress <= 0 || c.Press.DoubleWindow <= 0 {
		errs = append(errs, "press.long_press and press.double_window must be positive")
	}

	// Database
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database is enabled")
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, "database.retention_days must not be negative")
	}

	// MQTT
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetLoginTimeout returns the hub login timeout as a Duration.
func (h HubConfig) GetLoginTimeout() time.Duration {
	return time.Duration(h.LoginTimeout) * time.Second
}

// GetHandshakeTimeout returns the socket handshake timeout as a Duration.
func (h HubConfig) GetHandshakeTimeout() time.Duration {
	return time.Duration(h.HandshakeTimeout) * time.Second
}

// GetRequestTimeout returns the default remote call timeout as a Duration.
func (h HubConfig) GetRequestTimeout() time.Duration {
	return time.Duration(h.RequestTimeout) * time.Second
}

// GetPollInterval returns the full poll interval as a Duration.
func (r ReconcilerConfig) GetPollInterval() time.Duration {
	return time.Duration(r.PollInterval) * time.Second
}

// GetLongPress returns the long-press threshold as a Duration.
func (p PressConfig) GetLongPress() time.Duration {
	return time.Duration(p.LongPress) * time.Millisecond
}

// GetDoubleWindow returns the double-press disambiguation window as a Duration.
func (p PressConfig) GetDoubleWindow() time.Duration {
	return time.Duration(p.DoubleWindow) * time.Millisecond
}

// GetRetention returns the event history retention as a Duration.
// Zero means history is never pruned.
func (d DatabaseConfig) GetRetention() time.Duration {
	return time.Duration(d.RetentionDays) * 24 * time.Hour
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
