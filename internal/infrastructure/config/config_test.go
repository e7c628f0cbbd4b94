package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfigYAML = `
hub:
  base_url: "https://hub.local"
  events_url: "wss://hub.local/events"
  username: "installer"
  secret: "s3cret"
reconciler:
  poll_interval: 30
mqtt:
  broker:
    host: "broker.local"
    port: 1883
  qos: 1
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Hub.BaseURL = "https://hub.local"
	cfg.Hub.EventsURL = "wss://hub.local/events"
	cfg.Hub.Username = "installer"
	cfg.Hub.Secret = "s3cret"
	return cfg
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfigYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Hub.BaseURL != "https://hub.local" {
		t.Errorf("Hub.BaseURL = %q, want https://hub.local", cfg.Hub.BaseURL)
	}
	if cfg.Reconciler.GetPollInterval() != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.Reconciler.GetPollInterval())
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want broker.local", cfg.MQTT.Broker.Host)
	}

	// Unset values keep their defaults.
	if cfg.Hub.Backoff.Floor != 5 || cfg.Hub.Backoff.Ceiling != 300 {
		t.Errorf("backoff = %d/%d, want 5/300", cfg.Hub.Backoff.Floor, cfg.Hub.Backoff.Ceiling)
	}
	if cfg.Reconciler.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %d, want 3", cfg.Reconciler.FailureThreshold)
	}
	if cfg.Press.GetLongPress() != 1500*time.Millisecond {
		t.Errorf("LongPress = %v, want 1.5s", cfg.Press.GetLongPress())
	}
	if cfg.Press.GetDoubleWindow() != time.Second {
		t.Errorf("DoubleWindow = %v, want 1s", cfg.Press.GetDoubleWindow())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "invalid: [yaml: content")); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HUBSYNC_HUB_SECRET", "from-env")
	t.Setenv("HUBSYNC_MQTT_HOST", "env-broker")

	cfg, err := Load(writeConfig(t, validConfigYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Hub.Secret != "from-env" {
		t.Errorf("Hub.Secret = %q, want from-env", cfg.Hub.Secret)
	}
	if cfg.MQTT.Broker.Host != "env-broker" {
		t.Errorf("MQTT.Broker.Host = %q, want env-broker", cfg.MQTT.Broker.Host)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing base url", mutate: func(c *Config) { c.Hub.BaseURL = "" }, wantErr: "hub.base_url"},
		{name: "http events url", mutate: func(c *Config) { c.Hub.EventsURL = "http://hub.local/events" }, wantErr: "hub.events_url"},
		{name: "missing username", mutate: func(c *Config) { c.Hub.Username = "" }, wantErr: "hub.username"},
		{name: "missing secret", mutate: func(c *Config) { c.Hub.Secret = "" }, wantErr: "hub.secret"},
		{name: "zero max pending", mutate: func(c *Config) { c.Hub.MaxPending = 0 }, wantErr: "hub.max_pending"},
		{name: "ceiling below floor", mutate: func(c *Config) { c.Hub.Backoff.Ceiling = 2 }, wantErr: "hub.backoff.ceiling"},
		{name: "zero poll interval", mutate: func(c *Config) { c.Reconciler.PollInterval = 0 }, wantErr: "reconciler.poll_interval"},
		{name: "zero threshold", mutate: func(c *Config) { c.Reconciler.FailureThreshold = 0 }, wantErr: "reconciler.failure_threshold"},
		{name: "negative press timing", mutate: func(c *Config) { c.Press.LongPress = -1 }, wantErr: "press.long_press"},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: "mqtt.qos"},
		{name: "invalid port", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: "api.port"},
		{name: "api disabled ignores port", mutate: func(c *Config) { c.API.Enabled = false; c.API.Port = 0 }},
		{name: "database enabled without path", mutate: func(c *Config) { c.Database.Enabled = true; c.Database.Path = "" }, wantErr: "database.path"},
		{name: "negative retention", mutate: func(c *Config) { c.Database.RetentionDays = -1 }, wantErr: "database.retention_days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Hub.Username = ""
	cfg.MQTT.QoS = 5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	if !strings.Contains(err.Error(), "hub.username") || !strings.Contains(err.Error(), "mqtt.qos") {
		t.Errorf("Validate() error = %v, want both problems reported", err)
	}
}

func TestTimeoutGetters(t *testing.T) {
	cfg := validConfig()

	if got := cfg.Hub.GetLoginTimeout(); got != 10*time.Second {
		t.Errorf("GetLoginTimeout() = %v, want 10s", got)
	}
	if got := cfg.Hub.GetHandshakeTimeout(); got != 5*time.Second {
		t.Errorf("GetHandshakeTimeout() = %v, want 5s", got)
	}
	if got := cfg.Hub.GetRequestTimeout(); got != 10*time.Second {
		t.Errorf("GetRequestTimeout() = %v, want 10s", got)
	}
	if got := cfg.GetReadTimeout(); got != 30*time.Second {
		t.Errorf("GetReadTimeout() = %v, want 30s", got)
	}
	if got := cfg.GetIdleTimeout(); got != 60*time.Second {
		t.Errorf("GetIdleTimeout() = %v, want 60s", got)
	}
	if got := cfg.Database.GetRetention(); got != 30*24*time.Hour {
		t.Errorf("GetRetention() = %v, want 720h", got)
	}
}
