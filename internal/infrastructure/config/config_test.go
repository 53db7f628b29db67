package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
asterisk:
  host: "pbx.local"
  port: 5038
  username: "graylogic"
  secret: "manager-secret"
  status_mapping:
    ONHOLD: "ringing"
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  enabled: true
  host: "0.0.0.0"
  port: 8090
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Asterisk.Host != "pbx.local" {
		t.Errorf("Asterisk.Host = %q, want %q", cfg.Asterisk.Host, "pbx.local")
	}

	if cfg.ManagerAddress() != "pbx.local:5038" {
		t.Errorf("ManagerAddress() = %q, want %q", cfg.ManagerAddress(), "pbx.local:5038")
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}

	if cfg.Asterisk.StatusMapping["ONHOLD"] != "ringing" {
		t.Errorf("StatusMapping = %v", cfg.Asterisk.StatusMapping)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	// Missing asterisk.secret
	content := `
asterisk:
  host: "pbx.local"
  username: "graylogic"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for missing secret, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Asterisk: AsteriskConfig{
				Host:     "pbx.local",
				Port:     5038,
				Username: "graylogic",
				Secret:   "manager-secret",
			},
			MQTT: MQTTConfig{QoS: 1},
			API:  APIConfig{Enabled: true, Port: 8090},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"missing host", func(c *Config) { c.Asterisk.Host = "" }, true},
		{"missing username", func(c *Config) { c.Asterisk.Username = "" }, true},
		{"missing secret", func(c *Config) { c.Asterisk.Secret = "" }, true},
		{"invalid manager port", func(c *Config) { c.Asterisk.Port = 0 }, true},
		{"invalid QoS", func(c *Config) { c.MQTT.QoS = 3 }, true},
		{"invalid API port", func(c *Config) { c.API.Port = 70000 }, true},
		{"API disabled ignores port", func(c *Config) { c.API.Enabled = false; c.API.Port = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg := &Config{
		Bridge: BridgeConfig{HealthInterval: 15, HistoryRetentionDays: 7},
		Asterisk: AsteriskConfig{
			ConnectTimeout: 10,
			ActionTimeout:  5,
			PingInterval:   -1,
			Reconnect:      ReconnectConfig{InitialDelay: 2, MaxDelay: 120},
		},
		API: APIConfig{
			Timeouts: APITimeoutConfig{Read: 30, Write: 45, Idle: 60},
		},
	}

	if got := cfg.GetConnectTimeout(); got != 10*time.Second {
		t.Errorf("GetConnectTimeout() = %v", got)
	}
	if got := cfg.GetActionTimeout(); got != 5*time.Second {
		t.Errorf("GetActionTimeout() = %v", got)
	}
	if got := cfg.GetPingInterval(); got >= 0 {
		t.Errorf("GetPingInterval() = %v, want negative (disabled)", got)
	}
	if got := cfg.GetInitialReconnectDelay(); got != 2*time.Second {
		t.Errorf("GetInitialReconnectDelay() = %v", got)
	}
	if got := cfg.GetMaxReconnectDelay(); got != 2*time.Minute {
		t.Errorf("GetMaxReconnectDelay() = %v", got)
	}
	if got := cfg.GetHealthInterval(); got != 15*time.Second {
		t.Errorf("GetHealthInterval() = %v", got)
	}
	if got := cfg.GetHistoryRetention(); got != 7*24*time.Hour {
		t.Errorf("GetHistoryRetention() = %v", got)
	}
	if got := cfg.GetWriteTimeout(); got != 45*time.Second {
		t.Errorf("GetWriteTimeout() = %v", got)
	}
	if got := cfg.GetReadTimeout(); got != 30*time.Second {
		t.Errorf("GetReadTimeout() = %v", got)
	}
	if got := cfg.GetIdleTimeout(); got != 60*time.Second {
		t.Errorf("GetIdleTimeout() = %v", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("ASTERISKBRIDGE_ASTERISK_HOST", "pbx.example.com")
	t.Setenv("ASTERISKBRIDGE_ASTERISK_USERNAME", "bridge")
	t.Setenv("ASTERISKBRIDGE_ASTERISK_SECRET", "override-secret")
	t.Setenv("ASTERISKBRIDGE_MQTT_HOST", "mqtt.example.com")
	t.Setenv("ASTERISKBRIDGE_MQTT_USERNAME", "testuser")
	t.Setenv("ASTERISKBRIDGE_MQTT_PASSWORD", "testpass")
	t.Setenv("ASTERISKBRIDGE_DATABASE_PATH", "/custom/path.db")
	t.Setenv("ASTERISKBRIDGE_API_HOST", "192.168.1.1")
	t.Setenv("ASTERISKBRIDGE_INFLUXDB_TOKEN", "secret-token")

	applyEnvOverrides(cfg)

	if cfg.Asterisk.Host != "pbx.example.com" {
		t.Errorf("Asterisk.Host = %q", cfg.Asterisk.Host)
	}
	if cfg.Asterisk.Username != "bridge" {
		t.Errorf("Asterisk.Username = %q", cfg.Asterisk.Username)
	}
	if cfg.Asterisk.Secret != "override-secret" {
		t.Errorf("Asterisk.Secret = %q", cfg.Asterisk.Secret)
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q", cfg.MQTT.Broker.Host)
	}
	if cfg.MQTT.Auth.Username != "testuser" || cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth = %+v", cfg.MQTT.Auth)
	}
	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q", cfg.API.Host)
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q", cfg.InfluxDB.Token)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Asterisk.Port != 5038 {
		t.Errorf("defaultConfig Asterisk.Port = %d, want 5038", cfg.Asterisk.Port)
	}

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}

	if cfg.API.Port != 8090 {
		t.Errorf("defaultConfig API.Port = %d, want 8090", cfg.API.Port)
	}

	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}
}
