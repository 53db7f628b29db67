package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Asterisk bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Asterisk AsteriskConfig `yaml:"asterisk"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BridgeConfig contains bridge-level settings.
type BridgeConfig struct {
	// HealthInterval is how often health is published, in seconds.
	HealthInterval int `yaml:"health_interval"`

	// HistoryRetentionDays bounds endpoint history kept in SQLite.
	// 0 disables pruning.
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

// AsteriskConfig contains manager interface connection settings.
type AsteriskConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Secret   string `yaml:"secret"`

	// Timeouts, in seconds. 0 uses package defaults.
	ConnectTimeout int `yaml:"connect_timeout"`
	LoginTimeout   int `yaml:"login_timeout"`
	ActionTimeout  int `yaml:"action_timeout"`

	// PingInterval is the keepalive interval in seconds.
	// 0 uses the default; negative disables keepalive.
	PingInterval int `yaml:"ping_interval"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	// StatusMapping overrides the default device-state translation.
	// Keys are raw PBX state codes, values are logical statuses
	// (idle, in_use, ringing, unavailable, unknown).
	StatusMapping map[string]string `yaml:"status_mapping"`
}

// ReconnectConfig contains reconnection backoff settings.
type ReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// DatabaseConfig contains SQLite database settings.
// An empty path disables endpoint history persistence.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
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
	MaxAttempts  int `yaml:"max_attempts"`
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
// Environment variables follow the pattern: ASTERISKBRIDGE_SECTION_KEY
// For example: ASTERISKBRIDGE_ASTERISK_SECRET, ASTERISKBRIDGE_MQTT_HOST
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
		Bridge: BridgeConfig{
			HealthInterval:       30,
			HistoryRetentionDays: 30,
		},
		Asterisk: AsteriskConfig{
			Host:     "localhost",
			Port:     5038,
			Username: "graylogic",
			Reconnect: ReconnectConfig{
				InitialDelay: 2,
				MaxDelay:     120,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-asterisk",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/asterisk-bridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ASTERISKBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Asterisk
	if v := os.Getenv("ASTERISKBRIDGE_ASTERISK_HOST"); v != "" {
		cfg.Asterisk.Host = v
	}
	if v := os.Getenv("ASTERISKBRIDGE_ASTERISK_USERNAME"); v != "" {
		cfg.Asterisk.Username = v
	}
	if v := os.Getenv("ASTERISKBRIDGE_ASTERISK_SECRET"); v != "" {
		cfg.Asterisk.Secret = v
	}

	// MQTT
	if v := os.Getenv("ASTERISKBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ASTERISKBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ASTERISKBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Database
	if v := os.Getenv("ASTERISKBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// API
	if v := os.Getenv("ASTERISKBRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("ASTERISKBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Asterisk.Host == "" {
		errs = append(errs, "asterisk.host is required")
	}
	if c.Asterisk.Port < 1 || c.Asterisk.Port > 65535 {
		errs = append(errs, "asterisk.port must be between 1 and 65535")
	}
	if c.Asterisk.Username == "" {
		errs = append(errs, "asterisk.username is required")
	}
	// The manager interface has no anonymous mode; an empty secret is a
	// configuration mistake, not a choice.
	if c.Asterisk.Secret == "" {
		errs = append(errs, "asterisk.secret is required (set ASTERISKBRIDGE_ASTERISK_SECRET environment variable)")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ManagerAddress returns the manager interface address in host:port form.
func (c *Config) ManagerAddress() string {
	return fmt.Sprintf("%s:%d", c.Asterisk.Host, c.Asterisk.Port)
}

// GetConnectTimeout returns the manager connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Asterisk.ConnectTimeout) * time.Second
}

// GetLoginTimeout returns the manager login timeout as a Duration.
func (c *Config) GetLoginTimeout() time.Duration {
	return time.Duration(c.Asterisk.LoginTimeout) * time.Second
}

// GetActionTimeout returns the manager action timeout as a Duration.
func (c *Config) GetActionTimeout() time.Duration {
	return time.Duration(c.Asterisk.ActionTimeout) * time.Second
}

// GetPingInterval returns the keepalive interval as a Duration.
// Negative means keepalive is disabled.
func (c *Config) GetPingInterval() time.Duration {
	return time.Duration(c.Asterisk.PingInterval) * time.Second
}

// GetInitialReconnectDelay returns the first reconnect delay as a Duration.
func (c *Config) GetInitialReconnectDelay() time.Duration {
	return time.Duration(c.Asterisk.Reconnect.InitialDelay) * time.Second
}

// GetMaxReconnectDelay returns the reconnect delay ceiling as a Duration.
func (c *Config) GetMaxReconnectDelay() time.Duration {
	return time.Duration(c.Asterisk.Reconnect.MaxDelay) * time.Second
}

// GetHealthInterval returns the health publishing interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetHistoryRetention returns the endpoint history retention as a Duration.
func (c *Config) GetHistoryRetention() time.Duration {
	return time.Duration(c.Bridge.HistoryRetentionDays) * 24 * time.Hour
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
