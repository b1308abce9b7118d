package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Pairing modes.
const (
	// PairingModeWindow admits newly discovered receivers only while a
	// pairing window is open.
	PairingModeWindow = "window"

	// PairingModeContinuous admits every announcement unconditionally.
	PairingModeContinuous = "continuous"
)

// Config is the root configuration structure for the Gray Logic cast bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge    BridgeConfig    `yaml:"bridge"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Cast      CastConfig      `yaml:"cast"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BridgeConfig identifies this bridge instance on the hub bus.
type BridgeConfig struct {
	ID string `yaml:"id"`

	// HealthInterval is the health publish period in seconds.
	HealthInterval int `yaml:"health_interval"`
}

// DiscoveryConfig controls the mDNS browser.
type DiscoveryConfig struct {
	Service        string `yaml:"service"`
	Domain         string `yaml:"domain"`
	BrowseInterval int    `yaml:"browse_interval"` // seconds between rounds
	BrowseTimeout  int    `yaml:"browse_timeout"`  // seconds each round listens
	MissThreshold  int    `yaml:"miss_threshold"`  // rounds before withdrawal
	IPv6           bool   `yaml:"ipv6"`
}

// PairingConfig controls admission of newly discovered receivers.
type PairingConfig struct {
	Mode    string `yaml:"mode"`
	Timeout int    `yaml:"timeout"` // seconds
}

// CastConfig contains receiver connection settings.
type CastConfig struct {
	Port              int    `yaml:"port"`
	DefaultAppID      string `yaml:"default_app_id"`
	ConnectTimeout    int    `yaml:"connect_timeout"`
	CommandTimeout    int    `yaml:"command_timeout"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"`

	// AvailabilityTTL caches app availability probes, in seconds. Zero
	// re-probes on every power-on write.
	AvailabilityTTL int `yaml:"availability_ttl"`
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

// String redacts the password so credentials never reach the logs.
func (a MQTTAuthConfig) String() string {
	if a.Password == "" {
		return fmt.Sprintf("{username:%q}", a.Username)
	}
	return fmt.Sprintf("{username:%q password:[REDACTED]}", a.Username)
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains the management HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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
// Environment variables follow the pattern GRAYLOGIC_CAST_SECTION_KEY,
// for example GRAYLOGIC_CAST_MQTT_HOST.
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

// Default returns the built-in configuration with environment overrides
// applied. Used when no config file is present.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "cast-bridge-01",
			HealthInterval: 30,
		},
		Discovery: DiscoveryConfig{
			Service:        "_googlecast._tcp",
			Domain:         "local",
			BrowseInterval: 30,
			BrowseTimeout:  5,
			MissThreshold:  3,
		},
		Pairing: PairingConfig{
			Mode:    PairingModeWindow,
			Timeout: 60,
		},
		Cast: CastConfig{
			Port:              8009,
			DefaultAppID:      "CC1AD845",
			ConnectTimeout:    10,
			CommandTimeout:    10,
			HeartbeatInterval: 5,
			AvailabilityTTL:   30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-cast",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
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
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
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
	if v := os.Getenv("GRAYLOGIC_CAST_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}

	if v := os.Getenv("GRAYLOGIC_CAST_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := envInt("GRAYLOGIC_CAST_MQTT_PORT"); v != 0 {
		cfg.MQTT.Broker.Port = v
	}
	if v := os.Getenv("GRAYLOGIC_CAST_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_CAST_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("GRAYLOGIC_CAST_PAIRING_MODE"); v != "" {
		cfg.Pairing.Mode = v
	}
	if v := os.Getenv("GRAYLOGIC_CAST_DEFAULT_APP_ID"); v != "" {
		cfg.Cast.DefaultAppID = v
	}

	if v := os.Getenv("GRAYLOGIC_CAST_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := envInt("GRAYLOGIC_CAST_API_PORT"); v != 0 {
		cfg.API.Port = v
	}

	if v := os.Getenv("GRAYLOGIC_CAST_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// envInt returns the integer value of an environment variable, or 0 when
// unset or unparseable.
func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}

	if c.Discovery.Service == "" {
		errs = append(errs, "discovery.service is required")
	}
	if c.Discovery.BrowseTimeout < 1 {
		errs = append(errs, "discovery.browse_timeout must be at least 1 second")
	}
	if c.Discovery.BrowseInterval < c.Discovery.BrowseTimeout {
		errs = append(errs, "discovery.browse_interval must not be shorter than discovery.browse_timeout")
	}
	if c.Discovery.MissThreshold < 1 {
		errs = append(errs, "discovery.miss_threshold must be at least 1")
	}

	switch c.Pairing.Mode {
	case PairingModeWindow:
		if c.Pairing.Timeout < 1 {
			errs = append(errs, "pairing.timeout must be at least 1 second in window mode")
		}
	case PairingModeContinuous:
	default:
		errs = append(errs, fmt.Sprintf("pairing.mode must be %q or %q", PairingModeWindow, PairingModeContinuous))
	}

	if c.Cast.Port < 1 || c.Cast.Port > 65535 {
		errs = append(errs, "cast.port must be between 1 and 65535")
	}
	if c.Cast.DefaultAppID == "" {
		errs = append(errs, "cast.default_app_id is required")
	}
	if c.Cast.ConnectTimeout < 1 || c.Cast.CommandTimeout < 1 {
		errs = append(errs, "cast.connect_timeout and cast.command_timeout must be at least 1 second")
	}
	if c.Cast.HeartbeatInterval < 1 {
		errs = append(errs, "cast.heartbeat_interval must be at least 1 second")
	}
	if c.Cast.AvailabilityTTL < 0 {
		errs = append(errs, "cast.availability_ttl cannot be negative")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
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

// GetHealthInterval returns the health publish period.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetPairingTimeout returns the default pairing window length.
func (c *Config) GetPairingTimeout() time.Duration {
	return time.Duration(c.Pairing.Timeout) * time.Second
}

// GetBrowseInterval returns the period between discovery rounds.
func (c *Config) GetBrowseInterval() time.Duration {
	return time.Duration(c.Discovery.BrowseInterval) * time.Second
}

// GetBrowseTimeout returns how long a discovery round listens for answers.
func (c *Config) GetBrowseTimeout() time.Duration {
	return time.Duration(c.Discovery.BrowseTimeout) * time.Second
}

// GetConnectTimeout returns the receiver dial and handshake timeout.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Cast.ConnectTimeout) * time.Second
}

// GetCommandTimeout returns the per-command round-trip timeout.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.Cast.CommandTimeout) * time.Second
}

// GetHeartbeatInterval returns the receiver PING period.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.Cast.HeartbeatInterval) * time.Second
}

// GetAvailabilityTTL returns how long app availability probes are cached.
func (c *Config) GetAvailabilityTTL() time.Duration {
	return time.Duration(c.Cast.AvailabilityTTL) * time.Second
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
