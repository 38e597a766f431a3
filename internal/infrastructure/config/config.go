package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the LumenCache bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site       SiteConfig       `yaml:"site"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	LumenCache LumenCacheConfig `yaml:"lumencache"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
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
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
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

// LumenCacheConfig lists the bus adapters and the tuning shared by all of them.
type LumenCacheConfig struct {
	SerialAdapters []SerialAdapterConfig `yaml:"serial_adapters"`
	TCPAdapters    []TCPAdapterConfig    `yaml:"tcp_adapters"`
	ExpertSettings ExpertSettings        `yaml:"expert_settings"`
	Discovery      DiscoveryConfig       `yaml:"discovery"`

	// HealthInterval is how often each adapter publishes health.
	// Default: 30s
	HealthInterval time.Duration `yaml:"health_interval"`
}

// SerialAdapterConfig describes an adapter on a local serial port.
type SerialAdapterConfig struct {
	// ID identifies the adapter in topics. Generated when empty.
	ID    string `yaml:"id"`
	Title string `yaml:"title"`

	// Port is the serial device, e.g. "/dev/ttyUSB0" or "COM3".
	Port string `yaml:"port"`

	// BaudRate defaults to 38400.
	BaudRate int `yaml:"baud_rate"`
}

// TCPAdapterConfig describes an adapter behind a serial-over-TCP gateway.
type TCPAdapterConfig struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
}

// ExpertSettings tunes bus timing. The defaults suit a healthy bus.
type ExpertSettings struct {
	// MaxID is the highest address discovery enumerates. Assignment is
	// always limited to 5..240. Default: 240
	MaxID int `yaml:"max_id"`

	// TxDelayMS is the minimum gap between answered commands.
	// Zero disables the gap. Default: 200
	TxDelayMS int `yaml:"tx_delay_ms"`

	// ResponseTimeoutMS is the default reply window. Default: 500
	ResponseTimeoutMS int `yaml:"response_timeout_ms"`

	// TimeoutsMS overrides the reply window per command kind, keyed by
	// kind name (e.g. "hail", "activate_scene").
	TimeoutsMS map[string]int `yaml:"timeouts_ms"`
}

// DiscoveryConfig controls automatic discovery.
type DiscoveryConfig struct {
	// OnStart runs a discovery round on every adapter at startup.
	// Default: true
	OnStart bool `yaml:"on_start"`
}

// AdapterKind distinguishes the adapter transports.
type AdapterKind string

const (
	AdapterSerial AdapterKind = "serial"
	AdapterTCP    AdapterKind = "tcp"
)

// Adapter is the transport-neutral view of a configured adapter.
type Adapter struct {
	Kind     AdapterKind
	ID       string
	Title    string
	Port     string
	BaudRate int
	Host     string
	TCPPort  int
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: LUMENCACHE_SECTION_KEY
// For example: LUMENCACHE_DATABASE_PATH, LUMENCACHE_API_PORT
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
	cfg.assignAdapterIDs()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "LumenCache",
		},
		Database: DatabaseConfig{
			Path:        "./data/lumencache.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "lumencache-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		LumenCache: LumenCacheConfig{
			ExpertSettings: ExpertSettings{
				MaxID:             240,
				TxDelayMS:         200,
				ResponseTimeoutMS: 500,
			},
			Discovery:      DiscoveryConfig{OnStart: true},
			HealthInterval: 30 * time.Second,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: LUMENCACHE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("LUMENCACHE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("LUMENCACHE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("LUMENCACHE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("LUMENCACHE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("LUMENCACHE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("LUMENCACHE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("LUMENCACHE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("LUMENCACHE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// assignAdapterIDs gives every adapter without an id a random one.
func (c *Config) assignAdapterIDs() {
	for i := range c.LumenCache.SerialAdapters {
		if c.LumenCache.SerialAdapters[i].ID == "" {
			c.LumenCache.SerialAdapters[i].ID = uuid.NewString()
		}
	}
	for i := range c.LumenCache.TCPAdapters {
		if c.LumenCache.TCPAdapters[i].ID == "" {
			c.LumenCache.TCPAdapters[i].ID = uuid.NewString()
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	errs = append(errs, c.LumenCache.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (l *LumenCacheConfig) validate() []string {
	var errs []string

	if len(l.SerialAdapters)+len(l.TCPAdapters) == 0 {
		errs = append(errs, "lumencache: at least one serial or tcp adapter is required")
	}

	seen := make(map[string]bool)
	for _, a := range l.Adapters() {
		switch {
		case a.ID == "":
			errs = append(errs, "lumencache: adapter id is required")
			continue
		case strings.ContainsAny(a.ID, "/+#"):
			errs = append(errs, fmt.Sprintf("lumencache: adapter id %q must not contain MQTT wildcards or '/'", a.ID))
		case seen[a.ID]:
			errs = append(errs, fmt.Sprintf("lumencache: duplicate adapter id %q", a.ID))
		}
		seen[a.ID] = true

		switch a.Kind {
		case AdapterSerial:
			if a.Port == "" {
				errs = append(errs, fmt.Sprintf("lumencache: serial adapter %q needs a port", a.ID))
			}
			if a.BaudRate < 0 {
				errs = append(errs, fmt.Sprintf("lumencache: serial adapter %q has a negative baud_rate", a.ID))
			}
		case AdapterTCP:
			if a.Host == "" {
				errs = append(errs, fmt.Sprintf("lumencache: tcp adapter %q needs a host", a.ID))
			}
			if a.TCPPort < 1 || a.TCPPort > 65535 {
				errs = append(errs, fmt.Sprintf("lumencache: tcp adapter %q port must be between 1 and 65535", a.ID))
			}
		}
	}

	e := l.ExpertSettings
	if e.MaxID < 1 || e.MaxID > 252 {
		errs = append(errs, "lumencache.expert_settings.max_id must be between 1 and 252")
	}
	if e.TxDelayMS < 0 {
		errs = append(errs, "lumencache.expert_settings.tx_delay_ms must not be negative")
	}
	if e.ResponseTimeoutMS < 1 {
		errs = append(errs, "lumencache.expert_settings.response_timeout_ms must be positive")
	}

	return errs
}

// Adapters returns every configured adapter, serial first, in file order.
func (l *LumenCacheConfig) Adapters() []Adapter {
	out := make([]Adapter, 0, len(l.SerialAdapters)+len(l.TCPAdapters))
	for _, s := range l.SerialAdapters {
		out = append(out, Adapter{Kind: AdapterSerial, ID: s.ID, Title: s.Title, Port: s.Port, BaudRate: s.BaudRate})
	}
	for _, t := range l.TCPAdapters {
		out = append(out, Adapter{Kind: AdapterTCP, ID: t.ID, Title: t.Title, Host: t.Host, TCPPort: t.Port})
	}
	return out
}

// TxDelay returns the command spacing. A negative value disables it.
func (e ExpertSettings) TxDelay() time.Duration {
	if e.TxDelayMS <= 0 {
		return -1
	}
	return time.Duration(e.TxDelayMS) * time.Millisecond
}

// ResponseTimeout returns the default reply window.
func (e ExpertSettings) ResponseTimeout() time.Duration {
	return time.Duration(e.ResponseTimeoutMS) * time.Millisecond
}

// GetHealthInterval returns the health interval, defaulting to 30s.
func (l *LumenCacheConfig) GetHealthInterval() time.Duration {
	if l.HealthInterval <= 0 {
		return 30 * time.Second
	}
	return l.HealthInterval
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
