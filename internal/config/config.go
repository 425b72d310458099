package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Hub      HubConfig      `mapstructure:"hub" yaml:"hub"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Readings ReadingsConfig `mapstructure:"readings" yaml:"readings"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`
	Ledger   LedgerConfig   `mapstructure:"ledger" yaml:"ledger"`
	Bus      BusConfig      `mapstructure:"bus" yaml:"bus"`
	Serial   SerialConfig   `mapstructure:"serial" yaml:"serial"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	Bridge   BridgeConfig   `mapstructure:"bridge" yaml:"bridge"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

type HubConfig struct {
	Name   string `mapstructure:"name" yaml:"name"`
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
}

type ServerConfig struct {
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver         string `mapstructure:"driver" yaml:"driver"`
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	Database       string `mapstructure:"database" yaml:"database"`
	User           string `mapstructure:"user" yaml:"user"`
	Password       string `mapstructure:"password" yaml:"password"`
	SSLMode        string `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
	AutoMigrate    bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// ReadingsConfig selects where power readings go. "postgres" shares the device mirror database.
type ReadingsConfig struct {
	Driver     string           `mapstructure:"driver" yaml:"driver"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse" yaml:"clickhouse"`
}

type ClickHouseConfig struct {
	Addresses []string `mapstructure:"addresses" yaml:"addresses"`
	Database  string   `mapstructure:"database" yaml:"database"`
	Username  string   `mapstructure:"username" yaml:"username"`
	Password  string   `mapstructure:"password" yaml:"password"`
}

type RedisConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

type RegistryConfig struct {
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CredentialTTL time.Duration `mapstructure:"credential_ttl" yaml:"credential_ttl"`
}

type LedgerConfig struct {
	NodeURL           string        `mapstructure:"node_url" yaml:"node_url"`
	RelayerURL        string        `mapstructure:"relayer_url" yaml:"relayer_url"`
	RelayerKey        string        `mapstructure:"relayer_key" yaml:"relayer_key"`
	ContractAddress   string        `mapstructure:"contract_address" yaml:"contract_address"`
	CallTimeout       time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	AcceptanceTimeout time.Duration `mapstructure:"acceptance_timeout" yaml:"acceptance_timeout"`
	ReceiptInterval   time.Duration `mapstructure:"receipt_interval" yaml:"receipt_interval"`
	PollEvents        bool          `mapstructure:"poll_events" yaml:"poll_events"`
	EventPollInterval time.Duration `mapstructure:"event_poll_interval" yaml:"event_poll_interval"`
	EventChunkSize    int           `mapstructure:"event_chunk_size" yaml:"event_chunk_size"`
}

type BusConfig struct {
	Driver             string        `mapstructure:"driver" yaml:"driver"`
	BrokerURL          string        `mapstructure:"broker_url" yaml:"broker_url"`
	Username           string        `mapstructure:"username" yaml:"username"`
	Password           string        `mapstructure:"password" yaml:"password"`
	ClientID           string        `mapstructure:"client_id" yaml:"client_id"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	StreamInterval     time.Duration `mapstructure:"stream_interval" yaml:"stream_interval"`
}

type SerialConfig struct {
	BaudRate     int           `mapstructure:"baud_rate" yaml:"baud_rate"`
	PortPatterns []string      `mapstructure:"port_patterns" yaml:"port_patterns"`
	USBVendorIDs []string      `mapstructure:"usb_vendor_ids" yaml:"usb_vendor_ids"`
	ScanInterval time.Duration `mapstructure:"scan_interval" yaml:"scan_interval"`
	SettleDelay  time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
}

type SessionConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	LoopInterval     time.Duration `mapstructure:"loop_interval" yaml:"loop_interval"`
	Threshold        float64       `mapstructure:"threshold" yaml:"threshold"`
	MinBackoff       time.Duration `mapstructure:"min_backoff" yaml:"min_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

type BridgeConfig struct {
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

type APIConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	HTTPPort  int    `mapstructure:"http_port" yaml:"http_port"`
	TokenHash string `mapstructure:"token_hash" yaml:"token_hash"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// Load reads the optional YAML file at path and applies HUB_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hub.name", "")
	v.SetDefault("hub.api_key", "")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "estatehub")
	v.SetDefault("database.user", "estatehub")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("readings.driver", "postgres")
	v.SetDefault("readings.clickhouse.addresses", []string{"localhost:9000"})
	v.SetDefault("readings.clickhouse.database", "estatehub")
	v.SetDefault("readings.clickhouse.username", "default")
	v.SetDefault("readings.clickhouse.password", "")

	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("registry.base_url", "http://localhost:8000/hubs")
	v.SetDefault("registry.timeout", "10s")
	v.SetDefault("registry.credential_ttl", "1h")

	v.SetDefault("ledger.node_url", "")
	v.SetDefault("ledger.relayer_url", "")
	v.SetDefault("ledger.relayer_key", "")
	v.SetDefault("ledger.contract_address", "")
	v.SetDefault("ledger.call_timeout", "15s")
	v.SetDefault("ledger.acceptance_timeout", "5m")
	v.SetDefault("ledger.receipt_interval", "5s")
	v.SetDefault("ledger.poll_events", false)
	v.SetDefault("ledger.event_poll_interval", "10s")
	v.SetDefault("ledger.event_chunk_size", 100)

	v.SetDefault("bus.driver", "mqtt")
	v.SetDefault("bus.broker_url", "ssl://localhost:8883")
	v.SetDefault("bus.username", "")
	v.SetDefault("bus.password", "")
	v.SetDefault("bus.client_id", "")
	v.SetDefault("bus.insecure_skip_verify", false)
	v.SetDefault("bus.connect_timeout", "10s")
	v.SetDefault("bus.stream_interval", "3s")

	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.port_patterns", []string{"/dev/ttyACM*", "/dev/ttyUSB*"})
	v.SetDefault("serial.usb_vendor_ids", []string{})
	v.SetDefault("serial.scan_interval", "5s")
	v.SetDefault("serial.settle_delay", "2s")

	v.SetDefault("session.handshake_timeout", "2s")
	v.SetDefault("session.read_timeout", "1s")
	v.SetDefault("session.loop_interval", "2s")
	v.SetDefault("session.threshold", 50.0)
	v.SetDefault("session.min_backoff", "1s")
	v.SetDefault("session.max_backoff", "60s")

	v.SetDefault("bridge.queue_size", 64)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.http_port", 8080)
	v.SetDefault("api.token_hash", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

func (c *Config) Validate() error {
	if c.Hub.Name == "" {
		return fmt.Errorf("hub.name is required")
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown database driver: %q", c.Database.Driver)
	}
	switch c.Readings.Driver {
	case "postgres", "clickhouse", "memory":
	default:
		return fmt.Errorf("unknown readings driver: %q", c.Readings.Driver)
	}
	if c.Database.Driver == "memory" && c.Readings.Driver == "postgres" {
		c.Readings.Driver = "memory"
	}
	switch c.Bus.Driver {
	case "mqtt", "nats":
	default:
		return fmt.Errorf("unknown bus driver: %q", c.Bus.Driver)
	}
	if c.Session.Threshold <= 0 {
		return fmt.Errorf("session.threshold must be positive")
	}
	if c.Session.LoopInterval <= 0 || c.Session.HandshakeTimeout <= 0 || c.Serial.ScanInterval <= 0 {
		return fmt.Errorf("session and scan intervals must be positive")
	}
	if c.Bridge.QueueSize <= 0 {
		return fmt.Errorf("bridge.queue_size must be positive")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// Topic helpers keep every hub-scoped bus topic in one place.
func (h *HubConfig) CommandTopic() string {
	return h.Name + "/commands"
}

func (h *HubConfig) PowerTopic(deviceID int64) string {
	return fmt.Sprintf("%s/power/%d", h.Name, deviceID)
}
