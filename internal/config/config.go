package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath      = "/etc/hft/hft-config.yaml"
	DefaultSessionID = "paper-session"
	DefaultHost      = "127.0.0.1"
	DefaultPort      = 8137

	BridgePaper = "paper"
)

// Config holds the bridge configuration: the YAML file, then environment
// overrides, then command-line overrides
type Config struct {
	// Service name
	ServiceName string `yaml:"-"`

	// Log level: debug, info, warn, error
	LogLevel string `yaml:"log_level"`

	// gRPC health server port
	GRPCPort int `yaml:"grpc_port"`

	// HTTP health server port
	HTTPPort int `yaml:"http_port"`

	// SessionID selects the market and is sent in the advisor handshake
	SessionID string `yaml:"sessid"`

	Advisor AdvisorConfig `yaml:"advisor"`
	Broker  BrokerConfig  `yaml:"broker"`
	Journal JournalConfig `yaml:"journal"`
	Paper   PaperConfig   `yaml:"paper"`
	Markets []Market      `yaml:"markets"`

	// Market is the entry of Markets matching SessionID, set by Load
	Market Market `yaml:"-"`
}

// AdvisorConfig describes the advisor link
type AdvisorConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ConnectAttempts   int           `yaml:"connect_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	MaxLineBytes      int           `yaml:"max_line_bytes"`
}

// BrokerConfig tunes the broker reconnect policy
type BrokerConfig struct {
	LightReconnects int           `yaml:"light_reconnects"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	// WatchdogTimeout of zero disables the feed watchdog
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout"`
}

// JournalConfig configures the audit journal. An empty Path disables it.
type JournalConfig struct {
	Path         string   `yaml:"path"`
	Sink         string   `yaml:"sink"` // none, kafka or nats
	Topic        string   `yaml:"topic"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	NATSURL      string   `yaml:"nats_url"`
	// Retention bounds how long published entries are kept. Zero keeps them forever.
	Retention time.Duration `yaml:"retention"`
}

// PaperConfig configures the paper platform and its synthetic feed
type PaperConfig struct {
	Balance      float64            `yaml:"balance"`
	Leverage     float64            `yaml:"leverage"`
	LotSize      float64            `yaml:"lot_size"`
	FeedInterval time.Duration      `yaml:"feed_interval"`
	Prices       map[string]float64 `yaml:"prices"`
}

// Market is one broker account the bridge can serve
type Market struct {
	Bridge      string   `yaml:"bridge"`
	SessionID   string   `yaml:"sessid"`
	Auth        Auth     `yaml:"auth"`
	Instruments []string `yaml:"instruments"`
}

// Auth holds broker credentials
type Auth struct {
	Account  string `yaml:"account"` // demo or live
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
}

// Overrides are command-line values. Zero values leave the loaded value alone.
type Overrides struct {
	Host      string
	Port      int
	SessionID string
}

// Default returns the built-in defaults
func Default(serviceName string) *Config {
	return &Config{
		ServiceName: serviceName,
		LogLevel:    "info",
		GRPCPort:    50051,
		HTTPPort:    8080,
		SessionID:   DefaultSessionID,
		Advisor: AdvisorConfig{
			Host:              DefaultHost,
			Port:              DefaultPort,
			ConnectAttempts:   7,
			RetryDelay:        time.Second,
			ReconnectInterval: 5 * time.Second,
			MaxLineBytes:      1 << 20,
		},
		Broker: BrokerConfig{
			LightReconnects: 3,
			RetryInterval:   60 * time.Second,
			ConnectTimeout:  10 * time.Second,
		},
		Journal: JournalConfig{
			Sink:         "none",
			Topic:        "bridge.events",
			KafkaBrokers: []string{"127.0.0.1:9092"},
			NATSURL:      "nats://127.0.0.1:4222",
			Retention:    24 * time.Hour,
		},
		Paper: PaperConfig{
			Balance:      10000,
			Leverage:     100,
			LotSize:      100000,
			FeedInterval: time.Second,
		},
	}
}

// Load reads the YAML file at path, applies environment and command-line
// overrides, selects the market for the session id and validates the result
func Load(serviceName, path string, flags Overrides) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default(serviceName)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyFlagOverrides(cfg, flags)

	if err := cfg.selectMarket(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.LogLevel = getEnvAsString("LOG_LEVEL", cfg.LogLevel)
	cfg.GRPCPort = getEnvAsInt("PORT_GRPC", cfg.GRPCPort)
	cfg.HTTPPort = getEnvAsInt("PORT_HTTP", cfg.HTTPPort)
	cfg.SessionID = getEnvAsString("SESSION_ID", cfg.SessionID)

	cfg.Advisor.Host = getEnvAsString("ADVISOR_HOST", cfg.Advisor.Host)
	cfg.Advisor.Port = getEnvAsInt("ADVISOR_PORT", cfg.Advisor.Port)
	cfg.Advisor.ReadTimeout = getEnvAsDuration("ADVISOR_READ_TIMEOUT", cfg.Advisor.ReadTimeout)

	cfg.Broker.WatchdogTimeout = getEnvAsDuration("BROKER_WATCHDOG_TIMEOUT", cfg.Broker.WatchdogTimeout)

	cfg.Journal.Path = getEnvAsString("JOURNAL_PATH", cfg.Journal.Path)
	cfg.Journal.Sink = getEnvAsString("JOURNAL_SINK", cfg.Journal.Sink)
	cfg.Journal.Topic = getEnvAsString("JOURNAL_TOPIC", cfg.Journal.Topic)
	cfg.Journal.NATSURL = getEnvAsString("NATS_URL", cfg.Journal.NATSURL)
	cfg.Journal.Retention = getEnvAsDuration("JOURNAL_RETENTION", cfg.Journal.Retention)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Journal.KafkaBrokers = splitList(v)
	}
}

func applyFlagOverrides(cfg *Config, flags Overrides) {
	if flags.Host != "" {
		cfg.Advisor.Host = flags.Host
	}
	if flags.Port != 0 {
		cfg.Advisor.Port = flags.Port
	}
	if flags.SessionID != "" {
		cfg.SessionID = flags.SessionID
	}
}

func (c *Config) selectMarket() error {
	for _, m := range c.Markets {
		if m.SessionID == c.SessionID {
			c.Market = m
			return nil
		}
	}
	return fmt.Errorf("no market configured for session %q", c.SessionID)
}

// Validate checks the selected market and the advisor endpoint
func (c *Config) Validate() error {
	if c.Advisor.Host == "" {
		return fmt.Errorf("advisor host is empty")
	}
	if c.Advisor.Port <= 0 || c.Advisor.Port > 65535 {
		return fmt.Errorf("invalid advisor port %d", c.Advisor.Port)
	}
	if len(c.Market.Instruments) == 0 {
		return fmt.Errorf("market %q has no instruments", c.Market.SessionID)
	}
	for _, sym := range c.Market.Instruments {
		if strings.TrimSpace(sym) == "" {
			return fmt.Errorf("market %q has an empty instrument", c.Market.SessionID)
		}
	}

	switch c.Market.Auth.Account {
	case "", "demo", "live":
	default:
		return fmt.Errorf("invalid account type %q, expected demo or live", c.Market.Auth.Account)
	}
	if c.Market.Bridge != BridgePaper && (c.Market.Auth.Login == "" || c.Market.Auth.Password == "") {
		return fmt.Errorf("market %q requires login and password", c.Market.SessionID)
	}

	if c.Journal.Retention < 0 {
		return fmt.Errorf("invalid journal retention %s", c.Journal.Retention)
	}
	switch c.Journal.Sink {
	case "none", "kafka", "nats":
	default:
		return fmt.Errorf("invalid journal sink %q", c.Journal.Sink)
	}
	return nil
}

// GRPCAddr returns the gRPC server address
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// HTTPAddr returns the HTTP server address
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
