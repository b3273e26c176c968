package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	defaultBindAddress = "0.0.0.0"
	defaultWebPort     = 8081
	defaultMQTTPort    = 1883
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds all environment-driven configuration.
type Config struct {
	// Web listener configuration
	WebAddr        string `env:"SWITCHBOARD_WEB_ADDR"`
	WebBindAddress string `env:"SWITCHBOARD_WEB_BIND_ADDRESS,default=0.0.0.0"`
	WebPort        int    `env:"SWITCHBOARD_WEB_PORT,default=8081"`

	// Embedded MQTT listener configuration
	MQTTAddr        string `env:"SWITCHBOARD_MQTT_ADDR"`
	MQTTBindAddress string `env:"SWITCHBOARD_MQTT_BIND_ADDRESS,default=0.0.0.0"`
	MQTTPort        int    `env:"SWITCHBOARD_MQTT_PORT,default=1883"`

	// Logging options
	LogLevel  string `env:"SWITCHBOARD_LOG_LEVEL,default=info"`
	LogFormat string `env:"SWITCHBOARD_LOG_FORMAT,default=json"`

	// Persistence
	StoreDriver       string `env:"SWITCHBOARD_STORE_DRIVER,default=memory"`
	DatabaseDSN       string `env:"SWITCHBOARD_DATABASE_DSN"`
	DevicesConfigPath string `env:"SWITCHBOARD_DEVICES_CONFIG,default=./devices.hujson"`

	// Power settings file and refresh period
	PowerSettingsPath string `env:"SWITCHBOARD_POWER_SETTINGS,default=./power.hujson"`
	PowerRefresh      string `env:"SWITCHBOARD_POWER_REFRESH,default=30s"`

	// Secrets
	SigningKey string `env:"SWITCHBOARD_SIGNING_KEY"`
	APISecret  string `env:"SWITCHBOARD_API_SECRET"`
	AdminToken string `env:"SWITCHBOARD_ADMIN_TOKEN"`

	// Optional shared rate-limit counters
	RedisAddr     string `env:"SWITCHBOARD_REDIS_ADDR"`
	RedisPassword string `env:"SWITCHBOARD_REDIS_PASSWORD"`
	RedisDB       int    `env:"SWITCHBOARD_REDIS_DB,default=0"`

	// Optional activity stream
	AMQPURL      string `env:"SWITCHBOARD_AMQP_URL"`
	AMQPExchange string `env:"SWITCHBOARD_AMQP_EXCHANGE,default=switchboard.activity"`

	// Connection lifecycle tuning
	AdmissionLimit     int    `env:"SWITCHBOARD_ADMISSION_LIMIT,default=100"`
	AdmissionWindow    string `env:"SWITCHBOARD_ADMISSION_WINDOW,default=1m"`
	ReconnectInterval  string `env:"SWITCHBOARD_RECONNECT_INTERVAL,default=5s"`
	ReconnectAttempts  int    `env:"SWITCHBOARD_RECONNECT_ATTEMPTS,default=5"`
	ConflictWindow     string `env:"SWITCHBOARD_CONFLICT_WINDOW,default=30s"`
	ActivityBatchSize  int    `env:"SWITCHBOARD_ACTIVITY_BATCH_SIZE,default=50"`
	ActivityBatchDelay string `env:"SWITCHBOARD_ACTIVITY_BATCH_TIMEOUT,default=2s"`

	webAddr  netip.AddrPort
	mqttAddr netip.AddrPort

	durations Durations
}

// Durations are the parsed duration settings.
type Durations struct {
	PowerRefresh      time.Duration
	AdmissionWindow   time.Duration
	ReconnectInterval time.Duration
	ConflictWindow    time.Duration
	ActivityBatch     time.Duration
}

// Load reads an optional .env file and then configuration from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate ensures basic correctness of the configuration.
func (c *Config) Validate() error {
	if err := c.parseListenerAddrs(); err != nil {
		return err
	}
	if err := validateLogLevel(c.LogLevel); err != nil {
		return err
	}
	if err := validateLogFormat(c.LogFormat); err != nil {
		return err
	}
	switch c.StoreDriver {
	case StoreMemory:
		if c.DevicesConfigPath == "" {
			return fmt.Errorf("DevicesConfigPath cannot be empty with the memory store")
		}
	case StorePostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DatabaseDSN is required with the postgres store")
		}
	default:
		return fmt.Errorf("invalid store driver %q, must be 'memory' or 'postgres'", c.StoreDriver)
	}
	if c.SigningKey == "" {
		return fmt.Errorf("SigningKey cannot be empty")
	}
	if c.PowerSettingsPath == "" {
		return fmt.Errorf("PowerSettingsPath cannot be empty")
	}
	if c.AdmissionLimit < 1 {
		return fmt.Errorf("admission limit must be positive, got %d", c.AdmissionLimit)
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect attempts cannot be negative, got %d", c.ReconnectAttempts)
	}
	if c.ActivityBatchSize < 1 {
		return fmt.Errorf("activity batch size must be positive, got %d", c.ActivityBatchSize)
	}
	return c.parseDurations()
}

func (c *Config) parseDurations() error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"power refresh", c.PowerRefresh, &c.durations.PowerRefresh},
		{"admission window", c.AdmissionWindow, &c.durations.AdmissionWindow},
		{"reconnect interval", c.ReconnectInterval, &c.durations.ReconnectInterval},
		{"conflict window", c.ConflictWindow, &c.durations.ConflictWindow},
		{"activity batch timeout", c.ActivityBatchDelay, &c.durations.ActivityBatch},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", f.name, d)
		}
		*f.dst = d
	}
	return nil
}

func (c *Config) parseListenerAddrs() error {
	if c.WebBindAddress == "" {
		c.WebBindAddress = defaultBindAddress
	}
	if c.WebPort == 0 && !envVarSet("SWITCHBOARD_WEB_PORT") {
		c.WebPort = defaultWebPort
	}
	if err := validatePortRange("web", c.WebPort); err != nil {
		return err
	}
	webAddr := c.WebAddr
	if webAddr == "" {
		webAddr = fmt.Sprintf("%s:%d", c.WebBindAddress, c.WebPort)
	}
	parsedWeb, err := netip.ParseAddrPort(webAddr)
	if err != nil {
		return fmt.Errorf("invalid web addr %q: %w", webAddr, err)
	}
	c.webAddr = parsedWeb

	if c.MQTTBindAddress == "" {
		c.MQTTBindAddress = defaultBindAddress
	}
	if c.MQTTPort == 0 && !envVarSet("SWITCHBOARD_MQTT_PORT") {
		c.MQTTPort = defaultMQTTPort
	}
	if err := validatePortRange("MQTT", c.MQTTPort); err != nil {
		return err
	}
	mqttAddr := c.MQTTAddr
	if mqttAddr == "" {
		mqttAddr = fmt.Sprintf("%s:%d", c.MQTTBindAddress, c.MQTTPort)
	}
	parsedMQTT, err := netip.ParseAddrPort(mqttAddr)
	if err != nil {
		return fmt.Errorf("invalid MQTT addr %q: %w", mqttAddr, err)
	}
	c.mqttAddr = parsedMQTT

	if c.webAddr == c.mqttAddr {
		return fmt.Errorf("web and MQTT listeners cannot share %s", c.webAddr)
	}

	return nil
}

// WebAddrPort returns the parsed web listener address.
func (c *Config) WebAddrPort() netip.AddrPort {
	return c.webAddr
}

// MQTTAddrPort returns the parsed MQTT listener address.
func (c *Config) MQTTAddrPort() netip.AddrPort {
	return c.mqttAddr
}

// Timing returns the parsed duration settings. Validate must have run.
func (c *Config) Timing() Durations {
	return c.durations
}

func validatePortRange(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

func validateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", level)
	}
}

func validateLogFormat(format string) error {
	switch format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("invalid log format %q, must be 'json' or 'console'", format)
	}
}

func envVarSet(key string) bool {
	if key == "" {
		return false
	}
	_, ok := os.LookupEnv(key)
	return ok
}
