package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	AuthModeTrust = "trust"
	AuthModeJWT   = "jwt"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Broker   BrokerConfig   `yaml:"broker"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type BrokerConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxMissedPongs    int           `yaml:"max_missed_pongs"`
	SendBufferSize    int           `yaml:"send_buffer_size"`
	WriteWait         time.Duration `yaml:"write_wait"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	MailboxRetention  time.Duration `yaml:"mailbox_retention"`
	MailboxMaxPerUser int           `yaml:"mailbox_max_per_user"`
	MailboxSweep      string        `yaml:"mailbox_sweep"`
}

type AuthConfig struct {
	Mode        string `yaml:"mode"`
	JWTSecret   string `yaml:"jwt_secret"`
	// APIToken is the bearer token for the HTTP push API. In jwt mode a token
	// whose role claim is ServiceRole is accepted as well.
	APIToken    string `yaml:"api_token"`
	ServiceRole string `yaml:"service_role"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Broker: BrokerConfig{
			HeartbeatInterval: 30 * time.Second,
			MaxMissedPongs:    1,
			SendBufferSize:    256,
			WriteWait:         10 * time.Second,
			MaxMessageSize:    64 * 1024,
			MailboxRetention:  24 * time.Hour,
			MailboxMaxPerUser: 100,
			MailboxSweep:      "@every 1m",
		},
		Auth: AuthConfig{
			Mode:        AuthModeTrust,
			ServiceRole: "service",
		},
		Redis: RedisConfig{
			KeyPrefix: "broker:mailbox:",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads .env (if any), then the YAML file named by CONFIG_FILE or path,
// then environment variables. Later sources win.
func Load(path string) (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	setString("ADDR", &c.Server.Addr)
	if port := os.Getenv("PORT"); port != "" && os.Getenv("ADDR") == "" {
		c.Server.Addr = ":" + strings.TrimPrefix(port, ":")
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
	setString("AUTH_MODE", &c.Auth.Mode)
	setString("JWT_SECRET", &c.Auth.JWTSecret)
	setString("API_TOKEN", &c.Auth.APIToken)
	setString("SERVICE_ROLE", &c.Auth.ServiceRole)
	setString("DATABASE_URL", &c.Database.URL)
	setString("REDIS_ADDR", &c.Redis.Addr)
	setString("REDIS_PASSWORD", &c.Redis.Password)
	setString("REDIS_KEY_PREFIX", &c.Redis.KeyPrefix)
	setString("MAILBOX_SWEEP", &c.Broker.MailboxSweep)
	setString("LOG_LEVEL", &c.Log.Level)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"READ_TIMEOUT", &c.Server.ReadTimeout},
		{"WRITE_TIMEOUT", &c.Server.WriteTimeout},
		{"SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout},
		{"HEARTBEAT_INTERVAL", &c.Broker.HeartbeatInterval},
		{"WRITE_WAIT", &c.Broker.WriteWait},
		{"MAILBOX_RETENTION", &c.Broker.MailboxRetention},
	}
	for _, d := range durations {
		if err := setDuration(d.key, d.dst); err != nil {
			return err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_MISSED_PONGS", &c.Broker.MaxMissedPongs},
		{"SEND_BUFFER_SIZE", &c.Broker.SendBufferSize},
		{"MAILBOX_MAX_PER_USER", &c.Broker.MailboxMaxPerUser},
		{"REDIS_DB", &c.Redis.DB},
	}
	for _, i := range ints {
		if err := setInt(i.key, i.dst); err != nil {
			return err
		}
	}

	if value := os.Getenv("MAX_MESSAGE_SIZE"); value != "" {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer for MAX_MESSAGE_SIZE: %w", err)
		}
		c.Broker.MaxMessageSize = n
	}

	if value := os.Getenv("LOG_PRETTY"); value != "" {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for LOG_PRETTY: %w", err)
		}
		c.Log.Pretty = b
	}
	return nil
}

// Validate checks values that would make the broker misbehave.
func (c *Config) Validate() error {
	if c.Broker.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.Broker.MaxMissedPongs < 1 {
		return fmt.Errorf("max missed pongs must be at least 1")
	}
	if c.Broker.SendBufferSize < 1 {
		return fmt.Errorf("send buffer size must be at least 1")
	}
	if c.Broker.MailboxMaxPerUser < 0 {
		return fmt.Errorf("mailbox max per user cannot be negative")
	}

	switch c.Auth.Mode {
	case AuthModeTrust:
	case AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET environment variable is required in jwt auth mode")
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.Auth.Mode)
	}
	return nil
}

func setString(key string, dst *string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setDuration(key string, dst *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	*dst = duration
	return nil
}

func setInt(key string, dst *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	*dst = intValue
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
