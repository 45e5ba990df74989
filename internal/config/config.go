package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration. Both the
// gateway and the worker read the same file shape; each service
// validates only the sections it uses.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Platforms PlatformsConfig `yaml:"platforms"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue
// configuration. The broker only carries wake-up nudges, so both
// services run fine without it; Enabled false skips the connection
// entirely and the worker falls back to pure polling.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration. Zero values fall
// back to the worker package defaults, so only overrides need to be
// spelled out in the file.
type WorkerConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	BatchSize       int           `yaml:"batch_size"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	StaleCheckEvery time.Duration `yaml:"stale_check_every"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Backoff         BackoffConfig `yaml:"backoff"`
}

// BackoffConfig selects the retry delay strategy for failed jobs.
// Strategy is one of "constant", "linear" or "exponential"; empty
// picks the package default.
type BackoffConfig struct {
	Strategy string        `yaml:"strategy"`
	Interval time.Duration `yaml:"interval"`
	Max      time.Duration `yaml:"max"`
	Jitter   bool          `yaml:"jitter"`
}

// PlatformsConfig holds per-platform credentials. A platform whose
// credentials are absent is simply not registered, so a deployment can
// run with any subset of the adapters.
type PlatformsConfig struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Instagram InstagramConfig `yaml:"instagram"`
	TikTok    TikTokConfig    `yaml:"tiktok"`
}

// TelegramConfig holds Telegram Bot API credentials
type TelegramConfig struct {
	BotToken      string  `yaml:"bot_token"`
	WebhookSecret string  `yaml:"webhook_secret"`
	SendPerSecond float64 `yaml:"send_per_second"`
}

// Configured reports whether the section carries enough credentials to
// construct the adapter.
func (c TelegramConfig) Configured() bool {
	return c.BotToken != ""
}

// InstagramConfig holds Instagram Messaging API credentials
type InstagramConfig struct {
	AccessToken   string  `yaml:"access_token"`
	AccountID     string  `yaml:"account_id"`
	AppSecret     string  `yaml:"app_secret"`
	VerifyToken   string  `yaml:"verify_token"`
	SendPerSecond float64 `yaml:"send_per_second"`
}

func (c InstagramConfig) Configured() bool {
	return c.AccessToken != "" && c.AccountID != ""
}

// TikTokConfig holds TikTok open platform credentials
type TikTokConfig struct {
	ClientKey    string `yaml:"client_key"`
	ClientSecret string `yaml:"client_secret"`
	AccessToken  string `yaml:"access_token"`
}

func (c TikTokConfig) Configured() bool {
	return c.ClientKey != "" && c.ClientSecret != ""
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ApplyEnvOverrides replaces credential fields with environment values
// when set, so secrets stay out of the checked-in config files. Called
// after Load, typically with the environment populated from a .env
// file.
func (c *Config) ApplyEnvOverrides() {
	overlay(&c.Database.Password, "DATABASE_PASSWORD")
	overlay(&c.RabbitMQ.Password, "RABBITMQ_PASSWORD")
	overlay(&c.Platforms.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	overlay(&c.Platforms.Telegram.WebhookSecret, "TELEGRAM_WEBHOOK_SECRET")
	overlay(&c.Platforms.Instagram.AccessToken, "INSTAGRAM_ACCESS_TOKEN")
	overlay(&c.Platforms.Instagram.AccountID, "INSTAGRAM_ACCOUNT_ID")
	overlay(&c.Platforms.Instagram.AppSecret, "INSTAGRAM_APP_SECRET")
	overlay(&c.Platforms.Instagram.VerifyToken, "INSTAGRAM_VERIFY_TOKEN")
	overlay(&c.Platforms.TikTok.ClientKey, "TIKTOK_CLIENT_KEY")
	overlay(&c.Platforms.TikTok.ClientSecret, "TIKTOK_CLIENT_SECRET")
	overlay(&c.Platforms.TikTok.AccessToken, "TIKTOK_ACCESS_TOKEN")
}

func overlay(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// ValidateGateway checks the sections the gateway service uses.
func (c *Config) ValidateGateway() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	return c.validateRabbitMQ()
}

// ValidateWorker checks the sections the worker service uses.
func (c *Config) ValidateWorker() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.PollInterval < 0 {
		return fmt.Errorf("worker poll_interval must not be negative")
	}

	if c.Worker.BatchSize < 0 {
		return fmt.Errorf("worker batch_size must not be negative")
	}

	if c.Worker.JobTimeout < 0 {
		return fmt.Errorf("worker job_timeout must not be negative")
	}

	switch c.Worker.Backoff.Strategy {
	case "", "constant", "linear", "exponential":
	default:
		return fmt.Errorf("unknown backoff strategy: %q", c.Worker.Backoff.Strategy)
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if !c.RabbitMQ.Enabled {
		return nil
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required when rabbitmq is enabled")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
