// Package config handles configuration management with validation
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig       `yaml:"app"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Alerts    AlertConfig     `yaml:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name string `yaml:"name"`
}

// ExchangeConfig contains the Bitget API credentials and connection options
type ExchangeConfig struct {
	APIKey     Secret `yaml:"api_key"`
	SecretKey  Secret `yaml:"secret_key"`
	Passphrase Secret `yaml:"passphrase"`
	BaseURL    string `yaml:"base_url"`  // optional override for the API URL
	Simulated  bool   `yaml:"simulated"` // demo trading, adds the paptrading header
}

// DatabaseConfig selects the durable store. URL wins when set, then the
// POSTGRES_* tuple, otherwise a local SQLite file.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password Secret `yaml:"password"`
	Name     string `yaml:"name"`
	File     string `yaml:"file"` // sqlite fallback path
}

// DSN resolves the configured database into a single connection string.
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	if d.Host != "" {
		port := d.Port
		if port == "" {
			port = "5432"
		}
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(d.User, string(d.Password)),
			Host:   fmt.Sprintf("%s:%s", d.Host, port),
			Path:   "/" + d.Name,
		}
		return u.String()
	}
	if d.File != "" {
		return d.File
	}
	return "auto_trader.db"
}

// ServerConfig contains the status server settings
type ServerConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	WebDir         string   `yaml:"web_dir"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertConfig contains the optional notification channels
type AlertConfig struct {
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// FromEnv builds a configuration purely from environment variables, for
// deployments that ship no config file.
func FromEnv() (*Config, error) {
	config := &Config{
		Exchange: ExchangeConfig{
			APIKey:     Secret(os.Getenv("BITGET_API_KEY")),
			SecretKey:  Secret(os.Getenv("BITGET_SECRET_KEY")),
			Passphrase: Secret(os.Getenv("BITGET_PASSPHRASE")),
			BaseURL:    os.Getenv("BITGET_API_BASE_URL"),
			Simulated:  os.Getenv("BITGET_SIMULATED") == "1",
		},
		Database: DatabaseConfig{
			URL:      os.Getenv("DATABASE_URL"),
			Host:     os.Getenv("POSTGRES_HOST"),
			Port:     os.Getenv("POSTGRES_PORT"),
			User:     os.Getenv("POSTGRES_USER"),
			Password: Secret(os.Getenv("POSTGRES_PASSWORD")),
			Name:     os.Getenv("POSTGRES_DB"),
		},
		System: SystemConfig{
			LogLevel:     os.Getenv("LOG_LEVEL"),
			CancelOnExit: true,
		},
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "auto_trader"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateExchange(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateExchange() error {
	if c.Exchange.APIKey == "" {
		return ValidationError{
			Field:   "exchange.api_key",
			Message: "API key is required (BITGET_API_KEY)",
		}
	}
	if c.Exchange.SecretKey == "" {
		return ValidationError{
			Field:   "exchange.secret_key",
			Message: "secret key is required (BITGET_SECRET_KEY)",
		}
	}
	if c.Exchange.Passphrase == "" {
		return ValidationError{
			Field:   "exchange.passphrase",
			Message: "passphrase is required (BITGET_PASSPHRASE)",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Database.URL = maskDSN(configCopy.Database.URL)

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Describe returns a masked summary for operator-facing status output. The
// API key keeps its first and last characters so the operator can recognize
// which credential is loaded.
func (c *Config) Describe() map[string]string {
	baseURL := c.Exchange.BaseURL
	if baseURL == "" {
		baseURL = "default"
	}
	return map[string]string{
		"apiKey":    maskString(string(c.Exchange.APIKey)),
		"baseURL":   baseURL,
		"simulated": fmt.Sprintf("%t", c.Exchange.Simulated),
		"database":  maskDSN(c.Database.DSN()),
		"logLevel":  c.System.LogLevel,
	}
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable is critical for operation
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		"BITGET_API_KEY", "BITGET_SECRET_KEY", "BITGET_PASSPHRASE",
		"DATABASE_URL", "POSTGRES_PASSWORD",
	}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// maskDSN hides the password portion of a connection URL.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		App: AppConfig{Name: "auto_trader"},
		Exchange: ExchangeConfig{
			APIKey:     "test_api_key",
			SecretKey:  "test_secret_key",
			Passphrase: "test_passphrase",
		},
		Database: DatabaseConfig{
			File: "auto_trader_test.db",
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}
