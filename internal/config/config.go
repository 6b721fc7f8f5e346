// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Relay() RelayConfig
	Browser() BrowserConfig
	Driver() DriverConfig
	Transport() TransportConfig
	NATS() NATSConfig
	Database() DatabaseConfig
	Content() ContentConfig

	SetTransportMode(mode string)
	SetRelayURL(url string)
	SetDriverStrictKeys(b bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	RelayCfg     RelayConfig     `mapstructure:"relay" yaml:"relay"`
	BrowserCfg   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	DriverCfg    DriverConfig    `mapstructure:"driver" yaml:"driver"`
	TransportCfg TransportConfig `mapstructure:"transport" yaml:"transport"`
	NATSCfg      NATSConfig      `mapstructure:"nats" yaml:"nats"`
	DatabaseCfg  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	ContentCfg   ContentConfig   `mapstructure:"content" yaml:"content"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Relay() RelayConfig         { return c.RelayCfg }
func (c *Config) Browser() BrowserConfig     { return c.BrowserCfg }
func (c *Config) Driver() DriverConfig       { return c.DriverCfg }
func (c *Config) Transport() TransportConfig { return c.TransportCfg }
func (c *Config) NATS() NATSConfig           { return c.NATSCfg }
func (c *Config) Database() DatabaseConfig   { return c.DatabaseCfg }
func (c *Config) Content() ContentConfig     { return c.ContentCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetTransportMode(mode string) { c.TransportCfg.Mode = mode }
func (c *Config) SetRelayURL(url string)       { c.TransportCfg.RelayURL = url }
func (c *Config) SetDriverStrictKeys(b bool)   { c.DriverCfg.StrictKeys = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// RelayConfig configures the background relay's listeners.
type RelayConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
	// ExtensionID is the identity external (web) connections must present.
	ExtensionID    string        `mapstructure:"extension_id" yaml:"extension_id"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	PingInterval   time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// RateLimit is the sustained envelopes per second accepted from a single link.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// BrowserConfig points the driver at a running browser.
type BrowserConfig struct {
	// DebuggerURL is either the http://host:port of the DevTools endpoint or a ws:// browser URL.
	DebuggerURL    string        `mapstructure:"debugger_url" yaml:"debugger_url"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	WatchTabs      bool          `mapstructure:"watch_tabs" yaml:"watch_tabs"`
}

// DriverConfig tunes the input driver.
type DriverConfig struct {
	// StrictKeys makes unmapped key names an error instead of a warning.
	StrictKeys bool  `mapstructure:"strict_keys" yaml:"strict_keys"`
	Seed       int64 `mapstructure:"seed" yaml:"seed"`
}

// TransportConfig configures how a peer context reaches the relay.
type TransportConfig struct {
	// Mode is "port" (persistent websocket) or "message" (NATS request/reply).
	Mode        string        `mapstructure:"mode" yaml:"mode"`
	RelayURL    string        `mapstructure:"relay_url" yaml:"relay_url"`
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
}

// NATSConfig configures the one-shot message transport. An empty URL disables it.
type NATSConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	Subject       string        `mapstructure:"subject" yaml:"subject"`
	Name          string        `mapstructure:"name" yaml:"name"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
}

// DatabaseConfig holds the database connection details for the settings store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ContentConfig tunes content-side targeting.
type ContentConfig struct {
	ScrollSettle     time.Duration `mapstructure:"scroll_settle" yaml:"scroll_settle"`
	MaxScrollRetries int           `mapstructure:"max_scroll_retries" yaml:"max_scroll_retries"`
}

// Transport modes.
const (
	ModePort    = "port"
	ModeMessage = "message"
)

// NewDefaultConfig creates a new configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "webext-auto")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Relay --
	v.SetDefault("relay.listen", "127.0.0.1:9333")
	v.SetDefault("relay.extension_id", "webext-auto")
	v.SetDefault("relay.allowed_origins", []string{"chrome-extension://"})
	v.SetDefault("relay.ping_interval", "30s")
	v.SetDefault("relay.write_timeout", "10s")
	v.SetDefault("relay.rate_limit", 200.0)
	v.SetDefault("relay.rate_burst", 400)

	// -- Browser --
	v.SetDefault("browser.debugger_url", "http://127.0.0.1:9222")
	v.SetDefault("browser.command_timeout", "10s")
	v.SetDefault("browser.watch_tabs", true)

	// -- Driver --
	v.SetDefault("driver.strict_keys", false)
	v.SetDefault("driver.seed", 0)

	// -- Transport --
	v.SetDefault("transport.mode", ModePort)
	v.SetDefault("transport.relay_url", "ws://127.0.0.1:9333")
	v.SetDefault("transport.call_timeout", "30s")

	// -- NATS --
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "webext")
	v.SetDefault("nats.name", "webext-auto")
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.max_reconnects", 60)

	// -- Database --
	v.SetDefault("database.url", "")

	// -- Content --
	v.SetDefault("content.scroll_settle", "2s")
	v.SetDefault("content.max_scroll_retries", 3)
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("database.url", "WEBEXT_DATABASE_URL")
	_ = v.BindEnv("relay.extension_id", "WEBEXT_EXTENSION_ID")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.RelayCfg.Listen == "" {
		return fmt.Errorf("relay.listen is a required configuration field")
	}
	if c.RelayCfg.ExtensionID == "" {
		return fmt.Errorf("relay.extension_id is a required configuration field")
	}
	if c.RelayCfg.RateLimit < 0 || c.RelayCfg.RateBurst < 0 {
		return fmt.Errorf("relay.rate_limit and relay.rate_burst must not be negative")
	}
	if c.RelayCfg.RateLimit > 0 && c.RelayCfg.RateBurst == 0 {
		return fmt.Errorf("relay.rate_burst must be positive when relay.rate_limit is set")
	}
	switch c.TransportCfg.Mode {
	case ModePort, ModeMessage:
	default:
		return fmt.Errorf("transport.mode must be %q or %q, got %q", ModePort, ModeMessage, c.TransportCfg.Mode)
	}
	if c.TransportCfg.Mode == ModeMessage && c.NATSCfg.URL == "" {
		return fmt.Errorf("nats.url is required when transport.mode is %q", ModeMessage)
	}
	if c.TransportCfg.CallTimeout < 0 {
		return fmt.Errorf("transport.call_timeout must not be negative")
	}
	if c.BrowserCfg.CommandTimeout <= 0 {
		return fmt.Errorf("browser.command_timeout must be positive")
	}
	if c.ContentCfg.MaxScrollRetries < 0 {
		return fmt.Errorf("content.max_scroll_retries must not be negative")
	}
	return nil
}
