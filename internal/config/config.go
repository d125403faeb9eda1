package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"classrelay/pkg/client"
)

// EnvPrefix prefixes every environment override, e.g. CLASSRELAY_HTTP_PORT.
const EnvPrefix = "CLASSRELAY"

// Config is the full relay configuration. Precedence is environment, then
// config file, then defaults.
type Config struct {
	Log         *LogConfig         `mapstructure:"log"`
	Database    *DatabaseConfig    `mapstructure:"database"`
	HTTP        *HTTPConfig        `mapstructure:"http"`
	WebSocket   *WebSocketConfig   `mapstructure:"websocket"`
	Session     *SessionConfig     `mapstructure:"session"`
	Translation *TranslationConfig `mapstructure:"translation"`
	Client      *ClientConfig      `mapstructure:"client"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	Path           string        `mapstructure:"path"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConnections int           `mapstructure:"max_connections"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// AllowedOrigins feeds both CORS and the WebSocket origin check.
	// "*" allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// WebSocketConfig tunes the server side of each socket.
type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// SessionConfig holds session lifecycle thresholds.
type SessionConfig struct {
	// GraceWindow is how long a teacher-less session stays resumable.
	GraceWindow time.Duration `mapstructure:"grace_window"`
	// MinDuration is the too_short threshold of the quality classifier.
	MinDuration time.Duration `mapstructure:"min_duration"`
}

type TranslationConfig struct {
	// Provider is "gemini" or "passthrough".
	Provider           string        `mapstructure:"provider"`
	Model              string        `mapstructure:"model"`
	APIKey             string        `mapstructure:"api_key"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxConcurrency     int           `mapstructure:"max_concurrency"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
}

// ClientConfig configures pkg/client connection managers built by the
// bundled CLI client.
type ClientConfig struct {
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	BaseDelay            time.Duration `mapstructure:"base_delay"`
	MaxDelay             time.Duration `mapstructure:"max_delay"`
	KeepaliveInterval    time.Duration `mapstructure:"keepalive_interval"`
	PongTimeout          time.Duration `mapstructure:"pong_timeout"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	OutboxSize           int           `mapstructure:"outbox_size"`
}

// DefaultConfig returns the defaults for a single classroom relay node.
func DefaultConfig() *Config {
	cc := client.DefaultConfig()
	return &Config{
		Log: &LogConfig{
			Level:       "info",
			Development: false,
		},
		Database: &DatabaseConfig{
			Path:           "./data/classrelay.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		HTTP: &HTTPConfig{
			Port:           8080,
			Host:           "0.0.0.0",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			BufferSize:     100,
			MaxMessageSize: 2 * 1024 * 1024,
		},
		Session: &SessionConfig{
			GraceWindow: 30 * time.Second,
			MinDuration: 2 * time.Minute,
		},
		Translation: &TranslationConfig{
			Provider:           "passthrough",
			Model:              "gemini-2.0-flash",
			Timeout:            8 * time.Second,
			MaxConcurrency:     8,
			RateLimitPerMinute: 100,
		},
		Client: &ClientConfig{
			MaxReconnectAttempts: cc.MaxReconnectAttempts,
			BaseDelay:            cc.BaseDelay,
			MaxDelay:             cc.MaxDelay,
			KeepaliveInterval:    cc.KeepaliveInterval,
			PongTimeout:          cc.PongTimeout,
			HandshakeTimeout:     cc.HandshakeTimeout,
			OutboxSize:           cc.OutboxSize,
		},
	}
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}

	if c.Session == nil {
		return fmt.Errorf("session configuration is required")
	}
	if c.Session.GraceWindow < 0 {
		return fmt.Errorf("session grace window cannot be negative")
	}
	if c.Session.MinDuration < 0 {
		return fmt.Errorf("session min duration cannot be negative")
	}

	if c.Translation == nil {
		return fmt.Errorf("translation configuration is required")
	}
	switch c.Translation.Provider {
	case "passthrough":
	case "gemini":
		if c.Translation.APIKey == "" {
			return fmt.Errorf("translation api key is required for the gemini provider")
		}
		if c.Translation.Model == "" {
			return fmt.Errorf("translation model cannot be empty")
		}
	default:
		return fmt.Errorf("unknown translation provider %q", c.Translation.Provider)
	}
	if c.Translation.Timeout <= 0 {
		return fmt.Errorf("translation timeout must be positive")
	}
	if c.Translation.MaxConcurrency <= 0 {
		return fmt.Errorf("translation max concurrency must be positive")
	}
	if c.Translation.RateLimitPerMinute <= 0 {
		return fmt.Errorf("translation rate limit must be positive")
	}

	if c.Client == nil {
		return fmt.Errorf("client configuration is required")
	}
	if err := c.Client.Options().Validate(); err != nil {
		return fmt.Errorf("client configuration: %w", err)
	}

	return nil
}

// Options converts the section into a pkg/client configuration.
func (c *ClientConfig) Options() client.Config {
	return client.Config{
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		BaseDelay:            c.BaseDelay,
		MaxDelay:             c.MaxDelay,
		KeepaliveInterval:    c.KeepaliveInterval,
		PongTimeout:          c.PongTimeout,
		HandshakeTimeout:     c.HandshakeTimeout,
		OutboxSize:           c.OutboxSize,
	}
}

// Load reads configuration from defaults, an optional file (YAML, JSON or
// TOML by extension) and CLASSRELAY_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("translation.api_key", EnvPrefix+"_TRANSLATION_API_KEY", "GEMINI_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind api key env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.timeout", d.Database.Timeout)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)

	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.allowed_origins", d.HTTP.AllowedOrigins)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)
	v.SetDefault("websocket.max_message_size", d.WebSocket.MaxMessageSize)

	v.SetDefault("session.grace_window", d.Session.GraceWindow)
	v.SetDefault("session.min_duration", d.Session.MinDuration)

	v.SetDefault("translation.provider", d.Translation.Provider)
	v.SetDefault("translation.model", d.Translation.Model)
	v.SetDefault("translation.api_key", d.Translation.APIKey)
	v.SetDefault("translation.timeout", d.Translation.Timeout)
	v.SetDefault("translation.max_concurrency", d.Translation.MaxConcurrency)
	v.SetDefault("translation.rate_limit_per_minute", d.Translation.RateLimitPerMinute)

	v.SetDefault("client.max_reconnect_attempts", d.Client.MaxReconnectAttempts)
	v.SetDefault("client.base_delay", d.Client.BaseDelay)
	v.SetDefault("client.max_delay", d.Client.MaxDelay)
	v.SetDefault("client.keepalive_interval", d.Client.KeepaliveInterval)
	v.SetDefault("client.pong_timeout", d.Client.PongTimeout)
	v.SetDefault("client.handshake_timeout", d.Client.HandshakeTimeout)
	v.SetDefault("client.outbox_size", d.Client.OutboxSize)
}
