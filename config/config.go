// Package config holds the chat client configuration.
package config

import (
	"fmt"
	"net/url"
	"time"

	chaterrors "github.com/edustream/classchat/errors"
	"github.com/edustream/classchat/logger"
)

// Config contains all configuration for the chat client.
type Config struct {
	Server    ServerConfig         `json:"server"    yaml:"server"`
	Auth      AuthConfig           `json:"auth"      yaml:"auth"`
	Transport TransportConfig      `json:"transport" yaml:"transport"`
	History   HistoryConfig        `json:"history"   yaml:"history"`
	Typing    TypingConfig         `json:"typing"    yaml:"typing"`
	Events    EventsConfig         `json:"events"    yaml:"events"`
	Session   SessionConfig        `json:"session"   yaml:"session"`
	Logging   logger.LoggingConfig `json:"logging"   yaml:"logging"`
	Metrics   MetricsConfig        `json:"metrics"   yaml:"metrics"`
	Tracing   TracingConfig        `json:"tracing"   yaml:"tracing"`
}

type ServerConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// AuthConfig locates the bearer credential. Token wins over TokenFile.
type AuthConfig struct {
	Token     string `json:"-"          yaml:"token"`
	TokenFile string `json:"token_file" yaml:"token_file"`
}

// TransportConfig is the realtime connection policy. Reconnection is always
// finite.
type TransportConfig struct {
	Path                 string        `json:"path"                  yaml:"path"`
	Reconnection         bool          `json:"reconnection"          yaml:"reconnection"`
	ReconnectionAttempts int           `json:"reconnection_attempts" yaml:"reconnection_attempts"`
	ReconnectionDelay    time.Duration `json:"reconnection_delay"    yaml:"reconnection_delay"`
	Timeout              time.Duration `json:"timeout"               yaml:"timeout"`
}

type HistoryConfig struct {
	PageSize       int           `json:"page_size"       yaml:"page_size"`
	LoadMoreLimit  int           `json:"load_more_limit" yaml:"load_more_limit"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	Cache          CacheConfig   `json:"cache"           yaml:"cache"`
}

// CacheConfig configures caching of older history pages.
type CacheConfig struct {
	Driver   string        `json:"driver"    yaml:"driver"` // "memory", "redis", "none"
	TTL      time.Duration `json:"ttl"       yaml:"ttl"`
	RedisURL string        `json:"redis_url" yaml:"redis_url"`
	Prefix   string        `json:"prefix"    yaml:"prefix"`
}

type TypingConfig struct {
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	// ReceiverExpiry drops remote typing entries with no fresh signal. 0 disables.
	ReceiverExpiry time.Duration `json:"receiver_expiry" yaml:"receiver_expiry"`
}

type EventsConfig struct {
	MessageBuffer int `json:"message_buffer" yaml:"message_buffer"`
	ErrorBuffer   int `json:"error_buffer"   yaml:"error_buffer"`
	TypingBuffer  int `json:"typing_buffer"  yaml:"typing_buffer"`
	RoomBuffer    int `json:"room_buffer"    yaml:"room_buffer"`
}

type SessionConfig struct {
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr"    yaml:"addr"`
}

// TracingConfig enables OTLP/HTTP export of history request spans. An empty
// endpoint disables tracing.
type TracingConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	Insecure     bool    `json:"insecure"      yaml:"insecure"`
	SampleRate   float64 `json:"sample_rate"   yaml:"sample_rate"`
	ServiceName  string  `json:"service_name"  yaml:"service_name"`
}

// Cache drivers.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8000",
		},
		Transport: TransportConfig{
			Path:                 "/socket.io/",
			Reconnection:         true,
			ReconnectionAttempts: 5,
			ReconnectionDelay:    1 * time.Second,
			Timeout:              20 * time.Second,
		},
		History: HistoryConfig{
			PageSize:       50,
			LoadMoreLimit:  50,
			RequestTimeout: 30 * time.Second,
			Cache: CacheConfig{
				Driver: CacheMemory,
				TTL:    10 * time.Minute,
				Prefix: "classchat:history:",
			},
		},
		Typing: TypingConfig{
			IdleTimeout:    3 * time.Second,
			ReceiverExpiry: 10 * time.Second,
		},
		Events: EventsConfig{
			MessageBuffer: 100,
			ErrorBuffer:   10,
			TypingBuffer:  10,
			RoomBuffer:    16,
		},
		Session: SessionConfig{
			ConnectTimeout: 30 * time.Second,
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9464",
		},
		Tracing: TracingConfig{
			SampleRate:  1,
			ServiceName: "classchat",
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return chaterrors.ErrInvalidConfig("server.base_url", fmt.Errorf("base url is required"))
	}

	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return chaterrors.ErrInvalidConfig("server.base_url", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return chaterrors.ErrInvalidConfig("server.base_url", fmt.Errorf("unsupported scheme %q", u.Scheme))
	}

	if c.Transport.Reconnection && c.Transport.ReconnectionAttempts < 1 {
		return chaterrors.ErrInvalidConfig("transport.reconnection_attempts", fmt.Errorf("must be >= 1 when reconnection is enabled"))
	}

	if c.Transport.ReconnectionDelay < 0 {
		return chaterrors.ErrInvalidConfig("transport.reconnection_delay", fmt.Errorf("must not be negative"))
	}

	if c.Transport.Timeout < 1*time.Second {
		return chaterrors.ErrInvalidConfig("transport.timeout", fmt.Errorf("must be >= 1s"))
	}

	if c.History.PageSize < 1 {
		return chaterrors.ErrInvalidConfig("history.page_size", fmt.Errorf("must be >= 1"))
	}

	if c.History.LoadMoreLimit < 1 {
		return chaterrors.ErrInvalidConfig("history.load_more_limit", fmt.Errorf("must be >= 1"))
	}

	switch c.History.Cache.Driver {
	case CacheMemory, CacheNone, "":
	case CacheRedis:
		if c.History.Cache.RedisURL == "" {
			return chaterrors.ErrInvalidConfig("history.cache.redis_url", fmt.Errorf("required for redis driver"))
		}
	default:
		return chaterrors.ErrInvalidConfig("history.cache.driver", fmt.Errorf("unsupported driver: %s", c.History.Cache.Driver))
	}

	if c.Typing.IdleTimeout <= 0 {
		return chaterrors.ErrInvalidConfig("typing.idle_timeout", fmt.Errorf("must be positive"))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return chaterrors.ErrInvalidConfig("tracing.sample_rate", fmt.Errorf("must be within [0, 1]"))
	}

	if c.Typing.ReceiverExpiry < 0 {
		return chaterrors.ErrInvalidConfig("typing.receiver_expiry", fmt.Errorf("must not be negative"))
	}

	if c.Events.MessageBuffer < 1 || c.Events.ErrorBuffer < 1 || c.Events.TypingBuffer < 1 || c.Events.RoomBuffer < 1 {
		return chaterrors.ErrInvalidConfig("events", fmt.Errorf("buffers must be >= 1"))
	}

	if c.Session.ConnectTimeout <= 0 {
		return chaterrors.ErrInvalidConfig("session.connect_timeout", fmt.Errorf("must be positive"))
	}

	return nil
}

// ConfigOption is a functional option for Config.
type ConfigOption func(*Config)

// WithConfig sets the complete configuration.
func WithConfig(config Config) ConfigOption {
	return func(c *Config) {
		*c = config
	}
}

// WithBaseURL sets the server base URL.
func WithBaseURL(baseURL string) ConfigOption {
	return func(c *Config) {
		c.Server.BaseURL = baseURL
	}
}

// WithToken sets a static bearer token.
func WithToken(token string) ConfigOption {
	return func(c *Config) {
		c.Auth.Token = token
	}
}

// WithReconnection sets the reconnection policy.
func WithReconnection(attempts int, delay time.Duration) ConfigOption {
	return func(c *Config) {
		c.Transport.Reconnection = attempts > 0
		c.Transport.ReconnectionAttempts = attempts
		c.Transport.ReconnectionDelay = delay
	}
}

// WithPageSize sets the initial history page size.
func WithPageSize(n int) ConfigOption {
	return func(c *Config) {
		c.History.PageSize = n
	}
}

// WithCacheDriver selects the history cache driver.
func WithCacheDriver(driver string) ConfigOption {
	return func(c *Config) {
		c.History.Cache.Driver = driver
	}
}

// WithRedisCache configures the redis history cache.
func WithRedisCache(url string) ConfigOption {
	return func(c *Config) {
		c.History.Cache.Driver = CacheRedis
		c.History.Cache.RedisURL = url
	}
}

func WithTypingIdle(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.Typing.IdleTimeout = d
	}
}

func WithReceiverExpiry(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.Typing.ReceiverExpiry = d
	}
}

func WithLogging(level, format string) ConfigOption {
	return func(c *Config) {
		c.Logging.Level = level
		c.Logging.Format = format
	}
}

// New returns DefaultConfig with opts applied.
func New(opts ...ConfigOption) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}
