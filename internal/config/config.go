// Package config loads daemon configuration. Values start from Default,
// are overlaid by an optional YAML file and finally by environment
// variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportWebSocket = "ws"
	TransportNATS      = "nats"
)

// Config is the complete daemon configuration.
type Config struct {
	// UserID is the local user the session runs as.
	UserID string `yaml:"user_id"`
	// Token is the bearer credential for REST and the real-time channel.
	// Prefer CHATSYNC_TOKEN over putting it in a file.
	Token string `yaml:"token"`

	// Transport selects the real-time channel: "ws" or "nats".
	Transport string `yaml:"transport"`

	WebSocket  WebSocketConfig  `yaml:"websocket"`
	NATS       NATSConfig       `yaml:"nats"`
	API        APIConfig        `yaml:"api"`
	Redis      RedisConfig      `yaml:"redis"`
	Session    SessionConfig    `yaml:"session"`
	Moderation ModerationConfig `yaml:"moderation"`

	// HTTPAddr is where /health, /metrics and /state are served. Empty
	// disables the listener.
	HTTPAddr string `yaml:"http_addr"`
	// LogLevel is a zap level name: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogFormat is "json" or "console".
	LogFormat string `yaml:"log_format"`
}

// WebSocketConfig configures the WebSocket channel.
type WebSocketConfig struct {
	URL               string        `yaml:"url"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
}

// NATSConfig configures the NATS channel.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// APIConfig configures the REST client.
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig configures the optional Redis connection used for the shared
// typing throttle and presence publishing. An empty Addr disables both.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Presence publishes session state to Redis.
	Presence bool `yaml:"presence"`
}

// SessionConfig configures the session coordinator.
type SessionConfig struct {
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconcileOnConnect   bool          `yaml:"reconcile_on_connect"`
	TypingExpiry         time.Duration `yaml:"typing_expiry"`
	TypingMinInterval    time.Duration `yaml:"typing_min_interval"`
	AlertCapacity        int           `yaml:"alert_capacity"`
	SendTimeout          time.Duration `yaml:"send_timeout"`
	HistoryPageSize      int           `yaml:"history_page_size"`
}

// ModerationConfig configures outbound content screening.
type ModerationConfig struct {
	ScreenOutbound bool `yaml:"screen_outbound"`
	AllowLinks     bool `yaml:"allow_links"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Transport: TransportWebSocket,
		WebSocket: WebSocketConfig{
			URL:               "ws://localhost:8080/realtime",
			DialTimeout:       10 * time.Second,
			WriteTimeout:      5 * time.Second,
			HeartbeatInterval: 25 * time.Second,
			HeartbeatTimeout:  10 * time.Second,
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			SubjectPrefix:  "gigmarket",
			ConnectTimeout: 5 * time.Second,
		},
		API: APIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 15 * time.Second,
		},
		Session: SessionConfig{
			ReconnectBaseDelay: time.Second,
			ReconnectMaxDelay:  30 * time.Second,
			ReconcileOnConnect: true,
			TypingExpiry:       5 * time.Second,
			TypingMinInterval:  2 * time.Second,
			AlertCapacity:      100,
			SendTimeout:        15 * time.Second,
			HistoryPageSize:    30,
		},
		Moderation: ModerationConfig{
			ScreenOutbound: true,
		},
		HTTPAddr:  ":9090",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// LoadFile reads a YAML file over the defaults. Fields absent from the
// file keep their default values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty file decodes to io.EOF and keeps the defaults.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables. Unset variables leave the
// current value alone; malformed values are reported together.
func (c *Config) ApplyEnv() error {
	var errs []error

	setString(&c.UserID, "CHATSYNC_USER_ID")
	setString(&c.Token, "CHATSYNC_TOKEN")
	setString(&c.Transport, "CHATSYNC_TRANSPORT")
	setString(&c.WebSocket.URL, "CHATSYNC_WS_URL")
	setString(&c.API.BaseURL, "CHATSYNC_API_URL")
	setString(&c.NATS.URL, "NATS_URL")
	setString(&c.NATS.SubjectPrefix, "NATS_SUBJECT_PREFIX")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.HTTPAddr, "CHATSYNC_HTTP_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")

	errs = append(errs,
		setInt(&c.Redis.DB, "REDIS_DB"),
		setBool(&c.Redis.Presence, "REDIS_PRESENCE"),
		setDuration(&c.WebSocket.DialTimeout, "CHATSYNC_DIAL_TIMEOUT"),
		setDuration(&c.WebSocket.HeartbeatInterval, "CHATSYNC_HEARTBEAT_INTERVAL"),
		setDuration(&c.WebSocket.HeartbeatTimeout, "CHATSYNC_HEARTBEAT_TIMEOUT"),
		setDuration(&c.API.Timeout, "CHATSYNC_API_TIMEOUT"),
		setDuration(&c.Session.ReconnectBaseDelay, "CHATSYNC_RECONNECT_BASE_DELAY"),
		setDuration(&c.Session.ReconnectMaxDelay, "CHATSYNC_RECONNECT_MAX_DELAY"),
		setInt(&c.Session.MaxReconnectAttempts, "CHATSYNC_MAX_RECONNECT_ATTEMPTS"),
		setBool(&c.Session.ReconcileOnConnect, "CHATSYNC_RECONCILE_ON_CONNECT"),
		setDuration(&c.Session.TypingMinInterval, "CHATSYNC_TYPING_INTERVAL"),
		setDuration(&c.Session.SendTimeout, "CHATSYNC_SEND_TIMEOUT"),
		setBool(&c.Moderation.ScreenOutbound, "CHATSYNC_SCREEN_OUTBOUND"),
		setBool(&c.Moderation.AllowLinks, "CHATSYNC_ALLOW_LINKS"),
	)
	return errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}

	switch c.Transport {
	case TransportWebSocket:
		if err := checkURL(c.WebSocket.URL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("websocket.url: %w", err))
		}
	case TransportNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required"))
		}
		if c.NATS.SubjectPrefix == "" {
			errs = append(errs, errors.New("nats.subject_prefix is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport %q: must be %q or %q", c.Transport, TransportWebSocket, TransportNATS))
	}

	if err := checkURL(c.API.BaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("api.base_url: %w", err))
	}

	s := c.Session
	if s.ReconnectBaseDelay <= 0 {
		errs = append(errs, errors.New("session.reconnect_base_delay must be positive"))
	}
	if s.ReconnectMaxDelay < s.ReconnectBaseDelay {
		errs = append(errs, errors.New("session.reconnect_max_delay must not be below reconnect_base_delay"))
	}
	if s.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("session.max_reconnect_attempts must not be negative"))
	}
	if s.TypingMinInterval <= 0 {
		errs = append(errs, errors.New("session.typing_min_interval must be positive"))
	}
	if c.Redis.Presence && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.presence requires redis.addr"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: must be json or console", c.LogFormat))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return errors.New("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme %q not one of %v", u.Scheme, schemes)
}

// ---------------------------------------------------------------------------
// Environment helpers
// ---------------------------------------------------------------------------

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
