// Package config loads YAML configuration for the chat client and relay.
// Environment variables (optionally from a .env file) override the file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"astro_chat/internal/domain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ClientConfigPath = "client.yaml"
	RelayConfigPath  = "relay.yaml"
)

// ClientConfig drives one chat session from the terminal client.
type ClientConfig struct {
	ServerURL           string        `yaml:"serverURL"`
	HistoryURL          string        `yaml:"historyURL"`
	UserID              string        `yaml:"userID"`
	Role                string        `yaml:"role"`
	PeerID              string        `yaml:"peerID"`
	BookingDate         string        `yaml:"bookingDate"`
	TimeRange           string        `yaml:"timeRange"`
	Timezone            string        `yaml:"timezone"`
	LogLevel            string        `yaml:"logLevel"`
	WindowPollInterval  time.Duration `yaml:"windowPollInterval"`
	TypingStopAfter     time.Duration `yaml:"typingStopAfter"`
	RemoteTypingTimeout time.Duration `yaml:"remoteTypingTimeout"`
}

// Pair resolves the conversation from the configured role.
func (c ClientConfig) Pair() domain.Pair {
	if domain.Role(c.Role) == domain.RoleAstrologer {
		return domain.Pair{CustomerID: c.PeerID, AstrologerID: c.UserID}
	}
	return domain.Pair{CustomerID: c.UserID, AstrologerID: c.PeerID}
}

func (c ClientConfig) Identity() domain.Identity {
	return domain.Identity{UserID: c.UserID, Role: domain.Role(c.Role)}
}

func (c ClientConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func defaultClient() ClientConfig {
	return ClientConfig{
		ServerURL:           "ws://localhost:8080/ws",
		HistoryURL:          "http://localhost:8080",
		LogLevel:            "info",
		WindowPollInterval:  30 * time.Second,
		TypingStopAfter:     1500 * time.Millisecond,
		RemoteTypingTimeout: 5 * time.Second,
	}
}

// LoadClient reads path (defaults to client.yaml). A missing file is not an
// error: defaults and environment still apply.
func LoadClient(path string) (ClientConfig, error) {
	cfg := defaultClient()
	if path == "" {
		path = ClientConfigPath
	}
	if err := readYAML(path, &cfg); err != nil {
		return cfg, err
	}

	overrideString(&cfg.ServerURL, "CHAT_SERVER_URL")
	overrideString(&cfg.HistoryURL, "CHAT_HISTORY_URL")
	overrideString(&cfg.UserID, "CHAT_USER_ID")
	overrideString(&cfg.Role, "CHAT_ROLE")
	overrideString(&cfg.PeerID, "CHAT_PEER_ID")
	overrideString(&cfg.BookingDate, "CHAT_BOOKING_DATE")
	overrideString(&cfg.TimeRange, "CHAT_TIME_RANGE")
	overrideString(&cfg.Timezone, "CHAT_TIMEZONE")
	overrideString(&cfg.LogLevel, "LOG_LEVEL")
	if err := overrideDuration(&cfg.RemoteTypingTimeout, "CHAT_REMOTE_TYPING_TIMEOUT"); err != nil {
		return cfg, err
	}

	if err := validateClient(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateClient(cfg ClientConfig) error {
	if cfg.UserID == "" {
		return errors.New("config: userID is required (set in client.yaml or CHAT_USER_ID)")
	}
	if cfg.PeerID == "" {
		return errors.New("config: peerID is required (set in client.yaml or CHAT_PEER_ID)")
	}
	if cfg.PeerID == cfg.UserID {
		return errors.New("config: peerID must differ from userID")
	}
	if !domain.Role(cfg.Role).Valid() {
		return fmt.Errorf("config: role must be %q or %q, got %q", domain.RoleCustomer, domain.RoleAstrologer, cfg.Role)
	}
	if _, err := url.ParseRequestURI(cfg.ServerURL); err != nil {
		return fmt.Errorf("config: serverURL: %w", err)
	}
	if _, err := url.ParseRequestURI(cfg.HistoryURL); err != nil {
		return fmt.Errorf("config: historyURL: %w", err)
	}
	if cfg.WindowPollInterval <= 0 {
		return errors.New("config: windowPollInterval must be positive")
	}
	if cfg.RemoteTypingTimeout < 0 {
		return errors.New("config: remoteTypingTimeout must not be negative")
	}
	if _, err := cfg.Location(); err != nil {
		return err
	}
	return nil
}

// RelayConfig configures the reference relay.
type RelayConfig struct {
	Port string `yaml:"port"`
	// Empty keeps messages and presence in memory.
	DatabaseURL    string        `yaml:"databaseURL"`
	AMQPURL        string        `yaml:"amqpURL"`
	StreamURI      string        `yaml:"streamURI"`
	StreamName     string        `yaml:"streamName"`
	RedisAddr      string        `yaml:"redisAddr"`
	RedisPassword  string        `yaml:"redisPassword"`
	PresenceTTL    time.Duration `yaml:"presenceTTL"`
	LogLevel       string        `yaml:"logLevel"`
	OutboxInterval time.Duration `yaml:"outboxInterval"`
	InboundRate    float64       `yaml:"inboundRate"`
	InboundBurst   int           `yaml:"inboundBurst"`
	HistoryLimit   int           `yaml:"historyLimit"`
	// How long a routed event waits for its recipient before it becomes a push.
	UserQueueTTL    time.Duration `yaml:"userQueueTTL"`
	UserQueueExpiry time.Duration `yaml:"userQueueExpiry"`
}

func defaultRelay() RelayConfig {
	return RelayConfig{
		Port:            "8080",
		StreamName:      "chat-transcripts",
		PresenceTTL:     2 * time.Minute,
		LogLevel:        "info",
		OutboxInterval:  500 * time.Millisecond,
		InboundRate:     5,
		InboundBurst:    10,
		HistoryLimit:    200,
		UserQueueTTL:    5 * time.Second,
		UserQueueExpiry: time.Minute,
	}
}

// LoadRelay reads path (defaults to relay.yaml) the same way LoadClient does.
func LoadRelay(path string) (RelayConfig, error) {
	cfg := defaultRelay()
	if path == "" {
		path = RelayConfigPath
	}
	if err := readYAML(path, &cfg); err != nil {
		return cfg, err
	}

	overrideString(&cfg.Port, "PORT")
	overrideString(&cfg.DatabaseURL, "DB_CONN_STR")
	overrideString(&cfg.AMQPURL, "AMQP_URL")
	overrideString(&cfg.StreamURI, "STREAM_URI")
	overrideString(&cfg.RedisAddr, "REDIS_ADDR")
	overrideString(&cfg.RedisPassword, "REDIS_PASSWORD")
	overrideString(&cfg.LogLevel, "LOG_LEVEL")
	if v := os.Getenv("INBOUND_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("config: INBOUND_RATE: %w", err)
		}
		cfg.InboundRate = f
	}

	if err := validateRelay(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateRelay(cfg RelayConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in relay.yaml or PORT)")
	}
	if cfg.OutboxInterval <= 0 {
		return errors.New("config: outboxInterval must be positive")
	}
	if cfg.InboundRate <= 0 || cfg.InboundBurst <= 0 {
		return errors.New("config: inboundRate and inboundBurst must be positive")
	}
	if cfg.UserQueueTTL <= 0 || cfg.UserQueueExpiry < cfg.UserQueueTTL {
		return errors.New("config: userQueueTTL must be positive and not exceed userQueueExpiry")
	}
	if cfg.StreamURI != "" && cfg.StreamName == "" {
		return errors.New("config: streamName is required when streamURI is set")
	}
	if cfg.StreamURI != "" && cfg.DatabaseURL == "" {
		return errors.New("config: streamURI needs databaseURL, the outbox lives in Postgres")
	}
	return nil
}

func readYAML(path string, out interface{}) error {
	// .env is optional.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}
