// Package config loads runtime settings from .env, an optional config.yml and the environment.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Transport holds the persistent-connection settings shared by the /ws and /ws/chat streams.
type Transport struct {
	BaseURL           string        `yaml:"base_url"`
	Path              string        `yaml:"path"`
	ChatPath          string        `yaml:"chat_path"`
	ReconnectInitial  time.Duration `yaml:"reconnect_initial"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

type API struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type Auth struct {
	AccessToken string `yaml:"access_token"`
	TokenFile   string `yaml:"token_file"`
}

type Chat struct {
	TypingWindow time.Duration `yaml:"typing_window"`
	TypingExpiry time.Duration `yaml:"typing_expiry"`
	HistoryLimit int           `yaml:"history_limit"`
}

type Feed struct {
	Capacity    int    `yaml:"capacity"`
	DatabaseURL string `yaml:"database_url"`
}

type Status struct {
	Port             string   `yaml:"port"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// Email configures the optional SendGrid relay of notification events.
type Email struct {
	APIKey      string   `yaml:"api_key"`
	SenderEmail string   `yaml:"sender_email"`
	SenderName  string   `yaml:"sender_name"`
	To          string   `yaml:"to"`
	Events      []string `yaml:"events"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Transport Transport `yaml:"transport"`
	API       API       `yaml:"api"`
	Auth      Auth      `yaml:"auth"`
	Chat      Chat      `yaml:"chat"`
	Feed      Feed      `yaml:"feed"`
	Status    Status    `yaml:"status"`
	Email     Email     `yaml:"email"`
	Logging   Logging   `yaml:"logging"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Transport: Transport{
			BaseURL:           "http://localhost:8000",
			Path:              "/ws",
			ChatPath:          "/ws/chat",
			ReconnectInitial:  time.Second,
			ReconnectMax:      30 * time.Second,
			KeepaliveInterval: 25 * time.Second,
		},
		API: API{
			BaseURL: "http://localhost:8000",
			Timeout: 15 * time.Second,
		},
		Chat: Chat{
			TypingWindow: 2 * time.Second,
			TypingExpiry: 3 * time.Second,
			HistoryLimit: 50,
		},
		Feed:    Feed{Capacity: 50},
		Status:  Status{Port: "8090", AllowedOrigins: []string{"*"}},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Load reads .env (if present), then config.yml (or CONFIG_FILE), then applies environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := Default()

	path := getEnv("CONFIG_FILE", "config.yml")
	if err := loadYAML(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Transport.BaseURL = getEnv("WS_BASE_URL", cfg.Transport.BaseURL)
	cfg.Transport.Path = getEnv("WS_PATH", cfg.Transport.Path)
	cfg.Transport.ChatPath = getEnv("WS_CHAT_PATH", cfg.Transport.ChatPath)
	cfg.Transport.ReconnectInitial = getEnvAsDuration("RECONNECT_INITIAL", cfg.Transport.ReconnectInitial)
	cfg.Transport.ReconnectMax = getEnvAsDuration("RECONNECT_MAX", cfg.Transport.ReconnectMax)
	cfg.Transport.KeepaliveInterval = getEnvAsDuration("KEEPALIVE_INTERVAL", cfg.Transport.KeepaliveInterval)

	cfg.API.BaseURL = getEnv("API_BASE_URL", cfg.API.BaseURL)
	cfg.API.Timeout = getEnvAsDuration("HTTP_TIMEOUT", cfg.API.Timeout)

	cfg.Auth.AccessToken = getEnv("ACCESS_TOKEN", cfg.Auth.AccessToken)
	cfg.Auth.TokenFile = getEnv("TOKEN_FILE", cfg.Auth.TokenFile)

	cfg.Chat.TypingWindow = getEnvAsDuration("TYPING_WINDOW", cfg.Chat.TypingWindow)
	cfg.Chat.TypingExpiry = getEnvAsDuration("TYPING_EXPIRY", cfg.Chat.TypingExpiry)
	cfg.Chat.HistoryLimit = getEnvAsInt("HISTORY_LIMIT", cfg.Chat.HistoryLimit)

	cfg.Feed.Capacity = getEnvAsInt("FEED_CAPACITY", cfg.Feed.Capacity)
	cfg.Feed.DatabaseURL = getEnv("DATABASE_URL", cfg.Feed.DatabaseURL)

	cfg.Status.Port = getEnv("STATUS_PORT", cfg.Status.Port)
	if origins := splitList(os.Getenv("CORS_ALLOWED_ORIGINS")); len(origins) > 0 {
		cfg.Status.AllowedOrigins = origins
	}
	if v := os.Getenv("CORS_ALLOW_CREDENTIALS"); v != "" {
		cfg.Status.AllowCredentials = strings.EqualFold(v, "true")
	}

	cfg.Email.APIKey = getEnv("SENDGRID_API_KEY", cfg.Email.APIKey)
	cfg.Email.SenderEmail = getEnv("SENDGRID_SENDER_EMAIL", cfg.Email.SenderEmail)
	cfg.Email.SenderName = getEnv("SENDGRID_SENDER_NAME", cfg.Email.SenderName)
	cfg.Email.To = getEnv("EMAIL_RELAY_TO", cfg.Email.To)
	if events := splitList(os.Getenv("EMAIL_RELAY_EVENTS")); len(events) > 0 {
		cfg.Email.Events = events
	}

	cfg.Logging.Level = strings.ToLower(getEnv("LOG_LEVEL", cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(getEnv("LOG_FORMAT", cfg.Logging.Format))
}

// Validate checks that values are usable.
func (c *Config) Validate() error {
	if c.Transport.BaseURL == "" {
		return errors.New("transport.base_url is required")
	}
	if !strings.HasPrefix(c.Transport.Path, "/") || !strings.HasPrefix(c.Transport.ChatPath, "/") {
		return errors.New("transport paths must start with '/'")
	}
	if c.Transport.ReconnectInitial <= 0 {
		return errors.New("transport.reconnect_initial must be positive")
	}
	if c.Transport.ReconnectMax < c.Transport.ReconnectInitial {
		return errors.New("transport.reconnect_max must not be below reconnect_initial")
	}
	if c.Transport.KeepaliveInterval < 0 {
		return errors.New("transport.keepalive_interval must not be negative")
	}
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.Chat.TypingWindow <= 0 || c.Chat.TypingExpiry <= 0 {
		return errors.New("chat typing window and expiry must be positive")
	}
	if c.Chat.HistoryLimit < 1 || c.Chat.HistoryLimit > 100 {
		return errors.New("chat.history_limit must be between 1 and 100")
	}
	if c.Feed.Capacity <= 0 {
		return errors.New("feed.capacity must be positive")
	}
	if c.Email.APIKey != "" && (c.Email.SenderEmail == "" || c.Email.To == "") {
		return errors.New("email relay needs SENDGRID_SENDER_EMAIL and EMAIL_RELAY_TO")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}
	return nil
}

// EmailRelayEnabled reports whether notifications should be forwarded by email.
func (c *Config) EmailRelayEnabled() bool {
	return c.Email.APIKey != "" && len(c.Email.Events) > 0
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Invalid duration for %s, using default: %s", key, defaultValue)
		return defaultValue
	}
	return duration
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
