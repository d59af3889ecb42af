// Package config resolves runtime settings for GoNotify. Values are applied in
// priority order: built-in defaults, an optional YAML file, a .env file, and
// finally process environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// MongoConfig points the user directory at a MongoDB collection. An empty URI
// leaves the directory in memory.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// UserCacheConfig sizes the username lookup cache.
type UserCacheConfig struct {
	Size int
	TTL  time.Duration
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	SendBuffer     int
	RateLimit      RateLimitConfig

	// AllowMissingOrigin admits WebSocket upgrades that carry no Origin header.
	AllowMissingOrigin bool

	JWTSecret string
	TokenTTL  time.Duration

	// AuthTimeout closes connections that have not authenticated in time. Zero disables it.
	AuthTimeout     time.Duration
	CloseSuperseded bool
	ShutdownTimeout time.Duration

	Mongo     MongoConfig
	RedisURL  string
	UserCache UserCacheConfig

	LogLevel  string
	LogFormat string
}

// ErrMissingSecret is returned by Validate when no signing secret is configured.
var ErrMissingSecret = errors.New("jwt secret is required")

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		SendBuffer:     256,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		TokenTTL:        7 * 24 * time.Hour,
		AuthTimeout:     60 * time.Second,
		CloseSuperseded: true,
		ShutdownTimeout: 10 * time.Second,
		Mongo: MongoConfig{
			Database:   "gonotify",
			Collection: "users",
			Timeout:    5 * time.Second,
		},
		UserCache: UserCacheConfig{
			Size: 1024,
			TTL:  5 * time.Minute,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Sanitize replaces invalid or missing values with defaults.
func (c *Config) Sanitize() {
	def := defaultConfig()

	if c.Port == "" {
		c.Port = def.Port
	}
	if !strings.Contains(c.Port, ":") {
		c.Port = ":" + c.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = def.TokenTTL
	}
	if c.AuthTimeout < 0 {
		c.AuthTimeout = 0
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = def.Mongo.Database
	}
	if c.Mongo.Collection == "" {
		c.Mongo.Collection = def.Mongo.Collection
	}
	if c.Mongo.Timeout <= 0 {
		c.Mongo.Timeout = def.Mongo.Timeout
	}
	if c.UserCache.Size <= 0 {
		c.UserCache.Size = def.UserCache.Size
	}
	if c.UserCache.TTL <= 0 {
		c.UserCache.TTL = def.UserCache.TTL
	}
	c.AllowedOrigins = parseOrigins(strings.Join(c.AllowedOrigins, ","))
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return ErrMissingSecret
	}
	return nil
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// Load resolves the configuration. path may be empty, in which case no YAML file
// is read; a missing .env file is ignored.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	applyEnv(&cfg)
	cfg.Sanitize()
	return &cfg, nil
}

// fileConfig mirrors the YAML schema. Durations are Go duration strings.
type fileConfig struct {
	Port               string   `yaml:"port"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
	AllowMissingOrigin *bool    `yaml:"allow_missing_origin"`
	MaxMessageSize     int64    `yaml:"max_message_size"`
	SendBuffer         int      `yaml:"send_buffer"`
	RateLimit          struct {
		Burst          int    `yaml:"burst"`
		RefillInterval string `yaml:"refill_interval"`
	} `yaml:"rate_limit"`
	JWTSecret       string `yaml:"jwt_secret"`
	TokenTTL        string `yaml:"token_ttl"`
	AuthTimeout     string `yaml:"auth_timeout"`
	CloseSuperseded *bool  `yaml:"close_superseded"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	Mongo           struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"mongo"`
	RedisURL  string `yaml:"redis_url"`
	UserCache struct {
		Size int    `yaml:"size"`
		TTL  string `yaml:"ttl"`
	} `yaml:"user_cache"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.Port, fc.Port)
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.AllowMissingOrigin != nil {
		cfg.AllowMissingOrigin = *fc.AllowMissingOrigin
	}
	if fc.MaxMessageSize > 0 {
		cfg.MaxMessageSize = fc.MaxMessageSize
	}
	if fc.SendBuffer > 0 {
		cfg.SendBuffer = fc.SendBuffer
	}
	if fc.RateLimit.Burst > 0 {
		cfg.RateLimit.Burst = fc.RateLimit.Burst
	}
	if fc.CloseSuperseded != nil {
		cfg.CloseSuperseded = *fc.CloseSuperseded
	}
	setString(&cfg.JWTSecret, fc.JWTSecret)
	setString(&cfg.Mongo.URI, fc.Mongo.URI)
	setString(&cfg.Mongo.Database, fc.Mongo.Database)
	setString(&cfg.Mongo.Collection, fc.Mongo.Collection)
	setString(&cfg.RedisURL, fc.RedisURL)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	if fc.UserCache.Size > 0 {
		cfg.UserCache.Size = fc.UserCache.Size
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"rate_limit.refill_interval", fc.RateLimit.RefillInterval, &cfg.RateLimit.RefillInterval},
		{"token_ttl", fc.TokenTTL, &cfg.TokenTTL},
		{"auth_timeout", fc.AuthTimeout, &cfg.AuthTimeout},
		{"shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"mongo.timeout", fc.Mongo.Timeout, &cfg.Mongo.Timeout},
		{"user_cache.ttl", fc.UserCache.TTL, &cfg.UserCache.TTL},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

func applyEnv(cfg *Config) {
	// PORT is the bare port number; SERVER_PORT takes a full listen address.
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = ":" + strings.TrimPrefix(port, ":")
	}
	setString(&cfg.Port, os.Getenv("SERVER_PORT"))

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if v := os.Getenv("ALLOW_MISSING_ORIGIN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowMissingOrigin = b
		}
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if buf := os.Getenv("SEND_BUFFER"); buf != "" {
		cfg.SendBuffer = parseIntValue(buf, cfg.SendBuffer)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}

	setString(&cfg.JWTSecret, os.Getenv("JWT_SECRET"))
	if ttl := os.Getenv("TOKEN_TTL"); ttl != "" {
		cfg.TokenTTL = parseDuration(ttl, cfg.TokenTTL)
	}
	if timeout := os.Getenv("AUTH_TIMEOUT"); timeout != "" {
		cfg.AuthTimeout = parseDuration(timeout, cfg.AuthTimeout)
	}
	if v := os.Getenv("CLOSE_SUPERSEDED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CloseSuperseded = b
		}
	}
	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseDuration(timeout, cfg.ShutdownTimeout)
	}

	setString(&cfg.Mongo.URI, os.Getenv("MONGO_URI"))
	setString(&cfg.Mongo.Database, os.Getenv("MONGO_DATABASE"))
	setString(&cfg.Mongo.Collection, os.Getenv("MONGO_COLLECTION"))
	setString(&cfg.RedisURL, os.Getenv("REDIS_URL"))
	if size := os.Getenv("USER_CACHE_SIZE"); size != "" {
		cfg.UserCache.Size = parseIntValue(size, cfg.UserCache.Size)
	}
	if ttl := os.Getenv("USER_CACHE_TTL"); ttl != "" {
		cfg.UserCache.TTL = parseDuration(ttl, cfg.UserCache.TTL)
	}
	setString(&cfg.LogLevel, os.Getenv("LOG_LEVEL"))
	setString(&cfg.LogFormat, os.Getenv("LOG_FORMAT"))
}

func setString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts whole seconds ("2") or a duration string ("500ms").
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return parseDuration(value, defaultValue)
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return d
	}
	return defaultValue
}
