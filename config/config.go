// Package config loads server settings from .env files and the process
// environment, layered over per-environment defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
	Testing     Environment = "testing"
)

const (
	BackendNone  = ""
	BackendRedis = "redis"
	BackendNATS  = "nats"
)

var (
	ErrInvalidEnvironment = errors.New("invalid environment")
	ErrInvalidBackend     = errors.New("invalid cluster backend")
	ErrInvalidPort        = errors.New("invalid port")
)

// RateLimitConfig bounds inbound frames per connection.
type RateLimitConfig struct {
	Burst     int
	PerSecond float64
}

type Config struct {
	Env  Environment
	Host string
	Port int

	AllowedOrigins  []string
	MaxMessageSize  int64
	MaxConnections  int
	SendBuffer      int
	RateLimit       RateLimitConfig
	PingInterval    time.Duration
	PongWait        time.Duration
	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string

	ClusterBackend string
	RedisAddr      string
	RedisChannel   string
	NATSURL        string
	NATSSubject    string

	DatabasePath string
}

// Default returns the profile for env. Unknown environments fall back to
// development.
func Default(env Environment) Config {
	cfg := Config{
		Env:             Development,
		Host:            "0.0.0.0",
		Port:            8000,
		AllowedOrigins:  []string{"*"},
		MaxMessageSize:  64 * 1024,
		MaxConnections:  1000,
		SendBuffer:      256,
		RateLimit:       RateLimitConfig{Burst: 20, PerSecond: 10},
		PingInterval:    25 * time.Second,
		PongWait:        60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "debug",
		LogFormat:       "text",
		RedisAddr:       "localhost:6379",
		RedisChannel:    "socketroom",
		NATSURL:         "nats://localhost:4222",
		NATSSubject:     "socketroom.events",
		DatabasePath:    "socketroom.db",
	}

	switch env {
	case Production:
		cfg.Env = Production
		cfg.Port = 80
		cfg.LogLevel = "info"
		cfg.LogFormat = "json"
		cfg.AllowedOrigins = nil
	case Testing:
		cfg.Env = Testing
		cfg.LogLevel = "info"
		cfg.DatabasePath = ":memory:"
	}
	return cfg
}

// Load reads the given .env files (default ".env"), ignoring any that do not
// exist, and then builds the config from the environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv overlays environment variables on the profile selected by APP_ENV.
func FromEnv() (*Config, error) {
	env := Environment(strings.ToLower(getEnv("APP_ENV", string(Development))))
	switch env {
	case Development, Production, Testing:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEnvironment, env)
	}

	cfg := Default(env)
	var err error

	cfg.Host = getEnv("SERVER_HOST", cfg.Host)
	if cfg.Port, err = getEnvInt("SERVER_PORT", cfg.Port); err != nil {
		return nil, err
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if v := os.Getenv("MAX_MESSAGE_SIZE"); v != "" {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("MAX_MESSAGE_SIZE: %w", perr)
		}
		cfg.MaxMessageSize = n
	}
	if cfg.MaxConnections, err = getEnvInt("MAX_CONNECTIONS", cfg.MaxConnections); err != nil {
		return nil, err
	}
	if cfg.SendBuffer, err = getEnvInt("SEND_BUFFER", cfg.SendBuffer); err != nil {
		return nil, err
	}
	if cfg.RateLimit.Burst, err = getEnvInt("RATE_LIMIT_BURST", cfg.RateLimit.Burst); err != nil {
		return nil, err
	}
	if v := os.Getenv("RATE_LIMIT_PER_SECOND"); v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return nil, fmt.Errorf("RATE_LIMIT_PER_SECOND: %w", perr)
		}
		cfg.RateLimit.PerSecond = f
	}
	if cfg.PingInterval, err = getEnvDuration("PING_INTERVAL", cfg.PingInterval); err != nil {
		return nil, err
	}
	if cfg.PongWait, err = getEnvDuration("PONG_WAIT", cfg.PongWait); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return nil, err
	}

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.ClusterBackend = strings.ToLower(getEnv("CLUSTER_BACKEND", cfg.ClusterBackend))
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisChannel = getEnv("REDIS_CHANNEL", cfg.RedisChannel)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.NATSSubject = getEnv("NATS_SUBJECT", cfg.NATSSubject)
	cfg.DatabasePath = getEnv("DATABASE_PATH", cfg.DatabasePath)

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	switch c.ClusterBackend {
	case BackendNone, BackendRedis, BackendNATS:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.ClusterBackend)
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("max message size must be positive")
	}
	if c.SendBuffer <= 0 {
		return errors.New("send buffer must be positive")
	}
	if c.PingInterval <= 0 || c.PongWait <= c.PingInterval {
		return fmt.Errorf("pong wait (%s) must exceed ping interval (%s)", c.PongWait, c.PingInterval)
	}
	return nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// AllowAllOrigins reports whether the origin list contains a wildcard.
func (c *Config) AllowAllOrigins() bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func parseOrigins(s string) []string {
	parts := strings.Split(s, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimRight(strings.TrimSpace(p), "/"); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
