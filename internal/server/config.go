// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the messaging server.
package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/Tyrowin/taskchat/internal/chat"
)

// Configuration keys. With AutomaticEnv each key is read from the upper-case
// environment variable of the same name, e.g. SOCKET_ADDR.
const (
	KeySocketAddr      = "socket_addr"
	KeyWebAddr         = "web_addr"
	KeyAllowedOrigins  = "allowed_origins"
	KeyMaxMessageSize  = "max_message_size"
	KeyRateLimitBurst  = "rate_limit_burst"
	KeyRateLimitRefill = "rate_limit_refill_interval"
	KeyHistoryLimit    = "history_limit"
	KeySendBuffer      = "send_buffer"
	KeyLogLevel        = "log_level"
	KeyConfigFile      = "config_file"
)

const (
	defaultSocketAddr     = ":3001"
	defaultWebAddr        = ":3000"
	defaultOrigin         = "http://localhost:3000"
	defaultMaxMessageSize = 8192
	defaultBurst          = 5
	defaultSendBuffer     = 256
	defaultLogLevel       = "info"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the messaging server settings including security controls.
type Config struct {
	Addr           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	HistoryLimit   int
	SendBuffer     int
	LogLevel       string
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() Config {
	return Config{
		Addr:           defaultSocketAddr,
		AllowedOrigins: []string{defaultOrigin},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: time.Second,
		},
		HistoryLimit: chat.DefaultHistoryLimit,
		SendBuffer:   defaultSendBuffer,
		LogLevel:     defaultLogLevel,
	}
}

// NewViper returns a viper instance bound to the process environment with
// every default registered. If CONFIG_FILE is set, that file is merged in
// underneath the environment.
func NewViper() (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault(KeySocketAddr, defaultSocketAddr)
	v.SetDefault(KeyWebAddr, defaultWebAddr)
	v.SetDefault(KeyAllowedOrigins, defaultOrigin)
	v.SetDefault(KeyMaxMessageSize, defaultMaxMessageSize)
	v.SetDefault(KeyRateLimitBurst, defaultBurst)
	v.SetDefault(KeyRateLimitRefill, 1)
	v.SetDefault(KeyHistoryLimit, chat.DefaultHistoryLimit)
	v.SetDefault(KeySendBuffer, defaultSendBuffer)
	v.SetDefault(KeyLogLevel, defaultLogLevel)

	if file := os.Getenv(strings.ToUpper(KeyConfigFile)); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}
	return v, nil
}

// LoadConfig builds a sanitized Config from v.
func LoadConfig(v *viper.Viper) Config {
	cfg := Config{
		Addr:           v.GetString(KeySocketAddr),
		AllowedOrigins: readOrigins(v),
		MaxMessageSize: v.GetInt64(KeyMaxMessageSize),
		RateLimit: RateLimitConfig{
			Burst:          v.GetInt(KeyRateLimitBurst),
			RefillInterval: time.Duration(v.GetInt(KeyRateLimitRefill)) * time.Second,
		},
		HistoryLimit: v.GetInt(KeyHistoryLimit),
		SendBuffer:   v.GetInt(KeySendBuffer),
		LogLevel:     v.GetString(KeyLogLevel),
	}
	return cfg.sanitize()
}

// NewConfigFromEnv creates a Config from environment variables, falling back
// to defaults for anything unset or invalid.
func NewConfigFromEnv() (Config, error) {
	v, err := NewViper()
	if err != nil {
		return Config{}, err
	}
	return LoadConfig(v), nil
}

// readOrigins accepts both a comma-separated string (environment) and a list
// (config file).
func readOrigins(v *viper.Viper) []string {
	if raw, ok := v.Get(KeyAllowedOrigins).(string); ok {
		return parseOrigins(raw)
	}
	return v.GetStringSlice(KeyAllowedOrigins)
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func (cfg Config) sanitize() Config {
	if cfg.Addr == "" {
		cfg.Addr = defaultSocketAddr
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = chat.DefaultHistoryLimit
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// ApplyLogLevel sets the global zerolog level. Unknown levels fall back to info.
func ApplyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
