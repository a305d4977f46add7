// Package server provides configuration helpers that define runtime
// defaults, validation, and matching policy parameters for the chatdesk
// service.
package server

import (
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/rhoven/chatdesk/internal/broker"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security
// controls and matching policy.
type Config struct {
	Addr              string
	AllowedOrigins    []string
	MaxMessageSize    int64
	RateLimit         RateLimitConfig
	StorePath         string
	ResponseTimeout   time.Duration
	ReconcileInterval time.Duration
	AutoRequestOnJoin bool
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Addr: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          10,
			RefillInterval: time.Second,
		},
		StorePath:         "chatdesk.db",
		ResponseTimeout:   30 * time.Second,
		ReconcileInterval: time.Minute,
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if cfg.StorePath == "" {
		cfg.StorePath = "chatdesk.db"
	}
	if cfg.ResponseTimeout < 0 {
		cfg.ResponseTimeout = 0
	}
	if cfg.ReconcileInterval < 0 {
		cfg.ReconcileInterval = 0
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := *cfg
	sanitized.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from CHATDESK_* environment
// variables, falling back to defaults for anything unset.
func NewConfigFromEnv() *Config {
	defaults := defaultConfig()

	v := viper.New()
	v.SetEnvPrefix("chatdesk")
	v.AutomaticEnv()

	v.SetDefault("addr", defaults.Addr)
	v.SetDefault("allowed_origins", strings.Join(defaults.AllowedOrigins, ","))
	v.SetDefault("max_message_size", defaults.MaxMessageSize)
	v.SetDefault("rate_limit_burst", defaults.RateLimit.Burst)
	v.SetDefault("rate_limit_refill_interval", defaults.RateLimit.RefillInterval)
	v.SetDefault("store_path", defaults.StorePath)
	v.SetDefault("response_timeout", defaults.ResponseTimeout)
	v.SetDefault("reconcile_interval", defaults.ReconcileInterval)
	v.SetDefault("auto_request_on_join", defaults.AutoRequestOnJoin)

	cfg := Config{
		Addr:           v.GetString("addr"),
		AllowedOrigins: parseOrigins(v.GetString("allowed_origins")),
		MaxMessageSize: v.GetInt64("max_message_size"),
		RateLimit: RateLimitConfig{
			Burst:          v.GetInt("rate_limit_burst"),
			RefillInterval: v.GetDuration("rate_limit_refill_interval"),
		},
		StorePath:         v.GetString("store_path"),
		ResponseTimeout:   v.GetDuration("response_timeout"),
		ReconcileInterval: v.GetDuration("reconcile_interval"),
		AutoRequestOnJoin: v.GetBool("auto_request_on_join"),
	}
	return &cfg
}

// BrokerConfig extracts the matching policy knobs the broker engine needs.
func (c *Config) BrokerConfig() broker.Config {
	return broker.Config{
		ResponseTimeout:   c.ResponseTimeout,
		AutoRequestOnJoin: c.AutoRequestOnJoin,
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
