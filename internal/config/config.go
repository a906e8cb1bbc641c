// Package config loads and validates chatfleet's runtime configuration.
//
// Every value the server reads comes from this single frozen Config value,
// built once at startup and passed to constructors; apart from the
// -catalogue flag's default in cmd/chatfleet, nothing reads os.Getenv
// outside this package. A reload means replacing the value at a
// controlled checkpoint, not mutating it in place.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"CHATFLEET_ADDR" envDefault:":8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	WorkerID    string `env:"WORKER_ID"` // auto-generated if unset, see internal/idgen

	// NATS (MessageBroker / KVStore distributed backend)
	NATSURL        string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSKVBucket   string `env:"NATS_KV_BUCKET" envDefault:"chatfleet"`
	UseDistributed bool   `env:"USE_DISTRIBUTED_BACKEND" envDefault:"true"`

	// Session
	SessionTTLSeconds int `env:"SESSION_TTL_SECONDS" envDefault:"3600"`

	// Rate limiting
	RateLimitWindowSeconds    int  `env:"RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`
	RateLimitGeneralPerWindow int  `env:"RATE_LIMIT_GENERAL_PER_WINDOW" envDefault:"200"`
	RateLimitChatPerWindow    int  `env:"RATE_LIMIT_CHAT_PER_WINDOW" envDefault:"100"`
	RateLimitUseDistributed   bool `env:"RATE_LIMIT_USE_DISTRIBUTED" envDefault:"true"`
	RateLimitFallbackToMemory bool `env:"RATE_LIMIT_FALLBACK_TO_MEMORY" envDefault:"true"`
	RateLimitCleanupInterval  time.Duration `env:"RATE_LIMIT_CLEANUP_INTERVAL" envDefault:"300s"`

	// Auth
	AccessTokenTTLSeconds  int    `env:"ACCESS_TOKEN_TTL_SECONDS" envDefault:"900"`
	RefreshTokenTTLSeconds int    `env:"REFRESH_TOKEN_TTL_SECONDS" envDefault:"604800"`
	JWTSigningKey          string `env:"JWT_SIGNING_KEY"`
	LoginFailureLimit      int    `env:"LOGIN_FAILURE_LIMIT" envDefault:"5"`
	LoginBlockSeconds      int    `env:"LOGIN_BLOCK_SECONDS" envDefault:"900"`
	CookieSecure           bool   `env:"COOKIE_SECURE" envDefault:"true"`

	// Response cache
	ResponseCacheTTLSeconds int  `env:"RESPONSE_CACHE_TTL_SECONDS" envDefault:"600"`
	ResponseCacheCapacity   int  `env:"RESPONSE_CACHE_CAPACITY" envDefault:"1000"`
	ResponseCacheShared     bool `env:"RESPONSE_CACHE_SHARED" envDefault:"false"`

	// Matcher pipeline
	Stage1Threshold  float64 `env:"PIPELINE_STAGE1_THRESHOLD" envDefault:"0.6"`
	Stage2Threshold  float64 `env:"PIPELINE_STAGE2_THRESHOLD" envDefault:"0.55"`
	Stage3CosineMin  float64 `env:"PIPELINE_STAGE3_COSINE_MIN" envDefault:"0.72"`
	Stage3Margin     float64 `env:"PIPELINE_STAGE3_MARGIN" envDefault:"0.05"`
	Stage3Override   float64 `env:"PIPELINE_STAGE3_OVERRIDE" envDefault:"0.85"`
	Stage2AlphaRatio float64 `env:"PIPELINE_STAGE2_ALPHA" envDefault:"0.5"`
	Stage2BetaBigram float64 `env:"PIPELINE_STAGE2_BETA" envDefault:"0.3"`
	Stage2GammaLemma float64 `env:"PIPELINE_STAGE2_GAMMA" envDefault:"0.2"`
	VectorTopK       int     `env:"PIPELINE_VECTOR_TOP_K" envDefault:"5"`

	// Circuit breakers
	CircuitFailureThreshold int           `env:"CIRCUIT_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitOpenDuration     time.Duration `env:"CIRCUIT_OPEN_DURATION" envDefault:"30s"`

	// WebSocket
	WSMaxFrameBytes      int           `env:"WS_MAX_FRAME_BYTES" envDefault:"65536"`
	WSIdleSeconds        int           `env:"WS_IDLE_SECONDS" envDefault:"30"`
	WSPongTimeoutSeconds int           `env:"WS_PONG_TIMEOUT_SECONDS" envDefault:"10"`
	WSSendQueueCapacity  int           `env:"WS_SEND_QUEUE_CAPACITY" envDefault:"64"`
	ShutdownGraceSeconds int           `env:"SHUTDOWN_GRACE_SECONDS" envDefault:"10"`
	OrchestrationTimeout time.Duration `env:"ORCHESTRATION_TIMEOUT" envDefault:"15s"`

	// CORS
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:""`

	// Resource pressure threshold (percent); Validate range-checks it and
	// nothing else reads it
	CPUPauseThreshold float64 `env:"CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// IsProduction reports whether the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// AllowedOrigins parses CORSAllowedOrigins into a slice, trimming whitespace.
func (c *Config) AllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

// Validate checks configuration for internal consistency and, in
// production mode, refuses unsafe defaults: wildcard CORS, weak signing
// keys, and insecure cookies never reach a production process.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("CHATFLEET_ADDR is required")
	}

	if c.SessionTTLSeconds < 1 {
		return fmt.Errorf("SESSION_TTL_SECONDS must be > 0, got %d", c.SessionTTLSeconds)
	}
	if c.RateLimitWindowSeconds < 1 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be > 0, got %d", c.RateLimitWindowSeconds)
	}
	if c.RateLimitGeneralPerWindow < 1 || c.RateLimitChatPerWindow < 1 {
		return fmt.Errorf("rate limit per-window values must be > 0")
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	if c.IsProduction() {
		origins := c.AllowedOrigins()
		if len(origins) == 0 {
			return fmt.Errorf("cors.allowed_origins must be a concrete, non-empty list in production")
		}
		for _, o := range origins {
			if o == "*" {
				return fmt.Errorf("cors.allowed_origins wildcard is forbidden in production")
			}
		}
		if c.JWTSigningKey == "" || len(c.JWTSigningKey) < 32 {
			return fmt.Errorf("JWT_SIGNING_KEY must be set and at least 32 bytes in production")
		}
		if !c.CookieSecure {
			return fmt.Errorf("COOKIE_SECURE must be true in production")
		}
	}

	if c.JWTSigningKey == "" {
		// Development-only fallback; Validate already refused this above in production.
		c.JWTSigningKey = "chatfleet-development-signing-key-do-not-use-in-prod"
	}

	return nil
}

// LogFields logs the loaded configuration using structured logging.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("nats_url", c.NATSURL).
		Bool("use_distributed", c.UseDistributed).
		Int("session_ttl_seconds", c.SessionTTLSeconds).
		Int("rate_limit_chat_per_window", c.RateLimitChatPerWindow).
		Int("rate_limit_general_per_window", c.RateLimitGeneralPerWindow).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
