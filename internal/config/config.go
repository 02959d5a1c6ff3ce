package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Backend kinds accepted by BACKEND_KIND.
const (
	BackendTCP      = "tcp"
	BackendDeepgram = "deepgram"
)

// Config holds all configuration for the transcript relay
type Config struct {
	// Client-facing listener
	Host          string `envconfig:"HOST" default:"0.0.0.0"`
	Port          string `envconfig:"PORT" default:"8765"`
	MaxSessions   int    `envconfig:"MAX_SESSIONS" default:"32"`          // 0 disables the cap
	MaxFrameBytes int64  `envconfig:"MAX_FRAME_BYTES" default:"1048576"`  // Largest inbound audio frame
	WriteTimeout  int    `envconfig:"WRITE_TIMEOUT" default:"10"`         // seconds, per transcript write
	DrainTimeout  int    `envconfig:"DRAIN_TIMEOUT" default:"30"`         // seconds, 0 waits forever

	// Transcoder process. An empty TRANSCODER_ARGS uses the built-in ffmpeg arguments.
	TranscoderPath string   `envconfig:"TRANSCODER_PATH" default:"ffmpeg"`
	TranscoderArgs []string `envconfig:"TRANSCODER_ARGS"`
	PCMReadSize    int      `envconfig:"PCM_READ_SIZE" default:"4096"`

	// Transcription backend
	BackendKind        string `envconfig:"BACKEND_KIND" default:"tcp"` // tcp, deepgram
	BackendAddr        string `envconfig:"BACKEND_ADDR" default:"localhost:43007"`
	BackendDialTimeout int    `envconfig:"BACKEND_DIAL_TIMEOUT" default:"5"` // seconds
	TextReadSize       int    `envconfig:"TEXT_READ_SIZE" default:"1024"`

	// Deepgram streaming API, only used when BACKEND_KIND=deepgram
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Speech activity metering on the forwarded PCM
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"`
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"25"` // 20ms frames

	// Backend dial protection
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants envconfig cannot express
func (c *Config) Validate() error {
	switch c.BackendKind {
	case BackendTCP:
		if c.BackendAddr == "" {
			return fmt.Errorf("BACKEND_ADDR is required for the tcp backend")
		}
		if _, _, err := net.SplitHostPort(c.BackendAddr); err != nil {
			return fmt.Errorf("invalid BACKEND_ADDR %q: %w", c.BackendAddr, err)
		}
	case BackendDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for the deepgram backend")
		}
	default:
		return fmt.Errorf("invalid BACKEND_KIND %q (must be %s or %s)", c.BackendKind, BackendTCP, BackendDeepgram)
	}

	if c.TranscoderPath == "" {
		return fmt.Errorf("TRANSCODER_PATH is required")
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("MAX_SESSIONS must not be negative")
	}
	if c.PCMReadSize <= 0 || c.TextReadSize <= 0 {
		return fmt.Errorf("PCM_READ_SIZE and TEXT_READ_SIZE must be positive")
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("MAX_FRAME_BYTES must be positive")
	}
	return nil
}

// ListenAddr is the host:port the client listener binds to
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// DialTimeout returns BACKEND_DIAL_TIMEOUT as a duration
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.BackendDialTimeout) * time.Second
}

// ClientWriteTimeout returns WRITE_TIMEOUT as a duration
func (c *Config) ClientWriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}

// SessionDrainTimeout returns DRAIN_TIMEOUT as a duration
func (c *Config) SessionDrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeout) * time.Second
}

// BreakerResetTimeout returns CIRCUIT_BREAKER_RESET_TIMEOUT as a duration
func (c *Config) BreakerResetTimeout() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
