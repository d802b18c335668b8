package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/will-x86/storagebridge/host"
	"github.com/will-x86/storagebridge/logger"
)

// Config is read from BRIDGE_* environment variables. Flags override it.
type Config struct {
	Addr string `env:"BRIDGE_ADDR" envDefault:":8080"`
	// DBPath holds the host's canonical store. An empty StorageDir selects
	// SQLite.
	DBPath     string `env:"BRIDGE_DB_PATH"     envDefault:"./data/bridge.db"`
	StorageDir string `env:"BRIDGE_STORAGE_DIR"`
	// QueuePath and ShadowPath back the client side of the CLI.
	QueuePath  string `env:"BRIDGE_QUEUE_PATH"  envDefault:"./data/queue.db"`
	ShadowPath string `env:"BRIDGE_SHADOW_PATH" envDefault:"./data/shadow.db"`

	AllowedOrigins []string `env:"BRIDGE_ALLOWED_ORIGINS" envSeparator:","`
	RateLimit      int      `env:"BRIDGE_RATE_LIMIT"      envDefault:"0"`

	HandshakeTimeout time.Duration `env:"BRIDGE_HANDSHAKE_TIMEOUT" envDefault:"3s"`
	RequestTimeout   time.Duration `env:"BRIDGE_REQUEST_TIMEOUT"   envDefault:"5s"`

	LogLevel  string `env:"BRIDGE_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"BRIDGE_LOG_FORMAT" envDefault:"text"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.LogFormat {
	case "text", "json", "zerolog", "std":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative, got %d", c.RateLimit)
	}
	if c.HandshakeTimeout <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// OriginPolicy returns the allow-list for the host. With no patterns set,
// only loopback pages are allowed, which suits local development.
func (c Config) OriginPolicy() host.OriginPolicy {
	patterns := make([]string, 0, len(c.AllowedOrigins))
	for _, p := range c.AllowedOrigins {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	if len(patterns) == 0 {
		return host.NewGlobPolicy("localhost", "127.0.0.1")
	}
	return host.NewGlobPolicy(patterns...)
}

// Logger builds the configured logger writing to w, or stderr when w is nil.
func (c Config) Logger(w io.Writer) logger.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := logger.ParseLevel(c.LogLevel)

	switch c.LogFormat {
	case "zerolog":
		return logger.NewZerologLoggerWithOptions(logger.ZerologOptions{
			Level:     strings.ToLower(c.LogLevel),
			Output:    w,
			Component: "storagebridge",
		})
	case "std":
		return logger.NewStdLoggerWithLevel(level)
	case "json":
		return logger.NewSlogLoggerWithOptions(logger.SlogOptions{Level: level, JSON: true, Output: w})
	default:
		return logger.NewSlogLoggerWithOptions(logger.SlogOptions{Level: level, Output: w})
	}
}
