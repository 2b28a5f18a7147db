package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is loaded from the environment.
type Config struct {
	// ListenAddr for the host bridge and /metrics. ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=127.0.0.1:8080"`
	// RedisAddr selects the Redis Streams sink when set; otherwise events are
	// kept in memory. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
	// KeyPrefix for Redis keys. ENV: EVENTS_KEY_PREFIX
	KeyPrefix string `env:"EVENTS_KEY_PREFIX,default=streamrelay:events:"`
	// MaxLen is the approximate Redis stream length. ENV: EVENTS_MAX_LEN
	MaxLen int64 `env:"EVENTS_MAX_LEN,default=10000"`
	// History is the in-memory replay depth. ENV: EVENTS_HISTORY
	History int `env:"EVENTS_HISTORY,default=1024"`

	UserAgent             string        `env:"RELAY_USER_AGENT"`
	ResponseHeaderTimeout time.Duration `env:"RELAY_RESPONSE_HEADER_TIMEOUT,default=30s"`
	ReadBufferSize        int           `env:"RELAY_READ_BUFFER_SIZE,default=32768"`
	ProxyURL              string        `env:"RELAY_PROXY_URL"`

	// SSEWriteTimeout bounds one event frame to a host. ENV: SSE_WRITE_TIMEOUT
	SSEWriteTimeout time.Duration `env:"SSE_WRITE_TIMEOUT,default=10s"`

	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// LogFormat is json or text. ENV: LOG_FORMAT
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8080"
	}
	return cfg, nil
}

func newLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.LogFormat) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT %q", cfg.LogFormat)
	}
}
