// Package redis implements events.Sink and events.Subscriber on Redis
// Streams so that a host can consume relay events from another process.
//
// Each channel maps to one stream key. Emit uses XADD with an approximate
// MAXLEN to bound growth; Subscribe polls with blocking XREAD and resumes
// from stream IDs, which double as event IDs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ggoodman/streamrelay/events"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed sink. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTS_KEY_PREFIX
	KeyPrefix string `env:"EVENTS_KEY_PREFIX,default=streamrelay:events:"`
	// MaxLen is the approximate number of events kept per channel. ENV: EVENTS_MAX_LEN
	MaxLen int64 `env:"EVENTS_MAX_LEN,default=10000"`
	// Client overrides Addr when set.
	Client redis.UniversalClient
}

// Sink is a Redis Streams-based implementation of events.Sink.
type Sink struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	block     time.Duration
	closed    atomic.Bool
}

// New creates a Redis-backed sink and verifies connectivity.
func New(cfg Config) (*Sink, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "streamrelay:events:"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}

	return &Sink{
		client:    client,
		keyPrefix: prefix,
		maxLen:    maxLen,
		block:     500 * time.Millisecond,
	}, nil
}

// NewFromEnv builds a Sink using envdecode to populate Config.
func NewFromEnv() (*Sink, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (s *Sink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.client.Close()
}

// Emit implements events.Sink.
func (s *Sink) Emit(ctx context.Context, name string, payload any) error {
	if s.closed.Load() {
		return events.ErrSinkClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %q event: %w", name, err)
	}

	key := s.streamKey(name)
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{"d": data},
	}).Err()
	if err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return events.ErrSinkClosed
		}
		return fmt.Errorf("failed to publish event to stream %s: %w", key, err)
	}
	return nil
}

// Subscribe implements events.Subscriber.
func (s *Sink) Subscribe(ctx context.Context, name string, lastEventID string, h events.HandlerFunc) error {
	if s.closed.Load() {
		return events.ErrSinkClosed
	}
	key := s.streamKey(name)

	start := lastEventID
	if start == "" {
		// Pin "$" to a concrete ID so events emitted between polls are not skipped.
		last, err := s.lastID(ctx, key)
		if err != nil {
			return err
		}
		start = last
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, start},
			Count:   100,
			Block:   s.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return s.readErr(ctx, key, err)
		}

		for _, stream := range res {
			for _, m := range stream.Messages {
				start = m.ID

				var data []byte
				switch v := m.Values["d"].(type) {
				case string:
					data = []byte(v)
				case []byte:
					data = v
				default:
					// Skip malformed entries
					continue
				}

				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := h(ctx, events.Envelope{ID: m.ID, Name: name, Data: data}); err != nil {
					return err
				}
			}
		}
	}
}

// LastEventID implements events.Cursor.
func (s *Sink) LastEventID(ctx context.Context, name string) (string, error) {
	if s.closed.Load() {
		return "", events.ErrSinkClosed
	}
	return s.lastID(ctx, s.streamKey(name))
}

func (s *Sink) lastID(ctx context.Context, key string) (string, error) {
	last, err := s.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", s.readErr(ctx, key, err)
	}
	if len(last) == 0 {
		return "0-0", nil
	}
	return last[0].ID, nil
}

// Cleanup removes the stream backing a channel.
func (s *Sink) Cleanup(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.streamKey(name)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup channel %s: %w", name, err)
	}
	return nil
}

func (s *Sink) readErr(ctx context.Context, key string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, redis.ErrClosed) {
		return events.ErrSinkClosed
	}
	return fmt.Errorf("failed to read from stream %s: %w", key, err)
}

func (s *Sink) streamKey(name string) string {
	return s.keyPrefix + "stream:" + name
}

// Interface compliance
var (
	_ events.Sink       = (*Sink)(nil)
	_ events.Subscriber = (*Sink)(nil)
	_ events.Cursor     = (*Sink)(nil)
)
