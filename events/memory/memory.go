// Package memory provides an in-memory implementation of events.Sink and
// events.Subscriber using Go channels for delivery. It is suitable for hosts
// that embed the relay in the same process, and for tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/streamrelay/events"
)

// DefaultHistory is the number of events retained per channel for replay.
const DefaultHistory = 1024

// Sink implements events.Sink and events.Subscriber with per-channel
// ordered delivery. Delivery to a slow subscriber blocks the emitter rather
// than dropping events.
type Sink struct {
	mu       sync.RWMutex
	channels map[string]*channel
	counter  atomic.Int64
	history  int

	done      chan struct{}
	closeOnce sync.Once
}

type channel struct {
	mu          sync.Mutex
	events      []events.Envelope
	subscribers map[*subscription]struct{}
}

type subscription struct {
	ch   chan events.Envelope
	left chan struct{}
}

// Option configures a Sink.
type Option func(*Sink)

// WithHistory sets how many events are retained per channel for resumption.
// Zero or a negative value disables retention.
func WithHistory(n int) Option {
	return func(s *Sink) {
		if n < 0 {
			n = 0
		}
		s.history = n
	}
}

// New creates a memory-backed sink.
func New(opts ...Option) *Sink {
	s := &Sink{
		channels: make(map[string]*channel),
		history:  DefaultHistory,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit implements events.Sink.
func (s *Sink) Emit(ctx context.Context, name string, payload any) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.isClosed() {
		return events.ErrSinkClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %q event: %w", name, err)
	}

	ch := s.channel(name)

	ch.mu.Lock()
	defer ch.mu.Unlock()

	// Assigned under the channel lock so IDs follow storage order.
	env := events.Envelope{
		ID:   strconv.FormatInt(s.counter.Add(1), 10),
		Name: name,
		Data: data,
	}

	if s.history > 0 {
		ch.events = append(ch.events, env)
		if over := len(ch.events) - s.history; over > 0 {
			ch.events = append(ch.events[:0:0], ch.events[over:]...)
		}
	}

	for sub := range ch.subscribers {
		select {
		case sub.ch <- env:
		case <-sub.left:
			delete(ch.subscribers, sub)
		case <-s.done:
			return events.ErrSinkClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Subscribe implements events.Subscriber.
func (s *Sink) Subscribe(ctx context.Context, name string, lastEventID string, h events.HandlerFunc) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.isClosed() {
		return events.ErrSinkClosed
	}

	var after int64 = -1
	if lastEventID != "" {
		n, err := strconv.ParseInt(lastEventID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid last event id %q: %w", lastEventID, err)
		}
		after = n
	}

	ch := s.channel(name)
	sub := &subscription{
		ch:   make(chan events.Envelope, 64),
		left: make(chan struct{}),
	}

	ch.mu.Lock()
	ch.subscribers[sub] = struct{}{}
	var replay []events.Envelope
	if after >= 0 {
		for _, env := range ch.events {
			if id, _ := strconv.ParseInt(env.ID, 10, 64); id > after {
				replay = append(replay, env)
			}
		}
	}
	ch.mu.Unlock()

	defer func() {
		close(sub.left)
		ch.mu.Lock()
		delete(ch.subscribers, sub)
		ch.mu.Unlock()
	}()

	for _, env := range replay {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := h(ctx, env); err != nil {
			return err
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case env := <-sub.ch:
			if err := h(ctx, env); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return events.ErrSinkClosed
		}
	}
}

// LastEventID implements events.Cursor. IDs are drawn from one counter
// shared by all channels, so its current value is a valid cursor for any.
func (s *Sink) LastEventID(ctx context.Context, name string) (string, error) {
	if s.isClosed() {
		return "", events.ErrSinkClosed
	}
	return strconv.FormatInt(s.counter.Load(), 10), nil
}

// Events returns a snapshot of the retained events on the named channel.
func (s *Sink) Events(name string) []events.Envelope {
	s.mu.RLock()
	ch, ok := s.channels[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]events.Envelope, len(ch.events))
	copy(out, ch.events)
	return out
}

// Close stops all subscriptions; further emits fail with events.ErrSinkClosed.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *Sink) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Sink) channel(name string) *channel {
	s.mu.RLock()
	ch, ok := s.channels[name]
	s.mu.RUnlock()
	if ok {
		return ch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[name]; ok {
		return ch
	}
	ch = &channel{subscribers: make(map[*subscription]struct{})}
	s.channels[name] = ch
	return ch
}

// Compile-time interface checks
var (
	_ events.Sink       = (*Sink)(nil)
	_ events.Subscriber = (*Sink)(nil)
	_ events.Cursor     = (*Sink)(nil)
)
