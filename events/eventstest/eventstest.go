package eventstest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/streamrelay/events"
	"github.com/google/uuid"
)

// Backend is a sink that can also be subscribed to.
type Backend interface {
	events.Sink
	events.Subscriber
}

// BackendFactory creates a new backend instance for testing.
type BackendFactory func(t *testing.T) Backend

// RunSinkTests runs the complete sink test suite against the provided factory.
func RunSinkTests(t *testing.T, factory BackendFactory) {
	t.Run("EmitAndSubscribeFromNext", func(t *testing.T) { testEmitAndSubscribeFromNext(t, factory) })
	t.Run("ReplayFromZero", func(t *testing.T) { testReplayFromZero(t, factory) })
	t.Run("ResumeAfterLastEventID", func(t *testing.T) { testResumeAfterLastEventID(t, factory) })
	t.Run("MultipleSubscribers", func(t *testing.T) { testMultipleSubscribers(t, factory) })
	t.Run("ChannelIsolation", func(t *testing.T) { testChannelIsolation(t, factory) })
	t.Run("SubscriptionContextCancellation", func(t *testing.T) { testSubscriptionContextCancellation(t, factory) })
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStopsSubscription(t, factory) })
	t.Run("CursorResumesAfterCall", func(t *testing.T) { testCursorResumesAfterCall(t, factory) })
}

func channelName(t *testing.T) string {
	return "test:" + t.Name() + ":" + uuid.NewString()
}

func testEmitAndSubscribeFromNext(t *testing.T, factory BackendFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name := channelName(t)

	// Emitted before the subscription starts; must not be delivered.
	if err := b.Emit(ctx, name, events.ChunkPayload{RequestID: 1, Chunk: []byte("early")}); err != nil {
		t.Fatalf("emit early: %v", err)
	}

	received := make(chan events.Envelope, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, name, "", func(ctx context.Context, env events.Envelope) error {
			received <- env
			cancel()
			return nil
		})
	}()

	time.Sleep(100 * time.Millisecond)

	if err := b.Emit(ctx, name, events.EndPayload{RequestID: 1}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe returned: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not complete within timeout")
	}

	env := <-received
	if env.ID == "" {
		t.Fatalf("expected non-empty event id")
	}
	if env.Name != name {
		t.Fatalf("expected name %q, got %q", name, env.Name)
	}
	v, err := events.Decode(env.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := v.(*events.EndPayload); !ok {
		t.Fatalf("expected end payload, got %T", v)
	}
}

func testReplayFromZero(t *testing.T, factory BackendFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name := channelName(t)

	const n = 25
	for i := 0; i < n; i++ {
		if err := b.Emit(ctx, name, events.ChunkPayload{RequestID: 3, Chunk: []byte(strconv.Itoa(i))}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}

	got := collect(t, ctx, b, name, "0", n)
	for i, env := range got {
		v, err := events.Decode(env.Data)
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		c, ok := v.(*events.ChunkPayload)
		if !ok {
			t.Fatalf("event %d: expected chunk, got %T", i, v)
		}
		if want := strconv.Itoa(i); string(c.Chunk) != want {
			t.Fatalf("event %d out of order: want %q got %q", i, want, c.Chunk)
		}
	}
}

func testResumeAfterLastEventID(t *testing.T, factory BackendFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name := channelName(t)

	for i := 0; i < 3; i++ {
		if err := b.Emit(ctx, name, events.ChunkPayload{RequestID: 4, Chunk: []byte{byte('a' + i)}}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}

	all := collect(t, ctx, b, name, "0", 3)
	rest := collect(t, ctx, b, name, all[0].ID, 2)

	if rest[0].ID != all[1].ID || rest[1].ID != all[2].ID {
		t.Fatalf("resume mismatch: all=%v rest=%v", ids(all), ids(rest))
	}
}

func testMultipleSubscribers(t *testing.T, factory BackendFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name := channelName(t)

	var mu sync.Mutex
	counts := make([]int, 2)
	var wg sync.WaitGroup
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = b.Subscribe(ctx, name, "", func(ctx context.Context, env events.Envelope) error {
				mu.Lock()
				counts[i]++
				mu.Unlock()
				return nil
			})
		}(i)
	}

	time.Sleep(100 * time.Millisecond)

	if err := b.Emit(ctx, name, events.EndPayload{RequestID: 5}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	cancel()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, c := range counts {
		if c != 1 {
			t.Fatalf("subscriber %d expected 1 event, got %d", i, c)
		}
	}
}

func testChannelIsolation(t *testing.T, factory BackendFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := channelName(t) + ":a"
	other := channelName(t) + ":b"

	if err := b.Emit(ctx, a, events.EndPayload{RequestID: 6}); err != nil {
		t.Fatalf("emit a: %v", err)
	}
	if err := b.Emit(ctx, other, events.EndPayload{RequestID: 7}); err != nil {
		t.Fatalf("emit b: %v", err)
	}

	got := collect(t, ctx, b, a, "0", 1)
	v, err := events.Decode(got[0].Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if end := v.(*events.EndPayload); end.RequestID != 6 {
		t.Fatalf("expected request 6 on channel a, got %d", end.RequestID)
	}

	// Nothing else must arrive on channel a.
	quiet, qcancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer qcancel()
	err = b.Subscribe(quiet, a, got[0].ID, func(ctx context.Context, env events.Envelope) error {
		return fmt.Errorf("unexpected event %s on channel a", env.ID)
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected quiet channel, got %v", err)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory BackendFactory) {
	b := factory(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, channelName(t), "", func(ctx context.Context, env events.Envelope) error {
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not stop after cancellation")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BackendFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name := channelName(t)
	if err := b.Emit(ctx, name, events.EndPayload{RequestID: 8}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	boom := errors.New("boom")
	err := b.Subscribe(ctx, name, "0", func(ctx context.Context, env events.Envelope) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func testCursorResumesAfterCall(t *testing.T, factory BackendFactory) {
	b := factory(t)
	cur, ok := b.(events.Cursor)
	if !ok {
		t.Skip("backend does not report cursors")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name := channelName(t)

	// A cursor on an empty channel replays everything that follows.
	empty, err := cur.LastEventID(ctx, name)
	if err != nil {
		t.Fatalf("cursor on empty channel: %v", err)
	}

	if err := b.Emit(ctx, name, events.ChunkPayload{RequestID: 1, Chunk: []byte("before")}); err != nil {
		t.Fatalf("emit before: %v", err)
	}
	mid, err := cur.LastEventID(ctx, name)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	for _, chunk := range []string{"after-1", "after-2"} {
		if err := b.Emit(ctx, name, events.ChunkPayload{RequestID: 2, Chunk: []byte(chunk)}); err != nil {
			t.Fatalf("emit %s: %v", chunk, err)
		}
	}

	got := collect(t, ctx, b, name, mid, 2)
	for i, env := range got {
		var p events.ChunkPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if want := fmt.Sprintf("after-%d", i+1); string(p.Chunk) != want || p.RequestID != 2 {
			t.Fatalf("event %d: got request %d chunk %q, want %q", i, p.RequestID, p.Chunk, want)
		}
	}

	all := collect(t, ctx, b, name, empty, 3)
	if len(all) != 3 {
		t.Fatalf("expected 3 events after empty cursor, got %v", ids(all))
	}
}

func collect(t *testing.T, ctx context.Context, b Backend, name, lastEventID string, n int) []events.Envelope {
	t.Helper()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var got []events.Envelope
	err := b.Subscribe(ctx, name, lastEventID, func(ctx context.Context, env events.Envelope) error {
		got = append(got, env)
		if len(got) >= n {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("collect %d events from %q: %v (got %d)", n, name, err, len(got))
	}
	return got
}

func ids(envs []events.Envelope) []string {
	out := make([]string, len(envs))
	for i, env := range envs {
		out[i] = env.ID
	}
	return out
}

// Recorded is one emission captured by a Recorder.
type Recorded struct {
	Name string
	// Payload is *events.ChunkPayload or *events.EndPayload, decoded from
	// the JSON a host would receive.
	Payload any
}

// Recorder is a Sink that captures emissions in order for assertions.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
	ended  map[uint32]chan struct{}

	failAfter int
	failErr   error
	emits     int
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{ended: make(map[uint32]chan struct{}), failAfter: -1}
}

// FailAfter makes every emission after the first n return err.
func (r *Recorder) FailAfter(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAfter = n
	r.failErr = err
}

// Emit implements events.Sink.
func (r *Recorder) Emit(ctx context.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	v, err := events.Decode(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failAfter >= 0 && r.emits >= r.failAfter {
		return r.failErr
	}
	r.emits++
	r.events = append(r.events, Recorded{Name: name, Payload: v})
	if end, ok := v.(*events.EndPayload); ok {
		ch := r.endCh(end.RequestID)
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	return nil
}

// All returns every recorded emission.
func (r *Recorder) All() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}

// For returns the recorded payloads belonging to one request, in order.
func (r *Recorder) For(requestID uint32) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, rec := range r.events {
		switch p := rec.Payload.(type) {
		case *events.ChunkPayload:
			if p.RequestID == requestID {
				out = append(out, p)
			}
		case *events.EndPayload:
			if p.RequestID == requestID {
				out = append(out, p)
			}
		}
	}
	return out
}

// WaitEnd blocks until the end event for requestID was recorded.
func (r *Recorder) WaitEnd(t testing.TB, requestID uint32, timeout time.Duration) []any {
	t.Helper()
	r.mu.Lock()
	ch := r.endCh(requestID)
	r.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("no end event for request %d within %s", requestID, timeout)
	}
	return r.For(requestID)
}

// endCh must be called with r.mu held.
func (r *Recorder) endCh(requestID uint32) chan struct{} {
	ch, ok := r.ended[requestID]
	if !ok {
		ch = make(chan struct{})
		r.ended[requestID] = ch
	}
	return ch
}

var _ events.Sink = (*Recorder)(nil)
