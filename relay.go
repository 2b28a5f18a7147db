package streamrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/streamrelay/events"
	"github.com/ggoodman/streamrelay/headers"
	"github.com/ggoodman/streamrelay/internal/invoker"
	"github.com/ggoodman/streamrelay/internal/logctx"
	"github.com/ggoodman/streamrelay/internal/metrics"
	"github.com/ggoodman/streamrelay/internal/pump"
	"github.com/ggoodman/streamrelay/internal/reqid"
)

var (
	ErrInvalidMethod = invoker.ErrInvalidMethod
	ErrInvalidURL    = invoker.ErrInvalidURL
	ErrClientBuild   = invoker.ErrClientBuild
	ErrHeaderFormat  = headers.ErrHeaderFormat
	ErrEncoding      = headers.ErrEncoding

	// ErrRelayClosed is returned by StreamFetch after Close.
	ErrRelayClosed = errors.New("relay closed")
)

type (
	HeaderFormatError = headers.HeaderFormatError
	EncodingError     = headers.EncodingError
)

// TransportErrorStatus is reported in StreamResponse.Status when the request
// failed before any response was received.
const TransportErrorStatus = invoker.TransportErrorStatus

// StreamResponse acknowledges a relayed request once response headers are
// known. The body follows as events on events.ChannelName.
type StreamResponse struct {
	RequestID  uint32            `json:"request_id"`
	Status     int               `json:"status"`
	StatusText string            `json:"status_text"`
	Headers    map[string]string `json:"headers"`
}

// IDAllocator hands out request identifiers.
type IDAllocator interface {
	Next() uint32
}

// Option configures a Relay.
type Option func(*config)

type config struct {
	logger      *slog.Logger
	allocator   IDAllocator
	invokerOpts []invoker.Option
	metrics     *metrics.Metrics
	bufferSize  int
}

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithAllocator replaces the process-wide request ID counter.
func WithAllocator(a IDAllocator) Option {
	return func(c *config) { c.allocator = a }
}

// WithInvokerOptions configures the underlying HTTP client.
func WithInvokerOptions(opts ...invoker.Option) Option {
	return func(c *config) { c.invokerOpts = append(c.invokerOpts, opts...) }
}

// WithMetrics records relay activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithReadBufferSize bounds the size of each chunk event.
func WithReadBufferSize(n int) Option {
	return func(c *config) { c.bufferSize = n }
}

// Relay performs HTTP requests on behalf of a host and streams each response
// body to the host as chunk events followed by one end event.
type Relay struct {
	sink    events.Sink
	log     *slog.Logger
	ids     IDAllocator
	inv     *invoker.Invoker
	metrics *metrics.Metrics
	bufSize int

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards closed and inFlight; idle is signalled when inFlight
	// drops to zero.
	mu       sync.Mutex
	idle     *sync.Cond
	closed   bool
	inFlight int
}

// New creates a Relay that publishes body events to sink.
func New(sink events.Sink, opts ...Option) (*Relay, error) {
	if sink == nil {
		return nil, errors.New("streamrelay: sink is required")
	}
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if cfg.allocator == nil {
		cfg.allocator = reqid.New()
	}

	inv, err := invoker.New(cfg.invokerOpts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		sink:    sink,
		log:     logctx.Wrap(cfg.logger),
		ids:     cfg.allocator,
		inv:     inv,
		metrics: cfg.metrics,
		bufSize: cfg.bufferSize,
		ctx:     ctx,
		cancel:  cancel,
	}
	r.idle = sync.NewCond(&r.mu)
	return r, nil
}

// StreamFetch performs one request. It returns once response headers are
// available; the body is relayed in the background. Every request that
// returns a StreamResponse, including transport failures reported with
// TransportErrorStatus, produces exactly one end event. Requests rejected
// with an error produce no events.
//
// Cancelling ctx does not abort the body; only Close does.
func (r *Relay) StreamFetch(ctx context.Context, method, rawURL string, hdrs map[string]string, body []byte) (*StreamResponse, error) {
	if !r.acquire() {
		return nil, ErrRelayClosed
	}
	spawned := false
	defer func() {
		if !spawned {
			r.release()
		}
	}()

	id := r.ids.Next()
	ctx = logctx.WithRelayData(ctx, &logctx.RelayData{RequestID: id, Method: method, URL: rawURL})

	wire, err := headers.ToWire(hdrs)
	if err != nil {
		return nil, r.reject(ctx, err)
	}

	r.log.InfoContext(ctx, "relay.invoke",
		slog.String("method", method),
		slog.String("url", rawURL),
		slog.Any("headers", headers.Names(hdrs)),
	)

	reqCtx, stop := r.requestContext(ctx)
	resp, err := r.inv.Invoke(reqCtx, method, rawURL, wire, body)
	if err != nil {
		stop()
		return nil, r.reject(ctx, err)
	}

	respHeaders, err := headers.FromWire(resp.Header)
	if err != nil {
		resp.Body.Close()
		stop()
		return nil, r.reject(ctx, err)
	}

	if resp.TransportErr != nil {
		r.log.WarnContext(ctx, "relay.transport.fail", slog.String("err", resp.TransportErr.Error()))
		r.metrics.RequestDone(metrics.OutcomeTransportError)
	} else {
		r.metrics.RequestDone(metrics.OutcomeOK)
	}

	spawned = true
	go func() {
		defer r.release()
		defer stop()
		pump.Run(reqCtx, pump.Config{
			RequestID:  id,
			Body:       resp.Body,
			Sink:       r.sink,
			Logger:     r.log,
			Metrics:    r.metrics,
			BufferSize: r.bufSize,
		})
	}()

	return &StreamResponse{
		RequestID:  id,
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Headers:    respHeaders,
	}, nil
}

// Wait blocks until no request is in flight, meaning every started pump has
// emitted its end event. It may be called concurrently with StreamFetch; under
// continuous load it returns only once the relay is momentarily idle.
func (r *Relay) Wait() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.inFlight > 0 {
		r.idle.Wait()
	}
}

// Close rejects new requests, cancels in-flight bodies at their next chunk
// boundary and waits for their end events.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.Wait()
	return nil
}

func (r *Relay) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.inFlight++
	return true
}

func (r *Relay) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight--
	if r.inFlight == 0 {
		r.idle.Broadcast()
	}
}

// requestContext detaches the request from the caller so the body outlives
// StreamFetch, while still tying it to the relay lifetime.
func (r *Relay) requestContext(ctx context.Context) (context.Context, func()) {
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	unlink := context.AfterFunc(r.ctx, cancel)
	return reqCtx, func() {
		unlink()
		cancel()
	}
}

func (r *Relay) reject(ctx context.Context, err error) error {
	r.log.WarnContext(ctx, "relay.reject", slog.String("err", err.Error()))
	r.metrics.RequestDone(metrics.OutcomeRejected)
	return fmt.Errorf("stream_fetch: %w", err)
}
