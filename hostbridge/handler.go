// Package hostbridge exposes a relay to a host application over HTTP.
//
// Commands are JSON POSTs; relayed body events are delivered as a
// Server-Sent Events stream that can be resumed with Last-Event-ID.
//
// A host learns a request's ID only from the command result, after its
// events may already have been emitted. To read them, either keep an
// unfiltered GET /events open before posting, or open
// GET /events?request_id=N with Last-Event-ID set to the result's
// last_event_id. The second form replays from retained history, so it
// fails to see events once the sink has discarded them.
package hostbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/streamrelay"
	"github.com/ggoodman/streamrelay/events"
	"github.com/ggoodman/streamrelay/internal/logctx"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader = "Last-Event-ID"

	// DefaultMaxCommandBytes bounds the size of a stream_fetch command body.
	DefaultMaxCommandBytes = 16 << 20

	// DefaultWriteTimeout bounds how long one SSE frame may take to reach a
	// client. A client that stops reading is disconnected so the sink is not
	// held up.
	DefaultWriteTimeout = 10 * time.Second
)

// errStreamDone stops a filtered subscription after its end event.
var errStreamDone = errors.New("stream done")

// Fetcher is the relay capability the bridge drives.
type Fetcher interface {
	StreamFetch(ctx context.Context, method, url string, headers map[string]string, body []byte) (*streamrelay.StreamResponse, error)
}

// StreamFetchArgs is the body of POST /stream_fetch.
type StreamFetchArgs struct {
	Method  string            `json:"method" jsonschema:"required,description=HTTP method such as GET or POST"`
	URL     string            `json:"url" jsonschema:"required,description=Absolute http or https URL"`
	Headers map[string]string `json:"headers,omitempty" jsonschema:"description=Request headers keyed by name"`
	Body    []byte            `json:"body,omitempty" jsonschema:"description=Base64 request payload; sent only for methods that permit a body"`
}

// StreamFetchResult is the body of a successful POST /stream_fetch.
type StreamFetchResult struct {
	*streamrelay.StreamResponse
	// LastEventID precedes every event of this request on the
	// stream-response channel. Empty when the subscriber cannot report one.
	LastEventID string `json:"last_event_id,omitempty" jsonschema:"description=Last-Event-ID from which GET /events replays this request"`
}

// writeJSONError emits {"error":{"code":<httpStatus>,"message":"<reason>"}}.
// Safe to call after some headers set but before status written.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger          *slog.Logger
	maxCommandBytes int64
	writeTimeout    time.Duration
}

// WithLogger sets the logger used by the bridge. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithMaxCommandBytes bounds the accepted size of a stream_fetch command.
func WithMaxCommandBytes(n int64) Option {
	return func(c *newConfig) { c.maxCommandBytes = n }
}

// WithWriteTimeout bounds the time spent writing one SSE frame. Zero or
// negative disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.writeTimeout = d }
}

// Handler serves the host-facing endpoints:
//
//	POST /stream_fetch  run a relay command
//	GET  /events        Server-Sent Events of the stream-response channel
//	GET  /schema        JSON Schemas of the command and event payloads
type Handler struct {
	mux     *http.ServeMux
	log     *slog.Logger
	relay   Fetcher
	sub     events.Subscriber
	schemas map[string]*jsonschema.Schema
	maxBody int64
	timeout time.Duration
}

// lockedWriteFlusher serializes writes and flushes and refuses to write after
// ctx is canceled. When rc is set, each frame gets timeout to reach the
// client.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu      sync.Mutex
	ctx     context.Context
	rc      *http.ResponseController
	timeout time.Duration
}

// beginFrame arms the write deadline for the next frame.
func (l *lockedWriteFlusher) beginFrame() error {
	return l.setDeadline(time.Now().Add(l.timeout))
}

// endFrame flushes the frame and clears the deadline so an idle stream stays
// open.
func (l *lockedWriteFlusher) endFrame() error {
	if l.rc == nil || l.timeout <= 0 {
		l.Flush()
		return nil
	}
	l.mu.Lock()
	err := l.rc.Flush()
	if errors.Is(err, http.ErrNotSupported) {
		l.Flusher.Flush()
		err = nil
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.setDeadline(time.Time{})
}

func (l *lockedWriteFlusher) setDeadline(t time.Time) error {
	if l.rc == nil || l.timeout <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rc.SetWriteDeadline(t); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a Handler. relay and sub are required; sub must observe the
// sink the relay emits to.
func New(relay Fetcher, sub events.Subscriber, opts ...Option) (*Handler, error) {
	if relay == nil {
		return nil, fmt.Errorf("relay is required")
	}
	if sub == nil {
		return nil, fmt.Errorf("subscriber is required")
	}

	cfg := &newConfig{
		logger:          slog.Default(),
		maxCommandBytes: DefaultMaxCommandBytes,
		writeTimeout:    DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:     logctx.Wrap(cfg.logger),
		relay:   relay,
		sub:     sub,
		schemas: reflectSchemas(),
		maxBody: cfg.maxCommandBytes,
		timeout: cfg.writeTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /stream_fetch", h.handleStreamFetch)
	mux.HandleFunc("GET /events", h.handleEvents)
	mux.HandleFunc("GET /schema", h.handleSchema)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handleStreamFetch runs one relay command and answers with the
// StreamResponse once upstream headers arrive.
func (h *Handler) handleStreamFetch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var args StreamFetchArgs
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&args); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}

	var cursor string
	if c, ok := h.sub.(events.Cursor); ok {
		if cursor, err = c.LastEventID(ctx, events.ChannelName); err != nil {
			h.log.WarnContext(ctx, "events.cursor.fail", slog.String("err", err.Error()))
			cursor = ""
		}
	}

	resp, err := h.relay.StreamFetch(ctx, args.Method, args.URL, args.Headers, args.Body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, streamrelay.ErrRelayClosed) {
			status = http.StatusServiceUnavailable
		}
		writeJSONError(w, status, err.Error())
		h.log.WarnContext(ctx, "http.stream_fetch.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(StreamFetchResult{StreamResponse: resp, LastEventID: cursor}); err != nil {
		h.log.ErrorContext(ctx, "http.write.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "http.stream_fetch.ok",
		slog.Uint64("request_id", uint64(resp.RequestID)),
		slog.Int("status", resp.Status),
		slog.Duration("dur", time.Since(start)),
	)
}

// handleEvents streams the stream-response channel. With ?request_id=N only
// that request's events are delivered and the stream closes after its end
// event.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	var filter uint32
	if raw := r.URL.Query().Get("request_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || id == 0 {
			writeJSONError(w, http.StatusBadRequest, "request_id must be a positive integer")
			return
		}
		filter = uint32(id)
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{
		Writer:  w,
		Flusher: f,
		ctx:     ctx,
		rc:      http.NewResponseController(w),
		timeout: h.timeout,
	}

	lastEventID := r.Header.Get(lastEventIDHeader)

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", lastEventID))

	err := h.sub.Subscribe(ctx, events.ChannelName, lastEventID, func(cbCtx context.Context, env events.Envelope) error {
		var end bool
		if filter != 0 {
			v, err := events.Decode(env.Data)
			if err != nil {
				h.log.WarnContext(cbCtx, "sse.event.decode.fail", slog.String("err", err.Error()))
				return nil
			}
			switch p := v.(type) {
			case *events.ChunkPayload:
				if p.RequestID != filter {
					return nil
				}
			case *events.EndPayload:
				if p.RequestID != filter {
					return nil
				}
				end = true
			}
		}

		if err := writeSSEEvent(wf, env.ID, env.Name, env.Data); err != nil {
			h.log.ErrorContext(cbCtx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		if end {
			return errStreamDone
		}
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errStreamDone):
	case errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "subscribe.done")
	default:
		h.log.ErrorContext(ctx, "subscribe.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(h.schemas); err != nil {
		h.log.ErrorContext(r.Context(), "http.write.fail", slog.String("err", err.Error()))
	}
}

func writeSSEEvent(wf *lockedWriteFlusher, id, event string, payload []byte) error {
	if err := wf.beginFrame(); err != nil {
		return fmt.Errorf("failed to set SSE write deadline: %w", err)
	}
	if id != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", id); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", event); err != nil {
			return fmt.Errorf("failed to write SSE event name: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	if err := wf.endFrame(); err != nil {
		return fmt.Errorf("failed to flush SSE frame: %w", err)
	}
	return nil
}

func reflectSchemas() map[string]*jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return map[string]*jsonschema.Schema{
		"stream_fetch_args":   r.Reflect(new(StreamFetchArgs)),
		"stream_response":     r.Reflect(new(streamrelay.StreamResponse)),
		"stream_fetch_result": r.Reflect(new(StreamFetchResult)),
		"chunk_payload":       r.Reflect(new(events.ChunkPayload)),
		"end_payload":         r.Reflect(new(events.EndPayload)),
	}
}
