package hostbridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/streamrelay"
	"github.com/ggoodman/streamrelay/events"
	"github.com/ggoodman/streamrelay/events/memory"
)

type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// readSSE parses frames until the stream closes.
func readSSE(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var out []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.Data != "" {
				out = append(out, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return out
}

func newBridge(t *testing.T) (*httptest.Server, *streamrelay.Relay) {
	t.Helper()
	sink := memory.New()
	t.Cleanup(func() { _ = sink.Close() })

	relay, err := streamrelay.New(sink)
	if err != nil {
		t.Fatalf("streamrelay.New: %v", err)
	}
	t.Cleanup(func() { _ = relay.Close() })

	h, err := New(relay, sink, WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, relay
}

func postFetch(t *testing.T, srv *httptest.Server, args StreamFetchArgs) *http.Response {
	t.Helper()
	b, _ := json.Marshal(args)
	resp, err := http.Post(srv.URL+"/stream_fetch", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST /stream_fetch: %v", err)
	}
	return resp
}

func TestBridge_StreamFetchAndEvents(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Up", "1")
		_, _ = io.WriteString(w, "hello")
	}))
	defer upstream.Close()

	srv, relay := newBridge(t)

	resp := postFetch(t, srv, StreamFetchArgs{Method: "GET", URL: upstream.URL})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status %d: %s", resp.StatusCode, b)
	}
	var sr streamrelay.StreamResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		t.Fatalf("decode StreamResponse: %v", err)
	}
	if sr.Status != 200 || sr.Headers["x-up"] != "1" || sr.RequestID == 0 {
		t.Fatalf("unexpected StreamResponse %+v", sr)
	}
	relay.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?request_id="+strconv.FormatUint(uint64(sr.RequestID), 10), nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Last-Event-ID", "0")
	evResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer evResp.Body.Close()
	if ct := evResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}

	frames := readSSE(t, evResp.Body)
	if len(frames) < 2 {
		t.Fatalf("expected chunk and end frames, got %v", frames)
	}

	var body strings.Builder
	for i, f := range frames {
		if f.Event != events.ChannelName || f.ID == "" {
			t.Fatalf("frame %d: unexpected %+v", i, f)
		}
		v, err := events.Decode([]byte(f.Data))
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		switch p := v.(type) {
		case *events.ChunkPayload:
			if i == len(frames)-1 {
				t.Fatalf("last frame must be the end event")
			}
			body.Write(p.Chunk)
		case *events.EndPayload:
			if i != len(frames)-1 || p.Status != 0 || p.RequestID != sr.RequestID {
				t.Fatalf("unexpected end frame %d: %+v", i, p)
			}
		}
	}
	if body.String() != "hello" {
		t.Fatalf("relayed body: got %q", body.String())
	}
}

func fetchResult(t *testing.T, srv *httptest.Server, url string) StreamFetchResult {
	t.Helper()
	resp := postFetch(t, srv, StreamFetchArgs{Method: "GET", URL: url})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status %d: %s", resp.StatusCode, b)
	}
	var res StreamFetchResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode StreamFetchResult: %v", err)
	}
	if res.StreamResponse == nil || res.LastEventID == "" {
		t.Fatalf("incomplete result %+v", res)
	}
	return res
}

func requestFrames(t *testing.T, srv *httptest.Server, requestID uint32, lastEventID string) []sseEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?request_id="+strconv.FormatUint(uint64(requestID), 10), nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Last-Event-ID", lastEventID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	return readSSE(t, resp.Body)
}

func TestBridge_ResultCursorReplaysRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.Path)
	}))
	defer upstream.Close()

	srv, relay := newBridge(t)

	first := fetchResult(t, srv, upstream.URL+"/first")
	relay.Wait()
	second := fetchResult(t, srv, upstream.URL+"/second")
	relay.Wait()

	firstFrames := requestFrames(t, srv, first.RequestID, first.LastEventID)
	secondFrames := requestFrames(t, srv, second.RequestID, second.LastEventID)
	if len(firstFrames) < 2 || len(secondFrames) < 2 {
		t.Fatalf("expected chunk and end frames, got %v and %v", firstFrames, secondFrames)
	}

	cursor, _ := strconv.ParseInt(second.LastEventID, 10, 64)
	for _, f := range firstFrames {
		if id, _ := strconv.ParseInt(f.ID, 10, 64); id > cursor {
			t.Fatalf("first request frame %s follows second cursor %d", f.ID, cursor)
		}
	}

	var body strings.Builder
	for _, f := range secondFrames {
		if id, _ := strconv.ParseInt(f.ID, 10, 64); id <= cursor {
			t.Fatalf("second request frame %s precedes its cursor %d", f.ID, cursor)
		}
		v, err := events.Decode([]byte(f.Data))
		if err != nil {
			t.Fatalf("decode frame %s: %v", f.ID, err)
		}
		if p, ok := v.(*events.ChunkPayload); ok {
			body.Write(p.Chunk)
		}
	}
	if body.String() != "/second" {
		t.Fatalf("second body: got %q", body.String())
	}
}

// deadlineRecorder records write deadlines set through an
// http.ResponseController.
type deadlineRecorder struct {
	*httptest.ResponseRecorder
	deadlines []time.Time
	flushErr  error
}

func (d *deadlineRecorder) SetWriteDeadline(t time.Time) error {
	d.deadlines = append(d.deadlines, t)
	return nil
}

func (d *deadlineRecorder) FlushError() error {
	if d.flushErr != nil {
		return d.flushErr
	}
	d.ResponseRecorder.Flush()
	return nil
}

func TestWriteSSEEvent_BoundsEachFrame(t *testing.T) {
	rec := &deadlineRecorder{ResponseRecorder: httptest.NewRecorder()}
	wf := &lockedWriteFlusher{
		Writer:  rec,
		Flusher: rec,
		ctx:     context.Background(),
		rc:      http.NewResponseController(rec),
		timeout: time.Minute,
	}

	before := time.Now()
	if err := writeSSEEvent(wf, "7", events.ChannelName, []byte(`{}`)); err != nil {
		t.Fatalf("writeSSEEvent: %v", err)
	}
	after := time.Now()

	if len(rec.deadlines) != 2 {
		t.Fatalf("expected arm and clear deadlines, got %v", rec.deadlines)
	}
	if d := rec.deadlines[0]; d.Before(before.Add(time.Minute)) || d.After(after.Add(time.Minute)) {
		t.Fatalf("frame deadline %v outside [%v, %v]", d, before.Add(time.Minute), after.Add(time.Minute))
	}
	if !rec.deadlines[1].IsZero() {
		t.Fatalf("deadline not cleared after frame: %v", rec.deadlines[1])
	}
	if got, want := rec.Body.String(), "id: 7\nevent: stream-response\ndata: {}\n\n"; got != want {
		t.Fatalf("frame: got %q want %q", got, want)
	}
}

func TestWriteSSEEvent_NoTimeoutLeavesDeadline(t *testing.T) {
	rec := &deadlineRecorder{ResponseRecorder: httptest.NewRecorder()}
	wf := &lockedWriteFlusher{Writer: rec, Flusher: rec, rc: http.NewResponseController(rec)}

	if err := writeSSEEvent(wf, "1", "", []byte(`{}`)); err != nil {
		t.Fatalf("writeSSEEvent: %v", err)
	}
	if len(rec.deadlines) != 0 {
		t.Fatalf("unexpected deadlines %v", rec.deadlines)
	}
}

func TestWriteSSEEvent_FlushTimeoutFails(t *testing.T) {
	rec := &deadlineRecorder{ResponseRecorder: httptest.NewRecorder(), flushErr: os.ErrDeadlineExceeded}
	wf := &lockedWriteFlusher{Writer: rec, Flusher: rec, rc: http.NewResponseController(rec), timeout: time.Second}

	err := writeSSEEvent(wf, "1", "", []byte(`{}`))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestBridge_StalledClientReleasesSink(t *testing.T) {
	sink := memory.New()
	defer sink.Close()
	relay, err := streamrelay.New(sink)
	if err != nil {
		t.Fatalf("streamrelay.New: %v", err)
	}
	defer relay.Close()
	h, err := New(relay, sink, WithLogger(slog.New(slog.DiscardHandler)), WithWriteTimeout(time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Every frame flush fails as it would once the write deadline passes.
	w := &deadlineRecorder{ResponseRecorder: httptest.NewRecorder(), flushErr: os.ErrDeadlineExceeded}
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req.Header.Set("Accept", "text/event-stream")
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(w, req)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The subscription registers asynchronously; keep emitting until the
	// failed frame ends it.
	for stopped := false; !stopped; {
		select {
		case <-done:
			stopped = true
		case <-ctx.Done():
			t.Fatalf("stream did not end after a failed frame")
		case <-time.After(time.Millisecond):
			if err := sink.Emit(ctx, events.ChannelName, events.ChunkPayload{RequestID: 1, Chunk: []byte("x")}); err != nil {
				t.Fatalf("emit: %v", err)
			}
		}
	}

	// More than a subscription buffers; none may block.
	for i := 0; i < 200; i++ {
		if err := sink.Emit(ctx, events.ChannelName, events.ChunkPayload{RequestID: 2, Chunk: []byte("y")}); err != nil {
			t.Fatalf("emit %d after disconnect: %v", i, err)
		}
	}
}

func TestBridge_RejectsInvalidMethod(t *testing.T) {
	srv, _ := newBridge(t)

	resp := postFetch(t, srv, StreamFetchArgs{Method: "DROP", URL: "http://example.test/"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: want 400 got %d", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != 400 || !strings.Contains(body.Error.Message, "invalid method") {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestBridge_RequiresJSONContentType(t *testing.T) {
	srv, _ := newBridge(t)

	resp, err := http.Post(srv.URL+"/stream_fetch", "text/plain", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status: want 415 got %d", resp.StatusCode)
	}
}

func TestBridge_MalformedJSON(t *testing.T) {
	srv, _ := newBridge(t)

	resp, err := http.Post(srv.URL+"/stream_fetch", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: want 400 got %d", resp.StatusCode)
	}
}

func TestBridge_EventsRequiresEventStreamAccept(t *testing.T) {
	srv, _ := newBridge(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/events", nil)
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status: want 415 got %d", resp.StatusCode)
	}
}

func TestBridge_EventsRejectsBadFilter(t *testing.T) {
	srv, _ := newBridge(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/events?request_id=abc", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: want 400 got %d", resp.StatusCode)
	}
}

func TestBridge_Schema(t *testing.T) {
	srv, _ := newBridge(t)

	resp, err := http.Get(srv.URL + "/schema")
	if err != nil {
		t.Fatalf("GET /schema: %v", err)
	}
	defer resp.Body.Close()

	var doc map[string]struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	args, ok := doc["stream_fetch_args"]
	if !ok || args.Type != "object" {
		t.Fatalf("missing stream_fetch_args schema: %v", doc)
	}
	for _, k := range []string{"method", "url", "headers", "body"} {
		if _, ok := args.Properties[k]; !ok {
			t.Fatalf("stream_fetch_args lacks %q", k)
		}
	}
	for _, k := range []string{"stream_response", "stream_fetch_result", "chunk_payload", "end_payload"} {
		if _, ok := doc[k]; !ok {
			t.Fatalf("missing %s schema", k)
		}
	}
	if _, ok := doc["end_payload"].Properties["status"]; !ok {
		t.Fatalf("end_payload lacks status")
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(nil, memory.New()); err == nil {
		t.Fatalf("expected error without relay")
	}
}
