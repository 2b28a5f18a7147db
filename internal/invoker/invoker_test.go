package invoker

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInvoke_GET(t *testing.T) {
	var gotUA, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "short and stout")
	}))
	defer srv.Close()

	inv, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := inv.Invoke(context.Background(), "get", srv.URL, nil, []byte("ignored"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	defer resp.Body.Close()

	if resp.Status != http.StatusTeapot || resp.StatusText != "I'm a teapot" {
		t.Fatalf("unexpected status %d %q", resp.Status, resp.StatusText)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Fatalf("missing upstream header: %v", resp.Header)
	}
	if gotUA != DefaultUserAgent {
		t.Fatalf("user agent: got %q", gotUA)
	}
	if gotBody != "" {
		t.Fatalf("GET must not carry a body, got %q", gotBody)
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "short and stout" {
		t.Fatalf("body: got %q", b)
	}
}

func TestInvoke_POSTBodyAndHeaders(t *testing.T) {
	var gotBody, gotUA, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotUA = r.Header.Get("User-Agent")
		gotCustom = r.Header.Get("X-Custom")
	}))
	defer srv.Close()

	inv, err := New(WithUserAgent("relay-test/1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := http.Header{}
	h.Set("X-Custom", "v1")
	resp, err := inv.Invoke(context.Background(), http.MethodPost, srv.URL, h, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	resp.Body.Close()

	if gotBody != `{"a":1}` || gotUA != "relay-test/1" || gotCustom != "v1" {
		t.Fatalf("unexpected upstream view: body=%q ua=%q custom=%q", gotBody, gotUA, gotCustom)
	}
}

func TestInvoke_CallerUserAgentWins(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	inv, _ := New()
	h := http.Header{}
	h.Set("User-Agent", "mine")
	resp, err := inv.Invoke(context.Background(), http.MethodGet, srv.URL, h, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	resp.Body.Close()
	if gotUA != "mine" {
		t.Fatalf("user agent: got %q", gotUA)
	}
}

func TestInvoke_TransportErrorIs599(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	inv, _ := New()
	resp, err := inv.Invoke(context.Background(), http.MethodGet, "http://"+addr+"/", nil, nil)
	if err != nil {
		t.Fatalf("transport failures must not be returned as errors: %v", err)
	}
	defer resp.Body.Close()

	if resp.Status != TransportErrorStatus {
		t.Fatalf("status: want 599 got %d", resp.Status)
	}
	if resp.TransportErr == nil || resp.StatusText == "" {
		t.Fatalf("expected diagnostic, got %q (%v)", resp.StatusText, resp.TransportErr)
	}
	if strings.Contains(resp.StatusText, "http://") {
		t.Fatalf("diagnostic should not repeat the url: %q", resp.StatusText)
	}
	if len(resp.Header) != 0 {
		t.Fatalf("expected no headers, got %v", resp.Header)
	}
	if b, _ := io.ReadAll(resp.Body); len(b) != 0 {
		t.Fatalf("expected empty body, got %q", b)
	}
}

func TestInvoke_PreflightErrors(t *testing.T) {
	inv, _ := New()
	cases := []struct {
		name   string
		method string
		url    string
		want   error
	}{
		{"unknown method", "DROP", "http://example.test/", ErrInvalidMethod},
		{"empty method", "", "http://example.test/", ErrInvalidMethod},
		{"relative url", "GET", "/just/a/path", ErrInvalidURL},
		{"bad scheme", "GET", "ftp://example.test/file", ErrInvalidURL},
		{"garbage", "GET", "http://[::1", ErrInvalidURL},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := inv.Invoke(context.Background(), tc.method, tc.url, nil, nil)
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v got %v", tc.want, err)
			}
			if resp != nil {
				t.Fatalf("expected nil response on pre-flight error")
			}
		})
	}
}

func TestNew_InvalidProxy(t *testing.T) {
	if _, err := New(WithProxy("::not a url")); !errors.Is(err, ErrClientBuild) {
		t.Fatalf("want ErrClientBuild got %v", err)
	}
}

func TestInvoke_ResponseHeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	inv, _ := New(WithResponseHeaderTimeout(50 * time.Millisecond))
	resp, err := inv.Invoke(context.Background(), http.MethodGet, srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Status != TransportErrorStatus {
		t.Fatalf("status: want 599 got %d", resp.Status)
	}
}

func TestInvoke_RecordsClientSpan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer tp.Shutdown(context.Background())

	inv, _ := New(WithTracerProvider(tp))
	resp, err := inv.Invoke(context.Background(), http.MethodGet, srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(exp.GetSpans()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(exp.GetSpans()) == 0 {
		t.Fatalf("expected a client span to be recorded")
	}
}
