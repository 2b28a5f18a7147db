// Package invoker issues relayed HTTP requests and normalizes their outcome.
//
// Pre-flight problems (unknown method, malformed URL, request construction)
// are returned as errors. Transport failures after dispatch are not: they are
// folded into a Response with status 599 so that callers handle HTTP and
// transport failures on one path.
package invoker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInvalidMethod = errors.New("invalid method")
	ErrInvalidURL    = errors.New("invalid url")
	ErrClientBuild   = errors.New("failed to build http client")
)

// TransportErrorStatus is the non-standard status reported when the request
// could not be completed at the transport level.
const TransportErrorStatus = 599

// DefaultUserAgent is sent unless the caller supplies a User-Agent header.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux aarch64) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15"

var methods = map[string]bool{
	http.MethodGet:     false,
	http.MethodHead:    false,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
	http.MethodTrace:   false,
	http.MethodConnect: false,
}

// Response is the immediate outcome of an invocation.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	// Body is never nil. It is empty for transport failures.
	Body io.ReadCloser
	// TransportErr is set when Status is TransportErrorStatus.
	TransportErr error
}

// Invoker performs relayed requests with a shared http.Client.
type Invoker struct {
	client    *http.Client
	userAgent string
}

// Option configures an Invoker.
type Option func(*config)

type config struct {
	userAgent             string
	transport             http.RoundTripper
	proxyURL              string
	responseHeaderTimeout time.Duration
	tracerProvider        trace.TracerProvider
}

// WithUserAgent replaces DefaultUserAgent.
func WithUserAgent(ua string) Option {
	return func(c *config) { c.userAgent = ua }
}

// WithTransport sets the base round tripper. Proxy and timeout options are
// ignored when a transport is supplied.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *config) { c.transport = rt }
}

// WithProxy routes every request through the given proxy URL.
func WithProxy(rawURL string) Option {
	return func(c *config) { c.proxyURL = rawURL }
}

// WithResponseHeaderTimeout bounds the wait for response headers. It does not
// limit how long a body may stream.
func WithResponseHeaderTimeout(d time.Duration) Option {
	return func(c *config) { c.responseHeaderTimeout = d }
}

// WithTracerProvider sets the provider used for client spans. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) { c.tracerProvider = tp }
}

// New constructs an Invoker.
func New(opts ...Option) (*Invoker, error) {
	cfg := &config{userAgent: DefaultUserAgent}
	for _, opt := range opts {
		opt(cfg)
	}

	base := cfg.transport
	if base == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.proxyURL != "" {
			pu, err := url.Parse(cfg.proxyURL)
			if err != nil || pu.Host == "" {
				return nil, fmt.Errorf("%w: invalid proxy url %q", ErrClientBuild, cfg.proxyURL)
			}
			t.Proxy = http.ProxyURL(pu)
		}
		if cfg.responseHeaderTimeout > 0 {
			t.ResponseHeaderTimeout = cfg.responseHeaderTimeout
		}
		base = t
	}

	var otelOpts []otelhttp.Option
	if cfg.tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(cfg.tracerProvider))
	}

	return &Invoker{
		client:    &http.Client{Transport: otelhttp.NewTransport(base, otelOpts...)},
		userAgent: cfg.userAgent,
	}, nil
}

// Invoke validates and performs one request. The returned Response body must
// be closed by the caller.
func (i *Invoker) Invoke(ctx context.Context, method, rawURL string, h http.Header, body []byte) (*Response, error) {
	m, permitsBody, ok := NormalizeMethod(method)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}

	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	var rdr io.Reader
	if permitsBody && len(body) > 0 {
		rdr = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, m, u.String(), rdr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClientBuild, err)
	}
	if h != nil {
		req.Header = h.Clone()
	}
	if req.Header.Get("User-Agent") == "" && i.userAgent != "" {
		req.Header.Set("User-Agent", i.userAgent)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return &Response{
			Status:       TransportErrorStatus,
			StatusText:   diagnostic(err),
			Header:       http.Header{},
			Body:         http.NoBody,
			TransportErr: err,
		}, nil
	}

	return &Response{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// NormalizeMethod returns the canonical form of a recognized method and
// whether requests with it may carry a body.
func NormalizeMethod(method string) (string, bool, bool) {
	m := strings.ToUpper(method)
	permitsBody, ok := methods[m]
	return m, permitsBody, ok
}

// ParseURL accepts absolute http and https URLs with a host.
func ParseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidURL, rawURL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w %q: must be absolute", ErrInvalidURL, rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w %q: unsupported scheme %q", ErrInvalidURL, rawURL, u.Scheme)
	}
	return u, nil
}

// diagnostic reports the innermost cause, without the method and URL that
// url.Error prepends.
func diagnostic(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		err = ue.Err
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "transport error"
}

func statusText(resp *http.Response) string {
	text := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))
	text = strings.TrimSpace(text)
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}
