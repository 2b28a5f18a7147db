package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if rd, ok := ctx.Value(relayDataKey{}).(*RelayData); ok {
		r.AddAttrs(slog.Group("relay",
			slog.Uint64("request_id", uint64(rd.RequestID)),
			slog.String("method", rd.Method),
			slog.String("url", rd.URL),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap returns l with a Handler that decorates records from context.
func Wrap(l *slog.Logger) *slog.Logger {
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

type requestDataKey struct{}

// RequestData describes the inbound host bridge HTTP request.
type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type relayDataKey struct{}

// RelayData describes one relayed upstream request.
type RelayData struct {
	RequestID uint32
	Method    string
	URL       string
}

func WithRelayData(ctx context.Context, data *RelayData) context.Context {
	return context.WithValue(ctx, relayDataKey{}, data)
}
