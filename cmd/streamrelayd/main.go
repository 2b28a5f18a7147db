// Command streamrelayd serves a streaming HTTP relay to a local host
// application.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/streamrelay"
	"github.com/ggoodman/streamrelay/events"
	"github.com/ggoodman/streamrelay/events/memory"
	"github.com/ggoodman/streamrelay/events/redis"
	"github.com/ggoodman/streamrelay/hostbridge"
	"github.com/ggoodman/streamrelay/internal/invoker"
	"github.com/ggoodman/streamrelay/internal/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := newLogger(cfg, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log = log.With(slog.String("instance", uuid.NewString()))

	// Relayed requests carry the caller's trace context upstream.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("daemon.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, log *slog.Logger) error {
	d, err := newDaemon(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", cfg.ListenAddr), slog.String("sink", d.sinkKind))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("http.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

type backend interface {
	events.Sink
	events.Subscriber
	Close() error
}

type daemon struct {
	handler  http.Handler
	relay    *streamrelay.Relay
	sink     backend
	sinkKind string
}

func newDaemon(cfg Config, log *slog.Logger) (*daemon, error) {
	var (
		sink backend
		kind string
	)
	if cfg.RedisAddr != "" {
		rs, err := redis.New(redis.Config{Addr: cfg.RedisAddr, KeyPrefix: cfg.KeyPrefix, MaxLen: cfg.MaxLen})
		if err != nil {
			return nil, err
		}
		sink, kind = rs, "redis"
	} else {
		var opts []memory.Option
		if cfg.History > 0 {
			opts = append(opts, memory.WithHistory(cfg.History))
		}
		sink, kind = memory.New(opts...), "memory"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}

	invOpts := []invoker.Option{invoker.WithResponseHeaderTimeout(cfg.ResponseHeaderTimeout)}
	if cfg.UserAgent != "" {
		invOpts = append(invOpts, invoker.WithUserAgent(cfg.UserAgent))
	}
	if cfg.ProxyURL != "" {
		invOpts = append(invOpts, invoker.WithProxy(cfg.ProxyURL))
	}

	relay, err := streamrelay.New(sink,
		streamrelay.WithLogger(log),
		streamrelay.WithMetrics(m),
		streamrelay.WithReadBufferSize(cfg.ReadBufferSize),
		streamrelay.WithInvokerOptions(invOpts...),
	)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}

	bridge, err := hostbridge.New(relay, sink,
		hostbridge.WithLogger(log),
		hostbridge.WithWriteTimeout(cfg.SSEWriteTimeout),
	)
	if err != nil {
		_ = relay.Close()
		_ = sink.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/", bridge)

	return &daemon{handler: mux, relay: relay, sink: sink, sinkKind: kind}, nil
}

// Close ends in-flight streams before releasing the sink they emit to.
func (d *daemon) Close() error {
	return errors.Join(d.relay.Close(), d.sink.Close())
}
