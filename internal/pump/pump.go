// Package pump drains a response body into chunk events followed by a single
// end event.
package pump

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/ggoodman/streamrelay/events"
	"github.com/ggoodman/streamrelay/internal/metrics"
)

const (
	// DefaultBufferSize bounds the size of a single chunk.
	DefaultBufferSize = 32 * 1024

	// DefaultEndTimeout bounds the final end emission, which is attempted
	// even after cancellation.
	DefaultEndTimeout = 10 * time.Second
)

// Config describes one body to drain.
type Config struct {
	RequestID uint32
	Body      io.ReadCloser
	Sink      events.Sink

	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	BufferSize int
	EndTimeout time.Duration
}

// Outcome summarizes a finished pump. The end event carries none of this.
type Outcome struct {
	Chunks  int
	Bytes   int64
	ReadErr error
	EmitErr error
}

// Run drains cfg.Body until EOF, a read error, a refused emission or ctx
// cancellation. It always closes the body and always attempts exactly one end
// event.
func Run(ctx context.Context, cfg Config) Outcome {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	endTimeout := cfg.EndTimeout
	if endTimeout <= 0 {
		endTimeout = DefaultEndTimeout
	}

	started := time.Now()
	cfg.Metrics.StreamStarted()

	var out Outcome
	defer func() {
		cfg.Metrics.StreamEnded(time.Since(started), out.ReadErr, out.EmitErr)
	}()
	defer cfg.Body.Close()

	buf := make([]byte, size)
	for {
		if err := ctx.Err(); err != nil {
			out.ReadErr = err
			log.WarnContext(ctx, "pump.read.fail", slog.String("err", err.Error()))
			break
		}

		n, err := cfg.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if eerr := cfg.Sink.Emit(ctx, events.ChannelName, &events.ChunkPayload{RequestID: cfg.RequestID, Chunk: chunk}); eerr != nil {
				out.EmitErr = eerr
				log.ErrorContext(ctx, "pump.emit.fail", slog.String("err", eerr.Error()))
				break
			}
			out.Chunks++
			out.Bytes += int64(n)
			cfg.Metrics.Chunk(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out.ReadErr = err
			log.WarnContext(ctx, "pump.read.fail", slog.String("err", err.Error()))
			break
		}
	}

	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endTimeout)
	defer cancel()
	if err := cfg.Sink.Emit(endCtx, events.ChannelName, &events.EndPayload{RequestID: cfg.RequestID, Status: 0}); err != nil {
		if out.EmitErr == nil {
			out.EmitErr = err
			log.ErrorContext(ctx, "pump.emit.fail", slog.String("err", err.Error()))
		}
		return out
	}

	log.DebugContext(ctx, "pump.end",
		slog.Int("chunks", out.Chunks),
		slog.Int64("bytes", out.Bytes),
		slog.Duration("elapsed", time.Since(started)),
	)
	return out
}
