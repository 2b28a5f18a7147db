package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ChannelName is the fixed channel on which the relay publishes chunk and
// end events. Hosts discriminate requests by the request_id field.
const ChannelName = "stream-response"

// ErrSinkClosed is returned by sinks and subscribers that have been closed.
var ErrSinkClosed = errors.New("event sink closed")

// Sink receives events published by the relay. Implementations must be safe
// for concurrent use.
type Sink interface {
	// Emit publishes payload on the named channel. The payload is
	// JSON-encoded by the implementation.
	Emit(ctx context.Context, name string, payload any) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, name string, payload any) error

func (f SinkFunc) Emit(ctx context.Context, name string, payload any) error {
	return f(ctx, name, payload)
}

// Subscriber delivers previously emitted events to a consumer.
type Subscriber interface {
	// Subscribe calls h for each event on the named channel, in publish
	// order. If lastEventID is empty, delivery starts with the next emitted
	// event. Otherwise delivery resumes after that ID; "0" replays every
	// retained event. Subscribe blocks until ctx is done, h returns an error
	// or the subscriber is closed.
	Subscribe(ctx context.Context, name string, lastEventID string, h HandlerFunc) error
}

// Cursor reports a resume position on a channel.
type Cursor interface {
	// LastEventID returns an ID that, passed to Subscribe, delivers every
	// retained event emitted on the named channel after the call.
	LastEventID(ctx context.Context, name string) (string, error)
}

// HandlerFunc consumes one delivered envelope.
type HandlerFunc func(ctx context.Context, env Envelope) error

// Envelope wraps an emitted payload with delivery metadata.
type Envelope struct {
	// ID is unique and increasing within the channel.
	ID string `json:"id"`
	// Name is the channel the event was emitted on.
	Name string `json:"name"`
	// Data is the JSON-encoded payload.
	Data []byte `json:"data"`
}

// ChunkPayload carries one body chunk as delivered by the transport.
type ChunkPayload struct {
	RequestID uint32 `json:"request_id"`
	Chunk     []byte `json:"chunk"`
}

// EndPayload is the terminal event for a request. Status is always 0.
type EndPayload struct {
	RequestID uint32 `json:"request_id"`
	Status    int    `json:"status"`
}

// Decode parses envelope data into a *ChunkPayload or an *EndPayload.
func Decode(data []byte) (any, error) {
	var probe struct {
		RequestID uint32 `json:"request_id"`
		Chunk     []byte `json:"chunk"`
		Status    *int   `json:"status"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if probe.Status != nil {
		return &EndPayload{RequestID: probe.RequestID, Status: *probe.Status}, nil
	}
	return &ChunkPayload{RequestID: probe.RequestID, Chunk: probe.Chunk}, nil
}
