// Package events defines the capability through which the relay notifies its
// host: a Sink that accepts named JSON events, and a Subscriber that lets a
// host-side consumer read them back in order.
//
// Every relayed request produces, on ChannelName, zero or more ChunkPayload
// events followed by exactly one EndPayload. Events of different requests may
// interleave; consumers discriminate by RequestID.
//
// Implementations
//
//	memory : in-process, bounded history, for single-node hosts and tests
//	redis  : Redis Streams, for hosts that consume from another process
//
// Both satisfy Sink and Subscriber and are validated by the shared
// eventstest.RunSinkTests suite.
package events
