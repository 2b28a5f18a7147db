// Package streamrelay relays HTTP requests for a host application and streams
// response bodies back as discrete events.
//
// A call to Relay.StreamFetch returns the status and headers as soon as the
// upstream server sends them. The body is drained in the background and
// published on the events.ChannelName channel of an events.Sink:
//
//	{"request_id": 1, "chunk": "YWI="}
//	{"request_id": 1, "chunk": "Y2Q="}
//	{"request_id": 1, "status": 0}
//
// Chunks of one request arrive in read order and are followed by exactly one
// end event. Events of concurrent requests interleave, so hosts discriminate
// by request_id. Transport failures are reported in-band with status 599 and
// still produce an end event.
//
// The hostbridge package exposes a Relay over HTTP with Server-Sent Events,
// and cmd/streamrelayd runs it as a daemon backed by an in-memory or Redis
// event sink.
package streamrelay
