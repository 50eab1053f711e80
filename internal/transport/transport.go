// Package transport moves opaque multipart frames over named channels. It has
// no knowledge of message semantics; parsing and signing live in
// internal/protocol. Two implementations exist: a ZeroMQ transport for real
// clients and an in-process loopback used by tests and embedded clients.
package transport

import (
	"errors"

	"llmspell/internal/protocol"
)

// Channels lists every channel a kernel transport binds, in poll order.
var Channels = []string{
	protocol.ChannelShell,
	protocol.ChannelControl,
	protocol.ChannelStdin,
	protocol.ChannelIOPub,
	protocol.ChannelHeartbeat,
}

// Transport binds the five Jupyter channels and moves byte frames.
//
// Recv is non-blocking: it returns (nil, nil) when no message is pending so
// the kernel loop can poll channels fairly. Send may block briefly on socket
// back-pressure. Close is idempotent.
type Transport interface {
	Bind(info *protocol.ConnectionInfo) error
	Recv(channel string) ([][]byte, error)
	Send(channel string, frames [][]byte) error
	Heartbeat() bool
	Close() error
}

// Errors fatal or structural to the transport.
var (
	ErrBindFailure      = errors.New("transport: bind failure")
	ErrChannelUnknown   = errors.New("transport: unknown channel")
	ErrTransportClosed  = errors.New("transport: closed")
	ErrAlreadyBound     = errors.New("transport: already bound")
	ErrNotBound         = errors.New("transport: not bound")
)
