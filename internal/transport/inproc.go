package transport

import (
	"fmt"
	"sync"

	"llmspell/internal/protocol"
)

// InProcTransport is a loopback transport for tests and embedded clients.
// The kernel side implements Transport; Client returns the peer handle.
// IOPub is fan-out: every connected client receives each broadcast.
type InProcTransport struct {
	mu      sync.Mutex
	bound   bool
	closed  bool
	inbound map[string]chan [][]byte // client -> kernel
	clients []*InProcClient
}

// InProcClient is the client side of an in-process transport pair.
type InProcClient struct {
	t     *InProcTransport
	iopub chan [][]byte
	// replies per channel, kernel -> client
	replies map[string]chan [][]byte
}

// NewInProcTransport creates an unbound loopback transport.
func NewInProcTransport() *InProcTransport {
	return &InProcTransport{inbound: make(map[string]chan [][]byte)}
}

// Bind allocates the channel queues. The connection descriptor is accepted
// for interface compatibility; ports are ignored.
func (t *InProcTransport) Bind(_ *protocol.ConnectionInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bound {
		return ErrAlreadyBound
	}
	for _, channel := range []string{protocol.ChannelShell, protocol.ChannelControl, protocol.ChannelStdin} {
		t.inbound[channel] = make(chan [][]byte, recvBuffer)
	}
	t.bound = true
	return nil
}

// Client connects a new in-process client.
func (t *InProcTransport) Client() *InProcClient {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &InProcClient{
		t:     t,
		iopub: make(chan [][]byte, recvBuffer),
		replies: map[string]chan [][]byte{
			protocol.ChannelShell:   make(chan [][]byte, recvBuffer),
			protocol.ChannelControl: make(chan [][]byte, recvBuffer),
			protocol.ChannelStdin:   make(chan [][]byte, recvBuffer),
		},
	}
	t.clients = append(t.clients, c)
	return c
}

// Recv returns the next pending client message on channel, or (nil, nil).
func (t *InProcTransport) Recv(channel string) ([][]byte, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if !t.bound {
		t.mu.Unlock()
		return nil, ErrNotBound
	}
	ch, ok := t.inbound[channel]
	t.mu.Unlock()
	if !ok {
		if channel == protocol.ChannelIOPub || channel == protocol.ChannelHeartbeat {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrChannelUnknown, channel)
	}
	select {
	case frames := <-ch:
		return frames, nil
	default:
		return nil, nil
	}
}

// Send delivers frames to clients. IOPub broadcasts to every client; other
// channels deliver to all clients (in-process clients filter by identity at
// the protocol layer if they multiplex).
func (t *InProcTransport) Send(channel string, frames [][]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	for _, c := range t.clients {
		var ch chan [][]byte
		if channel == protocol.ChannelIOPub {
			ch = c.iopub
		} else if rc, ok := c.replies[channel]; ok {
			ch = rc
		} else {
			return fmt.Errorf("%w: %q", ErrChannelUnknown, channel)
		}
		select {
		case ch <- frames:
		default:
			// Slow in-process client; drop rather than stall the kernel.
		}
	}
	return nil
}

// Heartbeat always succeeds in-process.
func (t *InProcTransport) Heartbeat() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bound && !t.closed
}

// Close marks the transport closed.
func (t *InProcTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Send submits a client request on the given channel.
func (c *InProcClient) Send(channel string, frames [][]byte) error {
	c.t.mu.Lock()
	if c.t.closed {
		c.t.mu.Unlock()
		return ErrTransportClosed
	}
	ch, ok := c.t.inbound[channel]
	c.t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrChannelUnknown, channel)
	}
	ch <- frames
	return nil
}

// Recv blocks for the next kernel message on channel.
func (c *InProcClient) Recv(channel string) ([][]byte, bool) {
	var ch chan [][]byte
	if channel == protocol.ChannelIOPub {
		ch = c.iopub
	} else {
		var ok bool
		ch, ok = c.replies[channel]
		if !ok {
			return nil, false
		}
	}
	frames, ok := <-ch
	return frames, ok
}

// TryRecv returns the next kernel message on channel without blocking.
func (c *InProcClient) TryRecv(channel string) ([][]byte, bool) {
	var ch chan [][]byte
	if channel == protocol.ChannelIOPub {
		ch = c.iopub
	} else {
		var ok bool
		ch, ok = c.replies[channel]
		if !ok {
			return nil, false
		}
	}
	select {
	case frames := <-ch:
		return frames, true
	default:
		return nil, false
	}
}
