package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"llmspell/internal/logging"
	"llmspell/internal/protocol"
)

// recvBuffer bounds per-channel inbound queues. The kernel loop drains these
// faster than clients can reasonably produce; overflow indicates a stuck loop
// and is logged, not fatal.
const recvBuffer = 256

// ZMQTransport binds the Jupyter channels over ZeroMQ: ROUTER for shell,
// control and stdin, PUB for iopub, REP for heartbeat. Each inbound socket
// has a reader goroutine feeding a bounded queue so Recv stays non-blocking.
type ZMQTransport struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	sockets map[string]zmq4.Socket
	inbox   map[string]chan [][]byte
	wg      sync.WaitGroup
	bound   bool
	closed  bool
	log     *zap.Logger
}

// NewZMQTransport creates an unbound ZeroMQ transport.
func NewZMQTransport() *ZMQTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &ZMQTransport{
		ctx:     ctx,
		cancel:  cancel,
		sockets: make(map[string]zmq4.Socket),
		inbox:   make(map[string]chan [][]byte),
		log:     logging.New("transport"),
	}
}

// Bind listens on every channel port from the connection descriptor and
// starts reader goroutines for the inbound channels plus the heartbeat echo.
func (t *ZMQTransport) Bind(info *protocol.ConnectionInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bound {
		return ErrAlreadyBound
	}
	if t.closed {
		return ErrTransportClosed
	}

	make_ := func(channel string) zmq4.Socket {
		switch channel {
		case protocol.ChannelIOPub:
			return zmq4.NewPub(t.ctx)
		case protocol.ChannelHeartbeat:
			return zmq4.NewRep(t.ctx)
		default:
			return zmq4.NewRouter(t.ctx)
		}
	}

	for _, channel := range Channels {
		port, err := info.Port(channel)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBindFailure, err)
		}
		sock := make_(channel)
		endpoint := fmt.Sprintf("%s://%s:%d", info.Transport, info.IP, port)
		if err := sock.Listen(endpoint); err != nil {
			t.closeLocked()
			return fmt.Errorf("%w: %s on %s: %v", ErrBindFailure, channel, endpoint, err)
		}
		t.sockets[channel] = sock
		t.log.Debug("Channel bound", zap.String("channel", channel), zap.String("endpoint", endpoint))
	}

	// Inbound readers for the ROUTER channels.
	for _, channel := range []string{protocol.ChannelShell, protocol.ChannelControl, protocol.ChannelStdin} {
		ch := make(chan [][]byte, recvBuffer)
		t.inbox[channel] = ch
		t.wg.Add(1)
		go t.readLoop(channel, t.sockets[channel], ch)
	}

	// Heartbeat echoes whatever arrives.
	t.wg.Add(1)
	go t.heartbeatLoop(t.sockets[protocol.ChannelHeartbeat])

	t.bound = true
	return nil
}

func (t *ZMQTransport) readLoop(channel string, sock zmq4.Socket, out chan [][]byte) {
	defer t.wg.Done()
	for {
		msg, err := sock.Recv()
		if err != nil {
			// Socket closed or context cancelled.
			if t.ctx.Err() != nil {
				return
			}
			t.log.Warn("Recv error", zap.String("channel", channel), zap.Error(err))
			return
		}
		select {
		case out <- msg.Frames:
		default:
			t.log.Warn("Inbound queue full, dropping message", zap.String("channel", channel))
		}
	}
}

func (t *ZMQTransport) heartbeatLoop(sock zmq4.Socket) {
	defer t.wg.Done()
	for {
		msg, err := sock.Recv()
		if err != nil {
			return
		}
		if err := sock.Send(msg); err != nil {
			return
		}
	}
}

// Recv returns the next pending message on channel, or (nil, nil).
func (t *ZMQTransport) Recv(channel string) ([][]byte, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	ch, ok := t.inbox[channel]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrChannelUnknown, channel)
	}
	select {
	case frames := <-ch:
		return frames, nil
	default:
		return nil, nil
	}
}

// Send writes frames on channel.
func (t *ZMQTransport) Send(channel string, frames [][]byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	sock, ok := t.sockets[channel]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrChannelUnknown, channel)
	}
	return sock.Send(zmq4.NewMsgFrom(frames...))
}

// Heartbeat reports liveness. The echo loop runs independently; this only
// checks the transport has not been torn down.
func (t *ZMQTransport) Heartbeat() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bound && !t.closed
}

// Close tears down every socket and waits for reader goroutines.
func (t *ZMQTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.closeLocked()
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

func (t *ZMQTransport) closeLocked() {
	t.cancel()
	for channel, sock := range t.sockets {
		if err := sock.Close(); err != nil {
			t.log.Warn("Socket close error", zap.String("channel", channel), zap.Error(err))
		}
	}
}
