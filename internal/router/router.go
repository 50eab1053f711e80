// Package router forwards script-emitted stdout/stderr to the iopub channel
// as stream messages tagged with the parent header of the execute request
// that produced them. Output is coalesced on newlines or a flush tick so a
// chatty script does not generate one message per byte. During debug
// sessions an alternate sink receives the chunks in-band instead.
package router

import (
	"bytes"
	"io"
	"sync"
	"time"

	"llmspell/internal/protocol"
)

// flushInterval bounds how long buffered output waits without a newline.
const flushInterval = 100 * time.Millisecond

// SendFunc publishes a message caused by parent on iopub.
type SendFunc func(parent *protocol.Message, msgType string, content map[string]interface{})

// DebugSink receives stream chunks while a debug session owns the output.
type DebugSink func(stream, text string)

// IORouter builds per-execution captures.
type IORouter struct {
	mu    sync.RWMutex
	send  SendFunc
	debug DebugSink
}

// New creates a router publishing through send.
func New(send SendFunc) *IORouter {
	return &IORouter{send: send}
}

// SetDebugSink diverts subsequent captures to sink; nil restores iopub.
func (r *IORouter) SetDebugSink(sink DebugSink) {
	r.mu.Lock()
	r.debug = sink
	r.mu.Unlock()
}

func (r *IORouter) emit(parent *protocol.Message, stream, text string) {
	r.mu.RLock()
	debug := r.debug
	r.mu.RUnlock()
	if debug != nil {
		debug(stream, text)
		return
	}
	r.send(parent, protocol.MsgStream, map[string]interface{}{
		"name": stream,
		"text": text,
	})
}

// Capture owns the stdout/stderr of one execute request.
type Capture struct {
	router *IORouter
	parent *protocol.Message

	mu     sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer
	closed bool

	stop chan struct{}
	done chan struct{}
}

// Begin starts capturing for the request identified by parent. Close must be
// called on every exit path; it flushes whatever is buffered.
func (r *IORouter) Begin(parent *protocol.Message) *Capture {
	c := &Capture{
		router: r,
		parent: parent,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.flushLoop()
	return c
}

func (c *Capture) flushLoop() {
	defer close(c.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flush(false)
		case <-c.stop:
			return
		}
	}
}

// flush emits buffered output. When force is false only complete lines are
// sent; the partial tail stays buffered for the next tick.
func (c *Capture) flush(force bool) {
	c.mu.Lock()
	out := cutLines(&c.stdout, force)
	errOut := cutLines(&c.stderr, force)
	c.mu.Unlock()
	if len(out) > 0 {
		c.router.emit(c.parent, "stdout", string(out))
	}
	if len(errOut) > 0 {
		c.router.emit(c.parent, "stderr", string(errOut))
	}
}

// cutLines removes complete lines (or everything when force) from buf.
func cutLines(buf *bytes.Buffer, force bool) []byte {
	if force {
		out := append([]byte(nil), buf.Bytes()...)
		buf.Reset()
		return out
	}
	data := buf.Bytes()
	idx := bytes.LastIndexByte(data, '\n')
	if idx < 0 {
		return nil
	}
	out := append([]byte(nil), data[:idx+1]...)
	buf.Next(idx + 1)
	return out
}

// Stdout returns the writer scripts print to.
func (c *Capture) Stdout() io.Writer { return &streamWriter{c: c, stderr: false} }

// Stderr returns the error stream writer.
func (c *Capture) Stderr() io.Writer { return &streamWriter{c: c, stderr: true} }

type streamWriter struct {
	c      *Capture
	stderr bool
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	if w.c.closed {
		w.c.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	var n int
	var err error
	if w.stderr {
		n, err = w.c.stderr.Write(p)
	} else {
		n, err = w.c.stdout.Write(p)
	}
	hasLine := bytes.IndexByte(p, '\n') >= 0
	w.c.mu.Unlock()
	if hasLine {
		w.c.flush(false)
	}
	return n, err
}

// Close flushes all pending output, including partial lines, and stops the
// capture. Called on normal completion and on cancellation; the kernel
// guarantees the flush happens before the idle status broadcast.
func (c *Capture) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.stop)
	<-c.done
	c.flush(true)
}
