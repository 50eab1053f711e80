package bridge

import (
	"context"
	"sync"
)

// Token is a fire-once cancellation token shared between the kernel loop
// (which fires it on interrupt or shutdown) and the work it governs. It is a
// thin wrapper over a channel so it can be checked cheaply between suspension
// points and converted to a context at the bridge boundary.
type Token struct {
	once sync.Once
	done chan struct{}
}

// NewToken creates an unfired token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Fire cancels the token. Safe to call more than once.
func (t *Token) Fire() {
	t.once.Do(func() { close(t.done) })
}

// Fired reports whether the token has been cancelled.
func (t *Token) Fired() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done exposes the cancellation channel for select loops.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Context derives a context from parent that is cancelled when the token
// fires.
func (t *Token) Context(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
