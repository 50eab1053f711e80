package bridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// Task is an asynchronous unit of work invoked from synchronous script code.
type Task func(ctx context.Context) (interface{}, error)

// ErrTimeout wraps deadline expiry so callers can map it to the timeout
// error kind.
type ErrTimeout struct {
	After time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("bridge: task exceeded %s", e.After)
}

// BlockOnAsync runs task and blocks the calling goroutine until it finishes,
// the token fires, or timeout elapses. The task itself runs on its own
// goroutine with a context derived from the token, so a script thread can
// never deadlock the kernel: cancellation always unblocks the caller, and a
// panicking task is converted to an error instead of taking the process down.
//
// timeout <= 0 means no deadline. A nil token uses a background context.
func (r *Runtime) BlockOnAsync(token *Token, timeout time.Duration, task Task) (interface{}, error) {
	base := r.base
	if base.Err() != nil {
		return nil, ErrRuntimeDown
	}

	ctx := base
	if token != nil {
		ctx = token.Context(base)
	}
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if err := r.Acquire(ctx); err != nil {
		return nil, err
	}

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer r.Release()
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("bridge: task panic: %v\n%s", p, debug.Stack())}
			}
		}()
		v, err := task(ctx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		// The task goroutine observes ctx and releases its slot on return.
		if timeout > 0 && ctx.Err() == context.DeadlineExceeded {
			return nil, &ErrTimeout{After: timeout}
		}
		return nil, ctx.Err()
	}
}
