package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBlockOnAsyncResult(t *testing.T) {
	r := NewRuntime(2)
	defer r.Shutdown()

	v, err := r.BlockOnAsync(nil, time.Second, func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("BlockOnAsync failed: %v", err)
	}
	if v != 42 {
		t.Errorf("value = %v, want 42", v)
	}
}

func TestBlockOnAsyncError(t *testing.T) {
	r := NewRuntime(2)
	defer r.Shutdown()

	want := errors.New("boom")
	_, err := r.BlockOnAsync(nil, time.Second, func(ctx context.Context) (interface{}, error) {
		return nil, want
	})
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestBlockOnAsyncTimeout(t *testing.T) {
	r := NewRuntime(2)
	defer r.Shutdown()

	started := time.Now()
	_, err := r.BlockOnAsync(nil, 50*time.Millisecond, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	var te *ErrTimeout
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(started) > time.Second {
		t.Error("timeout did not unblock promptly")
	}
}

func TestBlockOnAsyncTokenCancel(t *testing.T) {
	r := NewRuntime(2)
	defer r.Shutdown()

	token := NewToken()
	go func() {
		time.Sleep(20 * time.Millisecond)
		token.Fire()
	}()
	_, err := r.BlockOnAsync(token, 0, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if !token.Fired() {
		t.Error("token should report fired")
	}
}

func TestBlockOnAsyncPanicRecovered(t *testing.T) {
	r := NewRuntime(2)
	defer r.Shutdown()

	_, err := r.BlockOnAsync(nil, time.Second, func(ctx context.Context) (interface{}, error) {
		panic("script blew up")
	})
	if err == nil {
		t.Fatal("expected panic converted to error")
	}
}

// Nested bridge calls must not deadlock even when every worker slot is
// consumed by the outer calls.
func TestBlockOnAsyncNestedNoDeadlock(t *testing.T) {
	r := NewRuntime(1)
	defer r.Shutdown()

	done := make(chan error, 1)
	go func() {
		_, err := r.BlockOnAsync(nil, 2*time.Second, func(ctx context.Context) (interface{}, error) {
			// Inner call while the only slot is held: must time out, not hang
			// forever.
			_, inner := r.BlockOnAsync(nil, 100*time.Millisecond, func(ctx context.Context) (interface{}, error) {
				return "inner", nil
			})
			return nil, inner
		})
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected inner acquisition to time out while slot held")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("nested BlockOnAsync deadlocked")
	}
}

func TestRuntimeShutdownRejectsWork(t *testing.T) {
	r := NewRuntime(2)
	r.Shutdown()
	if _, err := r.BlockOnAsync(nil, time.Second, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}); !errors.Is(err, ErrRuntimeDown) {
		t.Errorf("err = %v, want ErrRuntimeDown", err)
	}
}

func TestGlobalSingleton(t *testing.T) {
	defer ResetGlobal()
	var wg sync.WaitGroup
	got := make([]*Runtime, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = Global()
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(got); i++ {
		if got[i] != got[0] {
			t.Fatal("Global returned distinct runtimes")
		}
	}
}
