package router

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"llmspell/internal/protocol"
)

type recorded struct {
	parentID string
	msgType  string
	content  map[string]interface{}
}

type recorder struct {
	mu   sync.Mutex
	msgs []recorded
}

func (r *recorder) send(parent *protocol.Message, msgType string, content map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, recorded{parentID: parent.Header.MsgID, msgType: msgType, content: content})
}

func (r *recorder) snapshot() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.msgs...)
}

func TestLinesEmitSeparateStreamMessages(t *testing.T) {
	rec := &recorder{}
	r := New(rec.send)
	parent := protocol.NewRequest("sess", protocol.MsgExecuteRequest, nil)

	c := r.Begin(parent)
	fmt.Fprint(c.Stdout(), "hello\n")
	fmt.Fprint(c.Stdout(), "world\n")
	c.Close()

	msgs := rec.snapshot()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(msgs), msgs)
	}
	for i, want := range []string{"hello\n", "world\n"} {
		if msgs[i].msgType != protocol.MsgStream {
			t.Errorf("msg %d type = %s", i, msgs[i].msgType)
		}
		if msgs[i].content["name"] != "stdout" || msgs[i].content["text"] != want {
			t.Errorf("msg %d content = %v", i, msgs[i].content)
		}
		if msgs[i].parentID != parent.Header.MsgID {
			t.Errorf("msg %d parent = %s, want %s", i, msgs[i].parentID, parent.Header.MsgID)
		}
	}
}

func TestPartialLineFlushedOnClose(t *testing.T) {
	rec := &recorder{}
	r := New(rec.send)
	c := r.Begin(protocol.NewRequest("sess", protocol.MsgExecuteRequest, nil))
	fmt.Fprint(c.Stdout(), "no newline")
	c.Close()

	msgs := rec.snapshot()
	if len(msgs) != 1 || msgs[0].content["text"] != "no newline" {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestPartialLineFlushedByTicker(t *testing.T) {
	rec := &recorder{}
	r := New(rec.send)
	c := r.Begin(protocol.NewRequest("sess", protocol.MsgExecuteRequest, nil))
	defer c.Close()

	fmt.Fprint(c.Stderr(), "progress: 50%")
	// The tick only flushes complete lines, so add the newline and wait.
	fmt.Fprint(c.Stderr(), "\n")

	deadline := time.After(2 * time.Second)
	for {
		if msgs := rec.snapshot(); len(msgs) > 0 {
			if msgs[0].content["name"] != "stderr" || msgs[0].content["text"] != "progress: 50%\n" {
				t.Errorf("msg = %v", msgs[0].content)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("ticker never flushed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDebugSinkDivertsOutput(t *testing.T) {
	rec := &recorder{}
	r := New(rec.send)

	var mu sync.Mutex
	var diverted []string
	r.SetDebugSink(func(stream, text string) {
		mu.Lock()
		diverted = append(diverted, stream+":"+text)
		mu.Unlock()
	})

	c := r.Begin(protocol.NewRequest("sess", protocol.MsgExecuteRequest, nil))
	fmt.Fprint(c.Stdout(), "stepping\n")
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(diverted) != 1 || diverted[0] != "stdout:stepping\n" {
		t.Errorf("diverted = %v", diverted)
	}
	if len(rec.snapshot()) != 0 {
		t.Error("output leaked to iopub during debug session")
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	r := New((&recorder{}).send)
	c := r.Begin(protocol.NewRequest("sess", protocol.MsgExecuteRequest, nil))
	c.Close()
	if _, err := c.Stdout().Write([]byte("late")); err == nil {
		t.Error("expected write-after-close error")
	}
	// Double close is safe.
	c.Close()
}
