package hooks

import (
	"context"
	"strconv"
	"testing"
)

func newTestLog(t *testing.T) *ReplayLog {
	t.Helper()
	log, err := NewReplayLog(":memory:")
	if err != nil {
		t.Fatalf("NewReplayLog failed: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func TestDurablePointPersistsRecords(t *testing.T) {
	reg := NewRegistry()
	log := newTestLog(t)

	for _, name := range []string{"alpha", "beta"} {
		n := name
		reg.Register(Descriptor{Point: SessionStart, Priority: len(n), Factory: mkHook(n, func(h *HookContext) (Result, error) {
			return Continue(), nil
		})})
	}
	// A non-durable point must not be recorded.
	reg.Register(Descriptor{Point: SessionEnd, Factory: mkHook("end", func(h *HookContext) (Result, error) {
		return Continue(), nil
	})})

	x := NewExecutor(reg, log, []Point{SessionStart})
	hctx := &HookContext{
		Point:         SessionStart,
		CorrelationID: "corr-42",
		Data:          map[string]interface{}{"session": "s1"},
	}
	if _, err := x.Execute(context.Background(), hctx); err != nil {
		t.Fatal(err)
	}
	if _, err := x.Execute(context.Background(), &HookContext{Point: SessionEnd, CorrelationID: "corr-42"}); err != nil {
		t.Fatal(err)
	}

	timeline, err := log.Timeline("corr-42")
	if err != nil {
		t.Fatal(err)
	}
	if len(timeline) != 2 {
		t.Fatalf("timeline has %d records, want 2", len(timeline))
	}
	// Records are contiguous, in priority order, with matching correlation.
	prev := -1
	for _, rec := range timeline {
		if rec.Point != SessionStart {
			t.Errorf("unexpected point %s in timeline", rec.Point)
		}
		if rec.CorrelationID != "corr-42" {
			t.Errorf("correlation = %q", rec.CorrelationID)
		}
		prio, err := strconv.Atoi(rec.Metadata["priority"])
		if err != nil {
			t.Fatalf("bad priority metadata: %v", rec.Metadata)
		}
		if prio < prev {
			t.Errorf("records out of priority order: %d after %d", prio, prev)
		}
		prev = prio
	}
}

func TestReplayReExecutesTimeline(t *testing.T) {
	reg := NewRegistry()
	log := newTestLog(t)

	executions := 0
	reg.Register(Descriptor{Point: SessionSave, Factory: mkHook("saver", func(h *HookContext) (Result, error) {
		executions++
		return Continue(), nil
	})})

	x := NewExecutor(reg, log, []Point{SessionSave})
	if _, err := x.Execute(context.Background(), &HookContext{
		Point:         SessionSave,
		CorrelationID: "corr-r",
		Data:          map[string]interface{}{"checkpoint": float64(3)},
	}); err != nil {
		t.Fatal(err)
	}
	if executions != 1 {
		t.Fatalf("live executions = %d", executions)
	}

	results, err := log.Replay(context.Background(), "corr-r", reg)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("replay results = %d", len(results))
	}
	if results[0].Skipped || results[0].Err != nil {
		t.Errorf("replay result = %+v", results[0])
	}
	if executions != 2 {
		t.Errorf("hook not re-executed: %d", executions)
	}
	// Dry run: no new records.
	timeline, _ := log.Timeline("corr-r")
	if len(timeline) != 1 {
		t.Errorf("replay persisted records: %d", len(timeline))
	}
}

func TestReplaySkipsUnregisteredHooks(t *testing.T) {
	reg := NewRegistry()
	log := newTestLog(t)

	id, _ := reg.Register(Descriptor{Point: SessionSave, Factory: mkHook("gone", func(h *HookContext) (Result, error) {
		return Continue(), nil
	})})
	x := NewExecutor(reg, log, []Point{SessionSave})
	if _, err := x.Execute(context.Background(), &HookContext{Point: SessionSave, CorrelationID: "corr-s"}); err != nil {
		t.Fatal(err)
	}
	reg.Unregister(id)

	results, err := log.Replay(context.Background(), "corr-s", reg)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || !results[0].Skipped {
		t.Errorf("expected skipped result, got %+v", results)
	}
}
