package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"llmspell/internal/logging"
)

// maxRetries bounds how often a single hook's Retry result is honored before
// the chain moves on.
const maxRetries = 3

// ChainOutcome summarizes one chain execution.
type ChainOutcome struct {
	Executed int
	Stopped  bool
	Value    interface{} // final carried value after any Replace
}

// Executor runs hook chains with the registry's ordering and persists
// execution records for durable points.
type Executor struct {
	registry *Registry
	replay   *ReplayLog // nil disables persistence entirely
	durable  map[Point]bool
	log      *zap.Logger
}

// NewExecutor builds an executor. replay may be nil; durablePoints lists the
// points whose executions must be recorded.
func NewExecutor(registry *Registry, replay *ReplayLog, durablePoints []Point) *Executor {
	durable := make(map[Point]bool, len(durablePoints))
	for _, p := range durablePoints {
		durable[p] = true
	}
	return &Executor{
		registry: registry,
		replay:   replay,
		durable:  durable,
		log:      logging.New("hooks"),
	}
}

// Registry exposes the executor's registry.
func (x *Executor) Registry() *Registry { return x.registry }

// Execute runs the chain at hctx.Point. Hooks run sequentially in priority
// order. Stop halts the chain, Replace substitutes the carried value, Cancel
// aborts with CancelledError, and errors from non-recoverable hooks fail the
// operation. An empty chain returns after one atomic check.
func (x *Executor) Execute(ctx context.Context, hctx *HookContext) (*ChainOutcome, error) {
	outcome := &ChainOutcome{Value: hctx.Value}
	if !x.registry.Active(hctx.Point) {
		return outcome, nil
	}

	persist := x.replay != nil && x.durable[hctx.Point]

	for _, reg := range x.registry.HooksAt(hctx.Point) {
		if !x.registry.FeatureEnabled(reg.desc.Feature) {
			continue
		}
		hook, err := reg.hook()
		if err != nil {
			if reg.desc.Recoverable {
				x.log.Warn("Hook construction failed, skipping",
					zap.String("point", string(hctx.Point)), zap.Error(err))
				continue
			}
			return outcome, fmt.Errorf("construct hook at %s: %w", hctx.Point, err)
		}

		result, dur, execErr := x.runWithRetry(ctx, hook, hctx)
		if persist {
			x.record(reg, hook, hctx, result, execErr, dur)
		}
		if execErr != nil {
			if reg.desc.Recoverable {
				x.log.Warn("Recoverable hook error",
					zap.String("hook", hook.Name()),
					zap.String("point", string(hctx.Point)),
					zap.Error(execErr))
				continue
			}
			return outcome, fmt.Errorf("hook %s at %s: %w", hook.Name(), hctx.Point, execErr)
		}

		outcome.Executed++
		switch result.Kind {
		case KindContinue:
		case KindReplace:
			hctx.Value = result.Value
			outcome.Value = result.Value
		case KindStop:
			outcome.Stopped = true
			return outcome, nil
		case KindCancel:
			return outcome, &CancelledError{Point: hctx.Point, Hook: hook.Name(), Reason: result.Reason}
		}
	}
	return outcome, nil
}

// runWithRetry invokes the hook, honoring Retry results up to maxRetries.
func (x *Executor) runWithRetry(ctx context.Context, hook Hook, hctx *HookContext) (Result, time.Duration, error) {
	start := time.Now()
	var result Result
	var err error
	for attempt := 0; ; attempt++ {
		result, err = hook.Execute(ctx, hctx)
		if err != nil || result.Kind != KindRetry || attempt >= maxRetries {
			break
		}
		select {
		case <-time.After(result.Backoff):
		case <-ctx.Done():
			return result, time.Since(start), ctx.Err()
		}
	}
	if err == nil && result.Kind == KindRetry {
		// Retries exhausted; treat as continue so one flaky hook cannot wedge
		// the chain.
		result = Continue()
	}
	return result, time.Since(start), err
}

func (x *Executor) record(reg *registered, hook Hook, hctx *HookContext, result Result, execErr error, dur time.Duration) {
	snapshot, err := json.Marshal(hctx.Data)
	if err != nil {
		snapshot = []byte("{}")
	}
	rec := ExecutionRecord{
		ExecutionID:   uuid.NewString(),
		HookID:        reg.id,
		HookName:      hook.Name(),
		Point:         hctx.Point,
		CorrelationID: hctx.CorrelationID,
		Context:       snapshot,
		ResultKind:    result.Kind,
		Timestamp:     time.Now().UTC(),
		Duration:      dur,
		Metadata: map[string]string{
			"language": reg.desc.Language,
			"priority": fmt.Sprintf("%d", reg.desc.Priority),
		},
	}
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	if result.Kind == KindReplace {
		if raw, err := json.Marshal(result.Value); err == nil {
			rec.ResultValue = raw
		}
	}
	if err := x.replay.Record(rec); err != nil {
		// Background persistence failure never fails the operation.
		x.log.Error("Hook record write failed", zap.Error(err))
	}
}
