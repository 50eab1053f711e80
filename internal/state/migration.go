package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"llmspell/internal/logging"
)

// Transform rewrites an entry during migration. Returning (nil, nil) drops
// the entry from the target.
type Transform func(e *Entry) (*Entry, error)

// MigrationPlan drives a backend-to-backend copy with per-class transforms.
// Source and target are plain Backends, so any combination composes.
type MigrationPlan struct {
	Source     Backend
	Target     Backend
	Transforms map[Class]Transform
}

// MigrationResult reports what a completed migration did.
type MigrationResult struct {
	SourceEntries  int
	WrittenEntries int
	DroppedEntries int
	SourceChecksum string
	TargetChecksum string
}

// Migrate copies every source entry into the target. Pre-flight validation
// failures abort before any write. Mid-migration failures roll back the
// entries already written so the target is left as it started.
func Migrate(ctx context.Context, plan MigrationPlan) (*MigrationResult, error) {
	log := logging.New("migration")

	// Pre-flight: both ends must be scannable and the target must not
	// already contain colliding entries.
	source, err := plan.Source.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration pre-flight: scan source: %w", err)
	}
	existing, err := plan.Target.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration pre-flight: scan target: %w", err)
	}
	occupied := make(map[string]bool, len(existing))
	for _, e := range existing {
		occupied[fastKey(e.Scope, e.Key)] = true
	}
	for _, e := range source {
		if occupied[fastKey(e.Scope, e.Key)] {
			return nil, fmt.Errorf("migration pre-flight: target already holds %s/%s", e.Scope, e.Key)
		}
	}

	result := &MigrationResult{
		SourceEntries:  len(source),
		SourceChecksum: checksumEntries(source),
	}

	// Rollback metadata: the keys written so far.
	var written []*Entry
	rollback := func() {
		for _, e := range written {
			if _, derr := plan.Target.Delete(ctx, e.Scope, e.Key); derr != nil {
				log.Error("Rollback delete failed",
					zap.String("scope", e.Scope.String()),
					zap.String("key", e.Key),
					zap.Error(derr))
			}
		}
	}

	var migrated []*Entry
	for _, e := range source {
		out := e
		if tf, ok := plan.Transforms[e.Class]; ok {
			out, err = tf(e.clone())
			if err != nil {
				rollback()
				return nil, fmt.Errorf("migration transform %s/%s: %w", e.Scope, e.Key, err)
			}
		}
		if out == nil {
			result.DroppedEntries++
			continue
		}
		if err := plan.Target.Put(ctx, out); err != nil {
			rollback()
			return nil, fmt.Errorf("migration write %s/%s: %w", e.Scope, e.Key, err)
		}
		written = append(written, out)
		migrated = append(migrated, out)
	}
	result.WrittenEntries = len(written)

	// Validation: the target must now hold exactly what we wrote.
	targetAll, err := plan.Target.ListAll(ctx)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("migration validation: scan target: %w", err)
	}
	wanted := len(existing) + len(written)
	if len(targetAll) != wanted {
		rollback()
		return nil, fmt.Errorf("migration validation: target holds %d entries, want %d", len(targetAll), wanted)
	}
	result.TargetChecksum = checksumEntries(migrated)
	if result.TargetChecksum != checksumMigrated(targetAll, migrated) {
		rollback()
		return nil, fmt.Errorf("migration validation: checksum mismatch")
	}

	log.Info("Migration complete",
		zap.String("source", plan.Source.Name()),
		zap.String("target", plan.Target.Name()),
		zap.Int("written", result.WrittenEntries),
		zap.Int("dropped", result.DroppedEntries))
	return result, nil
}

// checksumEntries hashes scope/key/value triples in sorted order.
func checksumEntries(entries []*Entry) string {
	sorted := append([]*Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return fastKey(sorted[i].Scope, sorted[i].Key) < fastKey(sorted[j].Scope, sorted[j].Key)
	})
	h := sha256.New()
	for _, e := range sorted {
		h.Write([]byte(e.Scope.String()))
		h.Write([]byte{0})
		h.Write([]byte(e.Key))
		h.Write([]byte{0})
		h.Write(e.Value)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// checksumMigrated recomputes the checksum of the migrated subset as found in
// the target scan.
func checksumMigrated(targetAll, migrated []*Entry) string {
	want := make(map[string]bool, len(migrated))
	for _, e := range migrated {
		want[fastKey(e.Scope, e.Key)] = true
	}
	var subset []*Entry
	for _, e := range targetAll {
		if want[fastKey(e.Scope, e.Key)] {
			subset = append(subset, e)
		}
	}
	return checksumEntries(subset)
}
