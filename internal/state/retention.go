package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// BackupMeta describes one backup file for retention decisions.
type BackupMeta struct {
	Path      string
	CreatedAt time.Time
	Size      int64
}

// Decision is the outcome of evaluating a policy against one backup.
type Decision struct {
	Retain bool
	Reason string
}

// RetentionPolicy bounds the backup set by count and age. A zero limit
// disables that half of the policy. When both are active the rule is
// conservative: a backup is deleted only if BOTH policies would delete it.
type RetentionPolicy struct {
	MaxCount int
	MaxAge   time.Duration
}

// Evaluate is a pure function of the backup's metadata, its siblings, and the
// clock. all must be sorted oldest first.
func (p RetentionPolicy) Evaluate(meta BackupMeta, all []BackupMeta, now time.Time) Decision {
	countDeletes := false
	if p.MaxCount > 0 && len(all) > p.MaxCount {
		// The newest MaxCount backups survive the count policy.
		idx := -1
		for i, b := range all {
			if b.Path == meta.Path {
				idx = i
				break
			}
		}
		if idx >= 0 && idx < len(all)-p.MaxCount {
			countDeletes = true
		}
	}
	ageDeletes := p.MaxAge > 0 && now.Sub(meta.CreatedAt) > p.MaxAge

	switch {
	case p.MaxCount > 0 && p.MaxAge > 0:
		if countDeletes && ageDeletes {
			return Decision{Retain: false, Reason: "exceeds both count and age limits"}
		}
	case countDeletes:
		return Decision{Retain: false, Reason: "exceeds count limit"}
	case ageDeletes:
		return Decision{Retain: false, Reason: "exceeds age limit"}
	}
	return Decision{Retain: true, Reason: "within retention bounds"}
}

// listBackups scans dir for snapshot files, sorted oldest first.
func listBackups(dir string) ([]BackupMeta, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan backup dir: %w", err)
	}
	var out []BackupMeta
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, "state-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		created := info.ModTime().UTC()
		// Prefer the timestamp embedded in the name; mtime can survive copies.
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, "state-"), ".json")
		if ts, err := time.Parse("20060102T150405.000000000Z0700", stamp); err == nil {
			created = ts
		}
		out = append(out, BackupMeta{
			Path:      filepath.Join(dir, name),
			CreatedAt: created,
			Size:      info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
