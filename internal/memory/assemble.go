package memory

import (
	"context"
	"strings"
)

// AssembledContext is the ranked excerpt block handed to a prompt.
type AssembledContext struct {
	Text      string
	Included  int
	Truncated bool // a relevant item was dropped for budget
}

// Assembler builds prompt context from one or more stores. Items from
// earlier stores win ties because store order expresses priority.
type Assembler struct {
	stores []Store
}

// NewAssembler creates an assembler over stores in priority order.
func NewAssembler(stores ...Store) *Assembler {
	return &Assembler{stores: stores}
}

// Assemble queries every store, merges results by score, and packs item
// contents into at most budget bytes. Items are separated by blank lines;
// an item that would overflow the budget is skipped rather than cut.
func (a *Assembler) Assemble(ctx context.Context, q Query, budget int) (*AssembledContext, error) {
	var merged []Scored
	for _, store := range a.stores {
		results, err := store.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		merged = append(merged, results...)
	}

	// Stable sort preserves store priority between equal scores.
	for i := 1; i < len(merged); i++ {
		for j := i; j > 0 && merged[j].Score > merged[j-1].Score; j-- {
			merged[j], merged[j-1] = merged[j-1], merged[j]
		}
	}

	var (
		b         strings.Builder
		out       AssembledContext
		remaining = budget
	)
	for _, sc := range merged {
		need := len(sc.Item.Content)
		if b.Len() > 0 {
			need += 2
		}
		if budget > 0 && need > remaining {
			out.Truncated = true
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(sc.Item.Content)
		remaining -= need
		out.Included++
	}
	out.Text = b.String()
	return &out, nil
}
