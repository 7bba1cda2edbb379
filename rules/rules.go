// Package rules holds the globally ordered accept/reject table gating
// sends. Matching is first-rule-wins with wildcard semantics on the domain
// and port of both addresses; an empty table accepts everything.
package rules

import (
	"sync"

	"github.com/HPSI/xen-v4v/wire"
)

// Table is the ordered rule list. Safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	rules []wire.Rule
}

// New returns an empty table.
func New() *Table {
	return &Table{}
}

// Add inserts r before the rule currently at position (1-based). Position 0
// or anything beyond the end appends.
func (t *Table) Add(r wire.Rule, position int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if position < 1 || position > len(t.rules) {
		t.rules = append(t.rules, r)
		return
	}
	i := position - 1
	t.rules = append(t.rules[:i], append([]wire.Rule{r}, t.rules[i:]...)...)
}

// Del removes a rule. With position >= 1 it removes by position; with a
// non-nil rule it removes the first exact field match; with neither
// (nil, -1) it flushes the table. Removal of an absent rule is a no-op.
func (t *Table) Del(r *wire.Rule, position int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case position >= 1:
		if position <= len(t.rules) {
			i := position - 1
			t.rules = append(t.rules[:i], t.rules[i+1:]...)
		}
	case r != nil:
		for i := range t.rules {
			if t.rules[i] == *r {
				t.rules = append(t.rules[:i], t.rules[i+1:]...)
				return
			}
		}
	default:
		t.rules = nil
	}
}

// List copies out up to limit rules starting at offset.
func (t *Table) List(offset, limit int) []wire.Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if offset < 0 || offset >= len(t.rules) {
		return nil
	}
	end := offset + limit
	if limit < 0 || end > len(t.rules) {
		end = len(t.rules)
	}
	out := make([]wire.Rule, end-offset)
	copy(out, t.rules[offset:end])
	return out
}

// Len returns the number of rules.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rules)
}

// Check walks the rules first to last and reports whether a send from src
// to dst is accepted. The first matching rule decides; no match accepts.
func (t *Table) Check(src, dst wire.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, r := range t.rules {
		if matchAddr(r.Src, src) && matchAddr(r.Dst, dst) {
			return r.Accept
		}
	}
	return true
}

func matchAddr(pattern, a wire.Address) bool {
	if pattern.Domain != wire.DomainAny && pattern.Domain != a.Domain {
		return false
	}
	if pattern.Port != wire.PortAny && pattern.Port != a.Port {
		return false
	}
	return true
}
