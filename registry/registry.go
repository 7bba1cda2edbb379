// Package registry keeps a domain's active rings in a small hash table
// keyed by ring identity. The table itself carries no lock: the owning
// domain's rwlock protects the buckets (read-held for lookups and sends,
// write-held for insert and remove).
package registry

import (
	"github.com/HPSI/xen-v4v/hv"
	"github.com/HPSI/xen-v4v/ring"
	"github.com/HPSI/xen-v4v/wire"
)

// BucketCount is the number of hash buckets per domain.
const BucketCount = 32

// Table is a per-domain ring registry.
type Table struct {
	buckets [BucketCount][]*ring.Ring
}

// bucket mixes the port halves, folds in both domain ids and masks down to
// the bucket array.
func bucket(id wire.RingID) int {
	h := (id.Addr.Port >> 16) ^ (id.Addr.Port & 0xFFFF)
	h ^= uint32(id.Addr.Domain)
	h ^= uint32(id.Partner)
	return int(h & (BucketCount - 1))
}

// Insert adds r to the table. It fails with ErrExists if a ring with the
// same identity is already registered.
func (t *Table) Insert(r *ring.Ring) error {
	b := bucket(r.ID())
	for _, existing := range t.buckets[b] {
		if existing.ID() == r.ID() {
			return hv.ErrExists
		}
	}
	t.buckets[b] = append(t.buckets[b], r)
	return nil
}

// Find returns the ring with exactly the given identity, or nil.
func (t *Table) Find(id wire.RingID) *ring.Ring {
	for _, r := range t.buckets[bucket(id)] {
		if r.ID() == id {
			return r
		}
	}
	return nil
}

// FindDst resolves a destination address for a sender: first a ring bound
// to the sender as explicit partner, then a wildcard-partner ring.
func (t *Table) FindDst(addr wire.Address, sender wire.DomainID) *ring.Ring {
	if r := t.Find(wire.RingID{Addr: addr, Partner: sender}); r != nil {
		return r
	}
	return t.Find(wire.RingID{Addr: addr, Partner: wire.DomainAny})
}

// Remove detaches the ring with the given identity from its bucket and
// returns it, or nil if not registered.
func (t *Table) Remove(id wire.RingID) *ring.Ring {
	b := bucket(id)
	for i, r := range t.buckets[b] {
		if r.ID() == id {
			t.buckets[b] = append(t.buckets[b][:i], t.buckets[b][i+1:]...)
			return r
		}
	}
	return nil
}

// Walk calls fn for every registered ring until fn returns false.
func (t *Table) Walk(fn func(*ring.Ring) bool) {
	for b := range t.buckets {
		for _, r := range t.buckets[b] {
			if !fn(r) {
				return
			}
		}
	}
}

// Len returns the number of registered rings.
func (t *Table) Len() int {
	n := 0
	for b := range t.buckets {
		n += len(t.buckets[b])
	}
	return n
}
