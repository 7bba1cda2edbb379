package v4v

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/HPSI/xen-v4v/hv"
	"github.com/HPSI/xen-v4v/pending"
	"github.com/HPSI/xen-v4v/ring"
	"github.com/HPSI/xen-v4v/wire"
)

// Notify scans the caller's rings for newly freed space, wakes every sender
// whose pending request is now satisfied, and optionally fills the bulk
// ring-data block at ringDataAddr (0 to skip).
//
// The walk holds the caller's registry lock; the bulk query touches other
// domains' registries one at a time, so no two L2 locks are ever held
// together.
func (c *Context) Notify(caller wire.DomainID, ringDataAddr uint64) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.state(caller)
	if s == nil {
		return hv.ErrNoDevice
	}

	var satisfied []pending.Entry
	s.mu.RLock()
	s.table.Walk(func(r *ring.Ring) bool {
		r.Lock()
		free, err := r.FreeSpace()
		if err == nil {
			satisfied = append(satisfied, r.SatisfiedPending(free)...)
		}
		r.UnmapAll()
		r.Unlock()
		return true
	})
	s.mu.RUnlock()

	for _, e := range satisfied {
		ss := c.state(e.Source)
		if ss == nil {
			continue
		}
		ss.dom.Signal(ss.port)
		c.log.Debugw("woke blocked sender",
			zap.Uint16("source", uint16(e.Source)),
			zap.Uint32("len", e.Len),
		)
	}

	if ringDataAddr != 0 {
		return c.fillRingData(s, caller, ringDataAddr)
	}
	return nil
}

// fillRingData answers a bulk ring-state query: for each entry, the flags
// word becomes a union of EXISTS, SUFFICIENT, PENDING and EMPTY, and
// max_message_size is filled in. SUFFICIENT cancels the caller's pending
// entry on that ring; an unsatisfiable nonzero request queues one.
func (c *Context) fillRingData(s *domainState, caller wire.DomainID, addr uint64) error {
	mem := s.dom.Memory()

	var hb [wire.RingDataHeaderSize]byte
	if err := mem.CopyIn(addr, hb[:]); err != nil {
		return fmt.Errorf("reading ring data block: %w", hv.ErrMemoryFault)
	}
	hdr := wire.GetRingDataHeader(hb[:])
	if hdr.Magic != wire.RingDataMagic {
		return fmt.Errorf("ring data magic %#x: %w", hdr.Magic, hv.ErrInvalidArgument)
	}

	var eb [wire.RingDataEntSize]byte
	for i := uint32(0); i < hdr.NEnt; i++ {
		entAddr := addr + wire.RingDataHeaderSize + uint64(i)*wire.RingDataEntSize
		if err := mem.CopyIn(entAddr, eb[:]); err != nil {
			return fmt.Errorf("reading ring data entry %d: %w", i, hv.ErrMemoryFault)
		}
		ent := wire.GetRingDataEnt(eb[:])

		ent.Flags = 0
		ent.MaxMessageSize = 0
		if ds := c.state(ent.Ring.Domain); ds != nil {
			ds.mu.RLock()
			if r := ds.table.FindDst(ent.Ring, caller); r != nil {
				ent.Flags |= wire.DataFlagExists

				r.Lock()
				free, err := r.FreeSpace()
				if err == nil {
					if free == r.Len()-wire.MsgHeaderSize {
						ent.Flags |= wire.DataFlagEmpty
					}
					if ent.SpaceRequired <= free {
						ent.Flags |= wire.DataFlagSufficient
						r.CancelPending(caller)
					} else {
						r.QueuePending(caller, ent.SpaceRequired)
						ent.Flags |= wire.DataFlagPending
					}
				}
				ent.MaxMessageSize = r.MaxMessageSize()
				r.UnmapAll()
				r.Unlock()
			}
			ds.mu.RUnlock()
		}

		wire.PutRingDataEnt(eb[:], ent)
		if err := mem.CopyOut(entAddr, eb[:]); err != nil {
			return fmt.Errorf("writing ring data entry %d: %w", i, hv.ErrMemoryFault)
		}
	}
	return nil
}
