package v4v

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/HPSI/xen-v4v/hv"
	"github.com/HPSI/xen-v4v/ring"
	"github.com/HPSI/xen-v4v/wire"
)

// RegisterRing validates and publishes a guest ring. ringAddr is the guest
// address of the shared ring structure (page aligned, on the first listed
// frame); pfnAddr points at npage guest frame numbers. Frames are pinned
// all-or-nothing and stay pinned until the ring is removed.
func (c *Context) RegisterRing(caller wire.DomainID, ringAddr, pfnAddr uint64, npage uint32) error {
	if ringAddr%wire.PageSize != 0 {
		return fmt.Errorf("ring handle %#x not page aligned: %w", ringAddr, hv.ErrInvalidArgument)
	}
	if npage == 0 || npage > MaxRingPages {
		return fmt.Errorf("%d ring pages: %w", npage, hv.ErrInvalidArgument)
	}

	s, release, err := c.acquire(caller)
	if err != nil {
		return err
	}
	defer release()
	mem := s.dom.Memory()

	var hb [wire.RingHeaderSize]byte
	if err := mem.CopyIn(ringAddr, hb[:]); err != nil {
		return fmt.Errorf("reading ring header: %w", hv.ErrMemoryFault)
	}
	hdr := wire.GetRingHeader(hb[:])

	if hdr.Magic != wire.RingMagic {
		return fmt.Errorf("ring magic %#x: %w", hdr.Magic, hv.ErrInvalidArgument)
	}
	if hdr.Len < wire.MinRingLen || hdr.Len%wire.Alignment != 0 {
		return fmt.Errorf("ring length %d: %w", hdr.Len, hv.ErrInvalidArgument)
	}
	if uint64(wire.RingHeaderSize)+uint64(hdr.Len) > uint64(npage)*wire.PageSize {
		return fmt.Errorf("ring length %d exceeds %d pages: %w", hdr.Len, npage, hv.ErrInvalidArgument)
	}

	id := hdr.ID
	switch id.Addr.Domain {
	case caller, wire.DomainAny:
		id.Addr.Domain = caller
	default:
		return fmt.Errorf("ring owner %d is not caller %d: %w", id.Addr.Domain, caller, hv.ErrInvalidArgument)
	}

	pfns := make([]uint64, npage)
	pfnBytes := make([]byte, 8*npage)
	if err := mem.CopyIn(pfnAddr, pfnBytes); err != nil {
		return fmt.Errorf("reading pfn list: %w", hv.ErrMemoryFault)
	}
	for i := range pfns {
		pfns[i] = binary.LittleEndian.Uint64(pfnBytes[8*i:])
	}
	if pfns[0] != ringAddr>>wire.PageShift {
		return fmt.Errorf("first frame %#x does not hold the ring header: %w", pfns[0], hv.ErrInvalidArgument)
	}

	// Pin all frames or none.
	frames := make([]hv.Frame, 0, npage)
	for _, pfn := range pfns {
		f, err := mem.Pin(pfn)
		if err != nil {
			for _, pinned := range frames {
				pinned.Release()
			}
			return fmt.Errorf("pinning frame %#x: %w", pfn, hv.ErrMemoryFault)
		}
		frames = append(frames, f)
	}

	// A garbage producer pointer is normalized rather than rejected: fall
	// back to the consumer pointer, or zero if that is unusable too.
	tx := hdr.TxPtr
	if tx >= hdr.Len || tx%wire.Alignment != 0 {
		tx = hdr.RxPtr
		if tx >= hdr.Len || tx%wire.Alignment != 0 {
			tx = 0
		}
	}

	r := ring.New(id, hdr.Len, tx, frames, c.log)
	r.Lock()
	err = r.SyncGuestHeader()
	r.UnmapAll()
	r.Unlock()
	if err != nil {
		r.Destroy()
		return err
	}

	s.mu.Lock()
	err = s.table.Insert(r)
	s.mu.Unlock()
	if err != nil {
		r.Destroy()
		return fmt.Errorf("ring %s: %w", id, err)
	}

	c.log.Infow("registered ring",
		zap.Stringer("ring", id),
		zap.Uint32("len", hdr.Len),
		zap.Uint32("npage", npage),
	)
	return nil
}

// UnregisterRing removes the ring described by the guest structure at
// ringAddr from the caller's registry, dropping its pending entries and
// releasing its frames.
func (c *Context) UnregisterRing(caller wire.DomainID, ringAddr uint64) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.state(caller)
	if s == nil {
		return fmt.Errorf("domain %d has no rings: %w", caller, hv.ErrNotFound)
	}

	var hb [wire.RingHeaderSize]byte
	if err := s.dom.Memory().CopyIn(ringAddr, hb[:]); err != nil {
		return fmt.Errorf("reading ring header: %w", hv.ErrMemoryFault)
	}
	hdr := wire.GetRingHeader(hb[:])
	if hdr.Magic != wire.RingMagic {
		return fmt.Errorf("ring magic %#x: %w", hdr.Magic, hv.ErrInvalidArgument)
	}

	id := wire.RingID{
		Addr:    wire.Address{Domain: caller, Port: hdr.ID.Addr.Port},
		Partner: hdr.ID.Partner,
	}

	s.mu.Lock()
	r := s.table.Remove(id)
	s.mu.Unlock()
	if r == nil {
		return fmt.Errorf("ring %s: %w", id, hv.ErrNotFound)
	}
	r.Destroy()

	c.log.Infow("unregistered ring", zap.Stringer("ring", id))
	return nil
}
