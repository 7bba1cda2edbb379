package v4v

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/HPSI/xen-v4v/hv"
	"github.com/HPSI/xen-v4v/wire"
)

// Sendv delivers one datagram from the caller to the ring addressed by dst.
// The scatter list of niov chunks is read from the caller's guest memory at
// iovAddr. On success the destination domain's event channel is signalled
// and the payload byte count is returned. A full destination ring queues a
// pending entry for the caller and fails with ErrWouldBlock.
func (c *Context) Sendv(caller wire.DomainID, src, dst wire.Address, msgType uint32, iovAddr uint64, niov uint32) (int64, error) {
	if niov == 0 || niov > MaxIov {
		return 0, fmt.Errorf("%d iovs: %w", niov, hv.ErrInvalidArgument)
	}
	if src.Domain != caller && src.Domain != wire.DomainAny {
		return 0, fmt.Errorf("source domain %d is not caller %d: %w", src.Domain, caller, hv.ErrInvalidArgument)
	}
	src.Domain = caller

	cd, ok := c.host.Domain(caller)
	if !ok {
		return 0, fmt.Errorf("domain %d: %w", caller, hv.ErrInvalidArgument)
	}
	defer cd.Put()
	mem := cd.Memory()

	iovBytes := make([]byte, wire.IovSize*niov)
	if err := mem.CopyIn(iovAddr, iovBytes); err != nil {
		return 0, fmt.Errorf("reading scatter list: %w", hv.ErrMemoryFault)
	}
	iovs := make([]wire.Iov, niov)
	var total uint64
	for i := range iovs {
		iovs[i] = wire.GetIov(iovBytes[wire.IovSize*i:])
		total += uint64(iovs[i].Len)
	}
	if total > wire.MaxSendSize {
		return 0, fmt.Errorf("scatter list of %d bytes: %w", total, hv.ErrMsgTooLarge)
	}

	dd, ok := c.host.Domain(dst.Domain)
	if !ok {
		return 0, fmt.Errorf("destination domain %d: %w", dst.Domain, hv.ErrRefused)
	}
	defer dd.Put()
	if dd.Dying() {
		return 0, fmt.Errorf("destination domain %d dying: %w", dst.Domain, hv.ErrRefused)
	}

	if !c.rules.Check(src, dst) {
		c.log.Warnw("send rejected by rule",
			zap.Stringer("src", src),
			zap.Stringer("dst", dst),
		)
		return 0, fmt.Errorf("%s -> %s: %w", src, dst, hv.ErrRefused)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	ds := c.state(dst.Domain)
	if ds == nil {
		return 0, fmt.Errorf("destination domain %d: %w", dst.Domain, hv.ErrRefused)
	}

	ds.mu.RLock()
	defer ds.mu.RUnlock()
	r := ds.table.FindDst(dst, caller)
	if r == nil {
		return 0, fmt.Errorf("no ring at %s for sender %d: %w", dst, caller, hv.ErrRefused)
	}

	r.Lock()
	err := r.Insertv(mem, src, msgType, iovs, uint32(total))
	if errors.Is(err, hv.ErrWouldBlock) {
		r.QueuePending(caller, wire.RoundUp16(uint32(total)))
	}
	r.UnmapAll()
	r.Unlock()
	if err != nil {
		return 0, err
	}

	ds.dom.Signal(ds.port)
	return int64(total), nil
}

// Recv drains the next message from one of the caller's own rings,
// advancing the consumer pointer the way a guest library would. It backs
// the host daemon's receive operation; on a real hypervisor consumption
// happens inside the guest without a hypercall.
func (c *Context) Recv(caller wire.DomainID, port uint32, partner wire.DomainID) (wire.MsgHeader, []byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.state(caller)
	if s == nil {
		return wire.MsgHeader{}, nil, hv.ErrNoDevice
	}

	id := wire.RingID{Addr: wire.Address{Domain: caller, Port: port}, Partner: partner}

	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.table.Find(id)
	if r == nil {
		return wire.MsgHeader{}, nil, fmt.Errorf("ring %s: %w", id, hv.ErrNotFound)
	}

	r.Lock()
	hdr, payload, err := r.Consume()
	r.UnmapAll()
	r.Unlock()
	return hdr, payload, err
}
