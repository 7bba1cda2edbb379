// Package ring implements the V4V ring storage protocol: a guest-owned
// circular byte buffer whose producer pointer is advanced by the hypervisor
// and whose consumer pointer is advanced by the guest. The hypervisor-side
// copy of tx_ptr is authoritative; rx_ptr lives in guest-writable memory and
// is treated as adversarial on every read.
package ring

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/mcache"
	"go.uber.org/zap"

	"github.com/HPSI/xen-v4v/hv"
	"github.com/HPSI/xen-v4v/pending"
	"github.com/HPSI/xen-v4v/wire"
)

// Ring is a registered ring and its hypervisor-side bookkeeping. Identity,
// capacity and the frame list are immutable after construction; the cached
// producer pointer, the mapping cache and the pending queue are protected by
// the ring lock.
type Ring struct {
	id     wire.RingID
	length uint32
	frames []hv.Frame

	mu   sync.Mutex
	held atomic.Bool

	// txPtr is the cached producer offset. The guest's in-ring copy is
	// rewritten from it at every commit.
	txPtr uint32

	maps [][]byte
	pend pending.Queue

	log *zap.SugaredLogger
}

// New builds a ring over the given pinned frames. Frame 0 must contain the
// ring header. The caller is responsible for having validated length and the
// frame count against each other.
func New(id wire.RingID, length uint32, txPtr uint32, frames []hv.Frame, log *zap.SugaredLogger) *Ring {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ring{
		id:     id,
		length: length,
		frames: frames,
		txPtr:  txPtr,
		maps:   make([][]byte, len(frames)),
		log:    log,
	}
}

// ID returns the ring identity.
func (r *Ring) ID() wire.RingID { return r.id }

// Len returns the ring payload capacity in bytes.
func (r *Ring) Len() uint32 { return r.length }

// NPage returns the number of guest frames backing the ring.
func (r *Ring) NPage() uint32 { return uint32(len(r.frames)) }

// MaxMessageSize returns the largest payload a single message may carry.
func (r *Ring) MaxMessageSize() uint32 {
	return r.length - wire.MsgHeaderSize - wire.Alignment
}

// Lock acquires the ring lock (L3 in the hierarchy). It must be taken after
// the owning domain's registry lock and never the other way around.
func (r *Ring) Lock() {
	r.mu.Lock()
	r.held.Store(true)
}

// Unlock releases the ring lock.
func (r *Ring) Unlock() {
	r.held.Store(false)
	r.mu.Unlock()
}

func (r *Ring) assertHeld() {
	if !r.held.Load() {
		panic("ring: lock not held")
	}
}

// QueuePending records that src is blocked until need free bytes are
// available. An existing entry is upgraded, never duplicated.
func (r *Ring) QueuePending(src wire.DomainID, need uint32) {
	r.assertHeld()
	r.pend.Queue(src, need)
}

// CancelPending removes the pending entry for src if present.
func (r *Ring) CancelPending(src wire.DomainID) {
	r.assertHeld()
	r.pend.Cancel(src)
}

// SatisfiedPending removes and returns every pending entry whose request
// fits in free bytes.
func (r *Ring) SatisfiedPending(free uint32) []pending.Entry {
	r.assertHeld()
	return r.pend.FindSatisfied(free)
}

// PendingLen returns the number of blocked senders.
func (r *Ring) PendingLen() int {
	r.assertHeld()
	return r.pend.Len()
}

// FreeSpace reads the consumer pointer once and computes the writable
// payload bytes, accounting for the message header and the 16-byte slack
// marker that distinguishes full from empty.
func (r *Ring) FreeSpace() (uint32, error) {
	r.assertHeld()
	h, err := r.header()
	if err != nil {
		return 0, err
	}
	return r.freeBytes(atomicLoad32(h, wire.OffRxPtr)), nil
}

func (r *Ring) freeBytes(rx uint32) uint32 {
	if rx == r.txPtr {
		return r.length - wire.MsgHeaderSize
	}
	// rx is guest-controlled and may be wildly out of range; reduce it
	// before the modular distance so the result stays within the ring.
	d := (rx%r.length + r.length - r.txPtr) % r.length
	if d < wire.MsgHeaderSize+wire.Alignment {
		return 0
	}
	return d - wire.MsgHeaderSize - wire.Alignment
}

// Insertv enqueues one message built from the scatter list iovs, read from
// the sender's guest memory. total must be the sum of the chunk lengths.
// The ring lock must be held. On any failure no part of the message is
// published, so partially copied bytes are never visible to the consumer;
// the atomic tx_ptr store at the end is the single commit point. The
// producer pointer keeps its value on failure, except that the empty-ring
// reset may already have moved both pointers of a drained ring to zero.
func (r *Ring) Insertv(mem hv.GuestMemory, src wire.Address, msgType uint32, iovs []wire.Iov, total uint32) error {
	r.assertHeld()

	need := wire.RoundUp16(total)
	if need+wire.MsgHeaderSize >= r.length {
		return fmt.Errorf("%d byte message in %d byte ring: %w", total, r.length, hv.ErrMsgTooLarge)
	}

	h, err := r.header()
	if err != nil {
		return err
	}

	rx := atomicLoad32(h, wire.OffRxPtr)
	if gtx := atomicLoad32(h, wire.OffTxPtr); gtx != r.txPtr {
		// The cached copy stays authoritative; the guest has no
		// business writing tx_ptr.
		r.log.Debugw("guest tx_ptr diverged from cached copy",
			zap.Stringer("ring", r.id),
			zap.Uint32("guest", gtx),
			zap.Uint32("cached", r.txPtr),
		)
	}

	if rx == r.txPtr && r.txPtr != 0 {
		// Consumer caught up: collapse accumulated wrap drift. The
		// consumer must observe the rx_ptr store before the next
		// tx_ptr advance, hence rx first.
		atomicStore32(h, wire.OffRxPtr, 0)
		atomicStore32(h, wire.OffTxPtr, 0)
		r.txPtr = 0
		rx = 0
	}

	if need > r.freeBytes(rx) {
		return hv.ErrWouldBlock
	}

	var hdr [wire.MsgHeaderSize]byte
	wire.PutMsgHeader(hdr[:], wire.MsgHeader{
		Len:    wire.MsgHeaderSize + total,
		Type:   msgType,
		Source: src,
	})
	p, err := r.writeWrapped(r.txPtr, hdr[:])
	if err != nil {
		return err
	}

	for _, iov := range iovs {
		if iov.Len == 0 {
			continue
		}
		buf := mcache.Malloc(int(iov.Len))
		if err := mem.CopyIn(iov.Base, buf); err != nil {
			mcache.Free(buf)
			return fmt.Errorf("scatter chunk at %#x: %w", iov.Base, hv.ErrMemoryFault)
		}
		p, err = r.writeWrapped(p, buf)
		mcache.Free(buf)
		if err != nil {
			return err
		}
	}

	// Commit. The atomic store publishes the message; nothing written
	// above is visible to the consumer before this point.
	r.txPtr = wire.RoundUp16(p) % r.length
	atomicStore32(h, wire.OffTxPtr, r.txPtr)
	return nil
}

// Consume reads and removes the message at the consumer pointer, advancing
// it the way a guest consumer library would. It returns ErrWouldBlock when
// the ring is empty. The ring lock must be held.
func (r *Ring) Consume() (wire.MsgHeader, []byte, error) {
	r.assertHeld()

	h, err := r.header()
	if err != nil {
		return wire.MsgHeader{}, nil, err
	}
	rx := atomicLoad32(h, wire.OffRxPtr)
	tx := atomicLoad32(h, wire.OffTxPtr)
	if rx == tx {
		return wire.MsgHeader{}, nil, hv.ErrWouldBlock
	}
	rx %= r.length

	var mh [wire.MsgHeaderSize]byte
	if err := r.readWrapped(rx, mh[:]); err != nil {
		return wire.MsgHeader{}, nil, err
	}
	m := wire.GetMsgHeader(mh[:])
	if m.Len < wire.MsgHeaderSize || m.Len > r.length {
		return wire.MsgHeader{}, nil, fmt.Errorf("message length %d: %w", m.Len, hv.ErrInvalidArgument)
	}

	payload := make([]byte, m.Len-wire.MsgHeaderSize)
	if err := r.readWrapped((rx+wire.MsgHeaderSize)%r.length, payload); err != nil {
		return wire.MsgHeader{}, nil, err
	}

	atomicStore32(h, wire.OffRxPtr, (rx+wire.RoundUp16(m.Len))%r.length)
	return m, payload, nil
}

// SyncGuestHeader rewrites the identity and producer pointer in the guest's
// ring header from the hypervisor-side copies. Used once at registration,
// after normalization.
func (r *Ring) SyncGuestHeader() error {
	r.assertHeld()
	h, err := r.header()
	if err != nil {
		return err
	}
	wire.PutRingID(h[wire.OffID:wire.OffID+16], r.id)
	atomicStore32(h, wire.OffTxPtr, r.txPtr)
	return nil
}

// Destroy drops the pending queue, the mapping cache and the pinned frames.
// The ring must already be detached from its registry bucket.
func (r *Ring) Destroy() {
	r.Lock()
	r.pend.Drain()
	r.UnmapAll()
	frames := r.frames
	r.frames = nil
	r.maps = nil
	r.Unlock()

	for _, f := range frames {
		f.Release()
	}
}

// writeWrapped writes data at payload offset off, splitting at the ring end
// into at most two contiguous runs, and returns the advanced offset.
func (r *Ring) writeWrapped(off uint32, data []byte) (uint32, error) {
	n := uint32(len(data))
	first := n
	if off+first > r.length {
		first = r.length - off
	}
	if err := r.copyTo(off, data[:first]); err != nil {
		return 0, err
	}
	if first < n {
		if err := r.copyTo(0, data[first:]); err != nil {
			return 0, err
		}
	}
	return (off + n) % r.length, nil
}

// readWrapped reads len(dst) bytes from payload offset off with the same
// wrap semantics as writeWrapped.
func (r *Ring) readWrapped(off uint32, dst []byte) error {
	n := uint32(len(dst))
	first := n
	if off+first > r.length {
		first = r.length - off
	}
	if err := r.copyFrom(off, dst[:first]); err != nil {
		return err
	}
	if first < n {
		return r.copyFrom(0, dst[first:])
	}
	return nil
}

// copyTo writes data at payload offset off without wrapping at the ring end,
// crossing frame boundaries as needed. Offsets are shifted past the ring
// header, so frame 0's header bytes are never touched.
func (r *Ring) copyTo(off uint32, data []byte) error {
	abs := wire.RingHeaderSize + off
	for len(data) > 0 {
		view, err := r.frameAt(abs)
		if err != nil {
			return err
		}
		n := copy(view, data)
		abs += uint32(n)
		data = data[n:]
	}
	return nil
}

func (r *Ring) copyFrom(off uint32, dst []byte) error {
	abs := wire.RingHeaderSize + off
	for len(dst) > 0 {
		view, err := r.frameAt(abs)
		if err != nil {
			return err
		}
		n := copy(dst, view)
		abs += uint32(n)
		dst = dst[n:]
	}
	return nil
}
