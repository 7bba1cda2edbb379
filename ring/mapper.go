package ring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/HPSI/xen-v4v/hv"
	"github.com/HPSI/xen-v4v/wire"
)

// The mapping cache is lazy: each frame slot is populated on first use and
// dropped wholesale by UnmapAll. Every public entry point that maps frames
// must unmap before returning, so mapping residency is bounded by a single
// hypercall.

// mapFrame returns a cached or freshly established view of frame i.
func (r *Ring) mapFrame(i int) ([]byte, error) {
	r.assertHeld()
	if i >= len(r.frames) {
		return nil, fmt.Errorf("frame %d of %d: %w", i, len(r.frames), hv.ErrMemoryFault)
	}
	if r.maps[i] != nil {
		return r.maps[i], nil
	}
	b, err := r.frames[i].Map()
	if err != nil {
		return nil, fmt.Errorf("mapping frame %d: %w", i, hv.ErrMemoryFault)
	}
	r.maps[i] = b
	return b, nil
}

// UnmapAll drops every cached mapping. The frames stay pinned.
func (r *Ring) UnmapAll() {
	r.assertHeld()
	for i, m := range r.maps {
		if m != nil {
			r.frames[i].Unmap()
			r.maps[i] = nil
		}
	}
}

// header maps frame 0, which always carries the ring header.
func (r *Ring) header() ([]byte, error) {
	return r.mapFrame(0)
}

// frameAt returns the view from absolute ring byte abs to the end of the
// frame containing it.
func (r *Ring) frameAt(abs uint32) ([]byte, error) {
	b, err := r.mapFrame(int(abs >> wire.PageShift))
	if err != nil {
		return nil, err
	}
	return b[abs&(wire.PageSize-1):], nil
}

// The shared header words are accessed with single atomic ops: rx_ptr is
// written concurrently by the guest consumer, tx_ptr is what the consumer
// synchronizes against.

func atomicLoad32(b []byte, off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[off])))
}

func atomicStore32(b []byte, off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[off])), v)
}
