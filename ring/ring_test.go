package ring_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HPSI/xen-v4v/emulator"
	"github.com/HPSI/xen-v4v/hv"
	"github.com/HPSI/xen-v4v/ring"
	"github.com/HPSI/xen-v4v/wire"
)

const (
	basePfn  = uint64(0x10)
	ringAddr = basePfn << wire.PageShift
	dataAddr = uint64(0x40000)
)

var src = wire.Address{Domain: 3}

type testRing struct {
	r *ring.Ring
	d *emulator.Domain
}

// newTestRing lays a ring header out in guest memory, pins npage frames and
// builds the hypervisor-side ring over them.
func newTestRing(t *testing.T, length uint32, npage int) *testRing {
	t.Helper()

	m := emulator.NewMachine()
	d, err := m.CreateDomain(1)
	require.NoError(t, err)

	id := wire.RingID{
		Addr:    wire.Address{Domain: 1, Port: 100},
		Partner: wire.DomainAny,
	}
	var hb [wire.RingHeaderSize]byte
	wire.PutRingHeader(hb[:], wire.RingHeader{Magic: wire.RingMagic, Len: length, ID: id})
	require.NoError(t, d.CopyOut(ringAddr, hb[:]))

	frames := make([]hv.Frame, npage)
	for i := range frames {
		frames[i], err = d.Pin(basePfn + uint64(i))
		require.NoError(t, err)
	}
	return &testRing{r: ring.New(id, length, 0, frames, nil), d: d}
}

// guestPtr reads a pointer word straight from the guest ring header.
func (tr *testRing) guestPtr(t *testing.T, off int) uint32 {
	t.Helper()
	var b [4]byte
	require.NoError(t, tr.d.CopyIn(ringAddr+uint64(off), b[:]))
	return binary.LittleEndian.Uint32(b[:])
}

// insert stages payload in guest memory as a single chunk and inserts it.
func (tr *testRing) insert(t *testing.T, payload []byte, msgType uint32) error {
	t.Helper()
	require.NoError(t, tr.d.CopyOut(dataAddr, payload))
	iovs := []wire.Iov{{Base: dataAddr, Len: uint32(len(payload))}}

	tr.r.Lock()
	err := tr.r.Insertv(tr.d, src, msgType, iovs, uint32(len(payload)))
	tr.r.UnmapAll()
	tr.r.Unlock()
	return err
}

func (tr *testRing) consume(t *testing.T) (wire.MsgHeader, []byte, error) {
	t.Helper()
	tr.r.Lock()
	hdr, payload, err := tr.r.Consume()
	tr.r.UnmapAll()
	tr.r.Unlock()
	return hdr, payload, err
}

func Test_BasicInsertConsume(t *testing.T) {
	tr := newTestRing(t, 256, 1)

	require.NoError(t, tr.insert(t, []byte{0xAA, 0xBB, 0xCC}, 0x1111))
	assert.Equal(t, uint32(32), tr.guestPtr(t, wire.OffTxPtr))

	hdr, payload, err := tr.consume(t)
	require.NoError(t, err)
	assert.Equal(t, uint32(19), hdr.Len)
	assert.Equal(t, uint32(0x1111), hdr.Type)
	assert.Equal(t, src, hdr.Source)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, payload)
	assert.Equal(t, uint32(32), tr.guestPtr(t, wire.OffRxPtr))

	_, _, err = tr.consume(t)
	assert.ErrorIs(t, err, hv.ErrWouldBlock)
	assert.Equal(t, int64(0), tr.d.ActiveMappings())
}

// A drained ring with nonzero pointers is reset to zero before the next
// message is written.
func Test_EmptyRingReset(t *testing.T) {
	tr := newTestRing(t, 256, 1)

	require.NoError(t, tr.insert(t, []byte{1, 2, 3}, 0))
	_, _, err := tr.consume(t)
	require.NoError(t, err)
	require.Equal(t, uint32(32), tr.guestPtr(t, wire.OffRxPtr))

	require.NoError(t, tr.insert(t, []byte{4, 5, 6}, 0))
	assert.Equal(t, uint32(0), tr.guestPtr(t, wire.OffRxPtr))
	assert.Equal(t, uint32(32), tr.guestPtr(t, wire.OffTxPtr))

	_, payload, err := tr.consume(t)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6}, payload)
}

// Four 20-byte messages in a 160-byte ring: three fit, the fourth must wait
// for the slack marker and then wrap across the ring end.
func Test_WrapAndWouldBlock(t *testing.T) {
	tr := newTestRing(t, 160, 1)

	msg := func(fill byte) []byte {
		return bytes.Repeat([]byte{fill}, 20)
	}
	require.NoError(t, tr.insert(t, msg(1), 0))
	require.NoError(t, tr.insert(t, msg(2), 0))
	require.NoError(t, tr.insert(t, msg(3), 0))
	assert.Equal(t, uint32(144), tr.guestPtr(t, wire.OffTxPtr))

	err := tr.insert(t, msg(4), 0)
	assert.ErrorIs(t, err, hv.ErrWouldBlock)

	_, payload, err := tr.consume(t)
	require.NoError(t, err)
	assert.Equal(t, msg(1), payload)

	// The retry lands its header at the very end of the ring and wraps
	// the payload to the start.
	require.NoError(t, tr.insert(t, msg(4), 0))
	assert.Equal(t, uint32(32), tr.guestPtr(t, wire.OffTxPtr))

	for _, fill := range []byte{2, 3, 4} {
		_, payload, err := tr.consume(t)
		require.NoError(t, err)
		assert.Equal(t, msg(fill), payload)
	}
	_, _, err = tr.consume(t)
	assert.ErrorIs(t, err, hv.ErrWouldBlock)
}

// A scatter list partitioning the payload arbitrarily must arrive as its
// in-order concatenation.
func Test_ScatterGatherRoundTrip(t *testing.T) {
	tr := newTestRing(t, 1024, 1)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	var iovs []wire.Iov
	addr := dataAddr
	rest := payload
	for _, n := range []int{7, 1, 30, 62} {
		require.NoError(t, tr.d.CopyOut(addr, rest[:n]))
		iovs = append(iovs, wire.Iov{Base: addr, Len: uint32(n)})
		// Scatter the chunks over distinct pages.
		addr += 2 * wire.PageSize
		rest = rest[n:]
	}

	tr.r.Lock()
	err := tr.r.Insertv(tr.d, src, 7, iovs, uint32(len(payload)))
	tr.r.UnmapAll()
	tr.r.Unlock()
	require.NoError(t, err)

	hdr, got, err := tr.consume(t)
	require.NoError(t, err)
	assert.Equal(t, uint32(wire.MsgHeaderSize+100), hdr.Len)
	assert.Equal(t, payload, got)
}

// Payloads crossing guest frame boundaries inside the ring.
func Test_FrameCrossing(t *testing.T) {
	tr := newTestRing(t, 8192, 3)

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, tr.insert(t, payload, 0))

	_, got, err := tr.consume(t)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func Test_MsgTooLarge(t *testing.T) {
	tr := newTestRing(t, 256, 1)

	err := tr.insert(t, make([]byte, 225), 0)
	assert.ErrorIs(t, err, hv.ErrMsgTooLarge)

	// The documented maximum, len - header - slack, still fits.
	require.NoError(t, tr.insert(t, make([]byte, 224), 0))
}

// The consumer pointer is guest-writable and therefore adversarial: insert
// must stay within the ring no matter its value.
func Test_AdversarialRxPtr(t *testing.T) {
	tr := newTestRing(t, 256, 1)

	poison := func(rx uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], rx)
		require.NoError(t, tr.d.CopyOut(ringAddr+wire.OffRxPtr, b[:]))
	}

	// Wildly out of range: reduced modulo len, leaving 208 free bytes.
	poison(0xFFFFFFF0)
	require.NoError(t, tr.insert(t, make([]byte, 100), 0))
	assert.Equal(t, uint32(128), tr.guestPtr(t, wire.OffTxPtr))

	// Unaligned garbage just ahead of tx: no usable space, no panic.
	poison(129)
	err := tr.insert(t, make([]byte, 100), 0)
	assert.ErrorIs(t, err, hv.ErrWouldBlock)
}

// A faulting scatter chunk aborts the insert before the commit point, so
// the consumer never observes the partial message.
func Test_FaultAbortsBeforeCommit(t *testing.T) {
	tr := newTestRing(t, 256, 1)

	require.NoError(t, tr.d.CopyOut(dataAddr, []byte{1, 2, 3, 4}))
	iovs := []wire.Iov{
		{Base: dataAddr, Len: 4},
		{Base: 1 << 40, Len: 4}, // beyond the guest address space
	}
	tr.r.Lock()
	err := tr.r.Insertv(tr.d, src, 0, iovs, 8)
	tr.r.UnmapAll()
	tr.r.Unlock()
	assert.ErrorIs(t, err, hv.ErrMemoryFault)
	assert.Equal(t, uint32(0), tr.guestPtr(t, wire.OffTxPtr))

	require.NoError(t, tr.insert(t, []byte{9, 9}, 0))
	_, payload, err := tr.consume(t)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, payload)
}

func Test_FreeSpaceAccounting(t *testing.T) {
	tr := newTestRing(t, 256, 1)

	tr.r.Lock()
	free, err := tr.r.FreeSpace()
	tr.r.UnmapAll()
	tr.r.Unlock()
	require.NoError(t, err)
	assert.Equal(t, uint32(256-wire.MsgHeaderSize), free)

	require.NoError(t, tr.insert(t, make([]byte, 16), 0))

	tr.r.Lock()
	free, err = tr.r.FreeSpace()
	tr.r.UnmapAll()
	tr.r.Unlock()
	require.NoError(t, err)
	// 32 bytes consumed by the message, header and slack accounted.
	assert.Equal(t, uint32(256-32-32), free)

	assert.Equal(t, uint32(224), tr.r.MaxMessageSize())
}
