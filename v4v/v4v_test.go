package v4v_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HPSI/xen-v4v/emulator"
	"github.com/HPSI/xen-v4v/hv"
	"github.com/HPSI/xen-v4v/v4v"
	"github.com/HPSI/xen-v4v/wire"
)

const (
	ringPfn  = uint64(0x100)
	ringAddr = ringPfn << wire.PageShift
	pfnAddr  = uint64(0x90000)
	iovAddr  = uint64(0x91000)
	dataAddr = uint64(0x92000)
)

type env struct {
	m   *emulator.Machine
	ctx *v4v.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()
	m := emulator.NewMachine()
	return &env{m: m, ctx: v4v.New(m)}
}

func (e *env) addDomain(t *testing.T, id wire.DomainID) *emulator.Domain {
	t.Helper()
	d, err := e.m.CreateDomain(id)
	require.NoError(t, err)
	require.NoError(t, e.ctx.InitDomain(id))
	return d
}

// register lays a ring header and pfn list out in the owner's guest memory
// and registers the ring.
func (e *env) register(t *testing.T, owner wire.DomainID, port uint32, partner wire.DomainID, length uint32, npage uint32) error {
	t.Helper()
	d, ok := e.m.Get(owner)
	require.True(t, ok)

	var hb [wire.RingHeaderSize]byte
	wire.PutRingHeader(hb[:], wire.RingHeader{
		Magic: wire.RingMagic,
		Len:   length,
		ID: wire.RingID{
			Addr:    wire.Address{Domain: owner, Port: port},
			Partner: partner,
		},
	})
	require.NoError(t, d.CopyOut(ringAddr, hb[:]))

	pfns := make([]byte, 8*npage)
	for i := uint32(0); i < npage; i++ {
		binary.LittleEndian.PutUint64(pfns[8*i:], ringPfn+uint64(i))
	}
	require.NoError(t, d.CopyOut(pfnAddr, pfns))

	return e.ctx.RegisterRing(owner, ringAddr, pfnAddr, npage)
}

// send stages payload as a single scatter chunk in the sender's memory.
func (e *env) send(t *testing.T, from wire.DomainID, dst wire.Address, msgType uint32, payload []byte) (int64, error) {
	t.Helper()
	d, ok := e.m.Get(from)
	require.True(t, ok)

	require.NoError(t, d.CopyOut(dataAddr, payload))
	var iov [wire.IovSize]byte
	wire.PutIov(iov[:], wire.Iov{Base: dataAddr, Len: uint32(len(payload))})
	require.NoError(t, d.CopyOut(iovAddr, iov[:]))

	return e.ctx.Sendv(from, wire.Address{Domain: from}, dst, msgType, iovAddr, 1)
}

func (e *env) port(t *testing.T, id wire.DomainID) uint32 {
	t.Helper()
	info, err := e.ctx.Info(id)
	require.NoError(t, err)
	return info.Port
}

func signalled(d *emulator.Domain, port uint32) bool {
	select {
	case <-d.WaitPort(port):
		return true
	default:
		return false
	}
}

func guestPtr(t *testing.T, d *emulator.Domain, off int) uint32 {
	t.Helper()
	var b [4]byte
	require.NoError(t, d.CopyIn(ringAddr+uint64(off), b[:]))
	return binary.LittleEndian.Uint32(b[:])
}

func Test_BasicSend(t *testing.T) {
	e := newEnv(t)
	d2 := e.addDomain(t, 2)
	e.addDomain(t, 3)

	require.NoError(t, e.register(t, 2, 100, wire.DomainAny, 256, 1))

	n, err := e.send(t, 3, wire.Address{Domain: 2, Port: 100}, 0x1111, []byte{0xAA, 0xBB, 0xCC})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, uint32(32), guestPtr(t, d2, wire.OffTxPtr))
	assert.True(t, signalled(d2, e.port(t, 2)))

	hdr, payload, err := e.ctx.Recv(2, 100, wire.DomainAny)
	require.NoError(t, err)
	assert.Equal(t, uint32(19), hdr.Len)
	assert.Equal(t, uint32(0x1111), hdr.Type)
	assert.Equal(t, wire.Address{Domain: 3, Port: 0}, hdr.Source)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, payload)
	assert.Equal(t, uint32(32), guestPtr(t, d2, wire.OffRxPtr))

	// The next send observes the drained ring and resets both pointers
	// before writing.
	_, err = e.send(t, 3, wire.Address{Domain: 2, Port: 100}, 0, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), guestPtr(t, d2, wire.OffRxPtr))
	assert.Equal(t, uint32(32), guestPtr(t, d2, wire.OffTxPtr))

	assert.Equal(t, int64(0), d2.ActiveMappings())
}

func Test_SendRefused(t *testing.T) {
	e := newEnv(t)
	e.addDomain(t, 3)

	// Absent destination domain.
	_, err := e.send(t, 3, wire.Address{Domain: 9, Port: 100}, 0, []byte{1})
	assert.ErrorIs(t, err, hv.ErrRefused)

	// Present domain, no ring.
	e.addDomain(t, 2)
	_, err = e.send(t, 3, wire.Address{Domain: 2, Port: 100}, 0, []byte{1})
	assert.ErrorIs(t, err, hv.ErrRefused)

	// Partner-bound ring refuses other senders.
	require.NoError(t, e.register(t, 2, 100, 5, 256, 1))
	_, err = e.send(t, 3, wire.Address{Domain: 2, Port: 100}, 0, []byte{1})
	assert.ErrorIs(t, err, hv.ErrRefused)
}

func Test_RuleReject(t *testing.T) {
	e := newEnv(t)
	e.addDomain(t, 3)
	e.addDomain(t, 4)
	require.NoError(t, e.register(t, 4, 200, wire.DomainAny, 256, 1))

	e.ctx.Rules().Add(wire.Rule{
		Accept: false,
		Src:    wire.Address{Domain: wire.DomainAny, Port: wire.PortAny},
		Dst:    wire.Address{Domain: 4, Port: 200},
	}, 0)

	_, err := e.send(t, 3, wire.Address{Domain: 4, Port: 200}, 0, []byte{1})
	assert.ErrorIs(t, err, hv.ErrRefused)

	// First match wins: an accept inserted at position 1 shadows the
	// reject.
	e.ctx.Rules().Add(wire.Rule{
		Accept: true,
		Src:    wire.Address{Domain: 3, Port: wire.PortAny},
		Dst:    wire.Address{Domain: 4, Port: 200},
	}, 1)

	_, err = e.send(t, 3, wire.Address{Domain: 4, Port: 200}, 0, []byte{1})
	assert.NoError(t, err)
}

func Test_PendingAndWake(t *testing.T) {
	e := newEnv(t)
	d2 := e.addDomain(t, 2)
	d3 := e.addDomain(t, 3)
	require.NoError(t, e.register(t, 2, 100, wire.DomainAny, 160, 1))

	dst := wire.Address{Domain: 2, Port: 100}
	msg := bytes.Repeat([]byte{7}, 20)
	for i := 0; i < 3; i++ {
		_, err := e.send(t, 3, dst, 0, msg)
		require.NoError(t, err)
	}

	_, err := e.send(t, 3, dst, 0, msg)
	require.ErrorIs(t, err, hv.ErrWouldBlock)

	// Drain one message, then let the owner notify.
	_, _, err = e.ctx.Recv(2, 100, wire.DomainAny)
	require.NoError(t, err)

	signalled(d3, e.port(t, 3)) // clear any stale edge
	require.NoError(t, e.ctx.Notify(2, 0))
	assert.True(t, signalled(d3, e.port(t, 3)))

	// The pending entry is consumed: a second notify wakes nobody.
	require.NoError(t, e.ctx.Notify(2, 0))
	assert.False(t, signalled(d3, e.port(t, 3)))

	// The retried send now fits and wraps.
	_, err = e.send(t, 3, dst, 0, msg)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), d2.ActiveMappings())
	assert.Equal(t, int64(0), d3.ActiveMappings())
}

func Test_NotifyBulkQuery(t *testing.T) {
	e := newEnv(t)
	e.addDomain(t, 2)
	d3 := e.addDomain(t, 3)
	require.NoError(t, e.register(t, 2, 100, wire.DomainAny, 256, 1))

	query := func(ents []wire.RingDataEnt) []wire.RingDataEnt {
		block := make([]byte, wire.RingDataHeaderSize+wire.RingDataEntSize*len(ents))
		wire.PutRingDataHeader(block, wire.RingDataHeader{Magic: wire.RingDataMagic, NEnt: uint32(len(ents))})
		for i, ent := range ents {
			wire.PutRingDataEnt(block[wire.RingDataHeaderSize+wire.RingDataEntSize*i:], ent)
		}
		blockAddr := uint64(0xA0000)
		require.NoError(t, d3.CopyOut(blockAddr, block))
		require.NoError(t, e.ctx.Notify(3, blockAddr))
		out := make([]byte, len(block))
		require.NoError(t, d3.CopyIn(blockAddr, out))
		filled := make([]wire.RingDataEnt, len(ents))
		for i := range filled {
			filled[i] = wire.GetRingDataEnt(out[wire.RingDataHeaderSize+wire.RingDataEntSize*i:])
		}
		return filled
	}

	ents := query([]wire.RingDataEnt{
		{Ring: wire.Address{Domain: 2, Port: 100}, SpaceRequired: 48},
		{Ring: wire.Address{Domain: 2, Port: 999}, SpaceRequired: 16},
		{Ring: wire.Address{Domain: 2, Port: 100}, SpaceRequired: 1 << 20},
	})

	assert.Equal(t, wire.DataFlagExists|wire.DataFlagEmpty|wire.DataFlagSufficient, ents[0].Flags)
	assert.Equal(t, uint32(224), ents[0].MaxMessageSize)

	// Unregistered ring: nothing set.
	assert.Equal(t, uint16(0), ents[1].Flags)
	assert.Equal(t, uint32(0), ents[1].MaxMessageSize)

	// Unsatisfiable request: a pending entry is queued.
	assert.Equal(t, wire.DataFlagExists|wire.DataFlagEmpty|wire.DataFlagPending, ents[2].Flags)

	// A satisfiable follow-up cancels it again.
	ents = query([]wire.RingDataEnt{{Ring: wire.Address{Domain: 2, Port: 100}, SpaceRequired: 48}})
	assert.Equal(t, wire.DataFlagExists|wire.DataFlagEmpty|wire.DataFlagSufficient, ents[0].Flags)

	signalled(d3, e.port(t, 3))
	require.NoError(t, e.ctx.Notify(2, 0))
	assert.False(t, signalled(d3, e.port(t, 3)), "cancelled pending entry must not wake")
}

func Test_TeardownSafety(t *testing.T) {
	e := newEnv(t)
	d2 := e.addDomain(t, 2)
	e.addDomain(t, 3)
	require.NoError(t, e.register(t, 2, 100, wire.DomainAny, 160, 1))

	dst := wire.Address{Domain: 2, Port: 100}
	msg := bytes.Repeat([]byte{7}, 20)
	for i := 0; i < 3; i++ {
		_, err := e.send(t, 3, dst, 0, msg)
		require.NoError(t, err)
	}
	_, err := e.send(t, 3, dst, 0, msg)
	require.ErrorIs(t, err, hv.ErrWouldBlock)

	// Teardown requires the dying flag.
	assert.ErrorIs(t, e.ctx.DestroyDomain(2), hv.ErrInvalidArgument)

	e.m.MarkDying(2)
	require.NoError(t, e.ctx.DestroyDomain(2))
	assert.Equal(t, 0, d2.PinnedFrames())

	_, err = e.send(t, 3, dst, 0, msg)
	assert.ErrorIs(t, err, hv.ErrRefused)

	// Destroying again (or a never-initialized domain) is a no-op.
	assert.NoError(t, e.ctx.DestroyDomain(2))
	assert.NoError(t, e.ctx.DestroyDomain(42))
}

func Test_RegisterValidation(t *testing.T) {
	e := newEnv(t)
	d2 := e.addDomain(t, 2)

	// Unaligned handle.
	err := e.ctx.RegisterRing(2, ringAddr+8, pfnAddr, 1)
	assert.ErrorIs(t, err, hv.ErrInvalidArgument)

	// Bad magic.
	var hb [wire.RingHeaderSize]byte
	wire.PutRingHeader(hb[:], wire.RingHeader{Magic: 0xBAD, Len: 256})
	require.NoError(t, d2.CopyOut(ringAddr, hb[:]))
	var pb [8]byte
	binary.LittleEndian.PutUint64(pb[:], ringPfn)
	require.NoError(t, d2.CopyOut(pfnAddr, pb[:]))
	err = e.ctx.RegisterRing(2, ringAddr, pfnAddr, 1)
	assert.ErrorIs(t, err, hv.ErrInvalidArgument)

	// Too small, unaligned and oversized lengths.
	for _, length := range []uint32{16, 100, 8192} {
		wire.PutRingHeader(hb[:], wire.RingHeader{
			Magic: wire.RingMagic,
			Len:   length,
			ID:    wire.RingID{Addr: wire.Address{Domain: 2, Port: 1}, Partner: wire.DomainAny},
		})
		require.NoError(t, d2.CopyOut(ringAddr, hb[:]))
		err = e.ctx.RegisterRing(2, ringAddr, pfnAddr, 1)
		assert.ErrorIs(t, err, hv.ErrInvalidArgument, "len=%d", length)
	}

	// Foreign owner in the identity.
	wire.PutRingHeader(hb[:], wire.RingHeader{
		Magic: wire.RingMagic,
		Len:   256,
		ID:    wire.RingID{Addr: wire.Address{Domain: 7, Port: 1}, Partner: wire.DomainAny},
	})
	require.NoError(t, d2.CopyOut(ringAddr, hb[:]))
	err = e.ctx.RegisterRing(2, ringAddr, pfnAddr, 1)
	assert.ErrorIs(t, err, hv.ErrInvalidArgument)

	// Valid ring registers once.
	require.NoError(t, e.register(t, 2, 100, wire.DomainAny, 256, 1))
	assert.ErrorIs(t, e.register(t, 2, 100, wire.DomainAny, 256, 1), hv.ErrExists)
	assert.Equal(t, 1, d2.PinnedFrames())

	// Unregister releases the frames; a second unregister misses.
	require.NoError(t, e.ctx.UnregisterRing(2, ringAddr))
	assert.Equal(t, 0, d2.PinnedFrames())
	assert.ErrorIs(t, e.ctx.UnregisterRing(2, ringAddr), hv.ErrNotFound)
}

// A garbage producer pointer in the registered header is normalized to the
// consumer pointer (or zero) and written back to the guest.
func Test_RegisterTxNormalization(t *testing.T) {
	e := newEnv(t)
	d2 := e.addDomain(t, 2)
	e.addDomain(t, 3)

	var hb [wire.RingHeaderSize]byte
	wire.PutRingHeader(hb[:], wire.RingHeader{
		Magic: wire.RingMagic,
		Len:   256,
		RxPtr: 48,
		TxPtr: 1000, // out of range
		ID:    wire.RingID{Addr: wire.Address{Domain: 2, Port: 100}, Partner: wire.DomainAny},
	})
	require.NoError(t, d2.CopyOut(ringAddr, hb[:]))
	var pb [8]byte
	binary.LittleEndian.PutUint64(pb[:], ringPfn)
	require.NoError(t, d2.CopyOut(pfnAddr, pb[:]))

	require.NoError(t, e.ctx.RegisterRing(2, ringAddr, pfnAddr, 1))
	assert.Equal(t, uint32(48), guestPtr(t, d2, wire.OffTxPtr))

	// rx == tx == 48: the first send resets the ring and lands at zero.
	_, err := e.send(t, 3, wire.Address{Domain: 2, Port: 100}, 0, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, uint32(32), guestPtr(t, d2, wire.OffTxPtr))
	assert.Equal(t, uint32(0), guestPtr(t, d2, wire.OffRxPtr))
}

func Test_SendvLimits(t *testing.T) {
	e := newEnv(t)
	e.addDomain(t, 2)
	d3 := e.addDomain(t, 3)
	require.NoError(t, e.register(t, 2, 100, wire.DomainAny, 256, 1))
	dst := wire.Address{Domain: 2, Port: 100}

	// Source spoofing.
	_, err := e.ctx.Sendv(3, wire.Address{Domain: 5}, dst, 0, iovAddr, 1)
	assert.ErrorIs(t, err, hv.ErrInvalidArgument)

	// Empty and oversized scatter lists.
	_, err = e.ctx.Sendv(3, wire.Address{Domain: 3}, dst, 0, iovAddr, 0)
	assert.ErrorIs(t, err, hv.ErrInvalidArgument)
	_, err = e.ctx.Sendv(3, wire.Address{Domain: 3}, dst, 0, iovAddr, 1000)
	assert.ErrorIs(t, err, hv.ErrInvalidArgument)

	// A scatter list summing past 2 GiB.
	var iovs [2 * wire.IovSize]byte
	wire.PutIov(iovs[0:], wire.Iov{Base: dataAddr, Len: 0x7FFFFFFF})
	wire.PutIov(iovs[wire.IovSize:], wire.Iov{Base: dataAddr, Len: 0x7FFFFFFF})
	require.NoError(t, d3.CopyOut(iovAddr, iovs[:]))
	_, err = e.ctx.Sendv(3, wire.Address{Domain: 3}, dst, 0, iovAddr, 2)
	assert.ErrorIs(t, err, hv.ErrMsgTooLarge)

	// Oversized for the ring but under the global cap.
	wire.PutIov(iovs[0:], wire.Iov{Base: dataAddr, Len: 512})
	require.NoError(t, d3.CopyOut(iovAddr, iovs[:wire.IovSize]))
	_, err = e.ctx.Sendv(3, wire.Address{Domain: 3}, dst, 0, iovAddr, 1)
	assert.ErrorIs(t, err, hv.ErrMsgTooLarge)
}

func Test_NotifyNoDevice(t *testing.T) {
	e := newEnv(t)
	_, err := e.m.CreateDomain(5)
	require.NoError(t, err)

	assert.ErrorIs(t, e.ctx.Notify(5, 0), hv.ErrNoDevice)
}

func Test_HypercallDispatch(t *testing.T) {
	e := newEnv(t)
	d2 := e.addDomain(t, 2)

	// Unknown opcode.
	assert.Equal(t, hv.Errno(hv.ErrUnsupported), e.ctx.Hypercall(2, 0xFFFF, 0, 0, 0, 0))

	// Info round-trips through guest memory.
	infoAddr := uint64(0xB0000)
	require.Equal(t, int64(0), e.ctx.Hypercall(2, wire.OpInfo, infoAddr, 0, 0, 0))
	out := make([]byte, wire.InfoBlockSize)
	require.NoError(t, d2.CopyIn(infoAddr, out))
	info := wire.GetInfoBlock(out)
	assert.Equal(t, wire.RingMagic, info.RingMagic)
	assert.Equal(t, wire.RingDataMagic, info.DataMagic)
	assert.Equal(t, e.port(t, 2), info.Port)

	// Rules add and list through the packed blocks.
	ruleAddr := uint64(0xB1000)
	var rb [wire.RuleSize]byte
	rule := wire.Rule{
		Accept: false,
		Src:    wire.Address{Domain: wire.DomainAny, Port: wire.PortAny},
		Dst:    wire.Address{Domain: 4, Port: 200},
	}
	wire.PutRule(rb[:], rule)
	require.NoError(t, d2.CopyOut(ruleAddr, rb[:]))
	require.Equal(t, int64(0), e.ctx.Hypercall(2, wire.OpTablesAdd, ruleAddr, 0, 0, 0))

	listAddr := uint64(0xB2000)
	block := make([]byte, wire.RulesListHeaderSize)
	wire.PutRulesListHeader(block, wire.RulesListHeader{Magic: wire.RulesListMagic, StartRule: 0, NRules: 8})
	require.NoError(t, d2.CopyOut(listAddr, block))
	require.Equal(t, int64(0), e.ctx.Hypercall(2, wire.OpTablesList, listAddr, 0, 0, 0))

	out = make([]byte, wire.RulesListHeaderSize+wire.RuleSize)
	require.NoError(t, d2.CopyIn(listAddr, out))
	hdr := wire.GetRulesListHeader(out)
	require.Equal(t, uint32(1), hdr.NRules)
	assert.Equal(t, rule, wire.GetRule(out[wire.RulesListHeaderSize:]))

	// Flush via tables_del with a null handle and position -1.
	require.Equal(t, int64(0), e.ctx.Hypercall(2, wire.OpTablesDel, 0, uint64(int64(-1)), 0, 0))
	assert.Equal(t, 0, e.ctx.Rules().Len())
}
