package emulator

import (
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HPSI/xen-v4v/wire"
)

func Test_CopyAcrossPages(t *testing.T) {
	m := NewMachine()
	d, err := m.CreateDomain(1)
	require.NoError(t, err)

	data := make([]byte, 3*wire.PageSize)
	for i := range data {
		data[i] = byte(i)
	}
	addr := uint64(wire.PageSize - 100)
	require.NoError(t, d.CopyOut(addr, data))

	got := make([]byte, len(data))
	require.NoError(t, d.CopyIn(addr, got))
	assert.Equal(t, data, got)
}

func Test_CopyBeyondLimitFaults(t *testing.T) {
	m := NewMachine(WithMemoryLimit(1 * datasize.MB))
	d, err := m.CreateDomain(1)
	require.NoError(t, err)

	assert.Error(t, d.CopyOut(2*1024*1024, []byte{1}))
	assert.Error(t, d.CopyIn(2*1024*1024, make([]byte, 1)))
}

func Test_PinMapRelease(t *testing.T) {
	m := NewMachine()
	d, err := m.CreateDomain(1)
	require.NoError(t, err)

	f, err := d.Pin(0x10)
	require.NoError(t, err)
	assert.Equal(t, 1, d.PinnedFrames())

	b, err := f.Map()
	require.NoError(t, err)
	require.Len(t, b, wire.PageSize)
	assert.Equal(t, int64(1), d.ActiveMappings())

	// The mapping is a live view of guest memory.
	b[0] = 0xAB
	got := make([]byte, 1)
	require.NoError(t, d.CopyIn(0x10<<wire.PageShift, got))
	assert.Equal(t, byte(0xAB), got[0])

	f.Unmap()
	assert.Equal(t, int64(0), d.ActiveMappings())

	f.Release()
	assert.Equal(t, 0, d.PinnedFrames())

	// Double release is harmless; mapping after release fails.
	f.Release()
	_, err = f.Map()
	assert.Error(t, err)
}

func Test_DomainLookupRefs(t *testing.T) {
	m := NewMachine()
	_, err := m.CreateDomain(2)
	require.NoError(t, err)

	d, ok := m.Domain(2)
	require.True(t, ok)
	assert.Equal(t, wire.DomainID(2), d.ID())

	raw, _ := m.Get(2)
	assert.Equal(t, int64(1), raw.Refs())
	d.Put()
	assert.Equal(t, int64(0), raw.Refs())

	_, ok = m.Domain(9)
	assert.False(t, ok)
}

func Test_SignalCoalesces(t *testing.T) {
	m := NewMachine()
	d, err := m.CreateDomain(1)
	require.NoError(t, err)

	port, err := d.AllocPort()
	require.NoError(t, err)

	d.Signal(port)
	d.Signal(port)
	d.Signal(port)

	ch := d.WaitPort(port)
	select {
	case <-ch:
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-ch:
		t.Fatal("signals must coalesce")
	default:
	}

	// Signalling a freed or unknown port must not panic or block.
	d.FreePort(port)
	d.Signal(port)
	d.Signal(999)
}

func Test_DyingAndRemove(t *testing.T) {
	m := NewMachine()
	d, err := m.CreateDomain(3)
	require.NoError(t, err)

	assert.False(t, d.Dying())
	m.MarkDying(3)
	assert.True(t, d.Dying())

	require.NoError(t, d.CopyOut(0, []byte{1, 2, 3}))
	m.RemoveDomain(3)
	_, ok := m.Get(3)
	assert.False(t, ok)
}
