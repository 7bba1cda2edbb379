// Package emulator provides an in-process implementation of the host
// services V4V requires: domains with 4 KiB mmap-backed guest memory,
// refcounted lookup with a dying flag, frame pinning and coalesced
// event-channel ports. It backs the package tests, the host daemon and the
// control CLI.
package emulator

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/HPSI/xen-v4v/hv"
	"github.com/HPSI/xen-v4v/wire"
)

// DefaultMemoryLimit bounds each domain's guest-physical address space.
const DefaultMemoryLimit = 64 * datasize.MB

type options struct {
	Log         *zap.SugaredLogger
	MemoryLimit datasize.ByteSize
}

// Option configures a Machine.
type Option func(*options)

// WithLog sets the machine logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.Log = log }
}

// WithMemoryLimit bounds the guest-physical address space of each domain.
func WithMemoryLimit(limit datasize.ByteSize) Option {
	return func(o *options) { o.MemoryLimit = limit }
}

// Machine is a set of emulated domains. It implements hv.Host.
type Machine struct {
	mu       sync.RWMutex
	doms     map[wire.DomainID]*Domain
	maxPages uint64
	log      *zap.SugaredLogger
}

// NewMachine creates an empty machine.
func NewMachine(opts ...Option) *Machine {
	o := &options{
		Log:         zap.NewNop().Sugar(),
		MemoryLimit: DefaultMemoryLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Machine{
		doms:     map[wire.DomainID]*Domain{},
		maxPages: uint64(o.MemoryLimit) / wire.PageSize,
		log:      o.Log,
	}
}

// CreateDomain adds a new domain to the machine.
func (m *Machine) CreateDomain(id wire.DomainID) (*Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.doms[id]; ok {
		return nil, fmt.Errorf("domain %d already exists", id)
	}
	d := &Domain{
		id:       id,
		maxPages: m.maxPages,
		pages:    map[uint64][]byte{},
		pins:     map[uint64]int{},
		ports:    map[uint32]chan struct{}{},
	}
	m.doms[id] = d
	m.log.Debugw("created domain", zap.Uint16("domain", uint16(id)))
	return d, nil
}

// Domain implements hv.Host: it looks up a domain and pins a reference.
func (m *Machine) Domain(id wire.DomainID) (hv.Domain, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.doms[id]
	if !ok {
		return nil, false
	}
	d.refs.Add(1)
	return d, true
}

// Get returns the domain without pinning it, for test and daemon plumbing.
func (m *Machine) Get(id wire.DomainID) (*Domain, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.doms[id]
	return d, ok
}

// MarkDying flags the domain as tearing down.
func (m *Machine) MarkDying(id wire.DomainID) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.doms[id]; ok {
		d.dying.Store(true)
	}
}

// RemoveDomain deletes the domain and frees its guest pages. The caller is
// responsible for having torn down the domain's V4V state first.
func (m *Machine) RemoveDomain(id wire.DomainID) {
	m.mu.Lock()
	d, ok := m.doms[id]
	delete(m.doms, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for pfn, page := range d.pages {
		if err := unix.Munmap(page); err != nil {
			m.log.Warnw("failed to unmap guest page",
				zap.Uint16("domain", uint16(id)),
				zap.Uint64("pfn", pfn),
				zap.Error(err),
			)
		}
		delete(d.pages, pfn)
	}
	m.log.Debugw("removed domain", zap.Uint16("domain", uint16(id)))
}

// Domain is one emulated guest. It implements hv.Domain and hv.GuestMemory.
type Domain struct {
	id       wire.DomainID
	maxPages uint64

	dying atomic.Bool
	refs  atomic.Int64

	// activeMaps counts outstanding Frame.Map views; the mapping
	// discipline requires it to return to zero after every hypercall.
	activeMaps atomic.Int64

	mu       sync.Mutex
	pages    map[uint64][]byte
	pins     map[uint64]int
	ports    map[uint32]chan struct{}
	nextPort uint32
}

// ID returns the domain id.
func (d *Domain) ID() wire.DomainID { return d.id }

// Dying reports whether teardown has started.
func (d *Domain) Dying() bool { return d.dying.Load() }

// Put releases a reference taken by Machine.Domain.
func (d *Domain) Put() { d.refs.Add(-1) }

// Refs returns the current reference count.
func (d *Domain) Refs() int64 { return d.refs.Load() }

// Memory returns the domain's guest memory.
func (d *Domain) Memory() hv.GuestMemory { return d }

// AllocPort allocates an event-channel port bound to the domain.
func (d *Domain) AllocPort() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextPort++
	port := d.nextPort
	// Signals are edge-coalesced: a buffered slot of one is enough, the
	// consumer must re-check state after waking.
	d.ports[port] = make(chan struct{}, 1)
	return port, nil
}

// FreePort releases an allocated port.
func (d *Domain) FreePort(port uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.ports, port)
}

// Signal raises an event on the port. It never blocks.
func (d *Domain) Signal(port uint32) {
	d.mu.Lock()
	ch := d.ports[port]
	d.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// WaitPort returns the port's wake channel, or nil for an unknown port.
func (d *Domain) WaitPort(port uint32) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ports[port]
}

// page returns the backing slice for pfn, allocating a zeroed mmap'd page
// on first touch. d.mu must be held.
func (d *Domain) page(pfn uint64) ([]byte, error) {
	if pfn >= d.maxPages {
		return nil, fmt.Errorf("pfn %#x beyond %d pages", pfn, d.maxPages)
	}
	if p, ok := d.pages[pfn]; ok {
		return p, nil
	}
	p, err := unix.Mmap(-1, 0, wire.PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocating guest page: %w", err)
	}
	d.pages[pfn] = p
	return p, nil
}

// CopyIn copies len(dst) bytes from guest address addr.
func (d *Domain) CopyIn(addr uint64, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for len(dst) > 0 {
		p, err := d.page(addr >> wire.PageShift)
		if err != nil {
			return err
		}
		n := copy(dst, p[addr&(wire.PageSize-1):])
		addr += uint64(n)
		dst = dst[n:]
	}
	return nil
}

// CopyOut copies src to guest address addr.
func (d *Domain) CopyOut(addr uint64, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for len(src) > 0 {
		p, err := d.page(addr >> wire.PageShift)
		if err != nil {
			return err
		}
		n := copy(p[addr&(wire.PageSize-1):], src)
		addr += uint64(n)
		src = src[n:]
	}
	return nil
}

// Pin pins the frame at pfn as writable and returns a handle to it.
func (d *Domain) Pin(pfn uint64) (hv.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.page(pfn); err != nil {
		return nil, err
	}
	d.pins[pfn]++
	return &frame{d: d, pfn: pfn}, nil
}

// PinnedFrames returns the number of distinct pinned frames, for leak
// checks in tests.
func (d *Domain) PinnedFrames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pins)
}

// ActiveMappings returns the number of outstanding frame mappings.
func (d *Domain) ActiveMappings() int64 {
	return d.activeMaps.Load()
}

type frame struct {
	d        *Domain
	pfn      uint64
	released atomic.Bool
}

func (f *frame) Map() ([]byte, error) {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()

	if f.released.Load() {
		return nil, fmt.Errorf("frame %#x released", f.pfn)
	}
	p, err := f.d.page(f.pfn)
	if err != nil {
		return nil, err
	}
	f.d.activeMaps.Add(1)
	return p, nil
}

func (f *frame) Unmap() {
	f.d.activeMaps.Add(-1)
}

func (f *frame) Release() {
	if f.released.Swap(true) {
		return
	}
	f.d.mu.Lock()
	defer f.d.mu.Unlock()

	f.d.pins[f.pfn]--
	if f.d.pins[f.pfn] <= 0 {
		delete(f.d.pins, f.pfn)
	}
}
