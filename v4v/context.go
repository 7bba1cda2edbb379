// Package v4v implements the hypervisor-resident core of the V4V
// inter-domain message facility: per-domain ring registries, datagram
// delivery, blocked-sender notification and the send policy filter.
//
// Locking follows a strict three-level hierarchy, acquired outermost first:
//
//	L1  Context.mu        guards the per-domain state pointers; read-held
//	                      whenever a state is dereferenced, write-held only
//	                      by init and destroy.
//	L2  domainState.mu    guards a domain's bucket array and the immutable
//	                      fields of its rings; read-held for lookups and
//	                      sends, write-held for insert and remove.
//	L3  ring.Ring lock    guards a ring's mutable fields (cached tx_ptr,
//	                      mapping cache, pending queue).
//
// Holding L2 for writing implies exclusive access to every L3 below it.
package v4v

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/HPSI/xen-v4v/hv"
	"github.com/HPSI/xen-v4v/registry"
	"github.com/HPSI/xen-v4v/ring"
	"github.com/HPSI/xen-v4v/rules"
	"github.com/HPSI/xen-v4v/wire"
)

const (
	// MaxRingPages caps the frames a single ring may pin.
	MaxRingPages = 1024

	// MaxIov caps the scatter list length of a single sendv.
	MaxIov = 64
)

// domainState is the per-domain V4V state: the ring registry, the domain's
// event-channel port and a pinned reference to the domain itself. Created
// when the domain first participates, destroyed exactly once at teardown.
type domainState struct {
	id   wire.DomainID
	dom  hv.Domain
	port uint32

	mu    sync.RWMutex
	table registry.Table
}

// Context is the facility core. One Context serves the whole host.
type Context struct {
	host hv.Host

	mu   sync.RWMutex
	doms map[wire.DomainID]*domainState

	rules *rules.Table

	log *zap.SugaredLogger
}

type options struct {
	Log *zap.SugaredLogger
}

// Option configures a Context.
type Option func(*options)

// WithLog sets the logger for the facility.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// New creates a Context on top of the given host services.
func New(host hv.Host, opts ...Option) *Context {
	o := &options{Log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(o)
	}
	return &Context{
		host:  host,
		doms:  map[wire.DomainID]*domainState{},
		rules: rules.New(),
		log:   o.Log,
	}
}

// Rules returns the global send policy table.
func (c *Context) Rules() *rules.Table {
	return c.rules
}

// InitDomain allocates per-domain state and an event-channel port for the
// domain. It is idempotent: a second init is a no-op.
func (c *Context) InitDomain(id wire.DomainID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.initLocked(id)
	return err
}

func (c *Context) initLocked(id wire.DomainID) (*domainState, error) {
	if s := c.doms[id]; s != nil {
		return s, nil
	}
	dom, ok := c.host.Domain(id)
	if !ok {
		return nil, fmt.Errorf("domain %d: %w", id, hv.ErrInvalidArgument)
	}
	port, err := dom.AllocPort()
	if err != nil {
		dom.Put()
		return nil, fmt.Errorf("allocating event port: %w", hv.ErrOutOfMemory)
	}
	s := &domainState{id: id, dom: dom, port: port}
	c.doms[id] = s
	c.log.Infow("initialized domain state",
		zap.Uint16("domain", uint16(id)),
		zap.Uint32("port", port),
	)
	return s, nil
}

// state returns the domain's state. The caller must hold L1 at least for
// reading.
func (c *Context) state(id wire.DomainID) *domainState {
	return c.doms[id]
}

// acquire returns the domain's state with L1 read-held, creating the state
// if the domain is participating for the first time. The returned release
// function drops L1.
func (c *Context) acquire(id wire.DomainID) (*domainState, func(), error) {
	for {
		c.mu.RLock()
		if s := c.doms[id]; s != nil {
			return s, c.mu.RUnlock, nil
		}
		c.mu.RUnlock()

		c.mu.Lock()
		_, err := c.initLocked(id)
		c.mu.Unlock()
		if err != nil {
			return nil, nil, err
		}
	}
}

// DestroyDomain tears down the domain's state: every ring is removed and
// its frames released. The domain must already be marked dying. Destroying
// a domain that never participated is a no-op.
func (c *Context) DestroyDomain(id wire.DomainID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.doms[id]
	if s == nil {
		return nil
	}
	if !s.dom.Dying() {
		return fmt.Errorf("domain %d not dying: %w", id, hv.ErrInvalidArgument)
	}
	delete(c.doms, id)

	s.mu.Lock()
	var rings []*ring.Ring
	s.table.Walk(func(r *ring.Ring) bool {
		rings = append(rings, r)
		return true
	})
	for _, r := range rings {
		s.table.Remove(r.ID())
	}
	s.mu.Unlock()

	for _, r := range rings {
		r.Destroy()
	}

	s.dom.FreePort(s.port)
	s.dom.Put()
	c.log.Infow("destroyed domain state", zap.Uint16("domain", uint16(id)))
	return nil
}

// Info reports the protocol magics and the caller's event-channel port,
// initializing state on first use.
func (c *Context) Info(caller wire.DomainID) (wire.InfoBlock, error) {
	s, release, err := c.acquire(caller)
	if err != nil {
		return wire.InfoBlock{}, err
	}
	defer release()
	return wire.InfoBlock{
		RingMagic: wire.RingMagic,
		DataMagic: wire.RingDataMagic,
		Port:      s.port,
	}, nil
}
