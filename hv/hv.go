// Package hv declares the host services V4V is built on: domain lookup with
// reference pinning, guest memory access, page-frame ownership and the
// event-channel primitive. The emulator package provides an in-process
// implementation; on a real hypervisor these map onto the corresponding
// native primitives.
package hv

import "github.com/HPSI/xen-v4v/wire"

// Host resolves domains by id.
type Host interface {
	// Domain looks up a domain and pins a reference to it. The caller
	// must Put the returned domain when done.
	Domain(id wire.DomainID) (Domain, bool)
}

// Domain is a pinned reference to a guest domain.
type Domain interface {
	ID() wire.DomainID

	// Dying reports whether the domain has started teardown.
	Dying() bool

	// Put releases the reference taken by Host.Domain.
	Put()

	// AllocPort allocates an event-channel port bound to the domain
	// itself. Signalling the port wakes the domain.
	AllocPort() (uint32, error)

	// FreePort releases a port allocated with AllocPort.
	FreePort(port uint32)

	// Signal raises an event on the given port. It never blocks.
	Signal(port uint32)

	// Memory returns the domain's guest memory.
	Memory() GuestMemory
}

// GuestMemory gives access to a domain's memory by guest-physical address
// and page frame number. Guest addresses are adversarial: implementations
// must bounds-check every access.
type GuestMemory interface {
	// Pin pins the frame at pfn as writable for the owning domain and
	// returns a handle to it. The frame stays pinned until Release.
	Pin(pfn uint64) (Frame, error)

	// CopyIn copies len(dst) bytes from guest address addr into dst.
	CopyIn(addr uint64, dst []byte) error

	// CopyOut copies src to guest address addr.
	CopyOut(addr uint64, src []byte) error
}

// Frame is a pinned guest page frame.
type Frame interface {
	// Map establishes (or returns) a mapping of the frame and returns a
	// PageSize-byte view of it.
	Map() ([]byte, error)

	// Unmap drops the mapping established by Map. The frame stays pinned.
	Unmap()

	// Release unpins the frame. The handle must not be used afterwards.
	Release()
}
