package hv

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Error taxonomy of the V4V core. Operations return these (possibly
// wrapped); numeric errnos exist only at the hypercall boundary, via Errno.
var (
	// ErrInvalidArgument covers bad magics, misaligned handles,
	// out-of-range lengths and malformed headers.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMemoryFault is returned when a guest handle is inaccessible or a
	// page mapping fails.
	ErrMemoryFault = errors.New("guest memory fault")

	// ErrOutOfMemory is returned when an internal allocation fails.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrNotFound is returned when a ring identity is not registered.
	ErrNotFound = errors.New("ring not found")

	// ErrExists is returned on duplicate ring registration.
	ErrExists = errors.New("ring already exists")

	// ErrRefused is returned when the destination domain or ring is
	// absent, or a rule rejected the send.
	ErrRefused = errors.New("connection refused")

	// ErrWouldBlock is returned when the destination ring is full. A
	// pending entry has been queued as a side effect.
	ErrWouldBlock = errors.New("ring full")

	// ErrMsgTooLarge is returned when a message can never fit the ring or
	// the scatter list exceeds the 2 GiB limit.
	ErrMsgTooLarge = errors.New("message too large")

	// ErrNoDevice is returned when the caller has no per-domain state.
	ErrNoDevice = errors.New("no per-domain state")

	// ErrUnsupported is returned for unknown opcodes.
	ErrUnsupported = errors.New("unsupported operation")
)

// Errno maps an error from the V4V core to a negative host errno, the
// hypercall return convention. nil maps to 0.
func Errno(err error) int64 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidArgument):
		return -int64(unix.EINVAL)
	case errors.Is(err, ErrMemoryFault):
		return -int64(unix.EFAULT)
	case errors.Is(err, ErrOutOfMemory):
		return -int64(unix.ENOMEM)
	case errors.Is(err, ErrNotFound):
		return -int64(unix.ENOENT)
	case errors.Is(err, ErrExists):
		return -int64(unix.EEXIST)
	case errors.Is(err, ErrRefused):
		return -int64(unix.ECONNREFUSED)
	case errors.Is(err, ErrWouldBlock):
		return -int64(unix.EAGAIN)
	case errors.Is(err, ErrMsgTooLarge):
		return -int64(unix.EMSGSIZE)
	case errors.Is(err, ErrNoDevice):
		return -int64(unix.ENODEV)
	case errors.Is(err, ErrUnsupported):
		return -int64(unix.ENOSYS)
	default:
		return -int64(unix.EIO)
	}
}
