// Package ring implements the runtime's facade over a single io_uring
// instance: submission, batched completion draining, and the fixed
// opcode set (NOOP, TIMEOUT, OPENAT, CLOSE, READ, WRITE) the runtime
// core needs.
package ring

import "errors"

// Opcode identifies one of the operations this runtime submits.
type Opcode uint8

const (
	OpNoop Opcode = iota
	OpTimeout
	OpOpenAt
	OpClose
	OpRead
	OpWrite
)

// Entry describes one submission queue entry. UserData carries the
// encoded CompleterRef that identifies who should be woken when this
// entry completes.
type Entry struct {
	Op       Opcode
	FD       int32
	Offset   uint64
	Addr     uintptr
	Len      uint32
	UserData uint64

	// OpenAt-specific.
	DirFD int32
	Path  *byte
	Flags uint32
	Mode  uint32

	// Timeout-specific: the duration in nanoseconds travels in Offset;
	// the Ring builds the kernel timespec itself.
}

// Completion describes one completion queue entry.
type Completion struct {
	UserData uint64
	Result   int32
}

// ErrRingFull indicates the submission queue had no room for another
// entry at Submit time.
var ErrRingFull = errors.New("ring: submission queue full")

// Config configures a new Ring.
type Config struct {
	Entries uint32
}

// Ring is the facade the runtime drives. A real implementation wraps a
// kernel io_uring instance; FakeRing (package ioruntime, testing.go)
// satisfies it for unit tests that must not depend on kernel support.
type Ring interface {
	// Submit enqueues entry onto the submission queue without entering
	// the kernel. Returns ErrRingFull if the queue has no room.
	Submit(entry Entry) error

	// Enter calls into the kernel, submitting everything queued by
	// Submit and waiting for at least minComplete completions (0 means
	// don't block). Returns the completions observed.
	Enter(minComplete uint32) ([]Completion, error)

	// Close tears down the ring.
	Close() error
}
