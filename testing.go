package ioruntime

import (
	"errors"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/ioruntime/internal/ring"
)

// FakeRing is a Ring that performs every opcode as a real, synchronous
// syscall on the calling goroutine instead of going through an actual
// kernel io_uring instance. It exists so the rest of the runtime — the
// owner loop, the completion pump, the worker pool wiring, Ops — can be
// exercised end to end in tests without the SYS_IO_URING_SETUP
// privilege MinimalRing needs. TIMEOUT is the one opcode that can't run
// synchronously inside Submit without blocking the owner loop, so it
// sleeps on its own goroutine instead.
type FakeRing struct {
	mu     sync.Mutex
	ready  []ring.Completion
	signal chan struct{}
	closed bool
}

// NewFakeRing returns an empty FakeRing.
func NewFakeRing() *FakeRing {
	return &FakeRing{signal: make(chan struct{}, 1)}
}

func (f *FakeRing) push(c ring.Completion) {
	f.mu.Lock()
	f.ready = append(f.ready, c)
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// errnoResult maps a syscall error to the negative-errno convention
// real ring completions use.
func errnoResult(err error) int32 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}

// Submit runs entry to completion (or, for TIMEOUT, schedules it) and
// queues a Completion for the next Enter call.
func (f *FakeRing) Submit(entry ring.Entry) error {
	if f.closed {
		return ring.ErrRingFull
	}

	if entry.Op == ring.OpTimeout {
		d := time.Duration(entry.Offset)
		go func() {
			time.Sleep(d)
			f.push(ring.Completion{UserData: entry.UserData, Result: -int32(unix.ETIME)})
		}()
		return nil
	}

	var res int32
	switch entry.Op {
	case ring.OpNoop:
		res = 0

	case ring.OpOpenAt:
		path := cStringAt(entry.Path)
		fd, err := unix.Openat(int(entry.DirFD), path, int(entry.Flags), entry.Mode)
		if err != nil {
			res = errnoResult(err)
		} else {
			res = int32(fd)
		}

	case ring.OpClose:
		if err := unix.Close(int(entry.FD)); err != nil {
			res = errnoResult(err)
		}

	case ring.OpRead:
		buf := unsafe.Slice((*byte)(unsafe.Pointer(entry.Addr)), entry.Len)
		var n int
		var err error
		if entry.Offset == 0 {
			n, err = unix.Read(int(entry.FD), buf)
		} else {
			n, err = unix.Pread(int(entry.FD), buf, int64(entry.Offset))
		}
		if err != nil {
			res = errnoResult(err)
		} else {
			res = int32(n)
		}

	case ring.OpWrite:
		buf := unsafe.Slice((*byte)(unsafe.Pointer(entry.Addr)), entry.Len)
		var n int
		var err error
		if entry.Offset == 0 {
			n, err = unix.Write(int(entry.FD), buf)
		} else {
			n, err = unix.Pwrite(int(entry.FD), buf, int64(entry.Offset))
		}
		if err != nil {
			res = errnoResult(err)
		} else {
			res = int32(n)
		}

	default:
		res = -int32(unix.EINVAL)
	}

	f.push(ring.Completion{UserData: entry.UserData, Result: res})
	return nil
}

// Enter returns whatever completions are ready. With minComplete == 0
// it never blocks, matching the flush-only calls the owner loop makes
// after every Submit. With minComplete >= 1 it blocks until at least
// one completion is ready or the ring is closed, the same contract
// completionPump relies on from MinimalRing.
func (f *FakeRing) Enter(minComplete uint32) ([]ring.Completion, error) {
	if minComplete == 0 {
		return f.drain(), nil
	}
	for {
		if comps := f.drain(); len(comps) > 0 {
			return comps, nil
		}
		f.mu.Lock()
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return nil, nil
		}
		<-f.signal
	}
}

func (f *FakeRing) drain() []ring.Completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ready) == 0 {
		return nil
	}
	out := f.ready
	f.ready = nil
	return out
}

// Close unblocks any Enter parked on minComplete >= 1.
func (f *FakeRing) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
	return nil
}

// cStringAt reads a NUL-terminated string out of raw memory starting at p.
func cStringAt(p *byte) string {
	if p == nil {
		return ""
	}
	n := 0
	for {
		b := *(*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(n)))
		if b == 0 {
			break
		}
		n++
	}
	return unsafe.String(p, n)
}

var _ ring.Ring = (*FakeRing)(nil)
