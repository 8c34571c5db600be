package ioruntime

import (
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/ioruntime/internal/heap"
	"github.com/ehrlich-b/ioruntime/internal/registry"
	"github.com/ehrlich-b/ioruntime/internal/ring"
)

// atFDCWD mirrors the kernel's AT_FDCWD sentinel: OpenAt is always
// relative to the process's current working directory.
const atFDCWD = -100

// Ops is the per-task handle every operation future hangs off of. A
// task only ever sees its own Ops, created by Run/SpawnIO, so its
// task reference never needs to be passed around explicitly.
type Ops struct {
	ctx   *heap.Smart[*runtimeContext]
	owner *Runtime
	task  registry.TaskRef
}

// rt returns the Runtime behind this handle. It reads the plain pointer
// rather than the Smart cell: a racing operation (a Select loser, say)
// may still be in flight after the task body returns and its cell
// duplicate is dropped, and such stragglers must land on a live Runtime
// so they can be answered with TaskNotFound instead of faulting.
func (o *Ops) rt() *Runtime { return o.owner }

// doOp is the two-phase pattern every operation future follows,
// collapsed into one synchronous call on the task's own goroutine: ask
// the owner goroutine to register a Completer and submit build's entry,
// then block until that Completer resolves. The task's own goroutine
// blocking here, instead of returning Pending, is this translation's
// suspension point (see the package doc).
func (o *Ops) doOp(op string, build func(registry.CompleterRef) ring.Entry) (int32, error) {
	return o.doOpPinned(op, build, nil)
}

// doOpPinned is doOp for submissions whose entry.Addr points into a
// caller-owned buffer (a read/write destination, an OpenAt path) that
// has no other live reference once build returns. pin is kept
// reachable by the owner loop until the completion is drained so the
// GC cannot reclaim it out from under an in-flight kernel operation.
func (o *Ops) doOpPinned(op string, build func(registry.CompleterRef) ring.Entry, pin any) (int32, error) {
	respond := make(chan opResponse, 1)
	select {
	case o.rt().reqCh <- opRequest{task: o.task, build: build, respond: respond, pin: pin}:
	case <-o.rt().stopCh:
		return 0, NewError(op, ErrCodeClosed, "runtime shut down")
	}
	select {
	case resp := <-respond:
		if resp.err != nil {
			return 0, WrapError(op, resp.err)
		}
		return resp.res, nil
	case <-o.rt().stopCh:
		return 0, NewError(op, ErrCodeClosed, "runtime shut down")
	}
}

// kernelErr maps a negative ring result to a *KernelError.
func kernelErr(res int32) error {
	return &KernelError{Errno: syscall.Errno(-res), Valid: true}
}

// bufAddr returns the stable address of buf's backing array. Callers
// must keep buf alive and unmoved (i.e. heap-escaped, not reslicing a
// stack array) for the duration of the submission.
func bufAddr(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

// Noop submits a NOOP and waits for its completion. Useful for testing
// the ring round-trip in isolation.
func (o *Ops) Noop() error {
	res, err := o.doOp("noop", func(registry.CompleterRef) ring.Entry {
		return ring.Entry{Op: ring.OpNoop}
	})
	if err != nil {
		return err
	}
	if res < 0 {
		return kernelErr(res)
	}
	return nil
}

// Timeout submits a TIMEOUT for d and waits for it to elapse. The
// kernel reports a relative timeout's natural expiry as -ETIME, which
// this maps to a clean success rather than an error.
func (o *Ops) Timeout(d time.Duration) error {
	res, err := o.doOp("timeout", func(registry.CompleterRef) ring.Entry {
		return ring.Entry{Op: ring.OpTimeout, Offset: uint64(d.Nanoseconds())}
	})
	if err != nil {
		return err
	}
	if res == -int32(unix.ETIME) {
		return nil
	}
	if res < 0 {
		return kernelErr(res)
	}
	return nil
}

// OpenAt opens path (relative to AT_FDCWD) read-only. path's bytes must
// outlive the call; they are held in a local copy so the caller's own
// string need not.
func (o *Ops) OpenAt(path string) (int32, error) {
	return o.OpenAtFlags(path, unix.O_RDONLY, 0)
}

// OpenAtFlags is OpenAt with caller-supplied flags and mode, for callers
// that need O_WRONLY/O_CREAT/etc.
func (o *Ops) OpenAtFlags(path string, flags uint32, mode uint32) (int32, error) {
	pathBytes := append([]byte(path), 0)
	res, err := o.doOpPinned("open_at", func(registry.CompleterRef) ring.Entry {
		return ring.Entry{
			Op:    ring.OpOpenAt,
			DirFD: atFDCWD,
			Path:  &pathBytes[0],
			Flags: flags,
			Mode:  mode,
		}
	}, pathBytes)
	if err != nil {
		return 0, err
	}
	if res < 0 {
		return 0, kernelErr(res)
	}
	return res, nil
}

// Close closes fd.
func (o *Ops) Close(fd int32) error {
	res, err := o.doOp("close", func(registry.CompleterRef) ring.Entry {
		return ring.Entry{Op: ring.OpClose, FD: fd}
	})
	if err != nil {
		return err
	}
	if res != 0 {
		return kernelErr(res)
	}
	return nil
}

// Read is ReadAtOffset with offset 0. Pipes and character devices
// ignore the offset, so on them it reads at the current position; on a
// seekable file a kernel ring READ at offset 0 reads from the start of
// the file, while FakeRing's plain read(2) uses the current position.
// Use ReadAtOffset for positioned reads on seekable files.
func (o *Ops) Read(fd int32, buf []byte) (uint32, error) {
	return o.ReadAtOffset(fd, buf, 0)
}

// ReadAtOffset reads into buf starting at offset.
func (o *Ops) ReadAtOffset(fd int32, buf []byte, offset uint64) (uint32, error) {
	if len(buf) == 0 {
		return 0, NewError("read", ErrCodeInvalid, "zero-length buffer")
	}
	res, err := o.doOpPinned("read", func(registry.CompleterRef) ring.Entry {
		return ring.Entry{Op: ring.OpRead, FD: fd, Addr: bufAddr(buf), Len: uint32(len(buf)), Offset: offset}
	}, buf)
	if err != nil {
		return 0, err
	}
	if res < 0 {
		return 0, kernelErr(res)
	}
	return uint32(res), nil
}

// Write writes buf to fd at offset.
func (o *Ops) Write(fd int32, buf []byte, offset uint64) (uint32, error) {
	if len(buf) == 0 {
		return 0, NewError("write", ErrCodeInvalid, "zero-length buffer")
	}
	res, err := o.doOpPinned("write", func(registry.CompleterRef) ring.Entry {
		return ring.Entry{Op: ring.OpWrite, FD: fd, Addr: bufAddr(buf), Len: uint32(len(buf)), Offset: offset}
	}, buf)
	if err != nil {
		return 0, err
	}
	if res < 0 {
		return 0, kernelErr(res)
	}
	return uint32(res), nil
}

// Execute hands fn to the CPU worker pool and blocks the calling task's
// goroutine until a worker finishes it, returning whatever fn itself
// returned. Go methods cannot be generic, so this is a free function
// taking the Ops handle — the same shape the package uses for
// ChannelCreate.
func Execute[R any](o *Ops, fn func() (R, error)) (R, error) {
	var zero R
	c := newCallable(fn)
	respond := make(chan execResponse, 1)
	select {
	case o.rt().execCh <- execRequest{task: o.task, callable: c, respond: respond}:
	case <-o.rt().stopCh:
		return zero, NewError("execute", ErrCodeClosed, "runtime shut down")
	}
	select {
	case resp := <-respond:
		if resp.err != nil {
			return zero, WrapError("execute", resp.err)
		}
		cr, ok := resp.result.(callableResult[R])
		if !ok {
			return zero, NewError("execute", ErrCodeInvalid, "callable result type mismatch")
		}
		return cr.value, cr.err
	case <-o.rt().stopCh:
		return zero, NewError("execute", ErrCodeClosed, "runtime shut down")
	}
}

// SpawnIO queues fn as a new independent task and returns once the
// spawn has been accepted by the registry — it does not wait for fn to
// run or finish.
func (o *Ops) SpawnIO(fn func(*Ops)) error {
	_, err := o.rt().spawnTask(fn, false)
	return err
}

// Pipe opens a packet-mode (O_DIRECT) pipe pair, the same record
// transport the worker pool's overflow queue and every Channel use.
func (o *Ops) Pipe() (ReadEnd, WriteEnd, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_DIRECT); err != nil {
		return ReadEnd{}, WriteEnd{}, WrapError("pipe", err)
	}
	return ReadEnd{fd: fds[0]}, WriteEnd{fd: fds[1]}, nil
}

// ReadEnd is the read half of a packet-mode pipe.
type ReadEnd struct{ fd int }

// WriteEnd is the write half of a packet-mode pipe.
type WriteEnd struct{ fd int }

// FD returns the raw descriptor.
func (r ReadEnd) FD() int32 { return int32(r.fd) }

// FD returns the raw descriptor.
func (w WriteEnd) FD() int32 { return int32(w.fd) }

// Close closes the descriptor.
func (r ReadEnd) Close() error { return unix.Close(r.fd) }

// Close closes the descriptor.
func (w WriteEnd) Close() error { return unix.Close(w.fd) }
