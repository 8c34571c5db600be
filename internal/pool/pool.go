// Package pool implements the fixed-size CPU worker pool that runs
// callables off the single-threaded runtime loop, coordinating with it
// purely through pipes and the ring's own completion queue rather than
// locks: a free worker is dispatched to directly; a busy pool falls back
// to a single-writer overflow queue that is drained as workers free up.
package pool

import (
	"encoding/binary"
	"fmt"

	"github.com/ehrlich-b/ioruntime/internal/registry"
	"golang.org/x/sys/unix"
)

// DefaultWorkerCount is the default fixed worker count, taken from the
// reference implementation's own constant.
const DefaultWorkerCount = 12

// overflowRecordSize is the wire size of a queued dispatch: 8-byte
// pointer, 8-byte length, 8-byte encoded CompleterRef.
const overflowRecordSize = 24

// DefaultOverflowDepth bounds the overflow queue when the caller passes
// no depth of its own.
const DefaultOverflowDepth = 256

// Pool is the fixed-size CPU worker pool.
type Pool struct {
	workers  []*worker
	free     []int // stack of free worker indices
	assigned []registry.CompleterRef
	occupied []bool

	overflowR, overflowW int
	queued               int
	overflowDepth        int
}

// New starts count workers (runtime.LockOSThread'd) and an overflow
// queue pipe bounded at overflowDepth queued callables. Bounding the
// queue in bookkeeping keeps a dispatch burst from ever filling the
// pipe's own buffer, where the write would block the caller.
func New(count, overflowDepth int) (*Pool, error) {
	if count <= 0 {
		count = DefaultWorkerCount
	}
	if overflowDepth <= 0 {
		overflowDepth = DefaultOverflowDepth
	}
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_DIRECT); err != nil {
		return nil, fmt.Errorf("pool: overflow pipe: %w", err)
	}

	p := &Pool{
		overflowR:     fds[0],
		overflowW:     fds[1],
		overflowDepth: overflowDepth,
		assigned:      make([]registry.CompleterRef, count),
		occupied:      make([]bool, count),
	}
	p.free = make([]int, 0, count)
	for i := count - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}

	for i := 0; i < count; i++ {
		w, err := newWorker()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("pool: worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// Dispatch is the result of Execute: whether the callable went straight
// to a free worker, or was queued to the overflow pipe.
type Dispatch int

const (
	Queued Dispatch = iota
	DirectDispatched
)

// Execute dispatches callable. completers[0] acknowledges that the
// callable has been accepted (queued or dispatched); completers[1]
// resolves once the callable finishes executing. On DirectDispatched,
// the caller must submit a NOOP carrying completers[0].Encode() and a
// READ on the assigned worker's completion fd carrying
// completers[1].Encode(); the pool records which worker owns
// completers[1] so Release can free it back to the pool.
func (p *Pool) Execute(completers [2]registry.CompleterRef, callable Callable) (Dispatch, int, error) {
	if len(p.free) > 0 {
		slot := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]

		p.assigned[slot] = completers[1]
		p.occupied[slot] = true
		p.workers[slot].submit(callable)
		return DirectDispatched, slot, nil
	}

	if p.queued >= p.overflowDepth {
		return Queued, -1, fmt.Errorf("pool: overflow queue full (%d queued)", p.queued)
	}
	if err := p.enqueueOverflow(completers[1], callable); err != nil {
		return Queued, -1, err
	}
	p.queued++
	return Queued, -1, nil
}

// enqueueOverflow writes a self-describing record to the overflow pipe.
// The callable itself is kept in Go memory (referenced from the
// record); the 24-byte wire format mirrors the pointer+length+completer
// layout the reference design uses when a callable must travel through
// a literal pipe.
func (p *Pool) enqueueOverflow(completer registry.CompleterRef, callable Callable) error {
	idx := storeOverflow(completer, callable)

	buf := make([]byte, overflowRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], idx)
	binary.LittleEndian.PutUint64(buf[8:16], overflowRecordSize)
	binary.LittleEndian.PutUint64(buf[16:24], completer.Encode())

	_, err := unix.Write(p.overflowW, buf)
	return err
}

// Trigger re-dispatches one queued callable to a now-free worker, if
// both a queued record and a free worker exist. The caller must submit
// a READ on the returned worker slot's outbound fd carrying the
// returned CompleterRef, the same follow-up a DirectDispatched Execute
// requires. ok is false if there was nothing to do.
func (p *Pool) Trigger() (slot int, completer registry.CompleterRef, ok bool, err error) {
	if p.queued == 0 || len(p.free) == 0 {
		return -1, registry.CompleterRef{}, false, nil
	}

	buf := make([]byte, overflowRecordSize)
	n, err := unix.Read(p.overflowR, buf)
	if err != nil {
		return -1, registry.CompleterRef{}, false, fmt.Errorf("pool: overflow read: %w", err)
	}
	if n != overflowRecordSize {
		return -1, registry.CompleterRef{}, false, fmt.Errorf("pool: short overflow read: %d", n)
	}
	idx := binary.LittleEndian.Uint64(buf[0:8])
	entry, present := takeOverflow(idx)
	if !present {
		return -1, registry.CompleterRef{}, false, fmt.Errorf("pool: overflow record %d missing", idx)
	}
	p.queued--

	slot = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.assigned[slot] = entry.completer
	p.occupied[slot] = true
	p.workers[slot].submit(entry.callable)
	return slot, entry.completer, true, nil
}

// Release frees the worker bound to completer back to the pool, once
// its READ completion has been observed on the ring. Returns false if
// no worker was bound to that completer (a programming error upstream).
func (p *Pool) Release(completer registry.CompleterRef) bool {
	for i, occ := range p.occupied {
		if occ && p.assigned[i] == completer {
			p.occupied[i] = false
			p.free = append(p.free, i)
			return true
		}
	}
	return false
}

// WorkerOutboundFD returns the fd the runtime should issue a READ
// against to learn when the given worker slot's callable has finished.
func (p *Pool) WorkerOutboundFD(slot int) int32 {
	return int32(p.workers[slot].outR)
}

// WorkerResult returns the last callable's result for a slot, valid
// immediately after its completion fd has signalled.
func (p *Pool) WorkerResult(slot int) (any, error) {
	return p.workers[slot].lastResult, p.workers[slot].lastErr
}

// Free reports the number of idle workers.
func (p *Pool) Free() int { return len(p.free) }

// Queued reports the number of callables waiting in the overflow queue.
func (p *Pool) Queued() int { return p.queued }

func (p *Pool) Close() error {
	var firstErr error
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		if err := w.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	unix.Close(p.overflowR)
	unix.Close(p.overflowW)
	return firstErr
}
