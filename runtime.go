// Package ioruntime is an asynchronous I/O runtime for Linux built
// directly over io_uring, plus a cooperating CPU worker pool and a
// typed, credit-flow-controlled channel.
//
// This runtime's task graph is single-threaded cooperative futures
// driven by an explicit poll loop — the natural shape in a language
// whose async support is built-in codegen over a suspending call
// stack. Go has no such codegen, so this is translated the way Go
// itself suspends work: a Task is a goroutine, and the one "runtime
// thread" invariant becomes "exactly one goroutine ever touches the
// Registry or submits to the Ring". Every operation still has exactly
// one suspension point — it is just a channel receive instead of a
// Pending return. See DESIGN.md for the full writeup.
package ioruntime

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/ioruntime/internal/heap"
	"github.com/ehrlich-b/ioruntime/internal/logging"
	"github.com/ehrlich-b/ioruntime/internal/pool"
	"github.com/ehrlich-b/ioruntime/internal/registry"
	"github.com/ehrlich-b/ioruntime/internal/ring"
)

// opRequest is how a task goroutine asks the owner goroutine to
// register a Completer and submit a ring entry on its behalf. build is
// called with the freshly allocated CompleterRef so it can be encoded
// into the entry's UserData.
type opRequest struct {
	task    registry.TaskRef
	build   func(registry.CompleterRef) ring.Entry
	respond chan opResponse
	// pin keeps alive any buffer the built entry's Addr points into.
	// Go's GC does not treat a uintptr as a pointer, so a caller-owned
	// buffer referenced only through Entry.Addr would otherwise become
	// collectible the instant doOp's closure returns, while the kernel
	// may still be reading or writing it. The owner loop keeps pin
	// reachable from handleOpRequest until the matching completion is
	// drained.
	pin any
}

type opResponse struct {
	res int32
	err error
}

// spawnRequest asks the owner goroutine to reserve a task slot; the new
// task's goroutine is started by the owner once the slot is granted, so
// registry.AppendTask is never called from any other goroutine.
type spawnRequest struct {
	run  func(*Ops)
	resp chan spawnResponse
	// root marks the runtime's root task; the owner loop records its ref
	// before the task goroutine starts, so the completion path can match
	// against it without racing the spawner.
	root bool
}

type spawnResponse struct {
	ref registry.TaskRef
	err error
}

// execRequest asks the owner goroutine to dispatch callable to the
// worker pool on behalf of task. The owner is the only goroutine that
// touches pool bookkeeping, for the same single-writer reason it owns
// the Registry.
type execRequest struct {
	task     registry.TaskRef
	callable pool.Callable
	respond  chan execResponse
}

type execResponse struct {
	result any
	err    error
}

// taskDone is sent by a task's own goroutine once its body function
// returns, carrying the task's terminal result (nil = clean exit).
type taskDone struct {
	ref    registry.TaskRef
	result *TaskResult
}

// TaskResult is a task's terminal outcome: Err is an optional
// termination message (nil means clean exit).
type TaskResult struct {
	Err *TerminationError
}

// runtimeContext is the cell every Ops duplicates a handle to: the Ring,
// Registry, worker Pool and heap Pool all hang off the one *Runtime it
// wraps. Each task holds a Smart duplicate for the life of its body, so
// the refcount on rt.ctx reflects how many tasks are still alive.
type runtimeContext struct {
	rt *Runtime
}

// Runtime bundles the Ring, Registry, worker Pool and heap Pool behind
// one owning handle. Every Ops handle a task holds shares this Runtime;
// it is not safe to use concurrently from more than the goroutines the
// runtime itself starts.
type Runtime struct {
	cfg      Config
	ring     ring.Ring
	reg      *registry.Registry
	workers  *pool.Pool
	heapPool *heap.Pool
	metrics  *Metrics
	logger   *logging.Logger

	// ctx is the runtime's own handle on its Smart-celled context; every
	// Ops holds a Duplicate of it alongside the plain *Runtime that its
	// rt() accessor reads.
	ctx *heap.Smart[*runtimeContext]

	reqCh     chan opRequest
	spawnCh   chan spawnRequest
	execCh    chan execRequest
	doneCh    chan taskDone
	stopCh    chan struct{}
	completed chan []ring.Completion

	outstanding atomic.Int32
	wake        chan struct{}

	pending     map[registry.CompleterRef]chan opResponse
	triggers    map[registry.CompleterRef]func(res int32)
	execWaiting map[registry.CompleterRef]execRequest
	bufPins     map[registry.CompleterRef]any

	// pendingRemoval holds the terminal result of a task whose body has
	// already returned but which still has a completer outstanding (a
	// Select loser still in flight, typically). handleCompletion
	// finishes the removal once that last completer drains.
	pendingRemoval map[registry.TaskRef]*TaskResult

	rootRef    registry.TaskRef
	rootResult chan *TaskResult

	closeOnce sync.Once
}

// New builds a Runtime over a real kernel io_uring instance.
func New(cfg Config) (*Runtime, error) {
	cfg = cfg.withDefaults()
	r, err := ring.NewMinimalRing(ring.Config{Entries: cfg.RingEntries})
	if err != nil {
		return nil, WrapError("init", err)
	}
	return newWithRing(cfg, r)
}

// newWithRing builds a Runtime over a caller-supplied Ring — the seam
// tests use to substitute FakeRing for a real kernel instance.
func newWithRing(cfg Config, r ring.Ring) (*Runtime, error) {
	workers, err := pool.New(cfg.WorkerCount, cfg.OverflowQueueDepth)
	if err != nil {
		r.Close()
		return nil, WrapError("init", err)
	}

	rt := &Runtime{
		cfg:            cfg,
		ring:           r,
		reg:            registry.New(cfg.TaskSlots, cfg.CompleterSlots),
		workers:        workers,
		heapPool:       heap.NewPool(cfg.HeapPoolDepth),
		metrics:        NewMetrics(),
		logger:         cfg.Logger,
		reqCh:          make(chan opRequest, cfg.TaskSlots),
		spawnCh:        make(chan spawnRequest, cfg.TaskSlots),
		execCh:         make(chan execRequest, cfg.TaskSlots),
		doneCh:         make(chan taskDone, cfg.TaskSlots),
		stopCh:         make(chan struct{}),
		completed:      make(chan []ring.Completion, cfg.CompleterSlots),
		wake:           make(chan struct{}, 1),
		pending:        make(map[registry.CompleterRef]chan opResponse),
		triggers:       make(map[registry.CompleterRef]func(res int32)),
		execWaiting:    make(map[registry.CompleterRef]execRequest),
		bufPins:        make(map[registry.CompleterRef]any),
		pendingRemoval: make(map[registry.TaskRef]*TaskResult),
		rootResult:     make(chan *TaskResult, 1),
	}

	ctx, err := heap.NewSmart(&runtimeContext{rt: rt})
	if err != nil {
		workers.Close()
		r.Close()
		return nil, WrapError("init", err)
	}
	rt.ctx = ctx
	return rt, nil
}

// Metrics returns the runtime's operational counters.
func (rt *Runtime) Metrics() *Metrics { return rt.metrics }

// Run spawns root as the runtime's root task and drives the owner loop
// and completion pump until root reaches a terminal result, then shuts
// the runtime down and returns that result.
func (rt *Runtime) Run(root func(*Ops)) (*TaskResult, error) {
	go rt.completionPump()
	go rt.ownerLoop()

	if _, err := rt.spawnTask(root, true); err != nil {
		rt.Close()
		return nil, err
	}

	result := <-rt.rootResult
	if err := rt.Close(); err != nil {
		return result, err
	}
	return result, nil
}

// spawnTask sends a spawn request to the owner goroutine and waits for
// the task slot to be granted; the owner starts the task's goroutine.
func (rt *Runtime) spawnTask(fn func(*Ops), root bool) (registry.TaskRef, error) {
	resp := make(chan spawnResponse, 1)
	rt.spawnCh <- spawnRequest{run: fn, resp: resp, root: root}
	r := <-resp
	return r.ref, r.err
}

// ownerLoop is the single goroutine that ever mutates the Registry or
// calls Ring.Submit — the Go-shaped equivalent of a single "runtime
// thread". Everything else communicates with it over channels.
func (rt *Runtime) ownerLoop() {
	for {
		select {
		case <-rt.stopCh:
			return

		case sreq := <-rt.spawnCh:
			ref, err := rt.reg.AppendTask(nil)
			if err != nil {
				sreq.resp <- spawnResponse{err: WrapError("spawn", err)}
				continue
			}
			rt.metrics.RecordTaskSpawned()
			if sreq.root {
				rt.rootRef = ref
			}
			rt.logger.WithTask(ref.Index).Debug("task spawned")
			sreq.resp <- spawnResponse{ref: ref}
			go rt.runTask(ref, sreq.run)

		case req := <-rt.reqCh:
			rt.handleOpRequest(req)

		case ereq := <-rt.execCh:
			rt.handleExecRequest(ereq)

		case comps := <-rt.completed:
			for _, c := range comps {
				rt.handleCompletion(c)
			}

		case msg := <-rt.doneCh:
			rt.handleTaskDone(msg)
		}
	}
}

func (rt *Runtime) handleOpRequest(req opRequest) {
	cref, err := rt.reg.AppendCompleter(req.task)
	if err != nil {
		req.respond <- opResponse{err: WrapError("submit", err)}
		return
	}
	entry := req.build(cref)
	entry.UserData = cref.Encode()
	if err := rt.ring.Submit(entry); err != nil {
		rt.rollbackCompleter(cref)
		req.respond <- opResponse{err: WrapError("submit", err)}
		return
	}
	rt.metrics.Submissions.Add(1)
	rt.pending[cref] = req.respond
	if req.pin != nil {
		rt.bufPins[cref] = req.pin
	}
	rt.outstanding.Add(1)
	select {
	case rt.wake <- struct{}{}:
	default:
	}
	// Flush only after the completer's bookkeeping is in place: the
	// flush itself may hand back this very completion.
	rt.flushRing()
}

// rollbackCompleter releases a completer that will never see a kernel
// completion (its submission failed before reaching the ring). The
// registry only evicts completed slots, so the rollback posts the
// failure as the completer's result first.
func (rt *Runtime) rollbackCompleter(cref registry.CompleterRef) {
	if err := rt.reg.CompleteCompleter(cref, int32(-1)); err != nil {
		rt.logger.Warnf("registry.complete: rollback: %v", err)
	}
	if err := rt.reg.RemoveCompleter(cref); err != nil {
		rt.logger.Warnf("registry.remove_completer: rollback: %v", err)
	}
}

// flushRing pushes queued submissions into the kernel without blocking.
// Any completions the enter call happens to reap on the way out are
// handled right here — dropping them would strand their tasks forever,
// since the completion pump will never see an already-drained entry.
func (rt *Runtime) flushRing() {
	comps, err := rt.ring.Enter(0)
	if err != nil {
		rt.logger.Warnf("ring: flush failed: %v", err)
		return
	}
	for _, c := range comps {
		rt.handleCompletion(c)
	}
}

// handleExecRequest implements the worker pool's dispatch step: allocate
// the "queued" and "executed" Completers, ask the pool to dispatch, and
// (on a direct dispatch) submit a NOOP marking the queuing instant plus
// the READ on the assigned worker's outbound pipe that will tell the
// owner loop when it finishes. An overflow dispatch has no assigned
// worker to READ yet; its queuing instant is the overflow write the pool
// already performed, so the queued Completer resolves inline and the
// READ is deferred until Trigger hands the callable to a worker.
func (rt *Runtime) handleExecRequest(req execRequest) {
	queuedRef, err := rt.reg.AppendCompleter(req.task)
	if err != nil {
		req.respond <- execResponse{err: WrapError("worker.dispatch", err)}
		return
	}
	executedRef, err := rt.reg.AppendCompleter(req.task)
	if err != nil {
		rt.rollbackCompleter(queuedRef)
		req.respond <- execResponse{err: WrapError("worker.dispatch", err)}
		return
	}

	dispatch, slot, err := rt.workers.Execute([2]registry.CompleterRef{queuedRef, executedRef}, req.callable)
	if err != nil {
		rt.rollbackCompleter(queuedRef)
		rt.rollbackCompleter(executedRef)
		req.respond <- execResponse{err: WrapError("worker.dispatch", err)}
		return
	}
	rt.metrics.RecordWorkerDispatch(dispatch == pool.DirectDispatched)

	if dispatch == pool.DirectDispatched {
		rt.submitQueuedNoop(queuedRef)
		rt.submitWorkerRead(slot, executedRef, req)
		return
	}
	rt.reg.CompleteCompleter(queuedRef, 0)
	rt.reg.RemoveCompleter(queuedRef)
	rt.execWaiting[executedRef] = req
}

// submitQueuedNoop rides a NOOP through the ring under the queuing
// Completer, so the dispatch's acceptance is observed as a completion
// like any other rather than asserted out of band.
func (rt *Runtime) submitQueuedNoop(queuedRef registry.CompleterRef) {
	entry := ring.Entry{Op: ring.OpNoop}
	entry.UserData = queuedRef.Encode()
	if err := rt.ring.Submit(entry); err != nil {
		// The dispatch itself already succeeded; resolve the queuing
		// instant inline rather than failing the whole execute.
		rt.logger.Warnf("worker.dispatch: queued noop: %v", err)
		rt.reg.CompleteCompleter(queuedRef, 0)
		rt.reg.RemoveCompleter(queuedRef)
		return
	}
	rt.metrics.Submissions.Add(1)
	rt.triggers[queuedRef] = func(int32) {}
	rt.outstanding.Add(1)
	select {
	case rt.wake <- struct{}{}:
	default:
	}
}

// submitWorkerRead issues the READ the worker dispatch protocol
// requires: reading the assigned worker's 1-byte completion marker
// through the ring is what lets that worker's finish wake the owner
// loop the same way any other kernel completion would.
func (rt *Runtime) submitWorkerRead(slot int, executedRef registry.CompleterRef, req execRequest) {
	buf := make([]byte, 1)
	entry := ring.Entry{
		Op:   ring.OpRead,
		FD:   rt.workers.WorkerOutboundFD(slot),
		Len:  1,
		Addr: uintptr(unsafe.Pointer(&buf[0])),
	}
	entry.UserData = executedRef.Encode()
	if err := rt.ring.Submit(entry); err != nil {
		rt.rollbackCompleter(executedRef)
		req.respond <- execResponse{err: WrapError("worker.dispatch", err)}
		return
	}
	// buf backs entry.Addr only through a uintptr conversion, which the
	// GC does not trace; pin it until the READ's completion is drained.
	rt.bufPins[executedRef] = buf
	rt.triggers[executedRef] = func(int32) {
		rt.workers.Release(executedRef)
		result, callErr := rt.workers.WorkerResult(slot)
		rt.metrics.RecordWorkerCompleted()
		req.respond <- execResponse{result: result, err: callErr}
		rt.triggerNextQueued()
	}
	rt.outstanding.Add(1)
	select {
	case rt.wake <- struct{}{}:
	default:
	}
	rt.logger.WithWorker(slot).Debug("callable dispatched")
	rt.flushRing()
}

// triggerNextQueued re-dispatches the next queued callable, if any, to
// the worker slot Release just freed up.
func (rt *Runtime) triggerNextQueued() {
	slot, completer, ok, err := rt.workers.Trigger()
	if err != nil {
		rt.logger.Warnf("pool.trigger: %v", err)
		return
	}
	if !ok {
		return
	}
	req, found := rt.execWaiting[completer]
	if !found {
		rt.logger.Warnf("pool.trigger: no waiting request for %v", completer)
		return
	}
	delete(rt.execWaiting, completer)
	rt.submitWorkerRead(slot, completer, req)
}

func (rt *Runtime) handleCompletion(c ring.Completion) {
	cref := registry.DecodeCompleterRef(c.UserData)
	rt.outstanding.Add(-1)
	rt.metrics.RecordCompletion(0, c.Result < 0)

	if trig, ok := rt.triggers[cref]; ok {
		delete(rt.triggers, cref)
		delete(rt.bufPins, cref)
		task, hasTask := rt.reg.CompleterTask(cref)
		if err := rt.reg.CompleteCompleter(cref, c.Result); err != nil {
			rt.logger.Warnf("registry.complete: %v", err)
		}
		rt.reg.RemoveCompleter(cref)
		trig(c.Result)
		if hasTask {
			rt.maybeFinalizeTask(task)
		}
		return
	}

	respond, ok := rt.pending[cref]
	if !ok {
		rt.logger.Warnf("completion for unknown completer %v", cref)
		return
	}
	delete(rt.pending, cref)
	delete(rt.bufPins, cref)

	task, hasTask := rt.reg.CompleterTask(cref)
	if err := rt.reg.CompleteCompleter(cref, c.Result); err != nil {
		rt.logger.Warnf("registry.complete: %v", err)
	}
	rt.reg.RemoveCompleter(cref)
	respond <- opResponse{res: c.Result}
	if hasTask {
		rt.maybeFinalizeTask(task)
	}
}

func (rt *Runtime) handleTaskDone(msg taskDone) {
	if err := rt.reg.CompleteTask(msg.ref, msg.result); err != nil {
		rt.logger.Warnf("registry.complete_task: %v", err)
		return
	}
	rt.metrics.RecordTaskCompleted(msg.result != nil && msg.result.Err != nil)
	outstanding, _ := rt.reg.TaskOutstanding(msg.ref)
	if outstanding == 0 {
		rt.finalizeTask(msg.ref, msg.result)
		return
	}
	// A Select loser — or any other operation the task's body returned
	// without awaiting — still holds a completer charged against this
	// task. Defer the removal: maybeFinalizeTask performs it once
	// handleCompletion's decrement brings that count to zero.
	rt.pendingRemoval[msg.ref] = msg.result
}

// maybeFinalizeTask retries a task's removal after a late completer
// drains against a task that was already marked done. No-op if ref
// isn't waiting on one, or still has others outstanding.
func (rt *Runtime) maybeFinalizeTask(ref registry.TaskRef) {
	result, waiting := rt.pendingRemoval[ref]
	if !waiting {
		return
	}
	outstanding, err := rt.reg.TaskOutstanding(ref)
	if err != nil || outstanding > 0 {
		return
	}
	delete(rt.pendingRemoval, ref)
	rt.finalizeTask(ref, result)
}

func (rt *Runtime) finalizeTask(ref registry.TaskRef, result *TaskResult) {
	if _, err := rt.reg.RemoveTask(ref); err != nil {
		rt.logger.Warnf("registry.remove_task: %v", err)
	}
	if ref == rt.rootRef {
		rt.rootResult <- result
	}
}

// runTask executes a task's body on its own goroutine and reports its
// terminal result to the owner loop.
func (rt *Runtime) runTask(ref registry.TaskRef, fn func(*Ops)) {
	ops := &Ops{ctx: rt.ctx.Duplicate(), owner: rt, task: ref}
	result := &TaskResult{}
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.Err = &TerminationError{Msg: "task panicked"}
			}
		}()
		fn(ops)
	}()
	if _, err := ops.ctx.Drop(); err != nil {
		rt.logger.Warnf("heap.smart: drop: %v", err)
	}
	rt.doneCh <- taskDone{ref: ref, result: result}
}

// completionPump is the only goroutine that ever calls Ring.Enter with
// a blocking wait. It parks on wake whenever nothing is outstanding —
// the same short-circuit a tick loop would take with zero live tasks —
// and otherwise keeps calling Enter(1) and forwarding whatever it
// drains to the owner loop.
func (rt *Runtime) completionPump() {
	for {
		if rt.outstanding.Load() <= 0 {
			select {
			case <-rt.wake:
			case <-rt.stopCh:
				return
			}
			continue
		}
		comps, err := rt.ring.Enter(1)
		if err != nil {
			rt.logger.Warnf("ring.enter: %v", err)
			select {
			case <-rt.stopCh:
				return
			default:
				continue
			}
		}
		if len(comps) == 0 {
			select {
			case <-rt.stopCh:
				return
			default:
				continue
			}
		}
		select {
		case rt.completed <- comps:
		case <-rt.stopCh:
			return
		}
	}
}

// Close shuts the runtime down: stops both loop goroutines and tears
// down the ring, worker pool and heap pool — shutdown unmaps everything
// even if an earlier step failed. It reports the first error observed;
// errors from later steps are not reported.
func (rt *Runtime) Close() error {
	var err error
	rt.closeOnce.Do(func() {
		close(rt.stopCh)
		if e := rt.ring.Close(); e != nil {
			err = WrapError("shutdown", e)
		}
		if e := rt.workers.Close(); e != nil && err == nil {
			err = WrapError("shutdown", e)
		}
		if e := rt.heapPool.Close(); e != nil && err == nil {
			err = WrapError("shutdown", e)
		}
		if _, e := rt.ctx.Drop(); e != nil && err == nil {
			err = WrapError("shutdown", e)
		}
		rt.metrics.Stop()
	})
	return err
}
