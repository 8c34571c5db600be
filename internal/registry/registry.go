package registry

import (
	"errors"
	"fmt"
)

// Error distinguishes the registry's own failure modes from a generic
// error so callers (the root Error type) can map them to the right code.
type Error struct {
	Op  string
	Msg string
}

func (e *Error) Error() string { return fmt.Sprintf("registry: %s: %s", e.Op, e.Msg) }

func notFound(op string) error { return &Error{Op: op, Msg: "not found"} }
func noSlots(op string) error  { return &Error{Op: op, Msg: "not enough slots"} }
func notReady(op string) error { return &Error{Op: op, Msg: "not ready"} }

// IsNotReady reports whether err is the registry's removal-gate
// rejection: the slot exists but is not yet in a removable state.
func IsNotReady(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg == "not ready"
	}
	return false
}

type taskSlot struct {
	occupied    bool
	generation  uint32
	data        any
	completed   bool
	polled      bool
	completions int // outstanding completers registered against this task
}

type completerSlot struct {
	occupied   bool
	generation uint32
	task       TaskRef
	hasTask    bool
	completed  bool
	value      any
}

// Registry owns the task and completer slot tables. It is touched only
// by the runtime's single owning goroutine and carries no locking.
type Registry struct {
	tasks      []taskSlot
	taskFree   []uint32
	completers []completerSlot
	compFree   []uint32
}

// New allocates a registry with the given task and completer slot
// capacities.
func New(taskCapacity, completerCapacity int) *Registry {
	r := &Registry{
		tasks:      make([]taskSlot, taskCapacity),
		taskFree:   make([]uint32, taskCapacity),
		completers: make([]completerSlot, completerCapacity),
		compFree:   make([]uint32, completerCapacity),
	}
	for i := taskCapacity - 1; i >= 0; i-- {
		r.taskFree[taskCapacity-1-i] = uint32(i)
	}
	for i := completerCapacity - 1; i >= 0; i-- {
		r.compFree[completerCapacity-1-i] = uint32(i)
	}
	return r
}

// AppendTask allocates a task slot and stores data (the task's pollable
// or a handle to it), returning a reference to the new slot.
func (r *Registry) AppendTask(data any) (TaskRef, error) {
	if len(r.taskFree) == 0 {
		return TaskRef{}, noSlots("append_task")
	}
	idx := r.taskFree[len(r.taskFree)-1]
	r.taskFree = r.taskFree[:len(r.taskFree)-1]

	s := &r.tasks[idx]
	s.occupied = true
	s.data = data
	s.completed = false
	s.polled = false
	s.completions = 0
	return TaskRef{Index: idx, Generation: s.generation}, nil
}

func (r *Registry) validTask(ref TaskRef) (*taskSlot, bool) {
	if int(ref.Index) >= len(r.tasks) {
		return nil, false
	}
	s := &r.tasks[ref.Index]
	if !s.occupied || s.generation != ref.Generation {
		return nil, false
	}
	return s, true
}

func (r *Registry) validCompleter(ref CompleterRef) (*completerSlot, bool) {
	if int(ref.Index) >= len(r.completers) {
		return nil, false
	}
	s := &r.completers[ref.Index]
	if !s.occupied || s.generation != ref.Generation {
		return nil, false
	}
	return s, true
}

// AppendCompleter allocates a completer slot bound to task, incrementing
// the task's outstanding-completions count.
func (r *Registry) AppendCompleter(task TaskRef) (CompleterRef, error) {
	if _, ok := r.validTask(task); !ok {
		return CompleterRef{}, notFound("append_completer")
	}
	if len(r.compFree) == 0 {
		return CompleterRef{}, noSlots("append_completer")
	}
	idx := r.compFree[len(r.compFree)-1]
	r.compFree = r.compFree[:len(r.compFree)-1]

	s := &r.completers[idx]
	s.occupied = true
	s.task = task
	s.hasTask = true
	s.completed = false
	s.value = nil

	r.tasks[task.Index].completions++
	return CompleterRef{Index: idx, Generation: s.generation}, nil
}

// Poll marks a task as having been observed and returns its current
// data and completed flag. The outstanding-completer count is not part
// of the result; TaskOutstanding reports it.
func (r *Registry) Poll(ref TaskRef) (data any, completed bool, err error) {
	s, ok := r.validTask(ref)
	if !ok {
		return nil, false, notFound("poll")
	}
	s.polled = true
	return s.data, s.completed, nil
}

// RemoveTask evicts a task's slot, bumping its generation so stale
// TaskRefs are rejected, and returns whatever data the task held. A
// task that has not completed, or that still has completers charged to
// it, is not removable and errors instead — the gate lives here, not at
// the call sites, so a misbehaving caller cannot corrupt the
// outstanding-completions accounting.
func (r *Registry) RemoveTask(ref TaskRef) (data any, err error) {
	s, ok := r.validTask(ref)
	if !ok {
		return nil, notFound("remove_task")
	}
	if !s.completed || s.completions > 0 {
		return nil, notReady("remove_task")
	}
	data = s.data
	s.occupied = false
	s.data = nil
	s.generation++
	r.taskFree = append(r.taskFree, ref.Index)
	return data, nil
}

// RemoveCompleter evicts a completer's slot. Only a completed completer
// is removable: CompleteCompleter is what gives the owning task its
// outstanding-completions unit back, so evicting an uncompleted slot
// here would leave that count permanently inflated. Callers rolling
// back a completer that never reached the kernel must complete it
// first (see the runtime's rollbackCompleter).
func (r *Registry) RemoveCompleter(ref CompleterRef) error {
	s, ok := r.validCompleter(ref)
	if !ok {
		return notFound("remove_completer")
	}
	if !s.completed {
		return notReady("remove_completer")
	}
	s.occupied = false
	s.hasTask = false
	s.value = nil
	s.generation++
	r.compFree = append(r.compFree, ref.Index)
	return nil
}

// CompleterTask reports the task a completer is bound to, without
// mutating either slot.
func (r *Registry) CompleterTask(ref CompleterRef) (TaskRef, bool) {
	s, ok := r.validCompleter(ref)
	if !ok || !s.hasTask {
		return TaskRef{}, false
	}
	return s.task, true
}

// CompleteCompleter posts a result into a completer slot. If the
// completer is bound to a still-present task, the task's outstanding
// completions count is decremented and, once it reaches zero, the task
// is marked completed.
func (r *Registry) CompleteCompleter(ref CompleterRef, value any) error {
	s, ok := r.validCompleter(ref)
	if !ok {
		return notFound("complete")
	}
	s.completed = true
	s.value = value

	if s.hasTask {
		if t, ok := r.validTask(s.task); ok {
			if t.completions > 0 {
				t.completions--
			}
			if t.completions == 0 {
				t.completed = true
			}
		}
	}
	return nil
}

// CompleteTask marks a task completed directly and stores data as its
// result, bypassing a completer slot entirely — the runtime calls it
// once a task's body has returned.
func (r *Registry) CompleteTask(ref TaskRef, data any) error {
	s, ok := r.validTask(ref)
	if !ok {
		return notFound("complete_task")
	}
	s.data = data
	s.completed = true
	return nil
}

// CompleterValue returns the value posted to a completer, if any.
func (r *Registry) CompleterValue(ref CompleterRef) (value any, completed bool, err error) {
	s, ok := r.validCompleter(ref)
	if !ok {
		return nil, false, notFound("completer_value")
	}
	return s.value, s.completed, nil
}

// TaskOutstanding reports how many completers are still registered
// against a task.
func (r *Registry) TaskOutstanding(ref TaskRef) (int, error) {
	s, ok := r.validTask(ref)
	if !ok {
		return 0, notFound("task_outstanding")
	}
	return s.completions, nil
}

// Stats reports how many task and completer slots are currently free,
// for metrics and capacity tests.
func (r *Registry) Stats() (freeTasks, freeCompleters int) {
	return len(r.taskFree), len(r.compFree)
}
