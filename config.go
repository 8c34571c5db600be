package ioruntime

import "github.com/ehrlich-b/ioruntime/internal/logging"

// Config configures a Runtime: one struct with sane defaults, handed to
// the constructor wholesale rather than threaded through as loose args.
type Config struct {
	// RingEntries is the submission queue depth negotiated with the
	// kernel at Init time.
	RingEntries uint32

	// TaskSlots and CompleterSlots size the registry's two slot tables.
	TaskSlots      int
	CompleterSlots int

	// WorkerCount sizes the CPU worker pool. Spec default is 12; kept
	// configurable rather than hard-coded.
	WorkerCount int

	// OverflowQueueDepth bounds how many queued callables may await a
	// free worker; once it is reached, Execute fails with an
	// overflow-queue-full error instead of queuing.
	OverflowQueueDepth int

	// HeapPoolDepth sizes the sub-page free-region recycling stack.
	HeapPoolDepth int

	Logger   *logging.Logger
	Observer Observer
}

// DefaultConfig returns sane defaults: a 256-entry ring, 1024 task and
// 2048 completer slots, 12 workers, and a 256-deep overflow queue and
// heap pool.
func DefaultConfig() Config {
	return Config{
		RingEntries:        256,
		TaskSlots:          1024,
		CompleterSlots:     2048,
		WorkerCount:        12,
		OverflowQueueDepth: 256,
		HeapPoolDepth:      256,
		Logger:             logging.Default(),
		Observer:           NoOpObserver{},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RingEntries == 0 {
		c.RingEntries = d.RingEntries
	}
	if c.TaskSlots == 0 {
		c.TaskSlots = d.TaskSlots
	}
	if c.CompleterSlots == 0 {
		c.CompleterSlots = d.CompleterSlots
	}
	if c.WorkerCount == 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.OverflowQueueDepth == 0 {
		c.OverflowQueueDepth = d.OverflowQueueDepth
	}
	if c.HeapPoolDepth == 0 {
		c.HeapPoolDepth = d.HeapPoolDepth
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.Observer == nil {
		c.Observer = d.Observer
	}
	return c
}
