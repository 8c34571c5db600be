package pool

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// Callable is a type-erased, one-shot unit of CPU work executed by a
// worker goroutine.
type Callable interface {
	Call() (result any, err error)
}

// worker owns one OS thread (via runtime.LockOSThread) and a completion
// pipe the runtime's ring reads from directly, so a worker finishing its
// callable wakes the runtime through the same completion queue as any
// other I/O — no extra synchronization primitive is needed.
type worker struct {
	inbound chan Callable
	done    chan struct{}
	outR    int // read end handed to the ring as the fd to READ from
	outW    int // write end the worker goroutine signals completion on

	lastResult any
	lastErr    error
}

func newWorker() (*worker, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_DIRECT); err != nil {
		return nil, err
	}
	w := &worker{
		inbound: make(chan Callable),
		done:    make(chan struct{}),
		outR:    fds[0],
		outW:    fds[1],
	}
	go w.run()
	return w, nil
}

func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for c := range w.inbound {
		res, err := c.Call()
		w.lastResult, w.lastErr = res, err
		unix.Write(w.outW, []byte{1})
	}
	close(w.done)
}

// submit hands a callable to the worker. The caller must already know
// the worker is free.
func (w *worker) submit(c Callable) {
	w.inbound <- c
}

func (w *worker) close() error {
	close(w.inbound)
	<-w.done
	unix.Close(w.outR)
	return unix.Close(w.outW)
}
