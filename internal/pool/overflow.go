package pool

import (
	"sync"

	"github.com/ehrlich-b/ioruntime/internal/registry"
)

// overflowEntry is what a 24-byte overflow-queue record logically
// describes: (pointer, length, encoded CompleterRef). Go's GC makes
// handing a raw pointer through a pipe unsafe, so the pipe instead
// carries an index into this side table, with the table holding the
// actual (completer, callable) pair the index addresses.
type overflowEntry struct {
	completer registry.CompleterRef
	callable  Callable
}

var (
	overflowMu    sync.Mutex
	overflowTable = map[uint64]overflowEntry{}
	overflowNext  uint64
)

func storeOverflow(completer registry.CompleterRef, callable Callable) uint64 {
	overflowMu.Lock()
	defer overflowMu.Unlock()
	idx := overflowNext
	overflowNext++
	overflowTable[idx] = overflowEntry{completer: completer, callable: callable}
	return idx
}

func takeOverflow(idx uint64) (overflowEntry, bool) {
	overflowMu.Lock()
	defer overflowMu.Unlock()
	e, ok := overflowTable[idx]
	if ok {
		delete(overflowTable, idx)
	}
	return e, ok
}
