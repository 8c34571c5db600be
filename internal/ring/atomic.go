package ring

import "sync/atomic"

// The kernel and this process share the SQ/CQ head and tail indices
// through mmap'd memory; atomic loads/stores give the same acquire/
// release ordering unix.SYS_IO_URING_ENTER's memory barrier expects from
// a well-behaved userspace side.

func loadAcquire(p *uint32) uint32 {
	return atomic.LoadUint32(p)
}

func storeRelease(p *uint32, v uint32) {
	atomic.StoreUint32(p, v)
}
