package ioruntime

import (
	"encoding/binary"
	"errors"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/ioruntime/internal/heap"
)

// ErrChannelClosed is returned by Rx.Read once the producer has closed
// its Tx and every in-flight payload has been drained — the channel's
// equivalent of io.EOF.
var ErrChannelClosed = errors.New("ioruntime: channel closed")

// channelRecordSize is the wire size of one data-pipe record: an 8-byte
// region address and an 8-byte region length. Packet mode (O_DIRECT) on
// the pipe keeps each write a discrete record no matter how Write's
// syscall happens to batch or split it.
const channelRecordSize = 16

// Tx is the sending half of a bounded typed channel.
// Payloads are never copied across the pipe: Write boxes the value in
// its own heap region and sends only the region's (ptr, len); the
// receiver reconstructs ownership of that same region.
type Tx[T any] struct {
	dataW      int
	dataRClone int
	creditR    int
	remaining  int
	closed     bool
	pool       *heap.Pool
	metrics    *Metrics
}

// Rx is the receiving half.
type Rx[T any] struct {
	dataR   int
	creditW int
	state   rxState
	pool    *heap.Pool
	metrics *Metrics
}

type rxState int

const (
	rxOpen rxState = iota
	rxDrained
	rxClosed
)

// Receipt accompanies every payload Rx.Read returns. The consumer must
// Ack it to return one unit of credit to the producer; an un-acked
// receipt that is dropped is caught by a finalizer, which acks it on
// the consumer's behalf rather than stalling the producer forever (the
// background-ack cleanup this channel's design note calls for).
type Receipt struct {
	creditW int
	acked   bool
}

// ChannelCreate opens a bounded channel of the given capacity: a
// packet-mode pipe carrying data records and a second packet-mode pipe
// carrying single-byte credit tokens, mirroring the overflow queue's own
// pipe-as-transport approach in internal/pool. Tx starts with capacity
// units of credit, so the first capacity Writes never block. o ties the
// channel to the runtime's heap pool and metrics, the same way Execute
// ties a callable to the worker pool.
func ChannelCreate[T any](o *Ops, capacity int) (*Tx[T], *Rx[T], error) {
	if capacity <= 0 {
		return nil, nil, NewError("channel.create", ErrCodeInvalid, "capacity must be positive")
	}
	rt := o.rt()

	dataFDs := make([]int, 2)
	if err := unix.Pipe2(dataFDs, unix.O_DIRECT); err != nil {
		return nil, nil, WrapError("channel.create", err)
	}
	creditFDs := make([]int, 2)
	if err := unix.Pipe2(creditFDs, unix.O_DIRECT); err != nil {
		unix.Close(dataFDs[0])
		unix.Close(dataFDs[1])
		return nil, nil, WrapError("channel.create", err)
	}
	dataRClone, err := unix.Dup(dataFDs[0])
	if err != nil {
		unix.Close(dataFDs[0])
		unix.Close(dataFDs[1])
		unix.Close(creditFDs[0])
		unix.Close(creditFDs[1])
		return nil, nil, WrapError("channel.create", err)
	}

	tx := &Tx[T]{
		dataW:      dataFDs[1],
		dataRClone: dataRClone,
		creditR:    creditFDs[0],
		remaining:  capacity,
		pool:       rt.heapPool,
		metrics:    rt.metrics,
	}
	rx := &Rx[T]{
		dataR:   dataFDs[0],
		creditW: creditFDs[1],
		state:   rxOpen,
		pool:    rt.heapPool,
		metrics: rt.metrics,
	}
	return tx, rx, nil
}

// boxPayload boxes v in a region sized for it, preferring a region the
// heap pool already has on hand: any T up to one page wide is exactly
// the allocate/free cycle the pool exists to make O(1).
func boxPayload[T any](pool *heap.Pool, v T) (*heap.Region, error) {
	size := int(unsafe.Sizeof(v))
	if pool != nil {
		if r, ok := pool.AcquireFor(size); ok {
			*(*T)(unsafe.Pointer(&r.Bytes()[0])) = v
			return r, nil
		}
	}
	r, err := heap.Allocate(size)
	if err != nil {
		return nil, err
	}
	*(*T)(unsafe.Pointer(&r.Bytes()[0])) = v
	return r, nil
}

// freeRegion returns r to the heap pool if it will take it, and
// munmaps it directly otherwise — the same fallback boxPayload takes in
// the other direction.
func freeRegion(pool *heap.Pool, r *heap.Region) {
	if pool != nil {
		if rejected, err := pool.Release(r); err == nil && rejected == nil {
			return
		}
	}
	r.Free()
}

// unboxPayload reads the value a region holds without copying the
// region itself.
func unboxPayload[T any](r *heap.Region) T {
	return *(*T)(unsafe.Pointer(&r.Bytes()[0]))
}

// Write blocks until credit is available, then hands payload to the
// region it boxes and sends the region's (ptr, len) down the data pipe.
// Ownership of the region passes to the receiver; Write never frees it
// on the success path.
func (tx *Tx[T]) Write(payload T) error {
	if tx.closed {
		return NewError("channel.write", ErrCodeClosed, "tx is closed")
	}
	if tx.remaining == 0 {
		tok := make([]byte, 1)
		n, err := unix.Read(tx.creditR, tok)
		if err != nil {
			return WrapError("channel.write", err)
		}
		if n != 1 {
			return NewError("channel.write", ErrCodeIO, "short credit read")
		}
		tx.remaining++
	}

	region, err := boxPayload(tx.pool, payload)
	if err != nil {
		return WrapError("channel.write", err)
	}

	rec := make([]byte, channelRecordSize)
	binary.LittleEndian.PutUint64(rec[0:8], uint64(region.Addr()))
	binary.LittleEndian.PutUint64(rec[8:16], uint64(region.Len()))
	if _, err := unix.Write(tx.dataW, rec); err != nil {
		freeRegion(tx.pool, region)
		tx.metrics.RecordChannelSend(true)
		return WrapError("channel.write", err)
	}
	tx.remaining--
	tx.metrics.RecordChannelSend(false)
	return nil
}

// Close closes the data-pipe write end, which delivers EOF to Rx once
// it has drained whatever is still in flight, and releases the credit
// read end and the data-pipe read clone Tx has held since creation
// purely so an early Rx.Close never raises SIGPIPE on an in-flight
// Write racing this Close.
func (tx *Tx[T]) Close() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	err1 := unix.Close(tx.dataW)
	err2 := unix.Close(tx.dataRClone)
	err3 := unix.Close(tx.creditR)
	if err1 != nil {
		return WrapError("channel.close", err1)
	}
	if err2 != nil {
		return WrapError("channel.close", err2)
	}
	if err3 != nil {
		return WrapError("channel.close", err3)
	}
	return nil
}

// Read blocks for the next payload. It returns ErrChannelClosed once
// the producer has closed Tx and no payload remains, and any other
// error for a genuine I/O fault on the data pipe.
func (rx *Rx[T]) Read() (T, *Receipt, error) {
	var zero T
	if rx.state != rxOpen {
		return zero, nil, ErrChannelClosed
	}

	rec := make([]byte, channelRecordSize)
	n, err := unix.Read(rx.dataR, rec)
	if err != nil {
		return zero, nil, WrapError("channel.read", err)
	}
	if n == 0 {
		return zero, nil, ErrChannelClosed
	}
	if n != channelRecordSize {
		return zero, nil, NewError("channel.read", ErrCodeIO, "short data read")
	}

	addr := binary.LittleEndian.Uint64(rec[0:8])
	length := binary.LittleEndian.Uint64(rec[8:16])
	if addr == 0 {
		return zero, nil, ErrChannelClosed
	}

	region := heap.FromRaw(uintptr(addr), int(length))
	value := unboxPayload[T](region)
	freeRegion(rx.pool, region)
	rx.metrics.RecordChannelRecv()

	receipt := &Receipt{creditW: rx.creditW}
	runtime.SetFinalizer(receipt, func(r *Receipt) {
		if !r.acked {
			go r.Ack()
		}
	})
	return value, receipt, nil
}

// Ack returns one unit of credit to the producer. Safe to call at most
// meaningfully once; later calls are no-ops. Once the producer has
// closed its Tx there is no one left to take the credit, and Ack
// succeeds without delivering it.
func (r *Receipt) Ack() error {
	if r.acked {
		return nil
	}
	r.acked = true
	runtime.SetFinalizer(r, nil)
	_, err := unix.Write(r.creditW, []byte{1})
	if err == unix.EPIPE {
		return nil
	}
	if err != nil {
		return WrapError("channel.ack", err)
	}
	return nil
}

// Close tears Rx down. If the channel is still open it first drains any
// payloads still sitting in the data pipe, freeing their regions,
// rather than leaking them to an abandoned producer.
func (rx *Rx[T]) Close() error {
	if rx.state == rxClosed {
		return nil
	}
	if rx.state == rxOpen {
		rx.drain()
	}
	rx.state = rxClosed

	err1 := unix.Close(rx.dataR)
	err2 := unix.Close(rx.creditW)
	if err1 != nil {
		return WrapError("channel.close", err1)
	}
	if err2 != nil {
		return WrapError("channel.close", err2)
	}
	return nil
}

// drain does a non-blocking best-effort sweep of the data pipe, freeing
// every payload region still in flight so teardown never leaks them.
func (rx *Rx[T]) drain() {
	if err := unix.SetNonblock(rx.dataR, true); err != nil {
		return
	}
	defer unix.SetNonblock(rx.dataR, false)

	rec := make([]byte, channelRecordSize)
	for {
		n, err := unix.Read(rx.dataR, rec)
		if err != nil || n != channelRecordSize {
			return
		}
		addr := binary.LittleEndian.Uint64(rec[0:8])
		length := binary.LittleEndian.Uint64(rec[8:16])
		if addr == 0 {
			return
		}
		freeRegion(rx.pool, heap.FromRaw(uintptr(addr), int(length)))
	}
}
