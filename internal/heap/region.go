// Package heap implements the runtime's arena: page-aligned anonymous
// mmap regions with a stable address, used for channel payloads and for
// the runtime's Smart-celled context.
package heap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

// PageSize is the unit Pool recycles and Region rounds allocations up to.
const PageSize = pageSize

// Region is an owning handle to an anonymous mmap'd region. Its address
// never moves and is safe to hand to the kernel as an I/O buffer target.
type Region struct {
	ptr []byte
}

// roundUp rounds n up to the next multiple of the page size.
func roundUp(n int) int {
	return ((n + pageSize - 1) / pageSize) * pageSize
}

// Allocate mmaps a new region of at least len bytes, rounded up to a
// page boundary. A zero-byte request still gets a full page, never a
// null region.
func Allocate(length int) (*Region, error) {
	if length < 0 {
		return nil, fmt.Errorf("heap: invalid length %d", length)
	}
	size := roundUp(length)
	if size == 0 {
		size = pageSize
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("heap: mmap failed: %w", err)
	}
	return &Region{ptr: b}, nil
}

// Free releases the region back to the kernel. It must not be used
// again after this call.
func (r *Region) Free() error {
	if r.ptr == nil {
		return nil
	}
	err := unix.Munmap(r.ptr)
	r.ptr = nil
	return err
}

// Bytes returns the region's backing slice.
func (r *Region) Bytes() []byte {
	return r.ptr
}

// Len reports the region's (page-rounded) size.
func (r *Region) Len() int {
	return len(r.ptr)
}

// Addr returns the region's base address. This is the wire form a
// region takes whenever it crosses a pipe rather than a Go slice header
// — the channel transport sends a (ptr, len) pair instead of copying
// bytes.
func (r *Region) Addr() uintptr {
	if len(r.ptr) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.ptr[0]))
}

// FromRaw reconstructs an owning Region from a (ptr, length) pair
// previously obtained from Addr/Len. The caller is asserting that this
// process is the one that mapped that memory and that ownership is
// being handed back across the pipe that carried the pair.
func FromRaw(ptr uintptr, length int) *Region {
	if ptr == 0 || length == 0 {
		return &Region{}
	}
	return &Region{ptr: unsafe.Slice((*byte)(unsafe.Pointer(ptr)), length)}
}

// Ref is a non-owning view of the byte range [Off, Off+Len) inside a
// Region.
type Ref struct {
	Region *Region
	Off    int
	Len    int
}

// Slice returns the byte range this Ref describes.
func (r Ref) Slice() []byte {
	return r.Region.Bytes()[r.Off : r.Off+r.Len]
}
