// Package registry tracks tasks and their outstanding completers by
// slot index plus generation, so a stale reference into a reused slot
// is detected instead of silently addressing the wrong task. This
// breaks the cyclic ownership a direct pointer from a completer back to
// its task would otherwise create, without needing shared or weak
// references.
package registry

import "fmt"

// TaskRef identifies a task slot at a point in time. A TaskRef whose
// Generation no longer matches the slot's current generation refers to
// a task that has already been removed and the slot reused.
type TaskRef struct {
	Index      uint32
	Generation uint32
}

// CompleterRef identifies a completer slot the same way TaskRef
// identifies a task slot.
type CompleterRef struct {
	Index      uint32
	Generation uint32
}

// Encode packs a CompleterRef into a single uint64, the form it takes
// in a ring entry's UserData and in an overflow-queue record.
func (c CompleterRef) Encode() uint64 {
	return uint64(c.Index)<<32 | uint64(c.Generation)
}

// DecodeCompleterRef reverses Encode.
func DecodeCompleterRef(v uint64) CompleterRef {
	return CompleterRef{Index: uint32(v >> 32), Generation: uint32(v)}
}

func (t TaskRef) String() string {
	return fmt.Sprintf("task(%d,%d)", t.Index, t.Generation)
}

func (c CompleterRef) String() string {
	return fmt.Sprintf("completer(%d,%d)", c.Index, c.Generation)
}
