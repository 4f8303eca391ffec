// Package alloc implements the Allocator (spec §4.2): tracking the free
// set of a device set's block address space, allocating and freeing block
// ranges, and keeping a per-transaction delta that can be rolled back on
// abort.
package alloc

import "fmt"

// Range is a half-open block range [Start, Start+Length).
type Range struct {
	Start  uint64
	Length uint64
}

// End returns Start + Length.
func (r Range) End() uint64 { return r.Start + r.Length }

// adjacent reports whether r immediately precedes other (r.End() ==
// other.Start), for coalescing.
func (r Range) adjacent(other Range) bool {
	return r.End() == other.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End())
}
