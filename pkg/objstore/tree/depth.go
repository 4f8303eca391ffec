// Package tree implements the tree engine (spec §4.4): mapping an
// object's byte offsets onto record-tree nodes, walking them lazily
// through the cache, and growing/shrinking the tree as an object's
// length changes.
//
// Grounded on nros/src/cache/tree/view.rs (a view over cache entries that
// descends by depth/offset) and nros/src/util.rs's get_record (slice
// bounds math for child indexing); the busy/fetch machinery it descends
// through is pkg/objstore/cache.
package tree

import (
	"fmt"

	"github.com/nros-go/objstore/pkg/objstore/errs"
	"github.com/nros-go/objstore/pkg/objstore/record"
)

// MaxLength mirrors objtable.MaxLength: lengths/offsets at or beyond 2^55
// are rejected (spec §4.4: "offset_to_tree ... fails with Unaddressable if
// beyond 2^55").
const MaxLength = 1 << 55

// ChildrenPerNode returns how many child RecordRefs fit in one internal
// node for the given max record size (spec §4.4: "Internal nodes hold
// max_record_size / size_of(RecordRef) children").
func ChildrenPerNode(maxRecordSize uint32) int {
	return int(maxRecordSize) / record.Size
}

// Capacity returns the number of bytes addressable by a subtree rooted at
// the given depth (depth 0 is a single leaf of maxRecordSize bytes).
func Capacity(depth uint8, maxRecordSize uint32) uint64 {
	cap64 := uint64(maxRecordSize)
	children := uint64(ChildrenPerNode(maxRecordSize)) //nolint:gosec

	for i := uint8(0); i < depth; i++ {
		if cap64 > MaxLength/children {
			return MaxLength // saturate; any further growth is Unaddressable anyway
		}

		cap64 *= children
	}

	return cap64
}

// DepthForLength returns the minimal root depth whose capacity covers
// length bytes.
func DepthForLength(length uint64, maxRecordSize uint32) (uint8, error) {
	if length > MaxLength {
		return 0, fmt.Errorf("tree: length %d exceeds addressable range: %w", length, errs.Unaddressable)
	}

	var depth uint8

	for Capacity(depth, maxRecordSize) < length {
		depth++

		if depth > 64 {
			return 0, fmt.Errorf("tree: length %d exceeds addressable range: %w", length, errs.Unaddressable)
		}
	}

	return depth, nil
}

// ChildIndex splits an offset relative to a depth-d subtree's start into
// the index of the depth-(d-1) child it falls in and the offset relative
// to that child's own start.
func ChildIndex(offset uint64, depth uint8, maxRecordSize uint32) (index int, childOffset uint64) {
	childCap := Capacity(depth-1, maxRecordSize)

	idx := offset / childCap //nolint:gosec

	return int(idx), offset % childCap //nolint:gosec
}

// CheckAddressable validates that offset is within the legal address
// range, returning Unaddressable otherwise.
func CheckAddressable(offset uint64) error {
	if offset >= MaxLength {
		return fmt.Errorf("tree: offset %d exceeds addressable range: %w", offset, errs.Unaddressable)
	}

	return nil
}
