// Package cache implements the Cache (spec §4.5): the central in-memory
// coordinator holding the presence map, busy map, global LRU and dirty
// LRU, with fetch coalescing and cooperative suspension on contended
// slots.
package cache

import "fmt"

// FlagObject distinguishes an object-header slot from an ordinary record
// slot within the same Key space (spec §3: "FLAG_OBJECT distinguishes an
// object-header slot from a record slot").
const FlagObject uint8 = 1 << 0

// Key is the internal address of a cacheable node: (flag_bits, object_id,
// depth, offset) (spec §3).
type Key struct {
	Flags    uint8
	ObjectID uint64
	Depth    uint8
	Offset   uint64
}

// RecordKey builds the Key for a record node at the given depth/offset
// within object id's tree.
func RecordKey(objectID uint64, depth uint8, offset uint64) Key {
	return Key{ObjectID: objectID, Depth: depth, Offset: offset}
}

// ObjectKey builds the Key for object id's own header slot.
func ObjectKey(objectID uint64) Key {
	return Key{Flags: FlagObject, ObjectID: objectID}
}

// IsObject reports whether k addresses an object header rather than a
// record.
func (k Key) IsObject() bool { return k.Flags&FlagObject != 0 }

func (k Key) String() string {
	if k.IsObject() {
		return fmt.Sprintf("object(%d)", k.ObjectID)
	}

	return fmt.Sprintf("record(object=%d depth=%d offset=%d)", k.ObjectID, k.Depth, k.Offset)
}
