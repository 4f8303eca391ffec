package record

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// authInput builds the byte sequence hashed into a record's auth tag:
// (object_id, depth, offset, payload), per spec §4.3 step 4.
func authInput(objectID uint64, depth uint8, offset uint64, payload []byte) []byte {
	buf := make([]byte, 17+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], objectID)
	buf[8] = depth
	binary.LittleEndian.PutUint64(buf[9:17], offset)
	copy(buf[17:], payload)

	return buf
}

// computeAuth hashes (objectID, depth, offset, payload) with xxh3-128 and
// returns it zero-padded into the 22-byte on-disk auth field.
func computeAuth(objectID uint64, depth uint8, offset uint64, payload []byte) [22]byte {
	var out [22]byte

	h := xxh3.Hash128(authInput(objectID, depth, offset, payload))
	binary.LittleEndian.PutUint64(out[0:8], h.Lo)
	binary.LittleEndian.PutUint64(out[8:16], h.Hi)
	// out[16:22] stays zero: xxh3-128 only needs 16 of the 22 auth bytes.

	return out
}

// verifyAuth reports whether payload's computed auth tag matches want.
func verifyAuth(objectID uint64, depth uint8, offset uint64, payload []byte, want [22]byte) bool {
	got := computeAuth(objectID, depth, offset, payload)

	return got == want
}
