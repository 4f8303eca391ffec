package objtable

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/nros-go/objstore/pkg/objstore/errs"
)

// entrySize is the encoded size of one (id, Header) pair: an 8-byte id
// followed by the HeaderSize-byte (152-byte) header.
const entrySize = 8 + HeaderSize

// Encode serializes every entry in the table as a flat sequence of
// (id:u64le, Header) pairs, sorted by id for a deterministic byte image
// (spec §6: "objects, allocator free-set, and object table are all stored
// as ordinary objects").
func Encode(entries map[uint64]Header) []byte {
	ids := make([]uint64, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	buf := make([]byte, 8+len(ids)*entrySize)
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(ids))) //nolint:gosec

	off := 8

	for _, id := range ids {
		binary.LittleEndian.PutUint64(buf[off:off+8], id)
		entries[id].Encode(buf[off+8 : off+entrySize])
		off += entrySize
	}

	return buf
}

// Decode inverts Encode, rebuilding the id->Header map.
func Decode(buf []byte) (map[uint64]Header, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("objtable: table buffer too short: %w", errs.Corrupt)
	}

	count := binary.LittleEndian.Uint64(buf[:8])

	want := 8 + count*entrySize
	if uint64(len(buf)) < want { //nolint:gosec
		return nil, fmt.Errorf("objtable: table buffer is %d bytes, want %d: %w", len(buf), want, errs.Corrupt)
	}

	out := make(map[uint64]Header, count)
	off := 8

	for i := uint64(0); i < count; i++ {
		id := binary.LittleEndian.Uint64(buf[off : off+8])

		h, err := DecodeHeader(buf[off+8 : off+entrySize])
		if err != nil {
			return nil, fmt.Errorf("objtable: decode entry %d: %w", i, err)
		}

		out[id] = h
		off += entrySize
	}

	return out, nil
}
