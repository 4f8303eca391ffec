package alloc

import (
	"encoding/binary"
	"fmt"

	"github.com/nros-go/objstore/pkg/objstore/errs"
)

// rangeSize is the encoded size of one Range: two 8-byte fields.
const rangeSize = 16

// EncodeFreeSet serializes a committed free set as a flat sequence of
// (start:u64le, length:u64le) pairs, for persistence as the allocator's
// root record (spec §6: "allocator free-set ... stored as an ordinary
// object"). Ranges must already be sorted and coalesced, as
// [Allocator.FreeRanges] returns them.
func EncodeFreeSet(ranges []Range) []byte {
	buf := make([]byte, 8+len(ranges)*rangeSize)
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(ranges))) //nolint:gosec

	off := 8

	for _, r := range ranges {
		binary.LittleEndian.PutUint64(buf[off:off+8], r.Start)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], r.Length)
		off += rangeSize
	}

	return buf
}

// DecodeFreeSet inverts EncodeFreeSet.
func DecodeFreeSet(buf []byte) ([]Range, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("alloc: free-set buffer too short: %w", errs.Corrupt)
	}

	count := binary.LittleEndian.Uint64(buf[:8])

	want := 8 + count*rangeSize
	if uint64(len(buf)) < want { //nolint:gosec
		return nil, fmt.Errorf("alloc: free-set buffer is %d bytes, want %d: %w", len(buf), want, errs.Corrupt)
	}

	out := make([]Range, count)
	off := 8

	for i := uint64(0); i < count; i++ {
		out[i] = Range{
			Start:  binary.LittleEndian.Uint64(buf[off : off+8]),
			Length: binary.LittleEndian.Uint64(buf[off+8 : off+16]),
		}
		off += rangeSize
	}

	return out, nil
}
