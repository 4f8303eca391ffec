// Package objtable implements the object table (spec §4.5, §6): the
// per-object header (four root RecordRefs, total length, block count,
// reference count) and the table mapping object ids to headers, itself
// persisted as an ordinary object referenced from the superblock.
package objtable

import (
	"encoding/binary"
	"fmt"

	"github.com/nros-go/objstore/pkg/objstore/errs"
	"github.com/nros-go/objstore/pkg/objstore/record"
)

// NumRoots is the number of independent record-tree roots an object has
// (spec §3: "up to four independent record trees for meta+data").
const NumRoots = 4

// HeaderSize is the fixed on-disk size of an object header: four 32-byte
// RecordRefs (128 bytes) plus three 8-byte counters, 152 bytes in all.
const HeaderSize = NumRoots*record.Size + 3*8

// MaxLength is the largest permitted object length (spec §3: "lengths >=
// 2^55 are rejected").
const MaxLength = 1 << 55

// Header is the persisted per-object header.
type Header struct {
	Roots          [NumRoots]record.Ref
	TotalLength    uint64
	BlockCount     uint64
	ReferenceCount uint64
}

// Encode writes h's HeaderSize-byte wire form into buf.
func (h Header) Encode(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("objtable: header buffer too short (%d < %d)", len(buf), HeaderSize)
	}

	off := 0
	for _, r := range h.Roots {
		r.Encode(buf[off : off+record.Size])
		off += record.Size
	}

	binary.LittleEndian.PutUint64(buf[off:], h.TotalLength)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.BlockCount)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.ReferenceCount)

	return nil
}

// DecodeHeader reads a HeaderSize-byte wire header from buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("objtable: header buffer too short (%d < %d): %w", len(buf), HeaderSize, errs.Corrupt)
	}

	var h Header

	off := 0

	for i := range h.Roots {
		ref, err := record.DecodeRef(buf[off : off+record.Size])
		if err != nil {
			return Header{}, fmt.Errorf("objtable: decode root %d: %w", i, err)
		}

		h.Roots[i] = ref
		off += record.Size
	}

	h.TotalLength = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.BlockCount = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.ReferenceCount = binary.LittleEndian.Uint64(buf[off:])

	return h, nil
}

// Bytes returns h's HeaderSize-byte wire encoding as a new slice.
func (h Header) Bytes() []byte {
	buf := make([]byte, HeaderSize)
	_ = h.Encode(buf)

	return buf
}

// Live reports whether the object is reachable (spec §3:
// "reference_count == 0 implies the object is unreachable").
func (h Header) Live() bool { return h.ReferenceCount > 0 }
