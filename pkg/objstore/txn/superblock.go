// Package txn implements the transaction manager (spec §4.7): draining
// the dirty LRU bottom-up, persisting the object table and allocator
// free-set, fencing the device set, and writing the double-buffered
// superblock with a monotonically increasing generation.
//
// Grounded on internal/store/tx.go's Tx (buffered ops, Begin/Commit/
// Rollback, WAL-then-apply-then-truncate sequencing), generalized from a
// JSONL WAL over ticket files to a record-tree flush over blocks, and on
// wal.go's footer-checksum pattern for the superblock's generation + auth
// tag.
package txn

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"

	"github.com/nros-go/objstore/pkg/objstore/errs"
	"github.com/nros-go/objstore/pkg/objstore/record"
)

// SuperblockSize is the fixed on-disk size of one superblock copy (spec
// §6: "256 bytes").
const SuperblockSize = 256

// authOffset is where the authentication tag begins within the encoded
// superblock; everything before it is covered by the tag.
const authOffset = 4 + 2 + 1 + 1 + 1 + 64 + record.Size + record.Size + 8

// Superblock is the store's root metadata, written to block 0 and block
// N-1 in alternation (spec §6).
type Superblock struct {
	Magic          uint32
	Version        uint16
	BlockSizeLog2  uint8
	MaxRecSizeLog2 uint8
	Cipher         uint8
	KeyDeriver     [64]byte
	ObjectTableRef record.Ref
	AllocatorRef   record.Ref
	Generation     uint64
}

// Encode writes sb's 256-byte wire form, computing the authentication tag
// over everything preceding it.
func (sb Superblock) Encode() []byte {
	buf := make([]byte, SuperblockSize)

	off := 0
	binary.LittleEndian.PutUint32(buf[off:], sb.Magic)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], sb.Version)
	off += 2
	buf[off] = sb.BlockSizeLog2
	off++
	buf[off] = sb.MaxRecSizeLog2
	off++
	buf[off] = sb.Cipher
	off++
	copy(buf[off:off+64], sb.KeyDeriver[:])
	off += 64
	sb.ObjectTableRef.Encode(buf[off : off+record.Size])
	off += record.Size
	sb.AllocatorRef.Encode(buf[off : off+record.Size])
	off += record.Size
	binary.LittleEndian.PutUint64(buf[off:], sb.Generation)
	off += 8

	if off != authOffset {
		panic("txn: superblock authOffset constant is out of sync with Encode")
	}

	tag := xxh3.Hash128(buf[:authOffset])
	binary.LittleEndian.PutUint64(buf[authOffset:authOffset+8], tag.Lo)
	binary.LittleEndian.PutUint64(buf[authOffset+8:authOffset+16], tag.Hi)
	// remaining 6 bytes of the 22-byte tag field, and everything after it,
	// stay zero (reserved).

	return buf
}

// DecodeSuperblock decodes and verifies one superblock copy, failing with
// errs.Integrity if the authentication tag does not match.
func DecodeSuperblock(buf []byte) (Superblock, error) {
	if len(buf) < SuperblockSize {
		return Superblock{}, fmt.Errorf("txn: superblock buffer too short: %w", errs.Corrupt)
	}

	var sb Superblock

	off := 0
	sb.Magic = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	sb.Version = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	sb.BlockSizeLog2 = buf[off]
	off++
	sb.MaxRecSizeLog2 = buf[off]
	off++
	sb.Cipher = buf[off]
	off++
	copy(sb.KeyDeriver[:], buf[off:off+64])
	off += 64

	ref, err := record.DecodeRef(buf[off : off+record.Size])
	if err != nil {
		return Superblock{}, fmt.Errorf("txn: decode object table ref: %w", err)
	}

	sb.ObjectTableRef = ref
	off += record.Size

	ref, err = record.DecodeRef(buf[off : off+record.Size])
	if err != nil {
		return Superblock{}, fmt.Errorf("txn: decode allocator ref: %w", err)
	}

	sb.AllocatorRef = ref
	off += record.Size

	sb.Generation = binary.LittleEndian.Uint64(buf[off:])
	off += 8

	wantLo := binary.LittleEndian.Uint64(buf[authOffset : authOffset+8])
	wantHi := binary.LittleEndian.Uint64(buf[authOffset+8 : authOffset+16])

	got := xxh3.Hash128(buf[:authOffset])
	if got.Lo != wantLo || got.Hi != wantHi {
		return Superblock{}, fmt.Errorf("txn: superblock authentication mismatch: %w", errs.Integrity)
	}

	return sb, nil
}
