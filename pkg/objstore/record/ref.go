// Package record implements the Record codec (spec §4.3): compression,
// authentication/hashing, and the 32-byte RecordRef wire format (spec §6).
package record

import (
	"encoding/binary"
	"fmt"

	"github.com/nros-go/objstore/pkg/objstore/errs"
)

// Size is the fixed on-disk size of a RecordRef in bytes.
const Size = 32

// Codec identifies the compression algorithm a record was stored with.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecLz4  Codec = 1
)

// Cipher identifies the authentication scheme a record was stored with.
type Cipher uint8

const (
	// CipherNoneXxh3 provides integrity-only authentication (xxh3-128),
	// no confidentiality. It is the only cipher this module implements;
	// other tags are reserved (spec §6, §9 Open Question (b)).
	CipherNoneXxh3 Cipher = 0
)

// Ref is a 32-byte on-disk pointer to a record: a block address, the byte
// length of the packed payload, a codec/cipher tag, and a 22-byte
// authentication tag (spec §6: "block_offset:u48 | len:u24 | tag:u8 |
// auth:[u8;22]").
type Ref struct {
	BlockOffset uint64 // 48 bits significant
	Length      uint32 // 24 bits significant; length of the packed (compressed, unpadded) payload
	Codec       Codec
	Cipher      Cipher
	Auth        [22]byte
}

// Null is the canonical null RecordRef: zero length, addresses no blocks.
var Null = Ref{}

// IsNull reports whether r is the canonical null ref (spec §3: "A null
// RecordRef has length 0 and addresses no blocks").
func (r Ref) IsNull() bool {
	return r.Length == 0
}

// tag packs Codec (low nibble) and Cipher (high nibble) into the single
// on-disk tag byte. Both spaces are small (2 and 1 defined values today,
// room for 16 each), so a byte is ample and keeps Ref at exactly 32 bytes.
func (r Ref) tag() byte {
	return byte(r.Codec&0x0F) | byte(r.Cipher&0x0F)<<4
}

func untag(b byte) (Codec, Cipher) {
	return Codec(b & 0x0F), Cipher(b >> 4 & 0x0F)
}

// Encode writes r's 32-byte wire form into buf, which must be at least
// [Size] bytes. Encode never fails.
func (r Ref) Encode(buf []byte) {
	_ = buf[:Size] // bounds check hint

	var blockAndLen [8]byte
	binary.LittleEndian.PutUint64(blockAndLen[:], r.BlockOffset&0xFFFFFFFFFFFF)
	copy(buf[0:6], blockAndLen[:6])

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], r.Length&0x00FFFFFF)
	copy(buf[6:9], lenBuf[:3])

	buf[9] = r.tag()
	copy(buf[10:32], r.Auth[:])
}

// DecodeRef reads a [Size]-byte wire RecordRef from buf.
func DecodeRef(buf []byte) (Ref, error) {
	if len(buf) < Size {
		return Ref{}, fmt.Errorf("record: ref buffer too short (%d < %d): %w", len(buf), Size, errs.Corrupt)
	}

	var blockBuf [8]byte
	copy(blockBuf[:6], buf[0:6])
	blockOffset := binary.LittleEndian.Uint64(blockBuf[:])

	var lenBuf [4]byte
	copy(lenBuf[:3], buf[6:9])
	length := binary.LittleEndian.Uint32(lenBuf[:])

	codec, cipher := untag(buf[9])

	var ref Ref
	ref.BlockOffset = blockOffset
	ref.Length = length
	ref.Codec = codec
	ref.Cipher = cipher
	copy(ref.Auth[:], buf[10:32])

	return ref, nil
}

// Bytes returns r's 32-byte wire encoding as a new slice.
func (r Ref) Bytes() []byte {
	buf := make([]byte, Size)
	r.Encode(buf)

	return buf
}
