package record

import (
	"fmt"

	"github.com/nros-go/objstore/pkg/objstore/errs"
)

// Key identifies the node an Integrity error occurred at, for
// errs.IntegrityError.Key.
type Key struct {
	ObjectID uint64
	Depth    uint8
	Offset   uint64
}

func (k Key) String() string {
	return fmt.Sprintf("object=%d depth=%d offset=%d", k.ObjectID, k.Depth, k.Offset)
}

// NewIntegrityError builds an errs.Integrity-wrapping error identifying the
// record that failed verification.
func NewIntegrityError(objectID uint64, depth uint8, offset uint64) error {
	return errs.NewIntegrity(Key{ObjectID: objectID, Depth: depth, Offset: offset}, errs.Integrity)
}

// MaxSize is the largest permitted max_record_size (spec §3): 2^24 bytes.
const MaxSize = 1 << 24

// Packed is the result of encoding a record payload: the bytes to write to
// the device (already padded to a block-size multiple by the caller, who
// knows the block size) and the Ref fields that describe them.
type Packed struct {
	Payload []byte // compressed, UNPADDED bytes; pad to block size before writing
	Codec   Codec
	Auth    [22]byte
	RawLen  int // length of the original, uncompressed payload (decode hint)
}

// Encode compresses and authenticates payload for storage as the record at
// (objectID, depth, offset). An empty payload always yields the canonical
// null encoding (spec §4.3 step 4: "empty payload yields the canonical
// null ref"); callers should check Packed.Payload for emptiness and use
// [Null] directly rather than allocating blocks for it.
func Encode(objectID uint64, depth uint8, offset uint64, payload []byte, codec Codec) (Packed, error) {
	if len(payload) == 0 {
		return Packed{Codec: CodecNone}, nil
	}

	packed, usedCodec, err := compress(codec, payload)
	if err != nil {
		return Packed{}, fmt.Errorf("record: encode: %w", err)
	}

	auth := computeAuth(objectID, depth, offset, packed)

	return Packed{Payload: packed, Codec: usedCodec, Auth: auth, RawLen: len(payload)}, nil
}

// ToRef builds the Ref for a Packed payload once its blocks have been
// allocated and written at blockOffset.
func (p Packed) ToRef(blockOffset uint64) Ref {
	if len(p.Payload) == 0 {
		return Null
	}

	return Ref{
		BlockOffset: blockOffset,
		Length:      uint32(len(p.Payload)), //nolint:gosec // bounded by MaxSize
		Codec:       p.Codec,
		Cipher:      CipherNoneXxh3,
		Auth:        p.Auth,
	}
}

// DecodePayload verifies and decompresses a record read from the device.
// deviceBytes must contain at least ref.Length bytes (callers read whole
// blocks and slice down to this). Returns errs.Integrity if the auth tag
// does not match, errs.Corrupt if decompression fails.
func DecodePayload(objectID uint64, depth uint8, offset uint64, ref Ref, deviceBytes []byte) ([]byte, error) {
	if ref.IsNull() {
		return nil, nil
	}

	if uint32(len(deviceBytes)) < ref.Length { //nolint:gosec
		return nil, fmt.Errorf("record: decode: got %d bytes, want at least %d", len(deviceBytes), ref.Length)
	}

	packed := deviceBytes[:ref.Length]

	if ref.Cipher != CipherNoneXxh3 {
		return nil, fmt.Errorf("record: unsupported cipher tag %d: %w", ref.Cipher, errs.Corrupt)
	}

	if !verifyAuth(objectID, depth, offset, packed, ref.Auth) {
		return nil, NewIntegrityError(objectID, depth, offset)
	}

	return decompress(ref.Codec, packed, 0)
}
