package record

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/nros-go/objstore/pkg/objstore/errs"
)

// compress compresses src with codec, returning the packed payload and the
// codec actually used. Per spec §4.3 step 2, if compression doesn't shrink
// the payload the raw bytes are stored instead and the returned codec is
// CodecNone regardless of what was requested -- the wire tag always
// reflects what is actually on disk.
func compress(codec Codec, src []byte) ([]byte, Codec, error) {
	switch codec {
	case CodecNone:
		return src, CodecNone, nil

	case CodecLz4:
		var buf bytes.Buffer

		w := lz4.NewWriter(&buf)

		_, err := w.Write(src)
		if err != nil {
			return nil, 0, fmt.Errorf("record: lz4 compress: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, 0, fmt.Errorf("record: lz4 compress close: %w", err)
		}

		if buf.Len() >= len(src) {
			return src, CodecNone, nil
		}

		return buf.Bytes(), CodecLz4, nil

	default:
		return nil, 0, fmt.Errorf("record: unknown codec %d: %w", codec, errs.Corrupt)
	}
}

// decompress inverts compress. A failure here is always errs.Corrupt, never
// errs.Integrity: the auth tag is checked first and separately.
func decompress(codec Codec, packed []byte, rawLenHint int) ([]byte, error) {
	switch codec {
	case CodecNone:
		out := make([]byte, len(packed))
		copy(out, packed)

		return out, nil

	case CodecLz4:
		r := lz4.NewReader(bytes.NewReader(packed))

		out := make([]byte, 0, rawLenHint)

		buf := make([]byte, 4096)

		for {
			n, err := r.Read(buf)
			if n > 0 {
				out = append(out, buf[:n]...)
			}

			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}

				return nil, fmt.Errorf("record: lz4 decompress: %w: %w", err, errs.Corrupt)
			}

			if n == 0 {
				break
			}
		}

		return out, nil

	default:
		return nil, fmt.Errorf("record: unknown codec %d: %w", codec, errs.Corrupt)
	}
}
