package tree

import (
	"fmt"

	"github.com/nros-go/objstore/pkg/objstore/errs"
	"github.com/nros-go/objstore/pkg/objstore/record"
)

// EncodeNode packs children into an internal node's on-disk byte form: a
// flat sequence of RecordRefs, padded with null refs up to childrenCount
// (spec §4.4: "internal nodes hold a packed sequence of child RecordRefs").
func EncodeNode(children []record.Ref, childrenCount int) []byte {
	buf := make([]byte, childrenCount*record.Size)

	for i := 0; i < len(children) && i < childrenCount; i++ {
		children[i].Encode(buf[i*record.Size : (i+1)*record.Size])
	}

	return buf
}

// DecodeNode unpacks an internal node's byte form into childrenCount
// RecordRefs.
func DecodeNode(buf []byte, childrenCount int) ([]record.Ref, error) {
	want := childrenCount * record.Size
	if len(buf) != want {
		return nil, fmt.Errorf("tree: internal node is %d bytes, want %d: %w", len(buf), want, errs.Corrupt)
	}

	out := make([]record.Ref, childrenCount)

	for i := 0; i < childrenCount; i++ {
		ref, err := record.DecodeRef(buf[i*record.Size : (i+1)*record.Size])
		if err != nil {
			return nil, fmt.Errorf("tree: decode child %d: %w", i, err)
		}

		out[i] = ref
	}

	return out, nil
}

// childRef extracts child index's ref from an already-decoded internal
// node buffer without allocating the full slice.
func childRef(buf []byte, index int) (record.Ref, error) {
	off := index * record.Size
	if off+record.Size > len(buf) {
		return record.Ref{}, fmt.Errorf("tree: child index %d out of range: %w", index, errs.Corrupt)
	}

	return record.DecodeRef(buf[off : off+record.Size])
}

// setChildRef patches child index's slot in a copy of an internal node
// buffer and returns the copy (cache slots are treated as immutable once
// installed).
func setChildRef(buf []byte, index int, ref record.Ref) []byte {
	out := make([]byte, len(buf))
	copy(out, buf)
	ref.Encode(out[index*record.Size : (index+1)*record.Size])

	return out
}
