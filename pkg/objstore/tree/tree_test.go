package tree

import (
	"context"
	"sync"
	"testing"

	"github.com/nros-go/objstore/pkg/objstore/cache"
	"github.com/nros-go/objstore/pkg/objstore/objtable"
	"github.com/nros-go/objstore/pkg/objstore/record"
)

// fakeBackend is an in-memory stand-in for the device/object-table wiring
// a real Store provides, keyed loosely by (depth, offset) rather than by
// RecordRef identity -- enough to exercise cold-load and free bookkeeping
// without a real device.
type fakeBackend struct {
	mu        sync.Mutex
	headers   map[uint64]objtable.Header
	nodeBytes map[[2]uint64][]byte
	freed     []record.Ref
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		headers:   make(map[uint64]objtable.Header),
		nodeBytes: make(map[[2]uint64][]byte),
	}
}

func (f *fakeBackend) LoadHeader(_ context.Context, objectID uint64) (objtable.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.headers[objectID], nil
}

func (f *fakeBackend) ReadNode(_ context.Context, _ uint64, depth uint8, offset uint64, _ record.Ref) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]byte(nil), f.nodeBytes[[2]uint64{uint64(depth), offset}]...), nil
}

func (f *fakeBackend) Free(ref record.Ref) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.freed = append(f.freed, ref)
}

func newTestTree(backend *fakeBackend, objectID uint64, maxRecordSize uint32) *Tree {
	c := cache.New(0)
	return New(c, backend, backend, backend, objectID, 0, maxRecordSize)
}

func Test_Write_Read_RoundTrip_SingleLeaf(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	tr := newTestTree(backend, 1, 64)

	data := []byte("hello, object store")
	if err := tr.Write(t.Context(), 0, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	length, err := tr.Length(t.Context())
	if err != nil {
		t.Fatalf("length: %v", err)
	}

	if length != uint64(len(data)) {
		t.Fatalf("expected length %d, got %d", len(data), length)
	}

	got := make([]byte, len(data))
	if _, err := tr.Read(t.Context(), 0, got); err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(got) != string(data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func Test_Read_BeyondLength_ReturnsZero(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	tr := newTestTree(backend, 1, 64)

	if err := tr.Write(t.Context(), 0, []byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 10)
	if _, err := tr.Read(t.Context(), 3, buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d: expected zero, got %d", i, b)
		}
	}
}

func Test_Write_GrowsAcrossMultipleLeaves_PromotingRoot(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	// maxRecordSize=64, record.Size=32 -> 2 children per node, so 200 bytes
	// needs depth 2 (capacity 64, 128, 256).
	tr := newTestTree(backend, 1, 64)

	data := make([]byte, 200)
	for i := range data {
		data[i] = byte(i)
	}

	if err := tr.Write(t.Context(), 0, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, 200)
	if _, err := tr.Read(t.Context(), 0, got); err != nil {
		t.Fatalf("read: %v", err)
	}

	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d: got %d, want %d", i, got[i], data[i])
		}
	}

	length, err := tr.Length(t.Context())
	if err != nil {
		t.Fatalf("length: %v", err)
	}

	if length != 200 {
		t.Fatalf("expected length 200, got %d", length)
	}
}

func Test_Write_PartialOverwrite_PreservesSurroundingBytes(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	tr := newTestTree(backend, 1, 64)

	if err := tr.Write(t.Context(), 0, []byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := tr.Write(t.Context(), 3, []byte("XYZ")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, 10)
	if _, err := tr.Read(t.Context(), 0, got); err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(got) != "012XYZ6789" {
		t.Fatalf("got %q", got)
	}
}

func Test_Resize_Shrink_DemotesRootAndFreesDroppedSubtree(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()

	leaf0 := record.Ref{BlockOffset: 10, Length: 1}
	leaf1 := record.Ref{BlockOffset: 20, Length: 1}
	rootRef := record.Ref{BlockOffset: 999, Length: 1}

	backend.headers[1] = objtable.Header{
		Roots:       [4]record.Ref{rootRef},
		TotalLength: 128,
	}
	backend.nodeBytes[[2]uint64{1, 0}] = EncodeNode([]record.Ref{leaf0, leaf1}, 2)

	tr := newTestTree(backend, 1, 64)

	if err := tr.Resize(t.Context(), 64); err != nil {
		t.Fatalf("resize: %v", err)
	}

	length, err := tr.Length(t.Context())
	if err != nil {
		t.Fatalf("length: %v", err)
	}

	if length != 64 {
		t.Fatalf("expected length 64, got %d", length)
	}

	if len(backend.freed) != 2 {
		t.Fatalf("expected 2 freed refs (dropped leaf + discarded wrapper), got %d: %v", len(backend.freed), backend.freed)
	}

	foundLeaf1, foundWrapper := false, false

	for _, r := range backend.freed {
		switch r.BlockOffset {
		case leaf1.BlockOffset:
			foundLeaf1 = true
		case rootRef.BlockOffset:
			foundWrapper = true
		}
	}

	if !foundLeaf1 || !foundWrapper {
		t.Fatalf("expected both the dropped leaf and the discarded wrapper to be freed, got %v", backend.freed)
	}
}

func Test_Resize_ShrinkToZero_FreesEverything(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	tr := newTestTree(backend, 1, 64)

	if err := tr.Write(t.Context(), 0, make([]byte, 200)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := tr.Resize(t.Context(), 0); err != nil {
		t.Fatalf("resize: %v", err)
	}

	length, err := tr.Length(t.Context())
	if err != nil {
		t.Fatalf("length: %v", err)
	}

	if length != 0 {
		t.Fatalf("expected length 0, got %d", length)
	}
}

func Test_Resize_Grow_NullExtends(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	tr := newTestTree(backend, 1, 64)

	if err := tr.Write(t.Context(), 0, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := tr.Resize(t.Context(), 100); err != nil {
		t.Fatalf("resize: %v", err)
	}

	got := make([]byte, 100)
	if _, err := tr.Read(t.Context(), 0, got); err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(got[:2]) != "hi" {
		t.Fatalf("expected original bytes preserved, got %q", got[:2])
	}

	for i := 2; i < len(got); i++ {
		if got[i] != 0 {
			t.Fatalf("byte %d: expected null-extended zero, got %d", i, got[i])
		}
	}
}
