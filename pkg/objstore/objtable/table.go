package objtable

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nros-go/objstore/pkg/objstore/errs"
)

// MaxObjectID is the largest permitted object id (spec §3: "a 56-bit id").
const MaxObjectID = 1<<56 - 1

// Table is the in-memory object table: object id -> Header. It is
// persisted as an ordinary object (spec §6) by [Encode]/[Decode];
// this package only owns the id space and the header bookkeeping, not the
// tree writes that actually persist it -- that is pkg/objstore/txn's job.
type Table struct {
	mu      sync.RWMutex
	headers map[uint64]Header
	freeIDs []uint64 // ids of destroyed objects, available for reuse
	nextID  uint64
}

// New creates an empty object table.
func New() *Table {
	return &Table{headers: make(map[uint64]Header)}
}

// NewFromHeaders rebuilds a Table from a persisted id->Header snapshot
// (spec §6: loading an existing store's object table at open time). The
// next fresh id starts above the highest id present; ids of destroyed
// objects are not reconstructed as reusable, since destruction does not
// record them anywhere durable -- a minor loss of id-space compaction
// across a reload, not a correctness issue.
func NewFromHeaders(headers map[uint64]Header) *Table {
	t := &Table{headers: make(map[uint64]Header, len(headers))}

	for id, h := range headers {
		t.headers[id] = h

		if id >= t.nextID {
			t.nextID = id + 1
		}
	}

	return t
}

// Create allocates a fresh object id with a null, zero-length header
// (spec §3 Lifecycle: "Objects are created with null roots and length 0").
func (t *Table) Create() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var id uint64

	if n := len(t.freeIDs); n > 0 {
		id = t.freeIDs[n-1]
		t.freeIDs = t.freeIDs[:n-1]
	} else {
		if t.nextID > MaxObjectID {
			return 0, fmt.Errorf("objtable: no object id available: %w", errs.OutOfSpace)
		}

		id = t.nextID
		t.nextID++
	}

	t.headers[id] = Header{ReferenceCount: 1}

	return id, nil
}

// Get returns the header for id, or errs.NotFound.
func (t *Table) Get(id uint64) (Header, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.headers[id]
	if !ok {
		return Header{}, fmt.Errorf("objtable: object %d: %w", id, errs.NotFound)
	}

	return h, nil
}

// Set replaces the header for id. The object must already exist.
func (t *Table) Set(id uint64, h Header) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.headers[id]; !ok {
		return fmt.Errorf("objtable: object %d: %w", id, errs.NotFound)
	}

	t.headers[id] = h

	return nil
}

// Destroy removes id from the table once its reference count has reached
// zero (spec §3 Lifecycle: "destroy on refcount reaching zero") and
// recycles its id. Callers are responsible for freeing the object's blocks
// via the allocator before calling Destroy.
func (t *Table) Destroy(id uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.headers[id]
	if !ok {
		return fmt.Errorf("objtable: object %d: %w", id, errs.NotFound)
	}

	if h.ReferenceCount != 0 {
		return fmt.Errorf("objtable: object %d still referenced (refcount %d)", id, h.ReferenceCount)
	}

	delete(t.headers, id)
	t.freeIDs = append(t.freeIDs, id)

	return nil
}

// IDs returns every live object id, sorted, for iteration (e.g. rebuild /
// block accounting).
func (t *Table) IDs() []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]uint64, 0, len(t.headers))
	for id := range t.headers {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Snapshot returns a defensive copy of the full id->Header map, for the
// transaction manager to encode at commit time.
func (t *Table) Snapshot() map[uint64]Header {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[uint64]Header, len(t.headers))
	for id, h := range t.headers {
		out[id] = h
	}

	return out
}
