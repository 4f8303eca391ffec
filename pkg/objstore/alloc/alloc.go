package alloc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nros-go/objstore/pkg/objstore/errs"
)

// Statistics reports the allocator's current view of the address space.
type Statistics struct {
	Total uint64 // total addressable blocks
	Used  uint64 // blocks not in the committed free set (includes this transaction's pending allocations)
}

// Allocator tracks the free set of a block address space with a best-fit
// policy (spec §4.2): the smallest free range that still fits the request,
// ties broken by lowest address for locality and deterministic tests.
//
// Allocator maintains the committed free set plus an in-memory
// transactional delta (blocks allocated and blocks freed since the last
// commit). Freed ranges are not merged back into the committed set until
// [Allocator.Commit], so a committed root never references a range that
// could be handed out again before the transaction that freed it is
// itself durable.
type Allocator struct {
	mu sync.Mutex

	total uint64
	free  []Range // sorted by Start, non-overlapping, non-adjacent (always coalesced)

	// delta since the last Commit.
	allocated    []Range // ranges removed from free this transaction (for Abort rollback)
	pendingFrees []Range // ranges to merge into free at Commit (spec §4.2: "enqueues...for release only after commit")
}

// New creates an allocator over an address space of the given total block
// count, entirely free.
func New(total uint64) *Allocator {
	a := &Allocator{total: total}
	if total > 0 {
		a.free = []Range{{Start: 0, Length: total}}
	}

	return a
}

// Load creates an allocator from a previously persisted free set (spec
// §4.2: "Committed free set: persisted as an object").
func Load(total uint64, free []Range) *Allocator {
	sorted := append([]Range(nil), free...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	return &Allocator{total: total, free: sorted}
}

// FreeRanges returns a snapshot of the committed free set, for persistence.
func (a *Allocator) FreeRanges() []Range {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]Range(nil), a.free...)
}

// Alloc reserves n contiguous blocks with best-fit placement: the smallest
// free range of length >= n, ties broken by lowest start address.
func (a *Allocator) Alloc(n uint64) (Range, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n == 0 {
		return Range{}, fmt.Errorf("alloc: cannot allocate zero blocks")
	}

	bestIdx := -1

	for i, r := range a.free {
		if r.Length < n {
			continue
		}

		if bestIdx == -1 {
			bestIdx = i

			continue
		}

		best := a.free[bestIdx]
		if r.Length < best.Length || (r.Length == best.Length && r.Start < best.Start) {
			bestIdx = i
		}
	}

	if bestIdx == -1 {
		return Range{}, fmt.Errorf("alloc: no free range of %d blocks: %w", n, errs.OutOfSpace)
	}

	chosen := a.free[bestIdx]
	result := Range{Start: chosen.Start, Length: n}

	if chosen.Length == n {
		a.free = append(a.free[:bestIdx], a.free[bestIdx+1:]...)
	} else {
		a.free[bestIdx] = Range{Start: chosen.Start + n, Length: chosen.Length - n}
	}

	a.allocated = append(a.allocated, result)

	return result, nil
}

// Free marks r as freed by the current transaction. It is idempotent
// within a transaction (freeing the same range twice is a no-op) and does
// not touch the committed free set until [Allocator.Commit].
func (a *Allocator) Free(r Range) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.pendingFrees {
		if p == r {
			return
		}
	}

	a.pendingFrees = append(a.pendingFrees, r)
}

// Commit merges this transaction's pending frees into the committed free
// set, coalescing adjacent ranges, and clears the delta.
func (a *Allocator) Commit() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.pendingFrees {
		a.insertFreeLocked(r)
	}

	a.allocated = nil
	a.pendingFrees = nil
}

// Abort reverts this transaction's allocations to the committed free set
// and discards pending frees, per spec §4.2's transactional-delta model.
func (a *Allocator) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.allocated {
		a.insertFreeLocked(r)
	}

	a.allocated = nil
	a.pendingFrees = nil
}

// insertFreeLocked inserts r into the sorted free list, coalescing with
// any adjacent neighbours. Callers must hold a.mu.
func (a *Allocator) insertFreeLocked(r Range) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].Start >= r.Start })

	merged := r

	// Coalesce with the preceding range if adjacent.
	if i > 0 && a.free[i-1].adjacent(merged) {
		merged = Range{Start: a.free[i-1].Start, Length: a.free[i-1].Length + merged.Length}
		i--
		a.free = append(a.free[:i], a.free[i+1:]...)
	}

	// Coalesce with the following range if adjacent.
	if i < len(a.free) && merged.adjacent(a.free[i]) {
		merged = Range{Start: merged.Start, Length: merged.Length + a.free[i].Length}
		a.free = append(a.free[:i], a.free[i+1:]...)
	}

	a.free = append(a.free, Range{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = merged
}

// Statistics reports total and used block counts. Used accounts for blocks
// removed from the free set by Alloc even before the transaction commits,
// matching spec testable property 4 (block accounting).
func (a *Allocator) Statistics() Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()

	var free uint64
	for _, r := range a.free {
		free += r.Length
	}

	return Statistics{Total: a.total, Used: a.total - free}
}
