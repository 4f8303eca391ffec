// Package evict implements the eviction engine (spec §4.6): a single
// cooperative loop that keeps the cache's resident bytes near a target
// budget by dropping clean entries and handing dirty ones off to the
// background task set, honoring the parent-before-child ordering rule.
//
// Grounded on nros/src/cache/evict/mod.rs's evict_excess loop (pick the
// least-recently-used eligible key, push dirty flushes onto Background,
// park on a waker queue when nothing is eligible).
package evict

import (
	"context"

	"github.com/nros-go/objstore/pkg/objstore/bgtask"
	"github.com/nros-go/objstore/pkg/objstore/cache"
	"github.com/nros-go/objstore/pkg/objstore/tree"
)

// Flusher persists a single dirty node or object header. [pkg/objstore/txn]'s
// Manager implements it, so a record written out early under memory
// pressure and one written late at a transaction's own drain go through the
// identical encode/allocate/write/patch-parent path.
type Flusher interface {
	FlushNode(ctx context.Context, key cache.Key) error
	FlushHeader(ctx context.Context, objectID uint64) error
}

// scanWidth bounds how many LRU candidates a single Step inspects before
// concluding that nothing currently eligible exists.
const scanWidth = 64

// Engine is the cooperative eviction loop described above.
type Engine struct {
	cache *cache.Cache
	flush Flusher
	bg    *bgtask.Set

	maxRecordSize   uint32
	childrenPerNode int
	target          uint64
}

// New creates an Engine that keeps cache's resident bytes within
// maxRecordSize bytes of slack over target, persisting dirty nodes via
// flush on bg.
func New(c *cache.Cache, flush Flusher, bg *bgtask.Set, maxRecordSize uint32, target uint64) *Engine {
	return &Engine{
		cache:           c,
		flush:           flush,
		bg:              bg,
		maxRecordSize:   maxRecordSize,
		childrenPerNode: tree.ChildrenPerNode(maxRecordSize),
		target:          target,
	}
}

// overTarget reports whether the cache currently holds more than
// max_record_size of slack over target (spec §4.6 step 1).
func (e *Engine) overTarget() bool {
	return e.cache.MemoryUsed() > e.target+uint64(e.maxRecordSize)
}

// Step runs a single iteration of the loop: it evicts or schedules the
// flush of at most one key, reporting whether it found one to act on.
// Callers drive Run for the full cooperative loop; Step is exposed
// separately so tests can single-step it deterministically.
func (e *Engine) Step(ctx context.Context) (bool, error) {
	if !e.overTarget() {
		return false, nil
	}

	for _, key := range e.cache.EvictionCandidates(scanWidth) {
		acted, err := e.tryAct(ctx, key)
		if err != nil {
			return false, err
		}

		if acted {
			return true, nil
		}
	}

	return false, nil
}

// tryAct attempts to evict or flush key, honoring the ordering rule. It
// returns false, nil if key must be deferred to a later pass.
func (e *Engine) tryAct(ctx context.Context, key cache.Key) (bool, error) {
	if key.IsObject() {
		return e.evictObject(ctx, key.ObjectID)
	}

	if e.hasDirtyResidentChild(key) {
		// Ordering rule (spec §4.6): a parent may not be evicted while any
		// dirty child is still resident. Refresh its LRU position so the
		// scan makes progress over genuinely stale entries rather than
		// spinning on this one every pass.
		e.cache.Touch(key)
		return false, nil
	}

	_, dirty, ok := e.cache.Peek(key)
	if !ok {
		return false, nil
	}

	if !dirty {
		return e.cache.EvictEntry(key)
	}

	e.bg.Add(ctx, func(ctx context.Context) error {
		return e.flush.FlushNode(ctx, key)
	})

	return true, nil
}

// evictObject schedules a flush of objectID's header if it is dirty;
// otherwise it evicts every clean, unpinned resident entry belonging to
// the object (spec §4.6 step 2).
// Records that survive because they are still dirty or pinned are picked
// up on a later pass through the ordinary per-key path, once the header
// flush that rewrote the roots pointing at them has completed.
func (e *Engine) evictObject(ctx context.Context, objectID uint64) (bool, error) {
	key := cache.ObjectKey(objectID)

	_, dirty, ok := e.cache.Peek(key)
	if !ok {
		return false, nil
	}

	if dirty {
		e.bg.Add(ctx, func(ctx context.Context) error {
			return e.flush.FlushHeader(ctx, objectID)
		})

		return true, nil
	}

	if survivors := e.cache.EvictObject(objectID); len(survivors) > 0 {
		e.cache.Touch(key)
	}

	return true, nil
}

// hasDirtyResidentChild reports whether any of key's children (at
// key.Depth-1, spanning key's own capacity) are resident and dirty -- the
// ordering rule's precondition (spec §4.6, testable property 6).
func (e *Engine) hasDirtyResidentChild(key cache.Key) bool {
	if key.Depth == 0 {
		return false
	}

	childCap := tree.Capacity(key.Depth-1, e.maxRecordSize)

	for i := 0; i < e.childrenPerNode; i++ {
		childKey := cache.RecordKey(key.ObjectID, key.Depth-1, key.Offset+uint64(i)*childCap)

		if _, dirty, ok := e.cache.Peek(childKey); ok && dirty {
			return true
		}
	}

	return false
}

// Run drives Step in a loop until ctx is cancelled, parking on cache
// activity between passes that found nothing eligible to act on (spec
// §4.6 step 4).
func (e *Engine) Run(ctx context.Context) error {
	for {
		acted, err := e.Step(ctx)
		if err != nil {
			return err
		}

		if acted {
			continue
		}

		if err := e.cache.WaitForActivity(ctx); err != nil {
			return err
		}
	}
}
