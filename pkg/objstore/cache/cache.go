package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/nros-go/objstore/pkg/objstore/errs"
)

// Loader fetches the bytes backing key from whatever backs a cache miss
// (the device, via a RecordRef the caller already holds). It is supplied
// per-call rather than stored, since the Cache itself has no notion of
// where a key's bytes come from -- that mapping lives one layer up, in the
// tree engine (spec §4.4 calls into §4.5).
type Loader func(ctx context.Context) ([]byte, error)

type slot struct {
	data     []byte
	dirty    bool
	pinCount int

	lruElem      *list.Element // element in c.lru, keyed by Key
	dirtyLruElem *list.Element // element in c.dirtyLru, nil if not dirty
}

func (s *slot) size() uint64 { return uint64(len(s.data)) } //nolint:gosec

// Cache is the central coordinator described in spec §4.5: a presence map
// of resident slots, a busy map for in-flight fetches, a global LRU for
// eviction order, and a separate dirty LRU so the transaction manager can
// drain writers bottom-up.
//
// Grounded on nros/src/cache/mod.rs's Cache (presence map + LRU + dirty
// counters) and nros/src/cache/busy.rs's Busy coalescing; the arena-based
// doubly linked list the Rust original uses to dodge Rc cycles is replaced
// with the stdlib container/list, since Go's GC removes the cyclic
// reference problem the arena exists to solve.
type Cache struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots map[Key]*slot
	busy  map[Key]*busyEntry

	lru      *list.List // front = most recently used
	dirtyLru *list.List // front = oldest dirty (flush order)

	memoryUsed   uint64
	memoryBudget uint64
}

// New creates a Cache with the given soft memory budget in bytes. A
// budget of 0 means unbounded (Reserve never blocks).
func New(memoryBudget uint64) *Cache {
	c := &Cache{
		slots:        make(map[Key]*slot),
		busy:         make(map[Key]*busyEntry),
		lru:          list.New(),
		dirtyLru:     list.New(),
		memoryBudget: memoryBudget,
	}
	c.cond = sync.NewCond(&c.mu)

	return c
}

// Entry is a pinned handle to a resident slot's bytes. Callers must call
// Release when done; while any Entry for a key is held, the eviction
// engine will not evict that key (spec §4.6: "the eviction engine never
// evicts an entry currently pinned by a live reference").
type Entry struct {
	c    *Cache
	key  Key
	Data []byte
}

// Release unpins the entry, making it eligible for eviction again.
func (e *Entry) Release() {
	e.c.unpin(e.key)
}

func (c *Cache) unpin(key Key) {
	c.mu.Lock()

	if s, ok := c.slots[key]; ok && s.pinCount > 0 {
		s.pinCount--
	}

	c.mu.Unlock()
	c.cond.Broadcast()
}

// Fetch returns the resident entry for key, loading it via load on a miss.
// Concurrent Fetch calls for the same key coalesce onto one load.
func (c *Cache) Fetch(ctx context.Context, key Key, load Loader) (*Entry, error) {
	for {
		c.mu.Lock()

		if s, ok := c.slots[key]; ok {
			s.pinCount++
			c.lru.MoveToFront(s.lruElem)
			data := s.data
			c.mu.Unlock()

			return &Entry{c: c, key: key, Data: data}, nil
		}

		if b, ok := c.busy[key]; ok {
			c.mu.Unlock()

			select {
			case <-b.done:
				if b.err != nil {
					return nil, b.err
				}

				continue
			case <-ctx.Done():
				return nil, fmt.Errorf("cache: fetch %s: %w", key, errs.Cancelled)
			}
		}

		b := newBusyEntry()
		c.busy[key] = b
		c.mu.Unlock()

		data, err := load(ctx)

		c.mu.Lock()
		delete(c.busy, key)

		if err != nil {
			c.mu.Unlock()
			b.finish(err)

			return nil, err
		}

		s := &slot{data: data, pinCount: 1}
		s.lruElem = c.lru.PushFront(key)
		c.slots[key] = s
		c.memoryUsed += s.size()
		c.mu.Unlock()

		b.finish(nil)

		return &Entry{c: c, key: key, Data: data}, nil
	}
}

// GetMut fetches key (loading on a miss, as Fetch does) and marks the slot
// dirty with the replacement bytes, inserting it into the dirty LRU if it
// was not already dirty (spec §4.5: "a mutable fetch marks the slot dirty
// and moves it to the tail of the dirty LRU"). Ancestor dirtying is the
// caller's (tree engine's) responsibility -- it already knows the path it
// walked to reach key.
func (c *Cache) GetMut(ctx context.Context, key Key, newData []byte, load Loader) (*Entry, error) {
	e, err := c.Fetch(ctx, key, load)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()

	s := c.slots[key]
	c.memoryUsed -= s.size()
	s.data = newData
	c.memoryUsed += s.size()
	e.Data = newData

	if !s.dirty {
		s.dirty = true
		s.dirtyLruElem = c.dirtyLru.PushBack(key)
	}

	c.mu.Unlock()
	c.cond.Broadcast()

	return e, nil
}

// MarkDirty marks an already-resident slot dirty without replacing its
// bytes, for propagating dirtiness up an ancestor chain after a leaf
// mutation (spec §4.4: "every ancestor up to the root is marked dirty").
func (c *Cache) MarkDirty(key Key) error {
	c.mu.Lock()

	s, ok := c.slots[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("cache: mark dirty %s: not resident", key)
	}

	if !s.dirty {
		s.dirty = true
		s.dirtyLruElem = c.dirtyLru.PushBack(key)
	}

	c.mu.Unlock()
	c.cond.Broadcast()

	return nil
}

// Install inserts data for key directly, bypassing Fetch/load, for the
// initial materialization of a freshly created node (spec §4.4: "a newly
// allocated leaf or internal node is installed resident and dirty without
// a device round trip"). The slot starts pinned once, matching Fetch/GetMut.
func (c *Cache) Install(key Key, data []byte, dirty bool) *Entry {
	c.mu.Lock()

	s, ok := c.slots[key]
	if !ok {
		s = &slot{}
		s.lruElem = c.lru.PushFront(key)
		c.slots[key] = s
	} else {
		c.memoryUsed -= s.size()
		c.lru.MoveToFront(s.lruElem)
	}

	s.data = data
	s.pinCount++
	c.memoryUsed += s.size()

	if dirty && !s.dirty {
		s.dirty = true
		s.dirtyLruElem = c.dirtyLru.PushBack(key)
	}

	c.mu.Unlock()
	c.cond.Broadcast()

	return &Entry{c: c, key: key, Data: data}
}

// Peek returns a key's resident bytes without pinning or affecting LRU
// order, for read-only inspection (e.g. the eviction engine deciding what
// to flush). ok is false if the key is not resident.
func (c *Cache) Peek(key Key) (data []byte, dirty bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, present := c.slots[key]
	if !present {
		return nil, false, false
	}

	return s.data, s.dirty, true
}

// ClearDirty marks a slot clean after its bytes have been durably written,
// removing it from the dirty LRU (spec §4.7: "once a dirty node's parent
// pointer has been rewritten with its fresh block address, the node is
// marked clean").
func (c *Cache) ClearDirty(key Key) {
	c.mu.Lock()

	s, ok := c.slots[key]
	if !ok || !s.dirty {
		c.mu.Unlock()
		return
	}

	s.dirty = false
	c.dirtyLru.Remove(s.dirtyLruElem)
	s.dirtyLruElem = nil

	c.mu.Unlock()
	c.cond.Broadcast()
}

// OldestDirty returns the key at the front of the dirty LRU (the oldest
// dirty node, i.e. the one closest to a leaf if callers insert
// bottom-up), and whether the dirty LRU is non-empty.
func (c *Cache) OldestDirty() (Key, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.dirtyLru.Front()
	if e == nil {
		return Key{}, false
	}

	return e.Value.(Key), true //nolint:forcetypeassert
}

// DirtyCount reports how many slots are currently dirty.
func (c *Cache) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dirtyLru.Len()
}

// EvictEntry drops a single non-pinned, non-dirty entry from the cache,
// reporting whether it actually evicted anything (spec §4.6: "an entry is
// eviction-eligible only once it is clean and unpinned").
func (c *Cache) EvictEntry(key Key) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[key]
	if !ok {
		return false, nil
	}

	if s.pinCount > 0 {
		return false, fmt.Errorf("cache: evict %s: entry is pinned", key)
	}

	if s.dirty {
		return false, fmt.Errorf("cache: evict %s: entry is dirty", key)
	}

	c.lru.Remove(s.lruElem)
	delete(c.slots, key)
	c.memoryUsed -= s.size()

	c.cond.Broadcast()

	return true, nil
}

// EvictObject drops every resident, clean, unpinned entry belonging to
// objectID (spec §4.6: "destroying an object evicts its entire resident
// subtree"). It returns the keys that were still dirty or pinned and
// therefore survived, so the caller can flush or wait on them first.
func (c *Cache) EvictObject(objectID uint64) (survivors []Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, s := range c.slots {
		if key.ObjectID != objectID {
			continue
		}

		if s.pinCount > 0 || s.dirty {
			survivors = append(survivors, key)
			continue
		}

		c.lru.Remove(s.lruElem)
		delete(c.slots, key)
		c.memoryUsed -= s.size()
	}

	c.cond.Broadcast()

	return survivors
}

// LRUVictims returns up to n keys from the tail of the global LRU that are
// currently eviction-eligible (clean and unpinned), for the eviction
// engine to drive [Cache.EvictEntry] over.
func (c *Cache) LRUVictims(n int) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Key, 0, n)

	for e := c.lru.Back(); e != nil && len(out) < n; e = e.Prev() {
		key := e.Value.(Key) //nolint:forcetypeassert

		s := c.slots[key]
		if s.pinCount == 0 && !s.dirty {
			out = append(out, key)
		}
	}

	return out
}

// EvictionCandidates returns up to n keys from the tail of the global LRU
// (least-recently-used first) that are not currently pinned, for the
// eviction engine to scan (spec §4.6 step 1: "picks the least-recently-used
// key..."). A pinned entry is never eligible, dirty or not, so unlike
// [Cache.LRUVictims] this does not also require a candidate to be clean --
// the eviction engine itself decides what a dirty candidate needs (a
// background flush rather than a drop).
func (c *Cache) EvictionCandidates(n int) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Key, 0, n)

	for e := c.lru.Back(); e != nil && len(out) < n; e = e.Prev() {
		key := e.Value.(Key) //nolint:forcetypeassert

		if s := c.slots[key]; s.pinCount == 0 {
			out = append(out, key)
		}
	}

	return out
}

// Touch moves key to the front of the global LRU without otherwise changing
// it, for the eviction engine to defer a parent whose dirty child is still
// resident (spec §4.6: "eviction of a parent is deferred ... and its LRU
// position refreshed").
func (c *Cache) Touch(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.slots[key]; ok {
		c.lru.MoveToFront(s.lruElem)
	}
}

// WaitForActivity blocks until some cache mutation that could make a
// previously ineligible key eligible again (a release, a dirty mark
// cleared, an eviction) occurs, or ctx is cancelled (spec §4.6 step 4:
// "parks on a waker queue woken by cache mutations").
func (c *Cache) WaitForActivity(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			c.cond.Broadcast()
		case <-done:
		}
	}()
	defer close(done)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ctx.Err() != nil {
		return fmt.Errorf("cache: wait for activity: %w", errs.Cancelled)
	}

	c.cond.Wait()

	if ctx.Err() != nil {
		return fmt.Errorf("cache: wait for activity: %w", errs.Cancelled)
	}

	return nil
}

// MemoryUsed reports the current resident byte total.
func (c *Cache) MemoryUsed() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.memoryUsed
}

// Reserve blocks until admitting n additional bytes would not exceed the
// memory budget, or ctx is cancelled (spec §4.6: "allocation-triggering
// fetches wait for the eviction engine to make room rather than bursting
// past the configured budget"). A zero budget disables the check.
func (c *Cache) Reserve(ctx context.Context, n uint64) error {
	if c.memoryBudget == 0 {
		return nil
	}

	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			c.cond.Broadcast()
		case <-done:
		}
	}()
	defer close(done)

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.memoryUsed+n > c.memoryBudget {
		if ctx.Err() != nil {
			return fmt.Errorf("cache: reserve %d bytes: %w", n, errs.Cancelled)
		}

		c.cond.Wait()
	}

	return nil
}
