package evict_test

import (
	"context"
	"sync"
	"testing"

	"github.com/nros-go/objstore/pkg/objstore/bgtask"
	"github.com/nros-go/objstore/pkg/objstore/cache"
	"github.com/nros-go/objstore/pkg/objstore/evict"
)

// fakeFlusher mimics the relevant slice of txn.Manager's flush behavior: it
// clears the target slot's dirty bit (as a real flush would, once the bytes
// are durable) and records what it was asked to flush.
type fakeFlusher struct {
	c *cache.Cache

	mu          sync.Mutex
	flushedKeys []cache.Key
	flushedObjs []uint64
}

func (f *fakeFlusher) FlushNode(_ context.Context, key cache.Key) error {
	f.mu.Lock()
	f.flushedKeys = append(f.flushedKeys, key)
	f.mu.Unlock()

	f.c.ClearDirty(key)

	return nil
}

func (f *fakeFlusher) FlushHeader(_ context.Context, objectID uint64) error {
	f.mu.Lock()
	f.flushedObjs = append(f.flushedObjs, objectID)
	f.mu.Unlock()

	f.c.ClearDirty(cache.ObjectKey(objectID))

	return nil
}

func Test_Step_EvictsCleanUnpinnedEntry(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	c := cache.New(0)
	flusher := &fakeFlusher{c: c}
	bg := bgtask.New()
	eng := evict.New(c, flusher, bg, 1, 0)

	key := cache.RecordKey(1, 0, 0)
	c.Install(key, []byte{1, 2, 3, 4, 5}, false).Release()

	acted, err := eng.Step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}

	if !acted {
		t.Fatalf("expected step to act on an over-target clean entry")
	}

	if _, _, ok := c.Peek(key); ok {
		t.Fatalf("expected key to be evicted")
	}
}

func Test_Step_SchedulesBackgroundFlushForDirtyEntry(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	c := cache.New(0)
	flusher := &fakeFlusher{c: c}
	bg := bgtask.New()
	eng := evict.New(c, flusher, bg, 1, 0)

	key := cache.RecordKey(1, 0, 0)
	c.Install(key, []byte{1, 2, 3, 4, 5}, true).Release()

	acted, err := eng.Step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}

	if !acted {
		t.Fatalf("expected step to schedule a flush for a dirty entry")
	}

	if err := bg.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}

	flusher.mu.Lock()
	defer flusher.mu.Unlock()

	if len(flusher.flushedKeys) != 1 || flusher.flushedKeys[0] != key {
		t.Fatalf("expected exactly one flush of %s, got %v", key, flusher.flushedKeys)
	}

	if _, dirty, ok := c.Peek(key); !ok || dirty {
		t.Fatalf("expected key to be clean and still resident after flush, dirty=%v ok=%v", dirty, ok)
	}
}

func Test_Step_DefersParentWhileChildDirty(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	c := cache.New(0)
	flusher := &fakeFlusher{c: c}
	bg := bgtask.New()

	const maxRecordSize = 4096
	eng := evict.New(c, flusher, bg, maxRecordSize, 0)

	childKey := cache.RecordKey(1, 0, 0)
	c.Install(childKey, []byte{1, 2, 3}, true).Release() // dirty child

	parentKey := cache.RecordKey(1, 1, 0)
	// Clean parent: a full internal node, which puts the cache's resident
	// bytes past maxRecordSize of slack over the zero target.
	c.Install(parentKey, make([]byte, maxRecordSize), false).Release()

	// Touch the child so it is the most-recently-used entry; the parent
	// (tail of the LRU) is inspected first and must be deferred, not
	// evicted, since its dirty child is still resident. The scan then
	// reaches the child itself and schedules its flush instead.
	c.Touch(childKey)

	acted, err := eng.Step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}

	if !acted {
		t.Fatalf("expected step to act on the child once the parent was deferred")
	}

	if _, _, ok := c.Peek(parentKey); !ok {
		t.Fatalf("expected parent to remain resident while deferred")
	}

	if err := bg.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}

	flusher.mu.Lock()
	defer flusher.mu.Unlock()

	if len(flusher.flushedKeys) != 1 || flusher.flushedKeys[0] != childKey {
		t.Fatalf("expected the child to be the one flushed, got %v", flusher.flushedKeys)
	}
}

func Test_Step_NoOpWhenUnderTarget(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	c := cache.New(0)
	flusher := &fakeFlusher{c: c}
	bg := bgtask.New()
	eng := evict.New(c, flusher, bg, 4096, 1<<30)

	key := cache.RecordKey(1, 0, 0)
	c.Install(key, []byte{1, 2, 3}, false).Release()

	acted, err := eng.Step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}

	if acted {
		t.Fatalf("expected no-op while comfortably under target")
	}

	if _, _, ok := c.Peek(key); !ok {
		t.Fatalf("expected key to remain resident")
	}
}

func Test_Step_FlushesDirtyObjectHeader(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	c := cache.New(0)
	flusher := &fakeFlusher{c: c}
	bg := bgtask.New()
	eng := evict.New(c, flusher, bg, 1, 0)

	key := cache.ObjectKey(7)
	c.Install(key, make([]byte, 128), true).Release()

	acted, err := eng.Step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}

	if !acted {
		t.Fatalf("expected step to flush the dirty header")
	}

	if err := bg.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}

	flusher.mu.Lock()
	defer flusher.mu.Unlock()

	if len(flusher.flushedObjs) != 1 || flusher.flushedObjs[0] != uint64(7) {
		t.Fatalf("expected exactly one header flush of object 7, got %v", flusher.flushedObjs)
	}
}
