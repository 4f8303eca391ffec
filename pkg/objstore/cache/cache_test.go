package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func Test_Fetch_PopulatesAndReusesSlot(t *testing.T) {
	t.Parallel()

	c := New(0)
	key := RecordKey(1, 0, 0)

	var loads int32

	load := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return []byte("hello"), nil
	}

	e1, err := c.Fetch(t.Context(), key, load)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	e1.Release()

	e2, err := c.Fetch(t.Context(), key, load)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer e2.Release()

	if string(e2.Data) != "hello" {
		t.Fatalf("got %q", e2.Data)
	}

	if got := atomic.LoadInt32(&loads); got != 1 {
		t.Fatalf("expected exactly one load, got %d", got)
	}
}

func Test_Fetch_CoalescesConcurrentMisses(t *testing.T) {
	t.Parallel()

	c := New(0)
	key := RecordKey(1, 0, 0)

	var loads int32

	release := make(chan struct{})
	load := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return []byte("data"), nil
	}

	const n = 8

	var wg sync.WaitGroup

	wg.Add(n)

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()

			e, err := c.Fetch(t.Context(), key, load)
			if err != nil {
				t.Errorf("fetch: %v", err)
				return
			}

			e.Release()
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&loads); got != 1 {
		t.Fatalf("expected exactly one load across %d concurrent fetches, got %d", n, got)
	}
}

func Test_Fetch_LoadError_PropagatesToWaiters(t *testing.T) {
	t.Parallel()

	c := New(0)
	key := RecordKey(1, 0, 0)
	wantErr := errors.New("device offline")

	release := make(chan struct{})
	load := func(context.Context) ([]byte, error) {
		<-release
		return nil, wantErr
	}

	var wg sync.WaitGroup

	var errCount int32

	wg.Add(2)

	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()

			_, err := c.Fetch(t.Context(), key, load)
			if errors.Is(err, wantErr) {
				atomic.AddInt32(&errCount, 1)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if errCount != 2 {
		t.Fatalf("expected both waiters to observe the load error, got %d", errCount)
	}
}

func Test_GetMut_MarksDirtyAndOrdersDirtyLRU(t *testing.T) {
	t.Parallel()

	c := New(0)
	noop := func(context.Context) ([]byte, error) { return []byte("x"), nil }

	k1 := RecordKey(1, 0, 0)
	k2 := RecordKey(1, 0, 1)

	e1, err := c.GetMut(t.Context(), k1, []byte("a"), noop)
	if err != nil {
		t.Fatalf("getmut: %v", err)
	}
	e1.Release()

	e2, err := c.GetMut(t.Context(), k2, []byte("b"), noop)
	if err != nil {
		t.Fatalf("getmut: %v", err)
	}
	e2.Release()

	oldest, ok := c.OldestDirty()
	if !ok || oldest != k1 {
		t.Fatalf("expected %s oldest dirty, got %s (ok=%v)", k1, oldest, ok)
	}

	if c.DirtyCount() != 2 {
		t.Fatalf("expected 2 dirty entries, got %d", c.DirtyCount())
	}

	c.ClearDirty(k1)

	oldest, ok = c.OldestDirty()
	if !ok || oldest != k2 {
		t.Fatalf("expected %s oldest dirty after clearing k1, got %s", k2, oldest)
	}
}

func Test_EvictEntry_RefusesPinnedOrDirty(t *testing.T) {
	t.Parallel()

	c := New(0)
	key := RecordKey(1, 0, 0)

	e, err := c.Fetch(t.Context(), key, func(context.Context) ([]byte, error) { return []byte("v"), nil })
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if _, err := c.EvictEntry(key); err == nil {
		t.Fatal("expected eviction of a pinned entry to fail")
	}

	e.Release()

	evicted, err := c.EvictEntry(key)
	if err != nil || !evicted {
		t.Fatalf("expected clean unpinned eviction to succeed, got evicted=%v err=%v", evicted, err)
	}

	if _, _, ok := c.Peek(key); ok {
		t.Fatal("expected key to be gone after eviction")
	}
}

func Test_EvictObject_SkipsDirtyAndPinnedSurvivors(t *testing.T) {
	t.Parallel()

	c := New(0)
	noop := func(context.Context) ([]byte, error) { return []byte("x"), nil }

	clean := RecordKey(1, 0, 0)
	dirty := RecordKey(1, 0, 1)

	e, _ := c.Fetch(t.Context(), clean, noop)
	e.Release()

	ed, _ := c.GetMut(t.Context(), dirty, []byte("y"), noop)
	ed.Release()

	survivors := c.EvictObject(1)
	if len(survivors) != 1 || survivors[0] != dirty {
		t.Fatalf("expected only the dirty key to survive, got %v", survivors)
	}

	if _, _, ok := c.Peek(clean); ok {
		t.Fatal("expected clean entry to be evicted")
	}

	if _, _, ok := c.Peek(dirty); !ok {
		t.Fatal("expected dirty entry to survive")
	}
}

func Test_Reserve_BlocksUntilBudgetAvailable(t *testing.T) {
	t.Parallel()

	c := New(10)
	key := RecordKey(1, 0, 0)

	e, err := c.Fetch(t.Context(), key, func(context.Context) ([]byte, error) { return make([]byte, 10), nil })
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	reserved := make(chan error, 1)

	go func() {
		reserved <- c.Reserve(t.Context(), 1)
	}()

	select {
	case <-reserved:
		t.Fatal("expected Reserve to block while budget is exhausted")
	case <-time.After(20 * time.Millisecond):
	}

	e.Release()

	if _, err := c.EvictEntry(key); err != nil {
		t.Fatalf("evict: %v", err)
	}

	select {
	case err := <-reserved:
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected Reserve to unblock after eviction freed budget")
	}
}

func Test_EvictionCandidates_ExcludesPinnedIncludesDirty(t *testing.T) {
	t.Parallel()

	c := New(0)
	noop := func(context.Context) ([]byte, error) { return []byte("x"), nil }

	pinned, _ := c.Fetch(t.Context(), RecordKey(1, 0, 0), noop)
	defer pinned.Release()

	dirty, _ := c.GetMut(t.Context(), RecordKey(1, 0, 1), []byte("y"), noop)
	dirty.Release()

	clean, _ := c.Fetch(t.Context(), RecordKey(1, 0, 2), noop)
	clean.Release()

	candidates := c.EvictionCandidates(10)
	if len(candidates) != 2 {
		t.Fatalf("expected 2 eviction candidates (pinned excluded), got %d: %v", len(candidates), candidates)
	}

	for _, k := range candidates {
		if k == (RecordKey(1, 0, 0)) {
			t.Fatalf("pinned key %s must not be an eviction candidate", k)
		}
	}
}

func Test_Touch_MovesKeyToFrontOfLRU(t *testing.T) {
	t.Parallel()

	c := New(0)
	noop := func(context.Context) ([]byte, error) { return []byte("x"), nil }

	k1 := RecordKey(1, 0, 0)
	k2 := RecordKey(1, 0, 1)

	e1, _ := c.Fetch(t.Context(), k1, noop)
	e1.Release()

	e2, _ := c.Fetch(t.Context(), k2, noop)
	e2.Release()

	// k1 is now the tail (least-recently-used); touching it should move it
	// ahead of k2 without requiring a Fetch.
	c.Touch(k1)

	candidates := c.EvictionCandidates(1)
	if len(candidates) != 1 || candidates[0] != k2 {
		t.Fatalf("expected k2 at the LRU tail after touching k1, got %v", candidates)
	}
}

func Test_WaitForActivity_UnblocksOnMutation(t *testing.T) {
	t.Parallel()

	c := New(0)

	done := make(chan error, 1)

	go func() {
		done <- c.WaitForActivity(t.Context())
	}()

	time.Sleep(20 * time.Millisecond)

	noop := func(context.Context) ([]byte, error) { return []byte("x"), nil }
	e, err := c.Fetch(t.Context(), RecordKey(1, 0, 0), noop)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	e.Release() // unpin broadcasts

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait for activity: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected WaitForActivity to unblock after a cache mutation")
	}
}

func Test_WaitForActivity_CancelledContext(t *testing.T) {
	t.Parallel()

	c := New(0)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	if err := c.WaitForActivity(ctx); err == nil {
		t.Fatal("expected WaitForActivity to fail once the context is cancelled")
	}
}

func Test_Reserve_CancelledContext(t *testing.T) {
	t.Parallel()

	c := New(1)
	key := RecordKey(1, 0, 0)

	e, err := c.Fetch(t.Context(), key, func(context.Context) ([]byte, error) { return make([]byte, 1), nil })
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer e.Release()

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	if err := c.Reserve(ctx, 1); err == nil {
		t.Fatal("expected Reserve to fail once the context is cancelled")
	}
}
