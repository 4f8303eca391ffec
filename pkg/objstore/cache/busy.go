package cache

// busyEntry tracks a slot that is currently being fetched from the device,
// coalescing concurrent callers onto the single in-flight load (spec §4.5:
// "a second task requesting the same key waits on the first task's fetch
// rather than issuing a duplicate device read").
//
// Grounded on nros/src/cache/busy.rs's Busy{wakers, refcount}: the Rust
// original parks wakers and panics if a busy slot is evicted while
// referenced. Go has no waker registry to hand-roll -- channels closed by
// the winning fetch naturally broadcast to every waiter, and refcount
// tracking is handled by the pin count on the installed slot instead.
type busyEntry struct {
	done chan struct{}
	err  error
}

func newBusyEntry() *busyEntry {
	return &busyEntry{done: make(chan struct{})}
}

func (b *busyEntry) finish(err error) {
	b.err = err
	close(b.done)
}
