// Package bgtask implements the background task set (spec §4.8): a place
// for the eviction engine to hand off dirty flushes so they run
// concurrently with further eviction, whose errors are collected and
// surfaced no later than the next transaction boundary.
//
// Grounded on nros::Background being its own top-level module (the
// component table lists it separately from the cache), and on the
// teacher's use of sync.WaitGroup-style fan-out/join in its background
// seeding helpers.
package bgtask

import (
	"context"
	"fmt"
	"sync"
)

// Set tracks outstanding background work and the first error any of it
// produced.
type Set struct {
	wg sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// New creates an empty background task set.
func New() *Set { return &Set{} }

// Add spawns fn in its own goroutine, tracking its completion and
// recording its error (if any) for the next Join/Err call.
func (s *Set) Add(ctx context.Context, fn func(ctx context.Context) error) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := fn(ctx); err != nil {
			s.mu.Lock()
			s.errs = append(s.errs, err)
			s.mu.Unlock()
		}
	}()
}

// Join blocks until every task added so far has completed, then returns
// the first error observed, if any (spec §4.8: "await them at transaction
// boundaries"). It clears the recorded errors, so a caller that handles the
// error does not see it again on a later Join.
func (s *Set) Join() error {
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.errs) == 0 {
		return nil
	}

	err := fmt.Errorf("bgtask: %d background task(s) failed, first: %w", len(s.errs), s.errs[0])
	s.errs = nil

	return err
}

// Err reports the first recorded error without waiting, or nil if none has
// occurred yet.
func (s *Set) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.errs) == 0 {
		return nil
	}

	return s.errs[0]
}
