// Package errs defines the error kinds shared across the object store.
//
// Every package in pkg/objstore wraps one of these sentinels with
// fmt.Errorf("...: %w") so callers can branch with errors.Is while still
// getting a human-readable message. No package here introduces a logging
// or error-wrapping library; plain fmt/errors is the whole story.
package errs

import (
	"errors"
	"fmt"
)

// Io reports a failure in the underlying device (read, write, or fence).
// Whether it is safe to retry depends on the device implementation.
var Io = errors.New("io")

// Integrity reports a RecordRef whose auth tag does not match its payload
// on decode. Never retryable; the caller should attempt mirror repair if
// the device set has redundancy.
var Integrity = errors.New("integrity")

// Corrupt reports a structural inconsistency: decompression failure, a
// truncated on-disk structure, or an unknown codec/cipher tag.
var Corrupt = errors.New("corrupt")

// UnsupportedHasher reports that a directory's stored hasher tag names a
// variant this build does not implement.
var UnsupportedHasher = errors.New("unsupported hasher")

// OutOfSpace reports that the allocator has no free blocks, or that no
// object id is available. The caller may free space and retry.
var OutOfSpace = errors.New("out of space")

// Unaddressable reports an offset beyond 2^55 or beyond the tree's current
// root capacity. This is always a caller bug, never transient.
var Unaddressable = errors.New("unaddressable")

// NotFound reports that no object exists for the given id.
var NotFound = errors.New("not found")

// Cancelled reports that a task was cancelled while suspended (e.g. its
// context was done) before the operation it was waiting on completed.
var Cancelled = errors.New("cancelled")

// ReadOnly reports that the store has been placed into read-only mode
// after a background flush failure surfaced at a transaction boundary, or
// after a failed commit (spec §7: "the store is marked read-only until
// reload").
var ReadOnly = errors.New("store is read-only")

// IntegrityError wraps Integrity with the key whose verification failed,
// mirroring spec §7's Integrity(Key).
type IntegrityError struct {
	Key any // tree.Key; kept as any to avoid an import cycle with pkg/objstore/tree
	Err error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: key %v: %v", e.Key, e.Err)
}

func (e *IntegrityError) Unwrap() []error { return []error{Integrity, e.Err} }

// NewIntegrity builds an IntegrityError for key, wrapping Integrity.
func NewIntegrity(key any, cause error) error {
	return &IntegrityError{Key: key, Err: cause}
}
