// Package device implements the Device Set (spec §4.1): a capability
// interface for block-addressed storage, a memory-backed implementation for
// tests, a file-backed implementation for tools, and the mirror/chain
// concatenation that turns several physical devices into one logical
// block address space.
//
// This mirrors the teacher's pkg/fs split: a small interface ([Device])
// satisfied by a real, OS-backed implementation ([File]) and a fully
// in-memory one ([Memory]) used throughout the test suite.
package device

import (
	"context"
	"fmt"

	"github.com/nros-go/objstore/pkg/objstore/errs"
)

// Device is the capability every block backend must satisfy: read/write
// fixed-size blocks, and fence (flush) prior writes to durable storage.
//
// Implementations must be safe for concurrent use only to the extent that
// the store's single-threaded cooperative scheduler (spec §5) requires --
// in practice this means no implementation needs its own locking, since at
// most one goroutine ever calls into a given Device at a time while it is
// wired into a [Set]. [Mirror] is the exception: it fans a single logical
// write out to N devices concurrently and must itself be safe for that.
type Device interface {
	// ReadBlocks reads blockCount blocks starting at blockOffset.
	// Returns errs.Io on failure.
	ReadBlocks(ctx context.Context, blockOffset uint64, blockCount uint32) ([]byte, error)

	// WriteBlocks writes data, whose length must be a multiple of
	// BlockSize(), starting at blockOffset. Returns errs.Io on failure.
	WriteBlocks(ctx context.Context, blockOffset uint64, data []byte) error

	// Fence returns only after all writes issued before the call are
	// durable. Returns errs.Io if the underlying flush fails.
	Fence(ctx context.Context) error

	// BlockSize returns the device's fixed block size in bytes.
	BlockSize() uint32

	// BlockCount returns the total number of addressable blocks.
	BlockCount() uint64
}

// checkBounds validates a block range against a device's block count.
func checkBounds(blockOffset uint64, blockCount uint32, total uint64) error {
	if blockCount == 0 {
		return nil
	}

	end := blockOffset + uint64(blockCount)
	if end < blockOffset || end > total {
		return fmt.Errorf("device: range [%d, %d) out of bounds (%d blocks): %w", blockOffset, end, total, errs.Io)
	}

	return nil
}
