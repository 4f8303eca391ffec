package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nros-go/objstore/pkg/objstore/errs"
)

// Mirror replicates a single logical chain of blocks across N devices of
// identical geometry (spec §4.1: "writes go to all mirrors in a chain").
// Reads are served from the first mirror; callers that detect a corrupt
// read (via the record codec's hash check, which Mirror itself cannot
// perform) call [Mirror.ReadFromMirror] and [Mirror.Repair] to retry and
// heal from a surviving copy.
type Mirror struct {
	// ID labels the chain for diagnostics, minted once when the chain is
	// created (grounded in the teacher's pervasive UUIDv7 tagging of
	// long-lived records).
	ID uuid.UUID

	devices []Device
}

// NewMirror groups devices of identical geometry into one mirrored chain.
func NewMirror(devices ...Device) (*Mirror, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("device: mirror requires at least one device")
	}

	bs := devices[0].BlockSize()
	bc := devices[0].BlockCount()

	for i, d := range devices[1:] {
		if d.BlockSize() != bs || d.BlockCount() != bc {
			return nil, fmt.Errorf("device: mirror member %d geometry mismatch: %w", i+1, errs.Io)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("device: mint mirror id: %w", err)
	}

	return &Mirror{ID: id, devices: devices}, nil
}

func (m *Mirror) BlockSize() uint32  { return m.devices[0].BlockSize() }
func (m *Mirror) BlockCount() uint64 { return m.devices[0].BlockCount() }

// MirrorCount reports how many physical copies back this chain.
func (m *Mirror) MirrorCount() int { return len(m.devices) }

// ReadBlocks reads from the first mirror. Callers wanting repair-on-read
// semantics should catch an integrity failure from the record codec and
// call ReadFromMirror(1, ...) onward, then Repair on success.
func (m *Mirror) ReadBlocks(ctx context.Context, blockOffset uint64, blockCount uint32) ([]byte, error) {
	return m.devices[0].ReadBlocks(ctx, blockOffset, blockCount)
}

// ReadFromMirror reads from a specific mirror index, for repair-on-read.
func (m *Mirror) ReadFromMirror(ctx context.Context, index int, blockOffset uint64, blockCount uint32) ([]byte, error) {
	if index < 0 || index >= len(m.devices) {
		return nil, fmt.Errorf("device: mirror index %d out of range: %w", index, errs.Io)
	}

	return m.devices[index].ReadBlocks(ctx, blockOffset, blockCount)
}

// WriteBlocks fans the write out to every mirror concurrently. The first
// error is returned after all writes complete.
func (m *Mirror) WriteBlocks(ctx context.Context, blockOffset uint64, data []byte) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, d := range m.devices {
		wg.Add(1)

		go func(d Device) {
			defer wg.Done()

			err := d.WriteBlocks(ctx, blockOffset, data)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(d)
	}

	wg.Wait()

	return firstErr
}

// Repair rewrites blockOffset on every mirror with known-good bytes,
// typically after ReadFromMirror recovered from a surviving copy. It does
// not fence; the caller's next transaction fence will make the repair
// durable.
func (m *Mirror) Repair(ctx context.Context, blockOffset uint64, good []byte) error {
	return m.WriteBlocks(ctx, blockOffset, good)
}

// Fence flushes every mirror and returns only once all have confirmed.
func (m *Mirror) Fence(ctx context.Context) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, d := range m.devices {
		wg.Add(1)

		go func(d Device) {
			defer wg.Done()

			err := d.Fence(ctx)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(d)
	}

	wg.Wait()

	return firstErr
}
