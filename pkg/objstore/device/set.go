package device

import (
	"context"
	"fmt"

	"github.com/nros-go/objstore/pkg/objstore/errs"
)

// Set concatenates an ordered list of mirrored chains into one logical
// block address space (spec §4.1: "Chains concatenate to form the logical
// address space"). All chains must share the same block size.
type Set struct {
	chains    []*Mirror
	blockSize uint32
	offsets   []uint64 // offsets[i] is the first logical block of chains[i]
	total     uint64
}

// NewSet builds a logical address space from the given chains, in order.
func NewSet(chains ...*Mirror) (*Set, error) {
	if len(chains) == 0 {
		return nil, fmt.Errorf("device: set requires at least one chain")
	}

	bs := chains[0].BlockSize()

	offsets := make([]uint64, len(chains))

	var total uint64

	for i, c := range chains {
		if c.BlockSize() != bs {
			return nil, fmt.Errorf("device: chain %d block size %d != %d: %w", i, c.BlockSize(), bs, errs.Io)
		}

		offsets[i] = total
		total += c.BlockCount()
	}

	return &Set{chains: chains, blockSize: bs, offsets: offsets, total: total}, nil
}

func (s *Set) BlockSize() uint32  { return s.blockSize }
func (s *Set) BlockCount() uint64 { return s.total }

// locate finds which chain owns blockOffset and translates to a
// chain-relative offset. The whole [blockOffset, blockOffset+blockCount)
// range must fall within a single chain; spans crossing a chain boundary
// are rejected, since records never straddle chains by construction (the
// allocator only ever hands out ranges within one chain).
func (s *Set) locate(blockOffset uint64, blockCount uint32) (*Mirror, uint64, error) {
	for i, base := range s.offsets {
		chainBlocks := s.chains[i].BlockCount()
		if blockOffset < base+chainBlocks {
			if blockOffset < base {
				break
			}

			rel := blockOffset - base
			if rel+uint64(blockCount) > chainBlocks {
				return nil, 0, fmt.Errorf("device: range spans chain %d boundary: %w", i, errs.Io)
			}

			return s.chains[i], rel, nil
		}
	}

	return nil, 0, fmt.Errorf("device: block %d out of range (%d total): %w", blockOffset, s.total, errs.Io)
}

// ReadBlocks reads from the chain owning blockOffset, returning raw
// (unverified) bytes or errs.Io. Integrity verification happens one layer
// up, in pkg/objstore/record.
func (s *Set) ReadBlocks(ctx context.Context, blockOffset uint64, blockCount uint32) ([]byte, error) {
	chain, rel, err := s.locate(blockOffset, blockCount)
	if err != nil {
		return nil, err
	}

	return chain.ReadBlocks(ctx, rel, blockCount)
}

// ReadRepair re-reads blockOffset from successive mirrors of its owning
// chain (skipping mirror 0, already tried by ReadBlocks) until one
// verifies, calling verify on each candidate. On success it repairs every
// mirror of the chain with the good bytes and returns them.
func (s *Set) ReadRepair(ctx context.Context, blockOffset uint64, blockCount uint32, verify func([]byte) error) ([]byte, error) {
	chain, rel, err := s.locate(blockOffset, blockCount)
	if err != nil {
		return nil, err
	}

	var lastErr error

	for i := 1; i < chain.MirrorCount(); i++ {
		candidate, err := chain.ReadFromMirror(ctx, i, rel, blockCount)
		if err != nil {
			lastErr = err

			continue
		}

		if err := verify(candidate); err != nil {
			lastErr = err

			continue
		}

		if err := chain.Repair(ctx, rel, candidate); err != nil {
			return nil, fmt.Errorf("device: repair chain after mirror %d recovery: %w", i, err)
		}

		return candidate, nil
	}

	if lastErr == nil {
		lastErr = errs.Integrity
	}

	return nil, fmt.Errorf("device: no mirror of chain verified for block %d: %w", blockOffset, lastErr)
}

// WriteBlocks writes to every mirror of the chain owning blockOffset.
func (s *Set) WriteBlocks(ctx context.Context, blockOffset uint64, data []byte) error {
	blockCount := uint32(uint64(len(data)) / uint64(s.blockSize)) //nolint:gosec

	chain, rel, err := s.locate(blockOffset, blockCount)
	if err != nil {
		return err
	}

	return chain.WriteBlocks(ctx, rel, data)
}

// Fence flushes every chain (and therefore every mirror of every chain).
func (s *Set) Fence(ctx context.Context) error {
	for i, c := range s.chains {
		if err := c.Fence(ctx); err != nil {
			return fmt.Errorf("device: fence chain %d: %w", i, err)
		}
	}

	return nil
}
