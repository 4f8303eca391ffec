package txn

import (
	"context"
	"fmt"

	"github.com/nros-go/objstore/pkg/objstore/device"
	"github.com/nros-go/objstore/pkg/objstore/errs"
)

// superblockMagic identifies this format on disk.
const superblockMagic = 0x6e_72_6f_73 // "nros", little-endian friendly

// superblockVersion is the current on-disk layout version.
const superblockVersion = 1

// copyBlockOffsets returns the block offsets of the two superblock copies
// (spec §6: "two copies, at block 0 and the last block").
func copyBlockOffsets(dev *device.Set) [2]uint64 {
	return [2]uint64{0, dev.BlockCount() - 1}
}

// LoadSuperblock reads both copies of dev's superblock and returns the one
// with the higher generation that also verifies, along with which copy
// index (0 or 1) it came from. It only fails if neither copy verifies.
func LoadSuperblock(ctx context.Context, dev *device.Set) (Superblock, int, error) {
	offsets := copyBlockOffsets(dev)

	var (
		best     Superblock
		bestCopy = -1
	)

	for i, blockOff := range offsets {
		raw, err := dev.ReadBlocks(ctx, blockOff, 1)
		if err != nil {
			continue
		}

		sb, err := DecodeSuperblock(raw)
		if err != nil {
			continue
		}

		if bestCopy == -1 || sb.Generation > best.Generation {
			best = sb
			bestCopy = i
		}
	}

	if bestCopy == -1 {
		return Superblock{}, 0, fmt.Errorf("txn: no valid superblock copy on device: %w", errs.Corrupt)
	}

	return best, bestCopy, nil
}

// writeSuperblockCopy encodes sb and writes it to copy index idx (0 or 1),
// padding to the device's block size.
func (m *Manager) writeSuperblockCopy(ctx context.Context, idx int, sb Superblock) error {
	offsets := copyBlockOffsets(m.dev)

	buf := padTo(sb.Encode(), uint64(m.blockSize))

	if err := m.dev.WriteBlocks(ctx, offsets[idx], buf); err != nil {
		return fmt.Errorf("txn: write superblock copy %d: %w", idx, err)
	}

	return nil
}

// Bootstrap creates and writes the very first superblock for a freshly
// initialized device set (spec §4.7/§6: both copies start identical at
// generation 0, object table and allocator empty). It returns the
// Superblock and copy index ready to hand to [NewManager].
func Bootstrap(ctx context.Context, dev *device.Set, blockSizeLog2, maxRecordSizeLog2 uint8) (Superblock, int, error) {
	sb := Superblock{
		Magic:          superblockMagic,
		Version:        superblockVersion,
		BlockSizeLog2:  blockSizeLog2,
		MaxRecSizeLog2: maxRecordSizeLog2,
		Generation:     0,
	}

	offsets := copyBlockOffsets(dev)
	buf := padTo(sb.Encode(), uint64(dev.BlockSize()))

	for _, blockOff := range offsets {
		if err := dev.WriteBlocks(ctx, blockOff, buf); err != nil {
			return Superblock{}, 0, fmt.Errorf("txn: bootstrap: write superblock: %w", err)
		}
	}

	if err := dev.Fence(ctx); err != nil {
		return Superblock{}, 0, fmt.Errorf("txn: bootstrap: fence: %w", err)
	}

	return sb, 0, nil
}
