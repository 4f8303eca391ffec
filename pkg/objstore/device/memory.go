package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/nros-go/objstore/pkg/objstore/errs"
)

// Memory is an in-memory [Device], used throughout this module's test
// suite in place of a real disk. It never fails on its own; wrap it with
// internal/storetest's NewChaos to inject errs.Io failures and torn writes.
type Memory struct {
	mu         sync.Mutex
	blockSize  uint32
	blockCount uint64
	data       []byte
	fenced     []byte // last fully-fenced image, for torn-write simulation
}

// NewMemory creates a zero-filled in-memory device of the given geometry.
func NewMemory(blockSize uint32, blockCount uint64) *Memory {
	buf := make([]byte, blockSize*uint32(blockCount)) //nolint:gosec // bounded by test geometry

	return &Memory{
		blockSize:  blockSize,
		blockCount: blockCount,
		data:       buf,
		fenced:     append([]byte(nil), buf...),
	}
}

func (m *Memory) BlockSize() uint32  { return m.blockSize }
func (m *Memory) BlockCount() uint64 { return m.blockCount }

func (m *Memory) ReadBlocks(_ context.Context, blockOffset uint64, blockCount uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkBounds(blockOffset, blockCount, m.blockCount); err != nil {
		return nil, err
	}

	start := blockOffset * uint64(m.blockSize)
	length := uint64(blockCount) * uint64(m.blockSize)

	out := make([]byte, length)
	copy(out, m.data[start:start+length])

	return out, nil
}

func (m *Memory) WriteBlocks(_ context.Context, blockOffset uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uint32(len(data))%m.blockSize != 0 { //nolint:gosec // block sizes are small by construction
		return fmt.Errorf("device: write length %d not a multiple of block size %d: %w", len(data), m.blockSize, errs.Io)
	}

	blockCount := uint32(uint64(len(data)) / uint64(m.blockSize)) //nolint:gosec

	if err := checkBounds(blockOffset, blockCount, m.blockCount); err != nil {
		return err
	}

	start := blockOffset * uint64(m.blockSize)
	copy(m.data[start:start+uint64(len(data))], data)

	return nil
}

func (m *Memory) Fence(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fenced = append(m.fenced[:0], m.data...)

	return nil
}

// CorruptBlock inverts every bit of one byte in the given block, bypassing Fence, for use in
// integrity-verification tests (spec testable property 8).
func (m *Memory) CorruptBlock(blockIndex uint64, byteOffset int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := blockIndex*uint64(m.blockSize) + uint64(byteOffset)
	m.data[pos] ^= 0xFF
}

// Crash discards every write since the last Fence, simulating a power
// loss that loses unfenced writes but never tears a fenced one (spec §5:
// "Fence... establishes a durability barrier"). Tests use this to verify
// that reopening after a simulated crash yields the last durable
// snapshot, never a partially-applied one.
func (m *Memory) Crash() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = append(m.data[:0], m.fenced...)
}
