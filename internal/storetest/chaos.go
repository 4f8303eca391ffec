// Package storetest holds test-only helpers shared across pkg/objstore's
// test suites and the top-level Store tests: a fault-injecting device
// wrapper for crash/corruption scenarios, and small geometry builders for
// wiring up a throwaway store.
//
// Grounded on the teacher's pkg/fs/chaos.go fault injector, adapted from
// file-level operations (Open/Read/Write/Stat/...) to the four-method
// block-device surface this module's Device interface exposes.
package storetest

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/nros-go/objstore/pkg/objstore/device"
	"github.com/nros-go/objstore/pkg/objstore/errs"
)

// ChaosConfig controls fault injection probabilities. Each rate is a
// float64 from 0.0 (never) to 1.0 (always). The zero value disables all
// injection.
type ChaosConfig struct {
	// ReadFailRate controls how often ReadBlocks fails entirely with
	// errs.Io.
	ReadFailRate float64

	// WriteFailRate controls how often WriteBlocks fails entirely with
	// errs.Io, writing nothing.
	WriteFailRate float64

	// PartialWriteRate controls how often WriteBlocks applies only a
	// prefix of the blocks before failing, simulating a torn write that a
	// crash caught mid-flight (spec §5: writes before the next Fence are
	// not guaranteed durable or atomic).
	PartialWriteRate float64

	// FenceFailRate controls how often Fence fails with errs.Io without
	// having flushed.
	FenceFailRate float64

	// FailNthFence, if nonzero, fails exactly the FailNthFence'th Fence
	// call (1-indexed) deterministically, regardless of FenceFailRate --
	// for precise scenarios like spec §8 S6 ("inject Io on the second
	// fence") that a random rate cannot target reliably.
	FailNthFence int
}

// ChaosMode controls how [Chaos] behaves.
type ChaosMode uint8

const (
	// ChaosModeActive injects faults according to ChaosConfig. Default.
	ChaosModeActive ChaosMode = iota

	// ChaosModeNoOp passes every call through to the wrapped device.
	ChaosModeNoOp
)

// ChaosStats counts injected faults, for tests that want to assert chaos
// actually fired at least once.
type ChaosStats struct {
	ReadFails     int64
	WriteFails    int64
	PartialWrites int64
	FenceFails    int64
}

// Chaos wraps a [device.Device] and injects errs.Io failures and torn
// writes, for exercising the repair-on-read and crash-recovery paths
// spec §5 and §8 (scenarios S4, S5) describe.
type Chaos struct {
	dev device.Device

	rngMu sync.Mutex
	rng   *rand.Rand

	config ChaosConfig
	mode   atomic.Uint32

	readFails     atomic.Int64
	writeFails    atomic.Int64
	partialWrites atomic.Int64
	fenceFails    atomic.Int64
	fenceCalls    atomic.Int64
}

var _ device.Device = (*Chaos)(nil)

// NewChaos wraps dev, injecting faults per config with the given seed for
// reproducibility.
func NewChaos(dev device.Device, seed uint64, config ChaosConfig) *Chaos {
	return &Chaos{
		dev:    dev,
		rng:    rand.New(rand.NewPCG(seed, seed)),
		config: config,
	}
}

// SetMode updates Chaos's behavior. Safe to call concurrently.
func (c *Chaos) SetMode(m ChaosMode) { c.mode.Store(uint32(m)) }

func (c *Chaos) getMode() ChaosMode {
	if c.mode.Load() > uint32(ChaosModeNoOp) {
		return ChaosModeActive
	}

	return ChaosMode(c.mode.Load())
}

// Stats returns the current fault injection counts.
func (c *Chaos) Stats() ChaosStats {
	return ChaosStats{
		ReadFails:     c.readFails.Load(),
		WriteFails:    c.writeFails.Load(),
		PartialWrites: c.partialWrites.Load(),
		FenceFails:    c.fenceFails.Load(),
	}
}

func (c *Chaos) should(rate float64) bool {
	if c.getMode() != ChaosModeActive {
		return false
	}

	c.rngMu.Lock()
	v := c.rng.Float64()
	c.rngMu.Unlock()

	return v < rate
}

func (c *Chaos) randIntn(n int) int {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()

	return c.rng.IntN(n)
}

func (c *Chaos) BlockSize() uint32  { return c.dev.BlockSize() }
func (c *Chaos) BlockCount() uint64 { return c.dev.BlockCount() }

// ReadBlocks reads through to the wrapped device, with a chance of an
// injected errs.Io failure.
func (c *Chaos) ReadBlocks(ctx context.Context, blockOffset uint64, blockCount uint32) ([]byte, error) {
	if c.should(c.config.ReadFailRate) {
		c.readFails.Add(1)

		return nil, fmt.Errorf("storetest: chaos: injected read failure at block %d: %w", blockOffset, errs.Io)
	}

	return c.dev.ReadBlocks(ctx, blockOffset, blockCount)
}

// WriteBlocks writes through to the wrapped device, with a chance of an
// injected total or partial failure. A partial failure applies a prefix
// of the blocks (simulating a torn write that a crash caught mid-flight)
// before returning errs.Io; the wrapped device never sees the bytes past
// the torn point.
func (c *Chaos) WriteBlocks(ctx context.Context, blockOffset uint64, data []byte) error {
	if c.should(c.config.WriteFailRate) {
		c.writeFails.Add(1)

		return fmt.Errorf("storetest: chaos: injected write failure at block %d: %w", blockOffset, errs.Io)
	}

	blockSize := int(c.dev.BlockSize())
	totalBlocks := len(data) / blockSize

	if c.should(c.config.PartialWriteRate) && totalBlocks > 1 {
		c.partialWrites.Add(1)

		tornBlocks := c.randIntn(totalBlocks-1) + 1
		if err := c.dev.WriteBlocks(ctx, blockOffset, data[:tornBlocks*blockSize]); err != nil {
			return err
		}

		return fmt.Errorf("storetest: chaos: injected torn write after %d/%d blocks at %d: %w", tornBlocks, totalBlocks, blockOffset, errs.Io)
	}

	return c.dev.WriteBlocks(ctx, blockOffset, data)
}

// Fence passes through to the wrapped device, with a chance of an
// injected failure that leaves nothing flushed.
func (c *Chaos) Fence(ctx context.Context) error {
	call := c.fenceCalls.Add(1)

	if c.config.FailNthFence != 0 && call == int64(c.config.FailNthFence) {
		c.fenceFails.Add(1)

		return fmt.Errorf("storetest: chaos: injected failure on fence call %d: %w", call, errs.Io)
	}

	if c.should(c.config.FenceFailRate) {
		c.fenceFails.Add(1)

		return fmt.Errorf("storetest: chaos: injected fence failure: %w", errs.Io)
	}

	return c.dev.Fence(ctx)
}
