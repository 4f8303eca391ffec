package storetest

import (
	"testing"

	"github.com/nros-go/objstore/pkg/objstore/device"
)

// SingleMemoryChain builds a one-device, one-chain device.Set backed by
// device.Memory, for tests that don't need mirroring or multiple chains.
// It also returns the underlying Memory device so a test can call
// CorruptBlock/Crash on it directly.
func SingleMemoryChain(t *testing.T, blockSize uint32, blockCount uint64) (*device.Set, *device.Memory) {
	t.Helper()

	mem := device.NewMemory(blockSize, blockCount)

	mirror, err := device.NewMirror(mem)
	if err != nil {
		t.Fatalf("storetest: new mirror: %v", err)
	}

	set, err := device.NewSet(mirror)
	if err != nil {
		t.Fatalf("storetest: new set: %v", err)
	}

	return set, mem
}

// MirroredMemoryChain builds a one-chain device.Set with mirrorCount
// identical device.Memory copies, for repair-on-read tests.
func MirroredMemoryChain(t *testing.T, blockSize uint32, blockCount uint64, mirrorCount int) (*device.Set, []*device.Memory) {
	t.Helper()

	mems := make([]*device.Memory, mirrorCount)
	devs := make([]device.Device, mirrorCount)

	for i := range mems {
		mems[i] = device.NewMemory(blockSize, blockCount)
		devs[i] = mems[i]
	}

	mirror, err := device.NewMirror(devs...)
	if err != nil {
		t.Fatalf("storetest: new mirror: %v", err)
	}

	set, err := device.NewSet(mirror)
	if err != nil {
		t.Fatalf("storetest: new set: %v", err)
	}

	return set, mems
}
