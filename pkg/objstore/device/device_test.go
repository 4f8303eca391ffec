package device_test

import (
	"errors"
	"testing"

	"github.com/nros-go/objstore/pkg/objstore/device"
	"github.com/nros-go/objstore/pkg/objstore/errs"
)

func Test_Memory_WriteRead_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	mem := device.NewMemory(512, 16)

	data := make([]byte, 512*3)
	for i := range data {
		data[i] = byte(i)
	}

	if err := mem.WriteBlocks(ctx, 2, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := mem.ReadBlocks(ctx, 2, 3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], data[i])
		}
	}
}

func Test_Memory_WriteBlocks_RejectsOutOfRange(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	mem := device.NewMemory(512, 4)

	err := mem.WriteBlocks(ctx, 3, make([]byte, 512*2))
	if !errors.Is(err, errs.Io) {
		t.Fatalf("err = %v, want errs.Io", err)
	}
}

func Test_Memory_WriteBlocks_RejectsUnalignedLength(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	mem := device.NewMemory(512, 4)

	err := mem.WriteBlocks(ctx, 0, make([]byte, 100))
	if !errors.Is(err, errs.Io) {
		t.Fatalf("err = %v, want errs.Io", err)
	}
}

func Test_Memory_Crash_DiscardsUnfencedWrites(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	mem := device.NewMemory(512, 4)

	first := make([]byte, 512)
	for i := range first {
		first[i] = 0xAA
	}

	if err := mem.WriteBlocks(ctx, 0, first); err != nil {
		t.Fatalf("write 1: %v", err)
	}

	if err := mem.Fence(ctx); err != nil {
		t.Fatalf("fence: %v", err)
	}

	second := make([]byte, 512)
	for i := range second {
		second[i] = 0xBB
	}

	if err := mem.WriteBlocks(ctx, 0, second); err != nil {
		t.Fatalf("write 2: %v", err)
	}

	mem.Crash()

	got, err := mem.ReadBlocks(ctx, 0, 1)
	if err != nil {
		t.Fatalf("read after crash: %v", err)
	}

	for i := range got {
		if got[i] != 0xAA {
			t.Fatalf("byte %d = %#x after crash, want last fenced value 0xAA", i, got[i])
		}
	}
}

func Test_Memory_CorruptBlock_FlipsBitsDespiteFence(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	mem := device.NewMemory(512, 4)

	data := make([]byte, 512)
	if err := mem.WriteBlocks(ctx, 0, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := mem.Fence(ctx); err != nil {
		t.Fatalf("fence: %v", err)
	}

	mem.CorruptBlock(0, 10)

	got, err := mem.ReadBlocks(ctx, 0, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if got[10] == 0 {
		t.Fatalf("byte 10 unchanged, want corruption to flip it")
	}
}

func Test_Mirror_WriteBlocks_FansOutToEveryDevice(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	a := device.NewMemory(512, 4)
	b := device.NewMemory(512, 4)

	mirror, err := device.NewMirror(a, b)
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}

	data := make([]byte, 512)
	for i := range data {
		data[i] = 0x42
	}

	if err := mirror.WriteBlocks(ctx, 0, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	gotA, err := a.ReadBlocks(ctx, 0, 1)
	if err != nil {
		t.Fatalf("read a: %v", err)
	}

	gotB, err := b.ReadBlocks(ctx, 0, 1)
	if err != nil {
		t.Fatalf("read b: %v", err)
	}

	for i := range data {
		if gotA[i] != data[i] || gotB[i] != data[i] {
			t.Fatalf("mirror members diverged at byte %d: a=%#x b=%#x want %#x", i, gotA[i], gotB[i], data[i])
		}
	}
}

func Test_Mirror_RejectsGeometryMismatch(t *testing.T) {
	t.Parallel()

	a := device.NewMemory(512, 4)
	b := device.NewMemory(512, 8)

	_, err := device.NewMirror(a, b)
	if err == nil {
		t.Fatalf("expected geometry mismatch error")
	}
}

func Test_Mirror_ReadFromMirror_And_Repair(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	a := device.NewMemory(512, 4)
	b := device.NewMemory(512, 4)

	mirror, err := device.NewMirror(a, b)
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}

	good := make([]byte, 512)
	for i := range good {
		good[i] = 0x7E
	}

	if err := mirror.WriteBlocks(ctx, 0, good); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Corrupt only the first copy, as an integrity check elsewhere would
	// detect on a plain ReadBlocks.
	a.CorruptBlock(0, 0)

	recovered, err := mirror.ReadFromMirror(ctx, 1, 0, 1)
	if err != nil {
		t.Fatalf("read from mirror 1: %v", err)
	}

	if err := mirror.Repair(ctx, 0, recovered); err != nil {
		t.Fatalf("repair: %v", err)
	}

	healed, err := a.ReadBlocks(ctx, 0, 1)
	if err != nil {
		t.Fatalf("read healed copy: %v", err)
	}

	for i := range good {
		if healed[i] != good[i] {
			t.Fatalf("byte %d = %#x after repair, want %#x", i, healed[i], good[i])
		}
	}
}

func Test_Set_ConcatenatesChainsIntoOneAddressSpace(t *testing.T) {
	t.Parallel()

	ctx := t.Context()

	chainA, err := device.NewMirror(device.NewMemory(512, 4))
	if err != nil {
		t.Fatalf("chain a: %v", err)
	}

	chainB, err := device.NewMirror(device.NewMemory(512, 4))
	if err != nil {
		t.Fatalf("chain b: %v", err)
	}

	set, err := device.NewSet(chainA, chainB)
	if err != nil {
		t.Fatalf("new set: %v", err)
	}

	if set.BlockCount() != 8 {
		t.Fatalf("block count = %d, want 8", set.BlockCount())
	}

	data := make([]byte, 512)
	for i := range data {
		data[i] = 0x11
	}

	// Block 5 lives in chainB, relative offset 1.
	if err := set.WriteBlocks(ctx, 5, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := set.ReadBlocks(ctx, 5, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], data[i])
		}
	}
}

func Test_Set_RejectsRangeSpanningChainBoundary(t *testing.T) {
	t.Parallel()

	ctx := t.Context()

	chainA, err := device.NewMirror(device.NewMemory(512, 4))
	if err != nil {
		t.Fatalf("chain a: %v", err)
	}

	chainB, err := device.NewMirror(device.NewMemory(512, 4))
	if err != nil {
		t.Fatalf("chain b: %v", err)
	}

	set, err := device.NewSet(chainA, chainB)
	if err != nil {
		t.Fatalf("new set: %v", err)
	}

	_, err = set.ReadBlocks(ctx, 3, 2)
	if !errors.Is(err, errs.Io) {
		t.Fatalf("err = %v, want errs.Io", err)
	}
}

func Test_Set_ReadRepair_HealsFromSurvivingMirror(t *testing.T) {
	t.Parallel()

	ctx := t.Context()

	a := device.NewMemory(512, 4)
	b := device.NewMemory(512, 4)

	chain, err := device.NewMirror(a, b)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	set, err := device.NewSet(chain)
	if err != nil {
		t.Fatalf("new set: %v", err)
	}

	good := make([]byte, 512)
	for i := range good {
		good[i] = 0x5A
	}

	if err := set.WriteBlocks(ctx, 0, good); err != nil {
		t.Fatalf("write: %v", err)
	}

	a.CorruptBlock(0, 0)

	verify := func(candidate []byte) error {
		for i := range good {
			if candidate[i] != good[i] {
				return errs.Integrity
			}
		}

		return nil
	}

	recovered, err := set.ReadRepair(ctx, 0, 1, verify)
	if err != nil {
		t.Fatalf("read repair: %v", err)
	}

	for i := range good {
		if recovered[i] != good[i] {
			t.Fatalf("recovered byte %d = %#x, want %#x", i, recovered[i], good[i])
		}
	}

	healedA, err := a.ReadBlocks(ctx, 0, 1)
	if err != nil {
		t.Fatalf("read healed a: %v", err)
	}

	for i := range good {
		if healedA[i] != good[i] {
			t.Fatalf("mirror a byte %d = %#x after repair, want %#x", i, healedA[i], good[i])
		}
	}
}

func Test_Set_ReadRepair_FailsWhenNoMirrorVerifies(t *testing.T) {
	t.Parallel()

	ctx := t.Context()

	a := device.NewMemory(512, 4)
	b := device.NewMemory(512, 4)

	chain, err := device.NewMirror(a, b)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	set, err := device.NewSet(chain)
	if err != nil {
		t.Fatalf("new set: %v", err)
	}

	if err := set.WriteBlocks(ctx, 0, make([]byte, 512)); err != nil {
		t.Fatalf("write: %v", err)
	}

	a.CorruptBlock(0, 0)
	b.CorruptBlock(0, 0)

	alwaysFail := func([]byte) error { return errs.Integrity }

	_, err = set.ReadRepair(ctx, 0, 1, alwaysFail)
	if !errors.Is(err, errs.Integrity) {
		t.Fatalf("err = %v, want errs.Integrity", err)
	}
}
