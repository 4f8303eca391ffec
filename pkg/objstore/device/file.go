package device

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/natefinch/atomic"

	"github.com/nros-go/objstore/pkg/objstore/errs"
)

// File is an os.File-backed [Device]. It is the on-disk counterpart to
// [Memory], intended for tools and integration tests that want a real file
// rather than a memory buffer.
type File struct {
	f          *os.File
	blockSize  uint32
	blockCount uint64
}

// CreateFile creates a new zero-filled device image at path and opens it as
// a [File]. The whole image is written once, atomically (temp file + fsync
// + rename via github.com/natefinch/atomic), so a crash during creation
// never leaves a partially-initialized image at path.
func CreateFile(path string, blockSize uint32, blockCount uint64) (*File, error) {
	size := uint64(blockSize) * blockCount

	zeros := bytes.NewReader(make([]byte, size))

	err := atomic.WriteFile(path, zeros)
	if err != nil {
		return nil, fmt.Errorf("device: create file %q: %w", path, err)
	}

	return OpenFile(path, blockSize, blockCount)
}

// OpenFile opens an existing device image. blockSize/blockCount must match
// what the image was created with; callers typically learn these from a
// decoded superblock before calling OpenFile.
func OpenFile(path string, blockSize uint32, blockCount uint64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("device: open file %q: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("device: stat file %q: %w", path, err)
	}

	want := int64(blockSize) * int64(blockCount) //nolint:gosec
	if info.Size() < want {
		_ = f.Close()

		return nil, fmt.Errorf("device: file %q is %d bytes, want at least %d: %w", path, info.Size(), want, errs.Io)
	}

	return &File{f: f, blockSize: blockSize, blockCount: blockCount}, nil
}

func (d *File) BlockSize() uint32  { return d.blockSize }
func (d *File) BlockCount() uint64 { return d.blockCount }

func (d *File) ReadBlocks(_ context.Context, blockOffset uint64, blockCount uint32) ([]byte, error) {
	if err := checkBounds(blockOffset, blockCount, d.blockCount); err != nil {
		return nil, err
	}

	length := int64(blockCount) * int64(d.blockSize) //nolint:gosec
	buf := make([]byte, length)

	_, err := d.f.ReadAt(buf, int64(blockOffset)*int64(d.blockSize)) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("device: read at block %d: %w: %w", blockOffset, err, errs.Io)
	}

	return buf, nil
}

func (d *File) WriteBlocks(_ context.Context, blockOffset uint64, data []byte) error {
	if uint32(len(data))%d.blockSize != 0 { //nolint:gosec
		return fmt.Errorf("device: write length %d not a multiple of block size %d: %w", len(data), d.blockSize, errs.Io)
	}

	blockCount := uint32(uint64(len(data)) / uint64(d.blockSize)) //nolint:gosec

	if err := checkBounds(blockOffset, blockCount, d.blockCount); err != nil {
		return err
	}

	_, err := d.f.WriteAt(data, int64(blockOffset)*int64(d.blockSize)) //nolint:gosec
	if err != nil {
		return fmt.Errorf("device: write at block %d: %w: %w", blockOffset, err, errs.Io)
	}

	return nil
}

func (d *File) Fence(_ context.Context) error {
	err := d.f.Sync()
	if err != nil {
		return fmt.Errorf("device: fence: %w: %w", err, errs.Io)
	}

	return nil
}

// Close releases the underlying file handle.
func (d *File) Close() error {
	return d.f.Close()
}
