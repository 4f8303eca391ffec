// Package objstore implements the copy-on-write, log-structured,
// block-addressed object store described across pkg/objstore: a flat
// namespace of byte-addressable objects backed by a mirrored/chained
// device set, a record-tree codec, a dirty-LRU cache, a best-fit block
// allocator and a double-fenced alternating superblock.
//
// Store, the type in this file, wires all of that together behind
// Create/Open/Read/Write/Resize/Destroy/FinishTransaction. Grounded on
// internal/store/store.go's Open/Close sequencing (lock, then recover,
// then hand back a ready-to-use handle) and on the reopen path already
// exercised end-to-end by pkg/objstore/txn's round-trip test: a throwaway
// Manager decodes the persisted object table and free-set blobs, and
// their contents seed the real Manager the returned Store keeps.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nros-go/objstore/pkg/objstore/alloc"
	"github.com/nros-go/objstore/pkg/objstore/bgtask"
	"github.com/nros-go/objstore/pkg/objstore/cache"
	"github.com/nros-go/objstore/pkg/objstore/device"
	"github.com/nros-go/objstore/pkg/objstore/errs"
	"github.com/nros-go/objstore/pkg/objstore/evict"
	"github.com/nros-go/objstore/pkg/objstore/objtable"
	"github.com/nros-go/objstore/pkg/objstore/tree"
	"github.com/nros-go/objstore/pkg/objstore/txn"
)

const (
	minBlockSize     = 1 << 9
	maxBlockOrRecord = 1 << 24
)

// Store is a single open instance of the object store: every package
// under pkg/objstore wired together behind a flat object-id namespace
// (spec §1-§2).
type Store struct {
	dev   *device.Set
	cache *cache.Cache
	alloc *alloc.Allocator
	table *objtable.Table
	mgr   *txn.Manager

	bg     *bgtask.Set
	evict  *evict.Engine
	cancel context.CancelFunc

	locks *lockSet

	maxRecordSize uint32

	readOnly atomic.Bool

	// sessionID labels this particular opening of the store for
	// diagnostics; it is not persisted anywhere on disk, mirroring how
	// the teacher mints a fresh uuid.UUID per recovery pass rather than
	// storing one.
	sessionID uuid.UUID
}

func log2PowerOfTwo(n uint32, name string) (uint8, error) {
	if n == 0 || bits.OnesCount32(n) != 1 {
		return 0, fmt.Errorf("objstore: %s must be a power of two, got %d", name, n)
	}

	return uint8(bits.TrailingZeros32(n)), nil
}

func buildDeviceSet(chains [][]device.Device) (*device.Set, error) {
	if len(chains) == 0 {
		return nil, errors.New("objstore: at least one mirror chain is required")
	}

	mirrors := make([]*device.Mirror, len(chains))

	for i, chain := range chains {
		m, err := device.NewMirror(chain...)
		if err != nil {
			return nil, fmt.Errorf("objstore: build mirror chain %d: %w", i, err)
		}

		mirrors[i] = m
	}

	set, err := device.NewSet(mirrors...)
	if err != nil {
		return nil, fmt.Errorf("objstore: build device set: %w", err)
	}

	return set, nil
}

func newStore(dev *device.Set, c *cache.Cache, a *alloc.Allocator, table *objtable.Table, mgr *txn.Manager, maxRecordSize uint32, cacheSizeBytes uint64) *Store {
	s := &Store{
		dev:           dev,
		cache:         c,
		alloc:         a,
		table:         table,
		mgr:           mgr,
		locks:         newLockSet(),
		bg:            bgtask.New(),
		maxRecordSize: maxRecordSize,
		sessionID:     uuid.New(),
	}

	// cacheSizeBytes == 0 means unbounded (cache.New's own convention);
	// with no budget there is no pressure to evict against, so the
	// background loop never runs.
	if cacheSizeBytes > 0 {
		s.evict = evict.New(c, mgr, s.bg, maxRecordSize, cacheSizeBytes)

		runCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel

		go func() { _ = s.evict.Run(runCtx) }()
	}

	return s
}

// Create initializes a brand-new store across cfg.Mirrors and returns it
// open and ready for use (spec §6, "Configuration (creation)").
func Create(ctx context.Context, cfg CreateConfig) (*Store, error) {
	if ctx == nil {
		return nil, errors.New("objstore: create: context is nil")
	}

	blockSizeLog2, err := log2PowerOfTwo(cfg.BlockSize, "block size")
	if err != nil {
		return nil, fmt.Errorf("objstore: create: %w", err)
	}

	if cfg.BlockSize < minBlockSize || cfg.BlockSize > maxBlockOrRecord {
		return nil, fmt.Errorf("objstore: create: block size %d out of range [%d, %d]", cfg.BlockSize, minBlockSize, maxBlockOrRecord)
	}

	maxRecordSizeLog2, err := log2PowerOfTwo(cfg.MaxRecordSize, "max record size")
	if err != nil {
		return nil, fmt.Errorf("objstore: create: %w", err)
	}

	if cfg.MaxRecordSize < cfg.BlockSize || cfg.MaxRecordSize > maxBlockOrRecord {
		return nil, fmt.Errorf("objstore: create: max record size %d out of range [%d, %d]", cfg.MaxRecordSize, cfg.BlockSize, maxBlockOrRecord)
	}

	dev, err := buildDeviceSet(cfg.Mirrors)
	if err != nil {
		return nil, fmt.Errorf("objstore: create: %w", err)
	}

	if dev.BlockSize() != cfg.BlockSize {
		return nil, fmt.Errorf("objstore: create: device block size %d does not match configured %d", dev.BlockSize(), cfg.BlockSize)
	}

	sb, sbCopy, err := txn.Bootstrap(ctx, dev, blockSizeLog2, maxRecordSizeLog2)
	if err != nil {
		return nil, fmt.Errorf("objstore: create: %w", err)
	}

	c := cache.New(cfg.CacheSizeBytes)
	// Blocks 0 and N-1 hold the two superblock copies; only the blocks
	// between them are handed to the allocator.
	a := alloc.Load(dev.BlockCount(), []alloc.Range{{Start: 1, Length: dev.BlockCount() - 2}})
	table := objtable.New()

	mgr := txn.NewManager(c, a, table, dev, cfg.MaxRecordSize, cfg.Compression, sb, sbCopy)

	return newStore(dev, c, a, table, mgr, cfg.MaxRecordSize, cfg.CacheSizeBytes), nil
}

// Open reopens a store previously written by Create, reconstructing the
// object table and allocator free-set from the superblock copy with the
// highest verified generation (spec §6, "Configuration (load)").
func Open(ctx context.Context, cfg LoadConfig) (*Store, error) {
	if ctx == nil {
		return nil, errors.New("objstore: open: context is nil")
	}

	dev, err := buildDeviceSet(cfg.Mirrors)
	if err != nil {
		return nil, fmt.Errorf("objstore: open: %w", err)
	}

	sb, sbCopy, err := txn.LoadSuperblock(ctx, dev)
	if err != nil {
		return nil, fmt.Errorf("objstore: open: %w", err)
	}

	maxRecordSize := uint32(1) << sb.MaxRecSizeLog2

	// A throwaway manager over empty wiring, solely to decode the
	// persisted object table and free-set blobs the real Manager below
	// will own; it shares nothing with the returned Store.
	bootstrapMgr := txn.NewManager(cache.New(0), alloc.New(dev.BlockCount()), objtable.New(), dev, maxRecordSize, cfg.Compression, sb, sbCopy)
	bootstrapMgr.SetAllowRepair(cfg.AllowRepair)

	headers, err := bootstrapMgr.LoadPersistedTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("objstore: open: %w", err)
	}

	freeRanges, err := bootstrapMgr.LoadPersistedFreeSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("objstore: open: %w", err)
	}

	if freeRanges == nil {
		// Never committed since Create: everything but the two superblock
		// copies is free.
		freeRanges = []alloc.Range{{Start: 1, Length: dev.BlockCount() - 2}}
	}

	table := objtable.NewFromHeaders(headers)
	a := alloc.Load(dev.BlockCount(), freeRanges)
	c := cache.New(cfg.CacheSizeBytes)

	mgr := txn.NewManager(c, a, table, dev, maxRecordSize, cfg.Compression, sb, sbCopy)
	mgr.SetAllowRepair(cfg.AllowRepair)

	return newStore(dev, c, a, table, mgr, maxRecordSize, cfg.CacheSizeBytes), nil
}

// SessionID returns the identifier minted for this particular opening of
// the store. It exists only for diagnostics and is never persisted.
func (s *Store) SessionID() uuid.UUID { return s.sessionID }

// CreateObject allocates a fresh object id with null roots and zero
// length (spec §3, Lifecycle).
func (s *Store) CreateObject() (uint64, error) {
	if s.readOnly.Load() {
		return 0, fmt.Errorf("objstore: create object: %w", errs.ReadOnly)
	}

	return s.table.Create()
}

func (s *Store) tree(objectID uint64) *tree.Tree {
	return tree.New(s.cache, s.mgr, s.mgr, s.mgr, objectID, 0, s.maxRecordSize)
}

// Length returns objectID's current total length in bytes (spec §3:
// "total_length").
func (s *Store) Length(ctx context.Context, objectID uint64) (uint64, error) {
	unlock := s.locks.lockInclusive(objectID)
	defer unlock()

	return s.tree(objectID).Length(ctx)
}

// Read fills buf with objectID's bytes starting at offset, returning the
// number of bytes read (spec §4.4).
func (s *Store) Read(ctx context.Context, objectID uint64, offset uint64, buf []byte) (int, error) {
	unlock := s.locks.lockInclusive(objectID)
	defer unlock()

	return s.tree(objectID).Read(ctx, offset, buf)
}

// Write stores data at offset within objectID, growing the object if the
// write extends past its current length (spec §4.4).
func (s *Store) Write(ctx context.Context, objectID uint64, offset uint64, data []byte) error {
	if s.readOnly.Load() {
		return fmt.Errorf("objstore: write: %w", errs.ReadOnly)
	}

	unlock := s.locks.lockExclusive(objectID)
	defer unlock()

	if err := s.cache.Reserve(ctx, uint64(len(data))); err != nil {
		return fmt.Errorf("objstore: write: %w", err)
	}

	return s.tree(objectID).Write(ctx, offset, data)
}

// Resize grows or shrinks objectID to newLength, freeing any blocks a
// shrink drops (spec §4.4).
func (s *Store) Resize(ctx context.Context, objectID uint64, newLength uint64) error {
	if s.readOnly.Load() {
		return fmt.Errorf("objstore: resize: %w", errs.ReadOnly)
	}

	unlock := s.locks.lockExclusive(objectID)
	defer unlock()

	return s.tree(objectID).Resize(ctx, newLength)
}

// Destroy frees every block objectID holds and drops its reference count
// to zero. The table entry and the id itself are reclaimed at the next
// FinishTransaction, not here (spec §3: "reference_count == 0 implies the
// object is unreachable; its space is reclaimed at next transaction" --
// see DESIGN.md for why the table removal is a commit-time step).
func (s *Store) Destroy(ctx context.Context, objectID uint64) error {
	if s.readOnly.Load() {
		return fmt.Errorf("objstore: destroy: %w", errs.ReadOnly)
	}

	unlock := s.locks.lockExclusive(objectID)
	defer unlock()

	if err := s.tree(objectID).Resize(ctx, 0); err != nil {
		return fmt.Errorf("objstore: destroy: %w", err)
	}

	if err := s.clearReferenceCount(ctx, objectID); err != nil {
		return fmt.Errorf("objstore: destroy: %w", err)
	}

	return nil
}

func (s *Store) clearReferenceCount(ctx context.Context, objectID uint64) error {
	key := cache.ObjectKey(objectID)

	load := func(ctx context.Context) ([]byte, error) {
		h, err := s.mgr.LoadHeader(ctx, objectID)
		if err != nil {
			return nil, err
		}

		return h.Bytes(), nil
	}

	e, err := s.cache.Fetch(ctx, key, load)
	if err != nil {
		return err
	}

	h, err := objtable.DecodeHeader(e.Data)
	e.Release()

	if err != nil {
		return err
	}

	h.ReferenceCount = 0

	mut, err := s.cache.GetMut(ctx, key, h.Bytes(), load)
	if err != nil {
		return err
	}

	mut.Release()

	return nil
}

// FinishTransaction commits every mutation made since the last call (spec
// §4.7). It first joins the background task set so an eviction-driven
// flush error surfaces here instead of being silently lost (spec §7: "an
// error during eviction's background flush is delivered to the next
// finish_transaction"), then drains the dirty cache and persists the
// superblock through the transaction manager. Any failure along the way
// -- a surfaced background error, or the commit itself -- leaves the
// store read-only until it is reopened, since the manager's abort path
// does not roll back cache entries a partial drain already flushed; a
// reload is the only way back to a known-consistent state.
func (s *Store) FinishTransaction(ctx context.Context) error {
	if s.readOnly.Load() {
		return fmt.Errorf("objstore: finish transaction: %w", errs.ReadOnly)
	}

	if err := s.bg.Join(); err != nil {
		s.readOnly.Store(true)
		return fmt.Errorf("objstore: finish transaction: background flush failed, store is now read-only: %w", err)
	}

	if err := s.mgr.Commit(ctx); err != nil {
		s.readOnly.Store(true)
		return fmt.Errorf("objstore: finish transaction: %w", err)
	}

	return nil
}

// Close stops the background eviction loop and waits for any outstanding
// background flush to finish. It does not commit pending mutations --
// call FinishTransaction first if they need to survive a reopen.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
	}

	return s.bg.Join()
}
