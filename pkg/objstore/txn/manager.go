package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nros-go/objstore/pkg/objstore/alloc"
	"github.com/nros-go/objstore/pkg/objstore/cache"
	"github.com/nros-go/objstore/pkg/objstore/device"
	"github.com/nros-go/objstore/pkg/objstore/errs"
	"github.com/nros-go/objstore/pkg/objstore/objtable"
	"github.com/nros-go/objstore/pkg/objstore/record"
	"github.com/nros-go/objstore/pkg/objstore/tree"
)

// Reserved pseudo object ids for the two bootstrap blobs that are not
// reachable through the object table -- the object table and allocator
// free-set themselves (spec §6: both "stored as ordinary objects", but
// addressed directly from the superblock rather than through a header,
// since the object table cannot index itself). They sit just above
// objtable.MaxObjectID, so they can never collide with a real object id.
const (
	objectTableBlobID = objtable.MaxObjectID + 1
	freeSetBlobID     = objtable.MaxObjectID + 2
)

// Manager is the transaction manager (spec §4.7): it drains the cache's
// dirty LRU bottom-up at commit time, persists the object table and
// allocator free-set, and writes the double-buffered superblock.
//
// Manager also backs the tree engine's [tree.NodeSource], [tree.HeaderSource]
// and [tree.Freer] interfaces, since reading a record off the device and
// queuing its replaced range for release are the same codec/allocator
// wiring the commit path itself needs.
//
// Grounded on internal/store/tx.go's Tx (buffered ops, Begin/Commit/
// Rollback, WAL-then-apply-then-truncate sequencing) generalized from a
// JSONL WAL over ticket files to a record-tree flush over blocks, and on
// wal.go's footer-checksum pattern for the superblock's generation + auth
// tag.
type Manager struct {
	mu sync.Mutex

	cache *cache.Cache
	alloc *alloc.Allocator
	table *objtable.Table
	dev   *device.Set

	maxRecordSize   uint32
	blockSize       uint32
	childrenPerNode int
	codec           record.Codec

	sb           Superblock
	lastGoodCopy int // which of the two on-disk copies currently holds sb

	// allowRepair is read from readRecord, which runs both under m.mu (the
	// commit/flush paths) and without it (plain tree reads) -- a plain bool
	// guarded by m.mu would deadlock the former, so this is lock-free.
	allowRepair atomic.Bool
}

// NewManager builds a transaction manager over already-opened wiring. sb
// and sbCopy are the superblock state and copy index a prior
// [LoadSuperblock] (or [Bootstrap]) returned. Repair-on-read is enabled by
// default; see [Manager.SetAllowRepair].
func NewManager(c *cache.Cache, a *alloc.Allocator, t *objtable.Table, dev *device.Set, maxRecordSize uint32, codec record.Codec, sb Superblock, sbCopy int) *Manager {
	m := &Manager{
		cache:           c,
		alloc:           a,
		table:           t,
		dev:             dev,
		maxRecordSize:   maxRecordSize,
		blockSize:       dev.BlockSize(),
		childrenPerNode: tree.ChildrenPerNode(maxRecordSize),
		codec:           codec,
		sb:              sb,
		lastGoodCopy:    sbCopy,
	}
	m.allowRepair.Store(true)

	return m
}

// SetAllowRepair controls whether a verification failure on a mirrored
// device set triggers a repair read from a surviving copy (spec §6:
// load-time `allow_repair`). Repair is enabled by default.
func (m *Manager) SetAllowRepair(allow bool) {
	m.allowRepair.Store(allow)
}

// Superblock returns the last superblock state this Manager knows to be
// durable.
func (m *Manager) Superblock() Superblock {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sb
}

// blocksFor returns the number of blockSize-byte blocks needed to hold n
// bytes.
func blocksFor(n uint64, blockSize uint32) uint64 {
	bs := uint64(blockSize)
	return (n + bs - 1) / bs
}

func padTo(b []byte, size uint64) []byte {
	if uint64(len(b)) == size {
		return b
	}

	out := make([]byte, size)
	copy(out, b)

	return out
}

// --- tree.NodeSource / tree.HeaderSource / tree.Freer ---

// ReadNode implements [tree.NodeSource]: reads ref's blocks off the device
// set, repairing from a mirror copy on an authentication failure.
func (m *Manager) ReadNode(ctx context.Context, objectID uint64, depth uint8, offset uint64, ref record.Ref) ([]byte, error) {
	return m.readRecord(ctx, objectID, depth, offset, ref)
}

// LoadHeader implements [tree.HeaderSource]: the table already holds every
// object's last-committed header (Tree never mutates it outside a
// commit), so a cache miss on an object's header slot falls straight
// through to it.
func (m *Manager) LoadHeader(ctx context.Context, objectID uint64) (objtable.Header, error) {
	return m.table.Get(objectID)
}

// Free implements [tree.Freer]: queues ref's blocks for release once the
// current transaction commits (spec §4.2).
func (m *Manager) Free(ref record.Ref) {
	if ref.IsNull() {
		return
	}

	m.alloc.Free(alloc.Range{Start: ref.BlockOffset, Length: blocksFor(uint64(ref.Length), m.blockSize)})
}

func (m *Manager) readRecord(ctx context.Context, objectID uint64, depth uint8, offset uint64, ref record.Ref) ([]byte, error) {
	if ref.IsNull() {
		return nil, nil
	}

	blocks := blocksFor(uint64(ref.Length), m.blockSize)
	if blocks == 0 {
		blocks = 1
	}

	raw, err := m.dev.ReadBlocks(ctx, ref.BlockOffset, uint32(blocks)) //nolint:gosec
	if err != nil {
		return nil, err
	}

	payload, err := record.DecodePayload(objectID, depth, offset, ref, raw)
	if err == nil {
		return payload, nil
	}

	if !errors.Is(err, errs.Integrity) || !m.allowRepair.Load() {
		return nil, err
	}

	repaired, rerr := m.dev.ReadRepair(ctx, ref.BlockOffset, uint32(blocks), func(candidate []byte) error { //nolint:gosec
		_, verr := record.DecodePayload(objectID, depth, offset, ref, candidate)
		return verr
	})
	if rerr != nil {
		return nil, rerr
	}

	return record.DecodePayload(objectID, depth, offset, ref, repaired)
}

func (m *Manager) writeRecord(ctx context.Context, objectID uint64, depth uint8, offset uint64, payload []byte) (record.Ref, error) {
	packed, err := record.Encode(objectID, depth, offset, payload, m.codec)
	if err != nil {
		return record.Ref{}, fmt.Errorf("txn: encode record: %w", err)
	}

	if len(packed.Payload) == 0 {
		return record.Null, nil
	}

	blocks := blocksFor(uint64(len(packed.Payload)), m.blockSize)

	rng, err := m.alloc.Alloc(blocks)
	if err != nil {
		return record.Ref{}, fmt.Errorf("txn: allocate %d blocks: %w", blocks, err)
	}

	padded := padTo(packed.Payload, blocks*uint64(m.blockSize))

	if err := m.dev.WriteBlocks(ctx, rng.Start, padded); err != nil {
		return record.Ref{}, fmt.Errorf("txn: write record at block %d: %w", rng.Start, err)
	}

	return packed.ToRef(rng.Start), nil
}

func neverLoad(context.Context) ([]byte, error) {
	return nil, fmt.Errorf("txn: unexpected cache miss while flushing a node known to be resident")
}

// LoadPersistedTable decodes the object table blob named by the
// Manager's current superblock, for reconstructing an [objtable.Table] at
// store-open time. It returns an empty map for a freshly bootstrapped
// store (null object-table ref).
func (m *Manager) LoadPersistedTable(ctx context.Context) (map[uint64]objtable.Header, error) {
	if m.sb.ObjectTableRef.IsNull() {
		return map[uint64]objtable.Header{}, nil
	}

	buf, err := m.readRecord(ctx, objectTableBlobID, 0, 0, m.sb.ObjectTableRef)
	if err != nil {
		return nil, fmt.Errorf("txn: load object table: %w", err)
	}

	headers, err := objtable.Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("txn: decode object table: %w", err)
	}

	return headers, nil
}

// LoadPersistedFreeSet decodes the allocator free-set blob named by the
// Manager's current superblock, for reconstructing an [alloc.Allocator] at
// store-open time. It returns nil for a freshly bootstrapped store (null
// allocator ref) -- callers should treat that as "entirely free" apart from
// the two superblock copies at block 0 and the last block.
func (m *Manager) LoadPersistedFreeSet(ctx context.Context) ([]alloc.Range, error) {
	if m.sb.AllocatorRef.IsNull() {
		return nil, nil
	}

	buf, err := m.readRecord(ctx, freeSetBlobID, 0, 0, m.sb.AllocatorRef)
	if err != nil {
		return nil, fmt.Errorf("txn: load allocator free-set: %w", err)
	}

	ranges, err := alloc.DecodeFreeSet(buf)
	if err != nil {
		return nil, fmt.Errorf("txn: decode allocator free-set: %w", err)
	}

	return ranges, nil
}

// --- commit ---

// Commit drains the dirty LRU bottom-up, persists the object table and
// allocator free-set, fences the device set, and writes the superblock
// copy that is not currently the most recent (spec §4.7 steps 1-9). On any
// failure it discards the allocator's transactional delta and returns the
// error; the on-disk state remains at the previous generation.
func (m *Manager) Commit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.drainDirty(ctx); err != nil {
		m.alloc.Abort()
		return fmt.Errorf("txn: commit: %w", err)
	}

	tableRef, err := m.writeRecord(ctx, objectTableBlobID, 0, 0, objtable.Encode(m.table.Snapshot()))
	if err != nil {
		m.alloc.Abort()
		return fmt.Errorf("txn: commit: write object table: %w", err)
	}

	freeSetRef, err := m.writeRecord(ctx, freeSetBlobID, 0, 0, alloc.EncodeFreeSet(m.alloc.FreeRanges()))
	if err != nil {
		m.alloc.Abort()
		return fmt.Errorf("txn: commit: write allocator free-set: %w", err)
	}

	if err := m.dev.Fence(ctx); err != nil {
		m.alloc.Abort()
		return fmt.Errorf("txn: commit: fence before superblock write: %w", err)
	}

	next := m.sb
	next.ObjectTableRef = tableRef
	next.AllocatorRef = freeSetRef
	next.Generation = m.sb.Generation + 1

	targetCopy := 1 - m.lastGoodCopy
	if err := m.writeSuperblockCopy(ctx, targetCopy, next); err != nil {
		m.alloc.Abort()
		return fmt.Errorf("txn: commit: write superblock: %w", err)
	}

	if err := m.dev.Fence(ctx); err != nil {
		m.alloc.Abort()
		return fmt.Errorf("txn: commit: fence after superblock write: %w", err)
	}

	// The previous table/free-set blobs are only safe to reuse once the new
	// superblock naming their replacements is itself durable -- queue them now,
	// so Allocator.Commit below releases this transaction's node replacements
	// and these old blobs together, in one step (spec §4.7 step 8).
	m.Free(m.sb.ObjectTableRef)
	m.Free(m.sb.AllocatorRef)
	m.alloc.Commit()

	m.sb = next
	m.lastGoodCopy = targetCopy

	return nil
}

// drainDirty repeatedly pops the oldest dirty cache key and flushes it,
// until none remain. FIFO order is not strictly bottom-up: a root promoted
// by a growing write is dirtied before the leaves beneath it. A parent or
// header flushed ahead of its children is re-dirtied when each child's
// flush patches its slot, and is flushed again later in the same drain.
func (m *Manager) drainDirty(ctx context.Context) error {
	for {
		key, ok := m.cache.OldestDirty()
		if !ok {
			return nil
		}

		var err error
		if key.IsObject() {
			err = m.flushHeaderLocked(ctx, key.ObjectID)
		} else {
			err = m.flushNodeLocked(ctx, key)
		}

		if err != nil {
			return err
		}
	}
}

// FlushNode persists a single dirty record node outside of a commit: encode,
// allocate, write, then patch the parent child-ref slot that pointed at it
// (spec §4.7 step 2a). It takes the same commit lock Commit does, so
// [pkg/objstore/evict]'s background loop can flush a node evicted under
// memory pressure through the exact same path a commit's own drain uses,
// without racing a concurrent Commit over the same cache slots.
func (m *Manager) FlushNode(ctx context.Context, key cache.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.flushNodeLocked(ctx, key)
}

// FlushHeader persists a single dirty object header into the object table
// outside of a commit (spec §4.7 step 3). Exported for the same reason as
// [Manager.FlushNode].
func (m *Manager) FlushHeader(ctx context.Context, objectID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.flushHeaderLocked(ctx, objectID)
}

func (m *Manager) flushNodeLocked(ctx context.Context, key cache.Key) error {
	data, dirty, ok := m.cache.Peek(key)
	if !ok || !dirty {
		m.cache.ClearDirty(key)
		return nil
	}

	ref, err := m.writeRecord(ctx, key.ObjectID, key.Depth, key.Offset, data)
	if err != nil {
		return err
	}

	if err := m.patchParent(ctx, key.ObjectID, key.Depth, key.Offset, ref); err != nil {
		return err
	}

	m.cache.ClearDirty(key)

	return nil
}

func (m *Manager) flushHeaderLocked(ctx context.Context, objectID uint64) error {
	key := cache.ObjectKey(objectID)

	data, dirty, ok := m.cache.Peek(key)
	if !ok || !dirty {
		m.cache.ClearDirty(key)
		return nil
	}

	h, err := objtable.DecodeHeader(data)
	if err != nil {
		return fmt.Errorf("txn: commit: decode header for object %d: %w", objectID, err)
	}

	if h.ReferenceCount == 0 {
		// Unreachable: reclaim now (spec §3: "reference_count == 0 implies
		// the object is unreachable; its space is reclaimed at next
		// transaction"). Every block the object ever held was already
		// queued into the allocator's delta by whatever resize-to-zero
		// dropped the refcount; only the table bookkeeping remains.
		// Clearing the header's dirty flag first lets EvictObject drop it
		// too, so a recycled id never finds this header in the cache.
		m.cache.ClearDirty(key)
		m.cache.EvictObject(objectID)

		// Table.Destroy checks the table's own copy, which still holds the
		// last committed refcount until this header is stored.
		if err := m.table.Set(objectID, h); err != nil {
			return fmt.Errorf("txn: commit: reclaim object %d: %w", objectID, err)
		}

		if err := m.table.Destroy(objectID); err != nil {
			return fmt.Errorf("txn: commit: reclaim object %d: %w", objectID, err)
		}

		return nil
	}

	rootDepth, err := tree.DepthForLength(h.TotalLength, m.maxRecordSize)
	if err != nil {
		return fmt.Errorf("txn: commit: object %d: %w", objectID, err)
	}

	blocks, err := m.countReachableBlocks(ctx, objectID, h.Roots[0], rootDepth, 0)
	if err != nil {
		return fmt.Errorf("txn: commit: count blocks for object %d: %w", objectID, err)
	}

	h.BlockCount = blocks

	if err := m.table.Set(objectID, h); err != nil {
		return fmt.Errorf("txn: commit: persist header for object %d: %w", objectID, err)
	}

	m.cache.ClearDirty(key)

	return nil
}

// countReachableBlocks sums the blocks addressed by every non-null
// RecordRef reachable from ref (a depth-deep subtree rooted at nodeOffset),
// for maintaining the header invariant "block_count equals the sum of
// blocks reachable from the roots after a committed transaction" (spec §3).
// It runs whenever the header is flushed, from inside drainDirty or from
// FlushHeader, so nodes of the object may still be dirty; every non-null
// ref it follows was produced by writeRecord and addresses written blocks.
// A header flushed before its root's final flush is re-dirtied by that
// flush and counted again.
func (m *Manager) countReachableBlocks(ctx context.Context, objectID uint64, ref record.Ref, depth uint8, nodeOffset uint64) (uint64, error) {
	if ref.IsNull() {
		return 0, nil
	}

	total := blocksFor(uint64(ref.Length), m.blockSize)

	if depth == 0 {
		return total, nil
	}

	payload, err := m.readRecord(ctx, objectID, depth, nodeOffset, ref)
	if err != nil {
		return 0, err
	}

	children, err := tree.DecodeNode(payload, m.childrenPerNode)
	if err != nil {
		return 0, err
	}

	childCap := tree.Capacity(depth-1, m.maxRecordSize)

	for i, cr := range children {
		n, err := m.countReachableBlocks(ctx, objectID, cr, depth-1, nodeOffset+uint64(i)*childCap) //nolint:gosec
		if err != nil {
			return 0, err
		}

		total += n
	}

	return total, nil
}

// currentHeader returns the in-flight header for objectID: its resident
// cache bytes if still present (possibly already patched by an
// earlier-flushed sibling this same commit), or the last-committed table
// entry otherwise.
func (m *Manager) currentHeader(objectID uint64) (objtable.Header, bool, error) {
	data, _, ok := m.cache.Peek(cache.ObjectKey(objectID))
	if ok {
		h, err := objtable.DecodeHeader(data)
		return h, true, err
	}

	h, err := m.table.Get(objectID)

	return h, false, err
}

// patchParent rewrites the child-ref slot that pointed at the
// just-flushed node (depth, offset) with its fresh ref: either an
// ancestor internal node, or -- if (depth, offset) is root 0 itself --
// the object's own header (spec §4.7: "encode, allocate, write, then
// update the parent child-ref slot").
func (m *Manager) patchParent(ctx context.Context, objectID uint64, depth uint8, offset uint64, newRef record.Ref) error {
	header, resident, err := m.currentHeader(objectID)
	if err != nil {
		return fmt.Errorf("txn: commit: load header for object %d: %w", objectID, err)
	}

	rootDepth, err := tree.DepthForLength(header.TotalLength, m.maxRecordSize)
	if err != nil {
		return err
	}

	if depth == rootDepth && offset == 0 {
		oldRef := header.Roots[0]
		header.Roots[0] = newRef

		if resident {
			e, err := m.cache.GetMut(ctx, cache.ObjectKey(objectID), header.Bytes(), neverLoad)
			if err != nil {
				return err
			}

			e.Release()
		} else {
			// Never touched this transaction (no dirty header slot): this can
			// only happen for the root itself, which only changes via a tree
			// mutation that always dirties the header too -- defensive only.
			if err := m.table.Set(objectID, header); err != nil {
				return err
			}
		}

		m.Free(oldRef)

		return nil
	}

	parentDepth := depth + 1
	parentCap := tree.Capacity(parentDepth, m.maxRecordSize)
	parentOffset := (offset / parentCap) * parentCap
	childCap := tree.Capacity(depth, m.maxRecordSize)
	idx := int((offset - parentOffset) / childCap)

	parentKey := cache.RecordKey(objectID, parentDepth, parentOffset)

	pdata, _, ok := m.cache.Peek(parentKey)
	if !ok {
		return fmt.Errorf("txn: commit: parent node %s not resident while flushing child at depth %d offset %d", parentKey, depth, offset)
	}

	children, err := tree.DecodeNode(pdata, m.childrenPerNode)
	if err != nil {
		return err
	}

	oldRef := children[idx]
	children[idx] = newRef

	e, err := m.cache.GetMut(ctx, parentKey, tree.EncodeNode(children, m.childrenPerNode), neverLoad)
	if err != nil {
		return err
	}

	e.Release()

	m.Free(oldRef)

	return nil
}
