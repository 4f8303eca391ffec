package tree

import (
	"context"
	"fmt"

	"github.com/nros-go/objstore/pkg/objstore/cache"
	"github.com/nros-go/objstore/pkg/objstore/errs"
	"github.com/nros-go/objstore/pkg/objstore/objtable"
	"github.com/nros-go/objstore/pkg/objstore/record"
)

// NodeSource reads the decoded bytes a RecordRef addresses, for a cache
// miss on a resident tree node (spec §4.5: the Busy task "calls the
// codec+device"). depth/offset identify the node within objectID's tree,
// for the record codec's authentication input (spec §4.3).
type NodeSource interface {
	ReadNode(ctx context.Context, objectID uint64, depth uint8, offset uint64, ref record.Ref) ([]byte, error)
}

// HeaderSource loads an object's last-committed header, for a cache miss
// on the object's own FLAG_OBJECT slot.
type HeaderSource interface {
	LoadHeader(ctx context.Context, objectID uint64) (objtable.Header, error)
}

// Freer receives the RecordRefs of nodes dropped by a shrinking resize, so
// their blocks can be queued into the allocator's transactional delta
// (spec §4.2: "free ... enqueues the range for release only after the
// transaction commits").
type Freer interface {
	Free(ref record.Ref)
}

// Tree is a view over one object's record tree, addressed through rootIndex
// (spec §3: "each object may have multiple roots"). This module only ever
// grows/shrinks root 0, the object's general-purpose data tree; see
// SPEC_FULL.md §E for why roots 1-3 stay reserved.
type Tree struct {
	cache           *cache.Cache
	nodes           NodeSource
	headers         HeaderSource
	freer           Freer
	objectID        uint64
	rootIndex       int
	maxRecordSize   uint32
	childrenPerNode int
}

// New builds a Tree view over objectID's rootIndex-th root.
func New(c *cache.Cache, nodes NodeSource, headers HeaderSource, freer Freer, objectID uint64, rootIndex int, maxRecordSize uint32) *Tree {
	return &Tree{
		cache:           c,
		nodes:           nodes,
		headers:         headers,
		freer:           freer,
		objectID:        objectID,
		rootIndex:       rootIndex,
		maxRecordSize:   maxRecordSize,
		childrenPerNode: ChildrenPerNode(maxRecordSize),
	}
}

// WithRoot returns a Tree for the same object addressing a different root
// index, sharing the same cache/device/allocator wiring.
func (t *Tree) WithRoot(rootIndex int) *Tree {
	cp := *t
	cp.rootIndex = rootIndex

	return &cp
}

func (t *Tree) headerKey() cache.Key { return cache.ObjectKey(t.objectID) }

func (t *Tree) headerLoader(ctx context.Context) ([]byte, error) {
	h, err := t.headers.LoadHeader(ctx, t.objectID)
	if err != nil {
		return nil, fmt.Errorf("tree: load header for object %d: %w", t.objectID, err)
	}

	return h.Bytes(), nil
}

// fetchHeader returns the resident (object, Header) entry, loading it on
// a miss.
func (t *Tree) fetchHeader(ctx context.Context) (*cache.Entry, objtable.Header, error) {
	e, err := t.cache.Fetch(ctx, t.headerKey(), t.headerLoader)
	if err != nil {
		return nil, objtable.Header{}, err
	}

	h, err := objtable.DecodeHeader(e.Data)
	if err != nil {
		e.Release()
		return nil, objtable.Header{}, err
	}

	return e, h, nil
}

// Length returns the object's current total length.
func (t *Tree) Length(ctx context.Context) (uint64, error) {
	e, h, err := t.fetchHeader(ctx)
	if err != nil {
		return 0, err
	}
	e.Release()

	return h.TotalLength, nil
}

func (t *Tree) leafSize() uint32 { return t.maxRecordSize }

func (t *Tree) nodeLoader(depth uint8, offset uint64, ref record.Ref) cache.Loader {
	return func(ctx context.Context) ([]byte, error) {
		if ref.IsNull() {
			if depth == 0 {
				return make([]byte, t.leafSize()), nil
			}

			return make([]byte, t.childrenPerNode*record.Size), nil
		}

		return t.nodes.ReadNode(ctx, t.objectID, depth, offset, ref)
	}
}

// Read fills buf with the object's bytes starting at offset, zero-filling
// any portion at or beyond the object's current length (spec §4.4: "a read
// beyond current length returns zeros, never an error").
func (t *Tree) Read(ctx context.Context, offset uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	if err := CheckAddressable(offset); err != nil {
		return 0, err
	}

	he, h, err := t.fetchHeader(ctx)
	if err != nil {
		return 0, err
	}
	defer he.Release()

	for i := range buf {
		buf[i] = 0
	}

	if offset >= h.TotalLength {
		return len(buf), nil
	}

	n := len(buf)
	if end := offset + uint64(n); end > h.TotalLength { //nolint:gosec
		n = int(h.TotalLength - offset) //nolint:gosec
	}

	depth, err := DepthForLength(h.TotalLength, t.maxRecordSize)
	if err != nil {
		return 0, err
	}

	if err := t.readSubtree(ctx, h.Roots[t.rootIndex], depth, 0, offset, buf[:n]); err != nil {
		return 0, err
	}

	return len(buf), nil
}

// readSubtree reads into dst the bytes of the subtree rooted at (depth,
// nodeOffset) that fall within [offset, offset+len(dst)).
func (t *Tree) readSubtree(ctx context.Context, ref record.Ref, depth uint8, nodeOffset, offset uint64, dst []byte) error {
	key := cache.RecordKey(t.objectID, depth, nodeOffset)

	if ref.IsNull() {
		// A null ref normally means "no blocks, read as zero" -- but a node
		// freshly promoted/created this transaction is never given a real
		// ref until commit, so it is still null while dirty. Only treat it
		// as genuinely empty when it is also not cache-resident.
		if _, _, resident := t.cache.Peek(key); !resident {
			return nil // already zeroed by the caller
		}
	}

	e, err := t.cache.Fetch(ctx, key, t.nodeLoader(depth, nodeOffset, ref))
	if err != nil {
		return err
	}
	defer e.Release()

	if depth == 0 {
		local := offset - nodeOffset
		copy(dst, e.Data[local:local+uint64(len(dst))]) //nolint:gosec

		return nil
	}

	children, err := DecodeNode(e.Data, t.childrenPerNode)
	if err != nil {
		return err
	}

	childCap := Capacity(depth-1, t.maxRecordSize)
	remaining := dst
	cur := offset

	for len(remaining) > 0 {
		idx, childLocalOff := ChildIndex(cur-nodeOffset, depth, t.maxRecordSize)
		childStart := nodeOffset + uint64(idx)*childCap //nolint:gosec

		n := childCap - childLocalOff
		if uint64(len(remaining)) < n { //nolint:gosec
			n = uint64(len(remaining)) //nolint:gosec
		}

		if err := t.readSubtree(ctx, children[idx], depth-1, childStart, cur, remaining[:n]); err != nil {
			return err
		}

		remaining = remaining[n:]
		cur += n
	}

	return nil
}

// Write stores data at offset, growing the object (and its tree depth) if
// the write extends past the current length (spec §4.4: "a write beyond
// current length grows the object").
func (t *Tree) Write(ctx context.Context, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	end := offset + uint64(len(data)) //nolint:gosec
	if err := CheckAddressable(end - 1); err != nil {
		return err
	}

	he, h, err := t.fetchHeader(ctx)
	if err != nil {
		return err
	}
	defer he.Release()

	oldDepth, err := DepthForLength(h.TotalLength, t.maxRecordSize)
	if err != nil {
		return err
	}

	newLength := h.TotalLength
	if end > newLength {
		newLength = end
	}

	newDepth, err := DepthForLength(newLength, t.maxRecordSize)
	if err != nil {
		return err
	}

	rootRef := h.Roots[t.rootIndex]

	promoteChild := rootRef
	for d := oldDepth; d < newDepth; d++ {
		if err := t.promote(ctx, promoteChild, d); err != nil {
			return err
		}

		promoteChild = record.Null // the wrapping node is resident-only until flush
	}

	if err := t.writeSubtree(ctx, rootRef, newDepth, 0, offset, data); err != nil {
		return err
	}

	if newLength != h.TotalLength {
		h.TotalLength = newLength
		if err := t.putHeader(ctx, h); err != nil {
			return err
		}
	} else {
		if err := t.cache.MarkDirty(t.headerKey()); err != nil {
			return err
		}
	}

	return nil
}

// promote wraps the current depth-d root under a fresh depth-(d+1) node
// whose first child is the old root (spec §4.4: "the tree grows by
// promoting the current root under a new internal node whose first child
// is the old root").
func (t *Tree) promote(ctx context.Context, oldRootRef record.Ref, oldDepth uint8) error {
	children := make([]record.Ref, t.childrenPerNode)
	children[0] = oldRootRef

	buf := EncodeNode(children, t.childrenPerNode)
	newKey := cache.RecordKey(t.objectID, oldDepth+1, 0)
	t.cache.Install(newKey, buf, true).Release()

	return nil
}

// writeSubtree descends to every leaf overlapping [offset, offset+len(data))
// within the subtree rooted at (depth, nodeOffset), installing any missing
// internal nodes/leaves along the way (null-extension, spec §4.4).
func (t *Tree) writeSubtree(ctx context.Context, ref record.Ref, depth uint8, nodeOffset, offset uint64, data []byte) error {
	key := cache.RecordKey(t.objectID, depth, nodeOffset)

	if depth == 0 {
		e, err := t.cache.Fetch(ctx, key, t.nodeLoader(depth, nodeOffset, ref))
		if err != nil {
			return err
		}

		local := offset - nodeOffset
		newData := make([]byte, len(e.Data))
		copy(newData, e.Data)
		copy(newData[local:], data)
		e.Release()

		me, err := t.cache.GetMut(ctx, key, newData, t.nodeLoader(depth, nodeOffset, ref))
		if err != nil {
			return err
		}
		me.Release()

		return nil
	}

	e, err := t.cache.Fetch(ctx, key, t.nodeLoader(depth, nodeOffset, ref))
	if err != nil {
		return err
	}

	buf := e.Data
	e.Release()

	childCap := Capacity(depth-1, t.maxRecordSize)
	remaining := data
	cur := offset
	dirtied := false

	for len(remaining) > 0 {
		idx, childLocalOff := ChildIndex(cur-nodeOffset, depth, t.maxRecordSize)
		childStart := nodeOffset + uint64(idx)*childCap //nolint:gosec

		n := childCap - childLocalOff
		if uint64(len(remaining)) < n { //nolint:gosec
			n = uint64(len(remaining)) //nolint:gosec
		}

		cref, err := childRef(buf, idx)
		if err != nil {
			return err
		}

		if err := t.writeSubtree(ctx, cref, depth-1, childStart, cur, remaining[:n]); err != nil {
			return err
		}

		dirtied = true
		remaining = remaining[n:]
		cur += n
	}

	if dirtied {
		if err := t.cache.MarkDirty(key); err != nil {
			return err
		}
	}

	return nil
}

func (t *Tree) putHeader(ctx context.Context, h objtable.Header) error {
	e, err := t.cache.GetMut(ctx, t.headerKey(), h.Bytes(), t.headerLoader)
	if err != nil {
		return err
	}
	e.Release()

	return nil
}

// Resize grows (null-extension) or shrinks (freeing dropped subtrees) the
// object to newLength (spec §4.4: "grow by null-extension, shrink by
// truncating subtrees").
func (t *Tree) Resize(ctx context.Context, newLength uint64) error {
	if newLength > MaxLength {
		return fmt.Errorf("tree: resize to %d: %w", newLength, errs.Unaddressable)
	}

	he, h, err := t.fetchHeader(ctx)
	if err != nil {
		return err
	}
	defer he.Release()

	if newLength == h.TotalLength {
		return nil
	}

	oldDepth, err := DepthForLength(h.TotalLength, t.maxRecordSize)
	if err != nil {
		return err
	}

	newDepth, err := DepthForLength(newLength, t.maxRecordSize)
	if err != nil {
		return err
	}

	rootRef := h.Roots[t.rootIndex]

	if newLength > h.TotalLength {
		// Grow by null-extension: promote the root as needed; no leaf is
		// touched; [Tree.Read] zero-fills past the old length already.
		promoteChild := rootRef
		for d := oldDepth; d < newDepth; d++ {
			if err := t.promote(ctx, promoteChild, d); err != nil {
				return err
			}

			promoteChild = record.Null
		}
	} else if newLength == 0 {
		t.freeRecursive(ctx, rootRef, oldDepth, 0)
		h.Roots[t.rootIndex] = record.Null
	} else {
		if err := t.shrinkSubtree(ctx, rootRef, oldDepth, 0, newLength); err != nil {
			return err
		}

		wrapperRef := rootRef

		for d := oldDepth; d > newDepth; d-- {
			key := cache.RecordKey(t.objectID, d, 0)

			e, err := t.cache.Fetch(ctx, key, t.nodeLoader(d, 0, wrapperRef))
			if err != nil {
				return err
			}

			child0, err := childRef(e.Data, 0)
			e.Release()

			if err != nil {
				return err
			}

			if !wrapperRef.IsNull() {
				t.freer.Free(wrapperRef)
			}

			wrapperRef = child0
		}

		// wrapperRef now names the demoted subtree's own root (real ref if
		// it was never touched this transaction, Null if newly installed);
		// record it so a future fetch of the new root key has the right
		// fallback without depending on the discarded wrapper node.
		h.Roots[t.rootIndex] = wrapperRef
	}

	h.TotalLength = newLength
	if err := t.putHeader(ctx, h); err != nil {
		return err
	}

	return nil
}

// shrinkSubtree frees every node of the subtree rooted at (depth,
// nodeOffset) that lies entirely at or beyond newLength, recursing into
// the child straddling the boundary.
func (t *Tree) shrinkSubtree(ctx context.Context, ref record.Ref, depth uint8, nodeOffset, newLength uint64) error {
	if ref.IsNull() {
		return nil
	}

	if nodeOffset >= newLength {
		t.freeRecursive(ctx, ref, depth, nodeOffset)
		return nil
	}

	if depth == 0 {
		return nil // this leaf straddles newLength and stays, truncated logically by TotalLength
	}

	key := cache.RecordKey(t.objectID, depth, nodeOffset)

	e, err := t.cache.Fetch(ctx, key, t.nodeLoader(depth, nodeOffset, ref))
	if err != nil {
		return err
	}

	buf := make([]byte, len(e.Data))
	copy(buf, e.Data)
	e.Release()

	childCap := Capacity(depth-1, t.maxRecordSize)
	changed := false

	for idx := 0; idx < t.childrenPerNode; idx++ {
		childStart := nodeOffset + uint64(idx)*childCap //nolint:gosec
		if childStart < newLength {
			continue
		}

		cr, err := childRef(buf, idx)
		if err != nil {
			return err
		}

		if cr.IsNull() {
			continue
		}

		if err := t.shrinkSubtree(ctx, cr, depth-1, childStart, newLength); err != nil {
			return err
		}

		buf = setChildRef(buf, idx, record.Null)
		changed = true
	}

	if changed {
		me, err := t.cache.GetMut(ctx, key, buf, t.nodeLoader(depth, nodeOffset, ref))
		if err != nil {
			return err
		}

		me.Release()
	}

	return nil
}

// freeRecursive walks a fully-discarded subtree, handing every node's ref
// to the Freer, including nodes only resident in the cache (never flushed)
// which carry no ref at all and are simply dropped.
func (t *Tree) freeRecursive(ctx context.Context, ref record.Ref, depth uint8, nodeOffset uint64) {
	if !ref.IsNull() {
		t.freer.Free(ref)
	}

	if depth == 0 {
		return
	}

	key := cache.RecordKey(t.objectID, depth, nodeOffset)

	data, _, ok := t.cache.Peek(key)
	if !ok {
		var err error

		data, err = t.nodeLoader(depth, nodeOffset, ref)(ctx)
		if err != nil {
			return
		}
	}

	children, err := DecodeNode(data, t.childrenPerNode)
	if err != nil {
		return
	}

	childCap := Capacity(depth-1, t.maxRecordSize)

	for idx, cr := range children {
		if cr.IsNull() {
			continue
		}

		t.freeRecursive(ctx, cr, depth-1, nodeOffset+uint64(idx)*childCap) //nolint:gosec
	}
}
