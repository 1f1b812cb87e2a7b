// Package bptree implements the L7 layer: an external B+-tree ordered
// map with a node cache and a leaf cache, node-pinning discipline,
// bulk bottom-up construction, and fuse/rebalance on underflow, per
// spec §4.6. Wire format and marshalling-by-aliasing are grounded on
// spy16-kiwi/index/bptree/node.go; the insert/split/fuse/balance/
// bulk-load algorithms themselves are new code written from spec §4.6
// directly (the teacher's own Put/Get/Del are unimplemented stubs),
// in the teacher's fixed-layout, pin-disciplined idiom.
package bptree

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/xtern-go/xtern/block"
	"github.com/xtern-go/xtern/blockmgr"
	"github.com/xtern-go/xtern/internal/xlog"
	"github.com/xtern-go/xtern/nodecache"
	"github.com/xtern-go/xtern/pool"
)

// Tree is an ordered map over disk keyed by K with values V, per spec
// §3/§4.6. The public surface is single-threaded per spec §5's
// concurrency model; Tree still guards its bookkeeping with a mutex in
// the teacher's defensive locking idiom: every public method takes t.mu
// at most once, directly or through the public method it wraps, and
// Index reuses lookup and insert through the unexported findLocked and
// insertLocked helpers, since sync.Mutex is not reentrant.
type Tree[K any, V any] struct {
	mgr  *blockmgr.Manager
	pool *pool.Pool
	cmp  Comparator[K]
	opts Options
	log  *xlog.Logger

	leaves *nodecache.Cache[Entry[K, V], LeafMeta]
	nodes  *nodecache.Cache[InternalEntry[K], InternalMeta]

	mu sync.Mutex

	rootIdx []InternalEntry[K] // in-memory root index, spec §3; last Key == cmp.MaxValue()
	height  int                // >= 2
	size    int

	maxLeafSize, minLeafSize int
	maxNodeSize, minNodeSize int
}

func recordCapacity[T any, M any](blockSize int64) int {
	var t T
	var m M
	rs := int64(unsafe.Sizeof(t))
	ms := int64(unsafe.Sizeof(m))
	if rs <= 0 {
		return 0
	}
	n := int((blockSize - ms) / rs)
	if n < 0 {
		return 0
	}
	return n
}

// New creates an empty Tree: height 2, one empty leaf, per spec §8's
// clear()/new-tree invariant.
func New[K any, V any](mgr *blockmgr.Manager, p *pool.Pool, cmp Comparator[K], opts Options) (*Tree[K, V], error) {
	if cmp == nil {
		return nil, errors.New("bptree: comparator is required")
	}
	if opts.AllocStrategy == nil {
		opts.AllocStrategy = blockmgr.Striping{}
	}
	if opts.LeafCacheSlots <= 0 {
		opts.LeafCacheSlots = 64
	}
	if opts.NodeCacheSlots <= 0 {
		opts.NodeCacheSlots = 64
	}

	t := &Tree[K, V]{
		mgr:  mgr,
		pool: p,
		cmp:  cmp,
		opts: opts,
		log:  opts.Logger,
	}
	t.leaves = nodecache.New[Entry[K, V], LeafMeta](mgr, p, opts.LeafCacheSlots, opts.Logger)
	t.nodes = nodecache.New[InternalEntry[K], InternalMeta](mgr, p, opts.NodeCacheSlots, opts.Logger)

	// maxLeafSize/maxNodeSize leave one entry of headroom below the
	// block's actual record capacity: insertLeaf/insertSplitterIntoInternal
	// write the overflow entry in place before checking whether a split
	// is needed, so the block must still have room for max+1 entries at
	// the instant of overflow.
	blockSize := mgr.BlockSize()
	t.maxLeafSize = recordCapacity[Entry[K, V], LeafMeta](blockSize) - 1
	if opts.MaxLeafSize > 0 && opts.MaxLeafSize < t.maxLeafSize {
		t.maxLeafSize = opts.MaxLeafSize
	}
	t.maxNodeSize = recordCapacity[InternalEntry[K], InternalMeta](blockSize) - 1
	if opts.MaxNodeSize > 0 && opts.MaxNodeSize < t.maxNodeSize {
		t.maxNodeSize = opts.MaxNodeSize
	}
	if t.maxLeafSize < 2 || t.maxNodeSize < 2 {
		return nil, errors.New("bptree: block size too small for K/V types")
	}
	t.minLeafSize = (t.maxLeafSize + 1) / 2
	t.minNodeSize = (t.maxNodeSize + 1) / 2

	leafBID, leafBlk, err := t.leaves.GetNewNode(opts.AllocStrategy)
	if err != nil {
		return nil, err
	}
	leafBlk.Meta().Pred = blockmgr.NilBID
	leafBlk.Meta().Succ = blockmgr.NilBID
	leafBlk.Meta().Count = 0
	t.leaves.MarkDirty(leafBID)
	t.leaves.UnfixNode(leafBID)

	t.rootIdx = []InternalEntry[K]{{Key: cmp.MaxValue(), Child: leafBID}}
	t.height = 2
	return t, nil
}

// Size returns the number of (key, value) pairs currently stored.
func (t *Tree[K, V]) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

func (t *Tree[K, V]) rootLowerBoundIdx(key K) int {
	return lowerBoundInternal(t.cmp, t.rootIdx, key)
}

// descendToLeaf walks hops internal levels below bid, pinning exactly
// one node per level and unpinning it before the next hop (spec
// §4.6's "pin floor: height"), and returns the pinned leaf.
func (t *Tree[K, V]) descendToLeaf(bid blockmgr.BID, hops int, key K) (blockmgr.BID, *block.TypedBlock[Entry[K, V], LeafMeta], error) {
	cur := bid
	for i := 0; i < hops; i++ {
		nblk, err := t.nodes.GetNode(cur, true)
		if err != nil {
			return blockmgr.NilBID, nil, err
		}
		n := int(nblk.Meta().Count)
		idx := lowerBoundInternal(t.cmp, nblk.Records()[:n], key)
		next := nblk.Records()[idx].Child
		t.nodes.UnfixNode(cur)
		cur = next
	}
	leafBlk, err := t.leaves.GetNode(cur, true)
	if err != nil {
		return blockmgr.NilBID, nil, err
	}
	return cur, leafBlk, nil
}

// Find returns the value for key and whether it was present.
func (t *Tree[K, V]) Find(key K) (V, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.findLocked(key)
}

func (t *Tree[K, V]) findLocked(key K) (V, bool, error) {
	var zero V
	idx0 := t.rootLowerBoundIdx(key)
	if idx0 >= len(t.rootIdx) {
		return zero, false, nil
	}
	bid, blk, err := t.descendToLeaf(t.rootIdx[idx0].Child, t.height-2, key)
	if err != nil {
		return zero, false, err
	}
	defer t.leaves.UnfixNode(bid)

	n := int(blk.Meta().Count)
	idx, found := searchLeaf(t.cmp, blk.Records()[:n], key)
	if !found {
		return zero, false, nil
	}
	return blk.Records()[idx].Value, true, nil
}

// At returns the value for key, or ErrKeyNotFound if absent, per spec
// §4.6/§7.
func (t *Tree[K, V]) At(key K) (V, error) {
	v, ok, err := t.Find(key)
	if err != nil {
		var zero V
		return zero, err
	}
	if !ok {
		var zero V
		return zero, ErrKeyNotFound
	}
	return v, nil
}

// Count returns 1 if key is present, 0 otherwise (this is an ordered
// map, not a multimap, per spec §3's "without duplicates").
func (t *Tree[K, V]) Count(key K) (int, error) {
	_, ok, err := t.Find(key)
	if err != nil {
		return 0, err
	}
	if ok {
		return 1, nil
	}
	return 0, nil
}

// Index mirrors the ordered map's operator[]: returns the value for
// key, inserting the zero value first if key is absent.
func (t *Tree[K, V]) Index(key K) (V, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok, err := t.findLocked(key)
	if err != nil {
		return v, err
	}
	if ok {
		return v, nil
	}
	var zero V
	if _, err := t.insertLocked(key, zero); err != nil {
		return zero, err
	}
	return zero, nil
}

// Insert adds (key, value) if key is absent. Returns true if a new
// entry was created, false if key already existed (the existing value
// is left untouched), per spec §4.6.
func (t *Tree[K, V]) Insert(key K, val V) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(key, val)
}

// Emplace has the same semantics as Insert; Go has no
// construct-in-place distinction from a copy the way C++'s emplace
// does, so both entry points share one implementation.
func (t *Tree[K, V]) Emplace(key K, val V) (bool, error) {
	return t.Insert(key, val)
}

func (t *Tree[K, V]) insertLocked(key K, val V) (bool, error) {
	if t.cmp.Compare(key, t.cmp.MaxValue()) == 0 {
		return false, ErrBadKey
	}

	idx0 := t.rootLowerBoundIdx(key)
	if idx0 >= len(t.rootIdx) {
		return false, errors.New("bptree: root index missing sentinel max_value entry")
	}
	childBID := t.rootIdx[idx0].Child

	sp, inserted, err := t.insertAtLevel(childBID, t.height-2, key, val)
	if err != nil {
		return false, err
	}

	if sp != nil {
		oldKey := t.rootIdx[idx0].Key
		t.rootIdx[idx0].Key = sp.key
		t.rootIdx = append(t.rootIdx, InternalEntry[K]{})
		copy(t.rootIdx[idx0+2:], t.rootIdx[idx0+1:len(t.rootIdx)-1])
		t.rootIdx[idx0+1] = InternalEntry[K]{Key: oldKey, Child: sp.child}

		if len(t.rootIdx) > t.maxNodeSize {
			if err := t.splitRootIndex(); err != nil {
				return false, err
			}
		}
	}

	if inserted {
		t.size++
	}
	return inserted, nil
}

func (t *Tree[K, V]) insertAtLevel(bid blockmgr.BID, hops int, key K, val V) (*splitter[K], bool, error) {
	if hops == 0 {
		return t.insertLeaf(bid, key, val)
	}

	nblk, err := t.nodes.GetNode(bid, true)
	if err != nil {
		return nil, false, err
	}
	n := int(nblk.Meta().Count)
	entries := nblk.Records()[:n]
	idx := lowerBoundInternal(t.cmp, entries, key)
	childBID := entries[idx].Child

	sp, inserted, err := t.insertAtLevel(childBID, hops-1, key, val)
	if err != nil {
		t.nodes.UnfixNode(bid)
		return nil, false, err
	}
	if sp == nil {
		t.nodes.UnfixNode(bid)
		return nil, inserted, nil
	}

	result, err := t.insertSplitterIntoInternal(bid, nblk, idx, *sp)
	t.nodes.UnfixNode(bid)
	return result, inserted, err
}

func (t *Tree[K, V]) insertLeaf(bid blockmgr.BID, key K, val V) (*splitter[K], bool, error) {
	blk, err := t.leaves.GetNode(bid, true)
	if err != nil {
		return nil, false, err
	}
	defer t.leaves.UnfixNode(bid)

	n := int(blk.Meta().Count)
	entries := blk.Records()
	idx, found := searchLeaf(t.cmp, entries[:n], key)
	if found {
		return nil, false, nil
	}
	if n >= blk.Capacity() {
		return nil, false, errors.New("bptree: leaf overflowed its block capacity")
	}

	insertEntryAt(entries, n, idx, Entry[K, V]{Key: key, Value: val})
	blk.Meta().Count = int32(n + 1)
	t.leaves.MarkDirty(bid)

	if int(blk.Meta().Count) <= t.maxLeafSize {
		return nil, true, nil
	}
	sp, err := t.splitLeaf(bid, blk)
	return sp, true, err
}

func (t *Tree[K, V]) splitLeaf(bid blockmgr.BID, blk *block.TypedBlock[Entry[K, V], LeafMeta]) (*splitter[K], error) {
	n := int(blk.Meta().Count)
	mid := n / 2

	rightBID, rightBlk, err := t.leaves.GetNewNode(t.opts.AllocStrategy)
	if err != nil {
		return nil, err
	}

	rightCount := n - mid
	copy(rightBlk.Records(), blk.Records()[mid:n])
	rightBlk.Meta().Count = int32(rightCount)
	rightBlk.Meta().Succ = blk.Meta().Succ
	rightBlk.Meta().Pred = bid

	oldSucc := blk.Meta().Succ
	blk.Meta().Succ = rightBID
	blk.Meta().Count = int32(mid)
	t.leaves.MarkDirty(bid)
	t.leaves.MarkDirty(rightBID)

	splitKey := blk.Records()[mid-1].Key
	t.leaves.UnfixNode(rightBID)

	if oldSucc.Valid() {
		succBlk, err := t.leaves.GetNode(oldSucc, true)
		if err == nil {
			succBlk.Meta().Pred = rightBID
			t.leaves.MarkDirty(oldSucc)
			t.leaves.UnfixNode(oldSucc)
		} else if t.log != nil {
			t.log.Errorf("bptree: fixing successor link after split: %v", err)
		}
	}

	return &splitter[K]{key: splitKey, child: rightBID}, nil
}

func (t *Tree[K, V]) insertSplitterIntoInternal(bid blockmgr.BID, blk *block.TypedBlock[InternalEntry[K], InternalMeta], idx int, sp splitter[K]) (*splitter[K], error) {
	n := int(blk.Meta().Count)
	entries := blk.Records()
	oldKey := entries[idx].Key
	entries[idx].Key = sp.key

	if n >= blk.Capacity() {
		return nil, errors.New("bptree: internal node overflowed its block capacity")
	}
	insertInternalAt(entries, n, idx+1, InternalEntry[K]{Key: oldKey, Child: sp.child})
	blk.Meta().Count = int32(n + 1)
	t.nodes.MarkDirty(bid)

	if int(blk.Meta().Count) <= t.maxNodeSize {
		return nil, nil
	}
	return t.splitInternal(bid, blk)
}

func (t *Tree[K, V]) splitInternal(bid blockmgr.BID, blk *block.TypedBlock[InternalEntry[K], InternalMeta]) (*splitter[K], error) {
	n := int(blk.Meta().Count)
	mid := n / 2

	rightBID, rightBlk, err := t.nodes.GetNewNode(t.opts.AllocStrategy)
	if err != nil {
		return nil, err
	}

	copy(rightBlk.Records(), blk.Records()[mid:n])
	rightBlk.Meta().Count = int32(n - mid)
	splitKey := blk.Records()[mid-1].Key
	blk.Meta().Count = int32(mid)

	t.nodes.MarkDirty(bid)
	t.nodes.MarkDirty(rightBID)
	t.nodes.UnfixNode(rightBID)

	return &splitter[K]{key: splitKey, child: rightBID}, nil
}

// splitRootIndex splits the overflowing in-memory root index into two
// new internal-node blocks and increases the tree's height by one,
// per spec §4.6. Before doing so it checks the node cache can still
// keep a root-to-leaf path pinned at the new height (ErrTreeTooTall
// otherwise).
func (t *Tree[K, V]) splitRootIndex() error {
	newHeight := t.height + 1
	if t.nodes.Size() < newHeight-1 {
		return ErrTreeTooTall
	}

	n := len(t.rootIdx)
	mid := n / 2

	leftBID, leftBlk, err := t.nodes.GetNewNode(t.opts.AllocStrategy)
	if err != nil {
		return err
	}
	copy(leftBlk.Records(), t.rootIdx[:mid])
	leftBlk.Meta().Count = int32(mid)
	t.nodes.MarkDirty(leftBID)
	t.nodes.UnfixNode(leftBID)

	rightBID, rightBlk, err := t.nodes.GetNewNode(t.opts.AllocStrategy)
	if err != nil {
		return err
	}
	copy(rightBlk.Records(), t.rootIdx[mid:])
	rightBlk.Meta().Count = int32(n - mid)
	t.nodes.MarkDirty(rightBID)
	t.nodes.UnfixNode(rightBID)

	t.rootIdx = []InternalEntry[K]{
		{Key: t.rootIdx[mid-1].Key, Child: leftBID},
		{Key: t.cmp.MaxValue(), Child: rightBID},
	}
	t.height = newHeight
	return nil
}

// Clear empties the tree, freeing every leaf and internal node, and
// leaves it with height 2 and exactly one empty leaf, per spec §8.
func (t *Tree[K, V]) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	hops := t.height - 2
	for _, e := range t.rootIdx {
		if err := t.freeSubtree(e.Child, hops); err != nil {
			return err
		}
	}

	leafBID, leafBlk, err := t.leaves.GetNewNode(t.opts.AllocStrategy)
	if err != nil {
		return err
	}
	leafBlk.Meta().Pred = blockmgr.NilBID
	leafBlk.Meta().Succ = blockmgr.NilBID
	leafBlk.Meta().Count = 0
	t.leaves.MarkDirty(leafBID)
	t.leaves.UnfixNode(leafBID)

	t.rootIdx = []InternalEntry[K]{{Key: t.cmp.MaxValue(), Child: leafBID}}
	t.height = 2
	t.size = 0
	return nil
}

func (t *Tree[K, V]) freeSubtree(bid blockmgr.BID, hops int) error {
	if hops == 0 {
		return t.leaves.DeleteNode(bid)
	}
	nblk, err := t.nodes.GetNode(bid, true)
	if err != nil {
		return err
	}
	n := int(nblk.Meta().Count)
	children := append([]InternalEntry[K]{}, nblk.Records()[:n]...)
	t.nodes.UnfixNode(bid)

	for _, c := range children {
		if err := t.freeSubtree(c.Child, hops-1); err != nil {
			return err
		}
	}
	return t.nodes.DeleteNode(bid)
}

// Swap exchanges the entire contents of t and other in place, per spec
// §8's swap(a,b); swap(a,b) identity property.
func (t *Tree[K, V]) Swap(other *Tree[K, V]) {
	t.mu.Lock()
	other.mu.Lock()
	defer t.mu.Unlock()
	defer other.mu.Unlock()

	t.rootIdx, other.rootIdx = other.rootIdx, t.rootIdx
	t.height, other.height = other.height, t.height
	t.size, other.size = other.size, t.size
	t.leaves, other.leaves = other.leaves, t.leaves
	t.nodes, other.nodes = other.nodes, t.nodes
}
