package bptree

import (
	"github.com/xtern-go/xtern/block"
	"github.com/xtern-go/xtern/blockmgr"
)

// typedInternalBlock adapts a pinned internal-node block.TypedBlock to
// the narrow internalBlock view internalEntryList needs.
type typedInternalBlock[K any, V any] struct {
	blk *block.TypedBlock[InternalEntry[K], InternalMeta]
}

func (b typedInternalBlock[K, V]) entries() []InternalEntry[K] { return b.blk.Records() }
func (b typedInternalBlock[K, V]) count() int                  { return int(b.blk.Meta().Count) }
func (b typedInternalBlock[K, V]) setCount(n int)               { b.blk.Meta().Count = int32(n) }

// entryList abstracts over the in-memory root index and an on-disk
// internal node's entry array, so fuseOrBalance can be written once
// and reused at every level including the root index, per spec §4.6.
type entryList[K any] struct {
	n        func() int
	at       func(i int) InternalEntry[K]
	setKey   func(i int, k K)
	removeAt func(i int)
}

func (t *Tree[K, V]) rootEntryList() entryList[K] {
	return entryList[K]{
		n:      func() int { return len(t.rootIdx) },
		at:     func(i int) InternalEntry[K] { return t.rootIdx[i] },
		setKey: func(i int, k K) { t.rootIdx[i].Key = k },
		removeAt: func(i int) {
			t.rootIdx = append(t.rootIdx[:i], t.rootIdx[i+1:]...)
		},
	}
}

func internalEntryList[K any, V any](t *Tree[K, V], bid blockmgr.BID, blk internalBlock[K]) entryList[K] {
	return entryList[K]{
		n:  func() int { return blk.count() },
		at: func(i int) InternalEntry[K] { return blk.entries()[i] },
		setKey: func(i int, k K) {
			blk.entries()[i].Key = k
			t.nodes.MarkDirty(bid)
		},
		removeAt: func(i int) {
			n := blk.count()
			removeInternalAt(blk.entries(), n, i)
			blk.setCount(n - 1)
			t.nodes.MarkDirty(bid)
		},
	}
}

// internalBlock is the minimal view erase.go needs of a pinned
// internal-node block, kept narrow so internalEntryList doesn't need
// to import the concrete block.TypedBlock type parameter list twice.
type internalBlock[K any] interface {
	entries() []InternalEntry[K]
	count() int
	setCount(n int)
}

// childOps lets fuseOrBalance operate identically over leaf children
// and internal-node children: both know how to report their live size,
// merge two siblings, and redistribute entries across two siblings.
type childOps[K any] interface {
	size(bid blockmgr.BID) (int, error)
	maxSize() int
	fuse(leftBID, rightBID blockmgr.BID) error
	balance(leftBID, rightBID blockmgr.BID) (K, error)
}

// fuseOrBalance repairs an underflow at parent's entry idx, pairing it
// with the preceding entry if idx is the parent's last entry, or the
// following entry otherwise (spec §4.6's tie-break rule). Fuse always
// merges the left sibling's content into the right sibling and drops
// the left's parent entry and BID; balance redistributes without
// changing which BIDs exist.
func fuseOrBalance[K any](parent entryList[K], idx int, ops childOps[K]) error {
	n := parent.n()
	var leftIdx, rightIdx int
	if idx == n-1 {
		leftIdx, rightIdx = idx-1, idx
	} else {
		leftIdx, rightIdx = idx, idx+1
	}

	leftBID := parent.at(leftIdx).Child
	rightBID := parent.at(rightIdx).Child

	leftSize, err := ops.size(leftBID)
	if err != nil {
		return err
	}
	rightSize, err := ops.size(rightBID)
	if err != nil {
		return err
	}

	if leftSize+rightSize <= ops.maxSize() {
		if err := ops.fuse(leftBID, rightBID); err != nil {
			return err
		}
		parent.removeAt(leftIdx)
		return nil
	}

	newKey, err := ops.balance(leftBID, rightBID)
	if err != nil {
		return err
	}
	parent.setKey(leftIdx, newKey)
	return nil
}

type leafOps[K any, V any] struct{ t *Tree[K, V] }

func (o leafOps[K, V]) size(bid blockmgr.BID) (int, error) {
	blk, err := o.t.leaves.GetNode(bid, true)
	if err != nil {
		return 0, err
	}
	n := int(blk.Meta().Count)
	o.t.leaves.UnfixNode(bid)
	return n, nil
}

func (o leafOps[K, V]) maxSize() int { return o.t.maxLeafSize }

// fuse merges left's entries into the front of right, frees left, and
// repairs the predecessor/successor linked list, per spec §4.6/§3.
func (o leafOps[K, V]) fuse(leftBID, rightBID blockmgr.BID) error {
	left, err := o.t.leaves.GetNode(leftBID, true)
	if err != nil {
		return err
	}
	right, err := o.t.leaves.GetNode(rightBID, true)
	if err != nil {
		o.t.leaves.UnfixNode(leftBID)
		return err
	}

	ln := int(left.Meta().Count)
	rn := int(right.Meta().Count)
	copy(right.Records()[ln:ln+rn], right.Records()[:rn])
	copy(right.Records()[:ln], left.Records()[:ln])
	right.Meta().Count = int32(ln + rn)

	pred := left.Meta().Pred
	right.Meta().Pred = pred
	o.t.leaves.MarkDirty(rightBID)

	o.t.leaves.UnfixNode(leftBID)
	o.t.leaves.UnfixNode(rightBID)
	if err := o.t.leaves.DeleteNode(leftBID); err != nil {
		return err
	}

	if pred.Valid() {
		predBlk, err := o.t.leaves.GetNode(pred, true)
		if err == nil {
			predBlk.Meta().Succ = rightBID
			o.t.leaves.MarkDirty(pred)
			o.t.leaves.UnfixNode(pred)
		} else if o.t.log != nil {
			o.t.log.Errorf("bptree: fixing predecessor link after fuse: %v", err)
		}
	}
	return nil
}

func (o leafOps[K, V]) balance(leftBID, rightBID blockmgr.BID) (K, error) {
	var zero K
	left, err := o.t.leaves.GetNode(leftBID, true)
	if err != nil {
		return zero, err
	}
	defer o.t.leaves.UnfixNode(leftBID)
	right, err := o.t.leaves.GetNode(rightBID, true)
	if err != nil {
		return zero, err
	}
	defer o.t.leaves.UnfixNode(rightBID)

	ln := int(left.Meta().Count)
	rn := int(right.Meta().Count)
	total := ln + rn
	newLn := total / 2

	merged := make([]Entry[K, V], total)
	copy(merged, left.Records()[:ln])
	copy(merged[ln:], right.Records()[:rn])

	copy(left.Records(), merged[:newLn])
	copy(right.Records(), merged[newLn:])
	left.Meta().Count = int32(newLn)
	right.Meta().Count = int32(total - newLn)
	o.t.leaves.MarkDirty(leftBID)
	o.t.leaves.MarkDirty(rightBID)

	return merged[newLn-1].Key, nil
}

type internalOps[K any, V any] struct{ t *Tree[K, V] }

func (o internalOps[K, V]) size(bid blockmgr.BID) (int, error) {
	blk, err := o.t.nodes.GetNode(bid, true)
	if err != nil {
		return 0, err
	}
	n := int(blk.Meta().Count)
	o.t.nodes.UnfixNode(bid)
	return n, nil
}

func (o internalOps[K, V]) maxSize() int { return o.t.maxNodeSize }

func (o internalOps[K, V]) fuse(leftBID, rightBID blockmgr.BID) error {
	left, err := o.t.nodes.GetNode(leftBID, true)
	if err != nil {
		return err
	}
	right, err := o.t.nodes.GetNode(rightBID, true)
	if err != nil {
		o.t.nodes.UnfixNode(leftBID)
		return err
	}

	ln := int(left.Meta().Count)
	rn := int(right.Meta().Count)
	copy(right.Records()[ln:ln+rn], right.Records()[:rn])
	copy(right.Records()[:ln], left.Records()[:ln])
	right.Meta().Count = int32(ln + rn)
	o.t.nodes.MarkDirty(rightBID)

	o.t.nodes.UnfixNode(leftBID)
	o.t.nodes.UnfixNode(rightBID)
	return o.t.nodes.DeleteNode(leftBID)
}

func (o internalOps[K, V]) balance(leftBID, rightBID blockmgr.BID) (K, error) {
	var zero K
	left, err := o.t.nodes.GetNode(leftBID, true)
	if err != nil {
		return zero, err
	}
	defer o.t.nodes.UnfixNode(leftBID)
	right, err := o.t.nodes.GetNode(rightBID, true)
	if err != nil {
		return zero, err
	}
	defer o.t.nodes.UnfixNode(rightBID)

	ln := int(left.Meta().Count)
	rn := int(right.Meta().Count)
	total := ln + rn
	newLn := total / 2

	merged := make([]InternalEntry[K], total)
	copy(merged, left.Records()[:ln])
	copy(merged[ln:], right.Records()[:rn])

	copy(left.Records(), merged[:newLn])
	copy(right.Records(), merged[newLn:])
	left.Meta().Count = int32(newLn)
	right.Meta().Count = int32(total - newLn)
	o.t.nodes.MarkDirty(leftBID)
	o.t.nodes.MarkDirty(rightBID)

	return merged[newLn-1].Key, nil
}

// Erase removes key, returning 1 if it was present, 0 otherwise (never
// faults on an absent key, per spec §4.6/§8).
func (t *Tree[K, V]) Erase(key K) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx0 := t.rootLowerBoundIdx(key)
	if idx0 >= len(t.rootIdx) {
		return 0, nil
	}
	childBID := t.rootIdx[idx0].Child

	removed, underflow, err := t.eraseAtLevel(childBID, t.height-2, key)
	if err != nil {
		return 0, err
	}
	if !removed {
		return 0, nil
	}

	if underflow && len(t.rootIdx) > 1 {
		var ops childOps[K]
		if t.height-2 == 0 {
			ops = leafOps[K, V]{t: t}
		} else {
			ops = internalOps[K, V]{t: t}
		}
		if err := fuseOrBalance[K](t.rootEntryList(), idx0, ops); err != nil {
			return 0, err
		}
	}

	// Height-decrease: absorb a sole surviving root-index child,
	// per spec §4.6.
	for len(t.rootIdx) == 1 && t.height > 2 {
		if err := t.absorbSoleChild(); err != nil {
			return 0, err
		}
	}

	t.size--
	return 1, nil
}

func (t *Tree[K, V]) eraseAtLevel(bid blockmgr.BID, hops int, key K) (removed bool, underflow bool, err error) {
	if hops == 0 {
		return t.eraseLeafLevel(bid, key)
	}

	nblk, err := t.nodes.GetNode(bid, true)
	if err != nil {
		return false, false, err
	}

	n := int(nblk.Meta().Count)
	entries := nblk.Records()[:n]
	idx := lowerBoundInternal(t.cmp, entries, key)
	childBID := entries[idx].Child

	removed, childUnderflow, err := t.eraseAtLevel(childBID, hops-1, key)
	if err != nil {
		t.nodes.UnfixNode(bid)
		return false, false, err
	}

	if !childUnderflow || n <= 1 {
		// n<=1: this node has only one child itself, so there is no
		// sibling within it to fuse/balance against; underflow can
		// only be repaired one level further up (ultimately by the
		// root-index absorb step). Not expected in a tree with a
		// reasonable max_node_size, since an internal node with one
		// child is itself in deep underflow.
		t.nodes.UnfixNode(bid)
		return removed, false, nil
	}

	var ops childOps[K]
	if hops == 1 {
		ops = leafOps[K, V]{t: t}
	} else {
		ops = internalOps[K, V]{t: t}
	}
	if err := fuseOrBalance[K](internalEntryList[K, V](t, bid, typedInternalBlock[K, V]{nblk}), idx, ops); err != nil {
		t.nodes.UnfixNode(bid)
		return false, false, err
	}

	newN := int(nblk.Meta().Count)
	t.nodes.UnfixNode(bid)
	return removed, newN < t.minNodeSize, nil
}

func (t *Tree[K, V]) eraseLeafLevel(bid blockmgr.BID, key K) (removed bool, underflow bool, err error) {
	blk, err := t.leaves.GetNode(bid, true)
	if err != nil {
		return false, false, err
	}
	defer t.leaves.UnfixNode(bid)

	n := int(blk.Meta().Count)
	idx, found := searchLeaf(t.cmp, blk.Records()[:n], key)
	if !found {
		return false, false, nil
	}

	removeEntryAt(blk.Records(), n, idx)
	blk.Meta().Count = int32(n - 1)
	t.leaves.MarkDirty(bid)

	return true, int(blk.Meta().Count) < t.minLeafSize, nil
}

func (t *Tree[K, V]) absorbSoleChild() error {
	childBID := t.rootIdx[0].Child
	blk, err := t.nodes.GetNode(childBID, true)
	if err != nil {
		return err
	}
	n := int(blk.Meta().Count)
	entries := append([]InternalEntry[K]{}, blk.Records()[:n]...)
	t.nodes.UnfixNode(childBID)
	if err := t.nodes.DeleteNode(childBID); err != nil {
		return err
	}

	t.rootIdx = entries
	t.height--
	return nil
}
