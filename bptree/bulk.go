package bptree

import (
	"errors"
	"sort"

	"github.com/xtern-go/xtern/block"
	"github.com/xtern-go/xtern/blockmgr"
)

// BulkLoad replaces the tree's contents with pairs, built bottom-up
// leaf-level-first, per spec §4.6's bulk_construction: pairs must
// already be sorted ascending by key with no duplicates (the teacher's
// own bulk constructors in spy16-kiwi make the same assumption about
// pre-sorted input; this is new code following spec §4.6's fill-factor
// packing policy directly). Any existing contents are freed first.
func (t *Tree[K, V]) BulkLoad(pairs []Entry[K, V]) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !sort.SliceIsSorted(pairs, func(i, j int) bool {
		return t.cmp.Compare(pairs[i].Key, pairs[j].Key) < 0
	}) {
		return errors.New("bptree: BulkLoad requires pairs sorted ascending by key")
	}
	for i := 1; i < len(pairs); i++ {
		if t.cmp.Compare(pairs[i-1].Key, pairs[i].Key) == 0 {
			return errors.New("bptree: BulkLoad requires unique keys")
		}
	}

	hops := t.height - 2
	for _, e := range t.rootIdx {
		if err := t.freeSubtree(e.Child, hops); err != nil {
			return err
		}
	}

	if len(pairs) == 0 {
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

	leafFill := int(float64(t.maxLeafSize) * t.opts.leafFill())
	if leafFill < 1 {
		leafFill = 1
	}
	level, err := t.bulkBuildLeaves(pairs, leafFill)
	if err != nil {
		return err
	}

	nodeFill := int(float64(t.maxNodeSize) * t.opts.nodeFill())
	if nodeFill < 1 {
		nodeFill = 1
	}
	height := 2
	for len(level) > t.maxNodeSize {
		level[len(level)-1].Key = t.cmp.MaxValue()
		level, err = t.bulkBuildInternalLevel(level, nodeFill)
		if err != nil {
			return err
		}
		height++
	}

	level[len(level)-1].Key = t.cmp.MaxValue()
	t.rootIdx = level
	t.height = height
	t.size = len(pairs)
	return nil
}

// bulkBuildLeaves packs pairs into a chain of leaves holding at most
// fill entries each (the last two leaves are balanced evenly if the
// final leaf would otherwise underflow, per spec §4.6's "fuse-or-
// balance a trailing underflowing leaf against its predecessor"), and
// returns one splitter per leaf (last_key, leaf_bid).
func (t *Tree[K, V]) bulkBuildLeaves(pairs []Entry[K, V], fill int) ([]InternalEntry[K], error) {
	type leafRef struct {
		bid blockmgr.BID
		blk *block.TypedBlock[Entry[K, V], LeafMeta]
	}
	var leaves []leafRef

	for start := 0; start < len(pairs); start += fill {
		end := start + fill
		if end > len(pairs) {
			end = len(pairs)
		}
		bid, blk, err := t.leaves.GetNewNode(t.opts.AllocStrategy)
		if err != nil {
			return nil, err
		}
		n := copy(blk.Records(), pairs[start:end])
		blk.Meta().Count = int32(n)
		blk.Meta().Pred = blockmgr.NilBID
		blk.Meta().Succ = blockmgr.NilBID
		t.leaves.MarkDirty(bid)
		leaves = append(leaves, leafRef{bid: bid, blk: blk})
	}

	if len(leaves) >= 2 {
		last := leaves[len(leaves)-1]
		if int(last.blk.Meta().Count) < t.minLeafSize {
			prev := leaves[len(leaves)-2]
			pn := int(prev.blk.Meta().Count)
			ln := int(last.blk.Meta().Count)
			total := pn + ln
			newPn := total / 2

			merged := make([]Entry[K, V], total)
			copy(merged, prev.blk.Records()[:pn])
			copy(merged[pn:], last.blk.Records()[:ln])
			copy(prev.blk.Records(), merged[:newPn])
			copy(last.blk.Records(), merged[newPn:])
			prev.blk.Meta().Count = int32(newPn)
			last.blk.Meta().Count = int32(total - newPn)
			t.leaves.MarkDirty(prev.bid)
			t.leaves.MarkDirty(last.bid)
		}
	}

	splitters := make([]InternalEntry[K], len(leaves))
	for i, lf := range leaves {
		n := int(lf.blk.Meta().Count)
		if i > 0 {
			lf.blk.Meta().Pred = leaves[i-1].bid
			leaves[i-1].blk.Meta().Succ = lf.bid
			t.leaves.MarkDirty(lf.bid)
			t.leaves.MarkDirty(leaves[i-1].bid)
		}
		splitters[i] = InternalEntry[K]{Key: lf.blk.Records()[n-1].Key, Child: lf.bid}
	}
	for _, lf := range leaves {
		t.leaves.UnfixNode(lf.bid)
	}
	return splitters, nil
}

// bulkBuildInternalLevel packs one level of internal nodes over the
// splitters produced by the level below, mirroring
// bulkBuildLeaves' packing policy without the predecessor/successor
// linked-list bookkeeping leaves carry.
func (t *Tree[K, V]) bulkBuildInternalLevel(children []InternalEntry[K], fill int) ([]InternalEntry[K], error) {
	type nodeRef struct {
		bid blockmgr.BID
		blk *block.TypedBlock[InternalEntry[K], InternalMeta]
	}
	var nodes []nodeRef

	for start := 0; start < len(children); start += fill {
		end := start + fill
		if end > len(children) {
			end = len(children)
		}
		bid, blk, err := t.nodes.GetNewNode(t.opts.AllocStrategy)
		if err != nil {
			return nil, err
		}
		n := copy(blk.Records(), children[start:end])
		blk.Meta().Count = int32(n)
		t.nodes.MarkDirty(bid)
		nodes = append(nodes, nodeRef{bid: bid, blk: blk})
	}

	if len(nodes) >= 2 {
		last := nodes[len(nodes)-1]
		if int(last.blk.Meta().Count) < t.minNodeSize {
			prev := nodes[len(nodes)-2]
			pn := int(prev.blk.Meta().Count)
			ln := int(last.blk.Meta().Count)
			total := pn + ln
			newPn := total / 2

			merged := make([]InternalEntry[K], total)
			copy(merged, prev.blk.Records()[:pn])
			copy(merged[pn:], last.blk.Records()[:ln])
			copy(prev.blk.Records(), merged[:newPn])
			copy(last.blk.Records(), merged[newPn:])
			prev.blk.Meta().Count = int32(newPn)
			last.blk.Meta().Count = int32(total - newPn)
			t.nodes.MarkDirty(prev.bid)
			t.nodes.MarkDirty(last.bid)
		}
	}

	splitters := make([]InternalEntry[K], len(nodes))
	for i, nd := range nodes {
		n := int(nd.blk.Meta().Count)
		splitters[i] = InternalEntry[K]{Key: nd.blk.Records()[n-1].Key, Child: nd.bid}
	}
	for _, nd := range nodes {
		t.nodes.UnfixNode(nd.bid)
	}
	return splitters, nil
}
