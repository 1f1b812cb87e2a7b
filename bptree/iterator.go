package bptree

import (
	"errors"

	"github.com/xtern-go/xtern/blockmgr"
)

// ErrIteratorOutOfRange is returned by Key/Value on an Iterator that
// is positioned at End() or has walked off the end of the leaf chain.
var ErrIteratorOutOfRange = errors.New("bptree: iterator out of range")

// Iterator is a bidirectional, random-access-by-traversal cursor over
// a Tree's leaf chain. Per spec §9's design note on the cyclic
// tree/cache/iterator-map reference, an Iterator holds only a
// back-handle to the tree plus (bid, slot) and re-fetches the leaf
// from the node cache on every dereference -- since the cache
// guarantees exactly one in-memory copy per BID (spec §3), this
// achieves the same "transparent refresh after writeback-in-place"
// property spec §4.5/§9 describes for the iterator map, without a
// separate side index.
type Iterator[K any, V any] struct {
	t   *Tree[K, V]
	bid blockmgr.BID
	idx int
	end bool
}

func (it *Iterator[K, V]) valid() bool { return it != nil && !it.end && it.bid.Valid() }

// Key returns the key at the iterator's current position.
func (it *Iterator[K, V]) Key() (K, error) {
	var zero K
	if !it.valid() {
		return zero, ErrIteratorOutOfRange
	}
	blk, err := it.t.leaves.GetNode(it.bid, false)
	if err != nil {
		return zero, err
	}
	return blk.Records()[it.idx].Key, nil
}

// Value returns the value at the iterator's current position.
func (it *Iterator[K, V]) Value() (V, error) {
	var zero V
	if !it.valid() {
		return zero, ErrIteratorOutOfRange
	}
	blk, err := it.t.leaves.GetNode(it.bid, false)
	if err != nil {
		return zero, err
	}
	return blk.Records()[it.idx].Value, nil
}

// Equal reports whether it and other refer to the same position
// (including both being End()).
func (it *Iterator[K, V]) Equal(other *Iterator[K, V]) bool {
	if it.end || other.end {
		return it.end == other.end
	}
	return it.bid == other.bid && it.idx == other.idx
}

// Next advances the iterator one position, crossing into the
// successor leaf if needed. Returns false once advanced past the last
// entry (the iterator becomes equivalent to End()).
func (it *Iterator[K, V]) Next() (bool, error) {
	if !it.valid() {
		return false, nil
	}
	blk, err := it.t.leaves.GetNode(it.bid, false)
	if err != nil {
		return false, err
	}
	n := int(blk.Meta().Count)
	if it.idx+1 < n {
		it.idx++
		return true, nil
	}

	succ := blk.Meta().Succ
	if !succ.Valid() {
		it.end = true
		return false, nil
	}
	succBlk, err := it.t.leaves.GetNode(succ, false)
	if err != nil {
		return false, err
	}
	if int(succBlk.Meta().Count) == 0 {
		it.end = true
		return false, nil
	}
	it.bid, it.idx = succ, 0
	return true, nil
}

// Prev steps the iterator one position back. Prev from End() is not
// supported: seek with LowerBound/UpperBound instead, since End()
// carries no leaf handle to walk backward from.
func (it *Iterator[K, V]) Prev() (bool, error) {
	if it.end {
		return false, errors.New("bptree: Prev from End() is unsupported; seek with LowerBound/UpperBound")
	}
	if it.idx > 0 {
		it.idx--
		return true, nil
	}

	blk, err := it.t.leaves.GetNode(it.bid, false)
	if err != nil {
		return false, err
	}
	pred := blk.Meta().Pred
	if !pred.Valid() {
		return false, nil
	}
	predBlk, err := it.t.leaves.GetNode(pred, false)
	if err != nil {
		return false, err
	}
	n := int(predBlk.Meta().Count)
	if n == 0 {
		return false, nil
	}
	it.bid, it.idx = pred, n-1
	return true, nil
}

// End returns an iterator positioned one-past-the-last-entry.
func (t *Tree[K, V]) End() *Iterator[K, V] {
	return &Iterator[K, V]{t: t, end: true}
}

// Begin returns an iterator positioned at the first (key, value) pair
// in ascending order, or End() if the tree is empty.
func (t *Tree[K, V]) Begin() (*Iterator[K, V], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bid := t.rootIdx[0].Child
	for i := 0; i < t.height-2; i++ {
		blk, err := t.nodes.GetNode(bid, false)
		if err != nil {
			return nil, err
		}
		bid = blk.Records()[0].Child
	}
	blk, err := t.leaves.GetNode(bid, false)
	if err != nil {
		return nil, err
	}
	if int(blk.Meta().Count) == 0 {
		return t.End(), nil
	}
	return &Iterator[K, V]{t: t, bid: bid, idx: 0}, nil
}

// FindIter returns an Iterator positioned at key, or End() if absent,
// per spec §8's "iterator returned by find(k) satisfies *iterator.key
// == k".
func (t *Tree[K, V]) FindIter(key K) (*Iterator[K, V], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx0 := t.rootLowerBoundIdx(key)
	if idx0 >= len(t.rootIdx) {
		return t.End(), nil
	}
	bid, blk, err := t.descendToLeaf(t.rootIdx[idx0].Child, t.height-2, key)
	if err != nil {
		return nil, err
	}
	defer t.leaves.UnfixNode(bid)

	n := int(blk.Meta().Count)
	idx, found := searchLeaf(t.cmp, blk.Records()[:n], key)
	if !found {
		return t.End(), nil
	}
	return &Iterator[K, V]{t: t, bid: bid, idx: idx}, nil
}

// LowerBound returns an iterator to the first entry with key >= the
// given key.
func (t *Tree[K, V]) LowerBound(key K) (*Iterator[K, V], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seek(key, false)
}

// UpperBound returns an iterator to the first entry with key > the
// given key.
func (t *Tree[K, V]) UpperBound(key K) (*Iterator[K, V], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seek(key, true)
}

// EqualRange returns [LowerBound(key), UpperBound(key)); since this
// is a unique-key ordered map the range spans at most one entry.
func (t *Tree[K, V]) EqualRange(key K) (*Iterator[K, V], *Iterator[K, V], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lo, err := t.seek(key, false)
	if err != nil {
		return nil, nil, err
	}
	hi, err := t.seek(key, true)
	if err != nil {
		return nil, nil, err
	}
	return lo, hi, nil
}

func (t *Tree[K, V]) seek(key K, strictlyGreater bool) (*Iterator[K, V], error) {
	idx0 := t.rootLowerBoundIdx(key)
	if idx0 >= len(t.rootIdx) {
		return t.End(), nil
	}
	bid, blk, err := t.descendToLeaf(t.rootIdx[idx0].Child, t.height-2, key)
	if err != nil {
		return nil, err
	}
	defer t.leaves.UnfixNode(bid)

	n := int(blk.Meta().Count)
	entries := blk.Records()[:n]
	idx, found := searchLeaf(t.cmp, entries, key)
	if found && strictlyGreater {
		idx++
	}
	if idx < n {
		return &Iterator[K, V]{t: t, bid: bid, idx: idx}, nil
	}

	succ := blk.Meta().Succ
	if !succ.Valid() {
		return t.End(), nil
	}
	return &Iterator[K, V]{t: t, bid: succ, idx: 0}, nil
}
