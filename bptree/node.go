package bptree

import "github.com/xtern-go/xtern/blockmgr"

// searchLeaf returns the index of key in entries and true if present,
// or the insertion point and false otherwise (entries sorted
// ascending by Key under cmp), per spy16-kiwi/index/bptree/node.go's
// node.search binary search shape, generalized from []byte keys to a
// comparator over K.
func searchLeaf[K any, V any](cmp Comparator[K], entries []Entry[K, V], key K) (idx int, found bool) {
	lo, hi := 0, len(entries)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		c := cmp.Compare(key, entries[mid].Key)
		switch {
		case c == 0:
			return mid, true
		case c > 0:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return lo, false
}

// lowerBoundInternal returns the index of the first entry whose Key is
// >= key under cmp -- i.e. the first child subtree that could contain
// key, per spec §3's "largest key under this child" root-index/
// internal-node semantics and spec §4.6's descent rule ("at internal
// levels use the node's own lower_bound to pick the next child").
func lowerBoundInternal[K any](cmp Comparator[K], entries []InternalEntry[K], key K) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp.Compare(entries[mid].Key, key) >= 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// insertEntryAt shifts entries[idx:n] right by one and writes e at idx.
// entries must have room for n+1 elements (callers check n against the
// block's record capacity before calling).
func insertEntryAt[K any, V any](entries []Entry[K, V], n, idx int, e Entry[K, V]) {
	copy(entries[idx+1:n+1], entries[idx:n])
	entries[idx] = e
}

func removeEntryAt[K any, V any](entries []Entry[K, V], n, idx int) {
	copy(entries[idx:n-1], entries[idx+1:n])
}

func insertInternalAt[K any](entries []InternalEntry[K], n, idx int, e InternalEntry[K]) {
	copy(entries[idx+1:n+1], entries[idx:n])
	entries[idx] = e
}

func removeInternalAt[K any](entries []InternalEntry[K], n, idx int) {
	copy(entries[idx:n-1], entries[idx+1:n])
}

// splitter is the (key, child_bid) pair propagated upward during a
// node split, per spec's GLOSSARY.
type splitter[K any] struct {
	key   K
	child blockmgr.BID
}
