package bptree

import (
	"github.com/xtern-go/xtern/blockmgr"
	"github.com/xtern-go/xtern/internal/xlog"
)

// Entry is one leaf record: a (key, value) pair, per spec §3's
// B+-tree data model ("Leaves contain the live (key, value) pairs in
// sorted order without duplicates"). K and V must be fixed-size,
// pointer-free types -- block.TypedBlock aliases this struct directly
// over the on-disk byte buffer (spec §3's "typed block" contract), so
// anything reachable only through a pointer or slice header would not
// actually be written to disk.
type Entry[K any, V any] struct {
	Key   K
	Value V
}

// LeafMeta is a leaf's trailing metadata: the number of live entries
// plus the predecessor/successor BIDs that make the leaf level a
// doubly linked list, per spec §3 ("Level 0 is leaves (doubly linked
// by predecessor/successor BIDs)").
type LeafMeta struct {
	Count int32
	Pred  blockmgr.BID
	Succ  blockmgr.BID
}

// InternalEntry is one entry of an internal node or of the in-memory
// root index: "largest key under this child" paired with the child's
// BID, per spec §3's root-index definition. The same type and layout
// serves both, since an internal node on disk and the in-memory root
// index differ only in where they live, not in their entry shape.
type InternalEntry[K any] struct {
	Key   K
	Child blockmgr.BID
}

// InternalMeta is an internal node's trailing metadata.
type InternalMeta struct {
	Count int32
}

// Options configures a Tree at construction time.
type Options struct {
	// MaxLeafSize / MaxNodeSize cap the number of entries a leaf / an
	// internal node (and the root index) may hold before it splits.
	// Zero selects the block's record capacity minus one, which leaves
	// room for the transient overflow entry; larger values are clamped
	// to that default.
	MaxLeafSize int
	MaxNodeSize int

	// LeafFillFactor / NodeFillFactor bound bulk construction's
	// per-node packing, per spec §4.6's bulk_construction and STXXL's
	// leaf_fill_factor / node_fill_factor policy knobs (see
	// SPEC_FULL.md's supplemented-features section). Zero defaults to
	// 1.0 (pack to MaxLeafSize/MaxNodeSize exactly).
	LeafFillFactor float64
	NodeFillFactor float64

	// AllocStrategy picks the block manager striping policy for new
	// leaf and internal-node blocks. Nil defaults to blockmgr.Striping{}.
	AllocStrategy blockmgr.Strategy

	// LeafCacheSlots / NodeCacheSlots size the two node caches (spec
	// §4.5/§4.6: separate cache instances for leaves and internal
	// nodes). Must be large enough to hold one pinned node per tree
	// level (the "pin floor: height" from spec §4.6) or operations
	// fail with ErrCacheExhausted/ErrTreeTooTall.
	LeafCacheSlots int
	NodeCacheSlots int

	Logger *xlog.Logger
}

func (o Options) leafFill() float64 {
	if o.LeafFillFactor <= 0 {
		return 1.0
	}
	return o.LeafFillFactor
}

func (o Options) nodeFill() float64 {
	if o.NodeFillFactor <= 0 {
		return 1.0
	}
	return o.NodeFillFactor
}
