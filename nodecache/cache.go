// Package nodecache implements the L6 layer: a pin-counted,
// write-back cache of B+-tree nodes and leaves, per spec §4.5. The
// B+-tree instantiates two of these -- one for internal nodes, one
// for leaves -- over the same generic Cache type, parameterised by
// the block's record and metadata types the way pagedvector
// parameterises block.TypedBlock by element type.
package nodecache

import (
	"container/list"
	"errors"

	"github.com/xtern-go/xtern/block"
	"github.com/xtern-go/xtern/blockmgr"
	"github.com/xtern-go/xtern/internal/xlog"
	"github.com/xtern-go/xtern/pool"
)

// ErrCacheExhausted is returned when every resident entry is pinned
// and a new node must be made resident, per spec §4.5/§7. The B+-tree
// treats this as the signal that its height has outgrown what this
// cache can keep a root-to-leaf path pinned for (spec §4.6's
// TreeTooTall is derived from this before it ever fires).
var ErrCacheExhausted = errors.New("nodecache: cache exhausted (every slot pinned)")

type entry[T any, M any] struct {
	blk   *block.TypedBlock[T, M]
	pin   int
	dirty bool
}

// Cache is a pin-counted LRU cache of block.TypedBlock[T, M] values
// keyed by BID. Per spec §3's cache-entry invariant, there is exactly
// one in-memory copy per BID: two callers requesting the same BID
// share the one resident entry and its pin count.
type Cache[T any, M any] struct {
	mgr  *blockmgr.Manager
	pool *pool.Pool
	log  *xlog.Logger

	capacity int
	entries  map[blockmgr.BID]*entry[T, M]
	lru      *list.List // of blockmgr.BID; only UNPINNED entries are tracked here
	lruElem  map[blockmgr.BID]*list.Element
}

// New creates a Cache with room for capacity resident nodes, backed by
// mgr for BID allocation/freeing and p for block-level I/O.
func New[T any, M any](mgr *blockmgr.Manager, p *pool.Pool, capacity int, log *xlog.Logger) *Cache[T, M] {
	return &Cache[T, M]{
		mgr:      mgr,
		pool:     p,
		log:      log,
		capacity: capacity,
		entries:  make(map[blockmgr.BID]*entry[T, M]),
		lru:      list.New(),
		lruElem:  make(map[blockmgr.BID]*list.Element),
	}
}

// Size returns the cache's capacity in slots, per spec §4.5.
func (c *Cache[T, M]) Size() int { return c.capacity }

// Len returns the number of currently resident entries.
func (c *Cache[T, M]) Len() int { return len(c.entries) }

// GetNewNode allocates a fresh BID via strategy, installs a pinned,
// zeroed node for it (evicting an unpinned victim first if the cache
// is full), and returns both, per spec §4.5's get_new_node.
func (c *Cache[T, M]) GetNewNode(strategy blockmgr.Strategy) (blockmgr.BID, *block.TypedBlock[T, M], error) {
	if len(c.entries) >= c.capacity {
		if err := c.evictOne(); err != nil {
			return blockmgr.NilBID, nil, err
		}
	}

	bid, err := c.mgr.NewBlock(strategy)
	if err != nil {
		return blockmgr.NilBID, nil, err
	}

	buf := make([]byte, bid.Size)
	blk := block.New[T, M](bid, buf)
	blk.Zero()

	c.entries[bid] = &entry[T, M]{blk: blk, pin: 1, dirty: true}
	return bid, blk, nil
}

// GetNode returns bid's resident node, pinning it if requested;
// faults it in synchronously from disk through the pool if it is not
// already resident, per spec §4.5's get_node.
func (c *Cache[T, M]) GetNode(bid blockmgr.BID, pin bool) (*block.TypedBlock[T, M], error) {
	if e, ok := c.entries[bid]; ok {
		if pin {
			e.pin++
			c.untrack(bid)
		} else {
			c.touch(bid, e)
		}
		return e.blk, nil
	}
	return c.faultIn(bid, pin)
}

// GetConstNode has the same residency semantics as GetNode. Go has no
// const-view type to forbid writes through the returned pointer the
// way spec §4.5 distinguishes get_node from get_const_node; callers
// using this entry point are trusted to treat the block as read-only.
func (c *Cache[T, M]) GetConstNode(bid blockmgr.BID, pin bool) (*block.TypedBlock[T, M], error) {
	return c.GetNode(bid, pin)
}

func (c *Cache[T, M]) faultIn(bid blockmgr.BID, pin bool) (*block.TypedBlock[T, M], error) {
	if len(c.entries) >= c.capacity {
		if err := c.evictOne(); err != nil {
			return nil, err
		}
	}

	h, err := c.pool.Read(bid)
	if err != nil {
		return nil, err
	}
	if err := h.Wait(); err != nil {
		return nil, err
	}

	blk := block.New[T, M](bid, h.Bytes())
	pinCount := 0
	if pin {
		pinCount = 1
	}
	c.entries[bid] = &entry[T, M]{blk: blk, pin: pinCount}
	if !pin {
		c.track(bid)
	}
	if c.log != nil {
		c.log.Debugf("nodecache: faulted in %s", bid)
	}
	return blk, nil
}

// UnfixNode decrements bid's pin count; once it reaches zero the entry
// becomes eligible for eviction again, per spec §4.5's unfix_node.
func (c *Cache[T, M]) UnfixNode(bid blockmgr.BID) {
	e, ok := c.entries[bid]
	if !ok || e.pin == 0 {
		return
	}
	e.pin--
	if e.pin == 0 {
		c.track(bid)
	}
}

// MarkDirty flags bid's resident entry as needing write-back on
// eviction. Tree code calls this after mutating a node through its
// pinned handle: block.TypedBlock aliases the underlying buffer
// directly, so there is no setter to hook the dirty flag onto.
func (c *Cache[T, M]) MarkDirty(bid blockmgr.BID) {
	if e, ok := c.entries[bid]; ok {
		e.dirty = true
	}
}

// DeleteNode drops bid's resident entry without writing it back and
// frees the BID via the block manager, per spec §3/§4.6's delete_node.
// It also drains any outstanding write-behind slot for bid from the
// pool: a freed BID can be reissued by the block manager before that
// write reaches disk, and a stale slot sitting under the same BID
// would otherwise shadow the reissued block's own writes/reads.
func (c *Cache[T, M]) DeleteNode(bid blockmgr.BID) error {
	if _, ok := c.entries[bid]; ok {
		delete(c.entries, bid)
		c.untrack(bid)
	}
	c.pool.Steal(bid)
	return c.mgr.DeleteBlock(bid)
}

func (c *Cache[T, M]) touch(bid blockmgr.BID, e *entry[T, M]) {
	if e.pin != 0 {
		return
	}
	if el, ok := c.lruElem[bid]; ok {
		c.lru.MoveToFront(el)
		return
	}
	c.lruElem[bid] = c.lru.PushFront(bid)
}

func (c *Cache[T, M]) track(bid blockmgr.BID) {
	if _, ok := c.lruElem[bid]; !ok {
		c.lruElem[bid] = c.lru.PushFront(bid)
	}
}

func (c *Cache[T, M]) untrack(bid blockmgr.BID) {
	if el, ok := c.lruElem[bid]; ok {
		c.lru.Remove(el)
		delete(c.lruElem, bid)
	}
}

// evictOne evicts the least-recently-used unpinned entry, write-back
// first if dirty. If every resident entry is pinned, returns
// ErrCacheExhausted per spec §4.5/§7.
func (c *Cache[T, M]) evictOne() error {
	el := c.lru.Back()
	if el == nil {
		return ErrCacheExhausted
	}
	bid := el.Value.(blockmgr.BID)
	e := c.entries[bid]

	if e.dirty {
		if err := c.pool.WriteSync(bid, e.blk.Bytes()); err != nil {
			if c.log != nil {
				c.log.Errorf("nodecache: write-back of %s failed: %v", bid, err)
			}
			return err
		}
	}

	c.lru.Remove(el)
	delete(c.lruElem, bid)
	delete(c.entries, bid)
	return nil
}
