package nodecache

import (
	"testing"

	"github.com/xtern-go/xtern/blockmgr"
	"github.com/xtern-go/xtern/disk"
	"github.com/xtern-go/xtern/pool"
	"github.com/xtern-go/xtern/reqqueue"
)

type testRecord struct {
	Key int64
	Val int64
}

type testMeta struct {
	Count int32
}

func newTestCache(t *testing.T, capacity int) (*Cache[testRecord, testMeta], *blockmgr.Manager) {
	t.Helper()

	d := disk.NewInMemoryDisk("mem", 64*128)
	mgr, err := blockmgr.New([]disk.Disk{d}, 128, nil)
	if err != nil {
		t.Fatalf("blockmgr.New() unexpected error: %v", err)
	}
	rq := reqqueue.NewManager([]disk.Disk{d}, nil)
	t.Cleanup(rq.Shutdown)
	p := pool.New(mgr, rq, 8, 8, nil)

	return New[testRecord, testMeta](mgr, p, capacity, nil), mgr
}

func TestCacheGetNewNodeIsPinned(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 1)
	bid, blk, err := c.GetNewNode(blockmgr.Striping{})
	if err != nil {
		t.Fatalf("GetNewNode() unexpected error: %v", err)
	}
	blk.Meta().Count = 1
	blk.Records()[0] = testRecord{Key: 1, Val: 2}
	c.MarkDirty(bid)

	// A freshly created node is pinned; evicting with only this one
	// resident entry must fail with ErrCacheExhausted.
	if _, _, err := c.GetNewNode(blockmgr.Striping{}); err == nil {
		t.Fatalf("expected eviction pressure, got none")
	} else {
		// Pool-backed eviction of unrelated pressure aside, the real
		// assertion is that our one entry stayed resident and pinned.
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (second GetNewNode should have failed before allocating)", c.Len())
	}

	c.UnfixNode(bid)
	got, err := c.GetNode(bid, false)
	if err != nil {
		t.Fatalf("GetNode() unexpected error: %v", err)
	}
	if got.Meta().Count != 1 || got.Records()[0].Val != 2 {
		t.Errorf("GetNode() returned stale contents: %+v", got.Meta())
	}
}

func TestCacheEvictsUnpinnedLRU(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 2)

	bid1, blk1, _ := c.GetNewNode(blockmgr.Striping{})
	blk1.Meta().Count = 1
	c.MarkDirty(bid1)
	c.UnfixNode(bid1)

	bid2, blk2, _ := c.GetNewNode(blockmgr.Striping{})
	blk2.Meta().Count = 2
	c.MarkDirty(bid2)
	c.UnfixNode(bid2)

	// Both unpinned; a third GetNewNode should evict bid1 (LRU), not
	// fail with ErrCacheExhausted.
	bid3, blk3, err := c.GetNewNode(blockmgr.Striping{})
	if err != nil {
		t.Fatalf("GetNewNode() unexpected error: %v", err)
	}
	blk3.Meta().Count = 3
	c.MarkDirty(bid3)
	c.UnfixNode(bid3)

	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}

	// bid1 was evicted and write-back-synced; re-reading it must
	// return the persisted contents.
	got, err := c.GetNode(bid1, false)
	if err != nil {
		t.Fatalf("GetNode(bid1) unexpected error: %v", err)
	}
	if got.Meta().Count != 1 {
		t.Errorf("GetNode(bid1) after eviction = %+v, want Count=1", got.Meta())
	}
}

func TestCacheDeleteNodeFreesBID(t *testing.T) {
	t.Parallel()

	c, mgr := newTestCache(t, 4)
	bid, _, err := c.GetNewNode(blockmgr.Striping{})
	if err != nil {
		t.Fatalf("GetNewNode() unexpected error: %v", err)
	}
	c.UnfixNode(bid)

	if err := c.DeleteNode(bid); err != nil {
		t.Fatalf("DeleteNode() unexpected error: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after DeleteNode, want 0", c.Len())
	}

	// The freed BID's slot should be reusable by a fresh allocation.
	bid2, err := mgr.NewBlock(blockmgr.Striping{})
	if err != nil {
		t.Fatalf("NewBlock() unexpected error: %v", err)
	}
	if bid2 != bid {
		t.Errorf("NewBlock() after DeleteNode = %s, want the freed %s", bid2, bid)
	}
}
