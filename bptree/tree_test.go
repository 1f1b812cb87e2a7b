package bptree

import (
	"testing"

	"github.com/xtern-go/xtern/blockmgr"
	"github.com/xtern-go/xtern/disk"
	"github.com/xtern-go/xtern/pool"
	"github.com/xtern-go/xtern/reqqueue"
)

func newTestTree(t *testing.T, opts Options) (*Tree[int64, int64], *blockmgr.Manager) {
	t.Helper()

	d := disk.NewInMemoryDisk("mem", 512*4096)
	mgr, err := blockmgr.New([]disk.Disk{d}, 512, nil)
	if err != nil {
		t.Fatalf("blockmgr.New() unexpected error: %v", err)
	}
	rq := reqqueue.NewManager([]disk.Disk{d}, nil)
	t.Cleanup(rq.Shutdown)
	p := pool.New(mgr, rq, 16, 16, nil)

	tree, err := New[int64, int64](mgr, p, Ordered[int64]{Max: 1 << 62}, opts)
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	return tree, mgr
}

func TestTreeInsertFind(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t, Options{})

	inserted, err := tree.Insert(10, 100)
	if err != nil {
		t.Fatalf("Insert() unexpected error: %v", err)
	}
	if !inserted {
		t.Fatalf("Insert() returned false for a fresh key")
	}

	inserted, err = tree.Insert(10, 999)
	if err != nil {
		t.Fatalf("Insert() unexpected error: %v", err)
	}
	if inserted {
		t.Errorf("Insert() returned true for an existing key")
	}

	v, err := tree.At(10)
	if err != nil {
		t.Fatalf("At() unexpected error: %v", err)
	}
	if v != 100 {
		t.Errorf("At(10) = %d, want 100 (second Insert must not overwrite)", v)
	}

	if _, err := tree.At(11); err != ErrKeyNotFound {
		t.Errorf("At(11) err = %v, want ErrKeyNotFound", err)
	}

	if tree.Size() != 1 {
		t.Errorf("Size() = %d, want 1", tree.Size())
	}
}

func TestTreeInsertManyForcesSplits(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t, Options{})

	const n = 500
	for i := int64(0); i < n; i++ {
		inserted, err := tree.Insert(i, i*i)
		if err != nil {
			t.Fatalf("Insert(%d) unexpected error: %v", i, err)
		}
		if !inserted {
			t.Fatalf("Insert(%d) returned false", i)
		}
	}

	if tree.Size() != n {
		t.Fatalf("Size() = %d, want %d", tree.Size(), n)
	}
	if tree.height < 2 {
		t.Fatalf("height = %d, want >= 2", tree.height)
	}

	for i := int64(0); i < n; i++ {
		v, err := tree.At(i)
		if err != nil {
			t.Fatalf("At(%d) unexpected error: %v", i, err)
		}
		if v != i*i {
			t.Errorf("At(%d) = %d, want %d", i, v, i*i)
		}
	}
}

func TestTreeInsertBadKeyRejected(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t, Options{})
	_, err := tree.Insert(1<<62, 1)
	if err != ErrBadKey {
		t.Errorf("Insert(MaxValue) err = %v, want ErrBadKey", err)
	}
}

func TestTreeIndexInsertsZeroValue(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t, Options{})
	v, err := tree.Index(42)
	if err != nil {
		t.Fatalf("Index() unexpected error: %v", err)
	}
	if v != 0 {
		t.Errorf("Index(42) on absent key = %d, want 0", v)
	}
	if tree.Size() != 1 {
		t.Errorf("Size() = %d, want 1 after Index on an absent key", tree.Size())
	}
}

func TestTreeClearResetsToEmptyLeaf(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t, Options{})
	for i := int64(0); i < 200; i++ {
		if _, err := tree.Insert(i, i); err != nil {
			t.Fatalf("Insert(%d) unexpected error: %v", i, err)
		}
	}

	if err := tree.Clear(); err != nil {
		t.Fatalf("Clear() unexpected error: %v", err)
	}
	if tree.Size() != 0 {
		t.Errorf("Size() = %d, want 0 after Clear()", tree.Size())
	}
	if tree.height != 2 {
		t.Errorf("height = %d, want 2 after Clear()", tree.height)
	}
	if len(tree.rootIdx) != 1 {
		t.Errorf("len(rootIdx) = %d, want 1 after Clear()", len(tree.rootIdx))
	}

	if _, err := tree.At(5); err != ErrKeyNotFound {
		t.Errorf("At(5) after Clear() err = %v, want ErrKeyNotFound", err)
	}
}

func TestTreeIteratorWalksInOrder(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t, Options{})
	keys := []int64{40, 10, 30, 20, 50}
	for _, k := range keys {
		if _, err := tree.Insert(k, k*10); err != nil {
			t.Fatalf("Insert(%d) unexpected error: %v", k, err)
		}
	}

	it, err := tree.Begin()
	if err != nil {
		t.Fatalf("Begin() unexpected error: %v", err)
	}

	want := []int64{10, 20, 30, 40, 50}
	for _, wantKey := range want {
		k, err := it.Key()
		if err != nil {
			t.Fatalf("Key() unexpected error: %v", err)
		}
		if k != wantKey {
			t.Errorf("iterator key = %d, want %d", k, wantKey)
		}
		v, err := it.Value()
		if err != nil {
			t.Fatalf("Value() unexpected error: %v", err)
		}
		if v != wantKey*10 {
			t.Errorf("iterator value = %d, want %d", v, wantKey*10)
		}
		if _, err := it.Next(); err != nil {
			t.Fatalf("Next() unexpected error: %v", err)
		}
	}

	if !it.Equal(tree.End()) {
		t.Errorf("iterator after walking all entries should equal End()")
	}
}

func TestTreeFindIterAndLowerBound(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t, Options{})
	for _, k := range []int64{10, 20, 30} {
		if _, err := tree.Insert(k, k); err != nil {
			t.Fatalf("Insert(%d) unexpected error: %v", k, err)
		}
	}

	it, err := tree.FindIter(20)
	if err != nil {
		t.Fatalf("FindIter() unexpected error: %v", err)
	}
	k, err := it.Key()
	if err != nil {
		t.Fatalf("Key() unexpected error: %v", err)
	}
	if k != 20 {
		t.Errorf("FindIter(20).Key() = %d, want 20", k)
	}

	absent, err := tree.FindIter(25)
	if err != nil {
		t.Fatalf("FindIter() unexpected error: %v", err)
	}
	if !absent.Equal(tree.End()) {
		t.Errorf("FindIter(25) on absent key should equal End()")
	}

	lb, err := tree.LowerBound(25)
	if err != nil {
		t.Fatalf("LowerBound() unexpected error: %v", err)
	}
	k, err = lb.Key()
	if err != nil {
		t.Fatalf("Key() unexpected error: %v", err)
	}
	if k != 30 {
		t.Errorf("LowerBound(25).Key() = %d, want 30", k)
	}
}

func TestTreeBulkLoadThenIterate(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t, Options{LeafFillFactor: 0.8, NodeFillFactor: 0.8})

	const n = 300
	pairs := make([]Entry[int64, int64], n)
	for i := range pairs {
		pairs[i] = Entry[int64, int64]{Key: int64(i), Value: int64(i * 2)}
	}

	if err := tree.BulkLoad(pairs); err != nil {
		t.Fatalf("BulkLoad() unexpected error: %v", err)
	}
	if tree.Size() != n {
		t.Fatalf("Size() = %d, want %d", tree.Size(), n)
	}

	it, err := tree.Begin()
	if err != nil {
		t.Fatalf("Begin() unexpected error: %v", err)
	}
	for i := int64(0); i < n; i++ {
		k, err := it.Key()
		if err != nil {
			t.Fatalf("Key() unexpected error: %v", err)
		}
		if k != i {
			t.Fatalf("iterator key at position %d = %d, want %d", i, k, i)
		}
		if i < n-1 {
			if _, err := it.Next(); err != nil {
				t.Fatalf("Next() unexpected error: %v", err)
			}
		}
	}
}

func TestTreeSwapExchangesContents(t *testing.T) {
	t.Parallel()

	a, _ := newTestTree(t, Options{})
	b, _ := newTestTree(t, Options{})

	if _, err := a.Insert(1, 1); err != nil {
		t.Fatalf("Insert() unexpected error: %v", err)
	}
	if _, err := b.Insert(2, 2); err != nil {
		t.Fatalf("Insert() unexpected error: %v", err)
	}

	a.Swap(b)

	if _, err := a.At(2); err != nil {
		t.Errorf("a.At(2) after Swap unexpected error: %v", err)
	}
	if _, err := b.At(1); err != nil {
		t.Errorf("b.At(1) after Swap unexpected error: %v", err)
	}
}
