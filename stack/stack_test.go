package stack

import (
	"testing"

	"github.com/xtern-go/xtern/blockmgr"
	"github.com/xtern-go/xtern/disk"
	"github.com/xtern-go/xtern/pool"
	"github.com/xtern-go/xtern/reqqueue"
)

func newTestStack(t *testing.T, backing Backing, opts Options) *Stack[int64] {
	t.Helper()

	d := disk.NewInMemoryDisk("mem", 64*4096)
	mgr, err := blockmgr.New([]disk.Disk{d}, 64, nil)
	if err != nil {
		t.Fatalf("blockmgr.New() unexpected error: %v", err)
	}
	rq := reqqueue.NewManager([]disk.Disk{d}, nil)
	t.Cleanup(rq.Shutdown)
	p := pool.New(mgr, rq, 8, 8, nil)

	opts.BlockSize = 64
	opts.Backing = backing
	s, err := New[int64](mgr, p, opts)
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	return s
}

func testPushPopOrder(t *testing.T, backing Backing, opts Options) {
	t.Helper()

	s := newTestStack(t, backing, opts)
	const n = 40
	for i := int64(0); i < n; i++ {
		if err := s.Push(i); err != nil {
			t.Fatalf("Push(%d) unexpected error: %v", i, err)
		}
	}
	if s.Size() != n {
		t.Fatalf("Size() = %d, want %d", s.Size(), n)
	}

	for i := n - 1; i >= 0; i-- {
		v, err := s.Pop()
		if err != nil {
			t.Fatalf("Pop() unexpected error: %v", err)
		}
		if v != int64(i) {
			t.Fatalf("Pop() = %d, want %d", v, i)
		}
	}
	if !s.Empty() {
		t.Errorf("Empty() = false after popping everything")
	}
	if _, err := s.Pop(); err != ErrEmpty {
		t.Errorf("Pop() on empty stack err = %v, want ErrEmpty", err)
	}
}

func TestStackNormalPushPopOrder(t *testing.T) {
	t.Parallel()
	testPushPopOrder(t, Normal, Options{})
}

func TestStackGrowShrinkPushPopOrder(t *testing.T) {
	t.Parallel()
	testPushPopOrder(t, GrowShrink, Options{})
}

func TestStackGrowShrink2PushPopOrder(t *testing.T) {
	t.Parallel()
	testPushPopOrder(t, GrowShrink2, Options{PrefetchAggr: 3})
}

func TestStackMigratingStaysInMemoryUnderThreshold(t *testing.T) {
	t.Parallel()

	s := newTestStack(t, Migrating, Options{MigrateThreshold: 100})
	for i := int64(0); i < 10; i++ {
		if err := s.Push(i); err != nil {
			t.Fatalf("Push(%d) unexpected error: %v", i, err)
		}
	}
	if s.migrated {
		t.Errorf("migrated = true before crossing MigrateThreshold")
	}
	if len(s.blocks) != 0 {
		t.Errorf("len(blocks) = %d, want 0 while still in-memory", len(s.blocks))
	}

	testPushPopOrderOnExisting(t, s, 10)
}

func TestStackMigratingCrossesOverAtThreshold(t *testing.T) {
	t.Parallel()

	s := newTestStack(t, Migrating, Options{MigrateThreshold: 5})
	for i := int64(0); i < 20; i++ {
		if err := s.Push(i); err != nil {
			t.Fatalf("Push(%d) unexpected error: %v", i, err)
		}
	}
	if !s.migrated {
		t.Errorf("migrated = false, want true after crossing MigrateThreshold")
	}

	for i := int64(19); i >= 0; i-- {
		v, err := s.Pop()
		if err != nil {
			t.Fatalf("Pop() unexpected error: %v", err)
		}
		if v != i {
			t.Fatalf("Pop() = %d, want %d", v, i)
		}
	}
}

func testPushPopOrderOnExisting(t *testing.T, s *Stack[int64], n int64) {
	t.Helper()
	for i := n - 1; i >= 0; i-- {
		v, err := s.Pop()
		if err != nil {
			t.Fatalf("Pop() unexpected error: %v", err)
		}
		if v != i {
			t.Fatalf("Pop() = %d, want %d", v, i)
		}
	}
}

func TestStackTopDoesNotRemove(t *testing.T) {
	t.Parallel()

	s := newTestStack(t, Normal, Options{})
	if err := s.Push(7); err != nil {
		t.Fatalf("Push() unexpected error: %v", err)
	}
	if err := s.Push(9); err != nil {
		t.Fatalf("Push() unexpected error: %v", err)
	}

	v, err := s.Top()
	if err != nil {
		t.Fatalf("Top() unexpected error: %v", err)
	}
	if v != 9 {
		t.Errorf("Top() = %d, want 9", v)
	}
	if s.Size() != 2 {
		t.Errorf("Size() = %d, want 2 (Top must not remove)", s.Size())
	}
}

func TestStackSetPrefetchAggrTunesPipelineDepth(t *testing.T) {
	t.Parallel()

	s := newTestStack(t, GrowShrink2, Options{PrefetchAggr: 1})
	for i := int64(0); i < 64; i++ {
		if err := s.Push(i); err != nil {
			t.Fatalf("Push(%d) unexpected error: %v", i, err)
		}
	}

	s.SetPrefetchAggr(4)
	v, err := s.Pop()
	if err != nil {
		t.Fatalf("Pop() unexpected error: %v", err)
	}
	if v != 63 {
		t.Errorf("Pop() = %d, want 63", v)
	}
	if len(s.pending) == 0 {
		t.Errorf("pending prefetch queue empty after SetPrefetchAggr(4) and a pop")
	}
}
