package blockmgr

import (
	"errors"
	"testing"

	"github.com/xtern-go/xtern/disk"
)

func newTestManager(t *testing.T, numDisks int, blocksPerDisk int) *Manager {
	t.Helper()
	const blockSize = 64

	disks := make([]disk.Disk, numDisks)
	for i := range disks {
		disks[i] = disk.NewInMemoryDisk("mem", int64(blocksPerDisk*blockSize))
	}

	m, err := New(disks, blockSize, nil)
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	return m
}

func TestNewBlocksStriping(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 4, 4)
	bids, err := m.NewBlocks(Striping{}, 8)
	if err != nil {
		t.Fatalf("NewBlocks() unexpected error: %v", err)
	}
	if len(bids) != 8 {
		t.Fatalf("NewBlocks() returned %d bids, want 8", len(bids))
	}

	for i, b := range bids {
		wantDisk := i % 4
		if b.Disk != wantDisk {
			t.Errorf("bids[%d].Disk = %d, want %d", i, b.Disk, wantDisk)
		}
	}
}

func TestNewBlocksNoSpace(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 1, 2)
	if _, err := m.NewBlocks(Striping{}, 2); err != nil {
		t.Fatalf("NewBlocks() unexpected error: %v", err)
	}

	_, err := m.NewBlocks(Striping{}, 1)
	if !errors.Is(err, ErrNoSpace) {
		t.Fatalf("NewBlocks() error = %v, want ErrNoSpace", err)
	}
}

func TestDeleteBlockFreesSlot(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 1, 1)
	bid, err := m.NewBlock(Striping{})
	if err != nil {
		t.Fatalf("NewBlock() unexpected error: %v", err)
	}

	if _, err := m.NewBlock(Striping{}); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("NewBlock() expected ErrNoSpace with full disk, got %v", err)
	}

	if err := m.DeleteBlock(bid); err != nil {
		t.Fatalf("DeleteBlock() unexpected error: %v", err)
	}

	if _, err := m.NewBlock(Striping{}); err != nil {
		t.Fatalf("NewBlock() after DeleteBlock() unexpected error: %v", err)
	}
}

func TestNewBlocksPartialFailureRollsBack(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 1, 2)
	if _, err := m.NewBlocks(Striping{}, 5); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("NewBlocks() error = %v, want ErrNoSpace", err)
	}

	// The two slots that were allocated during the failed batch must
	// have been freed again.
	bids, err := m.NewBlocks(Striping{}, 2)
	if err != nil {
		t.Fatalf("NewBlocks() after rollback unexpected error: %v", err)
	}
	if len(bids) != 2 {
		t.Fatalf("NewBlocks() returned %d bids, want 2", len(bids))
	}
}

func TestRandomCyclicCoversAllDisks(t *testing.T) {
	t.Parallel()

	rc := NewRandomCyclic(4, nil)
	seen := map[int]bool{}
	for i := uint64(0); i < 4; i++ {
		seen[rc.NextDisk(i, 4)] = true
	}
	if len(seen) != 4 {
		t.Errorf("RandomCyclic visited %d distinct disks over one cycle, want 4", len(seen))
	}
}
