package block

import (
	"testing"

	"github.com/xtern-go/xtern/blockmgr"
)

type leafMeta struct {
	CurSize uint32
	Succ    blockmgr.BID
	Pred    blockmgr.BID
}

func TestTypedBlockRecordsAliasBuffer(t *testing.T) {
	t.Parallel()

	bid := blockmgr.BID{Disk: 0, Offset: 0, Size: 64}
	buf := make([]byte, bid.Size)

	b := New[uint32, leafMeta](bid, buf)
	recs := b.Records()
	if len(recs) == 0 {
		t.Fatalf("Records() returned empty slice")
	}

	recs[0] = 0xdeadbeef
	b.MarkDirty()

	// Mutating through Records() must be visible in the raw buffer
	// (zero-copy aliasing), and in a freshly-taken Records() view.
	again := b.Records()
	if again[0] != 0xdeadbeef {
		t.Errorf("Records()[0] = %#x after mutation, want %#x", again[0], 0xdeadbeef)
	}
	if !b.Dirty() {
		t.Errorf("Dirty() = false after MarkDirty()")
	}
}

func TestTypedBlockMeta(t *testing.T) {
	t.Parallel()

	bid := blockmgr.BID{Disk: 0, Offset: 0, Size: 128}
	buf := make([]byte, bid.Size)
	b := New[uint32, leafMeta](bid, buf)

	m := b.Meta()
	m.CurSize = 7
	m.Succ = blockmgr.BID{Disk: 1, Offset: 256, Size: 128}

	m2 := b.Meta()
	if m2.CurSize != 7 {
		t.Errorf("Meta().CurSize = %d, want 7", m2.CurSize)
	}
	if m2.Succ.Disk != 1 || m2.Succ.Offset != 256 {
		t.Errorf("Meta().Succ = %+v, want {Disk:1 Offset:256}", m2.Succ)
	}
}

func TestTypedBlockCapacityExcludesMeta(t *testing.T) {
	t.Parallel()

	bid := blockmgr.BID{Disk: 0, Offset: 0, Size: 64}
	buf := make([]byte, bid.Size)
	b := New[uint32, leafMeta](bid, buf)

	want := (64 - metaSize[leafMeta]()) / 4
	if got := b.Capacity(); got != want {
		t.Errorf("Capacity() = %d, want %d", got, want)
	}
}
