package pagedvector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xtern-go/xtern/blockmgr"
	"github.com/xtern-go/xtern/disk"
	"github.com/xtern-go/xtern/pool"
	"github.com/xtern-go/xtern/reqqueue"
)

func newTestVector(t *testing.T, numFrames int) (*Vector[int64], *blockmgr.Manager) {
	t.Helper()

	d := disk.NewInMemoryDisk("mem", 64*4096)
	mgr, err := blockmgr.New([]disk.Disk{d}, 64, nil)
	if err != nil {
		t.Fatalf("blockmgr.New() unexpected error: %v", err)
	}
	rq := reqqueue.NewManager([]disk.Disk{d}, nil)
	t.Cleanup(rq.Shutdown)
	p := pool.New(mgr, rq, 8, 8, nil)

	v, err := New[int64](mgr, p, Options{
		BlocksPerPage: 1,
		NumFrames:     numFrames,
		BlockSize:     64,
	})
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	return v, mgr
}

func TestVectorPushBackAndAt(t *testing.T) {
	t.Parallel()

	v, _ := newTestVector(t, 4)
	for i := int64(0); i < 50; i++ {
		if err := v.PushBack(i * 3); err != nil {
			t.Fatalf("PushBack(%d) unexpected error: %v", i, err)
		}
	}

	if v.Size() != 50 {
		t.Fatalf("Size() = %d, want 50", v.Size())
	}

	for i := uint64(0); i < 50; i++ {
		ptr, err := v.At(i)
		if err != nil {
			t.Fatalf("At(%d) unexpected error: %v", i, err)
		}
		if *ptr != int64(i)*3 {
			t.Errorf("At(%d) = %d, want %d", i, *ptr, int64(i)*3)
		}
	}

	if _, err := v.At(50); err != ErrIndexOutOfRange {
		t.Errorf("At(50) err = %v, want ErrIndexOutOfRange", err)
	}
}

func TestVectorSetOverwritesAndMarksDirty(t *testing.T) {
	t.Parallel()

	v, _ := newTestVector(t, 4)
	for i := int64(0); i < 10; i++ {
		if err := v.PushBack(i); err != nil {
			t.Fatalf("PushBack(%d) unexpected error: %v", i, err)
		}
	}

	if err := v.Set(3, 999); err != nil {
		t.Fatalf("Set() unexpected error: %v", err)
	}
	ptr, err := v.At(3)
	if err != nil {
		t.Fatalf("At(3) unexpected error: %v", err)
	}
	if *ptr != 999 {
		t.Errorf("At(3) after Set() = %d, want 999", *ptr)
	}
}

func TestVectorResizeShrinkFreesBlocks(t *testing.T) {
	t.Parallel()

	v, _ := newTestVector(t, 4)
	for i := int64(0); i < 20; i++ {
		if err := v.PushBack(i); err != nil {
			t.Fatalf("PushBack(%d) unexpected error: %v", i, err)
		}
	}

	if err := v.Resize(5, true); err != nil {
		t.Fatalf("Resize() unexpected error: %v", err)
	}
	if v.Size() != 5 {
		t.Errorf("Size() = %d, want 5", v.Size())
	}
	if len(v.pageBIDs) != 1 {
		t.Errorf("len(pageBIDs) = %d, want 1 after shrink-free", len(v.pageBIDs))
	}
}

func TestVectorIteratorPinsAndWalksInOrder(t *testing.T) {
	t.Parallel()

	v, _ := newTestVector(t, 2)
	for i := int64(0); i < 12; i++ {
		if err := v.PushBack(i); err != nil {
			t.Fatalf("PushBack(%d) unexpected error: %v", i, err)
		}
	}

	it := v.Begin()
	count := int64(0)
	for !it.AtEnd() {
		ptr, err := it.Get()
		if err != nil {
			t.Fatalf("Get() unexpected error: %v", err)
		}
		if *ptr != count {
			t.Errorf("iterator value at %d = %d, want %d", count, *ptr, count)
		}
		it.Next()
		count++
	}
	if count != 12 {
		t.Errorf("iterator visited %d elements, want 12", count)
	}
	it.Release()
}

func TestVectorExportFilesWritesManifestAndCloses(t *testing.T) {
	t.Parallel()

	v, mgr := newTestVector(t, 4)
	for i := int64(0); i < 5; i++ {
		if err := v.PushBack(i); err != nil {
			t.Fatalf("PushBack(%d) unexpected error: %v", i, err)
		}
	}

	dir := t.TempDir()
	prefix := filepath.Join(dir, "exported_")
	if err := v.ExportFiles(prefix); err != nil {
		t.Fatalf("ExportFiles() unexpected error: %v", err)
	}

	manifest, err := os.ReadFile(prefix + "manifest.csv")
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(manifest), "\n"), "\n")
	if len(lines) != 1 {
		t.Errorf("manifest has %d records, want 1 (one block for 5 elements on one page)", len(lines))
	}
	for _, line := range lines {
		fields := strings.Split(line, ",")
		if len(fields) != 5 {
			t.Errorf("manifest record %q has %d fields, want 5", line, len(fields))
		}
	}

	_ = mgr
}
