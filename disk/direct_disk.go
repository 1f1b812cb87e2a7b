package disk

import (
	"fmt"
	"os"
	"sync"

	"github.com/ncw/directio"
)

var _ Disk = (*DirectDisk)(nil)

// DirectDisk backs a Disk with an O_DIRECT file descriptor, grounded
// on ryogrid-sametree's use of directio.OpenFile in its disk manager.
// This is the backing for the "direct"/"raw" driver flag in spec §6's
// config grammar: I/O bypasses the OS page cache, so the block manager
// above sees exactly the bytes that hit the platter (no double
// buffering), matching the spec's "no crash-consistent format, but
// also no surprise staleness from kernel caching" stance.
//
// O_DIRECT requires aligned buffers and aligned, block-size-multiple
// offsets; the request queue always issues exactly one full block per
// request (spec §3), so callers naturally satisfy this as long as the
// configured disk size and block size are both multiples of
// directio.AlignSize.
type DirectDisk struct {
	mu   sync.Mutex
	path string
	fh   *os.File
	size int64
}

func openDirect(path string, size int64) (*DirectDisk, error) {
	fh, err := directio.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: direct-open %q: %w", path, err)
	}

	d := &DirectDisk{path: path, fh: fh}

	fi, err := fh.Stat()
	if err != nil {
		_ = fh.Close()
		return nil, err
	}
	d.size = fi.Size()

	if d.size < size {
		if err := d.Grow(size); err != nil {
			_ = fh.Close()
			return nil, err
		}
	}

	return d, nil
}

func (d *DirectDisk) ReadAt(p []byte, off int64) (int, error) {
	if d.fh == nil {
		return 0, ErrClosed
	}
	if off%directio.AlignSize != 0 || len(p)%directio.AlignSize != 0 {
		return 0, fmt.Errorf("disk: direct I/O requires %d-byte aligned offset/length, got off=%d len=%d", directio.AlignSize, off, len(p))
	}
	return d.fh.ReadAt(p, off)
}

func (d *DirectDisk) WriteAt(p []byte, off int64) (int, error) {
	if d.fh == nil {
		return 0, ErrClosed
	}
	if off%directio.AlignSize != 0 || len(p)%directio.AlignSize != 0 {
		return 0, fmt.Errorf("disk: direct I/O requires %d-byte aligned offset/length, got off=%d len=%d", directio.AlignSize, off, len(p))
	}
	if size := d.Size(); off < 0 || off+int64(len(p)) > size {
		return 0, fmt.Errorf("disk: write past end of %q (off=%d len=%d size=%d)", d.path, off, len(p), size)
	}
	return d.fh.WriteAt(p, off)
}

func (d *DirectDisk) Grow(size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fh == nil {
		return ErrClosed
	}
	if size <= d.size {
		return nil
	}
	if err := d.fh.Truncate(size); err != nil {
		return err
	}
	d.size = size
	return nil
}

func (d *DirectDisk) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

func (d *DirectDisk) Path() string { return d.path }

func (d *DirectDisk) Close() error {
	if d.fh == nil {
		return nil
	}
	err := d.fh.Close()
	d.fh = nil
	return err
}

// AlignedBlock allocates a buffer suitable for direct I/O against this
// disk's block size.
func AlignedBlock(size int) []byte {
	return directio.AlignedBlock(size)
}
