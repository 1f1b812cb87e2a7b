package disk

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

var _ Disk = (*SyscallDisk)(nil)

// SyscallDisk backs a Disk with plain positioned pread/pwrite syscalls
// via golang.org/x/sys/unix, grounded on the RandomAccessFile shape in
// the teacher's io/file_ondisk.go but calling unix.Pread/unix.Pwrite
// directly instead of going through *os.File.ReadAt/WriteAt, which on
// some platforms takes a per-file mutex around the seek+read pair.
// Concurrent, non-overlapping positioned I/O against the same fd is
// safe without that serialization, matching spec §5's "not internally
// synchronised above the per-request level" for this layer.
type SyscallDisk struct {
	path string
	fh   *os.File
	fd   int

	mu   sync.Mutex // guards size bookkeeping only, not I/O
	size int64
}

func openSyscall(path string, size int64) (*SyscallDisk, error) {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open %q: %w", path, err)
	}

	d := &SyscallDisk{path: path, fh: fh, fd: int(fh.Fd())}

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

func (d *SyscallDisk) ReadAt(p []byte, off int64) (int, error) {
	if d.fh == nil {
		return 0, ErrClosed
	}
	if size := d.Size(); off < 0 || off+int64(len(p)) > size {
		return 0, fmt.Errorf("disk: read past end of %q (off=%d len=%d size=%d)", d.path, off, len(p), size)
	}
	return unix.Pread(d.fd, p, off)
}

func (d *SyscallDisk) WriteAt(p []byte, off int64) (int, error) {
	if d.fh == nil {
		return 0, ErrClosed
	}
	if size := d.Size(); off < 0 || off+int64(len(p)) > size {
		return 0, fmt.Errorf("disk: write past end of %q (off=%d len=%d size=%d)", d.path, off, len(p), size)
	}
	return unix.Pwrite(d.fd, p, off)
}

func (d *SyscallDisk) Grow(size int64) error {
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

func (d *SyscallDisk) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

func (d *SyscallDisk) Path() string { return d.path }

func (d *SyscallDisk) Close() error {
	if d.fh == nil {
		return nil
	}
	err := d.fh.Close()
	d.fh = nil
	return err
}
