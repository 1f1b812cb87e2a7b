package blockmgr

import (
	"errors"
	"math/rand"
	"sync/atomic"

	"github.com/xtern-go/xtern/disk"
	"github.com/xtern-go/xtern/internal/xlog"
)

// ErrNoSpace is returned when no configured disk has a free extent for
// a requested allocation, per spec §4.1 and §7.
var ErrNoSpace = errors.New("blockmgr: no space")

// Manager owns a set of disk files configured at startup plus a
// free-extent allocator per disk, per spec §4.1. It is the sole issuer
// of BID values.
type Manager struct {
	disks     []disk.Disk
	blockSize int64
	free      []*freeExtentMap
	counter   uint64 // running allocation counter, shared across strategies
	rng       *rand.Rand
	log       *xlog.Logger
}

// Options configures a Manager.
type Options struct {
	Logger *xlog.Logger
}

// New creates a Manager over the given already-open disks, fixed block
// size, computing each disk's slot capacity from its current Size().
func New(disks []disk.Disk, blockSize int64, opts *Options) (*Manager, error) {
	if blockSize <= 0 {
		return nil, errors.New("blockmgr: blockSize must be positive")
	}
	if len(disks) == 0 {
		return nil, errors.New("blockmgr: at least one disk is required")
	}
	if opts == nil {
		opts = &Options{}
	}

	m := &Manager{
		disks:     disks,
		blockSize: blockSize,
		free:      make([]*freeExtentMap, len(disks)),
		rng:       rand.New(rand.NewSource(1)),
		log:       opts.Logger,
	}

	for i, d := range disks {
		fem := newFreeExtentMap()
		fem.grow(int(d.Size() / blockSize))
		m.free[i] = fem
	}

	return m, nil
}

// BlockSize returns the fixed block size this manager allocates.
func (m *Manager) BlockSize() int64 { return m.blockSize }

// NumDisks returns the number of configured disks.
func (m *Manager) NumDisks() int { return len(m.disks) }

// Disk returns the underlying disk.Disk for a BID's disk index.
func (m *Manager) Disk(i int) disk.Disk { return m.disks[i] }

// NewBlock allocates a single block using strategy and returns its
// BID.
func (m *Manager) NewBlock(strategy Strategy) (BID, error) {
	bids, err := m.NewBlocks(strategy, 1)
	if err != nil {
		return NilBID, err
	}
	return bids[0], nil
}

// NewBlocks allocates n new blocks using strategy and returns their
// BIDs. On NoSpace, any blocks already allocated in this call are
// freed again before returning the error, leaving the manager
// unchanged (spec §7: errors propagate; no partial allocations leak).
func (m *Manager) NewBlocks(strategy Strategy, n int) ([]BID, error) {
	bids := make([]BID, 0, n)
	for i := 0; i < n; i++ {
		bid, err := m.allocOne(strategy)
		if err != nil {
			for _, b := range bids {
				m.freeOne(b)
			}
			if m.log != nil {
				m.log.Warnf("blockmgr: allocation of %d blocks failed after %d: %v", n, i, err)
			}
			return nil, err
		}
		bids = append(bids, bid)
	}
	return bids, nil
}

func (m *Manager) allocOne(strategy Strategy) (BID, error) {
	counter := atomic.AddUint64(&m.counter, 1) - 1
	numDisks := len(m.disks)

	preferred := strategy.NextDisk(counter, numDisks)
	wantRandomSlot := false
	if rs, ok := strategy.(randomSlot); ok {
		wantRandomSlot = rs.randomSlot()
	}

	// Try the preferred disk first, then fall back to scanning every
	// other disk in order so a single full disk doesn't spuriously
	// report NoSpace while a sibling disk still has room.
	order := make([]int, 0, numDisks)
	order = append(order, preferred)
	for i := 0; i < numDisks; i++ {
		if i != preferred {
			order = append(order, i)
		}
	}

	for _, diskIdx := range order {
		fem := m.free[diskIdx]

		var slot int
		var ok bool
		if wantRandomSlot {
			slot, ok = fem.allocRandom(m.rng)
		} else {
			slot, ok = fem.allocFirstFit()
		}
		if !ok {
			continue
		}

		return BID{
			Disk:   diskIdx,
			Offset: int64(slot) * m.blockSize,
			Size:   m.blockSize,
		}, nil
	}

	return NilBID, ErrNoSpace
}

// DeleteBlock frees bid, invalidating all copies of it per spec §3.
func (m *Manager) DeleteBlock(bid BID) error {
	if !bid.Valid() {
		return errors.New("blockmgr: delete of nil BID")
	}
	m.freeOne(bid)
	return nil
}

// DeleteBlocks frees every BID in bids.
func (m *Manager) DeleteBlocks(bids []BID) error {
	for _, b := range bids {
		if err := m.DeleteBlock(b); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) freeOne(bid BID) {
	slot := int(bid.Offset / m.blockSize)
	m.free[bid.Disk].release(slot)
}

// Close closes every underlying disk.
func (m *Manager) Close() error {
	var firstErr error
	for _, d := range m.disks {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
