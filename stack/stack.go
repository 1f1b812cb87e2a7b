// Package stack implements the L8 layer: an external grow/shrink
// stack over four interchangeable backings, per spec §4.7. There is no
// external-stack counterpart anywhere in the example pack; the
// algorithms here are new code, grounded on the pool (L4) primitives
// a stack pushes/pops full blocks through and on the block-capacity
// arithmetic block.TypedBlock and pagedvector.Vector both use.
package stack

import (
	"errors"
	"unsafe"

	"github.com/xtern-go/xtern/block"
	"github.com/xtern-go/xtern/blockmgr"
	"github.com/xtern-go/xtern/internal/xlog"
	"github.com/xtern-go/xtern/pool"
)

// ErrEmpty is returned by Pop/Top on an empty stack.
var ErrEmpty = errors.New("stack: empty")

// Backing selects one of the four grow/shrink stack variants spec
// §4.7 describes.
type Backing int

const (
	// Normal relies entirely on the pool's own prefetch/write-behind
	// lists (spec §4.7's "page cache" backing): no extra pipelining,
	// every block-boundary crossing issues a synchronous pool.Read.
	Normal Backing = iota
	// GrowShrink issues one forward prefetch read as soon as a block
	// boundary is crossed, so the next crossing usually does not block.
	GrowShrink
	// GrowShrink2 holds the current top block in RAM plus a pool of
	// PrefetchAggr future blocks, kept filled via SetPrefetchAggr.
	GrowShrink2
	// Migrating starts purely in-memory and crosses over to one of the
	// external backings once MigrateThreshold elements accumulate.
	Migrating
)

// Options configures a Stack at construction time.
type Options struct {
	BlockSize     int64
	AllocStrategy blockmgr.Strategy
	Backing       Backing

	// PrefetchAggr is the number of blocks GrowShrink2 keeps pre-read
	// ahead of the consumer; SetPrefetchAggr tunes it at runtime. Zero
	// defaults to 1 (the same single-block pipelining GrowShrink does).
	PrefetchAggr int

	// MigrateThreshold is the element count at which a Migrating stack
	// crosses over from its in-memory buffer to block storage. Zero
	// means "never automatically migrate"; callers can still force it
	// via ForceMigrate.
	MigrateThreshold int

	Logger *xlog.Logger
}

type pendingRead[T any] struct {
	bid    blockmgr.BID
	handle *pool.Handle
}

// Stack is a LIFO sequence of T backed by fixed-size disk blocks, per
// spec §4.7. The public API is single-threaded per container, matching
// every other container in this module (spec §5); Stack does not lock
// internally.
type Stack[T any] struct {
	mgr  *blockmgr.Manager
	pool *pool.Pool
	opts Options
	log  *xlog.Logger

	recordsPerBlock int
	prefetchAggr    int

	// blocks holds the BIDs of full, already-flushed blocks, ordered
	// bottom-to-top; blocks[len(blocks)-1] is the block directly below
	// top.
	blocks []blockmgr.BID
	// top holds the live elements of the partially filled block
	// closest to the stack's top. len(top) is always <= recordsPerBlock.
	top  []T
	size int

	// pending holds GrowShrink/GrowShrink2's outstanding forward reads,
	// nearest-to-top first; pending[i] corresponds to
	// blocks[len(blocks)-1-i].
	pending []pendingRead[T]

	migrated bool // Migrating: whether it has crossed over to block storage
	ramBuf   []T  // Migrating: full contents while still purely in-memory
}

func recordsPerBlock[T any](blockSize int64) int {
	var t T
	rs := int64(unsafe.Sizeof(t))
	if rs <= 0 {
		return 0
	}
	n := int(blockSize / rs)
	if n < 0 {
		return 0
	}
	return n
}

// New creates an empty Stack. A Migrating stack starts entirely
// in-memory; every other backing allocates no blocks until a Push
// fills its top buffer.
func New[T any](mgr *blockmgr.Manager, p *pool.Pool, opts Options) (*Stack[T], error) {
	if opts.BlockSize <= 0 {
		return nil, errors.New("stack: BlockSize must be positive")
	}
	if opts.AllocStrategy == nil {
		opts.AllocStrategy = blockmgr.Striping{}
	}
	rpb := recordsPerBlock[T](opts.BlockSize)
	if rpb < 1 {
		return nil, errors.New("stack: block size too small for element type")
	}
	aggr := opts.PrefetchAggr
	if aggr <= 0 {
		aggr = 1
	}

	return &Stack[T]{
		mgr:             mgr,
		pool:            p,
		opts:            opts,
		log:             opts.Logger,
		recordsPerBlock: rpb,
		prefetchAggr:    aggr,
		top:             make([]T, 0, rpb),
	}, nil
}

// Size returns the number of elements currently on the stack.
func (s *Stack[T]) Size() int { return s.size }

// Empty reports whether the stack holds no elements.
func (s *Stack[T]) Empty() bool { return s.size == 0 }

// SetPrefetchAggr tunes how many blocks GrowShrink2 keeps pre-read
// ahead of the consumer, per spec §4.7. Takes effect on the next pop
// that needs to refill the pipeline.
func (s *Stack[T]) SetPrefetchAggr(p int) {
	if p <= 0 {
		p = 1
	}
	s.prefetchAggr = p
}

// Push adds value to the top of the stack.
func (s *Stack[T]) Push(value T) error {
	if s.opts.Backing == Migrating && !s.migrated {
		s.ramBuf = append(s.ramBuf, value)
		s.size++
		if s.opts.MigrateThreshold > 0 && len(s.ramBuf) >= s.opts.MigrateThreshold {
			if err := s.migrateToExternal(); err != nil {
				return err
			}
		}
		return nil
	}

	s.top = append(s.top, value)
	s.size++
	if len(s.top) < s.recordsPerBlock {
		return nil
	}
	return s.flushTop()
}

// flushTop writes the full top buffer out as a new block (spec §4.7's
// "push writes a full block through the pool's write-behind list and
// allocates a new top") and starts a fresh, empty top buffer.
func (s *Stack[T]) flushTop() error {
	bid, err := s.mgr.NewBlock(s.opts.AllocStrategy)
	if err != nil {
		return err
	}
	buf := make([]byte, bid.Size)
	blk := block.New[T, struct{}](bid, buf)
	copy(blk.Records(), s.top)

	if err := s.pool.Write(bid, blk.Bytes()); err != nil {
		return err
	}
	s.blocks = append(s.blocks, bid)
	s.top = make([]T, 0, s.recordsPerBlock)

	// A push invalidates maintainPrefetch's assumption that pending[0]
	// always names blocks[len(blocks)-1]: the freshly flushed block is
	// now the one directly below top, ahead of whatever was already
	// queued. Drop the stale queue; the data is still safely on disk
	// and will be re-read on the next pop that needs it.
	s.pending = nil
	return nil
}

// Top returns the element at the top of the stack without removing it.
func (s *Stack[T]) Top() (T, error) {
	var zero T
	if s.size == 0 {
		return zero, ErrEmpty
	}
	if s.opts.Backing == Migrating && !s.migrated {
		return s.ramBuf[len(s.ramBuf)-1], nil
	}
	if len(s.top) == 0 {
		if err := s.fillTopFromDisk(); err != nil {
			return zero, err
		}
	}
	return s.top[len(s.top)-1], nil
}

// Pop removes and returns the element at the top of the stack.
func (s *Stack[T]) Pop() (T, error) {
	var zero T
	if s.size == 0 {
		return zero, ErrEmpty
	}

	if s.opts.Backing == Migrating && !s.migrated {
		v := s.ramBuf[len(s.ramBuf)-1]
		s.ramBuf = s.ramBuf[:len(s.ramBuf)-1]
		s.size--
		return v, nil
	}

	if len(s.top) == 0 {
		if err := s.fillTopFromDisk(); err != nil {
			return zero, err
		}
	}
	v := s.top[len(s.top)-1]
	s.top = s.top[:len(s.top)-1]
	s.size--

	if s.opts.Backing == GrowShrink || s.opts.Backing == GrowShrink2 {
		s.maintainPrefetch()
	}
	return v, nil
}

// fillTopFromDisk pulls the next block down from disk into top,
// consuming (and freeing) one entry from blocks, using whatever
// forward-prefetched read is already in flight for GrowShrink and
// GrowShrink2.
func (s *Stack[T]) fillTopFromDisk() error {
	if len(s.blocks) == 0 {
		return errors.New("stack: internal inconsistency: size > 0 but no blocks and empty top")
	}

	if s.opts.Backing == GrowShrink || s.opts.Backing == GrowShrink2 {
		s.maintainPrefetch()
	}

	bid := s.blocks[len(s.blocks)-1]

	var buf []byte
	if len(s.pending) > 0 && s.pending[0].bid == bid {
		pr := s.pending[0]
		s.pending = s.pending[1:]
		if err := pr.handle.Wait(); err != nil {
			return err
		}
		buf = pr.handle.Bytes()
	} else {
		h, err := s.pool.Read(bid)
		if err != nil {
			return err
		}
		if err := h.Wait(); err != nil {
			return err
		}
		buf = h.Bytes()
	}

	blk := block.New[T, struct{}](bid, buf)
	s.top = append(s.top[:0], blk.Records()...)
	s.blocks = s.blocks[:len(s.blocks)-1]

	if err := s.mgr.DeleteBlock(bid); err != nil {
		if s.log != nil {
			s.log.Errorf("stack: freeing consumed block %s: %v", bid, err)
		}
		return err
	}

	if s.opts.Backing == GrowShrink || s.opts.Backing == GrowShrink2 {
		s.maintainPrefetch()
	}
	return nil
}

// maintainPrefetch keeps up to one (GrowShrink) or prefetchAggr
// (GrowShrink2) outstanding reads queued
// for the blocks about to come off the top of the on-disk run, per
// spec §4.7's "pre-issues reads for the next p blocks toward the
// bottom so that pop returns without blocking whenever the queue keeps
// up with the consumer."
func (s *Stack[T]) maintainPrefetch() {
	desired := 1
	if s.opts.Backing == GrowShrink2 {
		desired = s.prefetchAggr
	}

	for len(s.pending) < desired {
		idx := len(s.blocks) - 1 - len(s.pending)
		if idx < 0 {
			break
		}
		bid := s.blocks[idx]
		h, err := s.pool.Read(bid)
		if err != nil {
			if s.log != nil {
				s.log.Errorf("stack: issuing prefetch for %s: %v", bid, err)
			}
			break
		}
		s.pending = append(s.pending, pendingRead[T]{bid: bid, handle: h})
	}
}

// ForceMigrate crosses a Migrating stack over to block storage
// immediately, regardless of MigrateThreshold. A no-op on any other
// backing or once already migrated.
func (s *Stack[T]) ForceMigrate() error {
	if s.opts.Backing != Migrating || s.migrated {
		return nil
	}
	return s.migrateToExternal()
}

func (s *Stack[T]) migrateToExternal() error {
	for _, v := range s.ramBuf {
		s.top = append(s.top, v)
		if len(s.top) == s.recordsPerBlock {
			if err := s.flushTop(); err != nil {
				return err
			}
		}
	}
	s.ramBuf = nil
	s.migrated = true
	return nil
}
