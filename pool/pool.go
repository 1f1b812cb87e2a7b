// Package pool implements the L4 layer: a bounded read/write pool of
// block buffers keyed by BID, holding two LRU lists -- a prefetch list
// for reads-in-flight/recently-read blocks, and a write-behind list for
// dirty blocks awaiting an asynchronous write -- per spec §4.3.
package pool

import (
	"container/list"
	"sync"

	"github.com/xtern-go/xtern/blockmgr"
	"github.com/xtern-go/xtern/internal/xlog"
	"github.com/xtern-go/xtern/reqqueue"
)

// slot is one pool entry: a (BID, buffer) pair plus whatever request
// is currently moving its contents to/from disk, per spec §3's "pool
// slot" data model.
type slot struct {
	bid   blockmgr.BID
	buf   []byte
	dirty bool
	req   *reqqueue.Request // in flight read or write, nil once settled
}

// Pool is a bounded prefetch + write-behind cache of block buffers
// shared by the layers above (paged vector, node cache) that need
// block-granularity I/O without hand-rolling their own LRU.
type Pool struct {
	mgr *blockmgr.Manager
	rq  *reqqueue.Manager
	log *xlog.Logger

	mu sync.Mutex

	prefetchCap int
	prefetch    *list.List // of *slot, front = most-recently used
	prefetchIdx map[blockmgr.BID]*list.Element

	writeCap int
	write    *list.List
	writeIdx map[blockmgr.BID]*list.Element
}

// New creates a Pool backed by mgr (for BID -> disk resolution) and rq
// (for submitting I/O), with the given initial prefetch and
// write-behind capacities.
func New(mgr *blockmgr.Manager, rq *reqqueue.Manager, prefetchCap, writeCap int, log *xlog.Logger) *Pool {
	return &Pool{
		mgr:         mgr,
		rq:          rq,
		log:         log,
		prefetchCap: prefetchCap,
		prefetch:    list.New(),
		prefetchIdx: make(map[blockmgr.BID]*list.Element),
		writeCap:    writeCap,
		write:       list.New(),
		writeIdx:    make(map[blockmgr.BID]*list.Element),
	}
}

// Handle is a caller's reference to a pool slot, returned by Read.
// Wait blocks until any in-flight I/O against the slot completes;
// Bytes is only safe to read/write once Wait has returned nil.
type Handle struct {
	s *slot
}

func (h *Handle) Wait() error {
	if h.s.req == nil {
		return nil
	}
	return h.s.req.Wait()
}

func (h *Handle) Bytes() []byte { return h.s.buf }

// Read returns a Handle for bid, found in the write-behind list (spec
// §5: a write followed by a read of the same BID must observe the
// written contents), the prefetch list, or freshly issued as a READ
// request against the block's disk.
func (p *Pool) Read(bid blockmgr.BID) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.writeIdx[bid]; ok {
		p.write.MoveToFront(e)
		return &Handle{s: e.Value.(*slot)}, nil
	}

	if e, ok := p.prefetchIdx[bid]; ok {
		p.prefetch.MoveToFront(e)
		return &Handle{s: e.Value.(*slot)}, nil
	}

	s, err := p.faultIn(bid)
	if err != nil {
		return nil, err
	}
	return &Handle{s: s}, nil
}

// Hint issues a READ for bid without blocking the caller; a later
// Read(bid) will typically find it already resident or in flight.
func (p *Pool) Hint(bid blockmgr.BID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.prefetchIdx[bid]; ok {
		return nil
	}
	if _, ok := p.writeIdx[bid]; ok {
		return nil
	}
	_, err := p.faultIn(bid)
	return err
}

// faultIn evicts a victim if the prefetch list is full, then submits a
// READ for bid and inserts it. Caller must hold p.mu.
func (p *Pool) faultIn(bid blockmgr.BID) (*slot, error) {
	if p.prefetch.Len() >= p.prefetchCap && p.prefetchCap > 0 {
		if err := p.evictOnePrefetchLocked(); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, bid.Size)
	req := p.rq.SubmitRead(bid.Disk, buf, bid.Offset)
	s := &slot{bid: bid, buf: buf, req: req}
	e := p.prefetch.PushFront(s)
	p.prefetchIdx[bid] = e
	return s, nil
}

// evictOnePrefetchLocked evicts the least-recently-used prefetch slot.
// Prefetch slots are always clean (invariant, spec §3), so eviction
// never forces a write -- it just waits out any in-flight read so the
// buffer can be reused by a different BID.
func (p *Pool) evictOnePrefetchLocked() error {
	e := p.prefetch.Back()
	if e == nil {
		return nil
	}
	victim := e.Value.(*slot)
	if victim.req != nil {
		_ = victim.req.Wait()
		victim.req = nil
	}
	p.prefetch.Remove(e)
	delete(p.prefetchIdx, victim.bid)
	return nil
}

// Write enqueues a write-behind for bid with contents data, coalescing
// with any already-pending write for the same BID. Returns
// immediately; the actual disk write happens asynchronously via the
// request queue.
func (p *Pool) Write(bid blockmgr.BID, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.writeIdx[bid]; ok {
		s := e.Value.(*slot)
		if s.req != nil {
			_ = s.req.Wait()
		}
		copy(s.buf, data)
		s.dirty = true
		s.req = p.rq.SubmitWrite(bid.Disk, s.buf, bid.Offset)
		p.write.MoveToFront(e)
		return nil
	}

	if p.write.Len() >= p.writeCap && p.writeCap > 0 {
		if err := p.evictOneWriteLocked(); err != nil {
			return err
		}
	}

	buf := make([]byte, bid.Size)
	copy(buf, data)
	s := &slot{bid: bid, buf: buf, dirty: true}
	s.req = p.rq.SubmitWrite(bid.Disk, buf, bid.Offset)

	e := p.write.PushFront(s)
	p.writeIdx[bid] = e
	return nil
}

// evictOneWriteLocked evicts the oldest write-behind slot, awaiting
// its in-flight write first if necessary (spec §4.3: "if that slot is
// still in flight, its completion is awaited before reuse").
func (p *Pool) evictOneWriteLocked() error {
	e := p.write.Back()
	if e == nil {
		return nil
	}
	victim := e.Value.(*slot)
	if victim.req != nil {
		if err := victim.req.Wait(); err != nil {
			if p.log != nil {
				p.log.Errorf("pool: write-behind eviction of %s failed: %v", victim.bid, err)
			}
			return err
		}
	}
	p.write.Remove(e)
	delete(p.writeIdx, victim.bid)
	return nil
}

// Steal dequeues bid's write-behind slot (if any), first waiting for
// any in-flight write of it to complete, and returns its buffer
// directly -- used when a write is immediately followed by a read of
// the same BID and the caller wants the contents without reading them
// back from disk (spec §4.3).
func (p *Pool) Steal(bid blockmgr.BID) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.writeIdx[bid]
	if !ok {
		return nil, false
	}
	s := e.Value.(*slot)
	if s.req != nil {
		_ = s.req.Wait()
	}
	p.write.Remove(e)
	delete(p.writeIdx, bid)
	return s.buf, true
}

// WriteSync writes bid through the normal write-behind path and then
// blocks until that specific write reaches disk, for callers (node
// cache eviction, per spec §4.5: "eviction of a dirty entry forces a
// synchronous write") that cannot simply fire-and-forget like
// ordinary write-behind callers.
func (p *Pool) WriteSync(bid blockmgr.BID, data []byte) error {
	if err := p.Write(bid, data); err != nil {
		return err
	}

	p.mu.Lock()
	e, ok := p.writeIdx[bid]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	s := e.Value.(*slot)
	req := s.req
	p.mu.Unlock()

	if req == nil {
		return nil
	}
	return req.Wait()
}

// ResizePrefetch grows or shrinks the prefetch list's capacity,
// evicting from the tail if shrinking below the current occupancy.
func (p *Pool) ResizePrefetch(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prefetchCap = n
	for p.prefetch.Len() > n {
		if err := p.evictOnePrefetchLocked(); err != nil {
			return err
		}
	}
	return nil
}

// ResizeWrite grows or shrinks the write-behind list's capacity,
// flushing (awaiting) from the tail if shrinking below the current
// occupancy.
func (p *Pool) ResizeWrite(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.writeCap = n
	for p.write.Len() > n {
		if err := p.evictOneWriteLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Flush awaits every in-flight write-behind request without evicting
// the slots, leaving them resident but clean of pending I/O.
func (p *Pool) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for e := p.write.Front(); e != nil; e = e.Next() {
		s := e.Value.(*slot)
		if s.req != nil {
			if err := s.req.Wait(); err != nil {
				return err
			}
			s.req = nil
		}
	}
	return nil
}
