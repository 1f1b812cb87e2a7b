package reqqueue

import (
	"container/list"
	"sync"

	"github.com/xtern-go/xtern/disk"
	"github.com/xtern-go/xtern/internal/xlog"
)

// Queue is a single FIFO of pending requests against one disk,
// serviced by exactly one worker goroutine, per spec §4.2 and §5
// ("one worker task per disk"). Reads and writes share the queue; there
// is no priority between them (the spec's `priority_op` knob is
// explicitly omitted, see DESIGN.md).
type Queue struct {
	disk    disk.Disk
	diskIdx int
	log     *xlog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  *list.List // of *Request, FIFO order
	inflight *Request
	closed   bool
	done     chan struct{}
}

// New creates a Queue for d (indexed diskIdx for error reporting) and
// starts its worker goroutine.
func New(d disk.Disk, diskIdx int, log *xlog.Logger) *Queue {
	q := &Queue{
		disk:    d,
		diskIdx: diskIdx,
		log:     log,
		pending: list.New(),
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Submit enqueues req for processing and returns immediately; the
// caller retains req and may call req.Wait() to block for completion.
func (q *Queue) Submit(req *Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		req.complete(errClosed)
		return
	}
	q.pending.PushBack(req)
	q.cond.Signal()
}

// Cancel removes req from the queue if the worker has not yet started
// servicing it, marking it StateDone with ErrCancelled. Returns true
// iff the cancellation took effect, per spec §4.2/§5.
func (q *Queue) Cancel(req *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for e := q.pending.Front(); e != nil; e = e.Next() {
		if e.Value.(*Request) == req {
			q.pending.Remove(e)
			return req.tryCancel()
		}
	}
	// Not in the pending list any more: either already taken by the
	// worker (tryCancel will correctly fail) or already done.
	return req.tryCancel()
}

// Shutdown drains the queue: waits for the in-flight request (if any)
// and every already-submitted pending request to complete, then stops
// the worker. Submit after Shutdown completes requests immediately
// with an error.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()

	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for q.pending.Len() == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.pending.Len() == 0 && q.closed {
			q.mu.Unlock()
			return
		}

		front := q.pending.Front()
		req := front.Value.(*Request)
		q.pending.Remove(front)

		if !req.markInFlight() {
			// Cancelled between being queued and being picked up by us;
			// tryCancel already completed it.
			q.mu.Unlock()
			continue
		}
		q.inflight = req
		q.mu.Unlock()

		q.service(req)

		q.mu.Lock()
		q.inflight = nil
		q.mu.Unlock()
	}
}

func (q *Queue) service(req *Request) {
	var err error
	switch req.Op {
	case Read:
		_, err = q.disk.ReadAt(req.Buffer, req.Offset)
	case Write:
		_, err = q.disk.WriteAt(req.Buffer, req.Offset)
	}

	if err != nil {
		ioErr := &IOError{Disk: q.diskIdx, Offset: req.Offset, Length: len(req.Buffer), Err: err}
		if q.log != nil {
			q.log.Errorf("reqqueue: %s disk=%d offset=%d failed: %v", req.Op, q.diskIdx, req.Offset, err)
		}
		req.complete(ioErr)
		return
	}
	req.complete(nil)
}
