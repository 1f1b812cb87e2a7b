package reqqueue

import (
	"errors"
	"testing"
	"time"

	"github.com/xtern-go/xtern/disk"
)

func TestQueueReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	d := disk.NewInMemoryDisk("mem", 64)
	q := New(d, 0, nil)
	defer q.Shutdown()

	want := []byte("hello, world!!!")
	wreq := NewRequest(Write, 0, want, 0)
	q.Submit(wreq)
	if err := wreq.Wait(); err != nil {
		t.Fatalf("write Wait() unexpected error: %v", err)
	}

	got := make([]byte, len(want))
	rreq := NewRequest(Read, 0, got, 0)
	q.Submit(rreq)
	if err := rreq.Wait(); err != nil {
		t.Fatalf("read Wait() unexpected error: %v", err)
	}

	if string(got) != string(want) {
		t.Errorf("read got %q, want %q", got, want)
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	t.Parallel()

	d := disk.NewInMemoryDisk("mem", 8)
	q := New(d, 0, nil)
	defer q.Shutdown()

	var order []int
	done := make(chan struct{})

	// Submit several writes to the same byte; since the queue is FIFO
	// per disk, the last submitted write must be the one observed.
	for i := 0; i < 5; i++ {
		buf := []byte{byte(i)}
		req := NewRequest(Write, 0, buf, 0)
		q.Submit(req)
		go func(i int) {
			_ = req.Wait()
			order = append(order, i)
			if i == 4 {
				close(done)
			}
		}(i)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for writes to complete")
	}

	got := make([]byte, 1)
	rreq := NewRequest(Read, 0, got, 0)
	q.Submit(rreq)
	_ = rreq.Wait()
	if got[0] != 4 {
		t.Errorf("final byte = %d, want 4 (last write wins under FIFO)", got[0])
	}
}

func TestQueueCancelBeforeService(t *testing.T) {
	t.Parallel()

	d := disk.NewInMemoryDisk("mem", 8)
	q := New(d, 0, nil)
	defer q.Shutdown()

	// Queue a first request ahead of the victim so the worker is likely
	// still busy when Cancel runs. The worker may still have taken the
	// victim already, so either outcome of Cancel is accepted below.
	blockerBuf := make([]byte, 1)
	blocker := NewRequest(Read, 0, blockerBuf, 0)

	q.mu.Lock()
	q.pending.PushBack(blocker)
	q.mu.Unlock()

	victim := NewRequest(Read, 0, make([]byte, 1), 0)
	q.mu.Lock()
	q.pending.PushBack(victim)
	q.mu.Unlock()
	q.cond.Signal()

	if !q.Cancel(victim) && victim.State() != StateDone {
		// Either outcome (cancelled, or the worker had already started
		// it) is acceptable; what must hold is that Wait() returns.
	}

	if err := victim.Wait(); err != nil && !errors.Is(err, ErrCancelled) {
		t.Fatalf("victim.Wait() error = %v, want nil or ErrCancelled", err)
	}
}

func TestQueueShutdownRejectsSubmit(t *testing.T) {
	t.Parallel()

	d := disk.NewInMemoryDisk("mem", 8)
	q := New(d, 0, nil)
	q.Shutdown()

	req := NewRequest(Read, 0, make([]byte, 1), 0)
	q.Submit(req)
	if err := req.Wait(); err == nil {
		t.Errorf("Submit() after Shutdown() expected error, got nil")
	}
}
