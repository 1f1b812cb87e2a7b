package reqqueue

import (
	"github.com/xtern-go/xtern/disk"
	"github.com/xtern-go/xtern/internal/xlog"
)

// Manager owns one Queue per disk, indexed by disk index, so callers
// addressing a block by (disk index, offset) can submit against the
// right worker without threading disk.Disk values through every layer
// above L2.
type Manager struct {
	queues []*Queue
}

// NewManager creates one Queue per disk in disks, in order.
func NewManager(disks []disk.Disk, log *xlog.Logger) *Manager {
	m := &Manager{queues: make([]*Queue, len(disks))}
	for i, d := range disks {
		m.queues[i] = New(d, i, log)
	}
	return m
}

// Queue returns the queue for the given disk index.
func (m *Manager) Queue(diskIdx int) *Queue { return m.queues[diskIdx] }

// SubmitRead builds and submits a read request against diskIdx,
// returning the Request handle for the caller to Wait() on.
func (m *Manager) SubmitRead(diskIdx int, buf []byte, offset int64) *Request {
	req := NewRequest(Read, diskIdx, buf, offset)
	m.queues[diskIdx].Submit(req)
	return req
}

// SubmitWrite builds and submits a write request against diskIdx.
func (m *Manager) SubmitWrite(diskIdx int, buf []byte, offset int64) *Request {
	req := NewRequest(Write, diskIdx, buf, offset)
	m.queues[diskIdx].Submit(req)
	return req
}

// Shutdown drains and stops every queue.
func (m *Manager) Shutdown() {
	for _, q := range m.queues {
		q.Shutdown()
	}
}
