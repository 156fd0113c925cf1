// Package smp implements the per-CPU-thread urgent message channel used
// for cross-CPU TLB shootdown, and the CPU/CPUCore topology the
// scheduler hooks enumerate against.
package smp

import (
	"sync"

	"github.com/SED4906/ockernel/hal"
)

// UrgentMessage is the sum type carried on a thread's urgent queue.
// addr is meaningful for both kinds; processID only for a
// TaskPageUpdate. TaskPageUpdate flushes conditionally, KernelPageUpdate
// unconditionally.
type UrgentMessage struct {
	kind      messageKind
	processID uint32
	addr      uintptr
}

type messageKind int

const (
	kindTaskPageUpdate messageKind = iota
	kindKernelPageUpdate
)

// TaskPageUpdate builds an UrgentMessage that flushes addr on the
// receiving thread only if that thread is currently running a task
// belonging to processID.
func TaskPageUpdate(processID uint32, addr uintptr) UrgentMessage {
	return UrgentMessage{kind: kindTaskPageUpdate, processID: processID, addr: addr}
}

// KernelPageUpdate builds an UrgentMessage that unconditionally flushes
// addr on the receiving thread.
func KernelPageUpdate(addr uintptr) UrgentMessage {
	return UrgentMessage{kind: kindKernelPageUpdate, addr: addr}
}

// Queue is a per-CPU-thread bounded FIFO of urgent messages. It is safe
// for concurrent senders; only the owning thread should call Drain.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  []UrgentMessage
	capacity int
}

// defaultCapacity bounds the queue so a stuck receiver cannot grow it
// without limit; senders block (via Send) rather than drop messages,
// since delivery is guaranteed-eventual, never best-effort-drop.
const defaultCapacity = 256

// NewQueue allocates an empty queue.
func NewQueue() *Queue {
	q := &Queue{capacity: defaultCapacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send enqueues msg, blocking only while the queue is at capacity (a
// condition that should never arise under normal operation; it exists so
// a misbehaving receiver fails loudly under test rather than silently
// dropping a shootdown request).
func (q *Queue) Send(msg UrgentMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) >= q.capacity {
		q.cond.Wait()
	}
	q.pending = append(q.pending, msg)
	q.cond.Broadcast()
}

// Drain pops every pending message and applies it via refresh, which
// should invalidate a single virtual address's TLB entry on the calling
// CPU. self is the ThreadID of the thread doing the draining, used to
// evaluate TaskPageUpdate's conditional flush.
//
// Messages are FIFO per target thread; no cross-thread ordering is
// promised, and each flush is idempotent, so Drain may safely be called
// opportunistically from multiple call sites (scheduling points, and
// critically, the page manager's lock spin loop).
func (q *Queue) Drain(self hal.ThreadID, refresh func(addr uintptr)) {
	q.mu.Lock()
	msgs := q.pending
	q.pending = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, m := range msgs {
		switch m.kind {
		case kindKernelPageUpdate:
			refresh(m.addr)
		case kindTaskPageUpdate:
			if hal.RunningProcess(self, m.processID) {
				refresh(m.addr)
			}
		}
	}
}

// Len reports the number of pending messages. Intended for tests and
// diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
