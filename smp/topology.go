package smp

import (
	"sync"

	"github.com/SED4906/ockernel/hal"
)

// CPUThread is one hardware thread's messaging state. Scheduler-level
// concerns (task queue, timer, kernel/user-mode tracking) belong to the
// scheduler this subsystem treats as an external collaborator; only the
// urgent message queue lives here.
type CPUThread struct {
	ID hal.ThreadID

	urgent *Queue
}

// NewCPUThread allocates a thread record with an empty urgent queue.
func NewCPUThread(id hal.ThreadID) *CPUThread {
	return &CPUThread{ID: id, urgent: NewQueue()}
}

// SendUrgentMessage enqueues msg on this thread.
func (t *CPUThread) SendUrgentMessage(msg UrgentMessage) {
	t.urgent.Send(msg)
}

// ProcessUrgentMessages drains this thread's queue, invoking refresh for
// every message that applies. Called at scheduling points and, via
// pmm's lock-spin loop, while waiting on the page manager lock.
func (t *CPUThread) ProcessUrgentMessages(refresh func(addr uintptr)) {
	t.urgent.Drain(t.ID, refresh)
}

// PendingUrgentMessages reports the current queue depth, for tests and
// diagnostics.
func (t *CPUThread) PendingUrgentMessages() int {
	return t.urgent.Len()
}

// CPUCore groups the hardware threads (hyperthreads) sharing one
// physical core.
type CPUCore struct {
	ID      uint32
	Threads []*CPUThread
}

// CPU is the full topology: every core on the system.
type CPU struct {
	mu    sync.RWMutex
	Cores []*CPUCore
}

// NewTopology builds a topology with coreCount cores, each with
// threadsPerCore hardware threads, numbered contiguously.
func NewTopology(coreCount, threadsPerCore uint32) *CPU {
	c := &CPU{}
	for core := uint32(0); core < coreCount; core++ {
		cc := &CPUCore{ID: core}
		for thread := uint32(0); thread < threadsPerCore; thread++ {
			cc.Threads = append(cc.Threads, NewCPUThread(hal.ThreadID{Core: core, Thread: thread}))
		}
		c.Cores = append(c.Cores, cc)
	}
	return c
}

// AllThreads returns every thread in the topology, core-major order.
func (c *CPU) AllThreads() []*CPUThread {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var all []*CPUThread
	for _, core := range c.Cores {
		all = append(all, core.Threads...)
	}
	return all
}

// Thread looks up a single thread by id.
func (c *CPU) Thread(id hal.ThreadID) (*CPUThread, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, core := range c.Cores {
		if core.ID != id.Core {
			continue
		}
		for _, t := range core.Threads {
			if t.ID.Thread == id.Thread {
				return t, true
			}
		}
	}
	return nil, false
}

// Broadcast delivers msg to every thread in the topology other than
// exclude. This is the shootdown dispatch: whenever a set_page mutation
// commits on an address that may be resident on other threads, the
// mutator broadcasts here and continues without waiting for delivery.
func (c *CPU) Broadcast(exclude hal.ThreadID, msg UrgentMessage) {
	for _, t := range c.AllThreads() {
		if t.ID == exclude {
			continue
		}
		t.SendUrgentMessage(msg)
	}
}

var global *CPU

// SetGlobalTopology registers the system-wide topology. The page manager
// consults this to find the calling thread's queue to drain while it
// spins on its lock (§4.B's lock discipline); it is the one piece of
// smp state kept as a package-level singleton rather than threaded
// explicitly, matching how hal exposes its registrations.
func SetGlobalTopology(c *CPU) {
	global = c
}

// GlobalTopology returns the registered topology, or nil if none has
// been registered.
func GlobalTopology() *CPU {
	return global
}

// DrainSelf drains the calling thread's queue (identified via the
// registered arch hooks), invoking refresh for every applicable message.
// It is a no-op if no topology or arch hooks are registered, or if the
// calling thread isn't part of the topology.
func DrainSelf(refresh func(addr uintptr)) {
	if global == nil {
		return
	}
	hooks := hal.Arch()
	if hooks == nil {
		return
	}
	t, ok := global.Thread(hooks.CurrentThreadID())
	if !ok {
		return
	}
	t.ProcessUrgentMessages(refresh)
}
