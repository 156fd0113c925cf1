package smp

import (
	"testing"

	"github.com/SED4906/ockernel/hal"
	"github.com/SED4906/ockernel/paging"
)

type fakeSched struct {
	current map[hal.ThreadID]uint32
}

func (f *fakeSched) CPUThreadIDs() []hal.ThreadID { return nil }
func (f *fakeSched) Process(id uint32) (paging.Directory, bool) { return nil, false }
func (f *fakeSched) CurrentProcess(tid hal.ThreadID) (uint32, bool) {
	pid, ok := f.current[tid]
	return pid, ok
}

func TestKernelPageUpdateAlwaysFlushes(t *testing.T) {
	q := NewQueue()
	q.Send(KernelPageUpdate(0x1000))

	var flushed []uintptr
	q.Drain(hal.ThreadID{Core: 0, Thread: 0}, func(addr uintptr) {
		flushed = append(flushed, addr)
	})
	if len(flushed) != 1 || flushed[0] != 0x1000 {
		t.Fatalf("flushed = %v; want [0x1000]", flushed)
	}
}

func TestTaskPageUpdateOnlyFlushesMatchingProcess(t *testing.T) {
	hal.SetSchedulerHooks(&fakeSched{current: map[hal.ThreadID]uint32{
		{Core: 0, Thread: 0}: 7,
	}})

	q := NewQueue()
	q.Send(TaskPageUpdate(7, 0x2000))
	q.Send(TaskPageUpdate(9, 0x3000))

	var flushed []uintptr
	q.Drain(hal.ThreadID{Core: 0, Thread: 0}, func(addr uintptr) {
		flushed = append(flushed, addr)
	})
	if len(flushed) != 1 || flushed[0] != 0x2000 {
		t.Fatalf("flushed = %v; want [0x2000]", flushed)
	}
}

func TestDrainIsFIFOAndIdempotent(t *testing.T) {
	q := NewQueue()
	q.Send(KernelPageUpdate(1))
	q.Send(KernelPageUpdate(2))
	q.Send(KernelPageUpdate(3))

	var order []uintptr
	q.Drain(hal.ThreadID{}, func(addr uintptr) { order = append(order, addr) })
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("order = %v; want [1 2 3]", order)
	}

	// A second drain with nothing pending must be a no-op, not a
	// re-delivery of the same messages.
	var second []uintptr
	q.Drain(hal.ThreadID{}, func(addr uintptr) { second = append(second, addr) })
	if len(second) != 0 {
		t.Fatalf("second drain flushed = %v; want none", second)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	topo := NewTopology(1, 2)
	self := hal.ThreadID{Core: 0, Thread: 0}
	topo.Broadcast(self, KernelPageUpdate(0x4000))

	senderThread, _ := topo.Thread(self)
	if senderThread.PendingUrgentMessages() != 0 {
		t.Fatalf("broadcast should not enqueue a message on the excluded thread")
	}
	other, ok := topo.Thread(hal.ThreadID{Core: 0, Thread: 1})
	if !ok || other.PendingUrgentMessages() != 1 {
		t.Fatalf("expected the other thread to receive exactly one message")
	}
}
