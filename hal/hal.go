// Package hal is the seam between the paging subsystem and everything
// this specification deliberately treats as an external collaborator:
// the arch layer, the scheduler, and the kernel heap. It also hosts the
// kernel/process-selecting directory wrapper (component D's concrete
// selecting type), which needs both the paging.Directory interface and
// the scheduler hook; paging itself never imports hal, so the
// dependency only runs one way.
package hal

import (
	"sync"

	"github.com/SED4906/ockernel/paging"
)

// ThreadID identifies one hardware CPU thread.
type ThreadID struct {
	Core   uint32
	Thread uint32
}

func (t ThreadID) String() string {
	return itoa(t.Core) + ":" + itoa(t.Thread)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// ArchHooks is the three-hook contract the arch layer must satisfy:
// invalidate a single TLB entry on this CPU, halt until the next
// interrupt, and report which CPU thread is currently executing.
type ArchHooks interface {
	RefreshPage(virt uintptr)
	HaltUntilInterrupt()
	CurrentThreadID() ThreadID
}

// KernelHeap allocates page-aligned blocks for the transient mapper, the
// CoW engine's scratch buffer, and directory control structures.
type KernelHeap interface {
	AllocPages(n int) (uintptr, error)
	FreePages(addr uintptr, n int)
}

// SchedulerHooks lets the subsystem enumerate CPU threads to target with
// urgent messages, look up a process's directory by id, and ask which
// process (if any) is currently scheduled on a given thread.
type SchedulerHooks interface {
	CPUThreadIDs() []ThreadID
	Process(id uint32) (paging.Directory, bool)
	CurrentProcess(tid ThreadID) (id uint32, ok bool)
}

var (
	mu             sync.Mutex
	archHooks      ArchHooks
	kernelHeap     KernelHeap
	schedulerHooks SchedulerHooks

	pageManagerSet   bool
	kernelPageDirSet bool
	kernelPageDir    paging.Directory
)

// SetArchHooks registers the arch layer's hooks. Unlike the page manager
// and kernel directory, this may legitimately be called once per arch
// init path; callers that need idempotency enforce it themselves.
func SetArchHooks(h ArchHooks) {
	mu.Lock()
	defer mu.Unlock()
	archHooks = h
}

// Arch returns the registered arch hooks, or nil if none are registered.
func Arch() ArchHooks {
	mu.Lock()
	defer mu.Unlock()
	return archHooks
}

// SetKernelHeap registers the kernel heap.
func SetKernelHeap(h KernelHeap) {
	mu.Lock()
	defer mu.Unlock()
	kernelHeap = h
}

// Heap returns the registered kernel heap, or nil if none is registered.
func Heap() KernelHeap {
	mu.Lock()
	defer mu.Unlock()
	return kernelHeap
}

// SetSchedulerHooks registers the scheduler hooks.
func SetSchedulerHooks(h SchedulerHooks) {
	mu.Lock()
	defer mu.Unlock()
	schedulerHooks = h
}

// Scheduler returns the registered scheduler hooks, or nil if none are
// registered.
func Scheduler() SchedulerHooks {
	mu.Lock()
	defer mu.Unlock()
	return schedulerHooks
}

// MarkPageManagerInitialized traps if called twice. The page manager
// singleton itself lives in package pmm; this just enforces the
// single-initialization contract spec'd for it.
func MarkPageManagerInitialized() {
	mu.Lock()
	defer mu.Unlock()
	if pageManagerSet {
		panic("hal: page manager initialized twice")
	}
	pageManagerSet = true
}

// SetKernelPageDir registers the kernel directory. Traps if called
// twice.
func SetKernelPageDir(d paging.Directory) {
	mu.Lock()
	defer mu.Unlock()
	if kernelPageDirSet {
		panic("hal: kernel page directory initialized twice")
	}
	kernelPageDir = d
	kernelPageDirSet = true
}

// KernelPageDir returns the registered kernel directory.
func KernelPageDir() paging.Directory {
	mu.Lock()
	defer mu.Unlock()
	return kernelPageDir
}
