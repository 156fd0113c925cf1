// Package cow implements the copy-on-write engine: the page-fault
// helper that duplicates a shared writable page on write.
package cow

import (
	"github.com/SED4906/ockernel/hal"
	"github.com/SED4906/ockernel/paging"
	"github.com/SED4906/ockernel/pageref"
	"github.com/SED4906/ockernel/pmm"
	"github.com/SED4906/ockernel/smp"
)

// Verbose gates diagnostic output, matching the teacher's fmt.Printf
// convention rather than a logging library this layer has no use for.
var Verbose = false

// Engine ties together the page manager and reference counter the CoW
// algorithm needs.
type Engine struct {
	Manager *pmm.Manager
	Refs    *pageref.Counter
}

// NewEngine builds an engine over the given manager and reference
// counter.
func NewEngine(mgr *pmm.Manager, refs *pageref.Counter) *Engine {
	return &Engine{Manager: mgr, Refs: refs}
}

// CopyOnWrite duplicates the shared page at virt in dir, given its
// current frame f (with CopyOnWrite && Referenced && !Writable already
// established by the caller).
//
// If the frame's refcount is at most 1 the sharer is alone: the entry
// is simply rewritten writable in place, no copy needed.
//
// Otherwise the sharer is one of several: a scratch kernel-heap buffer X
// is allocated, the shared page's bytes are copied into X's current
// backing frame, and virt is rewritten to back directly from that frame
// — X's old frame becomes v's new private, writable copy. X itself is
// then given a freshly allocated frame so it remains a valid heap
// buffer, and its virtual address is returned to the heap. Finally the
// old shared frame's reference is released.
func (e *Engine) CopyOnWrite(dir paging.Directory, virt uintptr, f paging.PageFrame) error {
	if !f.CopyOnWrite || !f.Referenced || f.Writable {
		panic("cow: precondition violated: frame is not a copy-on-write candidate")
	}

	if e.Refs.Count(f.PhysAddr) <= 1 {
		newFrame := f
		newFrame.CopyOnWrite = false
		newFrame.Referenced = false
		newFrame.Writable = true
		if err := dir.SetPage(virt, &newFrame); err != nil {
			return err
		}
		notifyShootdown(dir, virt)
		return nil
	}

	heap := hal.Heap()
	if heap == nil {
		return &paging.Error{Code: paging.AllocError, Op: "cow.CopyOnWrite"}
	}
	scratchVirt, err := heap.AllocPages(1)
	if err != nil {
		return &paging.Error{Code: paging.AllocError, Op: "cow.CopyOnWrite"}
	}
	// X's virtual address returns to the heap once its frame has been
	// swapped out below; the heap's own bookkeeping, not ours.
	defer heap.FreePages(scratchVirt, 1)

	scratchPhys, ok := dir.VirtToPhys(scratchVirt)
	if !ok {
		return &paging.Error{Code: paging.BadAddress, Op: "cow.CopyOnWrite"}
	}

	// Step 2: copy the shared page's bytes into X's current backing
	// frame while v still maps the original, shared frame.
	copy(e.Manager.FrameBytes(scratchPhys), e.Manager.FrameBytes(f.PhysAddr))

	// Step 4: rewrite v to back directly off X's (former) frame. Past
	// this point, a failure must restore the original entry at v.
	original := f
	privateCopy := paging.PageFrame{
		PhysAddr:   scratchPhys,
		Present:    true,
		User:       original.User,
		Writable:   true,
		Executable: original.Executable,
	}
	if err := dir.SetPage(virt, &privateCopy); err != nil {
		return err
	}

	// Step 5: give X a fresh frame of its own, now that its old one
	// belongs to v.
	freshScratch, err := e.Manager.AllocFrame()
	if err != nil {
		dir.SetPage(virt, &original)
		return err
	}

	// Step 6: rewrite X's own entry to the fresh frame.
	scratchFrame := paging.PageFrame{PhysAddr: freshScratch, Present: true, Writable: true}
	if err := dir.SetPage(scratchVirt, &scratchFrame); err != nil {
		e.Manager.SetFrameFree(freshScratch)
		dir.SetPage(virt, &original)
		return err
	}

	// Step 8: release the original shared frame's reference.
	e.Refs.FreePage(original, nil)
	notifyShootdown(dir, virt)
	return nil
}

// TryCopyOnWrite is the fault-handler entry point: it rounds addr down
// to a page boundary, checks the CoW precondition, and dispatches to
// CopyOnWrite if it holds. It returns performed=true if a copy (or fast
// single-owner rewrite) was performed, so the caller can retry the
// faulting instruction; performed=false signals the fault was not
// CoW-related.
func (e *Engine) TryCopyOnWrite(dir paging.Directory, addr uintptr) (performed bool, err error) {
	aligned := addr &^ (paging.PageSize - 1)
	f, ok := dir.GetPage(aligned)
	if !ok {
		return false, nil
	}
	if !f.CopyOnWrite || !f.Referenced || f.Writable {
		return false, nil
	}
	if err := e.CopyOnWrite(dir, aligned, f); err != nil {
		return false, err
	}
	return true, nil
}

// notifyShootdown broadcasts a shootdown request to every other CPU
// thread after a set_page mutation on an address that may be resident
// elsewhere. It is a no-op if no topology is registered (e.g. a
// single-threaded test harness).
func notifyShootdown(dir paging.Directory, virt uintptr) {
	topo := smp.GlobalTopology()
	hooks := hal.Arch()
	if topo == nil || hooks == nil {
		return
	}
	topo.Broadcast(hooks.CurrentThreadID(), smp.KernelPageUpdate(virt))
}
