package pageref

import "github.com/SED4906/ockernel/paging"

// SharedCleanup is consulted by FreePage before it falls back to the
// reference counter for a page marked Shared. It stands in for the
// shared-memory subsystem's own lifecycle management, which sits above
// this component and is not itself part of it.
type SharedCleanup interface {
	// Release attempts to release phys through shared-memory-specific
	// bookkeeping. ok is false if the shared region doesn't recognize
	// phys, in which case FreePage falls back to Remove.
	Release(phys uint64) (ok bool)
}

// FreePage is the universal page disposer: if the frame is marked
// Shared, it defers to cleanup, falling back to Remove on failure; else
// if Referenced, it calls Remove; otherwise it releases the frame
// directly via the page manager, bypassing the reference counter
// entirely (the frame was never shared or CoW, so the bitset is its
// only lifecycle).
func (c *Counter) FreePage(frame paging.PageFrame, cleanup SharedCleanup) {
	switch {
	case frame.Shared:
		if cleanup != nil && cleanup.Release(frame.PhysAddr) {
			return
		}
		c.Remove(frame.PhysAddr)
	case frame.Referenced:
		c.Remove(frame.PhysAddr)
	default:
		c.mgr.SetFrameFree(frame.PhysAddr)
	}
}
