// Package transient implements the transient mapper: kernel code that
// must read or write another address space's memory without switching
// into it, by splicing the relevant physical frames into the current
// directory at a scratch buffer for the duration of a closure.
package transient

import (
	"github.com/SED4906/ockernel/cow"
	"github.com/SED4906/ockernel/hal"
	"github.com/SED4906/ockernel/paging"
	"github.com/SED4906/ockernel/pmm"
	"github.com/SED4906/ockernel/util"
)

// Verbose gates diagnostic output.
var Verbose = false

// Mapper splices a foreign directory's memory into the current
// directory for the duration of a closure.
type Mapper struct {
	Manager *pmm.Manager
	CoW     *cow.Engine
}

// NewMapper builds a mapper over the given page manager and CoW engine.
func NewMapper(mgr *pmm.Manager, engine *cow.Engine) *Mapper {
	return &Mapper{Manager: mgr, CoW: engine}
}

// WithForeignMemory maps the byte span [v, v+length) of the foreign
// directory src into the current directory cur at a freshly
// heap-allocated buffer B, invokes fn against a slice of those bytes,
// restores cur's prior mappings at B, and frees B.
//
// Any failure before the source frames are spliced into B rolls back
// cleanly and returns a *paging.Error. A failure while splicing in or
// restoring B is fatal: the closure may not yet have run, or
// restoration cannot be abandoned without leaving cur's mappings
// corrupted.
//
// Because the frames backing B are not necessarily contiguous in the
// physical arena the way real hardware's paging would make them appear
// virtually contiguous, the bytes fn operates on are gathered into a
// single buffer before the call and scattered back out to their
// frames afterward, rather than aliasing the arena directly.
func (m *Mapper) WithForeignMemory(cur, src paging.Directory, v uintptr, length int, fn func([]byte)) error {
	if length <= 0 {
		return &paging.Error{Code: paging.BadAddress, Op: "transient.WithForeignMemory"}
	}

	// Step 1: align the source range to page boundaries.
	alignedV := v &^ (paging.PageSize - 1)
	offset := v - alignedV
	end := v + uintptr(length)
	alignedEnd := util.Roundup(end, uintptr(paging.PageSize))
	nPages := int((alignedEnd - alignedV) / paging.PageSize)

	// Step 2: resolve each source page's physical frame, running CoW
	// first on any page that isn't yet exclusively owned.
	sourcePhys := make([]uint64, nPages)
	for i := 0; i < nPages; i++ {
		pv := alignedV + uintptr(i)*paging.PageSize
		f, ok := src.GetPage(pv)
		if !ok {
			return &paging.Error{Code: paging.BadAddress, Op: "transient.WithForeignMemory"}
		}
		if !f.Writable && f.CopyOnWrite && f.Referenced {
			if err := m.CoW.CopyOnWrite(src, pv, f); err != nil {
				return err
			}
			f, ok = src.GetPage(pv)
			if !ok {
				return &paging.Error{Code: paging.BadAddress, Op: "transient.WithForeignMemory"}
			}
		}
		sourcePhys[i] = f.PhysAddr
	}

	// Step 3: allocate B from the kernel heap.
	heap := hal.Heap()
	if heap == nil {
		return &paging.Error{Code: paging.AllocError, Op: "transient.WithForeignMemory"}
	}
	bufVirt, err := heap.AllocPages(nPages)
	if err != nil {
		return &paging.Error{Code: paging.AllocError, Op: "transient.WithForeignMemory"}
	}
	if bufVirt%uintptr(paging.PageSize) != 0 {
		heap.FreePages(bufVirt, nPages)
		return &paging.Error{Code: paging.BadAddress, Op: "transient.WithForeignMemory"}
	}

	// Step 4: record B's current backing frames (the save list), and
	// cross-check against the source list: none of B's own frames may
	// appear among the frames about to be spliced in, or restoring B
	// would clobber the very data being read or written.
	saved := make([]paging.PageFrame, nPages)
	savedSet := make(map[uint64]bool, nPages)
	for i := 0; i < nPages; i++ {
		bv := bufVirt + uintptr(i)*paging.PageSize
		f, ok := cur.GetPage(bv)
		if !ok {
			heap.FreePages(bufVirt, nPages)
			return &paging.Error{Code: paging.BadAddress, Op: "transient.WithForeignMemory"}
		}
		saved[i] = f
		savedSet[f.PhysAddr] = true
	}
	for _, p := range sourcePhys {
		if savedSet[p] {
			heap.FreePages(bufVirt, nPages)
			return &paging.Error{Code: paging.BadAddress, Op: "transient.WithForeignMemory"}
		}
	}

	// Step 5: splice the source frames into B, present and writable.
	for i := 0; i < nPages; i++ {
		bv := bufVirt + uintptr(i)*paging.PageSize
		spliced := paging.PageFrame{PhysAddr: sourcePhys[i], Present: true, Writable: true}
		if err := cur.SetPage(bv, &spliced); err != nil {
			panic("transient: failed to splice foreign frame into current directory: " + err.Error())
		}
	}

	// Step 6: gather, invoke the closure, scatter any writes back out.
	window := make([]byte, nPages*paging.PageSize)
	for i, phys := range sourcePhys {
		copy(window[i*paging.PageSize:(i+1)*paging.PageSize], m.Manager.FrameBytes(phys))
	}
	fn(window[offset : int(offset)+length])
	for i, phys := range sourcePhys {
		copy(m.Manager.FrameBytes(phys), window[i*paging.PageSize:(i+1)*paging.PageSize])
	}

	// Step 7: restore B's saved frames.
	for i := 0; i < nPages; i++ {
		bv := bufVirt + uintptr(i)*paging.PageSize
		f := saved[i]
		if err := cur.SetPage(bv, &f); err != nil {
			panic("transient: failed to restore current directory after foreign mapping: " + err.Error())
		}
	}

	// Step 8: return B to the heap.
	heap.FreePages(bufVirt, nPages)
	return nil
}
