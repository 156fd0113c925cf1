package archx86

import (
	"sync/atomic"

	"github.com/SED4906/ockernel/hal"
	"github.com/SED4906/ockernel/paging"
)

const entriesPerTable = 1024

// PageTable is one 4 KiB, 1024-entry translation table.
type PageTable struct {
	Entries [entriesPerTable]Entry
}

// tableSlot is a table slot in a directory's parallel array: either
// absent, or a reference to a page table plus whether this directory
// owns (and must free) it. virt is the kernel-heap virtual address the
// table itself was allocated at; it is only meaningful when owned is
// true, since that is the only case Destroy must hand anything back to
// hal.KernelHeap.
type tableSlot struct {
	table *PageTable
	owned bool
	virt  uintptr
}

// PageDir is the concrete x86 non-PAE hardware page directory: an array
// of 1024 directory entries at a known physical address, and a parallel
// array of 1024 table slots.
type PageDir struct {
	tables         [entriesPerTable]*tableSlot
	tablesPhysical [entriesPerTable]Entry
	physAddr       uintptr
	owned          bool
}

// currentDir is the process-wide "current directory" raw borrow: the
// directory most recently loaded into the MMU base register on this
// (single, simulated) CPU. It is an atomic pointer guarded by no lock —
// mutated only inside SwitchTo with interrupts conceptually disabled — per the
// cyclic-reference design note; kernel-half translations are identical
// across every directory (I4), so the borrow's specific identity never
// affects correctness.
var currentDir atomic.Pointer[PageDir]

// IsCurrent reports whether d is the directory currently loaded.
func (d *PageDir) IsCurrent() bool {
	return currentDir.Load() == d
}

// NewBootstrapped wraps a directory whose top-level arrays already exist
// at physAddr (typically carved from an early bump arena by the
// bootloader's provisional mapping). The top level is not owned: its
// destructor will never free the arrays themselves.
func NewBootstrapped(physAddr uintptr) *PageDir {
	return &PageDir{physAddr: physAddr, owned: false}
}

// NewHeapAllocated allocates a fresh directory's top-level control
// structures from the kernel heap. Per invariant I5, these structures
// must live at a virtual address at or above paging.KernelSplit; callers
// are expected to have arranged that (the heap registered via
// hal.SetKernelHeap only ever hands back kernel-half addresses).
func NewHeapAllocated() (*PageDir, error) {
	heap := hal.Heap()
	if heap == nil {
		return nil, &paging.Error{Code: paging.AllocError, Op: "archx86.NewHeapAllocated"}
	}
	virt, err := heap.AllocPages(1)
	if err != nil {
		return nil, &paging.Error{Code: paging.AllocError, Op: "archx86.NewHeapAllocated"}
	}
	if virt < paging.KernelSplit {
		panic("archx86: directory control structures below kernel split")
	}
	phys, ok := translateKernelVirt(virt)
	if !ok {
		return nil, &paging.Error{Code: paging.BadAddress, Op: "archx86.NewHeapAllocated"}
	}
	return &PageDir{physAddr: uintptr(phys), owned: true}, nil
}

// translateKernelVirt resolves a kernel-heap virtual address to a
// physical address via the currently loaded directory, mirroring the
// original's dependence on "the current directory" for this lazy
// allocation path. With no directory loaded yet, virt is returned
// unchanged (an identity translation).
func translateKernelVirt(virt uintptr) (uint64, bool) {
	cur := currentDir.Load()
	if cur == nil {
		return uint64(virt), true
	}
	return cur.VirtToPhys(virt)
}

func split(virt uintptr) (dirIndex, tableIndex, offset uint32) {
	v := uint32(virt)
	return v >> 22, (v >> 12) & 0x3FF, v & 0xFFF
}

// HasPageTable reports whether the directory has a table installed at
// dirIndex.
func (d *PageDir) HasPageTable(dirIndex uint32) bool {
	return d.tables[dirIndex] != nil
}

// AddPageTable installs a fresh table at dirIndex, owned by this
// directory and backed by the heap allocation at (virt, phys) — virt is
// recorded so Destroy can hand the page back to hal.KernelHeap.
func (d *PageDir) AddPageTable(dirIndex uint32, virt uintptr, phys uint32, global bool) {
	d.tables[dirIndex] = &tableSlot{table: &PageTable{}, owned: true, virt: virt}
	e := Entry(0).SetAddress(phys).with(flagPresent, true).with(flagWritable, true)
	if global {
		e = e.with(flagGlobal, true)
	}
	d.tablesPhysical[dirIndex] = e
}

// RemovePageTable evicts the table at dirIndex. If this directory owns
// it, the backing heap page is freed via hal.KernelHeap; callers remain
// responsible for freeing the frames the table described before
// calling this.
func (d *PageDir) RemovePageTable(dirIndex uint32) {
	slot := d.tables[dirIndex]
	if slot != nil && slot.owned {
		if heap := hal.Heap(); heap != nil {
			heap.FreePages(slot.virt, 1)
		}
	}
	d.tables[dirIndex] = nil
	d.tablesPhysical[dirIndex] = 0
}

// GetPage returns the frame mapped at virt, or ok=false if the
// directory slot is empty or the entry is all-zero.
func (d *PageDir) GetPage(virt uintptr) (paging.PageFrame, bool) {
	dirIdx, tblIdx, _ := split(virt)
	slot := d.tables[dirIdx]
	if slot == nil {
		return paging.PageFrame{}, false
	}
	e := slot.table.Entries[tblIdx]
	if e.IsUnused() {
		return paging.PageFrame{}, false
	}
	return entryToFrame(e), true
}

func entryToFrame(e Entry) paging.PageFrame {
	return paging.PageFrame{
		PhysAddr:    uint64(e.Address()),
		Present:     e.has(flagPresent),
		User:        e.has(flagUser),
		Writable:    e.has(flagWritable),
		CopyOnWrite: e.has(flagCopyOnWrite),
		Executable:  true,
		Referenced:  e.has(flagReferenced),
		Shared:      e.has(flagShared),
	}
}

func frameToEntry(f paging.PageFrame, global bool) Entry {
	e := Entry(0).SetAddress(uint32(f.PhysAddr))
	e = e.with(flagPresent, f.Present)
	e = e.with(flagWritable, f.Writable)
	e = e.with(flagUser, f.User)
	e = e.with(flagCopyOnWrite, f.CopyOnWrite)
	e = e.with(flagReferenced, f.Referenced)
	e = e.with(flagShared, f.Shared)
	if global {
		e = e.with(flagGlobal, true)
	}
	return e
}

// SetPage installs frame at virt, lazily allocating a page table if the
// directory slot is empty, or clears the mapping if frame is nil.
// Entries in the kernel half (virt >= paging.KernelSplit) carry the
// Global flag so a reload of the MMU base register does not flush them.
func (d *PageDir) SetPage(virt uintptr, frame *paging.PageFrame) error {
	dirIdx, tblIdx, _ := split(virt)
	global := virt >= paging.KernelSplit

	if frame == nil {
		slot := d.tables[dirIdx]
		if slot != nil {
			slot.table.Entries[tblIdx] = 0
		}
		if d.IsCurrent() {
			if hooks := hal.Arch(); hooks != nil {
				hooks.RefreshPage(virt)
			}
		}
		return nil
	}

	slot := d.tables[dirIdx]
	if slot == nil {
		heap := hal.Heap()
		if heap == nil {
			return &paging.Error{Code: paging.AllocError, Op: "archx86.SetPage"}
		}
		tableVirt, err := heap.AllocPages(1)
		if err != nil {
			return &paging.Error{Code: paging.AllocError, Op: "archx86.SetPage"}
		}
		if tableVirt < paging.KernelSplit {
			panic("archx86: new page table below kernel split")
		}
		tablePhys, ok := translateKernelVirt(tableVirt)
		if !ok {
			return &paging.Error{Code: paging.BadAddress, Op: "archx86.SetPage"}
		}
		d.AddPageTable(dirIdx, tableVirt, uint32(tablePhys), global)
		slot = d.tables[dirIdx]
	}

	slot.table.Entries[tblIdx] = frameToEntry(*frame, global)
	return nil
}

// PageSize reports the page size this directory was built for.
func (d *PageDir) PageSize() uintptr {
	return paging.PageSize
}

// IsUnused reports whether virt has no mapping: the directory slot is
// empty or the entry is all-zero. A non-zero entry counts as used even
// when its Present flag is clear.
func (d *PageDir) IsUnused(virt uintptr) bool {
	_, ok := d.GetPage(virt)
	return !ok
}

// VirtToPhys translates virt to its backing physical address, including
// the sub-page offset.
func (d *PageDir) VirtToPhys(virt uintptr) (uint64, bool) {
	f, ok := d.GetPage(virt)
	if !ok {
		return 0, false
	}
	_, _, offset := split(virt)
	return f.PhysAddr + uint64(offset), true
}

// SwitchTo loads this directory's top-level physical address into the
// MMU base register and updates the current-directory borrow. The
// original disables interrupts across both writes; a hosted simulation
// has no interrupt flag to clear, so this only updates the borrow
// atomically.
func (d *PageDir) SwitchTo() {
	currentDir.Store(d)
}

// Destroy frees every table slot this directory owns, then the
// top-level arrays if they were heap-allocated. It refuses — fatally —
// to run while this directory is the one loaded in the MMU (invariant
// I3): freeing the directory a CPU is actively translating through
// would leave that CPU depending on deallocated memory.
func (d *PageDir) Destroy() {
	if d.IsCurrent() {
		panic("archx86: attempted to free the current page directory")
	}
	for i := range d.tables {
		slot := d.tables[i]
		if slot == nil || !slot.owned {
			continue
		}
		d.RemovePageTable(uint32(i))
	}
	if d.owned {
		if heap := hal.Heap(); heap != nil {
			heap.FreePages(d.physAddr, 1)
		}
	}
}
