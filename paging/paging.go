// Package paging defines the hardware-agnostic paging abstraction: the
// page-size constant, the PageFrame descriptor, the Directory capability
// interface, and the shared error type every layer above returns.
package paging

import "fmt"

// PageSize is the compile-time page size for this target (4 KiB, non-PAE
// x86).
const PageSize = 4096

// KernelSplit is the virtual address above which the kernel half of the
// address space begins. It is identically mapped in every process
// directory (invariant I4) and every directory's own control structures
// live at or above it (invariant I5).
const KernelSplit = 0xC0000000

// PageFrame is a hardware-agnostic descriptor for one mapped page.
type PageFrame struct {
	PhysAddr uint64

	Present     bool
	User        bool
	Writable    bool
	CopyOnWrite bool
	Executable  bool
	Referenced  bool
	Shared      bool
}

// Valid reports whether f satisfies the subsystem-wide invariant that a
// copy-on-write page is never directly writable and is always reference
// counted.
func (f PageFrame) Valid() bool {
	if f.CopyOnWrite && (f.Writable || !f.Referenced) {
		return false
	}
	return true
}

// Directory is the capability set exposed by every concrete page
// directory: the raw architecture implementation (archx86.PageDir) and
// the kernel/process-selecting wrapper (hal.ProcessOrKernelDirectory).
type Directory interface {
	// GetPage returns the frame mapped at virt, or ok=false if virt has
	// no mapping. A returned frame may have Present clear.
	GetPage(virt uintptr) (frame PageFrame, ok bool)

	// SetPage installs frame at virt, or clears the mapping if frame is
	// nil. Implementations lazily allocate intermediate tables as
	// needed.
	SetPage(virt uintptr, frame *PageFrame) error

	// SwitchTo loads this directory into the MMU. Callers must not hold
	// any lock the fault path could need to reacquire.
	SwitchTo()

	// IsUnused reports whether virt currently has no mapping (GetPage
	// reports ok=false).
	IsUnused(virt uintptr) bool

	// VirtToPhys translates a virtual address to its backing physical
	// address, honoring any sub-page offset.
	VirtToPhys(virt uintptr) (phys uint64, ok bool)

	// PageSize reports the page size this directory was built for. The
	// page manager asserts this matches its own page size before
	// mutating the directory.
	PageSize() uintptr
}

// Code enumerates the subsystem's single error sum type.
type Code int

const (
	// NoAvailableFrames: the frame bitset has no free bit. Resource
	// exhaustion; surfaced to the caller.
	NoAvailableFrames Code = iota
	// FrameUnused: free_frame was asked to free a virt with no mapping.
	FrameUnused
	// FrameInUse: alloc_frame_at was asked to map an already-mapped virt.
	FrameInUse
	// AllocError: a heap allocation (transient buffer, CoW buffer,
	// directory control structures) failed.
	AllocError
	// BadFrame: an operation was asked to operate on a frame address
	// that doesn't correspond to a tracked physical frame.
	BadFrame
	// BadAddress: a virtual address translation failed or a region
	// crossed into unmapped space.
	BadAddress
)

func (c Code) String() string {
	switch c {
	case NoAvailableFrames:
		return "no available frames"
	case FrameUnused:
		return "frame unused"
	case FrameInUse:
		return "frame in use"
	case AllocError:
		return "allocation error"
	case BadFrame:
		return "bad frame"
	case BadAddress:
		return "bad address"
	default:
		return "unknown paging error"
	}
}

// SyscallOutOfMemory and SyscallBadAddress are the two syscall-facing
// error codes every Code maps onto.
const (
	SyscallOutOfMemory = -12
	SyscallBadAddress  = -14
)

// Error is the concrete error type returned across the subsystem's
// interfaces.
type Error struct {
	Code Code
	Op   string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code.String())
}

// Syscall maps Code to the two syscall-visible error codes.
func (e *Error) Syscall() int {
	if e.Code == BadAddress {
		return SyscallBadAddress
	}
	return SyscallOutOfMemory
}
