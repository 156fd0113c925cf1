// Package pmm implements the page manager: the process-wide singleton
// that owns the frame bitset, allocates and frees frames, and reconciles
// with a bootloader's provisional mapping at boot.
package pmm

import (
	"sync"
	"time"

	"github.com/SED4906/ockernel/hal"
	"github.com/SED4906/ockernel/mem"
	"github.com/SED4906/ockernel/paging"
	"github.com/SED4906/ockernel/smp"
)

// Verbose gates diagnostic Printf-style output, matching the teacher's
// own commented-out info! calls rather than pulling in a logging
// library this freestanding-style subsystem has no real use for.
var Verbose = false

// Manager is the page-manager singleton: a mutex-protected frame bitset
// plus the page size it was built for.
type Manager struct {
	mu       sync.Mutex
	bitset   *mem.FrameBitset
	pageSize uintptr
	arena    Arena
}

// NewManager builds a manager over nframes frames of pageSize bytes
// each. Use hal.MarkPageManagerInitialized alongside SetGlobal to honor
// the idempotent single-initialization contract this component is
// spec'd with.
func NewManager(nframes uint32, pageSize uintptr) *Manager {
	return &Manager{bitset: mem.NewFrameBitset(nframes), pageSize: pageSize}
}

var (
	globalMu sync.Mutex
	global   *Manager
)

// SetGlobal registers the process-wide page manager. Traps if called
// twice, via hal's idempotent-setter convention.
func SetGlobal(m *Manager) {
	globalMu.Lock()
	defer globalMu.Unlock()
	hal.MarkPageManagerInitialized()
	global = m
}

// Global returns the registered page manager.
func Global() *Manager {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// lock acquires the manager's mutex. This is the innermost lock in the
// subsystem: no call made while holding it may attempt to acquire it
// again. The accessor spins on a non-blocking TryLock and, while
// waiting, drains the current thread's urgent-message queue — this is
// what prevents a two-thread deadlock where one thread holds the
// manager lock waiting on a remote TLB flush, while the thread that
// would perform that flush is itself waiting on the manager lock.
func (m *Manager) lock() {
	for !m.mu.TryLock() {
		refreshed := false
		smp.DrainSelf(func(addr uintptr) {
			refreshed = true
			if hooks := hal.Arch(); hooks != nil {
				hooks.RefreshPage(addr)
			}
		})
		if !refreshed {
			// Nothing to drain; yield briefly rather than hot-spin.
			time.Sleep(time.Microsecond)
		}
	}
}

func (m *Manager) unlock() {
	m.mu.Unlock()
}

// AllocFrame finds the first unset bit, sets it, and returns the
// corresponding physical address.
func (m *Manager) AllocFrame() (uint64, error) {
	m.lock()
	defer m.unlock()
	idx, ok := m.bitset.AllocFirst()
	if !ok {
		return 0, &paging.Error{Code: paging.NoAvailableFrames, Op: "pmm.AllocFrame"}
	}
	return uint64(idx) * uint64(m.pageSize), nil
}

// AllocFrameAt fails if virt is already mapped in dir; otherwise it
// marks the bit for phys/pageSize used and writes a present PageFrame at
// virt.
func (m *Manager) AllocFrameAt(dir paging.Directory, virt uintptr, phys uint64, user, writable, executable bool) error {
	m.requirePageSize(dir)

	m.lock()
	if !dir.IsUnused(virt) {
		m.unlock()
		return &paging.Error{Code: paging.FrameInUse, Op: "pmm.AllocFrameAt"}
	}
	idx := uint32(phys / uint64(m.pageSize))
	m.bitset.Set(idx)
	m.unlock()

	frame := &paging.PageFrame{
		PhysAddr:   phys,
		Present:    true,
		User:       user,
		Writable:   writable,
		Executable: executable,
	}
	if err := dir.SetPage(virt, frame); err != nil {
		m.lock()
		m.bitset.Clear(idx)
		m.unlock()
		return err
	}
	return nil
}

// FreeFrame reads the current mapping at virt, clears the bitset bit and
// the directory entry, and returns the freed physical address.
func (m *Manager) FreeFrame(dir paging.Directory, virt uintptr) (uint64, error) {
	m.requirePageSize(dir)

	f, ok := dir.GetPage(virt)
	if !ok {
		return 0, &paging.Error{Code: paging.FrameUnused, Op: "pmm.FreeFrame"}
	}
	if err := dir.SetPage(virt, nil); err != nil {
		return 0, err
	}
	m.lock()
	m.bitset.Clear(uint32(f.PhysAddr / uint64(m.pageSize)))
	m.unlock()
	return f.PhysAddr, nil
}

// SetFrameUsed marks phys used directly, bypassing the directory. Used
// when refcount logic (pageref) has already decided a frame's fate.
func (m *Manager) SetFrameUsed(phys uint64) {
	m.lock()
	defer m.unlock()
	m.bitset.Set(uint32(phys / uint64(m.pageSize)))
}

// SetFrameFree marks phys free directly, bypassing the directory.
func (m *Manager) SetFrameFree(phys uint64) {
	m.lock()
	defer m.unlock()
	m.bitset.Clear(uint32(phys / uint64(m.pageSize)))
}

// SyncFromDir sweeps dir's entire virtual address space at stride
// pageSize; any virt with a present page marks the corresponding frame
// used. This is slow — intended to run once at boot to reconcile the
// manager's bitset with the bootloader's provisional mapping, not on
// any hot path.
func (m *Manager) SyncFromDir(dir paging.Directory) {
	for v := uintptr(0); v < uintptr(1)<<32; v += m.pageSize {
		if f, ok := dir.GetPage(v); ok {
			m.SetFrameUsed(f.PhysAddr)
		}
		if v+m.pageSize < v {
			break // wrapped around a 32-bit uintptr
		}
	}
}

// requirePageSize asserts the manager and dir agree on page size.
// A mismatch is a configuration bug, not a runtime condition a caller
// could recover from — fatal, per the invariant-violation category.
func (m *Manager) requirePageSize(dir paging.Directory) {
	if dir.PageSize() != m.pageSize {
		panic("pmm: directory page size does not match manager page size")
	}
}

// IsFrameUsed reports whether phys is currently marked in use.
func (m *Manager) IsFrameUsed(phys uint64) bool {
	return m.bitset.IsSet(uint32(phys / uint64(m.pageSize)))
}

// BitsUsed reports how many frames are currently marked in use.
func (m *Manager) BitsUsed() uint32 {
	return m.bitset.BitsUsed()
}

// Size reports the total number of frames tracked.
func (m *Manager) Size() uint32 {
	return m.bitset.Size()
}
