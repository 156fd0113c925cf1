//go:build unix

package pmm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapArena backs every tracked frame with a single anonymous mmap
// region, sized nframes*pageSize. FrameBytes slices into that region; it
// never copies, so two callers resolving the same phys see each other's
// writes immediately, the way real physical memory would.
type MmapArena struct {
	mem      []byte
	pageSize uintptr
}

// NewMmapArena reserves nframes*pageSize bytes of anonymous memory via
// mmap. Callers own the returned arena's lifetime; Close releases it.
func NewMmapArena(nframes uint32, pageSize uintptr) (*MmapArena, error) {
	size := uintptr(nframes) * pageSize
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("pmm: mmap arena: %w", err)
	}
	return &MmapArena{mem: buf, pageSize: pageSize}, nil
}

// FrameBytes returns the pageSize-length slice at phys. phys must be a
// multiple of pageSize and fall within the arena; a violation is a
// programming error in the caller, not a recoverable condition.
func (a *MmapArena) FrameBytes(phys uint64) []byte {
	off := uintptr(phys)
	if off%a.pageSize != 0 || off+a.pageSize > uintptr(len(a.mem)) {
		panic("pmm: phys address out of arena bounds")
	}
	return a.mem[off : off+a.pageSize]
}

// Close unmaps the arena. Only safe once nothing holds a FrameBytes
// slice from it.
func (a *MmapArena) Close() error {
	return unix.Munmap(a.mem)
}
