package transient

import (
	"bytes"
	"testing"

	"github.com/SED4906/ockernel/cow"
	"github.com/SED4906/ockernel/hal"
	"github.com/SED4906/ockernel/paging"
	"github.com/SED4906/ockernel/pageref"
	"github.com/SED4906/ockernel/pmm"
)

type fakeDir struct {
	pages map[uintptr]paging.PageFrame
}

func newFakeDir() *fakeDir { return &fakeDir{pages: map[uintptr]paging.PageFrame{}} }

func (d *fakeDir) GetPage(virt uintptr) (paging.PageFrame, bool) {
	f, ok := d.pages[virt]
	return f, ok
}

func (d *fakeDir) SetPage(virt uintptr, f *paging.PageFrame) error {
	if f == nil {
		delete(d.pages, virt)
		return nil
	}
	d.pages[virt] = *f
	return nil
}

func (d *fakeDir) SwitchTo() {}

func (d *fakeDir) IsUnused(virt uintptr) bool {
	_, ok := d.pages[virt]
	return !ok
}

func (d *fakeDir) VirtToPhys(virt uintptr) (uint64, bool) {
	f, ok := d.pages[virt]
	if !ok {
		return 0, false
	}
	return f.PhysAddr, true
}

func (d *fakeDir) PageSize() uintptr { return paging.PageSize }

// fakeHeap stands in for the kernel heap. Per invariant I4, the kernel
// half of the address space is identically mapped in every directory,
// so every page it hands out is mirrored into every directory it was
// built with — exactly what lets the CoW engine resolve a kernel-heap
// scratch buffer's physical address via whichever directory (current or
// foreign) it happens to be called with.
type fakeHeap struct {
	dirs   []*fakeDir
	mgr    *pmm.Manager
	next   uintptr
	mapped map[uintptr]paging.PageFrame
}

func newFakeHeap(mgr *pmm.Manager, dirs ...*fakeDir) *fakeHeap {
	return &fakeHeap{dirs: dirs, mgr: mgr, next: 0x60000000, mapped: map[uintptr]paging.PageFrame{}}
}

func (h *fakeHeap) AllocPages(n int) (uintptr, error) {
	virt := h.next
	for i := 0; i < n; i++ {
		phys, err := h.mgr.AllocFrame()
		if err != nil {
			return 0, err
		}
		frame := paging.PageFrame{PhysAddr: phys, Present: true, Writable: true}
		h.mapped[virt+uintptr(i)*paging.PageSize] = frame
		for _, d := range h.dirs {
			d.SetPage(virt+uintptr(i)*paging.PageSize, &frame)
		}
	}
	h.next += uintptr(n) * paging.PageSize
	return virt, nil
}

func (h *fakeHeap) FreePages(addr uintptr, n int) {}

func newTestMapper(t *testing.T) (*Mapper, *fakeDir, *pmm.Manager) {
	t.Helper()
	mgr := pmm.NewManager(32, paging.PageSize).WithArena(pmm.NewBufferArena(32, paging.PageSize))
	refs := pageref.NewCounter(mgr)
	engine := cow.NewEngine(mgr, refs)
	cur := newFakeDir()
	hal.SetKernelHeap(newFakeHeap(mgr, cur))
	return NewMapper(mgr, engine), cur, mgr
}

const srcPhys = 10 * paging.PageSize

func TestWithForeignMemoryReadsSourceBytes(t *testing.T) {
	m, cur, mgr := newTestMapper(t)
	mgr.SetFrameUsed(srcPhys)
	copy(mgr.FrameBytes(srcPhys), []byte("hello world"))

	src := newFakeDir()
	src.pages[0x2000] = paging.PageFrame{PhysAddr: srcPhys, Present: true, Writable: true}

	var got string
	err := m.WithForeignMemory(cur, src, 0x2000, 5, func(b []byte) {
		got = string(b)
	})
	if err != nil {
		t.Fatalf("WithForeignMemory: %v", err)
	}
	if got != "hello" {
		t.Fatalf("closure saw %q; want %q", got, "hello")
	}
}

func TestWithForeignMemoryWritesPropagateToSourceFrame(t *testing.T) {
	m, cur, mgr := newTestMapper(t)
	mgr.SetFrameUsed(srcPhys)

	src := newFakeDir()
	src.pages[0x2000] = paging.PageFrame{PhysAddr: srcPhys, Present: true, Writable: true}

	err := m.WithForeignMemory(cur, src, 0x2000, 4, func(b []byte) {
		copy(b, []byte("abcd"))
	})
	if err != nil {
		t.Fatalf("WithForeignMemory: %v", err)
	}
	if got := string(mgr.FrameBytes(srcPhys)[:4]); got != "abcd" {
		t.Fatalf("source frame contents = %q; want %q", got, "abcd")
	}
}

func TestWithForeignMemoryRestoresCurrentDirectory(t *testing.T) {
	m, cur, mgr := newTestMapper(t)
	mgr.SetFrameUsed(srcPhys)

	src := newFakeDir()
	src.pages[0x2000] = paging.PageFrame{PhysAddr: srcPhys, Present: true, Writable: true}

	// Snapshot every page cur had mapped before the call.
	before := map[uintptr]paging.PageFrame{}
	for k, v := range cur.pages {
		before[k] = v
	}

	if err := m.WithForeignMemory(cur, src, 0x2000, 1, func(b []byte) {}); err != nil {
		t.Fatalf("WithForeignMemory: %v", err)
	}

	// B is allocated, and mapped by the heap, during the call, and
	// FreePages leaves it mapped: B's pages must be back on the frames
	// the heap gave them.
	for k, v := range hal.Heap().(*fakeHeap).mapped {
		before[k] = v
	}

	if len(cur.pages) != len(before) {
		t.Fatalf("cur has %d mappings after restore; want %d", len(cur.pages), len(before))
	}
	for k, v := range before {
		if cur.pages[k] != v {
			t.Fatalf("mapping at %#x changed: have %+v, want %+v", k, cur.pages[k], v)
		}
	}
}

func TestWithForeignMemorySpanningTwoPages(t *testing.T) {
	m, cur, mgr := newTestMapper(t)
	phys0 := uint64(5 * paging.PageSize)
	phys1 := uint64(6 * paging.PageSize)
	mgr.SetFrameUsed(phys0)
	mgr.SetFrameUsed(phys1)
	copy(mgr.FrameBytes(phys0)[paging.PageSize-3:], []byte("XYZ"))
	copy(mgr.FrameBytes(phys1), []byte("ABC"))

	src := newFakeDir()
	src.pages[0x3000] = paging.PageFrame{PhysAddr: phys0, Present: true, Writable: true}
	src.pages[0x4000] = paging.PageFrame{PhysAddr: phys1, Present: true, Writable: true}

	var got []byte
	start := uintptr(0x3000 + paging.PageSize - 3)
	err := m.WithForeignMemory(cur, src, start, 6, func(b []byte) {
		got = append([]byte(nil), b...)
	})
	if err != nil {
		t.Fatalf("WithForeignMemory: %v", err)
	}
	if !bytes.Equal(got, []byte("XYZABC")) {
		t.Fatalf("closure saw %q; want %q", got, "XYZABC")
	}
}

func TestWithForeignMemoryRunsCoWFirstOnSharedPage(t *testing.T) {
	m, cur, mgr := newTestMapper(t)
	mgr.SetFrameUsed(srcPhys)
	m.CoW.Refs.Add(srcPhys, 2)

	src := newFakeDir()
	src.pages[0x2000] = paging.PageFrame{PhysAddr: srcPhys, Present: true, Writable: false, CopyOnWrite: true, Referenced: true}
	// The CoW engine resolves its scratch buffer through src, so the
	// heap must mirror its pages into src as well as cur.
	hal.SetKernelHeap(newFakeHeap(mgr, cur, src))

	err := m.WithForeignMemory(cur, src, 0x2000, 1, func(b []byte) {})
	if err != nil {
		t.Fatalf("WithForeignMemory: %v", err)
	}

	f, _ := src.GetPage(0x2000)
	if f.CopyOnWrite || !f.Writable {
		t.Fatalf("expected CoW resolution before splicing, got %+v", f)
	}
}

func TestWithForeignMemoryBadSourceAddressFails(t *testing.T) {
	m, cur, _ := newTestMapper(t)
	src := newFakeDir()

	err := m.WithForeignMemory(cur, src, 0x9000, 1, func(b []byte) {})
	if err == nil {
		t.Fatalf("expected an error for an unmapped source address")
	}
}
