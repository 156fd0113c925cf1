package paging

import "github.com/SED4906/ockernel/util"

// FindHole scans [start, end) at stride PageSize and returns the lowest
// page-aligned virtual address where size consecutive pages are unused.
// It returns ok=false if no such run exists.
//
// The requested size is rounded up to a whole number of pages before the
// search; unlike the original source this does not add a further guard
// page past that rounding (see the open question in the expanded spec).
func FindHole(dir Directory, start, end uintptr, size uintptr) (hole uintptr, ok bool) {
	want := util.Roundup(size, uintptr(PageSize)) / PageSize
	if want == 0 {
		want = 1
	}

	run := uintptr(0)
	runStart := uintptr(0)
	for v := start; v < end; v += PageSize {
		if dir.IsUnused(v) {
			if run == 0 {
				runStart = v
			}
			run++
			if run >= want {
				return runStart, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// ValidateRegion reports whether every page overlapping [start, start+len)
// is present in dir. It uses proper ceiling arithmetic for the region's
// page count, rather than the off-by-one overshoot the original source
// computed for exact page multiples of len.
func ValidateRegion(dir Directory, start uintptr, length uintptr) bool {
	if length == 0 {
		return true
	}
	alignedStart := util.Rounddown(start, uintptr(PageSize))
	pageCount := util.Ceildiv(start+length-alignedStart, uintptr(PageSize))
	for i := uintptr(0); i < pageCount; i++ {
		v := alignedStart + i*PageSize
		if _, ok := dir.GetPage(v); !ok {
			return false
		}
	}
	return true
}
