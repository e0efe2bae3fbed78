// Package frame implements the PhysFrameAllocator of spec.md §4.1: a flat
// array of saturating reference counts over a fixed-size physical memory
// pool, handing out and reclaiming 4 KiB frames. It is grounded on
// biscuit/src/mem's Physmem_t (Refup/Refdown/Refcnt/Dmap, the zero page,
// mark-reserved-by-range) simplified to the single-CPU model of spec.md §5:
// no per-CPU free lists, no atomics — frame.Allocator is only ever touched
// from kernel paths that do not reschedule underneath them.
package frame

import (
	"unsafe"

	"github.com/gstavenga/pep32/internal/kconfig"
)

// Frame is an index into the physical frame array, not a byte address.
type Frame uint32

// Invalid marks the absence of a frame.
const Invalid Frame = 1<<32 - 1

// Page is one 4 KiB physical page viewed as 1024 32-bit words; it doubles
// as a page-table page (spec.md §3 Page-table entry) or as raw data,
// exactly as biscuit's Pg_t/Pmap_t alias the same storage via
// unsafe.Pointer casts (mem/mem.go pg2pmap, Pg2bytes).
type Page [kconfig.PTEsPerTable]uint32

// Bytes reinterprets a Page as a byte slice.
func Bytes(p *Page) *[kconfig.PageSize]byte {
	return (*[kconfig.PageSize]byte)(unsafe.Pointer(p))
}

// Allocator owns the refcount table and backing storage for every physical
// frame the kernel knows about. One instance is the process-wide singleton
// described in spec.md §9 "Global mutable state"; Bootstrap builds it and
// hands the same pointer to paging, syscall and every address space.
type Allocator struct {
	refcnt []uint8
	pages  []Page
	free   int

	// ZeroFrame is the permanently-pinned all-zero frame shared by every
	// lazily-faulted-in anonymous mapping (spec.md §3).
	ZeroFrame Frame
}

// New builds an allocator over n frames, all initially reserved; callers
// must clear the usable ranges with MarkFree before any Alloc succeeds.
// n is capped at kconfig.MaxFrames (spec.md §4.1's 128 MiB cap).
func New(n int) *Allocator {
	if n > kconfig.MaxFrames {
		n = kconfig.MaxFrames
	}
	a := &Allocator{
		refcnt: make([]uint8, n),
		pages:  make([]Page, n),
	}
	for i := range a.refcnt {
		a.refcnt[i] = kconfig.Reserved
	}
	a.ZeroFrame = Invalid
	return a
}

// NFrames reports the total number of frames the allocator was built with.
func (a *Allocator) NFrames() int { return len(a.refcnt) }

// MarkFree clears the refcount of every frame in [lo, hi) to 0, making it
// available to Alloc. This models consuming a bootloader memory-map entry
// marked usable (spec.md §4.1 Initialization).
func (a *Allocator) MarkFree(lo, hi Frame) {
	for i := lo; i < hi && int(i) < len(a.refcnt); i++ {
		if a.refcnt[i] == 0 {
			continue
		}
		a.refcnt[i] = 0
		a.free++
	}
}

// MarkReserved sets refcount to the permanent sentinel across [lo, hi),
// used for firmware-claimed regions, the kernel image, and the zero page
// (spec.md §4.1).
func (a *Allocator) MarkReserved(lo, hi Frame) {
	for i := lo; i < hi && int(i) < len(a.refcnt); i++ {
		if a.refcnt[i] == 0 {
			a.free--
		}
		a.refcnt[i] = kconfig.Reserved
	}
}

// InitZeroPage reserves f as the shared, permanently-pinned zero frame.
func (a *Allocator) InitZeroPage(f Frame) {
	a.MarkReserved(f, f+1)
	a.ZeroFrame = f
}

// FreeCount reports the number of frames with refcount 0.
func (a *Allocator) FreeCount() int { return a.free }

// Alloc linear-scans for the first frame with refcount 0, claims it with
// refcount 1, and returns its index. It is fatal to the kernel to run out
// of frames (spec.md §4.1 Errors) — Alloc reports that via Invalid/false
// rather than panicking itself, leaving the decision to the caller
// (Bootstrap turns false into a boot error, the page-fault path into
// Fatal, fork and exec into an error return to the user program).
func (a *Allocator) Alloc() (Frame, bool) {
	for i, r := range a.refcnt {
		if r == 0 {
			a.refcnt[i] = 1
			a.free--
			return Frame(i), true
		}
	}
	return Invalid, false
}

// IncShare increments a frame's reference count; the frame must already be
// live (refcount in [1,254]). The permanently-pinned zero frame (spec.md
// §3) is shared by every lazily-faulted-in anonymous mapping without
// bound, so it is never actually counted: original_source/arch/x86/
// paging.cpp's IncSharedCount/FreePhysPage guard the zero page the same
// way, by name, rather than tracking its count like an ordinary frame.
func (a *Allocator) IncShare(f Frame) {
	if f == a.ZeroFrame {
		return
	}
	r := a.refcnt[f]
	if r < 1 || r > kconfig.MaxShare {
		panic("frame: inc_share on frame outside [1,254]")
	}
	a.refcnt[f] = r + 1
}

// DecShare decrements a frame's reference count and returns the new value.
// A frame whose count reaches 0 is free again; the caller must not touch
// its storage afterward. The zero frame is exempt for the same reason
// IncShare is: it is never actually decremented, and its Reserved count is
// returned unchanged. Any other Reserved (255) frame is a caller bug.
func (a *Allocator) DecShare(f Frame) uint8 {
	if f == a.ZeroFrame {
		return kconfig.Reserved
	}
	r := a.refcnt[f]
	if r == kconfig.Reserved {
		panic("frame: dec_share on reserved frame")
	}
	if r < 1 {
		panic("frame: dec_share on frame with refcount 0")
	}
	r--
	a.refcnt[f] = r
	if r == 0 {
		a.free++
	}
	return r
}

// Refcnt returns a frame's current reference count.
func (a *Allocator) Refcnt(f Frame) uint8 { return a.refcnt[f] }

// Page returns the simulated physical storage backing f, the direct-map
// equivalent of biscuit's Physmem_t.Dmap.
func (a *Allocator) Page(f Frame) *Page { return &a.pages[f] }
