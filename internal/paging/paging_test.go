package paging

import (
	"testing"

	"github.com/gstavenga/pep32/internal/frame"
	"github.com/gstavenga/pep32/internal/kconfig"
)

func newAlloc(t *testing.T) *frame.Allocator {
	t.Helper()
	a := frame.New(256)
	a.MarkFree(0, 256)
	zero, ok := a.Alloc()
	if !ok {
		t.Fatal("could not reserve zero frame")
	}
	a.InitZeroPage(zero)
	return a
}

// writableAnon maps va to a freshly allocated, writable, present frame
// (simulating a fault-resolved or explicitly backed anonymous page).
func writableAnon(t *testing.T, as *AddressSpace, alloc *frame.Allocator, va uint32) frame.Frame {
	t.Helper()
	f, ok := alloc.Alloc()
	if !ok {
		t.Fatal("alloc failed")
	}
	if !as.MapPage(va, f, PteU|PteW) {
		t.Fatal("map failed")
	}
	return f
}

func readByte(alloc *frame.Allocator, as *AddressSpace, va uint32) byte {
	e, _ := as.Lookup(va)
	pg := alloc.Page(pteFrame(e))
	return frame.Bytes(pg)[va&kconfig.PageMask]
}

func writeByte(alloc *frame.Allocator, as *AddressSpace, va uint32, v byte) {
	e, _ := as.Lookup(va)
	pg := alloc.Page(pteFrame(e))
	frame.Bytes(pg)[va&kconfig.PageMask] = v
}

// Scenario 1 (spec.md §8): fork writes diverge.
func TestForkWritesDiverge(t *testing.T) {
	alloc := newAlloc(t)
	parent, ok := New(alloc)
	if !ok {
		t.Fatal("new address space failed")
	}
	SetKernelTemplate(parent)
	const va = 0x100000
	f := writableAnon(t, parent, alloc, va)
	frame.Bytes(alloc.Page(f))[0] = 0x41

	child, ok := parent.ForkCurrent()
	if !ok {
		t.Fatal("fork failed")
	}

	// Child write faults (COW, refcount now 2).
	if got := child.OnPageFault(va, true, true, 0); got != Handled {
		t.Fatalf("child fault = %v, want Handled", got)
	}
	writeByte(alloc, child, va, 0x42)

	if got := readByte(alloc, parent, va); got != 0x41 {
		t.Fatalf("parent reads %#x, want 0x41", got)
	}
	if got := readByte(alloc, child, va); got != 0x42 {
		t.Fatalf("child reads %#x, want 0x42", got)
	}

	pe, _ := parent.Lookup(va)
	ce, _ := child.Lookup(va)
	if pteFrame(pe) == pteFrame(ce) {
		t.Fatal("parent and child must back the page with distinct frames after divergent write")
	}
}

// Scenario 2 (spec.md §8): lazy zero page.
func TestLazyZeroPage(t *testing.T) {
	alloc := newAlloc(t)
	as, _ := New(alloc)
	SetKernelTemplate(as)
	const va = 0x200000
	as.MapAnon(va)

	before := alloc.FreeCount()

	if got := as.OnPageFault(va, false, true, 0); got != Handled {
		t.Fatalf("fault = %v, want Handled", got)
	}
	if got := readByte(alloc, as, va); got != 0 {
		t.Fatalf("read = %#x, want 0", got)
	}
	// The zero frame is permanently reserved (refcnt.Reserved) and is never
	// actually counted, however many mappings share it (internal/frame's
	// IncShare/DecShare both special-case it) — unlike an ordinary COW
	// frame, its count never moves.
	if alloc.Refcnt(alloc.ZeroFrame) != kconfig.Reserved {
		t.Fatalf("zero page refcnt = %d, want %d (unchanged)", alloc.Refcnt(alloc.ZeroFrame), kconfig.Reserved)
	}
	if alloc.FreeCount() != before {
		t.Fatalf("free pool count changed: no new frame should be allocated for a read-only zero-fill")
	}
}

// Scenario 6 (spec.md §8): COW with two children.
func TestCOWTwoChildren(t *testing.T) {
	alloc := newAlloc(t)
	parent, _ := New(alloc)
	SetKernelTemplate(parent)
	const va = 0x300000
	writableAnon(t, parent, alloc, va)

	child1, ok := parent.ForkCurrent()
	if !ok {
		t.Fatal("fork 1 failed")
	}
	child2, ok := child1.ForkCurrent()
	if !ok {
		t.Fatal("fork 2 failed")
	}

	pe, _ := parent.Lookup(va)
	if alloc.Refcnt(pteFrame(pe)) != 3 {
		t.Fatalf("refcount = %d, want 3 after two forks", alloc.Refcnt(pteFrame(pe)))
	}

	if got := child2.OnPageFault(va, true, true, 0); got != Handled {
		t.Fatalf("child2 fault = %v, want Handled", got)
	}
	writeByte(alloc, child2, va, 0x99)

	if alloc.Refcnt(pteFrame(pe)) != 2 {
		t.Fatalf("shared frame refcount = %d, want 2 after child2's copy-out", alloc.Refcnt(pteFrame(pe)))
	}
	c1e, _ := child1.Lookup(va)
	if pteFrame(c1e) != pteFrame(pe) {
		t.Fatal("child1 must still share the original frame with parent")
	}
	if c1e&PteW != 0 {
		t.Fatal("child1's mapping must remain read-only COW")
	}
	c2e, _ := child2.Lookup(va)
	if pteFrame(c2e) == pteFrame(pe) {
		t.Fatal("child2 must have a fresh, private frame after its write fault")
	}
}

func TestNullDerefIsSegv(t *testing.T) {
	alloc := newAlloc(t)
	as, _ := New(alloc)
	SetKernelTemplate(as)
	if got := as.OnPageFault(0x0, false, true, 0); got != Segv {
		t.Fatalf("fault at 0x0 = %v, want Segv", got)
	}
}

func TestUserAccessToKernelMemoryIsSegv(t *testing.T) {
	alloc := newAlloc(t)
	as, _ := New(alloc)
	SetKernelTemplate(as)
	if got := as.OnPageFault(kconfig.KernelBase+0x1000, false, true, 0); got != Segv {
		t.Fatalf("user fault into kernel space = %v, want Segv", got)
	}
}

func TestWriteToReadOnlyByChoiceIsSegv(t *testing.T) {
	alloc := newAlloc(t)
	as, _ := New(alloc)
	SetKernelTemplate(as)
	const va = 0x180000
	f, _ := alloc.Alloc()
	as.MapPage(va, f, PteU) // present, read-only, not COW
	if got := as.OnPageFault(va, true, true, 0); got != Segv {
		t.Fatalf("write to read-only-by-choice page = %v, want Segv", got)
	}
}

func TestDestroyDropsUserRefcounts(t *testing.T) {
	alloc := newAlloc(t)
	as, _ := New(alloc)
	SetKernelTemplate(as)
	const va = 0x400000
	f := writableAnon(t, as, alloc, va)
	if alloc.Refcnt(f) != 1 {
		t.Fatalf("refcnt = %d, want 1", alloc.Refcnt(f))
	}
	as.Destroy()
	if alloc.Refcnt(f) != 0 {
		t.Fatalf("refcnt after destroy = %d, want 0 (frame freed)", alloc.Refcnt(f))
	}
}

// A zero-backed page that is still present and COW (never written) must
// survive both fork (sharing the already-shared zero frame) and Destroy
// (releasing it) without panicking, even though the zero frame's refcount
// is the permanent Reserved sentinel rather than an ordinary count.
func TestZeroBackedPageSurvivesForkAndDestroy(t *testing.T) {
	alloc := newAlloc(t)
	as, _ := New(alloc)
	SetKernelTemplate(as)
	const va = 0x210000
	as.MapAnon(va)
	if got := as.OnPageFault(va, false, true, 0); got != Handled {
		t.Fatalf("fault = %v, want Handled", got)
	}

	child, ok := as.ForkCurrent()
	if !ok {
		t.Fatal("fork failed")
	}
	ce, _ := child.Lookup(va)
	if pteFrame(ce) != alloc.ZeroFrame {
		t.Fatal("forked child must still share the zero frame for an unwritten anon page")
	}

	child.Destroy()
	as.Destroy()
	if alloc.Refcnt(alloc.ZeroFrame) != kconfig.Reserved {
		t.Fatalf("zero frame refcnt = %d, want %d after destroying every referencing address space", alloc.Refcnt(alloc.ZeroFrame), kconfig.Reserved)
	}
}
