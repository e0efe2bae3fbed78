// Package paging implements the AddressSpace of spec.md §4.2: a
// page-directory/page-table tree over 4 KiB frames supplied by
// internal/frame, copy-on-write fork, and the page-fault policy that is
// this design's core correctness argument (spec.md §9 "COW state machine").
//
// It is grounded on biscuit/src/vm/as.go (Vm_t, Sys_pgfault, Page_insert,
// the writable/COW/refcount case analysis) and on
// _examples/original_source/src/arch/x86/paging.cpp, the C++ original that
// states the same five-state table spec.md §4.2 distills. Recursive
// self-mapping is modeled as data (the directory's last entry does point at
// itself) but table walks in this package go directly through
// frame.Allocator rather than through a literal hardware recursive window
// — spec.md §9 calls the recursive trick "an optimization, not a
// requirement of the design."
package paging

import (
	"github.com/gstavenga/pep32/internal/frame"
	"github.com/gstavenga/pep32/internal/kconfig"
)

// PTE flag bits (spec.md §3 Page-table entry). COW repurposes a bit the
// hardware leaves available to software.
const (
	PteP   uint32 = 1 << 0 // present
	PteW   uint32 = 1 << 1 // writable
	PteU   uint32 = 1 << 2 // user
	PteA   uint32 = 1 << 5 // accessed
	PteD   uint32 = 1 << 6 // dirty
	PteCOW uint32 = 1 << 9 // software: logically writable, currently read-only

	pteAddrShift = 12
)

const (
	numPDE       = kconfig.PTEsPerTable // 1024 32-bit entries per table page
	kernelPDStart = kconfig.KernelBase >> 22
	recursiveSlot = numPDE - 1
)

func mkPTE(f frame.Frame, flags uint32) uint32 { return uint32(f)<<pteAddrShift | flags }
func pteFrame(e uint32) frame.Frame            { return frame.Frame(e >> pteAddrShift) }

func pdIndex(va uint32) int { return int(va >> 22) }
func ptIndex(va uint32) int { return int((va >> 12) & (numPDE - 1)) }

// Fault is the outcome of AddressSpace.OnPageFault.
type Fault int

const (
	// Handled means the fault was resolved transparently and the faulting
	// instruction should be retried.
	Handled Fault = iota
	// Segv means the faulting thread must be terminated (spec.md §7).
	Segv
	// Fatal means the kernel itself cannot continue (no backing store,
	// OOM): spec.md §7 "Unmapped (non-zero-page): Panic."
	Fatal
)

// AddressSpace owns a page-directory frame and, transitively, every
// user-region page table reachable from it (spec.md §3 Address space).
type AddressSpace struct {
	alloc *frame.Allocator
	dir   frame.Frame
}

// kernelTemplate is the address space Bootstrap installs first; every
// later AddressSpace clones its kernel-region directory entries from it
// (spec.md §4.2: "the upper fixed region of every address space maps the
// kernel identically").
var kernelTemplate *AddressSpace

// SetKernelTemplate designates as the address space whose kernel-region
// directory entries (indices [kernelPDStart, recursiveSlot)) are cloned
// into every subsequently created address space. Bootstrap calls this once
// after establishing the kernel mapping.
func SetKernelTemplate(as *AddressSpace) { kernelTemplate = as }

// New allocates a directory frame for a fresh, empty address space: the
// kernel region is cloned from the template (or left zero, for the very
// address space that becomes the template), the user region is empty, and
// the recursive slot is re-established. A template that has since been
// destroyed is treated as no template.
func New(alloc *frame.Allocator) (*AddressSpace, bool) {
	df, ok := alloc.Alloc()
	if !ok {
		return nil, false
	}
	as := &AddressSpace{alloc: alloc, dir: df}
	d := alloc.Page(df)
	for i := range d {
		d[i] = 0
	}
	if kernelTemplate != nil && kernelTemplate.dir != frame.Invalid {
		src := kernelTemplate.alloc.Page(kernelTemplate.dir)
		for i := kernelPDStart; i < recursiveSlot; i++ {
			d[i] = src[i]
		}
	}
	d[recursiveSlot] = mkPTE(df, PteP|PteW)
	return as, true
}

// Dir returns the address space's directory frame, used by Bootstrap to
// install the very first (kernel) address space and by diagnostics.
func (as *AddressSpace) Dir() frame.Frame { return as.dir }

var current *AddressSpace

// Current returns the active address space (spec.md §4.2).
func Current() *AddressSpace { return current }

// SwitchTo installs as as the active address space. On real hardware this
// loads CR3; here, since the kernel core is single-CPU and cooperative
// (spec.md §5), it is exactly the package-level pointer assignment.
func SwitchTo(as *AddressSpace) { current = as }

// pageTableFor returns the page-table page for the directory entry at
// pdIndex(va), allocating and wiring one in if create is true and the PDE
// is not yet present.
func (as *AddressSpace) pageTableFor(va uint32, create bool) (*frame.Page, bool) {
	d := as.alloc.Page(as.dir)
	pdi := pdIndex(va)
	e := d[pdi]
	if e&PteP == 0 {
		if !create {
			return nil, false
		}
		ptf, ok := as.alloc.Alloc()
		if !ok {
			return nil, false
		}
		pt := as.alloc.Page(ptf)
		for i := range pt {
			pt[i] = 0
		}
		u := uint32(0)
		if pdi < kernelPDStart {
			u = PteU
		}
		d[pdi] = mkPTE(ptf, PteP|PteW|u)
		return pt, true
	}
	return as.alloc.Page(pteFrame(e)), true
}

// pte returns a pointer to the leaf entry for va, creating intermediate
// page-table pages on demand when create is true.
func (as *AddressSpace) pte(va uint32, create bool) *uint32 {
	pt, ok := as.pageTableFor(va, create)
	if !ok {
		return nil
	}
	return &pt[ptIndex(va)]
}

// MapPage installs a present mapping for va to frame f with the given
// permission bits (PteW/PteU as appropriate; PteP is added automatically).
// It is used by the ELF loader's per-segment mapping callbacks (in
// Bootstrap's init load and in exec), which need neither page-fault-driven
// COW nor lazy zero-fill.
func (as *AddressSpace) MapPage(va uint32, f frame.Frame, perms uint32) bool {
	e := as.pte(va, true)
	if e == nil {
		return false
	}
	*e = mkPTE(f, perms|PteP)
	return true
}

// MapAnon reserves va as lazily-zero-filled anonymous memory: the entry is
// left not-present but tagged with the zero frame, so the first read
// triggers the "lazy zero page" path of OnPageFault instead of Fatal
// (spec.md §4.2 Page-fault policy, "not present, entry is the shared
// zero-page sentinel").
func (as *AddressSpace) MapAnon(va uint32) bool {
	e := as.pte(va, true)
	if e == nil {
		return false
	}
	*e = mkPTE(as.alloc.ZeroFrame, PteU)
	return true
}

// Lookup returns the raw PTE value for va and whether a page table exists
// for it (the leaf entry may still be not-present).
func (as *AddressSpace) Lookup(va uint32) (uint32, bool) {
	e := as.pte(va, false)
	if e == nil {
		return 0, false
	}
	return *e, true
}

// ForkCurrent creates a logically-identical copy of as: every present user
// leaf is shared (refcount bumped) and, if writable, converted to COW in
// both copies; page-table pages themselves are deep-copied so parent and
// child own independent table hierarchies (spec.md §4.2 Fork).
func (as *AddressSpace) ForkCurrent() (*AddressSpace, bool) {
	cdf, ok := as.alloc.Alloc()
	if !ok {
		return nil, false
	}
	child := &AddressSpace{alloc: as.alloc, dir: cdf}
	cd := as.alloc.Page(cdf)
	for i := range cd {
		cd[i] = 0
	}
	sd := as.alloc.Page(as.dir)

	// Kernel region: shared verbatim, no refcounting (spec.md §4.2 "copied
	// verbatim"); Destroy never walks this region, so its page-table frames
	// are never released through a child.
	for i := kernelPDStart; i < recursiveSlot; i++ {
		cd[i] = sd[i]
	}

	// User region: deep-copy each present page-table page, sharing the
	// bottom-level data frames under COW.
	for pdi := 0; pdi < kernelPDStart; pdi++ {
		pde := sd[pdi]
		if pde&PteP == 0 {
			continue
		}
		srcPT := as.alloc.Page(pteFrame(pde))
		ptf, ok := as.alloc.Alloc()
		if !ok {
			return nil, false
		}
		dstPT := as.alloc.Page(ptf)
		for i := 0; i < numPDE; i++ {
			leaf := srcPT[i]
			if leaf&PteP == 0 {
				dstPT[i] = 0
				continue
			}
			f := pteFrame(leaf)
			as.alloc.IncShare(f)
			if leaf&PteW != 0 {
				leaf = (leaf &^ PteW) | PteCOW
				srcPT[i] = leaf
			}
			dstPT[i] = leaf
		}
		cd[pdi] = mkPTE(ptf, PteP|PteW|PteU)
	}
	cd[recursiveSlot] = mkPTE(cdf, PteP|PteW)
	return child, true
}

// Destroy releases every frame reachable from as's user region: data
// frames have their refcounts dropped, page-table pages are freed outright
// (they are never shared), and the directory frame is returned to the
// caller (spec.md §4.2 Destruction; the teacher additionally recycles
// directory frames onto a small free list — omitted here since
// frame.Allocator's linear scan already makes that optimization
// unnecessary at this scale).
func (as *AddressSpace) Destroy() frame.Frame {
	d := as.alloc.Page(as.dir)
	for pdi := 0; pdi < kernelPDStart; pdi++ {
		pde := d[pdi]
		if pde&PteP == 0 {
			continue
		}
		pt := as.alloc.Page(pteFrame(pde))
		for i := 0; i < numPDE; i++ {
			leaf := pt[i]
			if leaf&PteP != 0 {
				as.alloc.DecShare(pteFrame(leaf))
			}
		}
		as.alloc.DecShare(pteFrame(pde))
	}
	dir := as.dir
	as.dir = frame.Invalid
	return dir
}

// classifyAndResolve implements the five-state COW machine of spec.md §4.2.
func (as *AddressSpace) classifyAndResolve(e *uint32, faultAddr uint32) Fault {
	v := *e
	present := v&PteP != 0
	writable := v&PteW != 0
	cow := v&PteCOW != 0

	if !present {
		if pteFrame(v) == as.alloc.ZeroFrame && v != 0 {
			// Lazy zero-fill: install the shared zero frame read-only COW.
			as.alloc.IncShare(as.alloc.ZeroFrame)
			*e = mkPTE(as.alloc.ZeroFrame, PteP|PteU|PteCOW|PteA)
			return Handled
		}
		return Fatal // not present, no backing store beyond the zero page
	}
	if writable {
		// State 1: writable, refcount irrelevant — never faults on write.
		return Segv
	}
	if !cow {
		// States 2/3: read-only by user choice.
		return Segv
	}
	f := pteFrame(v)
	if as.alloc.Refcnt(f) == 1 {
		// State 4: COW, refcount==1 — claim it in place.
		*e = (v &^ PteCOW) | PteW | PteD | PteA
		return Handled
	}
	// State 5: COW, refcount>1 — copy, decrement old, install fresh.
	nf, ok := as.alloc.Alloc()
	if !ok {
		return Fatal
	}
	*as.alloc.Page(nf) = *as.alloc.Page(f)
	as.alloc.DecShare(f)
	*e = mkPTE(nf, PteP|PteU|PteW|PteD|PteA)
	return Handled
}

// OnPageFault resolves a page fault per spec.md §4.2 Page-fault policy. No
// TLB is modelled, so a state transition is just the entry update.
// faultingIP is accepted for parity with the trap-frame contract and is not
// read; the null-pointer/kernel-memory classification uses faultAddr and
// isUser only.
func (as *AddressSpace) OnPageFault(faultAddr uint32, isWrite, isUser bool, faultingIP uint32) Fault {
	if faultAddr < kconfig.NullLimit {
		return Segv
	}
	if isUser && faultAddr >= kconfig.KernelBase {
		return Segv
	}
	e := as.pte(faultAddr, true)
	if e == nil {
		return Fatal
	}
	if *e == 0 {
		// Never mapped here (MapAnon entries are never zero, so this is not
		// a lazy zero-fill).
		return Fatal
	}
	return as.classifyAndResolve(e, faultAddr)
}
