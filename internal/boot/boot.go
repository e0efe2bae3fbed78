// Package boot implements Bootstrap, spec.md §4.8: the sequence that
// turns a loader handoff record into a running thread 1 (init).
//
// The six-step order (re-establish paging, seed the frame allocator,
// initialize the kernel heap, install TrapTable/IrqController, load
// init.elf, create thread 0 and thread 1) is taken directly from spec.md
// §4.8; wiring each subsystem together is grounded on how biscuit's
// main.go (see original kentry/main wiring, not carried verbatim since it
// is architecture-specific assembly-adjacent glue) sequences allocator →
// vm → scheduler → fs, generalized to this design's modules. The parallel
// pre-zeroing fan-out (step 2/3 prep) uses golang.org/x/sync/errgroup per
// SPEC_FULL.md's domain-stack section: two independent, order-independent
// bookkeeping passes joined before paging is installed.
package boot

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/gstavenga/pep32/internal/console"
	"github.com/gstavenga/pep32/internal/elfload"
	"github.com/gstavenga/pep32/internal/frame"
	"github.com/gstavenga/pep32/internal/irqctl"
	"github.com/gstavenga/pep32/internal/kbdpipe"
	"github.com/gstavenga/pep32/internal/kconfig"
	"github.com/gstavenga/pep32/internal/kheap"
	"github.com/gstavenga/pep32/internal/klog"
	"github.com/gstavenga/pep32/internal/kstat"
	"github.com/gstavenga/pep32/internal/paging"
	"github.com/gstavenga/pep32/internal/sched"
	"github.com/gstavenga/pep32/internal/syscall"
	"github.com/gstavenga/pep32/internal/tarfs"
	"github.com/gstavenga/pep32/internal/trap"
)

// MemRegion is one entry of the loader-supplied memory map (spec.md §4.1
// Initialization: "entries: base, length, usable?").
type MemRegion struct {
	Base, Length frame.Frame
	Usable       bool
}

// BootData is the handoff record the loader leaves for Bootstrap (spec.md
// §4.8 "a pointer to a BootData record containing the memory map, cursor
// position, and in-RAM archive descriptor").
type BootData struct {
	MemoryMap   []MemRegion
	Archive     []byte
	Framebuffer []uint16
	CursorCol   int
	CursorRow   int

	TotalFrames int
	A20Disabled bool // spec.md §4.1: halves usable RAM when true
	Port        irqctl.Port
}

// Kernel is everything Bootstrap wires together: every subsystem a running
// thread's trap/IRQ/syscall paths need to reach.
type Kernel struct {
	Alloc   *frame.Allocator
	Kernel  *paging.AddressSpace
	Heap    *kheap.Heap
	Traps   *trap.Table
	IRQ     *irqctl.Controller
	Sched   *sched.Scheduler
	Syscall *syscall.Dispatcher
	Console *console.Screen
	Archive *tarfs.Archive
	Kbd     *kbdpipe.Pipe
	Log     *klog.Logger
	Stats   *kstat.Stats
}

const initImageName = "init.elf"

// Bootstrap runs spec.md §4.8's six steps and returns the fully wired
// kernel with thread 1 (init) ready to run; the caller's trap-return
// epilogue loads tf and resumes execution there.
func Bootstrap(bd *BootData, tf *trap.Frame) (*Kernel, error) {
	k := &Kernel{
		Stats: kstat.New(),
		Kbd:   kbdpipe.New(kconfig.KeyboardPipeSize),
	}
	k.Console = console.New(bd.Framebuffer)
	k.Log = klog.New(k.Console)

	// Step 2/3 prep: the allocator's refcount table and the heap's single
	// free-block header touch disjoint memory and have no order dependency
	// on each other, so they are prepared concurrently (SPEC_FULL.md domain
	// stack: golang.org/x/sync/errgroup), then joined before paging — which
	// does depend on the allocator — is installed.
	g := new(errgroup.Group)
	g.Go(func() error {
		k.Alloc = frame.New(bd.TotalFrames)
		return nil
	})
	g.Go(func() error {
		k.Heap = kheap.Init(kconfig.KernelHeapSize)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Step 2: seed the allocator from the memory map.
	for _, r := range bd.MemoryMap {
		if !r.Usable {
			continue
		}
		k.Alloc.MarkFree(r.Base, r.Base+r.Length)
	}
	if bd.A20Disabled {
		for f := frame.Frame(0); int(f) < k.Alloc.NFrames(); f += 2 {
			k.Alloc.MarkReserved(f, f+1)
		}
	}
	zero, ok := k.Alloc.Alloc()
	if !ok {
		return nil, fmt.Errorf("boot: no frame available for the zero page")
	}
	k.Alloc.InitZeroPage(zero)

	// Step 1: re-establish the kernel address space (the low-1 MiB identity
	// mapping the loader used is not carried forward: paging.New starts
	// empty and no mapping is installed in it here; it only serves as the
	// template whose kernel-region entries later address spaces copy).
	kas, ok := paging.New(k.Alloc)
	if !ok {
		return nil, fmt.Errorf("boot: could not allocate the kernel directory")
	}
	paging.SetKernelTemplate(kas)
	k.Kernel = kas

	// Step 4: install the trap table and IRQ controller; the syscall and
	// page-fault vectors are wired once Syscall/Sched exist below.
	k.Sched = sched.New()
	k.IRQ = irqctl.New(bd.Port, k.Kbd)

	k.Archive = tarfs.Open(bd.Archive)
	k.Syscall = syscall.New(k.Sched, k.Alloc, k.Kbd, k.Console, k.Archive)

	k.Traps = trap.NewStandard(
		func(vector int, f *trap.Frame) { k.onPageFault(f) },
		func(vector int, f *trap.Frame) { k.IRQ.Dispatch(vector - kconfig.IRQBase) },
		func(vector int, f *trap.Frame) { k.Syscall.Dispatch(f) },
	)
	k.IRQ.Unmask(0) // timer
	k.IRQ.Unmask(1) // keyboard

	// Step 5: locate and load init.elf.
	entry, childAS, err := k.loadInit()
	if err != nil {
		return nil, err
	}

	// Step 6: thread 0 (idle) on the kernel address space, thread 1 (init)
	// on its own fresh address space at the loader-reported entry point.
	idle := k.Sched.Thread(kconfig.IdleTid)
	idle.AS = k.Kernel
	idle.State = sched.Ready

	initThread, ok := k.Sched.CreateThread(nil, childAS, true)
	if !ok {
		return nil, fmt.Errorf("boot: could not allocate the init thread")
	}
	initThread.Frame.EIP = entry
	initThread.Frame.CS = 0x1B // ring-3 code selector
	initThread.Frame.EFlags = 0x202

	// Exit-to-thread into init: Schedule marks it Running, makes it the
	// scheduler's current thread, switches to its address space and loads
	// its frame into tf.
	k.Sched.Schedule(kconfig.IdleTid, true, tf)
	return k, nil
}

func (k *Kernel) loadInit() (entry uint32, as *paging.AddressSpace, err error) {
	e, ok := k.Archive.Lookup(initImageName)
	if !ok {
		return 0, nil, fmt.Errorf("boot: %s not found in archive", initImageName)
	}
	image := make([]byte, e.Len)
	k.Archive.ReadAt(e.Off, e.Len, image)

	as, ok = paging.New(k.Alloc)
	if !ok {
		return 0, nil, fmt.Errorf("boot: could not allocate init's address space")
	}
	entry, err = elfload.Load(image, func(va uint32, writable bool) ([]byte, bool) {
		f, ok := k.Alloc.Alloc()
		if !ok {
			return nil, false
		}
		perms := paging.PteU
		if writable {
			perms |= paging.PteW
		}
		if !as.MapPage(va, f, perms) {
			return nil, false
		}
		return frame.Bytes(k.Alloc.Page(f))[:], true
	})
	if err != nil {
		return 0, nil, err
	}
	return entry, as, nil
}

// onPageFault is the page-fault trap handler: classify the fault via the
// faulting thread's address space and either resolve it transparently or
// hand it to the scheduler's signal path (spec.md §4.6 signal).
func (k *Kernel) onPageFault(f *trap.Frame) {
	cur := k.Sched.Current()
	// errCode bit 1 is the write flag, bit 2 is the user/supervisor flag,
	// matching the x86 page-fault error code spec.md §4.2 assumes.
	isWrite := f.ErrCode&0x2 != 0
	isUser := f.ErrCode&0x4 != 0
	switch cur.AS.OnPageFault(f.FaultAddr, isWrite, isUser, f.EIP) {
	case paging.Handled:
		k.Stats.PageFaults.Inc()
	case paging.Segv:
		k.Sched.Signal(cur, f.FaultAddr, f)
	case paging.Fatal:
		panic("page fault with no backing store")
	}
}
