// Package trap implements the TrapTable of spec.md §4.4: a 256-entry
// static dispatch table from CPU vector number to handler, plus the
// register-frame model every handler receives (spec.md §9 "Save state
// from trap frame").
//
// The Frame layout is grounded on original_source/src/arch/x86/thread.cpp's
// Regs (a 32-bit pusha-order register set plus the CPU-pushed interrupt
// frame) and on gopheros' gate/gate_amd64.go Registers (the Go-side
// register snapshot struct, scaled to 32 bits here per spec.md §1's
// 32-bit scope). Table construction follows gopheros' irq/handler_amd64.go
// pattern of registering handlers into fixed vector slots rather than
// hand-writing 256 entries, and original_source/src/arch/x86/traps.cpp's
// per-vector signal/name table for diagnostics (SPEC_FULL.md item D.5).
package trap

import "fmt"

// Frame is the canonical thread state while executing in the kernel: the
// general-purpose registers the entry stub saves (in pusha order) plus the
// CPU-pushed interrupt frame. It is opaque to portable code except for two
// contracts spec.md §3 calls out: EAX becomes the syscall return value, and
// CS/DS/ES/FS/GS/SS select kernel-mode vs. user-mode resumption.
type Frame struct {
	GS, FS, ES, DS               uint32
	EDI, ESI, EBP, EBX, EDX, ECX, EAX uint32
	IntNo, ErrCode               uint32
	EIP, CS, EFlags              uint32
	UserESP, UserSS              uint32 // valid only on a privilege-level change
	FaultAddr                    uint32 // CR2; valid only for vector 14 (page fault)
}

// SetReturn stores v as the value EAX will hold on resumption — the
// syscall return value contract of spec.md §3.
func (f *Frame) SetReturn(v uint32) { f.EAX = v }

// IsUserMode reports whether this frame will resume execution in ring 3,
// inferred from the low two bits ("requested privilege level") of CS.
func (f *Frame) IsUserMode() bool { return f.CS&0x3 == 3 }

// Handler processes a trapped vector. The handler may modify frame --
// this is how fork returns 0 in the child and the child tid in the parent
// from the same syscall (spec.md §4.4).
type Handler func(vector int, frame *Frame)

// Signal names the POSIX-style signal a generic CPU exception would raise
// in a Unix-derived kernel, carried from original_source/traps.cpp's
// GenericException table (SPEC_FULL.md item D.5) purely for panic messages.
type Signal int

const (
	SIGFPE Signal = iota
	SIGTRAP
	SIGSEGV
	SIGILL
	SIGBUS
	sigNone Signal = -1
)

func (s Signal) String() string {
	switch s {
	case SIGFPE:
		return "SIGFPE"
	case SIGTRAP:
		return "SIGTRAP"
	case SIGSEGV:
		return "SIGSEGV"
	case SIGILL:
		return "SIGILL"
	case SIGBUS:
		return "SIGBUS"
	default:
		return "none"
	}
}

type exceptionInfo struct {
	signal Signal
	name   string
}

// exceptions enumerates vectors 0-17 exactly as spec.md §4.4's table
// groups them, with names/signals carried from the original C++ table.
var exceptions = [18]exceptionInfo{
	{SIGFPE, "divide error"},
	{sigNone, "debug"},
	{sigNone, "non-maskable interrupt"},
	{SIGTRAP, "int3"},
	{SIGSEGV, "overflow"},
	{SIGSEGV, "bounds"},
	{SIGILL, "invalid operand"},
	{SIGSEGV, "device not available"},
	{sigNone, "double fault"},
	{SIGFPE, "coprocessor segment overrun"},
	{SIGSEGV, "invalid TSS"},
	{SIGBUS, "segment not present"},
	{SIGBUS, "stack segment"},
	{sigNone, "general protection"},
	{sigNone, "page fault"},
	{SIGSEGV, "reserved"},
	{sigNone, "coprocessor error"},
	{SIGSEGV, "alignment check"},
}

const (
	vecPageFault = 14
	// vecReserved (15) is Intel-reserved, never assigned a meaning; spec.md
	// §4.4 groups it with 18-31 under unknown_exception rather than the
	// generic-exception table.
	vecReserved = 15
	vecIRQLo    = 32
	vecIRQHi    = 47
	vecSyscall  = 0x80
)

var dedicatedPanicVectors = map[int]string{
	1:  "debug exception",
	2:  "non-maskable interrupt",
	8:  "double fault",
	13: "general protection fault",
	16: "x87 floating point exception",
}

// Table is the 256-entry vector dispatch table (spec.md §4.4).
type Table struct {
	handlers [256]Handler
}

// NewStandard builds the trap table per spec.md §4.4's assignment rule.
// pageFault, irqDispatch, and syscallDispatch are the three vectors whose
// behavior depends on other kernel subsystems (AddressSpace, IrqController,
// SyscallDispatcher); every other vector is wired to a fixed, panicking (or
// ignoring) handler here.
func NewStandard(pageFault, irqDispatch, syscallDispatch Handler) *Table {
	t := &Table{}
	for v := 0; v < 256; v++ {
		t.handlers[v] = ignore
	}
	for v := 0; v < 18; v++ {
		if _, dedicated := dedicatedPanicVectors[v]; dedicated {
			t.handlers[v] = dedicatedPanic(v)
			continue
		}
		if v == vecPageFault || v == vecReserved {
			continue
		}
		t.handlers[v] = genericException
	}
	t.handlers[vecReserved] = unknownException
	for v := 18; v < 32; v++ {
		t.handlers[v] = unknownException
	}
	t.handlers[vecPageFault] = pageFault
	for v := vecIRQLo; v <= vecIRQHi; v++ {
		t.handlers[v] = irqDispatch
	}
	t.handlers[vecSyscall] = syscallDispatch
	return t
}

// Dispatch invokes the handler registered for vector against frame,
// exactly as the low-level entry stub would after pushing the canonical
// register frame (spec.md §4.4).
func (t *Table) Dispatch(vector int, frame *Frame) {
	h := t.handlers[vector]
	if h == nil {
		h = ignore
	}
	h(vector, frame)
}

// Install overrides the handler for a single vector; used by tests. The
// IRQ vectors 32-47 are wired by NewStandard's irqDispatch argument, so no
// concrete driver logic is baked into this package.
func (t *Table) Install(vector int, h Handler) { t.handlers[vector] = h }

func ignore(vector int, frame *Frame) {}

func genericException(vector int, frame *Frame) {
	info := exceptions[vector]
	panic(fmt.Sprintf("unhandled exception vector %d (%s), signal %s", vector, info.name, info.signal))
}

func unknownException(vector int, frame *Frame) {
	panic(fmt.Sprintf("unknown exception vector %d", vector))
}

func dedicatedPanic(vector int) Handler {
	name := dedicatedPanicVectors[vector]
	return func(v int, frame *Frame) {
		panic(fmt.Sprintf("%s (vector %d) at eip=%#x", name, v, frame.EIP))
	}
}
