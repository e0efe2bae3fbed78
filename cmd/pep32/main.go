// Command pep32 is the kernel's Go-level entry point: the function a small
// assembly trampoline (outside this repo's scope, the same way biscuit's
// actual GDT/IDT-loading entry stub lives in architecture-specific glue
// not carried into biscuit/src) calls after switching to protected mode
// and handing off a BootData record.
//
// main here plays the role of that call: it is the host-testable harness
// entry point used to exercise Bootstrap end to end without real
// hardware, wiring a no-op Port (internal/irqctl.Port) in place of actual
// outb/inb instructions, the same substitution gopheros' host test builds
// make for CPUID/MSR access.
package main

import (
	"github.com/gstavenga/pep32/internal/boot"
	"github.com/gstavenga/pep32/internal/trap"
)

// nullPort stands in for the real 8259/8254 port I/O a hosted build has no
// access to; a freestanding build replaces this with one that executes
// real OUT/IN instructions.
type nullPort struct{}

func (nullPort) Out8(port uint16, val uint8) {}
func (nullPort) In8(port uint16) uint8       { return 0 }

func main() {
	bd := &boot.BootData{
		MemoryMap:   []boot.MemRegion{{Base: 0, Length: 8192, Usable: true}},
		Framebuffer: make([]uint16, 80*25),
		TotalFrames: 8192,
		Port:        nullPort{},
	}

	var frame trap.Frame
	k, err := boot.Bootstrap(bd, &frame)
	if err != nil {
		panic(err)
	}
	k.Log.Printf("pep32: init thread entering at %#x\n", frame.EIP)

	// A real build never returns from here: the assembly trampoline loads
	// frame into the CPU and IRETs into thread 1. The host harness has
	// nothing further to drive without real traps, so it stops.
}
