// Package irqctl implements the IrqController of spec.md §4.5: remapping
// the two cascaded 8259 PICs to vectors 32-47, programming the PIT for a
// 1000 Hz tick, and dispatching to a 16-entry per-IRQ handler table with
// spurious-interrupt detection.
//
// PIC/PIT port addresses and the divisor arithmetic against the 1193182 Hz
// crystal are carried from original_source/src/arch/x86/irq.cpp's
// InitializePic/InitializePit (SPEC_FULL.md item D.3 — spec.md §4.5 only
// says "programs the timer for 1000 Hz," not the divisor math). The
// spurious-IRQ shortcut (irq_bit == 0x80, i.e. IRQ 7 or 15) is the same
// file's dispatch routine (item D.4). The handler-table/dispatch shape
// mirrors gopheros' irq package (fixed-size handler array, Register/Enable/
// Disable by line number) scaled down from APIC to dual-8259 routing.
//
// Handlers run with other lines unmasked, and the depth to which IRQ
// handlers may nest is not bounded.
package irqctl

import (
	"github.com/gstavenga/pep32/internal/kbdpipe"
	"github.com/gstavenga/pep32/internal/kconfig"
	"golang.org/x/text/encoding/charmap"
)

// Port is the abstraction over raw I/O port access (outb/inb), injected so
// this package is host-testable without real hardware — the same
// function-variable substitution style gopheros uses for CPUID/MSR access
// in its host-test builds.
type Port interface {
	Out8(port uint16, val uint8)
	In8(port uint16) uint8
}

const (
	picMasterCmd  = 0x20
	picMasterData = 0x21
	picSlaveCmd   = 0xA0
	picSlaveData  = 0xA1

	icw1Init  = 0x11
	icw4_8086 = 0x01
	picEOI    = 0x20
	ocw3ISR   = 0x0B // OCW3: command-port reads return the in-service register

	pitChannel0 = 0x40
	pitCommand  = 0x43
	pitCmdHz    = 0x36 // channel 0, lobyte/hibyte, mode 3 (square wave), binary

	// spurious IRQs are reported on the last line of whichever controller
	// owns it: IRQ 7 (master) or IRQ 15 (slave).
	spuriousMaster = 7
	spuriousSlave  = 15
)

// Handler processes one IRQ line with interrupts enabled, so other lines
// may nest (spec.md §4.5 step 3).
type Handler func()

// Controller owns the remapped PIC state, the free-running tick counter,
// and keyboard scancode translation (spec.md §4.5).
type Controller struct {
	port     Port
	handlers [16]Handler
	masked   uint16 // bit i set => line i is currently masked

	Ticks uint64

	kbd   *kbdpipe.Pipe
	shift bool
	caps  bool
	alt   bool
}

// New remaps the PICs to vectors 32-47, masks every line, and programs the
// PIT for kconfig.TimerHz (spec.md §4.5 Initialization).
func New(port Port, kbd *kbdpipe.Pipe) *Controller {
	c := &Controller{port: port, masked: 0xFFFF, kbd: kbd}
	c.remap()
	c.programPIT(kconfig.TimerHz)
	c.Register(0, c.handleTimer)
	c.Register(1, c.handleKeyboard)
	return c
}

func (c *Controller) remap() {
	p := c.port
	p.Out8(picMasterCmd, icw1Init)
	p.Out8(picSlaveCmd, icw1Init)
	p.Out8(picMasterData, kconfig.IRQBase)      // master offset: vector 32
	p.Out8(picSlaveData, kconfig.IRQBase+8)     // slave offset: vector 40
	p.Out8(picMasterData, 1<<2)                 // tell master slave is on IRQ2
	p.Out8(picSlaveData, 2)                     // tell slave its cascade identity
	p.Out8(picMasterData, icw4_8086)
	p.Out8(picSlaveData, icw4_8086)
	p.Out8(picMasterData, 0xFF)
	p.Out8(picSlaveData, 0xFF)
	p.Out8(picMasterCmd, ocw3ISR)
	p.Out8(picSlaveCmd, ocw3ISR)
}

// programPIT loads channel 0 with the divisor that yields hz ticks/second
// from the 1193182 Hz crystal (SPEC_FULL.md item D.3).
func (c *Controller) programPIT(hz int) {
	const crystal = 1193182
	div := uint16(crystal / hz)
	c.port.Out8(pitCommand, pitCmdHz)
	c.port.Out8(pitChannel0, uint8(div&0xFF))
	c.port.Out8(pitChannel0, uint8(div>>8))
}

// Register installs the handler for IRQ line irq (0-15).
func (c *Controller) Register(irq int, h Handler) { c.handlers[irq] = h }

// Unmask enables delivery of IRQ line irq.
func (c *Controller) Unmask(irq int) {
	c.masked &^= 1 << uint(irq)
	c.applyMask()
}

func (c *Controller) mask(irq int) {
	c.masked |= 1 << uint(irq)
	c.applyMask()
}

func (c *Controller) applyMask() {
	c.port.Out8(picMasterData, uint8(c.masked))
	c.port.Out8(picSlaveData, uint8(c.masked>>8))
}

// isSpurious reports whether the service register on the controller owning
// irq has the corresponding bit clear, meaning the line did not actually
// request service (SPEC_FULL.md item D.4). Only IRQ 7 and 15 are checked;
// for them bit 7 (0x80) of the owning controller's in-service register,
// which remap selects for command-port reads, is tested.
func (c *Controller) isSpurious(irq int) bool {
	switch irq {
	case spuriousMaster:
		return c.port.In8(picMasterCmd)&0x80 == 0
	case spuriousSlave:
		return c.port.In8(picSlaveCmd)&0x80 == 0
	}
	return false
}

// Dispatch handles IRQ line irq exactly per spec.md §4.5's three-step
// protocol: slave acknowledgement, spurious detection, then mask/EOI/call/
// unmask around the registered handler.
func (c *Controller) Dispatch(irq int) {
	if irq >= 8 {
		c.port.Out8(picSlaveCmd, picEOI)
	}
	if c.isSpurious(irq) {
		return // drop without acknowledging the master
	}
	c.mask(irq)
	c.port.Out8(picMasterCmd, picEOI)
	if h := c.handlers[irq]; h != nil {
		h()
	}
	c.Unmask(irq)
}

func (c *Controller) handleTimer() { c.Ticks++ }

// scancode translation tables: index is the make-code (key-down) byte from
// the PS/2 controller. Two tables per spec.md §4.5 ("applies shift/caps-
// lock state via two translation tables").
var lowerTable = buildUSLayout(false)
var upperTable = buildUSLayout(true)

const (
	scanLeftShift  = 0x2A
	scanRightShift = 0x36
	scanCapsLock   = 0x3A
	scanLeftAlt    = 0x38
	scanReleaseBit = 0x80
)

// extended decodes the CodePage437 byte altTable produces for an
// alt-layer letter into the rune it actually represents, the same decoder
// the original IBM PC BIOS character ROM used for its upper 128 codepoints
// — SPEC_FULL.md's grounding for x/text/encoding/charmap.
var extended = charmap.CodePage437.NewDecoder()

// altRow pairs a letter key's make-code with the CodePage437 byte its
// alt-layer (SPEC_FULL.md: a minimal European-accent layer, the role a
// physical keyboard's AltGr layer plays) produces.
type altRow struct {
	code  int
	cp437 byte
}

// altLayout covers a handful of accented Latin letters common to European
// keyboard layouts; everything else on the alt layer is unmapped.
var altLayout = []altRow{
	{0x1E, 0x84}, // a -> ä
	{0x18, 0x94}, // o -> ö
	{0x16, 0x81}, // u -> ü
	{0x12, 0x82}, // e -> é
	{0x31, 0xA4}, // n -> ñ
	{0x2E, 0x87}, // c -> ç
}

var altTable = buildAltLayout()

func buildAltLayout() [128]byte {
	var t [128]byte
	for _, row := range altLayout {
		t[row.code] = row.cp437
	}
	return t
}

// pushDecoded decodes a CodePage437 byte (always >= 0x80 for the rows in
// altLayout) into its real character encoding and pushes every resulting
// byte, since the decoded form may be more than one byte.
func (c *Controller) pushDecoded(cp437 byte) {
	out, err := extended.Bytes([]byte{cp437})
	if err != nil {
		return
	}
	for _, b := range out {
		c.kbd.Push(b)
	}
}

func (c *Controller) handleKeyboard() {
	sc := c.port.In8(0x60)
	released := sc&scanReleaseBit != 0
	code := sc &^ scanReleaseBit

	switch code {
	case scanLeftShift, scanRightShift:
		c.shift = !released
		return
	case scanCapsLock:
		if !released {
			c.caps = !c.caps
		}
		return
	case scanLeftAlt:
		c.alt = !released
		return
	}
	if released {
		return
	}

	if c.alt && int(code) < len(altTable) {
		if cp := altTable[code]; cp != 0 {
			c.pushDecoded(cp)
			return
		}
	}

	upper := c.shift != c.caps
	var table [128]byte
	if upper {
		table = upperTable
	} else {
		table = lowerTable
	}
	if int(code) >= len(table) {
		return
	}
	ch := table[code]
	if ch == 0 {
		return
	}
	c.kbd.Push(ch)
}

// usScanRow pairs a set-1 make-code with its unshifted/shifted characters.
type usScanRow struct {
	code         int
	lower, upper byte
}

// usLayout is the printable subset of a US QWERTY set-1 scancode table.
var usLayout = []usScanRow{
	{0x29, '`', '~'}, {0x02, '1', '!'}, {0x03, '2', '@'}, {0x04, '3', '#'},
	{0x05, '4', '$'}, {0x06, '5', '%'}, {0x07, '6', '^'}, {0x08, '7', '&'},
	{0x09, '8', '*'}, {0x0A, '9', '('}, {0x0B, '0', ')'}, {0x0C, '-', '_'},
	{0x0D, '=', '+'},
	{0x10, 'q', 'Q'}, {0x11, 'w', 'W'}, {0x12, 'e', 'E'}, {0x13, 'r', 'R'},
	{0x14, 't', 'T'}, {0x15, 'y', 'Y'}, {0x16, 'u', 'U'}, {0x17, 'i', 'I'},
	{0x18, 'o', 'O'}, {0x19, 'p', 'P'}, {0x1A, '[', '{'}, {0x1B, ']', '}'},
	{0x1E, 'a', 'A'}, {0x1F, 's', 'S'}, {0x20, 'd', 'D'}, {0x21, 'f', 'F'},
	{0x22, 'g', 'G'}, {0x23, 'h', 'H'}, {0x24, 'j', 'J'}, {0x25, 'k', 'K'},
	{0x26, 'l', 'L'}, {0x27, ';', ':'}, {0x28, '\'', '"'},
	{0x2B, '\\', '|'}, {0x2C, 'z', 'Z'}, {0x2D, 'x', 'X'}, {0x2E, 'c', 'C'},
	{0x2F, 'v', 'V'}, {0x30, 'b', 'B'}, {0x31, 'n', 'N'}, {0x32, 'm', 'M'},
	{0x33, ',', '<'}, {0x34, '.', '>'}, {0x35, '/', '?'},
	{0x39, ' ', ' '}, {0x1C, '\n', '\n'},
}

// buildUSLayout fills in the printable set-1 scancodes of a US QWERTY
// layout. Non-printable and unmapped codes are left at 0.
func buildUSLayout(shifted bool) [128]byte {
	var t [128]byte
	for _, row := range usLayout {
		if shifted {
			t[row.code] = row.upper
		} else {
			t[row.code] = row.lower
		}
	}
	return t
}
