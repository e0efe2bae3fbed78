// Package kbdpipe implements the keyboard pipe referenced by spec.md §4.5
// (IrqController's keyboard handler) and §4.6 (syscall 8's fd=0 case): a
// fixed-size ring of printable bytes fed by the keyboard IRQ handler and
// drained non-blockingly by read(0, ...).
//
// It is adapted from circbuf/circbuf.go's monotonic head/tail cursor
// design (two ever-increasing counters taken modulo capacity, so Full/Empty
// never need a separate count field) but drops the page-backed allocation
// machinery that circbuf carries for user-process pipes: spec.md §4.5's
// keyboard pipe is a small, fixed, kernel-owned buffer, not something a
// thread mmaps.
package kbdpipe

import "github.com/gstavenga/pep32/internal/kconfig"

// Pipe is a single-producer (IRQ handler), single-consumer (read syscall)
// byte ring. Capacity must be a power of two for the modulo-via-mask trick;
// spec.md §8 scenario 6 exercises the drop-oldest-on-overflow rule.
type Pipe struct {
	buf        []byte
	mask       uint32
	head, tail uint32 // monotonic; head-tail (mod 2^32) is the used count
}

// New builds a pipe with capacity cap, rounded up to kconfig.KeyboardPipeSize
// if cap is zero.
func New(cap int) *Pipe {
	if cap <= 0 {
		cap = kconfig.KeyboardPipeSize
	}
	if cap&(cap-1) != 0 {
		panic("kbdpipe: capacity must be a power of two")
	}
	return &Pipe{buf: make([]byte, cap), mask: uint32(cap - 1)}
}

// Len reports the number of unread bytes currently buffered.
func (p *Pipe) Len() int { return int(p.head - p.tail) }

func (p *Pipe) full() bool { return p.Len() == len(p.buf) }

// Push appends b, called from the keyboard IRQ handler (spec.md §4.5). When
// the pipe is full the oldest byte is dropped to make room, per spec.md §8
// scenario 6 ("the keyboard pipe drops oldest on overflow").
func (p *Pipe) Push(b byte) {
	if p.full() {
		p.tail++
	}
	p.buf[p.head&p.mask] = b
	p.head++
}

// Read drains up to len(dst) buffered bytes into dst and returns the count
// read. It never blocks: an empty pipe returns 0, matching syscall 8's
// fd=0 contract in spec.md §4.6.
func (p *Pipe) Read(dst []byte) int {
	n := 0
	for n < len(dst) && p.tail != p.head {
		dst[n] = p.buf[p.tail&p.mask]
		p.tail++
		n++
	}
	return n
}
