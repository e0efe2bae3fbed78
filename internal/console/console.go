// Package console implements the kernel console print sink of spec.md
// §4.7 (write(1,...)): an 80x25 text-mode framebuffer with scrolling, fed
// byte-at-a-time from the write syscall.
//
// Grounded on gopheros' kfmt/tty text-mode writer (direct-mapped
// framebuffer bytes, column/row cursor, scroll-on-overflow) scaled to this
// kernel's single-writer, no-ANSI-escape needs, and on biscuit/src/stat.go's
// habit of keeping device state as a small plain struct rather than a
// driver object graph.
package console

const (
	cols = 80
	rows = 25

	attr = 0x07 // light gray on black
)

// Screen is the VGA text-mode framebuffer writer. The zero value is not
// usable; construct with New.
type Screen struct {
	fb         []uint16 // cols*rows cells, each (attr<<8 | char)
	col, row   int
}

// New wraps fb (a cols*rows uint16 cell array, typically the identity-
// mapped 0xB8000 window Bootstrap leaves available) as a Screen.
func New(fb []uint16) *Screen {
	if len(fb) < cols*rows {
		panic("console: framebuffer too small for 80x25")
	}
	return &Screen{fb: fb}
}

// Write implements io.Writer, advancing the cursor and scrolling the
// framebuffer up one row when output reaches the last line — the sink
// behind spec.md §4.7's write(1,buf,len).
func (s *Screen) Write(p []byte) (int, error) {
	for _, b := range p {
		s.put(b)
	}
	return len(p), nil
}

func (s *Screen) put(b byte) {
	switch b {
	case '\n':
		s.col = 0
		s.row++
	case '\r':
		s.col = 0
	default:
		s.fb[s.row*cols+s.col] = attr<<8 | uint16(b)
		s.col++
		if s.col == cols {
			s.col = 0
			s.row++
		}
	}
	if s.row == rows {
		s.scroll()
		s.row = rows - 1
	}
}

func (s *Screen) scroll() {
	copy(s.fb, s.fb[cols:])
	blank := uint16(attr<<8 | ' ')
	for i := (rows - 1) * cols; i < rows*cols; i++ {
		s.fb[i] = blank
	}
}
