// Package tarfs implements the read-only initial filesystem of spec.md §6:
// a POSIX ustar archive, block size 512, concatenated entries terminated
// by a zero-filled header, held entirely in RAM and looked up by exact
// filename match.
//
// This is named as an out-of-scope pure-function collaborator in spec.md
// §1, but SPEC_FULL.md §A supplements it with a real implementation so
// Bootstrap's "locate init.elf in the archive by name" step (spec.md
// §4.8.5) has something concrete to call. It does not use archive/tar
// directly: that package is built around streaming io.Reader access, while
// this kernel only ever has the whole archive sitting in one contiguous
// in-RAM byte range (spec.md §6 Ramdisk format) — so the header layout is
// read directly off the raw 512-byte blocks, in the table-driven style
// gopheros' device/acpi/table package uses for other fixed binary headers.
package tarfs

import "github.com/gstavenga/pep32/internal/util"

const (
	blockSize  = 512
	nameOffset = 0
	nameSize   = 100
	sizeOffset = 124
	sizeSize   = 12
	magicOffset = 257
)

// Entry is one located file's extent within the archive.
type Entry struct {
	Name string
	Off  int // byte offset of file data within the archive
	Len  int // file size in bytes
}

// Archive is an in-RAM ustar image (spec.md §6 Ramdisk format).
type Archive struct {
	data []byte
}

// Open wraps data as an Archive; data is not copied.
func Open(data []byte) *Archive { return &Archive{data: data} }

// Lookup scans the archive for an entry whose name matches exactly,
// returning its data extent (spec.md §6 "Lookup is by exact filename
// match").
func (a *Archive) Lookup(name string) (Entry, bool) {
	off := 0
	for off+blockSize <= len(a.data) {
		hdr := a.data[off : off+blockSize]
		if isZeroBlock(hdr) {
			break // terminating zero-filled header
		}
		entryName := cString(hdr[nameOffset : nameOffset+nameSize])
		size := parseOctal(hdr[sizeOffset : sizeOffset+sizeSize])
		dataOff := off + blockSize
		if entryName == name {
			return Entry{Name: name, Off: dataOff, Len: size}, true
		}
		off = dataOff + util.Roundup(size, blockSize)
	}
	return Entry{}, false
}

// ReadAt copies up to length bytes starting at byte offset off in the
// archive into dst, returning the count copied — the Archive
// implementation internal/syscall.Dispatcher reads fd>0 data through
// (spec.md §4.7 read(fd>0,...)).
func (a *Archive) ReadAt(off, length int, dst []byte) int {
	if off < 0 || off >= len(a.data) {
		return 0
	}
	end := off + length
	if end > len(a.data) {
		end = len(a.data)
	}
	return copy(dst, a.data[off:end])
}

func isZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// parseOctal reads a ustar-style NUL/space-terminated octal size field.
func parseOctal(b []byte) int {
	n := 0
	for _, c := range b {
		if c < '0' || c > '7' {
			break
		}
		n = n*8 + int(c-'0')
	}
	return n
}

