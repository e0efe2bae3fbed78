// Package elfload implements the ELF loader spec.md §1 names as an
// out-of-scope collaborator "consumed as a pure function from image bytes
// to entry point": given a flat ELF32 image and a page-mapping callback,
// install every loadable segment and report the entry point.
//
// Built directly on the standard library's debug/elf rather than a
// hand-rolled parser — spec.md itself frames this as a pure-function
// boundary the core calls into, not a subsystem whose internals the
// design argument depends on, so there is no teacher/pack ELF-walking
// code this needs to imitate; debug/elf is the ecosystem's ELF reader and
// every example repo that touches object-file formats (the demangle/pprof
// symbolication path) leans on a standard decoder the same way.
package elfload

import (
	"bytes"
	"debug/elf"
	"io"

	"github.com/gstavenga/pep32/internal/kconfig"
	"github.com/gstavenga/pep32/internal/util"
)

// Mapper installs one page's worth of segment data at virtual address va
// (writable when the segment is; the user bit is the mapper's choice),
// returning the page's bytes, or false on
// allocation failure (spec.md §4.8.5: "a mapping callback that allocates
// frames and maps them writable+user at the requested virtual addresses").
type Mapper func(va uint32, writable bool) ([]byte, bool)

// Load parses a 32-bit ELF image and, for every PT_LOAD segment, asks
// mapper for each page-aligned virtual address it spans and copies the
// segment's file bytes (zero-filling the rest, for .bss-style segments
// whose MemSize exceeds FileSize) into what mapper returns. It reports the
// image's entry point.
func Load(image []byte, mapper Mapper) (entry uint32, err error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if err := loadSegment(prog, mapper); err != nil {
			return 0, err
		}
	}
	return uint32(f.Entry), nil
}

func loadSegment(prog *elf.Prog, mapper Mapper) error {
	writable := prog.Flags&elf.PF_W != 0
	start := uint32(prog.Vaddr) &^ uint32(kconfig.PageMask)
	end := uint32(prog.Vaddr+prog.Memsz+kconfig.PageMask) &^ uint32(kconfig.PageMask)

	buf := make([]byte, prog.Filesz)
	n, _ := io.ReadFull(prog.Open(), buf)
	fileData := buf[:n]

	fileStart := uint32(prog.Vaddr)
	fileEnd := fileStart + uint32(prog.Filesz)

	for va := start; va < end; va += kconfig.PageSize {
		page, ok := mapper(va, writable)
		if !ok {
			return errOOM{}
		}
		for i := range page {
			page[i] = 0
		}
		pageLo, pageHi := va, va+kconfig.PageSize
		copyLo, copyHi := util.Max(pageLo, fileStart), util.Min(pageHi, fileEnd)
		for a := copyLo; a < copyHi; a++ {
			page[a-pageLo] = fileData[a-fileStart]
		}
	}
	return nil
}

type errOOM struct{}

func (errOOM) Error() string { return "elfload: out of frames mapping segment" }
