// Command patchentry rewrites the entry address recorded in an ELF32
// executable's header.
//
// init.elf is linked at a fixed load address before its real entry point is
// known (the init image is built independently of the archive it will be
// packed into), so the build pipeline links it once and then patches the
// header in place — the same two-step link-then-patch trick
// kernel/chentry.go used to retarget biscuit's kernel image, adapted here
// for a 32-bit, ring-3 executable instead of a 64-bit kernel: the e_entry
// field patched is 4 bytes wide at offset 24, not 8 bytes at offset 24.
package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strconv"
)

const e32EntryOffset = 24 // Elf32_Ehdr.e_entry

func usage(me string) {
	fmt.Printf("%s <filename> <addr>\n\nChange the ELF entry point of <filename> to <addr>\n", me)
	os.Exit(1)
}

// chkELF validates that filename looks like the 32-bit ring-3 executable
// this kernel's loader (internal/elfload) expects, per spec.md §1's 32-bit
// scope.
func chkELF(fh *elf.FileHeader) {
	if fh.Class != elf.ELFCLASS32 {
		log.Fatal("not a 32 bit elf")
	}
	if fh.Data != elf.ELFDATA2LSB {
		log.Fatal("not little-endian?")
	}
	if fh.Type != elf.ET_EXEC {
		log.Fatal("not an executable elf")
	}
	if fh.Machine != elf.EM_386 {
		log.Fatal("not an i386 elf")
	}
}

func main() {
	if len(os.Args) != 3 {
		usage(os.Args[0])
	}
	fn := os.Args[1]
	addr, err := parseAddr(os.Args[2])
	if err != nil {
		log.Fatal(err)
	}
	if addr>>32 != 0 {
		log.Fatal("entry does not fit in 32 bits")
	}

	f, err := os.OpenFile(fn, os.O_RDWR, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		log.Fatal(err)
	}
	chkELF(&ef.FileHeader)

	fmt.Printf("using address 0x%x\n", addr)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(addr))
	if _, err := f.WriteAt(buf[:], e32EntryOffset); err != nil {
		log.Fatal(err)
	}
}

// parseAddr accepts decimal or 0x-prefixed hexadecimal, matching strtoul
// with base 0.
func parseAddr(s string) (uint64, error) {
	a, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return a, nil
}
