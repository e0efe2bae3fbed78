package elfload

import (
	"encoding/binary"
	"testing"
)

// buildELF32 hand-assembles a minimal 32-bit little-endian ELF executable
// with a single PT_LOAD segment, since there is no standard-library ELF
// writer to build test fixtures with.
func buildELF32(t *testing.T, vaddr uint32, payload []byte) []byte {
	t.Helper()
	const ehsize = 52
	const phsize = 32
	fileOff := uint32(ehsize + phsize)

	buf := make([]byte, int(fileOff)+len(payload))
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 1 // ELFCLASS32
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)            // e_type = ET_EXEC
	le.PutUint16(buf[18:], 3)            // e_machine = EM_386
	le.PutUint32(buf[20:], 1)            // e_version
	le.PutUint32(buf[24:], vaddr)        // e_entry
	le.PutUint32(buf[28:], ehsize)       // e_phoff
	le.PutUint32(buf[32:], 0)            // e_shoff
	le.PutUint32(buf[36:], 0)            // e_flags
	le.PutUint16(buf[40:], ehsize)       // e_ehsize
	le.PutUint16(buf[42:], phsize)       // e_phentsize
	le.PutUint16(buf[44:], 1)            // e_phnum

	ph := buf[ehsize:]
	le.PutUint32(ph[0:], 1)               // p_type = PT_LOAD
	le.PutUint32(ph[4:], fileOff)         // p_offset
	le.PutUint32(ph[8:], vaddr)           // p_vaddr
	le.PutUint32(ph[12:], vaddr)          // p_paddr
	le.PutUint32(ph[16:], uint32(len(payload))) // p_filesz
	le.PutUint32(ph[20:], uint32(len(payload))) // p_memsz
	le.PutUint32(ph[24:], 7)              // p_flags = RWX
	le.PutUint32(ph[28:], 0x1000)         // p_align

	copy(buf[fileOff:], payload)
	return buf
}

func TestLoadCopiesSegmentAndReportsEntry(t *testing.T) {
	payload := []byte("kernel-loadable-init-program")
	const vaddr = 0x08048000
	image := buildELF32(t, vaddr, payload)

	pages := map[uint32][]byte{}
	mapper := func(va uint32, writable bool) ([]byte, bool) {
		p := make([]byte, 4096)
		pages[va] = p
		return p, true
	}

	entry, err := Load(image, mapper)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if entry != vaddr {
		t.Fatalf("entry = %#x, want %#x", entry, vaddr)
	}
	pageVA := uint32(vaddr &^ 0xFFF)
	page, ok := pages[pageVA]
	if !ok {
		t.Fatalf("mapper was not asked for page %#x", pageVA)
	}
	off := vaddr - pageVA
	if string(page[off:int(off)+len(payload)]) != string(payload) {
		t.Fatalf("segment data not copied into mapped page")
	}
}

func TestLoadReportsMapperFailureAsOOM(t *testing.T) {
	image := buildELF32(t, 0x08048000, []byte("x"))
	mapper := func(va uint32, writable bool) ([]byte, bool) { return nil, false }
	if _, err := Load(image, mapper); err == nil {
		t.Fatal("expected error when mapper fails")
	}
}
