// Package kheap implements the KernelHeap of spec.md §4.3: a flat
// bump/free-list allocator serving kernel-side malloc/free out of a single
// reserved byte arena, initialized once at boot with Init. The kernel is
// not reentrant (spec.md §5 — kernel paths never reschedule underneath
// themselves), so, unlike biscuit's Physmem_t, no locking is required
// here; every block carries an 8-byte header (size + free bit) directly in
// the arena, in the spirit of the teacher's habit of reinterpreting raw
// page storage in place (mem.go's Pg2bytes/pg2pmap) rather than keeping
// allocator metadata in a side table.
package kheap

import (
	"unsafe"

	"github.com/gstavenga/pep32/internal/util"
)

const headerSize = int(unsafe.Sizeof(header{}))
const wordAlign = 8

// header precedes every block (free or in use). Free blocks additionally
// store the offset of the next free block in their first four payload
// bytes, so the free list costs no extra space.
type header struct {
	size uint32 // payload size, excluding this header
	free uint32 // 1 if on the free list, 0 if allocated
}

const noFree = ^uint32(0)

// Heap is a single bump/free-list arena backing kernel malloc/free. The
// zero value is not usable; construct with Init.
type Heap struct {
	arena    []byte
	freeHead uint32 // offset of first free block's header, or noFree
}

// Init carves size bytes into one free block spanning the whole arena.
func Init(size int) *Heap {
	if size < headerSize+wordAlign {
		panic("kheap: arena too small for one block")
	}
	h := &Heap{arena: make([]byte, size), freeHead: 0}
	h.setHeader(0, uint32(size-headerSize), true)
	h.setFreeNext(0, noFree)
	return h
}

func (h *Heap) hdrAt(off uint32) *header {
	return (*header)(unsafe.Pointer(&h.arena[off]))
}

func (h *Heap) setHeader(off uint32, size uint32, free bool) {
	hd := h.hdrAt(off)
	hd.size = size
	if free {
		hd.free = 1
	} else {
		hd.free = 0
	}
}

func (h *Heap) payload(off uint32) []byte {
	start := off + uint32(headerSize)
	hd := h.hdrAt(off)
	return h.arena[start : start+hd.size]
}

func (h *Heap) freeNext(off uint32) uint32 {
	p := h.payload(off)
	return *(*uint32)(unsafe.Pointer(&p[0]))
}

func (h *Heap) setFreeNext(off uint32, next uint32) {
	p := h.payload(off)
	*(*uint32)(unsafe.Pointer(&p[0])) = next
}

// Malloc returns a byte slice of length n backed by the arena, or nil on
// exhaustion. Exhaustion is not itself a kernel panic the way frame
// exhaustion is (spec.md §7 only calls out PhysFrameAllocator/directory
// OOM as fatal); callers here are expected to propagate ENOMEM.
func (h *Heap) Malloc(n int) []byte {
	if n <= 0 {
		return nil
	}
	need := util.Roundup(uint32(n), wordAlign)
	var prev uint32 = noFree
	for off := h.freeHead; off != noFree; {
		hd := h.hdrAt(off)
		next := h.freeNext(off)
		if hd.size >= need {
			h.take(off, need, prev)
			return h.arena[off+uint32(headerSize) : off+uint32(headerSize)+uint32(n)]
		}
		prev = off
		off = next
	}
	return nil
}

// take removes the free block at off from the free list, splitting off a
// trailing remainder block when there is enough slack to make a second
// header worthwhile.
func (h *Heap) take(off, need, prev uint32) {
	hd := h.hdrAt(off)
	remaining := hd.size - need
	h.unlink(off, prev)
	if remaining >= uint32(headerSize)+wordAlign {
		newOff := off + uint32(headerSize) + need
		h.setHeader(newOff, remaining-uint32(headerSize), true)
		h.insertFree(newOff)
		hd.size = need
	}
	hd.free = 0
}

func (h *Heap) unlink(off, prev uint32) {
	next := h.freeNext(off)
	if prev == noFree {
		h.freeHead = next
	} else {
		h.setFreeNext(prev, next)
	}
}

func (h *Heap) insertFree(off uint32) {
	h.setHeader(off, h.hdrAt(off).size, true)
	h.setFreeNext(off, h.freeHead)
	h.freeHead = off
}

// Free returns a block previously returned by Malloc to the free list,
// coalescing forward with its address-order successor when that block is
// also free. (Backward coalescing is intentionally not implemented: doing
// so needs a predecessor pointer this compact a header does not carry;
// fragmentation from that gap is bounded by the kernel's own allocation
// pattern, which never frees in an order that depends on it.)
func (h *Heap) Free(b []byte) {
	if len(b) == 0 {
		return
	}
	off := h.offsetOf(b)
	hd := h.hdrAt(off)
	if hd.free != 0 {
		panic("kheap: double free")
	}
	nextOff := off + uint32(headerSize) + hd.size
	if int(nextOff)+headerSize <= len(h.arena) {
		nh := h.hdrAt(nextOff)
		if nh.free != 0 {
			h.removeFromFreeList(nextOff)
			hd.size += uint32(headerSize) + nh.size
		}
	}
	h.insertFree(off)
}

func (h *Heap) removeFromFreeList(off uint32) {
	var prev uint32 = noFree
	for o := h.freeHead; o != noFree; {
		n := h.freeNext(o)
		if o == off {
			h.unlink(o, prev)
			return
		}
		prev = o
		o = n
	}
}

func (h *Heap) offsetOf(b []byte) uint32 {
	base := uintptr(unsafe.Pointer(&b[0])) - uintptr(unsafe.Pointer(&h.arena[0]))
	off := uint32(base) - uint32(headerSize)
	if int(off) < 0 || int(off) >= len(h.arena) {
		panic("kheap: free of a pointer this heap did not allocate")
	}
	return off
}

// Size reports the arena's total byte size.
func (h *Heap) Size() int { return len(h.arena) }
