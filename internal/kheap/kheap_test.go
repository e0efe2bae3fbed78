package kheap

import "testing"

func TestMallocFreeRoundTrip(t *testing.T) {
	h := Init(4096)
	b := h.Malloc(100)
	if len(b) != 100 {
		t.Fatalf("len = %d, want 100", len(b))
	}
	for i := range b {
		b[i] = byte(i)
	}
	h.Free(b)
	b2 := h.Malloc(100)
	if len(b2) != 100 {
		t.Fatalf("len = %d, want 100", len(b2))
	}
}

func TestMallocDistinctBlocksDontOverlap(t *testing.T) {
	h := Init(4096)
	a := h.Malloc(64)
	b := h.Malloc(64)
	for i := range a {
		a[i] = 0xAA
	}
	for i := range b {
		b[i] = 0xBB
	}
	for i := range a {
		if a[i] != 0xAA {
			t.Fatalf("block a corrupted at %d", i)
		}
	}
}

func TestExhaustionReturnsNil(t *testing.T) {
	h := Init(64)
	big := h.Malloc(1 << 20)
	if big != nil {
		t.Fatal("expected nil on exhaustion")
	}
}

func TestFreeCoalescesForward(t *testing.T) {
	h := Init(256)
	a := h.Malloc(32)
	b := h.Malloc(32)
	h.Free(b)
	h.Free(a)
	// After freeing both adjacent blocks, a single large allocation should
	// fit in the coalesced space.
	big := h.Malloc(200)
	if big == nil {
		t.Fatal("expected coalesced free space to satisfy a larger request")
	}
}

func TestDoubleFreePanics(t *testing.T) {
	h := Init(256)
	b := h.Malloc(32)
	h.Free(b)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	h.Free(b)
}
