package frame

import "testing"

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a := New(64)
	a.MarkFree(0, 64)
	zero, ok := a.Alloc()
	if !ok {
		t.Fatal("failed to carve out zero page")
	}
	a.InitZeroPage(zero)
	return a
}

func TestAllocReducesFreeCount(t *testing.T) {
	a := newTestAllocator(t)
	before := a.FreeCount()
	f, ok := a.Alloc()
	if !ok {
		t.Fatal("alloc failed")
	}
	if a.Refcnt(f) != 1 {
		t.Fatalf("refcnt = %d, want 1", a.Refcnt(f))
	}
	if a.FreeCount() != before-1 {
		t.Fatalf("free count = %d, want %d", a.FreeCount(), before-1)
	}
}

func TestShareLifecycle(t *testing.T) {
	a := newTestAllocator(t)
	f, _ := a.Alloc()
	a.IncShare(f)
	a.IncShare(f)
	if a.Refcnt(f) != 3 {
		t.Fatalf("refcnt = %d, want 3", a.Refcnt(f))
	}
	if r := a.DecShare(f); r != 2 {
		t.Fatalf("dec_share = %d, want 2", r)
	}
	before := a.FreeCount()
	a.DecShare(f)
	if r := a.DecShare(f); r != 0 {
		t.Fatalf("dec_share = %d, want 0", r)
	}
	if a.FreeCount() != before+1 {
		t.Fatalf("frame was not returned to the free pool")
	}
}

func TestMarkReservedPinsZeroPage(t *testing.T) {
	a := newTestAllocator(t)
	if a.Refcnt(a.ZeroFrame) != 255 {
		t.Fatalf("zero page refcnt = %d, want 255", a.Refcnt(a.ZeroFrame))
	}
}

func TestOOMReportsFalse(t *testing.T) {
	a := New(4)
	a.MarkFree(0, 1)
	if _, ok := a.Alloc(); !ok {
		t.Fatal("expected first alloc to succeed")
	}
	if _, ok := a.Alloc(); ok {
		t.Fatal("expected second alloc to fail: pool exhausted")
	}
}

func TestIncDecShareOnZeroFrameNeverPanicsOrMoves(t *testing.T) {
	a := newTestAllocator(t)
	a.IncShare(a.ZeroFrame)
	if a.Refcnt(a.ZeroFrame) != 255 {
		t.Fatalf("zero frame refcnt after IncShare = %d, want unchanged 255", a.Refcnt(a.ZeroFrame))
	}
	if r := a.DecShare(a.ZeroFrame); r != 255 {
		t.Fatalf("DecShare on zero frame returned %d, want 255", r)
	}
	if a.Refcnt(a.ZeroFrame) != 255 {
		t.Fatalf("zero frame refcnt after DecShare = %d, want unchanged 255", a.Refcnt(a.ZeroFrame))
	}
}

func TestIncShareOnFreeFramePanics(t *testing.T) {
	a := newTestAllocator(t)
	f, _ := a.Alloc()
	a.DecShare(f)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic incrementing a free frame")
		}
	}()
	a.IncShare(f)
}
