package util

import "testing"

func TestMinMax(t *testing.T) {
	if Min(3, 7) != 3 {
		t.Fatal("Min wrong")
	}
	if Max(3, 7) != 7 {
		t.Fatal("Max wrong")
	}
}

func TestRoundupRounddown(t *testing.T) {
	if Roundup(4097, 4096) != 8192 {
		t.Fatalf("Roundup(4097,4096) = %d, want 8192", Roundup(4097, 4096))
	}
	if Rounddown(4097, 4096) != 4096 {
		t.Fatalf("Rounddown(4097,4096) = %d, want 4096", Rounddown(4097, 4096))
	}
	if Roundup(4096, 4096) != 4096 {
		t.Fatal("Roundup of an already-aligned value must be a no-op")
	}
}
