package pacedsocket

import "testing"

func TestRingWriteAndPeekRespectsCapacity(t *testing.T) {
	r := newByteRing(8)
	n := r.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	if n != 8 {
		t.Fatalf("Write returned %d, want 8 (capped by capacity)", n)
	}
	if r.Free() != 0 {
		t.Fatalf("Free() = %d, want 0", r.Free())
	}
}

func TestRingPeekAndDiscardWrapsCorrectly(t *testing.T) {
	r := newByteRing(4)
	r.Write([]byte{1, 2, 3, 4})
	r.Discard(3)
	r.Write([]byte{5, 6, 7})

	got := r.PeekUpTo(4)
	want := []byte{4, 5, 6, 7}
	if string(got) != string(want) {
		t.Fatalf("PeekUpTo = %v, want %v", got, want)
	}
}

func TestRingFillPadsWithZeros(t *testing.T) {
	r := newByteRing(4)
	r.Write([]byte{9})
	r.Fill(3)
	got := r.PeekUpTo(4)
	want := []byte{9, 0, 0, 0}
	if string(got) != string(want) {
		t.Fatalf("PeekUpTo after Fill = %v, want %v", got, want)
	}
}
