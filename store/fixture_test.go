package store

import (
	"bytes"
	"context"
	"image/color"
	"testing"
)

// TestMemStore_SpillRoundTripPreservesFixtureTile exercises the
// background spill path with a real compressed WebP payload instead of
// an all-zero slice, so a bug that only shows up on non-trivial byte
// content (a stray assumption about zero padding, a truncated offset)
// would not hide behind an empty buffer.
func TestMemStore_SpillRoundTripPreservesFixtureTile(t *testing.T) {
	want := color.RGBA{R: 200, G: 40, B: 90, A: 255}
	encoded, err := EncodeFixtureTile(32, want)
	if err != nil {
		t.Fatalf("EncodeFixtureTile: %v", err)
	}

	s := NewMemStore(MemStoreConfig{
		TileSizeX:           len(encoded),
		TileSizeY:           1,
		SpillThresholdBytes: 1, // force the first allocation to spill
	})
	defer s.Close()

	handle, err := s.RetrieveAndLock(context.Background(), nil, 1)
	if err != nil {
		t.Fatalf("RetrieveAndLock: %v", err)
	}
	allocs := handle.NewAllocations()
	copy(allocs[0].Bytes, encoded)
	idx := allocs[0].Index
	if err := handle.Unlock(false); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	s.Drain()

	readHandle, err := s.RetrieveAndLock(context.Background(), []InternalIndex{idx}, 0)
	if err != nil {
		t.Fatalf("RetrieveAndLock (readback): %v", err)
	}
	got := readHandle.ExistingPointers()[0]
	if !bytes.Equal(got, encoded) {
		t.Fatalf("spilled bytes did not round-trip: got %d bytes, want %d", len(got), len(encoded))
	}

	img, err := DecodeFixtureTile(got)
	if err != nil {
		t.Fatalf("DecodeFixtureTile: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 32 {
		t.Fatalf("decoded bounds = %v, want 32x32", b)
	}
	if got := img.RGBAAt(0, 0); got != want {
		t.Errorf("decoded pixel = %+v, want %+v", got, want)
	}
}
