package pyramid

import "testing"

func planeOf(v byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func TestDownsampleChannel_FourUniformChildren_AveragesToSameValue(t *testing.T) {
	const w, h = 4, 4
	children := [4][]byte{planeOf(100, w*h), planeOf(100, w*h), planeOf(100, w*h), planeOf(100, w*h)}
	out := downsampleChannel(children, w, h)
	if len(out) != w*h {
		t.Fatalf("len(out) = %d, want %d", len(out), w*h)
	}
	for i, v := range out {
		if v != 100 {
			t.Fatalf("out[%d] = %d, want 100", i, v)
		}
	}
}

func TestDownsampleChannel_MissingQuadrant_LeavesItZero(t *testing.T) {
	const w, h = 4, 4
	children := [4][]byte{planeOf(200, w*h), nil, planeOf(200, w*h), planeOf(200, w*h)}
	out := downsampleChannel(children, w, h)

	halfW, halfH := w/2, h/2
	// Top-right quadrant (the nil child) must stay zero.
	for dy := 0; dy < halfH; dy++ {
		for dx := 0; dx < halfW; dx++ {
			v := out[dy*w+halfW+dx]
			if v != 0 {
				t.Errorf("top-right quadrant pixel (%d,%d) = %d, want 0", dx, dy, v)
			}
		}
	}
	// Top-left quadrant (a present child) must be averaged.
	if out[0] != 200 {
		t.Errorf("top-left quadrant pixel (0,0) = %d, want 200", out[0])
	}
}

func TestDownsampleChannel_TwoByTwoBlockAverages(t *testing.T) {
	const w, h = 2, 2
	// A single 2x2 source block: 0, 100 / 200, 255 averages to ~139.
	src := []byte{0, 100, 200, 255}
	children := [4][]byte{src, nil, nil, nil}
	out := downsampleChannel(children, w, h)
	want := byte((uint16(0) + 100 + 200 + 255 + 2) / 4)
	if out[0] != want {
		t.Errorf("averaged pixel = %d, want %d", out[0], want)
	}
}
