package pyramid

// downsampleQuadrant box-filters a half*half block out of src (a
// tileW*tileH single-channel byte plane) into the quadrant of dst
// starting at (dstOffX, dstOffY), exactly as the teacher's
// downsampleQuadrantGrayBilinear does for one RGBA channel, generalized
// to whatever channel count the cache entry was configured with.
//
// src may be nil, meaning that child tile does not exist (an out of
// bounds quadrant at the finer level): the quadrant is then left
// untouched in dst, same as the teacher leaving transparent pixels for
// a nil child.
func downsampleQuadrant(dst []byte, dstStride, dstOffX, dstOffY int, src []byte, srcStride, tileW, tileH, halfW, halfH int) {
	if src == nil {
		return
	}
	for dy := 0; dy < halfH; dy++ {
		sy := dy * 2
		sy1 := sy + 1
		if sy1 >= tileH {
			sy1 = tileH - 1
		}
		srcRow0 := sy * srcStride
		srcRow1 := sy1 * srcStride
		dstRow := (dstOffY + dy) * dstStride
		for dx := 0; dx < halfW; dx++ {
			sx := dx * 2
			sx1 := sx + 1
			if sx1 >= tileW {
				sx1 = tileW - 1
			}
			v := (uint16(src[srcRow0+sx]) + uint16(src[srcRow0+sx1]) +
				uint16(src[srcRow1+sx]) + uint16(src[srcRow1+sx1]) + 2) / 4
			dst[dstRow+dstOffX+dx] = uint8(v)
		}
	}
}

// downsampleChannel reconstructs one channel plane of a coarser tile
// from the matching channel plane of up to 4 finer-level children, in
// childCoords order (top-left, top-right, bottom-left, bottom-right).
// A nil entry in children means that quadrant has no data and is left
// zero-filled; it is not dropped from any average. Every present child
// is read as a full tileW*tileH plane (MarkRendered stores border
// tiles padded to that size by repeating edge pixels), and each
// destination pixel is the rounded average of one 2x2 block of a
// single child.
func downsampleChannel(children [4][]byte, tileW, tileH int) []byte {
	dst := make([]byte, tileW*tileH)
	halfW := tileW / 2
	halfH := tileH / 2
	offsets := [4][2]int{{0, 0}, {halfW, 0}, {0, halfH}, {halfW, halfH}}
	for i, off := range offsets {
		downsampleQuadrant(dst, tileW, off[0], off[1], children[i], tileW, tileW, tileH, halfW, halfH)
	}
	return dst
}
