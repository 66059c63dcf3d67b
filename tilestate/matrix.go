package tilestate

import (
	"fmt"

	"github.com/natronlabs/tilecache/geom"
)

// LevelState is one mipmap level's tile matrix (spec.md §3).
//
// Invariant: len(Tiles) == (BoundsRounded.Width()/tileW) *
// (BoundsRounded.Height()/tileH) whenever Tiles is non-empty. A
// LevelState with an empty Tiles is the "uninitialized" sentinel the
// first reader to take the exclusive lock must Init.
type LevelState struct {
	Bounds        geom.Rect
	BoundsRounded geom.Rect
	Tiles         []Record
}

// Header is the (tileW, tileH, *LevelState) addressing view described
// in spec.md §3: it turns pixel-space tile coordinates into row-major
// indices without LevelState itself needing to know the tile size.
type Header struct {
	TileW, TileH int32
	Level        *LevelState
}

// Cols and Rows return the matrix dimensions in tiles.
func (h Header) Cols() int32 {
	if h.TileW == 0 {
		return 0
	}
	return h.Level.BoundsRounded.Width() / h.TileW
}

func (h Header) Rows() int32 {
	if h.TileH == 0 {
		return 0
	}
	return h.Level.BoundsRounded.Height() / h.TileH
}

// GetTile returns the tile at grid-aligned pixel coordinate (tx, ty),
// or (nil, false) if it falls outside BoundsRounded. Callers must
// guarantee (tx, ty) are tile-aligned, per spec.md §4.2.
func (h Header) GetTile(tx, ty int32) (*Record, bool) {
	if h.Level == nil || len(h.Level.Tiles) == 0 {
		return nil, false
	}
	br := h.Level.BoundsRounded
	if tx < br.X1 || ty < br.Y1 || tx >= br.X2 || ty >= br.Y2 {
		return nil, false
	}
	col := (tx - br.X1) / h.TileW
	row := (ty - br.Y1) / h.TileH
	idx := row*h.Cols() + col
	if idx < 0 || int(idx) >= len(h.Level.Tiles) {
		return nil, false
	}
	return &h.Level.Tiles[idx], true
}

// Init builds a freshly-sized, all-NotRendered matrix for
// pixelBounds, per spec.md §4.2. tileW/tileH must be > 0.
func Init(tileW, tileH int32, pixelBounds geom.Rect) (*LevelState, error) {
	if tileW <= 0 || tileH <= 0 {
		return nil, fmt.Errorf("tilestate: Init: tile size must be positive, got %dx%d", tileW, tileH)
	}
	boundsRounded := pixelBounds.RoundOutward(tileW, tileH)
	cols := boundsRounded.Width() / tileW
	rows := boundsRounded.Height() / tileH
	tiles := make([]Record, cols*rows)

	for row := int32(0); row < rows; row++ {
		for col := int32(0); col < cols; col++ {
			tx := boundsRounded.X1 + col*tileW
			ty := boundsRounded.Y1 + row*tileH
			tileRect := geom.Rect{X1: tx, Y1: ty, X2: tx + tileW, Y2: ty + tileH}
			tiles[row*cols+col] = Record{
				Bounds: pixelBounds.Intersect(tileRect),
				Status: NotRendered,
			}
		}
	}

	return &LevelState{Bounds: pixelBounds, BoundsRounded: boundsRounded, Tiles: tiles}, nil
}

// Grow produces a new matrix covering the enlarged pixel bounds,
// preserving per-tile state for every tile whose clipped bounds are
// unchanged (spec.md §4.2: "tiles on the old border whose clipping
// changed are reset to NotRendered").
func (l *LevelState) Grow(tileW, tileH int32, newPixelBounds geom.Rect) (*LevelState, error) {
	if !newPixelBounds.Contains(l.Bounds) {
		return nil, fmt.Errorf("tilestate: Grow: new bounds %+v do not contain old bounds %+v", newPixelBounds, l.Bounds)
	}
	grown, err := Init(tileW, tileH, newPixelBounds)
	if err != nil {
		return nil, err
	}
	oldHeader := Header{TileW: tileW, TileH: tileH, Level: l}
	for row := int32(0); row < grown.Rows(); row++ {
		for col := int32(0); col < grown.Cols(); col++ {
			idx := row*grown.Cols() + col
			nt := &grown.Tiles[idx]
			tx := grown.BoundsRounded.X1 + col*tileW
			ty := grown.BoundsRounded.Y1 + row*tileH
			if old, ok := oldHeader.GetTile(tx, ty); ok && old.Bounds.Equal(nt.Bounds) {
				grown.Tiles[idx] = *old
			}
		}
	}
	return grown, nil
}

// ShrinkTo is a test-only helper proving the grow/shrink round-trip
// law of spec.md §8: it rebuilds a matrix at previousBounds, reusing
// Grow's clipped-bounds comparison in reverse. Not part of the public
// cache API — growth is one-directional in production use.
func (l *LevelState) ShrinkTo(tileW, tileH int32, previousBounds geom.Rect) (*LevelState, error) {
	shrunk, err := Init(tileW, tileH, previousBounds)
	if err != nil {
		return nil, err
	}
	oldHeader := Header{TileW: tileW, TileH: tileH, Level: l}
	for row := int32(0); row < shrunk.Rows(); row++ {
		for col := int32(0); col < shrunk.Cols(); col++ {
			idx := row*shrunk.Cols() + col
			nt := &shrunk.Tiles[idx]
			tx := shrunk.BoundsRounded.X1 + col*tileW
			ty := shrunk.BoundsRounded.Y1 + row*tileH
			if old, ok := oldHeader.GetTile(tx, ty); ok && old.Bounds.Equal(nt.Bounds) {
				shrunk.Tiles[idx] = *old
			}
		}
	}
	return shrunk, nil
}
