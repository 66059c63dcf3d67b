package tilestate

import (
	"testing"

	"github.com/natronlabs/tilecache/geom"
)

func TestInit_TileCountInvariant(t *testing.T) {
	bounds := geom.Rect{X1: 0, Y1: 0, X2: 300, Y2: 130}
	lvl, err := Init(64, 64, bounds)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	wantCols := lvl.BoundsRounded.Width() / 64
	wantRows := lvl.BoundsRounded.Height() / 64
	if got, want := len(lvl.Tiles), int(wantCols*wantRows); got != want {
		t.Fatalf("len(Tiles) = %d, want %d", got, want)
	}
	for i, tile := range lvl.Tiles {
		if !lvl.Bounds.Contains(tile.Bounds) && !tile.Bounds.Empty() {
			t.Errorf("tile %d bounds %+v not contained in level bounds %+v", i, tile.Bounds, lvl.Bounds)
		}
		if !lvl.BoundsRounded.Contains(tile.Bounds) {
			t.Errorf("tile %d bounds %+v not contained in rounded bounds %+v", i, tile.Bounds, lvl.BoundsRounded)
		}
		if tile.Status != NotRendered {
			t.Errorf("tile %d status = %v, want NotRendered", i, tile.Status)
		}
	}
}

func TestHeader_GetTile_OutOfBounds(t *testing.T) {
	lvl, err := Init(64, 64, geom.Rect{X1: 0, Y1: 0, X2: 128, Y2: 128})
	if err != nil {
		t.Fatal(err)
	}
	h := Header{TileW: 64, TileH: 64, Level: lvl}
	if _, ok := h.GetTile(0, 0); !ok {
		t.Error("expected tile at (0,0)")
	}
	if _, ok := h.GetTile(128, 0); ok {
		t.Error("expected no tile at (128,0), outside bounds_rounded")
	}
	if _, ok := h.GetTile(-64, 0); ok {
		t.Error("expected no tile at negative coordinate outside bounds")
	}
}

func TestGrow_PreservesUnclippedTiles(t *testing.T) {
	lvl, err := Init(64, 64, geom.Rect{X1: 0, Y1: 0, X2: 128, Y2: 128})
	if err != nil {
		t.Fatal(err)
	}
	h := Header{TileW: 64, TileH: 64, Level: lvl}
	rec, ok := h.GetTile(0, 0)
	if !ok {
		t.Fatal("missing tile")
	}
	rec.Status = RenderedHighestQuality

	grown, err := lvl.Grow(64, 64, geom.Rect{X1: 0, Y1: 0, X2: 256, Y2: 128})
	if err != nil {
		t.Fatalf("Grow: %v", err)
	}
	gh := Header{TileW: 64, TileH: 64, Level: grown}

	// (0,0) bounds did not change (still fully interior), status carries over.
	preserved, ok := gh.GetTile(0, 0)
	if !ok || preserved.Status != RenderedHighestQuality {
		t.Errorf("expected (0,0) to preserve RenderedHighestQuality, got %+v ok=%v", preserved, ok)
	}

	// (192,0) is new territory introduced by the growth; it must start
	// fresh regardless of what (0,0) carried over.
	newTile, ok := gh.GetTile(192, 0)
	if !ok {
		t.Fatal("expected new tile at (192,0) after growth")
	}
	if newTile.Status != NotRendered {
		t.Errorf("new tile should start NotRendered, got %v", newTile.Status)
	}
}

func TestGrowShrinkRoundTrip(t *testing.T) {
	original := geom.Rect{X1: 0, Y1: 0, X2: 128, Y2: 128}
	lvl, err := Init(64, 64, original)
	if err != nil {
		t.Fatal(err)
	}
	h := Header{TileW: 64, TileH: 64, Level: lvl}
	for _, p := range [][2]int32{{0, 0}, {64, 0}, {0, 64}, {64, 64}} {
		rec, _ := h.GetTile(p[0], p[1])
		rec.Status = RenderedHighestQuality
	}

	grown, err := lvl.Grow(64, 64, geom.Rect{X1: 0, Y1: 0, X2: 256, Y2: 256})
	if err != nil {
		t.Fatal(err)
	}
	shrunk, err := grown.ShrinkTo(64, 64, original)
	if err != nil {
		t.Fatal(err)
	}
	sh := Header{TileW: 64, TileH: 64, Level: shrunk}
	for _, p := range [][2]int32{{0, 0}, {64, 0}, {0, 64}, {64, 64}} {
		rec, ok := sh.GetTile(p[0], p[1])
		if !ok || rec.Status != RenderedHighestQuality {
			t.Errorf("tile %v: expected RenderedHighestQuality to survive grow;shrink_to, got %+v ok=%v", p, rec, ok)
		}
	}
}

func TestInit_RejectsNonPositiveTileSize(t *testing.T) {
	if _, err := Init(0, 64, geom.Rect{X2: 64, Y2: 64}); err == nil {
		t.Error("expected error for zero tile width")
	}
}
