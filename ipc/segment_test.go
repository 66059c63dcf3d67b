package ipc

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/natronlabs/tilecache/geom"
	"github.com/natronlabs/tilecache/store"
	"github.com/natronlabs/tilecache/tilestate"
)

func sampleLevels(t *testing.T) []*tilestate.LevelState {
	t.Helper()
	lvl, err := tilestate.Init(64, 64, geom.Rect{X1: 0, Y1: 0, X2: 128, Y2: 128})
	if err != nil {
		t.Fatalf("tilestate.Init: %v", err)
	}
	lvl.Tiles[0].Status = tilestate.RenderedHighestQuality
	lvl.Tiles[0].Channels = [4]store.InternalIndex{1, 2, 3, 4}
	lvl.Tiles[0].Owner = uuid.New()
	return []*tilestate.LevelState{lvl}
}

func TestSegment_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entry.seg")
	seg := NewSegment(path, 64, 64, nil)

	want := sampleLevels(t)
	if err := seg.Save(want, true); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, _, err := seg.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(want))
	}
	if got[0].Bounds != want[0].Bounds {
		t.Errorf("Bounds = %+v, want %+v", got[0].Bounds, want[0].Bounds)
	}
	if got[0].BoundsRounded != want[0].BoundsRounded {
		t.Errorf("BoundsRounded = %+v, want %+v", got[0].BoundsRounded, want[0].BoundsRounded)
	}
	gotTile, wantTile := got[0].Tiles[0], want[0].Tiles[0]
	if gotTile.Status != wantTile.Status {
		t.Errorf("tile[0].Status = %v, want %v", gotTile.Status, wantTile.Status)
	}
	if gotTile.Channels != wantTile.Channels {
		t.Errorf("tile[0].Channels = %v, want %v", gotTile.Channels, wantTile.Channels)
	}
	if gotTile.Owner != wantTile.Owner {
		t.Errorf("tile[0].Owner = %v, want %v", gotTile.Owner, wantTile.Owner)
	}
}

func TestSegment_Save_NeverDowngradesRenderedOverPending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entry.seg")
	seg := NewSegment(path, 64, 64, nil)

	rendered := sampleLevels(t) // tile[0] = RenderedHighestQuality
	if err := seg.Save(rendered, true); err != nil {
		t.Fatalf("initial Save: %v", err)
	}

	stale, err := tilestate.Init(64, 64, geom.Rect{X1: 0, Y1: 0, X2: 128, Y2: 128})
	if err != nil {
		t.Fatal(err)
	}
	stale.Tiles[0].Status = tilestate.Pending
	stale.Tiles[0].Owner = uuid.New()
	if err := seg.Save([]*tilestate.LevelState{stale}, false); err != nil {
		t.Fatalf("merging Save: %v", err)
	}

	got, _, err := seg.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got[0].Tiles[0].Status != tilestate.RenderedHighestQuality {
		t.Errorf("Status = %v, want RenderedHighestQuality to survive the no-downgrade merge", got[0].Tiles[0].Status)
	}
}

func TestStrongerOf_OrdersByRank(t *testing.T) {
	notRendered := tilestate.Record{Status: tilestate.NotRendered}
	pending := tilestate.Record{Status: tilestate.Pending}
	low := tilestate.Record{Status: tilestate.RenderedLowQuality}
	high := tilestate.Record{Status: tilestate.RenderedHighestQuality}

	if strongerOf(notRendered, pending).Status != tilestate.Pending {
		t.Error("pending should win over not_rendered")
	}
	if strongerOf(high, low).Status != tilestate.RenderedHighestQuality {
		t.Error("highest_quality should never be displaced by low_quality")
	}
	if strongerOf(high, pending).Status != tilestate.RenderedHighestQuality {
		t.Error("highest_quality should never be displaced by pending")
	}
}
