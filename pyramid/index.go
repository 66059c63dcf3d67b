// Package pyramid implements the mipmap pyramid lookup algorithm and
// the fetch/downscale/copy pipeline that follows it, the recursive
// core described in spec.md §4.4 and §4.6.
//
// Grounded on the teacher's internal/tile/generator.go (per-zoom-level
// worker pool, later upgraded to errgroup per the domain stack) and
// internal/tile/downsample.go (2x2 box-filter averaging, boundary
// clamping), generalized from a fixed RGBA image to an arbitrary
// channel count addressed through the store's per-channel indices.
package pyramid

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/natronlabs/tilecache/geom"
	"github.com/natronlabs/tilecache/store"
	"github.com/natronlabs/tilecache/tilestate"
)

// Outcome is Lookup's per-tile result (spec.md §4.4 steps 4a/4c/4d).
type Outcome int

const (
	// UpToDate means the tile's local view already reflects the cache
	// (already marked, already rendered, or already pending under this
	// process) and nothing new was scheduled.
	UpToDate Outcome = iota
	// Updated means this call transitioned the tile from NotRendered
	// to Pending (directly, or via the downscale-reconstruction path)
	// and scheduled work for it.
	Updated
)

func (o Outcome) String() string {
	if o == Updated {
		return "updated"
	}
	return "up_to_date"
}

// Index is the recursive "how to produce this tile" descriptor of
// spec.md §3's TileCacheIndex: a leaf carries four already-valid
// per-channel storage indices, an internal node carries four children
// at level-1 that must be downscaled first. Valid replaces the
// spec's tx==-1 sentinel for "this upscale slot falls outside the
// finer level's bounds and contributes nothing".
type Index struct {
	Valid    bool
	Level    int
	Coord    geom.Point
	Bounds   geom.Rect
	Channels [4]store.InternalIndex
	Children *[4]Index
}

// IsLeaf reports whether idx already has valid storage and needs no
// further downscaling.
func (idx *Index) IsLeaf() bool { return idx.Children == nil }

// Env is the indexed-arena collaborator Lookup operates against,
// standing in for cache.Entry without pyramid holding a back-pointer
// into it (Design Note §9).
type Env interface {
	TileSize() (int32, int32)
	IsDraft() bool
	HasExclusiveLock() bool
	ProcessUUID() uuid.UUID
	IsUUIDAlive(id uuid.UUID) bool

	// Level returns the tile-state header for level, or nil if that
	// level has not been populated yet (only legal for levels below
	// the one currently being recursed into; the target level and
	// every level actually visited must already exist).
	Level(level int) *tilestate.Header

	IsMarked(level int, coord geom.Point) bool
	Mark(level int, coord geom.Point)
	Unmark(level int, coord geom.Point)

	SetHasPendingTiles()

	Logger() logrus.FieldLogger

	// EnqueueFetch/EnqueueDownscale record scheduled work for the
	// fetch & copy pipeline (spec.md §4.6); level is the level of
	// the rendered tile found for EnqueueFetch (the target level or
	// any finer level visited for reconstruction) and the level being
	// reconstructed for EnqueueDownscale.
	EnqueueFetch(level int, coord geom.Point, rec *tilestate.Record)
	EnqueueDownscale(level int, coord geom.Point, children [4]Index)
}

func childCoords(tx, ty, tileW, tileH int32) [4]geom.Point {
	return [4]geom.Point{
		{TX: int(2 * tx), TY: int(2 * ty)},
		{TX: int(2*tx + tileW), TY: int(2 * ty)},
		{TX: int(2 * tx), TY: int(2*ty + tileH)},
		{TX: int(2*tx + tileW), TY: int(2*ty + tileH)},
	}
}
