// Package tilestate implements the per-mipmap-level tile state matrix
// (spec.md §3, §4.2): TileRecord, TilesLevelState, and the
// TileStateHeader addressing view.
//
// Grounded on the teacher's internal/tile/tiledata.go (per-tile record
// shape, uniform/non-uniform duality) and internal/cog/tilecache.go
// (row/column index arithmetic), generalized from "one RGBA image per
// tile" to "four per-channel storage indices per tile".
package tilestate

import (
	"github.com/google/uuid"

	"github.com/natronlabs/tilecache/geom"
	"github.com/natronlabs/tilecache/store"
)

// Status is a tile's lifecycle state (spec.md §4.5).
type Status uint8

const (
	NotRendered Status = iota
	Pending
	RenderedLowQuality
	RenderedHighestQuality
)

func (s Status) String() string {
	switch s {
	case NotRendered:
		return "not_rendered"
	case Pending:
		return "pending"
	case RenderedLowQuality:
		return "rendered_low_quality"
	case RenderedHighestQuality:
		return "rendered_highest_quality"
	default:
		return "unknown"
	}
}

// IsRendered reports whether s is either rendered quality.
func (s Status) IsRendered() bool {
	return s == RenderedLowQuality || s == RenderedHighestQuality
}

// CanClaim reports whether a tile in status s may transition to
// Pending for the current process (spec.md §4.5: only NotRendered can
// be claimed; an abandoned Pending tile must first be demoted to
// NotRendered by the liveness check before it can be reclaimed).
func (s Status) CanClaim() bool {
	return s == NotRendered
}

// Record is one tile's state at one mipmap level (spec.md §3).
//
// Channels' four entries are all valid while Status is Rendered*. A
// NotRendered or Pending tile may still hold the indices of an earlier
// render (a reclaimed or aborted tile keeps them), and MarkRendered
// reuses them; they are not reset to store.InvalidIndex. Owner is
// meaningful only while Status == Pending.
type Record struct {
	Bounds   geom.Rect
	Status   Status
	Channels [4]store.InternalIndex
	Owner    uuid.UUID
}

// HasValidStorage reports whether all four channel slots are
// allocated.
func (r Record) HasValidStorage() bool {
	for _, c := range r.Channels {
		if c == store.InvalidIndex {
			return false
		}
	}
	return true
}

// Clone returns a value copy (Record has no reference fields besides
// the fixed-size Channels array, so a plain copy suffices; Clone
// exists for readability at call sites that snapshot a tile).
func (r Record) Clone() Record { return r }
