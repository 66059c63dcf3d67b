package cache

import (
	"github.com/sirupsen/logrus"

	"github.com/natronlabs/tilecache/geom"
)

// Policy is the cache_policy field of spec.md's ImageCacheEntry: how
// this entry may interact with the shared cache.
type Policy int

const (
	PolicyReadWrite Policy = iota
	PolicyNone
	PolicyWriteOnly
)

func (p Policy) String() string {
	switch p {
	case PolicyReadWrite:
		return "read_write"
	case PolicyNone:
		return "none"
	case PolicyWriteOnly:
		return "write_only"
	default:
		return "unknown"
	}
}

// PixelLayout describes how an Entry's four channel planes map onto a
// caller's PixelBuffer.
type PixelLayout int

const (
	LayoutRGBA PixelLayout = iota
	LayoutPlanar
)

// Config configures a new Entry. TileW/TileH and MipmapLevel are
// fixed for the entry's lifetime; PerLevelPixelROD and ROI are the
// initial values EnsureROI later grows from.
type Config struct {
	TileW, TileH int32
	MipmapLevel  int

	// PerLevelPixelROD holds the region of definition for levels
	// 0..MipmapLevel, matching spec.md's per_level_pixel_rod.
	PerLevelPixelROD []geom.Rect
	ROI              geom.Rect

	IsDraft bool

	NComps   int
	Bitdepth int
	Layout   PixelLayout

	CachePolicy Policy

	// SegmentDir/SegmentPath configure ipc.Segment's backing file when
	// the store is persistent; SegmentPath takes precedence.
	SegmentDir  string
	SegmentPath string

	Log logrus.FieldLogger
}
