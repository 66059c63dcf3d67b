package cache

import "sync/atomic"

// Stats is a point-in-time snapshot of an entry's lifetime render
// statistics, supplementing spec.md's operations table with the
// counters original_source/Engine/ImageCacheEntry.h keeps for
// diagnostics (spec.md §3's supplemented feature list).
type Stats struct {
	TilesFetched    int64
	TilesDownscaled int64
	TilesRendered   int64
	TilesAborted    int64
}

// statsCounter is Stats' live, concurrency-safe backing store. One
// per Entry; its fields are bumped from whichever goroutine is
// holding the entry's opMu at the time, same atomic.Int64 idiom the
// teacher uses for progressBar.processed and generator.go's
// tileCount/emptyCount/totalBytes.
type statsCounter struct {
	fetched    atomic.Int64
	downscaled atomic.Int64
	rendered   atomic.Int64
	aborted    atomic.Int64
}

func (s *statsCounter) snapshot() Stats {
	return Stats{
		TilesFetched:    s.fetched.Load(),
		TilesDownscaled: s.downscaled.Load(),
		TilesRendered:   s.rendered.Load(),
		TilesAborted:    s.aborted.Load(),
	}
}
