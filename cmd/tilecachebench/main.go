// Command tilecachebench drives the tile cache end to end against a
// synthetic render workload, printing statistics totalled over all
// entries. It exists
// to exercise cache.Entry the way a real compositing engine would,
// without depending on one.
package main

import (
	"context"
	"flag"
	"fmt"
	"image/color"
	"log"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/natronlabs/tilecache/cache"
	"github.com/natronlabs/tilecache/geom"
	"github.com/natronlabs/tilecache/locker"
	"github.com/natronlabs/tilecache/store"
)

func main() {
	var (
		width       int
		height      int
		tileSize    int
		mipmapLevel int
		entries     int
		writers     int
		draft       bool
		persistent  bool
		segmentDir  string
		verbose     bool
		seed        int64
		noSpill     bool
	)

	flag.IntVar(&width, "width", 1024, "Synthetic image width in pixels")
	flag.IntVar(&height, "height", 1024, "Synthetic image height in pixels")
	flag.IntVar(&tileSize, "tile-size", 256, "Tile size in pixels")
	flag.IntVar(&mipmapLevel, "mipmap-level", 2, "Number of mipmap levels below full resolution")
	flag.IntVar(&entries, "entries", 1, "Number of distinct cache entries (images) to simulate")
	flag.IntVar(&writers, "writers", runtime.NumCPU(), "Concurrent renderers per entry")
	flag.BoolVar(&draft, "draft", false, "Render at draft (low) quality")
	flag.BoolVar(&persistent, "persistent", false, "Keep tile state in cross-process segment files (tile bytes stay in the in-memory store)")
	flag.StringVar(&segmentDir, "segment-dir", "", "Directory for segment files when -persistent is set (default: a temp dir)")
	flag.BoolVar(&verbose, "verbose", false, "Verbose logging")
	flag.Int64Var(&seed, "seed", 1, "Random seed for the synthetic fill color of each writer")
	flag.BoolVar(&noSpill, "no-spill", false, "Disable disk spilling (keep all tile bytes resident)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tilecachebench [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Exercise the tiled mipmap image cache against a synthetic workload.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := logrus.New()
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}

	if segmentDir == "" {
		dir, err := os.MkdirTemp("", "tilecachebench-")
		if err != nil {
			fatalf("creating segment dir: %v", err)
		}
		defer os.RemoveAll(dir)
		segmentDir = dir
	}

	var spillThreshold int64
	if !noSpill {
		spillThreshold = store.ComputeSpillThreshold(store.DefaultMemoryPressureFraction, logger)
	}

	st := store.NewMemStore(store.MemStoreConfig{
		TileSizeX:           tileSize,
		TileSizeY:           tileSize,
		Persistent:          persistent,
		SpillThresholdBytes: spillThreshold,
		Log:                 logger,
	})
	lk := locker.New(logger)
	reg := cache.NewRegistry()

	rng := rand.New(rand.NewSource(seed))
	start := time.Now()

	var total cache.Stats
	for i := 0; i < entries; i++ {
		key := cache.ComputeKey(uint64(i), 0, 1.0, 0)
		stats := runEntry(st, lk, reg, key, width, height, tileSize, mipmapLevel, draft, writers, segmentDir, rng, logger)
		total.TilesFetched += stats.TilesFetched
		total.TilesDownscaled += stats.TilesDownscaled
		total.TilesRendered += stats.TilesRendered
		total.TilesAborted += stats.TilesAborted
	}

	fmt.Printf("entries=%d writers=%d elapsed=%v\n", entries, writers, time.Since(start).Round(time.Millisecond))
	fmt.Printf("tiles rendered=%d downscaled=%d fetched=%d aborted=%d\n",
		total.TilesRendered, total.TilesDownscaled, total.TilesFetched, total.TilesAborted)
}

func runEntry(st *store.MemStore, lk *locker.Locker, reg *cache.Registry, key uint64, width, height, tileSize, mipmapLevel int, draft bool, writers int, segmentDir string, rng *rand.Rand, log *logrus.Logger) cache.Stats {
	ctx := context.Background()

	perLevelROD := make([]geom.Rect, mipmapLevel+1)
	w, h := int32(width), int32(height)
	for lvl := 0; lvl <= mipmapLevel; lvl++ {
		perLevelROD[lvl] = geom.Rect{X1: 0, Y1: 0, X2: w, Y2: h}
		w = (w + 1) / 2
		h = (h + 1) / 2
	}

	cfg := cache.Config{
		TileW:            int32(tileSize),
		TileH:            int32(tileSize),
		MipmapLevel:      mipmapLevel,
		PerLevelPixelROD: perLevelROD,
		ROI:              perLevelROD[mipmapLevel],
		IsDraft:          draft,
		NComps:           4,
		Bitdepth:         8,
		Layout:           cache.LayoutRGBA,
		CachePolicy:      cache.PolicyReadWrite,
		SegmentDir:       segmentDir,
		Log:              log,
	}

	entry, err := cache.NewEntry(ctx, key, st, lk, reg, cfg)
	if err != nil {
		fatalf("NewEntry: %v", err)
	}
	defer func() {
		if err := entry.Close(); err != nil {
			log.WithError(err).Warn("tilecachebench: close")
		}
	}()

	done := make(chan error, writers)
	for w := 0; w < writers; w++ {
		go func() {
			snap, err := entry.FetchAndUpdateStatus(ctx, false)
			if err != nil {
				done <- err
				return
			}
			if !snap.HasUnrendered && !snap.HasPending {
				done <- nil
				return
			}
			c := color.RGBA{
				R: byte(rng.Intn(256)), G: byte(rng.Intn(256)),
				B: byte(rng.Intn(256)), A: 255,
			}
			buf := cache.NewRGBABuffer(cfg.ROI)
			fillBuffer(buf, cfg.ROI, c)
			done <- entry.MarkRendered(ctx, buf)
		}()
	}
	for w := 0; w < writers; w++ {
		if err := <-done; err != nil {
			fatalf("render: %v", err)
		}
	}

	if _, err := entry.WaitForPending(ctx); err != nil {
		fatalf("WaitForPending: %v", err)
	}

	return entry.Stats()
}

func fillBuffer(buf *cache.RGBABuffer, bounds geom.Rect, c color.RGBA) {
	w := int(bounds.Width())
	h := int(bounds.Height())
	planes := [4]byte{c.R, c.G, c.B, c.A}
	for ch := 0; ch < 4; ch++ {
		plane := make([]byte, w*h)
		for i := range plane {
			plane[i] = planes[ch]
		}
		buf.CopyIn(bounds, ch, plane)
	}
}

func fatalf(format string, args ...any) {
	log.Fatalf(format, args...)
}
