// Package cache implements the Image Cache Entry collaborator of
// spec.md §3/§4.3: the per-image object a render asks "what of this
// region do you already have, and what must I compute" and later
// tells "here is what I computed."
//
// Grounded on the teacher's internal/tile/generator.go (the
// orchestration object coordinating a worker pool against a shared
// tile store) and internal/cog/tilecache.go (per-key locking around a
// lazily-initialized resource), wired to the pyramid package for the
// recursive lookup/reconstruction algorithm and to ipc/locker/store
// for the cross-process handshake.
package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/natronlabs/tilecache/errs"
	"github.com/natronlabs/tilecache/geom"
	"github.com/natronlabs/tilecache/ipc"
	"github.com/natronlabs/tilecache/locker"
	"github.com/natronlabs/tilecache/pyramid"
	"github.com/natronlabs/tilecache/store"
	"github.com/natronlabs/tilecache/tilestate"
)

// Snapshot is the point-in-time view GetStatus/FetchAndUpdateStatus
// hand back to a caller deciding what to render.
type Snapshot struct {
	MipmapLevel   int
	Tiles         map[geom.Point]tilestate.Status
	HasUnrendered bool
	HasPending    bool
}

type leafKey struct {
	level int
	coord geom.Point
}

type fetchRequest struct {
	level    int
	coord    geom.Point
	bounds   geom.Rect
	channels [4]store.InternalIndex
}

type downscaleRoot struct {
	level    int
	coord    geom.Point
	children [4]pyramid.Index
}

// Entry is one ImageCacheEntry: the state spec.md §3 lists, plus the
// scratch bookkeeping one FetchAndUpdateStatus pass accumulates while
// walking the pyramid.
type Entry struct {
	opMu sync.Mutex

	key uint64
	st  store.Store
	lk  *locker.Locker
	cfg Config
	log logrus.FieldLogger

	persistent bool
	shared     *sharedLevels
	segment    *ipc.Segment

	self uuid.UUID

	mipmapLevel      int
	perLevelPixelROD []geom.Rect
	roi              geom.Rect
	isDraft          bool

	// levels is only valid between acquire and release.
	levels       []*tilestate.LevelState
	curExclusive bool
	curUnlock    func()

	markedTiles     map[int]map[geom.Point]struct{}
	hasPendingTiles bool
	toFetch         []fetchRequest
	downscaleRoots  []downscaleRoot

	stats        statsCounter
	lastSnapshot Snapshot
	closed       bool
}

// NewEntry constructs or attaches to the cache entry identified by
// key, running the locker handshake of spec.md §4.3: a MustCompute
// caller initializes a fresh, all-NotRendered matrix and publishes it;
// a ComputationPending caller waits for that publish; a Cached caller
// proceeds immediately. reg is only consulted when st is
// non-persistent (Design Note: see DESIGN.md's cache.Registry entry).
func NewEntry(ctx context.Context, key uint64, st store.Store, lk *locker.Locker, reg *Registry, cfg Config) (*Entry, error) {
	if cfg.TileW <= 0 || cfg.TileH <= 0 {
		return nil, fmt.Errorf("cache.NewEntry: tile size must be positive, got %dx%d", cfg.TileW, cfg.TileH)
	}
	if len(cfg.PerLevelPixelROD) != cfg.MipmapLevel+1 {
		return nil, fmt.Errorf("cache.NewEntry: need %d per-level RODs, got %d", cfg.MipmapLevel+1, len(cfg.PerLevelPixelROD))
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	e := &Entry{
		key:              key,
		st:               st,
		lk:               lk,
		cfg:              cfg,
		log:              log,
		persistent:       st.IsPersistent(),
		self:             st.CurrentProcessUUID(),
		mipmapLevel:      cfg.MipmapLevel,
		perLevelPixelROD: append([]geom.Rect(nil), cfg.PerLevelPixelROD...),
		roi:              cfg.ROI,
		isDraft:          cfg.IsDraft,
	}

	if e.persistent {
		path := cfg.SegmentPath
		if path == "" {
			path = filepath.Join(cfg.SegmentDir, fmt.Sprintf("entry-%016x.seg", key))
		}
		e.segment = ipc.NewSegment(path, cfg.TileW, cfg.TileH, log)
	} else {
		if reg == nil {
			return nil, fmt.Errorf("cache.NewEntry: a non-persistent store requires a Registry")
		}
		e.shared = reg.getOrCreate(key)
	}

	handle, err := lk.Get(key)
	if err != nil {
		return nil, err
	}
	switch handle.Status() {
	case locker.Cached:
		// Already initialized by a prior entry; nothing further to do.
	case locker.MustCompute:
		if err := e.initializeFresh(); err != nil {
			lk.Release(key)
			return nil, err
		}
		if err := handle.InsertInCache(); err != nil {
			return nil, err
		}
	case locker.ComputationPending:
		if _, err := handle.WaitForPendingEntry(ctx); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Entry) initializeFresh() error {
	levels := make([]*tilestate.LevelState, e.mipmapLevel+1)
	for lvl := 0; lvl <= e.mipmapLevel; lvl++ {
		ls, err := tilestate.Init(e.cfg.TileW, e.cfg.TileH, e.perLevelPixelROD[lvl])
		if err != nil {
			return err
		}
		levels[lvl] = ls
	}
	if e.persistent {
		return e.segment.Save(levels, true)
	}
	e.shared.mu.Lock()
	e.shared.levels = levels
	e.shared.mu.Unlock()
	return nil
}

// acquire takes the entry's cross-process (or in-process, for a
// shared non-persistent store) lock and loads the current level
// vector into e.levels. The caller must release() once done.
func (e *Entry) acquire(exclusive bool) error {
	if e.persistent {
		unlock, err := e.segment.Lock(exclusive)
		if err != nil {
			return err
		}
		levels, _, err := e.segment.Load()
		if err != nil {
			unlock()
			return err
		}
		e.levels = levels
		e.curUnlock = unlock
		e.curExclusive = exclusive
		return nil
	}

	if exclusive {
		e.shared.mu.Lock()
	} else {
		e.shared.mu.RLock()
	}
	e.levels = e.shared.levels
	e.curExclusive = exclusive
	e.curUnlock = func() {
		if exclusive {
			e.shared.mu.Unlock()
		} else {
			e.shared.mu.RUnlock()
		}
	}
	return nil
}

func (e *Entry) release() {
	if e.curUnlock != nil {
		e.curUnlock()
		e.curUnlock = nil
	}
	e.levels = nil
	e.curExclusive = false
}

// publish writes e.levels back to the segment (persistent mode) or
// the process-wide shared matrix (non-persistent mode). The caller
// must still hold the exclusive lock acquire granted.
func (e *Entry) publish() error {
	if e.persistent {
		return e.segment.Save(e.levels, e.curExclusive)
	}
	e.shared.levels = e.levels
	return nil
}

// ensureLevelsInitialized grows e.levels to cover 0..mipmapLevel,
// Init-ing any level that has never been written. Growing requires
// the exclusive lock; a read-only caller that finds a gap must
// release and retry with HasExclusiveLock() == true.
func (e *Entry) ensureLevelsInitialized(exclusive bool) error {
	if len(e.levels) > e.mipmapLevel && allLevelsPresent(e.levels) {
		return nil
	}
	if !exclusive {
		return errs.New("cache.Entry.ensureLevelsInitialized", errs.NeedWriteLock, nil)
	}
	for len(e.levels) <= e.mipmapLevel {
		e.levels = append(e.levels, nil)
	}
	for lvl := 0; lvl <= e.mipmapLevel; lvl++ {
		if e.levels[lvl] != nil {
			continue
		}
		ls, err := tilestate.Init(e.cfg.TileW, e.cfg.TileH, e.perLevelPixelROD[lvl])
		if err != nil {
			return err
		}
		e.levels[lvl] = ls
	}
	return nil
}

func allLevelsPresent(levels []*tilestate.LevelState) bool {
	for _, l := range levels {
		if l == nil {
			return false
		}
	}
	return true
}

func (e *Entry) resetScratch() {
	e.markedTiles = make(map[int]map[geom.Point]struct{})
	e.hasPendingTiles = false
	e.toFetch = nil
	e.downscaleRoots = nil
}

// --- pyramid.Env ---

func (e *Entry) TileSize() (int32, int32)   { return e.cfg.TileW, e.cfg.TileH }
func (e *Entry) IsDraft() bool              { return e.isDraft }
func (e *Entry) HasExclusiveLock() bool     { return e.curExclusive }
func (e *Entry) ProcessUUID() uuid.UUID     { return e.self }
func (e *Entry) IsUUIDAlive(id uuid.UUID) bool { return e.st.IsUUIDAlive(id) }

func (e *Entry) Level(level int) *tilestate.Header {
	if level < 0 || level >= len(e.levels) || e.levels[level] == nil {
		return nil
	}
	return &tilestate.Header{TileW: e.cfg.TileW, TileH: e.cfg.TileH, Level: e.levels[level]}
}

func (e *Entry) IsMarked(level int, coord geom.Point) bool {
	m := e.markedTiles[level]
	if m == nil {
		return false
	}
	_, ok := m[coord]
	return ok
}

func (e *Entry) Mark(level int, coord geom.Point) {
	if e.markedTiles[level] == nil {
		e.markedTiles[level] = make(map[geom.Point]struct{})
	}
	e.markedTiles[level][coord] = struct{}{}
}

func (e *Entry) Unmark(level int, coord geom.Point) {
	if m := e.markedTiles[level]; m != nil {
		delete(m, coord)
	}
}

func (e *Entry) SetHasPendingTiles() { e.hasPendingTiles = true }

func (e *Entry) Logger() logrus.FieldLogger { return e.log }

func (e *Entry) EnqueueFetch(level int, coord geom.Point, rec *tilestate.Record) {
	e.toFetch = append(e.toFetch, fetchRequest{level: level, coord: coord, bounds: rec.Bounds, channels: rec.Channels})
}

func (e *Entry) EnqueueDownscale(level int, coord geom.Point, children [4]pyramid.Index) {
	e.downscaleRoots = append(e.downscaleRoots, downscaleRoot{level: level, coord: coord, children: children})
}

// --- public API (spec.md §4.3) ---

// FetchAndUpdateStatus runs the mipmap pyramid lookup over the
// entry's current ROI at its mipmap level, reconstructing anything
// reconstructible from finer levels and reporting what is left to
// render. A read-only caller settles for whatever the lookup can do
// under a shared lock; per SPEC_FULL.md §4.7, a NeedWriteLock that
// bubbles out of the lookup is "up to date from the reader's point of
// view" and is not retried. A non-read-only caller escalates to the
// exclusive lock and retries once.
func (e *Entry) FetchAndUpdateStatus(ctx context.Context, readOnly bool) (Snapshot, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	exclusive := false
	for {
		if err := e.acquire(exclusive); err != nil {
			return Snapshot{}, err
		}

		if err := e.ensureLevelsInitialized(exclusive); err != nil {
			e.release()
			if errs.IsKind(err, errs.NeedWriteLock) {
				if readOnly {
					return e.lastSnapshot, nil
				}
				exclusive = true
				continue
			}
			return Snapshot{}, err
		}

		e.resetScratch()
		needWrite := false
		for _, coord := range e.tileCoordsCoveringROI() {
			if _, err := pyramid.Lookup(ctx, e, coord, e.mipmapLevel); err != nil {
				if errs.IsKind(err, errs.NeedWriteLock) {
					needWrite = true
					break
				}
				e.release()
				return Snapshot{}, err
			}
		}
		if needWrite {
			if readOnly {
				// Nothing was claimed or mutated on this pass: the
				// state still loaded into e.levels is an accurate,
				// merely-not-upgraded view.
				snap := e.buildSnapshot()
				e.release()
				e.lastSnapshot = snap
				return snap, nil
			}
			e.release()
			if exclusive {
				// Should not happen: the exclusive pass itself asked
				// for an upgrade it already holds.
				return Snapshot{}, errs.New("cache.Entry.FetchAndUpdateStatus", errs.Failed, fmt.Errorf("lookup requested NeedWriteLock while already exclusive"))
			}
			exclusive = true
			continue
		}

		if err := e.runPipeline(ctx); err != nil {
			e.release()
			return Snapshot{}, err
		}
		if err := e.publish(); err != nil {
			e.release()
			return Snapshot{}, err
		}
		snap := e.buildSnapshot()
		e.lastSnapshot = snap
		e.release()
		return snap, nil
	}
}

func (e *Entry) tileCoordsCoveringROI() []geom.Point {
	return tileCoordsCovering(e.roi, e.cfg.TileW, e.cfg.TileH)
}

func tileCoordsCovering(roi geom.Rect, tileW, tileH int32) []geom.Point {
	if roi.Empty() {
		return nil
	}
	r := roi.RoundOutward(tileW, tileH)
	var out []geom.Point
	for ty := r.Y1; ty < r.Y2; ty += tileH {
		for tx := r.X1; tx < r.X2; tx += tileW {
			out = append(out, geom.Point{TX: int(tx), TY: int(ty)})
		}
	}
	return out
}

// runPipeline executes the fetch/downscale pass Lookup scheduled via
// EnqueueFetch/EnqueueDownscale (spec.md §4.6). toFetch exists solely
// to supply already-rendered source bytes to the downscale
// reconstructions in downscaleRoots. No Entry operation copies bytes
// into a caller's PixelBuffer; MarkRendered only reads from one.
func (e *Entry) runPipeline(ctx context.Context) error {
	if len(e.downscaleRoots) == 0 {
		return nil
	}

	var internals []*pyramid.Index
	leafSet := map[leafKey]*pyramid.Index{}
	for _, fr := range e.toFetch {
		k := leafKey{level: fr.level, coord: fr.coord}
		if _, ok := leafSet[k]; ok {
			continue
		}
		leafSet[k] = &pyramid.Index{Valid: true, Level: fr.level, Coord: fr.coord, Bounds: fr.bounds, Channels: fr.channels}
	}
	for _, dr := range e.downscaleRoots {
		children := dr.children
		node := &pyramid.Index{Valid: true, Level: dr.level, Coord: dr.coord, Children: &children}
		planLeaves, planInternals := pyramid.Plan(node)
		for _, l := range planLeaves {
			k := leafKey{level: l.Level, coord: l.Coord}
			if _, ok := leafSet[k]; !ok {
				leafSet[k] = l
			}
		}
		internals = append(internals, planInternals...)
	}

	leaves := make([]*pyramid.Index, 0, len(leafSet))
	for _, l := range leafSet {
		leaves = append(leaves, l)
	}

	handle, err := e.st.RetrieveAndLock(ctx, pyramid.ExistingIndices(leaves), pyramid.RequiredAllocations(internals))
	if err != nil {
		return err
	}
	fetchTasks, byLevel, err := pyramid.BuildTasks(leaves, internals, handle)
	if err != nil {
		_ = handle.Unlock(true)
		return err
	}

	leafBytes := make(map[leafKey][4][]byte)
	for _, ft := range fetchTasks {
		k := leafKey{level: ft.Level, coord: ft.Coord}
		planes := leafBytes[k]
		planes[ft.Channel] = ft.Bytes
		leafBytes[k] = planes
	}
	taskByKey := make(map[leafKey]*pyramid.DownscaleTask)
	for _, tasks := range byLevel {
		for _, t := range tasks {
			taskByKey[leafKey{level: t.Level, coord: t.Coord}] = t
		}
	}

	byteSource := func(level int, coord geom.Point) [4][]byte {
		k := leafKey{level: level, coord: coord}
		if t, ok := taskByKey[k]; ok {
			return t.DstBytes
		}
		return leafBytes[k]
	}

	if err := pyramid.RunDownscalePipeline(ctx, byLevel, int(e.cfg.TileW), int(e.cfg.TileH), byteSource); err != nil {
		_ = handle.Unlock(true)
		return err
	}
	if err := handle.Unlock(false); err != nil {
		return err
	}

	e.finalizeDownscaled(byLevel)
	return nil
}

// finalizeDownscaled assigns each reconstructed internal tile its
// newly allocated storage and re-derives its quality from its
// children's now-settled statuses (RenderedLowQuality if any child is
// low quality, RenderedHighestQuality otherwise), processing levels
// ascending so a level's children are already finalized by the time
// its own tasks are resolved.
func (e *Entry) finalizeDownscaled(byLevel map[int][]*pyramid.DownscaleTask) {
	levels := make([]int, 0, len(byLevel))
	for lvl := range byLevel {
		levels = append(levels, lvl)
	}
	sort.Ints(levels)

	for _, lvl := range levels {
		header := e.Level(lvl)
		if header == nil {
			continue
		}
		for _, t := range byLevel[lvl] {
			rec, ok := header.GetTile(int32(t.Coord.TX), int32(t.Coord.TY))
			if !ok {
				continue
			}
			rec.Channels = t.DstChannels
			rec.Status = e.aggregateChildQuality(t.Children)
			rec.Owner = uuid.Nil
			e.Unmark(lvl, t.Coord)
			e.stats.downscaled.Add(1)
		}
	}
}

func (e *Entry) aggregateChildQuality(children [4]pyramid.Index) tilestate.Status {
	anyLow := false
	for _, c := range children {
		if !c.Valid {
			continue
		}
		header := e.Level(c.Level)
		if header == nil {
			continue
		}
		rec, ok := header.GetTile(int32(c.Coord.TX), int32(c.Coord.TY))
		if !ok {
			continue
		}
		if rec.Status == tilestate.RenderedLowQuality {
			anyLow = true
		}
	}
	if anyLow {
		return tilestate.RenderedLowQuality
	}
	return tilestate.RenderedHighestQuality
}

// MarkRendered publishes a caller's finished render of the entry's
// ROI into the tiles this process owns (Status == Pending, Owner ==
// this process), copying from pixels one tile/channel at a time.
func (e *Entry) MarkRendered(ctx context.Context, pixels PixelBuffer) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.acquire(true); err != nil {
		return err
	}
	defer e.release()

	header := e.Level(e.mipmapLevel)
	if header == nil {
		return errs.New("cache.Entry.MarkRendered", errs.Failed, fmt.Errorf("target level not initialized"))
	}

	finalStatus := tilestate.RenderedHighestQuality
	if e.isDraft {
		finalStatus = tilestate.RenderedLowQuality
	}

	// plane lays one channel of rec's pixels out on a full tileW*tileH
	// plane, repeating edge pixels where rec.Bounds is smaller than a tile.
	plane := func(rec *tilestate.Record, coord geom.Point, ch int) []byte {
		tw, th := int(e.cfg.TileW), int(e.cfg.TileH)
		bw, bh := int(rec.Bounds.Width()), int(rec.Bounds.Height())
		ox, oy := int(rec.Bounds.X1)-coord.TX, int(rec.Bounds.Y1)-coord.TY
		src, out := pixels.CopyOut(rec.Bounds, ch), make([]byte, tw*th)
		for y := 0; y < th; y++ {
			sy := min(max(y-oy, 0), bh-1)
			for x := 0; x < tw; x++ {
				out[y*tw+x] = src[sy*bw+min(max(x-ox, 0), bw-1)]
			}
		}
		return out
	}

	for _, coord := range e.tileCoordsCoveringROI() {
		rec, ok := header.GetTile(int32(coord.TX), int32(coord.TY))
		if !ok || rec.Status != tilestate.Pending || rec.Owner != e.self {
			continue
		}

		var channels [4]store.InternalIndex
		if rec.HasValidStorage() {
			handle, err := e.st.RetrieveAndLock(ctx, rec.Channels[:], 0)
			if err != nil {
				return err
			}
			existing := handle.ExistingPointers()
			for ch := 0; ch < 4; ch++ {
				copy(existing[ch], plane(rec, coord, ch))
			}
			if err := handle.Unlock(false); err != nil {
				return err
			}
			channels = rec.Channels
		} else {
			handle, err := e.st.RetrieveAndLock(ctx, nil, 4)
			if err != nil {
				return err
			}
			allocs := handle.NewAllocations()
			for ch := 0; ch < 4; ch++ {
				copy(allocs[ch].Bytes, plane(rec, coord, ch))
				channels[ch] = allocs[ch].Index
			}
			if err := handle.Unlock(false); err != nil {
				return err
			}
		}

		rec.Channels = channels
		rec.Status = finalStatus
		rec.Owner = uuid.Nil
		e.stats.rendered.Add(1)
	}

	return e.publish()
}

// abortOwnedTiles forces every tile this process still claims as
// Pending back to NotRendered, per spec.md's destructor rule: "any
// still-Pending tiles the entry marked must transition back to
// NotRendered."
func (e *Entry) abortOwnedTiles() error {
	if err := e.acquire(true); err != nil {
		return err
	}
	defer e.release()

	for _, lvl := range e.levels {
		if lvl == nil {
			continue
		}
		for i := range lvl.Tiles {
			rec := &lvl.Tiles[i]
			if rec.Status == tilestate.Pending && rec.Owner == e.self {
				rec.Status = tilestate.NotRendered
				rec.Owner = uuid.Nil
				e.stats.aborted.Add(1)
			}
		}
	}
	return e.publish()
}

// MarkAborted reverts this process's in-flight claims without
// releasing the locker's entry-level claim (the entry itself stays
// cached; only this render's contribution is undone).
func (e *Entry) MarkAborted() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.abortOwnedTiles()
}

// Close releases any tiles this process still owns as Pending. It is
// the entry's destructor equivalent and is safe to call more than
// once.
func (e *Entry) Close() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.abortOwnedTiles()
}

// MarkRegionUnrendered invalidates every tile at the target level
// overlapping roi, releasing their storage back to the store. Used
// when an upstream change makes previously rendered pixels stale.
func (e *Entry) MarkRegionUnrendered(roi geom.Rect) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.acquire(true); err != nil {
		return err
	}
	defer e.release()

	header := e.Level(e.mipmapLevel)
	if header == nil {
		return nil
	}

	var toRelease []store.InternalIndex
	for _, coord := range tileCoordsCovering(roi, e.cfg.TileW, e.cfg.TileH) {
		rec, ok := header.GetTile(int32(coord.TX), int32(coord.TY))
		if !ok {
			continue
		}
		if rec.HasValidStorage() {
			toRelease = append(toRelease, rec.Channels[:]...)
		}
		rec.Channels = [4]store.InternalIndex{}
		rec.Status = tilestate.NotRendered
		rec.Owner = uuid.Nil
	}

	if len(toRelease) > 0 {
		if err := e.st.Release(context.Background(), toRelease); err != nil {
			return err
		}
	}
	return e.publish()
}

// EnsureROI grows the entry's tracked region of interest and, when
// perLevelRod widens any level's region of definition, grows that
// level's matrix in place (spec.md §4.2: border tiles whose clipping
// changed are reset to NotRendered by LevelState.Grow).
func (e *Entry) EnsureROI(ctx context.Context, roi geom.Rect, perLevelRod []geom.Rect) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if len(perLevelRod) != e.mipmapLevel+1 {
		return fmt.Errorf("cache.Entry.EnsureROI: need %d per-level RODs, got %d", e.mipmapLevel+1, len(perLevelRod))
	}

	if err := e.acquire(true); err != nil {
		return err
	}
	defer e.release()

	if err := e.ensureLevelsInitialized(true); err != nil {
		return err
	}

	for lvl := 0; lvl <= e.mipmapLevel; lvl++ {
		if perLevelRod[lvl].Equal(e.perLevelPixelROD[lvl]) {
			continue
		}
		grown, err := e.levels[lvl].Grow(e.cfg.TileW, e.cfg.TileH, perLevelRod[lvl].Union(e.perLevelPixelROD[lvl]))
		if err != nil {
			return err
		}
		e.levels[lvl] = grown
		e.perLevelPixelROD[lvl] = perLevelRod[lvl]
	}
	e.roi = e.roi.Union(roi)

	return e.publish()
}

// WaitForPending blocks until no tile covering the current ROI is
// still Pending under a live owner, refreshing its view with a
// read-only FetchAndUpdateStatus each poll (spec.md §4.3's
// wait_for_pending).
func (e *Entry) WaitForPending(ctx context.Context) (bool, error) {
	return waitForPending(ctx, func() (hasPending, hasUnrendered bool, err error) {
		snap, err := e.FetchAndUpdateStatus(ctx, true)
		if err != nil {
			return false, false, err
		}
		return snap.HasPending, snap.HasUnrendered, nil
	})
}

// GetStatus returns the last Snapshot computed by
// FetchAndUpdateStatus, without re-running the pyramid lookup.
func (e *Entry) GetStatus() Snapshot {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.lastSnapshot
}

// Stats returns this entry's lifetime render counters.
func (e *Entry) Stats() Stats {
	return e.stats.snapshot()
}

// buildSnapshot reports HasPending only for tiles a live other owner is
// rendering (e.hasPendingTiles, set by Lookup when it finds such a
// tile). A tile this entry itself claimed during this pass is this
// caller's own job to render, so it counts toward HasUnrendered
// instead — otherwise WaitForPending would park forever on a claim
// nobody but the caller is ever going to finish.
func (e *Entry) buildSnapshot() Snapshot {
	snap := Snapshot{
		MipmapLevel: e.mipmapLevel,
		Tiles:       make(map[geom.Point]tilestate.Status),
		HasPending:  e.hasPendingTiles,
	}
	header := e.Level(e.mipmapLevel)
	if header == nil {
		return snap
	}
	for _, coord := range e.tileCoordsCoveringROI() {
		rec, ok := header.GetTile(int32(coord.TX), int32(coord.TY))
		if !ok {
			continue
		}
		snap.Tiles[coord] = rec.Status
		switch {
		case rec.Status == tilestate.Pending && e.IsMarked(e.mipmapLevel, coord):
			snap.HasUnrendered = true
		case rec.Status == tilestate.Pending:
			// Live other-owner claim, already reflected in HasPending.
		case !rec.Status.IsRendered():
			snap.HasUnrendered = true
		}
	}
	return snap
}
