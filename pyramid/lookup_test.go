package pyramid

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/natronlabs/tilecache/errs"
	"github.com/natronlabs/tilecache/geom"
	"github.com/natronlabs/tilecache/store"
	"github.com/natronlabs/tilecache/tilestate"
)

type markKey struct {
	level int
	coord geom.Point
}

type fakeEnv struct {
	tileW, tileH int32
	draft        bool
	exclusive    bool
	self         uuid.UUID
	dead         map[uuid.UUID]bool
	levels       map[int]*tilestate.Header
	marked       map[markKey]bool
	hasPending   bool
	fetches      []geom.Point
	downscales   []geom.Point
	log          *logrus.Logger
}

func newFakeEnv() *fakeEnv {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return &fakeEnv{
		tileW: 64, tileH: 64,
		exclusive: true,
		self:      uuid.New(),
		dead:      make(map[uuid.UUID]bool),
		levels:    make(map[int]*tilestate.Header),
		marked:    make(map[markKey]bool),
		log:       log,
	}
}

func (e *fakeEnv) TileSize() (int32, int32)            { return e.tileW, e.tileH }
func (e *fakeEnv) IsDraft() bool                        { return e.draft }
func (e *fakeEnv) HasExclusiveLock() bool               { return e.exclusive }
func (e *fakeEnv) ProcessUUID() uuid.UUID               { return e.self }
func (e *fakeEnv) IsUUIDAlive(id uuid.UUID) bool        { return !e.dead[id] }
func (e *fakeEnv) Level(level int) *tilestate.Header    { return e.levels[level] }
func (e *fakeEnv) IsMarked(level int, c geom.Point) bool { return e.marked[markKey{level, c}] }
func (e *fakeEnv) Mark(level int, c geom.Point)          { e.marked[markKey{level, c}] = true }
func (e *fakeEnv) Unmark(level int, c geom.Point)        { delete(e.marked, markKey{level, c}) }
func (e *fakeEnv) SetHasPendingTiles()                   { e.hasPending = true }
func (e *fakeEnv) Logger() logrus.FieldLogger            { return e.log }
func (e *fakeEnv) EnqueueFetch(level int, c geom.Point, rec *tilestate.Record) {
	e.fetches = append(e.fetches, c)
}
func (e *fakeEnv) EnqueueDownscale(level int, c geom.Point, children [4]Index) {
	e.downscales = append(e.downscales, c)
}

func (e *fakeEnv) addLevel(level int, bounds geom.Rect) *tilestate.LevelState {
	ls, err := tilestate.Init(e.tileW, e.tileH, bounds)
	if err != nil {
		panic(err)
	}
	e.levels[level] = &tilestate.Header{TileW: e.tileW, TileH: e.tileH, Level: ls}
	return ls
}

func TestLookup_RenderedLeaf_IsUpToDateAndFetched(t *testing.T) {
	env := newFakeEnv()
	ls := env.addLevel(0, geom.Rect{X1: 0, Y1: 0, X2: 64, Y2: 64})
	ls.Tiles[0].Status = tilestate.RenderedHighestQuality
	ls.Tiles[0].Channels = [4]store.InternalIndex{1, 2, 3, 4}

	outcome, err := Lookup(context.Background(), env, geom.Point{TX: 0, TY: 0}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != UpToDate {
		t.Errorf("outcome = %v, want UpToDate", outcome)
	}
	if len(env.fetches) != 1 {
		t.Errorf("fetches = %d, want 1", len(env.fetches))
	}
}

func TestLookup_NotRenderedLeaf_ClaimsWithExclusiveLock(t *testing.T) {
	env := newFakeEnv()
	ls := env.addLevel(0, geom.Rect{X1: 0, Y1: 0, X2: 64, Y2: 64})

	outcome, err := Lookup(context.Background(), env, geom.Point{TX: 0, TY: 0}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Updated {
		t.Errorf("outcome = %v, want Updated", outcome)
	}
	if ls.Tiles[0].Status != tilestate.Pending {
		t.Errorf("status = %v, want Pending", ls.Tiles[0].Status)
	}
	if ls.Tiles[0].Owner != env.self {
		t.Errorf("owner not set to claiming process")
	}
}

func TestLookup_NotRenderedLeaf_WithoutExclusiveLock_NeedsWriteLock(t *testing.T) {
	env := newFakeEnv()
	env.exclusive = false
	env.addLevel(0, geom.Rect{X1: 0, Y1: 0, X2: 64, Y2: 64})

	_, err := Lookup(context.Background(), env, geom.Point{TX: 0, TY: 0}, 0)
	if !errs.IsKind(err, errs.NeedWriteLock) {
		t.Fatalf("err = %v, want NeedWriteLock", err)
	}
}

func TestLookup_PendingWithDeadOwner_IsReclaimed(t *testing.T) {
	env := newFakeEnv()
	ls := env.addLevel(0, geom.Rect{X1: 0, Y1: 0, X2: 64, Y2: 64})
	deadOwner := uuid.New()
	env.dead[deadOwner] = true
	ls.Tiles[0].Status = tilestate.Pending
	ls.Tiles[0].Owner = deadOwner

	outcome, err := Lookup(context.Background(), env, geom.Point{TX: 0, TY: 0}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Updated {
		t.Errorf("outcome = %v, want Updated", outcome)
	}
	if ls.Tiles[0].Owner != env.self {
		t.Errorf("tile was not reclaimed by the calling process")
	}
}

func TestLookup_PendingWithLiveOwner_StaysPending(t *testing.T) {
	env := newFakeEnv()
	ls := env.addLevel(0, geom.Rect{X1: 0, Y1: 0, X2: 64, Y2: 64})
	owner := uuid.New()
	ls.Tiles[0].Status = tilestate.Pending
	ls.Tiles[0].Owner = owner

	outcome, err := Lookup(context.Background(), env, geom.Point{TX: 0, TY: 0}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != UpToDate {
		t.Errorf("outcome = %v, want UpToDate", outcome)
	}
	if !env.hasPending {
		t.Errorf("SetHasPendingTiles was not called")
	}
}

// buildFourChildren wires a finer level 0 holding the four quadrant
// tiles of a single coarser level 1 tile at (0,0), per childCoords'
// layout for a 64x64 tile size.
func buildFourChildren(env *fakeEnv, statuses [4]tilestate.Status) {
	ls := env.addLevel(0, geom.Rect{X1: 0, Y1: 0, X2: 128, Y2: 128})
	for i, s := range statuses {
		ls.Tiles[i].Status = s
		if s.IsRendered() {
			ls.Tiles[i].Channels = [4]store.InternalIndex{1, 2, 3, 4}
		}
	}
	env.addLevel(1, geom.Rect{X1: 0, Y1: 0, X2: 64, Y2: 64})
}

func TestLookup_FourRenderedChildren_ReconstructsHighestQuality(t *testing.T) {
	env := newFakeEnv()
	buildFourChildren(env, [4]tilestate.Status{
		tilestate.RenderedHighestQuality, tilestate.RenderedHighestQuality,
		tilestate.RenderedHighestQuality, tilestate.RenderedHighestQuality,
	})

	outcome, err := Lookup(context.Background(), env, geom.Point{TX: 0, TY: 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Updated {
		t.Fatalf("outcome = %v, want Updated", outcome)
	}
	rec, _ := env.levels[1].GetTile(0, 0)
	if rec.Status != tilestate.Pending {
		t.Errorf("level-1 tile status = %v, want Pending (claimed for reconstruction)", rec.Status)
	}
	if len(env.downscales) != 1 {
		t.Errorf("downscales = %d, want 1", len(env.downscales))
	}
}

func TestLookup_FourChildren_OneLowQuality_TieBreaksToLowQuality(t *testing.T) {
	env := newFakeEnv()
	// Only a draft render keeps a LowQuality child as rendered; outside
	// draft mode it counts as NotRendered and no reconstruction happens.
	env.draft = true
	buildFourChildren(env, [4]tilestate.Status{
		tilestate.RenderedHighestQuality, tilestate.RenderedLowQuality,
		tilestate.RenderedHighestQuality, tilestate.RenderedHighestQuality,
	})

	// Three HighestQuality children and one LowQuality child aggregate
	// to RenderedLowQuality, so the parent is claimed for reconstruction
	// from its children: the claim succeeds and one downscale is
	// scheduled. Had the LowQuality child failed the batch, the parent
	// would have been claimed for a direct render with no downscale.
	outcome, err := Lookup(context.Background(), env, geom.Point{TX: 0, TY: 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Updated {
		t.Fatalf("outcome = %v, want Updated", outcome)
	}
	if len(env.downscales) != 1 {
		t.Errorf("downscales = %d, want 1", len(env.downscales))
	}
}

func TestLookup_ExactlyOneInvalidChild_Panics(t *testing.T) {
	env := newFakeEnv()
	ls := env.addLevel(0, geom.Rect{X1: 0, Y1: 0, X2: 128, Y2: 128})
	// Three children left NotRendered; the fourth tile slot is deliberately
	// removed from the matrix to simulate a level whose matrix grew
	// asymmetrically, producing exactly one invalid child coordinate.
	ls.Tiles = ls.Tiles[:3]
	env.addLevel(1, geom.Rect{X1: 0, Y1: 0, X2: 64, Y2: 64})

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a panic for exactly one invalid child coordinate")
		}
	}()
	_, _ = Lookup(context.Background(), env, geom.Point{TX: 0, TY: 0}, 1)
}

func TestLookup_SiblingAlreadyPending_UndoesSpeculativeReconstructionClaim(t *testing.T) {
	env := newFakeEnv()

	level0 := env.addLevel(0, geom.Rect{X1: 0, Y1: 0, X2: 128, Y2: 128})
	for i := range level0.Tiles {
		level0.Tiles[i].Status = tilestate.RenderedHighestQuality
		level0.Tiles[i].Channels = [4]store.InternalIndex{1, 2, 3, 4}
	}

	level1 := env.addLevel(1, geom.Rect{X1: 0, Y1: 0, X2: 128, Y2: 128})
	// tile(0,0) is left NotRendered: reconstructible from level0.
	level1.Tiles[1].Status = tilestate.RenderedHighestQuality // (64,0)
	level1.Tiles[1].Channels = [4]store.InternalIndex{1, 2, 3, 4}
	level1.Tiles[2].Status = tilestate.RenderedHighestQuality // (0,64)
	level1.Tiles[2].Channels = [4]store.InternalIndex{1, 2, 3, 4}
	liveOwner := uuid.New()
	level1.Tiles[3].Status = tilestate.Pending // (64,64), genuinely busy elsewhere
	level1.Tiles[3].Owner = liveOwner

	env.addLevel(2, geom.Rect{X1: 0, Y1: 0, X2: 64, Y2: 64})

	outcome, err := Lookup(context.Background(), env, geom.Point{TX: 0, TY: 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != UpToDate {
		t.Errorf("outcome = %v, want UpToDate (blocked on a genuinely pending sibling)", outcome)
	}

	rec, _ := env.levels[1].GetTile(0, 0)
	if rec.Status != tilestate.NotRendered {
		t.Errorf("level-1 tile(0,0) status = %v, want NotRendered (speculative claim should have been undone)", rec.Status)
	}
	if env.IsMarked(1, geom.Point{TX: 0, TY: 0}) {
		t.Errorf("level-1 tile(0,0) is still marked after its speculative claim was undone")
	}
}

func TestLookup_CancelledContext_ReturnsAborted(t *testing.T) {
	env := newFakeEnv()
	env.addLevel(0, geom.Rect{X1: 0, Y1: 0, X2: 64, Y2: 64})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Lookup(ctx, env, geom.Point{TX: 0, TY: 0}, 0)
	if !errs.IsKind(err, errs.Aborted) {
		t.Fatalf("err = %v, want Aborted", err)
	}
}
