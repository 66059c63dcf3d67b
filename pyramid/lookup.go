package pyramid

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/natronlabs/tilecache/errs"
	"github.com/natronlabs/tilecache/geom"
	"github.com/natronlabs/tilecache/tilestate"
)

// Lookup implements the mipmap pyramid lookup of spec.md §4.4 for one
// tile at coord in targetLevel. It mutates env's per-level tile-state
// matrices and marked-tile bookkeeping as a side effect; the returned
// Outcome tells the caller whether this call performed a fresh
// NotRendered→Pending transition (Updated) or merely observed
// already-settled state (UpToDate).
//
// A returned error wrapping errs.NeedWriteLock means a reconstruction
// or claim step needed the exclusive lock env currently lacks; the
// caller must retry the whole call once it holds one.
func Lookup(ctx context.Context, env Env, coord geom.Point, targetLevel int) (Outcome, error) {
	_, idx, fresh, err := resolve(ctx, env, coord, targetLevel, targetLevel)
	if err != nil {
		return UpToDate, err
	}
	if idx != nil && idx.Children != nil {
		env.EnqueueDownscale(targetLevel, coord, *idx.Children)
	}
	if fresh {
		return Updated, nil
	}
	return UpToDate, nil
}

// resolve is the recursive worker. level is the level currently being
// visited; targetLevel is the level the outermost Lookup call was
// made for (only the outermost frame has level == targetLevel, since
// every recursive call passes level-1).
func resolve(ctx context.Context, env Env, coord geom.Point, level, targetLevel int) (status tilestate.Status, idx *Index, fresh bool, err error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, false, errs.New("pyramid.Lookup", errs.Aborted, err)
	}

	header := env.Level(level)
	if header == nil {
		// No matrix at this level at all: treated like an invalid
		// child slot by the caller, never reached for the outermost
		// call (the target level's matrix always exists by the time
		// Lookup runs).
		return tilestate.NotRendered, nil, false, nil
	}

	rec, ok := header.GetTile(int32(coord.TX), int32(coord.TY))
	if !ok {
		return tilestate.NotRendered, nil, false, nil
	}

	// Step 1: a tile this entry already claimed/observed earlier in
	// the same pass is up to date; don't re-evaluate it.
	if env.IsMarked(level, coord) {
		return rec.Status, nil, false, nil
	}

	effective := rec.Status
	if effective == tilestate.RenderedLowQuality && !env.IsDraft() {
		effective = tilestate.NotRendered
	}
	if effective == tilestate.Pending && !env.IsUUIDAlive(rec.Owner) {
		effective = tilestate.NotRendered
	}

	switch effective {
	case tilestate.RenderedHighestQuality, tilestate.RenderedLowQuality:
		leaf := &Index{Valid: true, Level: level, Coord: coord, Bounds: rec.Bounds, Channels: rec.Channels}
		env.EnqueueFetch(level, coord, rec)
		return effective, leaf, false, nil

	case tilestate.Pending:
		env.SetHasPendingTiles()
		return tilestate.Pending, nil, false, nil

	default: // NotRendered
		aggregate := tilestate.NotRendered
		var children [4]Index
		anyLow := false

		type freshClaim struct {
			level int
			coord geom.Point
		}
		var freshClaims []freshClaim

		if level > 0 {
			tw, th := env.TileSize()
			coords := childCoords(int32(coord.TX), int32(coord.TY), tw, th)
			invalid := 0
			validStatuses := make([]tilestate.Status, 0, 4)

			for i, cc := range coords {
				childHeader := env.Level(level - 1)
				if childHeader == nil {
					invalid++
					children[i] = Index{Valid: false}
					continue
				}
				if _, ok := childHeader.GetTile(int32(cc.TX), int32(cc.TY)); !ok {
					invalid++
					children[i] = Index{Valid: false}
					continue
				}
				cstatus, cidx, cfresh, cerr := resolve(ctx, env, cc, level-1, targetLevel)
				if cerr != nil {
					return 0, nil, false, cerr
				}
				validStatuses = append(validStatuses, cstatus)
				if cfresh {
					freshClaims = append(freshClaims, freshClaim{level: level - 1, coord: cc})
				}
				if cidx != nil {
					children[i] = *cidx
					children[i].Valid = true
				} else {
					children[i] = Index{Valid: true, Level: level - 1, Coord: cc}
				}
			}

			if invalid == 1 {
				env.Logger().WithFields(logrus.Fields{
					"level": level, "tx": coord.TX, "ty": coord.TY,
				}).Panic("pyramid: exactly one invalid pyramid child coordinate, expected 0, 2, 3, or 4")
			}

			if invalid < 4 {
				allRendered := true
				anyPending := false
				anyNotRendered := false
				for _, s := range validStatuses {
					switch s {
					case tilestate.NotRendered:
						anyNotRendered = true
						allRendered = false
					case tilestate.Pending:
						anyPending = true
						allRendered = false
					case tilestate.RenderedLowQuality:
						anyLow = true
					}
				}
				switch {
				case anyNotRendered:
					aggregate = tilestate.NotRendered
				case anyPending:
					aggregate = tilestate.Pending
				case allRendered:
					aggregate = tilestate.RenderedHighestQuality
					if anyLow {
						aggregate = tilestate.RenderedLowQuality
					}
				}
			}
		}

		switch aggregate {
		case tilestate.Pending:
			// One child was already genuinely Pending elsewhere, so this
			// tile cannot be reconstructed this pass. Undo any sibling
			// claims this same call speculatively made while evaluating
			// the other children, so they are not left as orphaned
			// claims nobody will schedule (spec.md §4.4 step 4).
			for _, fc := range freshClaims {
				childHeader := env.Level(fc.level)
				if childHeader == nil {
					continue
				}
				if crec, ok := childHeader.GetTile(int32(fc.coord.TX), int32(fc.coord.TY)); ok {
					crec.Status = tilestate.NotRendered
				}
				env.Unmark(fc.level, fc.coord)
			}
			env.SetHasPendingTiles()
			return tilestate.Pending, nil, false, nil

		case tilestate.RenderedHighestQuality, tilestate.RenderedLowQuality:
			if !env.HasExclusiveLock() {
				return 0, nil, false, errs.New("pyramid.Lookup", errs.NeedWriteLock, nil)
			}
			rec.Status = tilestate.Pending
			rec.Owner = env.ProcessUUID()
			env.Mark(level, coord)
			node := &Index{Valid: true, Level: level, Coord: coord, Bounds: rec.Bounds, Children: &children}
			return aggregate, node, true, nil

		default: // NotRendered
			if level == targetLevel {
				if !env.HasExclusiveLock() {
					return 0, nil, false, errs.New("pyramid.Lookup", errs.NeedWriteLock, nil)
				}
				rec.Status = tilestate.Pending
				rec.Owner = env.ProcessUUID()
				env.Mark(level, coord)
				return tilestate.Pending, nil, true, nil
			}
			return tilestate.NotRendered, nil, false, nil
		}
	}
}
