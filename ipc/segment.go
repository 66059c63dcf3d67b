package ipc

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/natronlabs/tilecache/errs"
	"github.com/natronlabs/tilecache/geom"
	"github.com/natronlabs/tilecache/store"
	"github.com/natronlabs/tilecache/tilestate"
)

// Keys per mipmap level, exactly as enumerated in spec.md §4.7.
func statusKey(level int) string  { return fmt.Sprintf("Status<%d>", level) }
func indicesKey(level int) string { return fmt.Sprintf("TileIndices<%d>", level) }
func uuidKey(level int) string    { return fmt.Sprintf("UUID<%d>", level) }
func boundsKey(level int) string  { return fmt.Sprintf("Bounds<%d>", level) }

const numLevelsKey = "NumLevels"

// Segment is the IPC-friendly on-disk/shared-memory representation of
// a cache entry's per-level tile state (spec.md §4.7). A Segment is
// backed by a plain file plus a sidecar advisory lock
// (github.com/gofrs/flock), generalizing the teacher's mmap-for-read
// COG reader (internal/cog/reader.go) to a read-write, cross-process
// resource: readers take the fast mmap path, and Save (run under the
// exclusive lock) writes a temporary file and renames it over the
// segment.
type Segment struct {
	path string
	lock *flock.Flock
	log  logrus.FieldLogger

	tileW, tileH int32
}

// NewSegment returns a Segment for the file at path. It touches no
// file itself: Save creates the segment file, and Lock creates the
// sidecar lock file.
func NewSegment(path string, tileW, tileH int32, log logrus.FieldLogger) *Segment {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Segment{
		path:  path,
		lock:  flock.New(path + ".lock"),
		log:   log,
		tileW: tileW,
		tileH: tileH,
	}
}

// Lock acquires the segment's cross-process lock, shared or
// exclusive, and returns an unlock function. Mirrors spec.md §4.7's
// "locked_for_writing" parameter to from_memory_segment.
func (s *Segment) Lock(exclusive bool) (unlock func(), err error) {
	if exclusive {
		if err := s.lock.Lock(); err != nil {
			return nil, errs.New("ipc.Segment.Lock", errs.Failed, err)
		}
	} else {
		if err := s.lock.RLock(); err != nil {
			return nil, errs.New("ipc.Segment.Lock", errs.Failed, err)
		}
	}
	return func() { _ = s.lock.Unlock() }, nil
}

// Load deserializes every persisted level (0..=len-1) from the
// segment file into levels, matching spec.md §4.7's
// "from_memory_segment first deserializes the full level vector".
// It does not itself decide whether a write-lock upgrade is needed —
// that is cache.Entry's job once it has run lookup over the loaded
// state; Load only surfaces errs.Failed for a corrupted/missing file.
func (s *Segment) Load() ([]*tilestate.LevelState, uint64, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, 0, errs.New("ipc.Segment.Load", errs.Failed, fmt.Errorf("segment %s does not exist", s.path))
	}
	if err != nil {
		return nil, 0, errs.New("ipc.Segment.Load", errs.Failed, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, errs.New("ipc.Segment.Load", errs.Failed, err)
	}

	var buf []byte
	if data, mmapErr := mmapFile(f.Fd(), int(info.Size())); mmapErr == nil && data != nil {
		defer munmapFile(data)
		buf = data
	} else {
		// Fall back to ReadAt when mmap is unavailable (non-unix).
		buf = make([]byte, info.Size())
		if _, err := f.ReadAt(buf, 0); err != nil {
			return nil, 0, errs.New("ipc.Segment.Load", errs.Failed, err)
		}
	}

	m, err := decodeMap(buf)
	if err != nil {
		return nil, 0, errs.New("ipc.Segment.Load", errs.Failed, err)
	}
	levels, _, err := levelsFromMap(m)
	if err != nil {
		return nil, 0, errs.New("ipc.Segment.Load", errs.Failed, err)
	}
	for _, lvl := range levels {
		if lvl == nil || s.tileW <= 0 || s.tileH <= 0 {
			continue
		}
		cols := lvl.BoundsRounded.Width() / s.tileW
		for i := range lvl.Tiles {
			tx := lvl.BoundsRounded.X1 + int32(i)%cols*s.tileW
			ty := lvl.BoundsRounded.Y1 + int32(i)/cols*s.tileH
			lvl.Tiles[i].Bounds = lvl.Bounds.Intersect(geom.Rect{X1: tx, Y1: ty, X2: tx + s.tileW, Y2: ty + s.tileH})
		}
	}
	return levels, 0, nil
}

// Save publishes levels to the segment file. It enforces the
// no-downgrade rule from spec.md §4.7: it never writes Pending over an
// existing Rendered* tile, and never writes LowQuality over
// HighestQuality, unless force is true (set by the first-time
// initializer publishing a brand-new segment, and by every
// cache.Entry publication made under the exclusive lock the levels
// were loaded under, so that aborts and unrenders are written as is).
func (s *Segment) Save(levels []*tilestate.LevelState, force bool) error {
	if !force {
		existing, _, err := s.Load()
		if err == nil {
			merged, mergeErr := mergeNoDowngrade(existing, levels)
			if mergeErr != nil {
				return mergeErr
			}
			levels = merged
		}
	}

	m, err := mapFromLevels(levels)
	if err != nil {
		return err
	}
	buf := encodeMap(m)
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return errs.New("ipc.Segment.Save", errs.Failed, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errs.New("ipc.Segment.Save", errs.Failed, err)
	}
	return nil
}

// mergeNoDowngrade combines a freshly computed set of levels with
// whatever is already on disk, keeping the stronger status per tile.
func mergeNoDowngrade(existing, fresh []*tilestate.LevelState) ([]*tilestate.LevelState, error) {
	if len(existing) != len(fresh) {
		return fresh, nil // level count changed (grow); nothing to merge against
	}
	out := make([]*tilestate.LevelState, len(fresh))
	for m := range fresh {
		e, f := existing[m], fresh[m]
		if e == nil || f == nil || len(e.Tiles) != len(f.Tiles) {
			out[m] = f
			continue
		}
		merged := &tilestate.LevelState{Bounds: f.Bounds, BoundsRounded: f.BoundsRounded, Tiles: make([]tilestate.Record, len(f.Tiles))}
		for i := range f.Tiles {
			merged.Tiles[i] = strongerOf(e.Tiles[i], f.Tiles[i])
		}
		out[m] = merged
	}
	return out, nil
}

// statusRank orders statuses from weakest to strongest for the
// no-downgrade comparison: NotRendered < Pending < LowQuality < HighestQuality.
func statusRank(s tilestate.Status) int {
	switch s {
	case tilestate.NotRendered:
		return 0
	case tilestate.Pending:
		return 1
	case tilestate.RenderedLowQuality:
		return 2
	case tilestate.RenderedHighestQuality:
		return 3
	default:
		return 0
	}
}

func strongerOf(existing, fresh tilestate.Record) tilestate.Record {
	if statusRank(fresh.Status) >= statusRank(existing.Status) {
		return fresh
	}
	return existing
}


// mapFromLevels builds the ipc.Map representation of levels, using
// exactly the keys enumerated in spec.md §4.7 (Status<m>,
// TileIndices<m>, UUID<m>, Bounds<m>, plus NumLevels).
func mapFromLevels(levels []*tilestate.LevelState) (*Map, error) {
	m := NewMap(0)
	nl, err := m.GetOrCreate(numLevelsKey, KindI32)
	if err != nil {
		return nil, err
	}
	nl.Resize(1)
	_ = nl.SetI32(0, int32(len(levels)))

	for level, lvl := range levels {
		n := 0
		if lvl != nil {
			n = len(lvl.Tiles)
		}

		status, err := m.GetOrCreate(statusKey(level), KindI32)
		if err != nil {
			return nil, err
		}
		indices, err := m.GetOrCreate(indicesKey(level), KindU64)
		if err != nil {
			return nil, err
		}
		uuids, err := m.GetOrCreate(uuidKey(level), KindU64)
		if err != nil {
			return nil, err
		}
		bounds, err := m.GetOrCreate(boundsKey(level), KindI32)
		if err != nil {
			return nil, err
		}

		status.Resize(n)
		indices.Resize(4 * n)
		uuids.Resize(2 * n)
		bounds.Resize(8) // Bounds then BoundsRounded, 4 i32 each

		if lvl == nil {
			continue
		}
		_ = bounds.SetI32(0, lvl.Bounds.X1)
		_ = bounds.SetI32(1, lvl.Bounds.Y1)
		_ = bounds.SetI32(2, lvl.Bounds.X2)
		_ = bounds.SetI32(3, lvl.Bounds.Y2)
		_ = bounds.SetI32(4, lvl.BoundsRounded.X1)
		_ = bounds.SetI32(5, lvl.BoundsRounded.Y1)
		_ = bounds.SetI32(6, lvl.BoundsRounded.X2)
		_ = bounds.SetI32(7, lvl.BoundsRounded.Y2)

		for i, t := range lvl.Tiles {
			_ = status.SetI32(i, int32(t.Status))
			for c := 0; c < 4; c++ {
				_ = indices.SetU64(4*i+c, uint64(t.Channels[c]))
			}
			hi, lo := uuidToWords(t.Owner)
			_ = uuids.SetU64(2*i, hi)
			_ = uuids.SetU64(2*i+1, lo)
		}
		// Per-tile Bounds (the clipped rect, not just level bounds) is
		// reconstructed on load from BoundsRounded + tile size + index,
		// exactly as tilestate.Init derives it, so it is not persisted
		// redundantly here -- only the *clip* (a tile may be narrower
		// than tileW/tileH at the image border) needs to survive, and
		// that clip is fully determined by Bounds ∩ the tile's grid
		// cell, which Load recomputes via tilestate.Init's own formula.
	}
	return m, nil
}

// levelsFromMap is the inverse of mapFromLevels.
func levelsFromMap(m *Map) ([]*tilestate.LevelState, uint64, error) {
	nlProp, ok := m.Get(numLevelsKey)
	if !ok {
		return nil, 0, fmt.Errorf("ipc: segment missing %s", numLevelsKey)
	}
	numLevels, err := nlProp.GetI32(0)
	if err != nil {
		return nil, 0, err
	}

	levels := make([]*tilestate.LevelState, numLevels)
	for level := 0; level < int(numLevels); level++ {
		statusProp, ok := m.Get(statusKey(level))
		if !ok {
			continue
		}
		n := statusProp.NumDims()
		if n == 0 {
			continue
		}
		indices, _ := m.Get(indicesKey(level))
		uuids, _ := m.Get(uuidKey(level))
		bounds, ok := m.Get(boundsKey(level))
		if !ok || bounds.NumDims() < 8 {
			return nil, 0, fmt.Errorf("ipc: segment level %d missing bounds", level)
		}
		bx1, _ := bounds.GetI32(0)
		by1, _ := bounds.GetI32(1)
		bx2, _ := bounds.GetI32(2)
		by2, _ := bounds.GetI32(3)
		rx1, _ := bounds.GetI32(4)
		ry1, _ := bounds.GetI32(5)
		rx2, _ := bounds.GetI32(6)
		ry2, _ := bounds.GetI32(7)

		lvlBounds := geom.Rect{X1: bx1, Y1: by1, X2: bx2, Y2: by2}
		lvlBoundsRounded := geom.Rect{X1: rx1, Y1: ry1, X2: rx2, Y2: ry2}

		lvl := &tilestate.LevelState{Bounds: lvlBounds, BoundsRounded: lvlBoundsRounded, Tiles: make([]tilestate.Record, n)}

		for i := 0; i < n; i++ {
			st, _ := statusProp.GetI32(i)
			var channels [4]store.InternalIndex
			if indices != nil {
				for c := 0; c < 4; c++ {
					v, _ := indices.GetU64(4*i + c)
					channels[c] = store.InternalIndex(v)
				}
			}
			var owner uuid.UUID
			if uuids != nil {
				hi, _ := uuids.GetU64(2 * i)
				lo, _ := uuids.GetU64(2*i + 1)
				owner = wordsToUUID(hi, lo)
			}
			lvl.Tiles[i] = tilestate.Record{
				Status:   tilestate.Status(st),
				Channels: channels,
				Owner:    owner,
			}
		}
		levels[level] = lvl
	}
	return levels, 0, nil
}

func uuidToWords(id uuid.UUID) (hi, lo uint64) {
	hi = binary.BigEndian.Uint64(id[0:8])
	lo = binary.BigEndian.Uint64(id[8:16])
	return
}

func wordsToUUID(hi, lo uint64) uuid.UUID {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], hi)
	binary.BigEndian.PutUint64(b[8:16], lo)
	id, _ := uuid.FromBytes(b[:])
	return id
}

// encodeMap/decodeMap serialize an ipc.Map to/from a flat byte buffer
// for the Segment's file backing: a count of properties, then for
// each one its name, kind, and word/string vector.
func encodeMap(m *Map) []byte {
	var buf []byte
	putU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	putU64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf = append(buf, b[:]...)
	}
	putString := func(s string) {
		putU32(uint32(len(s)))
		buf = append(buf, s...)
	}

	names := m.Names()
	putU32(uint32(len(names)))
	for _, name := range names {
		p, _ := m.Get(name)
		putString(name)
		putU32(uint32(p.kind))
		putU32(uint32(p.NumDims()))
		switch p.kind {
		case KindString:
			for _, s := range p.strings {
				putString(s)
			}
		default:
			for _, w := range p.words {
				putU64(w)
			}
		}
	}
	return buf
}

func decodeMap(data []byte) (*Map, error) {
	r := &byteReader{data: data}
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	m := NewMap(0)
	for i := uint32(0); i < count; i++ {
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		kindRaw, err := r.u32()
		if err != nil {
			return nil, err
		}
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		kind := Kind(kindRaw)
		p, err := m.GetOrCreate(name, kind)
		if err != nil {
			return nil, err
		}
		p.Resize(int(n))
		if kind == KindString {
			for j := uint32(0); j < n; j++ {
				s, err := r.str()
				if err != nil {
					return nil, err
				}
				_ = p.SetString(int(j), s)
			}
		} else {
			for j := uint32(0); j < n; j++ {
				v, err := r.u64()
				if err != nil {
					return nil, err
				}
				p.words[j] = v
			}
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

type byteReader struct {
	data []byte
	pos  int
	err  error
}

func (r *byteReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.data) {
		r.err = fmt.Errorf("ipc: unexpected end of segment data")
		return false
	}
	return true
}

func (r *byteReader) u32() (uint32, error) {
	if !r.need(4) {
		return 0, r.err
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *byteReader) u64() (uint64, error) {
	if !r.need(8) {
		return 0, r.err
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *byteReader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if !r.need(int(n)) {
		return "", r.err
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}
