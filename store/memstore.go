package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// diskEntry records the location of a tile's raw pixel bytes on disk,
// exactly like the teacher's DiskTileStore.diskEntry but keyed by an
// InternalIndex instead of a (z,x,y) tuple.
type diskEntry struct {
	offset int64
	length int32
}

// ioRequest is sent from Put-on-evict to the background I/O goroutine,
// mirroring diskstore.go's ioRequest.
type ioRequest struct {
	index InternalIndex
	bytes []byte
}

// MemStoreConfig configures MemStore.
type MemStoreConfig struct {
	// TileSizeX, TileSizeY are returned by TileSize for every depth;
	// a real store could vary this by mip depth, the reference
	// implementation keeps it constant.
	TileSizeX, TileSizeY int
	// Persistent marks the store as cross-process, making cache.Entry
	// keep its tile state in an ipc.Segment file (load/save) instead of
	// the in-process Registry. Tile bytes stay in this MemStore either way.
	Persistent bool
	// SpillThresholdBytes enables continuous background spilling to a
	// temp file once resident bytes exceed the threshold, mirroring
	// internal/tile/diskstore.go. Zero disables spilling.
	SpillThresholdBytes int64
	// TempDir for spill files; defaults to os.TempDir().
	TempDir string
	Log     logrus.FieldLogger
}

// MemStore is a concurrent-safe, process-local reference implementation
// of Store. It keeps tile bytes resident in a map and, like the
// teacher's DiskTileStore, can continuously spill resident entries (in
// map iteration order, not by age) to a temp file via a dedicated I/O
// goroutine so a long-running cache does
// not grow without bound.
type MemStore struct {
	cfg MemStoreConfig
	log logrus.FieldLogger

	mu       sync.RWMutex
	resident map[InternalIndex][]byte
	index    map[InternalIndex]diskEntry

	nextIndex atomic.Uint64
	residentBytes atomic.Int64

	readFile atomic.Pointer[os.File]
	fileOff  int64 // owned by ioLoop only

	ioCh      chan ioRequest
	ioWg      sync.WaitGroup
	drainOnce sync.Once

	processUUID uuid.UUID
	liveMu      sync.Mutex
	dead        map[uuid.UUID]bool // explicitly killed UUIDs, for liveness tests

	byHash map[uint64]bool
}

// NewMemStore creates a reference Store. TileSizeX/Y default to 256
// when unset.
func NewMemStore(cfg MemStoreConfig) *MemStore {
	if cfg.TileSizeX == 0 {
		cfg.TileSizeX = 256
	}
	if cfg.TileSizeY == 0 {
		cfg.TileSizeY = 256
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &MemStore{
		cfg:         cfg,
		log:         log,
		resident:    make(map[InternalIndex][]byte),
		index:       make(map[InternalIndex]diskEntry),
		processUUID: uuid.New(),
		dead:        make(map[uuid.UUID]bool),
		byHash:      make(map[uint64]bool),
	}
	s.nextIndex.Store(1) // reserve 0 as InvalidIndex

	if cfg.SpillThresholdBytes > 0 {
		s.ioCh = make(chan ioRequest, 256)
		s.ioWg.Add(1)
		go s.ioLoop()
	}
	return s
}

func (s *MemStore) TileSize(depth int) (int, int) {
	return s.cfg.TileSizeX, s.cfg.TileSizeY
}

func (s *MemStore) IsPersistent() bool { return s.cfg.Persistent }

func (s *MemStore) CurrentProcessUUID() uuid.UUID { return s.processUUID }

// SetProcessUUID replaces this store's process identity with id; it
// does not create a second handle or share data with another store.
// Only safe before concurrent use begins.
func (s *MemStore) SetProcessUUID(id uuid.UUID) { s.processUUID = id }

// IsUUIDAlive reports liveness. The reference store treats every UUID
// as alive unless it was explicitly Kill()ed — tests use Kill to
// simulate a crashed owner for scenario 4 of spec.md §8.
func (s *MemStore) IsUUIDAlive(id uuid.UUID) bool {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	return !s.dead[id]
}

// Kill marks id as no longer alive, for tests exercising abandoned
// Pending tile reclamation.
func (s *MemStore) Kill(id uuid.UUID) {
	s.liveMu.Lock()
	s.dead[id] = true
	s.liveMu.Unlock()
}

func (s *MemStore) HasEntryForHash(hash uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byHash[hash]
}

// MarkHash records that hash now has a cache entry, so that
// HasEntryForHash reports it. Nothing in this module calls it.
func (s *MemStore) MarkHash(hash uint64) {
	s.mu.Lock()
	s.byHash[hash] = true
	s.mu.Unlock()
}

type lockHandle struct {
	s         *MemStore
	existing  [][]byte
	allocated []Allocation
	invalidated bool
}

func (h *lockHandle) ExistingPointers() [][]byte      { return h.existing }
func (h *lockHandle) NewAllocations() []Allocation    { return h.allocated }

func (h *lockHandle) Unlock(invalidate bool) error {
	h.invalidated = invalidate
	if !invalidate {
		return nil
	}
	// Abandoned work: free any freshly allocated slots so they don't
	// leak as permanently-reserved indices with garbage content.
	s := h.s
	indices := make([]InternalIndex, 0, len(h.allocated))
	for _, a := range h.allocated {
		indices = append(indices, a.Index)
	}
	return s.Release(context.Background(), indices)
}

// RetrieveAndLock returns the bytes backing existing indices (the
// resident slices themselves, so writes through them update the
// store; a fresh slice read from disk when spilled) and allocates toAllocate new
// zero-filled slots, each tileSizeX*tileSizeY bytes: one index is one
// channel plane of one tile, matching tilestate.Record.Channels'
// per-channel InternalIndex addressing.
func (s *MemStore) RetrieveAndLock(ctx context.Context, existing []InternalIndex, toAllocate int) (LockHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store: retrieve_and_lock: %w", err)
	}

	existingBytes := make([][]byte, len(existing))
	for i, idx := range existing {
		b, err := s.read(idx)
		if err != nil {
			return nil, fmt.Errorf("store: retrieve_and_lock: index %d: %w", idx, err)
		}
		existingBytes[i] = b
	}

	tileBytes := s.cfg.TileSizeX * s.cfg.TileSizeY
	allocs := make([]Allocation, toAllocate)
	for i := 0; i < toAllocate; i++ {
		idx := InternalIndex(s.nextIndex.Add(1) - 1)
		buf := make([]byte, tileBytes)
		s.mu.Lock()
		s.resident[idx] = buf
		s.mu.Unlock()
		s.residentBytes.Add(int64(len(buf)))
		allocs[i] = Allocation{Index: idx, Bytes: buf}
	}

	s.maybeSpill()

	return &lockHandle{s: s, existing: existingBytes, allocated: allocs}, nil
}

func (s *MemStore) read(idx InternalIndex) ([]byte, error) {
	s.mu.RLock()
	b, ok := s.resident[idx]
	de, onDisk := s.index[idx]
	s.mu.RUnlock()

	if ok {
		return b, nil
	}
	if !onDisk {
		return nil, fmt.Errorf("no such index")
	}
	f := s.readFile.Load()
	if f == nil {
		return nil, fmt.Errorf("spill file not available")
	}
	buf := make([]byte, de.length)
	if _, err := f.ReadAt(buf, de.offset); err != nil {
		return nil, fmt.Errorf("reading spilled tile: %w", err)
	}
	return buf, nil
}

// Release permanently frees the given indices.
func (s *MemStore) Release(ctx context.Context, indices []InternalIndex) error {
	s.mu.Lock()
	for _, idx := range indices {
		if b, ok := s.resident[idx]; ok {
			s.residentBytes.Add(-int64(len(b)))
			delete(s.resident, idx)
		}
		delete(s.index, idx)
	}
	s.mu.Unlock()
	return nil
}

// maybeSpill queues resident tiles for background eviction once the
// configured threshold is exceeded, mirroring diskstore.go's
// memCond/backpressure dance but simplified: the reference store does
// not block callers, it only spills opportunistically.
func (s *MemStore) maybeSpill() {
	if s.ioCh == nil || s.residentBytes.Load() < s.cfg.SpillThresholdBytes {
		return
	}
	s.mu.RLock()
	victims := make([]ioRequest, 0, 8)
	for idx, b := range s.resident {
		victims = append(victims, ioRequest{index: idx, bytes: b})
		if len(victims) >= 8 {
			break
		}
	}
	s.mu.RUnlock()
	for _, v := range victims {
		select {
		case s.ioCh <- v:
		default:
			// I/O goroutine is behind; skip spilling this round rather
			// than block the caller, matching the non-blocking design
			// goal of keeping RetrieveAndLock off the critical I/O path.
		}
	}
}

// ioLoop is the dedicated background goroutine appending spilled
// tiles to a single temp file and publishing a lock-free read handle,
// adapted directly from internal/tile/diskstore.go's ioLoop.
func (s *MemStore) ioLoop() {
	defer s.ioWg.Done()
	var file *os.File

	for req := range s.ioCh {
		if file == nil {
			f, err := os.CreateTemp(s.cfg.TempDir, "tilecache-store-*.tmp")
			if err != nil {
				s.log.WithError(err).Warn("store: failed to create spill file; tiles stay resident")
				continue
			}
			file = f
			s.readFile.Store(f)
		}

		n, err := file.Write(req.bytes)
		if err != nil {
			s.log.WithError(err).Warn("store: spill write failed; tile stays resident")
			continue
		}

		s.mu.Lock()
		if _, stillResident := s.resident[req.index]; stillResident {
			s.index[req.index] = diskEntry{offset: s.fileOff, length: int32(n)}
			delete(s.resident, req.index)
			s.residentBytes.Add(-int64(len(req.bytes)))
		}
		s.mu.Unlock()
		s.fileOff += int64(n)
	}
}

// Drain blocks until all queued spill writes complete.
func (s *MemStore) Drain() {
	if s.ioCh == nil {
		return
	}
	s.drainOnce.Do(func() {
		close(s.ioCh)
		s.ioWg.Wait()
	})
}

// Close drains and removes the spill file.
func (s *MemStore) Close() error {
	s.Drain()
	if f := s.readFile.Swap(nil); f != nil {
		name := f.Name()
		f.Close()
		return os.Remove(name)
	}
	return nil
}

// writeIndexTo is a debug helper mirroring diskstore.go's
// WriteIndexTo, kept for parity with the teacher's checkpoint format.
// Nothing in this module, tests included, calls it.
func (s *MemStore) writeIndexTo(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(s.index)))
	if _, err := w.Write(buf); err != nil {
		return err
	}
	entry := make([]byte, 8+8+4)
	for idx, de := range s.index {
		binary.LittleEndian.PutUint64(entry[0:8], uint64(idx))
		binary.LittleEndian.PutUint64(entry[8:16], uint64(de.offset))
		binary.LittleEndian.PutUint32(entry[16:20], uint32(de.length))
		if _, err := w.Write(entry); err != nil {
			return err
		}
	}
	return nil
}
