// Package store defines the Tile Store collaborator interface the
// cache entry relies on (spec.md §6) plus MemStore, a concurrent
// in-memory reference implementation exercising that interface.
//
// MemStore is grounded on the teacher's DiskTileStore
// (internal/tile/diskstore.go): the same "continuous background
// eviction behind a dedicated goroutine, lock-free reads via an
// atomic file handle" shape, generalized from whole-tile PNG/WebP/JPEG
// blobs to the spec's per-channel InternalIndex model and extended
// with process-liveness tracking for Pending-tile reclamation (§4.4
// step 3).
package store

import (
	"context"

	"github.com/google/uuid"
)

// InternalIndex is an opaque 64-bit handle issued by the store. Its
// internal layout (file index + intra-file slot, per spec §3) is
// private to the implementation; the cache only stores and echoes it.
type InternalIndex uint64

// InvalidIndex is the sentinel stored in TileRecord.Channels for
// unused channel slots.
const InvalidIndex InternalIndex = 0

// Hash identifies the content a newly allocated tile slot will hold.
// RetrieveAndLock takes only a count of slots to allocate, and nothing
// in this module uses Hash.
type Hash uint64

// Allocation pairs a freshly allocated index with a writable buffer
// for its pixel bytes.
type Allocation struct {
	Index InternalIndex
	Bytes []byte
}

// LockHandle is the RAII wrapper around the store's opaque lock
// (spec §6's "*mut Opaque"). ExistingPointers()[i] corresponds
// position-for-position to the `existing` slice passed to
// RetrieveAndLock; NewAllocations() holds the freshly allocated
// slots in request order.
type LockHandle interface {
	ExistingPointers() [][]byte
	NewAllocations() []Allocation
	// Unlock releases the handle. invalidate=true means the caller is
	// abandoning the work in progress (e.g. on Aborted) and any
	// freshly allocated-but-unwritten slots may be reclaimed.
	Unlock(invalidate bool) error
}

// Store is the external collaborator interface consumed by the cache
// core (spec.md §6).
type Store interface {
	// TileSize returns the depth-dependent tile dimensions, fixed
	// across the process.
	TileSize(depth int) (tx, ty int)

	// RetrieveAndLock locks the requested existing indices for
	// reading/writing and allocates toAllocate new slots, returning a
	// handle that must be released via Unlock.
	RetrieveAndLock(ctx context.Context, existing []InternalIndex, toAllocate int) (LockHandle, error)

	// Release permanently frees the given indices (used by
	// mark_region_unrendered to drop stale storage).
	Release(ctx context.Context, indices []InternalIndex) error

	// HasEntryForHash reports whether the store already holds data
	// keyed by hash. The cache and locker packages do not call it.
	HasEntryForHash(hash uint64) bool

	// IsPersistent reports whether the store (and therefore the cache
	// built on top of it) operates in cross-process mode.
	IsPersistent() bool

	// CurrentProcessUUID identifies this process/session.
	CurrentProcessUUID() uuid.UUID

	// IsUUIDAlive reports whether the process/session identified by id
	// is still alive, used to reclaim abandoned Pending tiles.
	IsUUIDAlive(id uuid.UUID) bool
}
