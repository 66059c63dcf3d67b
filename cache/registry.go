package cache

import (
	"sync"

	"github.com/natronlabs/tilecache/tilestate"
)

// sharedLevels is the in-process, non-persistent analogue of an
// ipc.Segment: when the store is not persistent there is no memory-
// mapped file for entries to rendezvous through, so Entry instances
// that share a key instead share one sharedLevels guarded by its own
// lock. This has no counterpart in spec.md's text, which assumes a
// single shared-memory segment per entry key; it is required because
// this implementation also supports a non-persistent store.Store
// (store.Store.IsPersistent() == false), and without it two Entry
// values racing on the same key in the same process would each
// believe they own an independent copy of the tile state matrix.
type sharedLevels struct {
	mu     sync.RWMutex
	levels []*tilestate.LevelState
}

// Registry holds one sharedLevels per cache key for the lifetime of
// the process. A single Registry should be shared by every Entry
// created against a non-persistent store.Store.
type Registry struct {
	mu      sync.Mutex
	entries map[uint64]*sharedLevels
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint64]*sharedLevels)}
}

func (r *Registry) getOrCreate(key uint64) *sharedLevels {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.entries[key]
	if !ok {
		sl = &sharedLevels{}
		r.entries[key] = sl
	}
	return sl
}
