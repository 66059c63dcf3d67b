// Package locker implements the Cache-Entry Locker collaborator:
// given a hash key, it serializes the first-time construction of the
// per-image cache entry so that exactly one caller becomes the
// initializer while concurrent others wait for that initializer to
// publish.
//
// Grounded on internal/cog/tilecache.go's single-writer-per-key map
// for the claim bookkeeping, generalized from "evict on full" to the
// spec's three-state handshake, and on golang.org/x/sync/singleflight
// (as used by other_examples' zmanim-style first-access collapsing)
// for collapsing concurrent waiters onto one poll loop.
package locker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/natronlabs/tilecache/errs"

	"github.com/sirupsen/logrus"
)

// Status is a cache entry's construction state as observed by Get.
type Status int

const (
	Cached Status = iota
	MustCompute
	ComputationPending
)

func (s Status) String() string {
	switch s {
	case Cached:
		return "cached"
	case MustCompute:
		return "must_compute"
	case ComputationPending:
		return "computation_pending"
	default:
		return "unknown"
	}
}

// Handle is the object spec.md's get(key) returns: a per-key view
// whose WaitForPendingEntry/InsertInCache apply to the key the handle
// was obtained for, without needing to repeat it.
type Handle struct {
	status Status
	key    uint64
	l      *Locker
}

func (h Handle) Status() Status { return h.status }

// WaitForPendingEntry blocks, with the 40ms*1.2^n backoff of spec.md
// §4.3's wait_for_pending, until the entry is no longer mid-claim or
// ctx is cancelled. Concurrent callers for the same key share one
// underlying wait loop via singleflight, since they all want the
// identical answer "is key still being computed".
func (h Handle) WaitForPendingEntry(ctx context.Context) (Status, error) {
	return h.l.waitForPendingEntry(ctx, h.key)
}

// InsertInCache publishes the entry this handle's owner just finished
// constructing, releasing any concurrent waiters.
func (h Handle) InsertInCache() error {
	return h.l.insertInCache(h.key)
}

// Locker is the process-wide collaborator cache.Entry's constructor
// consults on first access to a given hash key.
type Locker struct {
	mu      sync.Mutex
	claimed map[uint64]struct{}
	cached  map[uint64]struct{}
	sf      singleflight.Group
	log     logrus.FieldLogger
}

// New creates an empty Locker. A single Locker instance should be
// shared by every cache.Entry constructed against the same store.
func New(log logrus.FieldLogger) *Locker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Locker{
		claimed: make(map[uint64]struct{}),
		cached:  make(map[uint64]struct{}),
		log:     log,
	}
}

// Get resolves key's current status and, on first access, claims it
// for the calling goroutine as the sole initializer.
func (l *Locker) Get(key uint64) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.cached[key]; ok {
		return Handle{status: Cached, key: key, l: l}, nil
	}
	if _, ok := l.claimed[key]; ok {
		return Handle{status: ComputationPending, key: key, l: l}, nil
	}
	l.claimed[key] = struct{}{}
	l.log.WithField("key", key).Debug("locker: granted must_compute")
	return Handle{status: MustCompute, key: key, l: l}, nil
}

func (l *Locker) waitForPendingEntry(ctx context.Context, key uint64) (Status, error) {
	v, err, _ := l.sf.Do(strconv.FormatUint(key, 10), func() (interface{}, error) {
		return l.pollUntilResolved(ctx, key)
	})
	if err != nil {
		return 0, err
	}
	return v.(Status), nil
}

func (l *Locker) pollUntilResolved(ctx context.Context, key uint64) (Status, error) {
	delay := 40 * time.Millisecond
	for {
		l.mu.Lock()
		_, cached := l.cached[key]
		_, claimed := l.claimed[key]
		l.mu.Unlock()

		if cached {
			return Cached, nil
		}
		if !claimed {
			// The claim vanished without a publish (the initializer
			// failed and never called InsertInCache): the caller must
			// become the new initializer.
			return MustCompute, nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, errs.New("locker.WaitForPendingEntry", errs.Aborted, ctx.Err())
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * 1.2)
	}
}

func (l *Locker) insertInCache(key uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claimed, key)
	l.cached[key] = struct{}{}
	l.log.WithField("key", key).Debug("locker: inserted in cache")
	return nil
}

// Release abandons a claim without publishing, used when a
// MustCompute initializer fails before calling InsertInCache so that
// ComputationPending waiters fall back to MustCompute instead of
// blocking forever.
func (l *Locker) Release(key uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claimed, key)
}
