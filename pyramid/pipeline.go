package pyramid

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/natronlabs/tilecache/errs"
	"github.com/natronlabs/tilecache/geom"
	"github.com/natronlabs/tilecache/store"
)

// FetchTask carries one channel plane of one already-Rendered leaf
// tile as read from the store, for use as a downscale source
// (spec.md §4.6's "fetch" half of the pipeline).
type FetchTask struct {
	Level   int
	Coord   geom.Point
	Bounds  geom.Rect
	Channel int
	Index   store.InternalIndex
	Bytes   []byte
}

// DownscaleTask reconstructs one internal (not yet rendered) tile from
// up to 4 finer-level children, in childCoords order. DstChannels and
// DstBytes are populated by BuildTasks once the store has allocated
// storage for the result.
type DownscaleTask struct {
	Level       int
	Coord       geom.Point
	Bounds      geom.Rect
	Children    [4]Index
	DstChannels [4]store.InternalIndex
	DstBytes    [4][]byte
}

// CopyDirection selects which way TileTask moves bytes relative to the
// caller's pixel buffer.
type CopyDirection int

const (
	CopyDirectionOut CopyDirection = iota
	CopyDirectionIn
)

// Plan walks the Index tree Lookup returned, splitting it into leaves
// (already-valid storage, ready to fetch) and internals (need
// downscaling from their Children before they have valid storage).
// Invalid slots and nil trees contribute nothing.
func Plan(root *Index) (leaves []*Index, internals []*Index) {
	var walk func(n *Index)
	walk = func(n *Index) {
		if n == nil || !n.Valid {
			return
		}
		if n.IsLeaf() {
			leaves = append(leaves, n)
			return
		}
		for i := range n.Children {
			walk(&n.Children[i])
		}
		internals = append(internals, n)
	}
	walk(root)
	return leaves, internals
}

// ExistingIndices flattens leaves' four channel indices in the exact
// order BuildTasks will consume RetrieveAndLock's ExistingPointers.
func ExistingIndices(leaves []*Index) []store.InternalIndex {
	out := make([]store.InternalIndex, 0, 4*len(leaves))
	for _, l := range leaves {
		out = append(out, l.Channels[:]...)
	}
	return out
}

// RequiredAllocations is the number of new storage slots
// RetrieveAndLock must be asked for to cover every internal node's
// four channels.
func RequiredAllocations(internals []*Index) int {
	return 4 * len(internals)
}

// BuildTasks pairs a locked store handle's existing pointers and fresh
// allocations with the leaves/internals Plan produced, in the same
// order ExistingIndices/RequiredAllocations counted them in.
func BuildTasks(leaves, internals []*Index, handle store.LockHandle) ([]FetchTask, map[int][]*DownscaleTask, error) {
	existingPtrs := handle.ExistingPointers()
	wantExisting := 4 * len(leaves)
	if len(existingPtrs) != wantExisting {
		return nil, nil, fmt.Errorf("pyramid: BuildTasks: got %d existing pointers, want %d", len(existingPtrs), wantExisting)
	}

	fetch := make([]FetchTask, 0, wantExisting)
	cursor := 0
	for _, leaf := range leaves {
		for ch := 0; ch < 4; ch++ {
			idx := leaf.Channels[ch]
			if idx != store.InvalidIndex {
				fetch = append(fetch, FetchTask{
					Level: leaf.Level, Coord: leaf.Coord, Bounds: leaf.Bounds,
					Channel: ch, Index: idx, Bytes: existingPtrs[cursor],
				})
			}
			cursor++
		}
	}

	allocs := handle.NewAllocations()
	wantAlloc := RequiredAllocations(internals)
	if len(allocs) != wantAlloc {
		return nil, nil, fmt.Errorf("pyramid: BuildTasks: got %d allocations, want %d", len(allocs), wantAlloc)
	}

	byLevel := make(map[int][]*DownscaleTask)
	ai := 0
	for _, node := range internals {
		var dstChannels [4]store.InternalIndex
		var dstBytes [4][]byte
		for ch := 0; ch < 4; ch++ {
			dstChannels[ch] = allocs[ai].Index
			dstBytes[ch] = allocs[ai].Bytes
			ai++
		}
		task := &DownscaleTask{
			Level: node.Level, Coord: node.Coord, Bounds: node.Bounds,
			Children: *node.Children, DstChannels: dstChannels, DstBytes: dstBytes,
		}
		byLevel[node.Level] = append(byLevel[node.Level], task)
	}
	return fetch, byLevel, nil
}

// RunCopyPipeline moves pixel bytes between the store and buf for
// every task.
//
// The two directions are not symmetric: a CopyDirectionOut (serving a
// render request) runs at most GOMAXPROCS copies at once via errgroup,
// the same worker-pool shape as the teacher's tile generator, and
// aborts the whole pipeline on context cancellation. A CopyDirectionIn
// (publishing a render result into the store) runs its copies one
// after another, does not look at ctx and always completes every copy.
func RunCopyPipeline(ctx context.Context, tasks []TileTask, dir CopyDirection) error {
	if dir == CopyDirectionIn {
		for _, t := range tasks {
			t.Publish()
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return errs.New("pyramid.RunCopyPipeline", errs.Aborted, err)
			}
			t.Fetch()
			return nil
		})
	}
	return g.Wait()
}

// TileTask carries the information RunCopyPipeline needs to move one
// channel plane of one tile between the store and a caller-owned
// buffer plane.
type TileTask struct {
	Level   int
	Coord   geom.Point
	Bounds  geom.Rect
	Channel int
	Store   []byte // the store's backing bytes for this channel plane
	Buffer  []byte // the caller's pixel buffer plane, same length
}

// Fetch drains Store into Buffer, for CopyDirectionOut.
func (t TileTask) Fetch() {
	copy(t.Buffer, t.Store)
}

// Publish writes Buffer into Store, for CopyDirectionIn.
func (t TileTask) Publish() {
	copy(t.Store, t.Buffer)
}

// RunDownscalePipeline reconstructs every DownscaleTask, processing
// levels from the finest reconstructed level up toward the target
// level so that by the time a level's tasks run, every child tile they
// depend on (either an original leaf or a just-reconstructed finer
// level) already has valid bytes. Levels run sequentially; the tasks
// within one level run concurrently via errgroup, bounded to
// GOMAXPROCS, mirroring the teacher's per-zoom worker pool.
func RunDownscalePipeline(ctx context.Context, tasksByLevel map[int][]*DownscaleTask, tileW, tileH int, byteSource func(level int, coord geom.Point) [4][]byte) error {
	levels := make([]int, 0, len(tasksByLevel))
	for lvl := range tasksByLevel {
		levels = append(levels, lvl)
	}
	sort.Ints(levels)

	for _, lvl := range levels {
		tasks := tasksByLevel[lvl]
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for _, task := range tasks {
			task := task
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return errs.New("pyramid.RunDownscalePipeline", errs.Aborted, err)
				}
				for ch := 0; ch < 4; ch++ {
					var srcPlanes [4][]byte
					for i, child := range task.Children {
						if !child.Valid {
							continue
						}
						planes := byteSource(child.Level, child.Coord)
						srcPlanes[i] = planes[ch]
					}
					out := downsampleChannel(srcPlanes, tileW, tileH)
					copy(task.DstBytes[ch], out)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}
