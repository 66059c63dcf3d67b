package cache

import (
	"encoding/binary"
	"hash/fnv"
	"math"
)

// TileHash derives a deterministic, cross-process identifier for one
// channel plane of one tile, the spec's tile_hash(tx, ty, level,
// channel, entryHash). Grounded directly on
// internal/pmtiles/writer.go's tileHash (FNV-64a over tile bytes):
// same hash family, applied here to the tile's coordinates rather
// than its content, since this hash addresses a store slot instead of
// deduplicating one.
func TileHash(tx, ty, level, channel int, entryHash uint64) uint64 {
	var buf [40]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(tx))
	binary.BigEndian.PutUint64(buf[8:16], uint64(ty))
	binary.BigEndian.PutUint64(buf[16:24], uint64(level))
	binary.BigEndian.PutUint64(buf[24:32], uint64(channel))
	binary.BigEndian.PutUint64(buf[32:40], entryHash)

	h := fnv.New64a()
	h.Write(buf[:])
	return h.Sum64()
}

// ComputeKey folds the per-image identity fields spec.md §3 lists for
// ImageCacheEntry.key (node hash x layer hash x proxy scale x plugin
// id) into one FNV-1a hash, the same hash family TileHash and the
// teacher's tileHash use.
func ComputeKey(nodeHash, layerHash uint64, proxyScale float64, pluginID uint32) uint64 {
	var buf [28]byte
	binary.BigEndian.PutUint64(buf[0:8], nodeHash)
	binary.BigEndian.PutUint64(buf[8:16], layerHash)
	binary.BigEndian.PutUint64(buf[16:24], math.Float64bits(proxyScale))
	binary.BigEndian.PutUint32(buf[24:28], pluginID)

	h := fnv.New64a()
	h.Write(buf[:])
	return h.Sum64()
}
