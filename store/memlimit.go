package store

import (
	"runtime"

	"github.com/sirupsen/logrus"
)

// DefaultMemoryPressureFraction is the fraction of total RAM at which
// MemStore should start spilling resident tiles to disk (see
// MemStoreConfig.SpillThresholdBytes). 0.90 = 90%, carried from the
// teacher's internal/tile/memlimit.go default.
const DefaultMemoryPressureFraction = 0.90

// ComputeSpillThreshold returns the resident-byte threshold MemStore
// should use before spilling, as a fraction of total system RAM minus
// current Go heap overhead. Adapted from internal/tile/memlimit.go's
// ComputeMemoryLimit, generalized from "GeoTIFF/PMTiles generation
// process" headroom to "tile cache process" headroom — the arithmetic
// is identical, only the caller and log fields changed.
//
// Returns 0 if RAM detection fails or the computed limit would be
// unreasonably small, in which case the caller should disable
// spilling (keep everything resident).
func ComputeSpillThreshold(fraction float64, log logrus.FieldLogger) int64 {
	if log == nil {
		log = logrus.StandardLogger()
	}
	totalRAM, err := totalSystemRAM()
	if err != nil {
		log.WithError(err).Debug("store: cannot detect system RAM; disk spilling disabled")
		return 0
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	overhead := m.Sys + 1*1024*1024*1024 // current usage + 1 GB headroom

	limit := int64(float64(totalRAM)*fraction) - int64(overhead)
	const minimum = 256 * 1024 * 1024
	if limit < minimum {
		log.WithFields(logrus.Fields{"computed_mb": limit / (1024 * 1024)}).
			Debug("store: computed spill threshold too small; disk spilling disabled")
		return 0
	}
	return limit
}
