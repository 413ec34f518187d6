package metrics

import "sync/atomic"

// Counters aggregates serving outcomes across the lifetime of the
// process. All fields are safe for concurrent update.
type Counters struct {
	Requests       atomic.Int64
	Symbols        atomic.Int64
	MemoryHits     atomic.Int64
	PersistHits    atomic.Int64
	VendorFills    atomic.Int64
	Degraded       atomic.Int64
	Absent         atomic.Int64
	ForceRefreshes atomic.Int64
}

// CountersSnapshot is a point-in-time copy of Counters, shaped for the
// dashboard and the runtime report.
type CountersSnapshot struct {
	Requests       int64   `json:"requests"`
	Symbols        int64   `json:"symbols"`
	MemoryHits     int64   `json:"memory_hits"`
	PersistHits    int64   `json:"persist_hits"`
	VendorFills    int64   `json:"vendor_fills"`
	Degraded       int64   `json:"degraded"`
	Absent         int64   `json:"absent"`
	ForceRefreshes int64   `json:"force_refreshes"`
	CacheHitRate   float64 `json:"cache_hit_rate"`
}

func (c *Counters) Snapshot() CountersSnapshot {
	s := CountersSnapshot{
		Requests:       c.Requests.Load(),
		Symbols:        c.Symbols.Load(),
		MemoryHits:     c.MemoryHits.Load(),
		PersistHits:    c.PersistHits.Load(),
		VendorFills:    c.VendorFills.Load(),
		Degraded:       c.Degraded.Load(),
		Absent:         c.Absent.Load(),
		ForceRefreshes: c.ForceRefreshes.Load(),
	}
	if s.Symbols > 0 {
		s.CacheHitRate = float64(s.MemoryHits+s.PersistHits) / float64(s.Symbols)
	}
	return s
}
