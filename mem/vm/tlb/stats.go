package tlb

import "sync/atomic"

// Stats holds the hit/miss counters of one hierarchy instance. The
// counters are atomics owned by the instance, not process-wide globals,
// so multiple VM instances coexist safely.
type Stats struct {
	L1Hits atomic.Uint64
	L2Hits atomic.Uint64
	L3Hits atomic.Uint64
	Misses atomic.Uint64
	Walks  atomic.Uint64
	Faults atomic.Uint64
}

// A StatsSnapshot is a consistent-enough copy of the counters for
// reporting.
type StatsSnapshot struct {
	L1Hits uint64
	L2Hits uint64
	L3Hits uint64
	Misses uint64
	Walks  uint64
	Faults uint64
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		L1Hits: s.L1Hits.Load(),
		L2Hits: s.L2Hits.Load(),
		L3Hits: s.L3Hits.Load(),
		Misses: s.Misses.Load(),
		Walks:  s.Walks.Load(),
		Faults: s.Faults.Load(),
	}
}

// Hits returns the total number of hits across all levels.
func (s StatsSnapshot) Hits() uint64 {
	return s.L1Hits + s.L2Hits + s.L3Hits
}

// Lookups returns the total number of translations attempted.
func (s StatsSnapshot) Lookups() uint64 {
	return s.Hits() + s.Misses
}

// HitRate returns the fraction of translations served from the TLB.
func (s StatsSnapshot) HitRate() float64 {
	lookups := s.Lookups()
	if lookups == 0 {
		return 0
	}

	return float64(s.Hits()) / float64(lookups)
}
