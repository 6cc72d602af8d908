// Package prefetch provides the access-pattern analyzer, the Markov
// predictor, and the dynamic prefetcher that speculatively warms the
// TLB.
package prefetch

import (
	"sync"
	"time"

	"github.com/sarchlab/guestmem/mem/vm"
)

// A PatternType classifies the recent access stream.
type PatternType int

// The pattern classes.
const (
	// PatternSequential is a linear address sequence, either byte-level
	// (stride no larger than 32 bytes) or page by page.
	PatternSequential PatternType = iota

	// PatternLoop is a repeating address subsequence.
	PatternLoop

	// PatternStride is a constant stride larger than 32 bytes.
	PatternStride

	// PatternRandom is anything the analyzer cannot classify with
	// confidence. No prediction is asserted for it.
	PatternRandom
)

func (p PatternType) String() string {
	switch p {
	case PatternSequential:
		return "sequential"
	case PatternLoop:
		return "loop"
	case PatternStride:
		return "stride"
	case PatternRandom:
		return "random"
	default:
		return "unknown"
	}
}

// An AccessRecord is one observed TLB access.
type AccessRecord struct {
	Addr      uint64
	PID       vm.PID
	Timestamp time.Duration
	Access    vm.AccessType
	TLBHit    bool
}

// sequentialStrideMax is the largest byte stride still counted as
// sequential.
const sequentialStrideMax = 32

// maxLoopPeriod caps the repeating-subsequence search.
const maxLoopPeriod = 8

// minConfidence is the score below which the analyzer reports Random.
const minConfidence = 0.5

// An Analyzer keeps a bounded history of TLB accesses and classifies
// the recent window into a pattern class. It is safe for concurrent use
// by multiple vCPU threads.
type Analyzer struct {
	mu       sync.Mutex
	history  []AccessRecord
	head     int
	size     int
	capacity int
	pageSize uint64
	start    time.Time
}

// NewAnalyzer creates an analyzer that keeps up to capacity records.
func NewAnalyzer(capacity int, pageSize uint64) *Analyzer {
	if capacity <= 0 {
		panic("analyzer history capacity must be positive")
	}

	return &Analyzer{
		history:  make([]AccessRecord, capacity),
		capacity: capacity,
		pageSize: pageSize,
		start:    time.Now(),
	}
}

// RecordAccess appends one access to the history, dropping the oldest
// record beyond capacity.
func (a *Analyzer) RecordAccess(
	addr uint64,
	pid vm.PID,
	access vm.AccessType,
	tlbHit bool,
) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.history[a.head] = AccessRecord{
		Addr:      addr,
		PID:       pid,
		Timestamp: time.Since(a.start),
		Access:    access,
		TLBHit:    tlbHit,
	}
	a.head = (a.head + 1) % a.capacity
	if a.size < a.capacity {
		a.size++
	}
}

// Len returns the number of records currently held.
func (a *Analyzer) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.size
}

// Clear drops all history.
func (a *Analyzer) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.head = 0
	a.size = 0
	a.start = time.Now()
}

// LastRecord returns the most recent access, if any.
func (a *Analyzer) LastRecord() (AccessRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.size == 0 {
		return AccessRecord{}, false
	}

	return a.history[(a.head-1+a.capacity)%a.capacity], true
}

// recent returns a copy of the last window records, oldest first.
func (a *Analyzer) recent(window int) []AccessRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := min(window, a.size)
	records := make([]AccessRecord, n)
	for i := range n {
		records[i] = a.history[(a.head-n+i+a.capacity)%a.capacity]
	}

	return records
}

// AnalyzePattern classifies the last window records. It returns Random
// when the history is too short or no class scores above the confidence
// threshold.
func (a *Analyzer) AnalyzePattern(window int) PatternType {
	records := a.recent(window)

	return classify(records, a.pageSize)
}

func classify(records []AccessRecord, pageSize uint64) PatternType {
	if len(records) < 4 {
		return PatternRandom
	}

	sequential := scoreSequential(records, pageSize)
	loop, _ := scoreLoop(records)
	stride, _ := scoreStride(records)

	best := PatternRandom
	bestScore := minConfidence

	// Order matters: a page-by-page walk scores 1.0 as both sequential
	// and stride, and the sequential reading is the useful one.
	if sequential >= bestScore {
		best = PatternSequential
		bestScore = sequential
	}

	if loop > bestScore {
		best = PatternLoop
		bestScore = loop
	}

	if stride > bestScore {
		best = PatternStride
	}

	return best
}

// scoreSequential returns the fraction of transitions that advance by a
// small stride or by exactly one page.
func scoreSequential(records []AccessRecord, pageSize uint64) float64 {
	transitions := len(records) - 1
	count := 0
	for i := 1; i < len(records); i++ {
		diff := int64(records[i].Addr) - int64(records[i-1].Addr)
		if diff > 0 &&
			(diff <= sequentialStrideMax || diff == int64(pageSize)) {
			count++
		}
	}

	return float64(count) / float64(transitions)
}

// scoreLoop searches for a repeating period and returns the match
// fraction of the best one.
func scoreLoop(records []AccessRecord) (score float64, period int) {
	n := len(records)
	for p := 1; p <= min(maxLoopPeriod, n/2); p++ {
		matches := 0
		for i := 0; i+p < n; i++ {
			if records[i].Addr == records[i+p].Addr {
				matches++
			}
		}

		s := float64(matches) / float64(n-p)
		if s > score {
			score = s
			period = p
		}
	}

	return score, period
}

// scoreStride returns the fraction of transitions that follow the most
// common stride larger than the sequential threshold.
func scoreStride(records []AccessRecord) (score float64, stride int64) {
	transitions := len(records) - 1
	counts := make(map[int64]int)
	for i := 1; i < len(records); i++ {
		diff := int64(records[i].Addr) - int64(records[i-1].Addr)
		if diff > sequentialStrideMax {
			counts[diff]++
		}
	}

	for s, c := range counts {
		f := float64(c) / float64(transitions)
		if f > score || (f == score && s < stride) {
			score = f
			stride = s
		}
	}

	return score, stride
}

// PredictNext predicts up to count addresses likely to be accessed
// after currentAddr, based on the pattern of the last window records.
// No prediction is asserted for a random stream.
func (a *Analyzer) PredictNext(
	currentAddr uint64,
	window, count int,
) []uint64 {
	records := a.recent(window)
	pattern := classify(records, a.pageSize)

	return predictForPattern(pattern, records, currentAddr, a.pageSize, count)
}

// PredictFor generates addresses for an externally chosen pattern
// class, using the same per-pattern generators as PredictNext. The
// Markov predictor maps its ranked next states to addresses with it.
func (a *Analyzer) PredictFor(
	pattern PatternType,
	currentAddr uint64,
	window, count int,
) []uint64 {
	records := a.recent(window)

	return predictForPattern(pattern, records, currentAddr, a.pageSize, count)
}

func predictForPattern(
	pattern PatternType,
	records []AccessRecord,
	currentAddr uint64,
	pageSize uint64,
	count int,
) []uint64 {
	if len(records) < 4 || count <= 0 {
		return nil
	}

	switch pattern {
	case PatternSequential:
		base := (currentAddr/pageSize + 1) * pageSize
		addrs := make([]uint64, count)
		for i := range addrs {
			addrs[i] = base + uint64(i)*pageSize
		}

		return addrs
	case PatternLoop:
		_, period := scoreLoop(records)
		if period == 0 {
			return nil
		}

		// In a period-p loop the next address repeats the one p records
		// back.
		n := len(records)
		addrs := make([]uint64, count)
		for i := range addrs {
			addrs[i] = records[n-period+i%period].Addr
		}

		return addrs
	case PatternStride:
		_, stride := scoreStride(records)
		if stride <= 0 {
			return nil
		}

		addrs := make([]uint64, count)
		for i := range addrs {
			addrs[i] = currentAddr + uint64(stride)*uint64(i+1)
		}

		return addrs
	default:
		return nil
	}
}

// AnalyzerStats summarizes the recorded history.
type AnalyzerStats struct {
	TotalAccesses  int
	TLBHits        int
	TLBMisses      int
	HitRate        float64
	CurrentPattern PatternType
}

// Stats returns the hit-rate summary and the pattern of the most recent
// accesses.
func (a *Analyzer) Stats() AnalyzerStats {
	a.mu.Lock()
	total := a.size
	hits := 0
	for i := range a.size {
		if a.history[(a.head-a.size+i+a.capacity)%a.capacity].TLBHit {
			hits++
		}
	}
	a.mu.Unlock()

	stats := AnalyzerStats{
		TotalAccesses:  total,
		TLBHits:        hits,
		TLBMisses:      total - hits,
		CurrentPattern: a.AnalyzePattern(min(64, total)),
	}
	if total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}

	return stats
}
