package tlb

import "fmt"

// A Policy names a replacement policy a TLB level can run. Policies are
// a closed set dispatched with a switch in the eviction path, keeping
// the miss path free of dynamic calls.
type Policy int

// The replacement policies.
const (
	// PolicyFrequencyBasedLRU evicts the entry with the lowest frequency
	// weight, breaking ties by access count and then by staleness.
	PolicyFrequencyBasedLRU Policy = iota

	// PolicyTimeBasedLRU evicts the least recently used entry.
	PolicyTimeBasedLRU

	// PolicyHybrid evicts the entry with the highest age discounted by
	// its access frequency.
	PolicyHybrid

	// PolicyTwoQueue keeps recent entries in a FIFO probation queue and
	// frequently reused entries in a protected LRU queue, with a ghost
	// list of recently evicted keys deciding promotion.
	PolicyTwoQueue

	// PolicyClock runs the second-chance algorithm over the entries in
	// insertion order.
	PolicyClock

	// PolicyDynamic observes the level's hit rate and switches among the
	// other policies at runtime.
	PolicyDynamic
)

func (p Policy) String() string {
	switch p {
	case PolicyFrequencyBasedLRU:
		return "frequency-based-lru"
	case PolicyTimeBasedLRU:
		return "time-based-lru"
	case PolicyHybrid:
		return "hybrid"
	case PolicyTwoQueue:
		return "two-queue"
	case PolicyClock:
		return "clock"
	case PolicyDynamic:
		return "dynamic"
	default:
		panic(fmt.Sprintf("unknown policy %d", int(p)))
	}
}

// dynamicCandidates is the rotation order PolicyDynamic cycles through
// when the observed hit rate degrades.
var dynamicCandidates = []Policy{
	PolicyFrequencyBasedLRU,
	PolicyTimeBasedLRU,
	PolicyHybrid,
	PolicyTwoQueue,
	PolicyClock,
}

// A dynamicSelector decides when PolicyDynamic should switch the active
// policy. It compares the hit rate of the current window against the
// previous window and rotates to the next candidate when the rate drops
// by more than the threshold.
type dynamicSelector struct {
	windowSize int
	threshold  float64

	active      int
	lookups     uint64
	hits        uint64
	prevHitRate float64
	hasPrevRate bool
}

func makeDynamicSelector(windowSize int) dynamicSelector {
	return dynamicSelector{
		windowSize: windowSize,
		threshold:  0.05,
	}
}

func (s *dynamicSelector) activePolicy() Policy {
	return dynamicCandidates[s.active]
}

// noteLookup records one lookup outcome and reports whether the active
// policy changed.
func (s *dynamicSelector) noteLookup(hit bool) (switched bool) {
	s.lookups++
	if hit {
		s.hits++
	}

	if s.lookups < uint64(s.windowSize) {
		return false
	}

	rate := float64(s.hits) / float64(s.lookups)
	s.lookups = 0
	s.hits = 0

	if s.hasPrevRate && rate < s.prevHitRate-s.threshold {
		s.active = (s.active + 1) % len(dynamicCandidates)
		switched = true
	}

	s.prevHitRate = rate
	s.hasPrevRate = true

	return switched
}
