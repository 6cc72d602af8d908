package prefetch

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// A transition is one edge of the Markov chain over pattern classes.
type transition struct {
	prob       float64
	count      uint64
	lastUpdate time.Time
}

// A Predictor learns transition probabilities between pattern classes
// and predicts likely next addresses. It keeps both a first-order model
// and an N-gram model keyed by the last N observed states.
type Predictor struct {
	mu sync.Mutex

	analyzer     *Analyzer
	learningRate float64
	order        int
	window       int

	current PatternType
	history []PatternType

	matrix map[PatternType]map[PatternType]*transition
	ngrams map[string]map[PatternType]*transition

	totalPredictions   uint64
	correctPredictions uint64
}

// NewPredictor creates a predictor over the analyzer's pattern stream.
// The learning rate governs the exponential update of transition
// probabilities; order is the N-gram length of the higher-order model.
func NewPredictor(
	analyzer *Analyzer,
	learningRate float64,
	order int,
	window int,
) *Predictor {
	if learningRate <= 0 || learningRate > 1 {
		panic("learning rate must be in (0, 1]")
	}

	if order < 1 {
		panic("n-gram order must be at least 1")
	}

	p := &Predictor{
		analyzer:     analyzer,
		learningRate: learningRate,
		order:        order,
		window:       window,
	}
	p.Reset()

	return p
}

// Reset forgets all learned transitions and predictions.
func (p *Predictor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = PatternRandom
	p.history = p.history[:0]
	p.matrix = make(map[PatternType]map[PatternType]*transition)
	p.ngrams = make(map[string]map[PatternType]*transition)
	p.totalPredictions = 0
	p.correctPredictions = 0
}

// CurrentState returns the most recently observed pattern class.
func (p *Predictor) CurrentState() PatternType {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.current
}

// Update records an observed transition into the next pattern class.
// The observed edge receives an exponential boost
// p' = p + (1-p)*rate, and the row is renormalized, implicitly decaying
// every other edge. wasCorrect feeds the accuracy counters.
func (p *Predictor) Update(next PatternType, wasCorrect bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()

	p.bump(p.rowFor(p.current), next, now)

	if len(p.history) >= p.order {
		key := ngramKey(p.history[len(p.history)-p.order:])
		row, ok := p.ngrams[key]
		if !ok {
			row = make(map[PatternType]*transition)
			p.ngrams[key] = row
		}
		p.bump(row, next, now)
	}

	p.history = append(p.history, next)
	if len(p.history) > p.order {
		p.history = p.history[len(p.history)-p.order:]
	}
	p.current = next

	p.totalPredictions++
	if wasCorrect {
		p.correctPredictions++
	}
}

func (p *Predictor) rowFor(state PatternType) map[PatternType]*transition {
	row, ok := p.matrix[state]
	if !ok {
		row = make(map[PatternType]*transition)
		p.matrix[state] = row
	}

	return row
}

func (p *Predictor) bump(
	row map[PatternType]*transition,
	next PatternType,
	now time.Time,
) {
	t, ok := row[next]
	if !ok {
		t = &transition{}
		row[next] = t
	}

	t.prob += (1 - t.prob) * p.learningRate
	t.count++
	t.lastUpdate = now

	sum := 0.0
	for _, other := range row {
		sum += other.prob
	}
	for _, other := range row {
		other.prob /= sum
	}
}

// Predict ranks the next pattern classes reachable from the current
// state by transition probability, descending, with ties broken by the
// most recently updated transition, and extrapolates addresses for the
// ranked states, up to count. The top-ranked state fills as much of the
// budget as it can; later states only cover what remains. It returns
// nothing when no transition has been recorded from the current state.
func (p *Predictor) Predict(currentAddr uint64, count int) []uint64 {
	p.mu.Lock()
	states := rankedStates(p.matrix[p.current], count)
	p.mu.Unlock()

	return p.addressesFor(states, currentAddr, count)
}

// PredictWithHistory is the higher-order variant of Predict: it keys
// the transition model on the last N states of the supplied history and
// falls back to the single-state model when no N-gram has been seen.
func (p *Predictor) PredictWithHistory(
	history []PatternType,
	currentAddr uint64,
	count int,
) []uint64 {
	p.mu.Lock()

	var states []PatternType
	if len(history) >= p.order {
		key := ngramKey(history[len(history)-p.order:])
		if row, ok := p.ngrams[key]; ok {
			states = rankedStates(row, count)
		}
	}

	if len(states) == 0 {
		state := p.current
		if len(history) > 0 {
			state = history[len(history)-1]
		}
		states = rankedStates(p.matrix[state], count)
	}

	p.mu.Unlock()

	return p.addressesFor(states, currentAddr, count)
}

func (p *Predictor) addressesFor(
	states []PatternType,
	currentAddr uint64,
	count int,
) []uint64 {
	var addrs []uint64
	for _, state := range states {
		remaining := count - len(addrs)
		if remaining <= 0 {
			break
		}

		generated := p.analyzer.PredictFor(
			state, currentAddr, p.window, remaining)
		addrs = append(addrs, generated...)
	}

	return addrs
}

func rankedStates(
	row map[PatternType]*transition,
	count int,
) []PatternType {
	states := make([]PatternType, 0, len(row))
	for state := range row {
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool {
		a, b := row[states[i]], row[states[j]]
		if a.prob != b.prob {
			return a.prob > b.prob
		}

		return a.lastUpdate.After(b.lastUpdate)
	})

	if len(states) > count {
		states = states[:count]
	}

	return states
}

// Accuracy returns the fraction of updates flagged correct, or 0 before
// the first update.
func (p *Predictor) Accuracy() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.totalPredictions == 0 {
		return 0
	}

	return float64(p.correctPredictions) / float64(p.totalPredictions)
}

// Counters returns the raw prediction counters.
func (p *Predictor) Counters() (total, correct uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.totalPredictions, p.correctPredictions
}

func ngramKey(states []PatternType) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = fmt.Sprintf("%d", int(s))
	}

	return strings.Join(parts, ">")
}
