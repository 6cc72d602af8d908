package prefetch

import (
	"sync/atomic"

	"github.com/sarchlab/guestmem/mem/vm"
	"github.com/sarchlab/guestmem/mem/vm/tlb"
)

// A Builder can build dynamic prefetchers.
type Builder struct {
	tlb              *tlb.Comp
	walker           vm.Walker
	historyCapacity  int
	window           int
	degree           int
	interval         uint64
	learningRate     float64
	order            int
	resetOnPIDSwitch bool
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		historyCapacity: 1024,
		window:          64,
		degree:          3,
		interval:        16,
		learningRate:    0.1,
		order:           2,
	}
}

// WithTLB sets the hierarchy the prefetcher inserts into.
func (b Builder) WithTLB(c *tlb.Comp) Builder {
	b.tlb = c
	return b
}

// WithWalker sets the page-table walker used to resolve predicted
// addresses before insertion.
func (b Builder) WithWalker(w vm.Walker) Builder {
	b.walker = w
	return b
}

// WithHistoryCapacity sets the analyzer's ring-buffer capacity.
func (b Builder) WithHistoryCapacity(n int) Builder {
	b.historyCapacity = n
	return b
}

// WithWindow sets the number of recent records classified per
// prediction.
func (b Builder) WithWindow(n int) Builder {
	b.window = n
	return b
}

// WithDegree sets the maximum number of addresses prefetched at once.
func (b Builder) WithDegree(n int) Builder {
	b.degree = n
	return b
}

// WithInterval sets how many translations pass between two prefetch
// rounds of one vCPU.
func (b Builder) WithInterval(n uint64) Builder {
	b.interval = n
	return b
}

// WithLearningRate sets the predictor's exponential learning rate.
func (b Builder) WithLearningRate(rate float64) Builder {
	b.learningRate = rate
	return b
}

// WithNGramOrder sets the order of the higher-order prediction model.
func (b Builder) WithNGramOrder(n int) Builder {
	b.order = n
	return b
}

// WithResetOnPIDSwitch makes the analyzer and predictor forget their
// state whenever the observed address space changes.
func (b Builder) WithResetOnPIDSwitch(reset bool) Builder {
	b.resetOnPIDSwitch = reset
	return b
}

// Build creates the prefetcher together with its analyzer and
// predictor.
func (b Builder) Build() *Prefetcher {
	if b.tlb == nil {
		panic("a prefetcher requires a TLB hierarchy")
	}

	if b.walker == nil {
		panic("a prefetcher requires a page-table walker")
	}

	if b.interval == 0 {
		panic("the prefetch interval must be positive")
	}

	analyzer := NewAnalyzer(b.historyCapacity, b.tlb.PageSize())

	p := &Prefetcher{
		tlb:              b.tlb,
		walker:           b.walker,
		analyzer:         analyzer,
		predictor:        NewPredictor(analyzer, b.learningRate, b.order, b.window),
		window:           b.window,
		degree:           b.degree,
		interval:         b.interval,
		resetOnPIDSwitch: b.resetOnPIDSwitch,
		sinceLast:        make([]atomic.Uint64, b.tlb.NumVCPU()),
	}

	return p
}
