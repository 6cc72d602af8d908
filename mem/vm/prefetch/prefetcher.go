package prefetch

import (
	"sync"
	"sync/atomic"

	"github.com/sarchlab/guestmem/mem/vm"
	"github.com/sarchlab/guestmem/mem/vm/tlb"
)

// A Prefetcher ties the analyzer and the predictor to the TLB
// hierarchy, inserting speculative entries into L1 ahead of demand
// accesses. It observes the hierarchy's access stream and runs
// opportunistically on the calling vCPU thread.
type Prefetcher struct {
	tlb       *tlb.Comp
	walker    vm.Walker
	analyzer  *Analyzer
	predictor *Predictor

	window   int
	degree   int
	interval uint64

	resetOnPIDSwitch bool
	pidMu            sync.Mutex
	lastPID          vm.PID
	sawPID           bool

	sinceLast []atomic.Uint64
}

// Analyzer returns the access-pattern analyzer the prefetcher feeds.
func (p *Prefetcher) Analyzer() *Analyzer {
	return p.analyzer
}

// Predictor returns the Markov predictor the prefetcher consults.
func (p *Prefetcher) Predictor() *Predictor {
	return p.predictor
}

// ObserveAccess feeds the analyzer. It implements tlb.AccessObserver so
// the prefetcher can be registered on the hierarchy at build time. When
// configured to do so, it clears the pattern state on an address-space
// switch so one process's pattern does not pollute another's
// predictions.
func (p *Prefetcher) ObserveAccess(
	vAddr uint64,
	pid vm.PID,
	access vm.AccessType,
	hit bool,
) {
	if p.resetOnPIDSwitch {
		p.pidMu.Lock()
		switched := p.sawPID && pid != p.lastPID
		p.lastPID = pid
		p.sawPID = true
		p.pidMu.Unlock()

		if switched {
			p.analyzer.Clear()
			p.predictor.Reset()
		}
	}

	p.analyzer.RecordAccess(vAddr, pid, access, hit)
}

// MaybePrefetch runs DynamicPrefetch once every interval calls for the
// vCPU. The embedding execution engine calls it after each translation.
func (p *Prefetcher) MaybePrefetch(vcpu int) {
	if p.sinceLast[vcpu].Add(1)%p.interval != 0 {
		return
	}

	p.DynamicPrefetch(vcpu)
}

// DynamicPrefetch classifies the recent access stream, asks the
// predictor for candidate addresses, and fills L1 with speculative
// entries for the candidates not already resident. Each candidate is
// resolved through a real page-table walk before insertion, with no
// hierarchy lock held during the walk; prediction is best-effort, so
// walker faults for predicted addresses are swallowed. It returns the
// number of entries inserted.
func (p *Prefetcher) DynamicPrefetch(vcpu int) int {
	last, ok := p.analyzer.LastRecord()
	if !ok {
		return 0
	}

	pattern := p.analyzer.AnalyzePattern(p.window)
	candidates := p.predictor.Predict(last.Addr, p.degree)

	inserted := 0
	log2PageSize := log2(p.tlb.PageSize())
	for _, addr := range candidates {
		vpn := addr >> log2PageSize
		if p.tlb.ResidentInL1(vcpu, vpn, last.PID) {
			continue
		}

		token := p.tlb.PrepareFill(vpn, last.PID)

		page, err := p.walker.Walk(addr, last.PID, vm.AccessRead)
		if err != nil {
			continue
		}

		if p.tlb.FillSpeculative(vcpu, page, token) {
			inserted++
		}
	}

	p.predictor.Update(pattern, len(candidates) > 0)

	return inserted
}

// PrefetcherStats reports the predictor's bookkeeping together with the
// current pattern class.
type PrefetcherStats struct {
	TotalPredictions   uint64
	CorrectPredictions uint64
	Accuracy           float64
	CurrentPattern     PatternType
}

// Stats returns the dynamic prefetch statistics.
func (p *Prefetcher) Stats() PrefetcherStats {
	total, correct := p.predictor.Counters()

	return PrefetcherStats{
		TotalPredictions:   total,
		CorrectPredictions: correct,
		Accuracy:           p.predictor.Accuracy(),
		CurrentPattern:     p.analyzer.AnalyzePattern(min(64, p.window)),
	}
}

func log2(n uint64) uint64 {
	var l uint64
	for n > 1 {
		n >>= 1
		l++
	}

	return l
}
