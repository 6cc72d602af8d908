package tlb

import (
	"sync"

	"github.com/sarchlab/guestmem/mem/vm"
)

// A Builder can build multi-level TLBs.
type Builder struct {
	numVCPU      int
	l1Capacity   int
	l2Capacity   int
	l3Capacity   int
	l1Policy     Policy
	l2Policy     Policy
	l3Policy     Policy
	log2PageSize uint64
	walker       vm.Walker
	observers    []AccessObserver
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		numVCPU:      1,
		l1Capacity:   64,
		l2Capacity:   256,
		l3Capacity:   1024,
		l1Policy:     PolicyTimeBasedLRU,
		l2Policy:     PolicyTimeBasedLRU,
		l3Policy:     PolicyFrequencyBasedLRU,
		log2PageSize: 12,
	}
}

// WithNumVCPU sets the number of vCPUs, each owning a private L1.
func (b Builder) WithNumVCPU(n int) Builder {
	b.numVCPU = n
	return b
}

// WithL1Capacity sets the number of entries of each per-vCPU L1.
func (b Builder) WithL1Capacity(n int) Builder {
	b.l1Capacity = n
	return b
}

// WithL2Capacity sets the number of entries of the shared L2.
func (b Builder) WithL2Capacity(n int) Builder {
	b.l2Capacity = n
	return b
}

// WithL3Capacity sets the number of entries of the shared L3.
func (b Builder) WithL3Capacity(n int) Builder {
	b.l3Capacity = n
	return b
}

// WithL1Policy sets the replacement policy of the L1 levels.
func (b Builder) WithL1Policy(p Policy) Builder {
	b.l1Policy = p
	return b
}

// WithL2Policy sets the replacement policy of the L2 level.
func (b Builder) WithL2Policy(p Policy) Builder {
	b.l2Policy = p
	return b
}

// WithL3Policy sets the replacement policy of the L3 level.
func (b Builder) WithL3Policy(p Policy) Builder {
	b.l3Policy = p
	return b
}

// WithLog2PageSize sets the page size as a power of 2.
func (b Builder) WithLog2PageSize(n uint64) Builder {
	b.log2PageSize = n
	return b
}

// WithWalker sets the page-table walker that resolves full misses.
func (b Builder) WithWalker(w vm.Walker) Builder {
	b.walker = w
	return b
}

// WithAccessObserver registers an observer notified after each
// translation.
func (b Builder) WithAccessObserver(o AccessObserver) Builder {
	b.observers = append(b.observers, o)
	return b
}

// Build creates the TLB hierarchy.
func (b Builder) Build(name string) *Comp {
	if b.walker == nil {
		panic("a TLB hierarchy requires a page-table walker")
	}

	if b.numVCPU <= 0 {
		panic("the number of vCPUs must be positive")
	}

	c := &Comp{
		name:         name,
		log2PageSize: b.log2PageSize,
		walker:       b.walker,
		l2:           NewLevel(b.l2Capacity, b.l2Policy),
		l3:           NewLevel(b.l3Capacity, b.l3Policy),
		gens:         make(map[Key]uint64),
		observers:    b.observers,
	}

	c.l1 = make([]*Level, b.numVCPU)
	c.l1Locks = make([]sync.Mutex, b.numVCPU)
	for i := range c.l1 {
		c.l1[i] = NewLevel(b.l1Capacity, b.l1Policy)
	}

	return c
}
