package tlb

import (
	"github.com/sarchlab/guestmem/mem/vm"
)

// A Key identifies a TLB entry. A level holds at most one entry per key
// at any instant.
type Key struct {
	VPN uint64
	PID vm.PID
}

// An Entry is a cached translation, together with the metadata the
// replacement policies and the prefetcher rely on.
type Entry struct {
	Key

	PPN   uint64
	Perms vm.Perm

	Dirty    bool
	Accessed bool

	// AccessCount and LastAccess drive the frequency- and time-based
	// replacement policies. LastAccess is the owning level's visit
	// counter at the time of the last hit, not wall-clock time.
	AccessCount uint64
	LastAccess  uint64

	// FrequencyWeight summarizes AccessCount into tiers so that the
	// hybrid policy can compare entries without scanning full counters.
	FrequencyWeight uint8

	HotMark bool

	// PrefetchMark is set on speculative entries inserted by the
	// prefetcher. It is cleared the first time a demand access hits the
	// entry.
	PrefetchMark bool
}

// recordHit updates the entry metadata for a demand hit. A speculative
// entry is promoted to a demand entry on its first hit.
func (e *Entry) recordHit(now uint64, access vm.AccessType) {
	if e.PrefetchMark {
		e.PrefetchMark = false
		if e.FrequencyWeight < 2 {
			e.FrequencyWeight = 2
		}
	}

	e.AccessCount++
	e.LastAccess = now
	e.Accessed = true

	switch {
	case e.AccessCount > 100:
		e.FrequencyWeight = 3
		e.HotMark = true
	case e.AccessCount > 10:
		if e.FrequencyWeight < 2 {
			e.FrequencyWeight = 2
		}
	default:
		if e.FrequencyWeight < 1 {
			e.FrequencyWeight = 1
		}
	}

	if access == vm.AccessWrite {
		e.Dirty = true
	}
}
