package tlb

import (
	"container/list"
	"fmt"

	"github.com/sarchlab/guestmem/mem/vm"
)

// A Level is a single cache level of the TLB hierarchy. It maps keys to
// entries and evicts through its replacement policy when full.
//
// A Level performs no internal locking. An L1 level is owned by its vCPU
// thread; shared levels are guarded by the hierarchy.
type Level struct {
	capacity int
	policy   Policy
	dyn      dynamicSelector

	entries map[Key]*Entry

	// Recency order, most recently used at the front.
	lru     *list.List
	lruElem map[Key]*list.Element

	// Insertion order, traversed by the clock policy's hand.
	fifo     *list.List
	fifoElem map[Key]*list.Element
	hand     *list.Element

	// Two-queue state: a FIFO probation queue (a1in), a protected LRU
	// queue (am), and a ghost list of recently evicted keys (a1out).
	// Maintained only while the two-queue policy is active.
	a1in      *list.List
	a1out     *list.List
	am        *list.List
	queueElem map[Key]*list.Element
	inAm      map[Key]bool
	ghostElem map[Key]*list.Element

	visitCount uint64
}

// NewLevel creates a TLB level with the given capacity and replacement
// policy.
func NewLevel(capacity int, policy Policy) *Level {
	if capacity <= 0 {
		panic("level capacity must be positive")
	}

	l := &Level{
		capacity: capacity,
		policy:   policy,
		dyn:      makeDynamicSelector(256),
	}
	l.Reset()

	return l
}

// Capacity returns the maximum number of entries the level can hold.
func (l *Level) Capacity() int {
	return l.capacity
}

// Len returns the number of resident entries.
func (l *Level) Len() int {
	return len(l.entries)
}

// Policy returns the policy the level was configured with.
func (l *Level) Policy() Policy {
	return l.policy
}

// ActivePolicy resolves PolicyDynamic to the policy currently selected.
func (l *Level) ActivePolicy() Policy {
	if l.policy == PolicyDynamic {
		return l.dyn.activePolicy()
	}

	return l.policy
}

// Reset removes every entry and clears all policy bookkeeping.
func (l *Level) Reset() {
	l.entries = make(map[Key]*Entry)
	l.lru = list.New()
	l.lruElem = make(map[Key]*list.Element)
	l.fifo = list.New()
	l.fifoElem = make(map[Key]*list.Element)
	l.hand = nil
	l.resetQueues()
}

func (l *Level) resetQueues() {
	l.a1in = list.New()
	l.a1out = list.New()
	l.am = list.New()
	l.queueElem = make(map[Key]*list.Element)
	l.inAm = make(map[Key]bool)
	l.ghostElem = make(map[Key]*list.Element)
}

// Lookup returns the entry for the key. The dynamic policy observes the
// outcome and may switch the active policy between windows.
func (l *Level) Lookup(key Key) (*Entry, bool) {
	e, found := l.entries[key]

	if l.policy == PolicyDynamic {
		if l.dyn.noteLookup(found) {
			l.rebuildPolicyState()
		}
	}

	return e, found
}

// Contains tells if the key is resident without touching any policy
// bookkeeping. Residency probes use it so that only demand lookups feed
// the dynamic selector's hit-rate window.
func (l *Level) Contains(key Key) bool {
	_, found := l.entries[key]

	return found
}

// Visit updates the entry metadata and policy bookkeeping for a hit.
func (l *Level) Visit(e *Entry, access vm.AccessType) {
	l.visitCount++
	e.recordHit(l.visitCount, access)

	if elem, ok := l.lruElem[e.Key]; ok {
		l.lru.MoveToFront(elem)
	}

	if l.ActivePolicy() != PolicyTwoQueue {
		return
	}

	// In the two-queue policy a hit in the probation FIFO does not change
	// its order; only protected entries are LRU-ordered.
	if l.inAm[e.Key] {
		l.am.MoveToFront(l.queueElem[e.Key])
	}
}

// Insert places a new entry into the level, evicting through the active
// policy when the level is full. It returns the evicted entry, if any.
// Inserting a key that is already resident is a programming fault.
func (l *Level) Insert(e *Entry) (evicted *Entry) {
	if _, exists := l.entries[e.Key]; exists {
		panic(fmt.Sprintf(
			"duplicate TLB entry for vpn 0x%x, pid %d", e.VPN, e.PID))
	}

	if len(l.entries) >= l.capacity {
		victimKey := l.findVictim()
		evicted = l.entries[victimKey]
		l.evict(victimKey)
	}

	l.visitCount++
	e.LastAccess = l.visitCount

	l.entries[e.Key] = e
	l.lruElem[e.Key] = l.lru.PushFront(e.Key)
	l.fifoElem[e.Key] = l.fifo.PushBack(e.Key)
	if l.hand == nil {
		l.hand = l.fifoElem[e.Key]
	}

	if l.ActivePolicy() == PolicyTwoQueue {
		l.queueInsert(e.Key)
	}

	return evicted
}

// queueInsert places a newly resident key into the two-queue lists. A
// key remembered by the ghost list goes straight to the protected queue.
func (l *Level) queueInsert(key Key) {
	if ghost, ok := l.ghostElem[key]; ok {
		l.a1out.Remove(ghost)
		delete(l.ghostElem, key)

		l.queueElem[key] = l.am.PushFront(key)
		l.inAm[key] = true

		return
	}

	l.queueElem[key] = l.a1in.PushFront(key)
}

// Remove deletes the entry for the key, if resident.
func (l *Level) Remove(key Key) bool {
	if _, found := l.entries[key]; !found {
		return false
	}

	l.removeKey(key)

	return true
}

// RemovePID deletes every entry belonging to the address space.
func (l *Level) RemovePID(pid vm.PID) int {
	removed := 0
	for key := range l.entries {
		if key.PID == pid {
			l.removeKey(key)
			removed++
		}
	}

	for key, ghost := range l.ghostElem {
		if key.PID == pid {
			l.a1out.Remove(ghost)
			delete(l.ghostElem, key)
		}
	}

	return removed
}

// evict removes a victim chosen by the policy. An eviction from the
// two-queue probation FIFO leaves a ghost behind so that a quick return
// of the same key is promoted to the protected queue.
func (l *Level) evict(key Key) {
	if l.ActivePolicy() == PolicyTwoQueue && !l.inAm[key] {
		if _, resident := l.queueElem[key]; resident {
			l.ghostElem[key] = l.a1out.PushFront(key)
			for l.a1out.Len() > l.capacity/2 {
				oldest := l.a1out.Back()
				delete(l.ghostElem, oldest.Value.(Key))
				l.a1out.Remove(oldest)
			}
		}
	}

	l.removeKey(key)
}

func (l *Level) removeKey(key Key) {
	delete(l.entries, key)

	if elem, ok := l.lruElem[key]; ok {
		l.lru.Remove(elem)
		delete(l.lruElem, key)
	}

	if elem, ok := l.fifoElem[key]; ok {
		if l.hand == elem {
			l.hand = elem.Next()
		}
		l.fifo.Remove(elem)
		if l.hand == nil {
			l.hand = l.fifo.Front()
		}
		delete(l.fifoElem, key)
	}

	if elem, ok := l.queueElem[key]; ok {
		if l.inAm[key] {
			l.am.Remove(elem)
		} else {
			l.a1in.Remove(elem)
		}
		delete(l.queueElem, key)
		delete(l.inAm, key)
	}
}

// findVictim selects a non-pinned victim through the active policy.
// Every policy must produce a victim when the level is full; failing to
// do so is a programming fault.
func (l *Level) findVictim() Key {
	if len(l.entries) == 0 {
		panic("victim requested from an empty level")
	}

	switch l.ActivePolicy() {
	case PolicyTimeBasedLRU:
		return l.lru.Back().Value.(Key)
	case PolicyFrequencyBasedLRU:
		return l.findFrequencyVictim()
	case PolicyHybrid:
		return l.findHybridVictim()
	case PolicyTwoQueue:
		return l.findTwoQueueVictim()
	case PolicyClock:
		return l.findClockVictim()
	default:
		panic(fmt.Sprintf("policy %s cannot select victims", l.policy))
	}
}

// findFrequencyVictim picks the entry with the lowest frequency weight,
// breaking ties by access count, then by staleness.
func (l *Level) findFrequencyVictim() Key {
	var victim *Entry
	for _, e := range l.entries {
		if victim == nil || frequencyLess(e, victim) {
			victim = e
		}
	}

	return victim.Key
}

func frequencyLess(a, b *Entry) bool {
	if a.FrequencyWeight != b.FrequencyWeight {
		return a.FrequencyWeight < b.FrequencyWeight
	}

	if a.AccessCount != b.AccessCount {
		return a.AccessCount < b.AccessCount
	}

	if a.LastAccess != b.LastAccess {
		return a.LastAccess < b.LastAccess
	}

	return a.VPN < b.VPN
}

// findHybridVictim evicts the entry with the highest age discounted by
// access frequency, blending recency and frequency into one score.
func (l *Level) findHybridVictim() Key {
	var victim *Entry
	var victimScore float64

	for _, e := range l.entries {
		age := float64(l.visitCount - e.LastAccess)
		score := age / float64(1+e.AccessCount)

		if victim == nil || score > victimScore ||
			(score == victimScore && e.LastAccess < victim.LastAccess) {
			victim = e
			victimScore = score
		}
	}

	return victim.Key
}

// findTwoQueueVictim drains the probation FIFO first, then the
// protected LRU queue.
func (l *Level) findTwoQueueVictim() Key {
	if l.a1in.Len() > 0 {
		return l.a1in.Back().Value.(Key)
	}

	if l.am.Len() > 0 {
		return l.am.Back().Value.(Key)
	}

	panic("two-queue state lost track of resident entries")
}

// findClockVictim sweeps the insertion-order ring, clearing the
// accessed bit and giving each entry a second chance. Two full sweeps
// clear every bit, so a victim always emerges.
func (l *Level) findClockVictim() Key {
	if l.hand == nil {
		l.hand = l.fifo.Front()
	}

	for range 2 * l.fifo.Len() {
		key := l.hand.Value.(Key)
		e := l.entries[key]

		l.hand = l.hand.Next()
		if l.hand == nil {
			l.hand = l.fifo.Front()
		}

		if !e.Accessed {
			return key
		}

		e.Accessed = false
	}

	panic("clock policy failed to select a victim")
}

// rebuildPolicyState reseeds policy bookkeeping after the dynamic
// selector switches the active policy.
func (l *Level) rebuildPolicyState() {
	l.resetQueues()

	if l.dyn.activePolicy() == PolicyTwoQueue {
		// Seed the probation FIFO in recency order.
		for elem := l.lru.Back(); elem != nil; elem = elem.Prev() {
			key := elem.Value.(Key)
			l.queueElem[key] = l.a1in.PushFront(key)
		}
	}

	l.hand = l.fifo.Front()
}
