// Package tlb provides the multi-level TLB that serves the address
// translation fast path of the virtual machine.
package tlb

import (
	"sync"

	"github.com/sarchlab/guestmem/mem/vm"
)

// An AccessObserver is notified after each translation completes. The
// access-pattern analyzer and the trace recorder both observe through
// this hook. Observers are called without any hierarchy lock held and
// must be safe for concurrent use by multiple vCPU threads.
type AccessObserver interface {
	ObserveAccess(vAddr uint64, pid vm.PID, access vm.AccessType, hit bool)
}

// Comp is a multi-level TLB. Each vCPU owns a private L1; L2 and L3 are
// shared by all vCPUs. Misses in every level are resolved by the
// external page-table walker.
type Comp struct {
	name         string
	log2PageSize uint64
	walker       vm.Walker

	l1      []*Level
	l1Locks []sync.Mutex
	l2      *Level
	l2Lock  sync.Mutex
	l3      *Level
	l3Lock  sync.Mutex

	// Per-key generation counters resolve flush/fill races: a flush
	// bumps the generation while holding every level lock, and an
	// in-flight fill only commits if the generation it captured before
	// walking is still current.
	genLock sync.Mutex
	epoch   uint64
	gens    map[Key]uint64

	stats     Stats
	observers []AccessObserver
}

// Name returns the name of the hierarchy instance.
func (c *Comp) Name() string {
	return c.name
}

// PageSize returns the page size in bytes.
func (c *Comp) PageSize() uint64 {
	return 1 << c.log2PageSize
}

// NumVCPU returns the number of per-vCPU L1 levels.
func (c *Comp) NumVCPU() int {
	return len(c.l1)
}

// Stats returns a snapshot of the hit/miss counters.
func (c *Comp) Stats() StatsSnapshot {
	return c.stats.snapshot()
}

// AddObserver registers an access observer. It must be called before
// the first translation; the observer list is not guarded afterwards.
func (c *Comp) AddObserver(o AccessObserver) {
	c.observers = append(c.observers, o)
}

// A FillToken captures the generation of a key before a page-table walk
// so that the fill can detect a flush that raced with the walk.
type FillToken struct {
	key   Key
	epoch uint64
	gen   uint64
}

// PrepareFill captures the current generation of the page. It must be
// taken before the page-table walk whose result will be filled.
func (c *Comp) PrepareFill(vpn uint64, pid vm.PID) FillToken {
	key := Key{VPN: vpn, PID: pid}

	c.genLock.Lock()
	defer c.genLock.Unlock()

	return FillToken{key: key, epoch: c.epoch, gen: c.gens[key]}
}

func (c *Comp) tokenCurrent(token FillToken) bool {
	c.genLock.Lock()
	defer c.genLock.Unlock()

	return token.epoch == c.epoch && token.gen == c.gens[token.key]
}

// Translate resolves a virtual address for the given vCPU. On success it
// returns the physical address and the permissions granted by the last
// successful page-table walk for the page. Permissions are checked on
// every lookup; an access a cached mapping does not permit faults even
// on a hit, and the stale mapping is dropped so that the next access
// re-walks.
func (c *Comp) Translate(
	vcpu int,
	vAddr uint64,
	pid vm.PID,
	access vm.AccessType,
) (paddr uint64, perms vm.Perm, err error) {
	vpn := vAddr >> c.log2PageSize
	offset := vAddr & (c.PageSize() - 1)
	key := Key{VPN: vpn, PID: pid}

	if e, ok := c.lookupL1(vcpu, key, access); ok {
		if !e.Perms.Allows(access) {
			return c.permissionFault(vAddr, pid, access, key)
		}

		c.stats.L1Hits.Add(1)
		c.notify(vAddr, pid, access, true)

		return e.PPN<<c.log2PageSize | offset, e.Perms, nil
	}

	if e, ok := c.lookupShared(c.l2, &c.l2Lock, key, access); ok {
		if !e.Perms.Allows(access) {
			return c.permissionFault(vAddr, pid, access, key)
		}

		c.promoteToL1(vcpu, e)
		c.stats.L2Hits.Add(1)
		c.notify(vAddr, pid, access, true)

		return e.PPN<<c.log2PageSize | offset, e.Perms, nil
	}

	if e, ok := c.lookupShared(c.l3, &c.l3Lock, key, access); ok {
		if !e.Perms.Allows(access) {
			return c.permissionFault(vAddr, pid, access, key)
		}

		c.promoteToL1(vcpu, e)
		c.stats.L3Hits.Add(1)
		c.notify(vAddr, pid, access, true)

		return e.PPN<<c.log2PageSize | offset, e.Perms, nil
	}

	return c.walkAndFill(vcpu, vAddr, pid, access, key, offset)
}

// lookupL1 probes the vCPU's private L1. The per-L1 lock is uncontended
// for the owning core; it only serializes against flushes and
// promotions issued by other threads.
func (c *Comp) lookupL1(
	vcpu int,
	key Key,
	access vm.AccessType,
) (Entry, bool) {
	c.l1Locks[vcpu].Lock()
	defer c.l1Locks[vcpu].Unlock()

	e, found := c.l1[vcpu].Lookup(key)
	if !found {
		return Entry{}, false
	}

	if e.Perms.Allows(access) {
		c.l1[vcpu].Visit(e, access)
	}

	return *e, true
}

func (c *Comp) lookupShared(
	level *Level,
	lock *sync.Mutex,
	key Key,
	access vm.AccessType,
) (Entry, bool) {
	lock.Lock()
	defer lock.Unlock()

	e, found := level.Lookup(key)
	if !found {
		return Entry{}, false
	}

	if e.Perms.Allows(access) {
		level.Visit(e, access)
	}

	return *e, true
}

// promoteToL1 copies a lower-level hit into the vCPU's L1. The lower
// level keeps its copy (write-through promotion).
func (c *Comp) promoteToL1(vcpu int, e Entry) {
	c.l1Locks[vcpu].Lock()
	defer c.l1Locks[vcpu].Unlock()

	if c.l1[vcpu].Contains(e.Key) {
		return
	}

	promoted := e
	c.l1[vcpu].Insert(&promoted)
}

// walkAndFill resolves a full miss through the external page-table
// walker. No hierarchy lock is held during the walk. Walker faults are
// surfaced unchanged and never cached.
func (c *Comp) walkAndFill(
	vcpu int,
	vAddr uint64,
	pid vm.PID,
	access vm.AccessType,
	key Key,
	offset uint64,
) (paddr uint64, perms vm.Perm, err error) {
	c.stats.Misses.Add(1)

	token := c.PrepareFill(key.VPN, pid)

	c.stats.Walks.Add(1)
	page, err := c.walker.Walk(vAddr, pid, access)
	if err != nil {
		c.stats.Faults.Add(1)
		c.notify(vAddr, pid, access, false)

		return 0, 0, err
	}

	if !page.Perms.Allows(access) {
		c.stats.Faults.Add(1)
		c.notify(vAddr, pid, access, false)

		return 0, 0, vm.NewPermissionFault(pid, vAddr, access)
	}

	c.fill(vcpu, key, page, token, false)
	c.notify(vAddr, pid, access, false)

	return page.PPN<<c.log2PageSize | offset, page.Perms, nil
}

// fill inserts the walk result into L1 and backfills L2 and L3. Each
// level commit re-checks the fill token under the level lock, so a
// flush that completed after the walk wins and the key stays absent.
func (c *Comp) fill(
	vcpu int,
	key Key,
	page vm.Page,
	token FillToken,
	speculative bool,
) (filled bool) {
	newEntry := func() *Entry {
		e := &Entry{
			Key:             key,
			PPN:             page.PPN,
			Perms:           page.Perms,
			FrequencyWeight: 1,
		}
		if speculative {
			e.FrequencyWeight = 0
			e.PrefetchMark = true
		}

		return e
	}

	c.l1Locks[vcpu].Lock()
	if c.tokenCurrent(token) {
		if !c.l1[vcpu].Contains(key) {
			c.l1[vcpu].Insert(newEntry())
			filled = true
		}
	}
	c.l1Locks[vcpu].Unlock()

	if speculative {
		return filled
	}

	c.l2Lock.Lock()
	if c.tokenCurrent(token) {
		if !c.l2.Contains(key) {
			c.l2.Insert(newEntry())
		}
	}
	c.l2Lock.Unlock()

	c.l3Lock.Lock()
	if c.tokenCurrent(token) {
		if !c.l3.Contains(key) {
			c.l3.Insert(newEntry())
		}
	}
	c.l3Lock.Unlock()

	return filled
}

// ResidentInL1 tells if the page is cached in the vCPU's L1.
func (c *Comp) ResidentInL1(vcpu int, vpn uint64, pid vm.PID) bool {
	c.l1Locks[vcpu].Lock()
	defer c.l1Locks[vcpu].Unlock()

	return c.l1[vcpu].Contains(Key{VPN: vpn, PID: pid})
}

// FillSpeculative inserts a prefetched translation into the vCPU's L1
// through the normal fill path, subject to the replacement policy. The
// token must have been prepared before the page-table walk that
// produced the page. It reports whether the entry was committed.
func (c *Comp) FillSpeculative(
	vcpu int,
	page vm.Page,
	token FillToken,
) bool {
	key := Key{VPN: page.VPN, PID: page.PID}
	if key != token.key {
		panic("fill token does not match the page being filled")
	}

	return c.fill(vcpu, key, page, token, true)
}

// permissionFault drops the offending mapping from every level, so the
// next access to the page re-walks, and returns the fault.
func (c *Comp) permissionFault(
	vAddr uint64,
	pid vm.PID,
	access vm.AccessType,
	key Key,
) (uint64, vm.Perm, error) {
	c.flushKey(key)
	c.stats.Faults.Add(1)
	c.notify(vAddr, pid, access, false)

	return 0, 0, vm.NewPermissionFault(pid, vAddr, access)
}

func (c *Comp) notify(
	vAddr uint64,
	pid vm.PID,
	access vm.AccessType,
	hit bool,
) {
	for _, o := range c.observers {
		o.ObserveAccess(vAddr, pid, access, hit)
	}
}

// lockAll acquires every level lock, L1s in ascending vCPU order, then
// L2, then L3. unlockAll releases them in reverse acquisition order.
// Flushes take all locks before mutating any level so that no lookup
// can observe a partially flushed hierarchy.
func (c *Comp) lockAll() {
	for i := range c.l1Locks {
		c.l1Locks[i].Lock()
	}
	c.l2Lock.Lock()
	c.l3Lock.Lock()
}

func (c *Comp) unlockAll() {
	c.l3Lock.Unlock()
	c.l2Lock.Unlock()
	for i := len(c.l1Locks) - 1; i >= 0; i-- {
		c.l1Locks[i].Unlock()
	}
}

// FlushEntry removes the translation for the virtual page from every
// level. A fill whose walk raced with the flush will not commit.
func (c *Comp) FlushEntry(vpn uint64, pid vm.PID) {
	c.flushKey(Key{VPN: vpn, PID: pid})
}

func (c *Comp) flushKey(key Key) {
	c.lockAll()
	defer c.unlockAll()

	c.genLock.Lock()
	c.gens[key]++
	c.genLock.Unlock()

	for _, l1 := range c.l1 {
		l1.Remove(key)
	}
	c.l2.Remove(key)
	c.l3.Remove(key)
}

// FlushPID removes every translation belonging to the address space
// from every level.
func (c *Comp) FlushPID(pid vm.PID) {
	c.lockAll()
	defer c.unlockAll()

	// Bumping the epoch is coarser than strictly necessary, but it
	// guarantees no in-flight fill for this PID can commit afterwards.
	c.genLock.Lock()
	c.epoch++
	c.gens = make(map[Key]uint64)
	c.genLock.Unlock()

	for _, l1 := range c.l1 {
		l1.RemovePID(pid)
	}
	c.l2.RemovePID(pid)
	c.l3.RemovePID(pid)
}

// FlushAll empties every level. Calling it twice in a row leaves the
// hierarchy in the same empty state both times.
func (c *Comp) FlushAll() {
	c.lockAll()
	defer c.unlockAll()

	c.genLock.Lock()
	c.epoch++
	c.gens = make(map[Key]uint64)
	c.genLock.Unlock()

	for _, l1 := range c.l1 {
		l1.Reset()
	}
	c.l2.Reset()
	c.l3.Reset()
}
