package datarecording

import (
	"sync"
	"sync/atomic"

	"github.com/sarchlab/guestmem/mem/vm"
)

// An AccessTraceEntry is one recorded TLB access.
type AccessTraceEntry struct {
	Seq    uint64
	VAddr  uint64
	PID    uint32
	Access string
	Hit    bool
}

// An AccessTracer records every translation the TLB hierarchy performs
// into a DataRecorder table. It implements the hierarchy's
// AccessObserver hook and is safe for concurrent use by multiple vCPU
// threads.
type AccessTracer struct {
	mu       sync.Mutex
	recorder DataRecorder
	table    string
	seq      atomic.Uint64
}

// NewAccessTracer creates a tracer that writes into the given table of
// the recorder.
func NewAccessTracer(recorder DataRecorder, table string) *AccessTracer {
	recorder.CreateTable(table, AccessTraceEntry{})

	return &AccessTracer{
		recorder: recorder,
		table:    table,
	}
}

// ObserveAccess records one translation.
func (t *AccessTracer) ObserveAccess(
	vAddr uint64,
	pid vm.PID,
	access vm.AccessType,
	hit bool,
) {
	entry := AccessTraceEntry{
		Seq:    t.seq.Add(1),
		VAddr:  vAddr,
		PID:    uint32(pid),
		Access: access.String(),
		Hit:    hit,
	}

	t.mu.Lock()
	t.recorder.InsertData(t.table, entry)
	t.mu.Unlock()
}
