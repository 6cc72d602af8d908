package vm

// A Walker resolves translations that missed in every TLB level. It is
// implemented by the guest page-table walker, which is external to this
// subsystem.
//
// Walk returns the page that maps the given virtual address, together
// with the permissions granted by the guest page table. It returns a
// *TranslationFault when no valid mapping exists. Walk must be safe for
// concurrent use by multiple vCPU threads.
type Walker interface {
	Walk(vAddr uint64, pid PID, access AccessType) (Page, error)
}
