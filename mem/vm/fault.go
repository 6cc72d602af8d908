package vm

import (
	"errors"
	"fmt"
)

// FaultReason tells why a translation could not be completed.
type FaultReason int

// The reasons a translation can fault.
const (
	// FaultNoMapping means the page-table walk found no valid mapping for
	// the virtual page.
	FaultNoMapping FaultReason = iota

	// FaultPermissionDenied means a mapping exists but does not grant the
	// requested access type.
	FaultPermissionDenied
)

func (r FaultReason) String() string {
	switch r {
	case FaultNoMapping:
		return "no mapping"
	case FaultPermissionDenied:
		return "permission denied"
	default:
		return "unknown fault"
	}
}

// A TranslationFault is returned when a virtual address cannot be
// translated. Faults are never cached; the next access to the same page
// triggers a fresh page-table walk.
type TranslationFault struct {
	Reason FaultReason
	PID    PID
	VAddr  uint64
	Access AccessType
}

func (f *TranslationFault) Error() string {
	return fmt.Sprintf("translation fault: %s, pid %d, vaddr 0x%016x, %s",
		f.Reason, f.PID, f.VAddr, f.Access)
}

// NewNoMappingFault creates a fault for a virtual page with no valid
// mapping.
func NewNoMappingFault(pid PID, vAddr uint64, access AccessType) error {
	return &TranslationFault{
		Reason: FaultNoMapping,
		PID:    pid,
		VAddr:  vAddr,
		Access: access,
	}
}

// NewPermissionFault creates a fault for an access that a valid mapping
// does not permit.
func NewPermissionFault(pid PID, vAddr uint64, access AccessType) error {
	return &TranslationFault{
		Reason: FaultPermissionDenied,
		PID:    pid,
		VAddr:  vAddr,
		Access: access,
	}
}

// IsNoMapping tells if the error is a no-mapping translation fault.
func IsNoMapping(err error) bool {
	var fault *TranslationFault
	return errors.As(err, &fault) && fault.Reason == FaultNoMapping
}

// IsPermissionDenied tells if the error is a permission-denied
// translation fault.
func IsPermissionDenied(err error) bool {
	var fault *TranslationFault
	return errors.As(err, &fault) && fault.Reason == FaultPermissionDenied
}
