// Package vm provides the types shared by the virtual memory system.
package vm

// PID stands for Process ID. It serves as the address space identifier
// (ASID) that distinguishes translations belonging to different guest
// processes sharing one TLB.
type PID uint32

// AccessType marks the kind of memory access being translated.
type AccessType int

// The access types a guest memory operation can carry.
const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExecute
)

func (t AccessType) String() string {
	switch t {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// Perm is a bit set of the permissions granted by a page-table walk.
type Perm uint8

// Permission bits.
const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExecute
)

// Allows tells if the permission set grants an access of the given type.
func (p Perm) Allows(t AccessType) bool {
	switch t {
	case AccessRead:
		return p&PermRead != 0
	case AccessWrite:
		return p&PermWrite != 0
	case AccessExecute:
		return p&PermExecute != 0
	default:
		return false
	}
}

func (p Perm) String() string {
	buf := []byte("---")
	if p&PermRead != 0 {
		buf[0] = 'r'
	}
	if p&PermWrite != 0 {
		buf[1] = 'w'
	}
	if p&PermExecute != 0 {
		buf[2] = 'x'
	}
	return string(buf)
}

// A Page is the result of a successful page-table walk. It maintains the
// information about how to translate a virtual page to a physical page.
type Page struct {
	PID   PID
	VPN   uint64
	PPN   uint64
	Perms Perm
}
