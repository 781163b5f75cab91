package memory

import (
	"errors"
	"fmt"
)

var (
	ErrAddrSpaceOccupied = errors.New("address space occupied")
	errOutOfRange        = errors.New("address range outside parent")
)

// AddressSpace is a named range of linear addresses. Child ranges must lie
// inside their parent and must not overlap each other.
type AddressSpace struct {
	Name      string
	Start     uint64
	Size      uint32
	Addresses []*AddressSpace
}

func NewAddressSpace(name string, start uint64, size uint32) *AddressSpace {
	return &AddressSpace{
		Name:  name,
		Start: start,
		Size:  size,
	}
}

func (a *AddressSpace) End() uint64 {
	return a.Start + uint64(a.Size)
}

func (a *AddressSpace) AddAddress(addr *AddressSpace) error {
	if !a.InRange(addr) {
		return fmt.Errorf("%s [%#x, %#x) in %s:%w", addr.Name, addr.Start, addr.End(), a.Name, errOutOfRange)
	}

	if !a.IsFree(addr) {
		return fmt.Errorf("%s [%#x, %#x):%w", addr.Name, addr.Start, addr.End(), ErrAddrSpaceOccupied)
	}

	a.Addresses = append(a.Addresses, addr)

	return nil
}

// InRange reports whether addr lies entirely inside a.
func (a *AddressSpace) InRange(addr *AddressSpace) bool {
	return a.Start <= addr.Start && addr.End() <= a.End()
}

// IsFree reports whether addr overlaps none of the children of a.
func (a *AddressSpace) IsFree(ad *AddressSpace) bool {
	for _, addr := range a.Addresses {
		if ad.Start < addr.End() && addr.Start < ad.End() {
			return false
		}
	}

	return true
}

// Lookup returns the innermost named range containing addr.
func (a *AddressSpace) Lookup(addr uint64) *AddressSpace {
	if addr < a.Start || addr >= a.End() {
		return nil
	}

	for _, child := range a.Addresses {
		if found := child.Lookup(addr); found != nil {
			return found
		}
	}

	return a
}

// Child returns the direct child called name.
func (a *AddressSpace) Child(name string) *AddressSpace {
	for _, child := range a.Addresses {
		if child.Name == name {
			return child
		}
	}

	return nil
}
