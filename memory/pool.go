package memory

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfMemory   = errors.New("no free low memory page")
	ErrDoubleRelease = errors.New("lease released twice")
	errUnaligned     = errors.New("page pool base not page aligned")
)

// Pool hands out page-sized leases of conventional memory. Virtual-8086
// stacks live in them, so every page is below 1 MiB.
type Pool struct {
	base uint32
	used []bool
	free int
}

// NewPool reserves pages pages starting at base inside m's conventional
// memory.
func (m *Memory) NewPool(base uint32, pages int) (*Pool, error) {
	if base%PageSize != 0 {
		return nil, fmt.Errorf("base %#x:%w", base, errUnaligned)
	}

	conv := m.AS.Child("conventional")
	if err := conv.AddAddress(NewAddressSpace("page-pool", uint64(base), uint32(pages*PageSize))); err != nil {
		return nil, err
	}

	return &Pool{
		base: base,
		used: make([]bool, pages),
		free: pages,
	}, nil
}

// Free returns the number of pages not leased.
func (p *Pool) Free() int {
	return p.free
}

// AllocPage leases one page.
func (p *Pool) AllocPage() (*Lease, error) {
	for i, used := range p.used {
		if used {
			continue
		}

		p.used[i] = true
		p.free--

		return &Lease{pool: p, index: i}, nil
	}

	return nil, fmt.Errorf("%d pages leased:%w", len(p.used), ErrOutOfMemory)
}

// Lease is one page of a Pool. Release returns it.
type Lease struct {
	pool     *Pool
	index    int
	released bool
}

// Base returns the linear address of the page.
func (l *Lease) Base() uint32 {
	return l.pool.base + uint32(l.index)*PageSize
}

// Top returns the linear address just past the page.
func (l *Lease) Top() uint32 {
	return l.Base() + PageSize
}

func (l *Lease) Release() error {
	if l.released {
		return fmt.Errorf("page %#x:%w", l.Base(), ErrDoubleRelease)
	}

	l.released = true
	l.pool.used[l.index] = false
	l.pool.free++

	return nil
}
