package memory

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Low memory layout, linear addresses.
//
//	0x000000 +------------------+
//	         | IVT              | 256 far pointers
//	0x000400 +------------------+
//	         | BIOS data area   |
//	0x000500 +------------------+
//	         | conventional     | page pool, loaded images
//	0x09fc00 +------------------+
//	         | EBDA             |
//	0x0a0000 +------------------+
//	         | VGA              |
//	0x0c0000 +------------------+
//	         | option ROMs      |
//	0x0f0000 +------------------+
//	         | system BIOS      |
//	0x100000 +------------------+
//	         | HMA              | reachable as FFFF:0010..FFFF:FFFF
//	0x110000 +------------------+
const (
	IVTBase          = 0x0
	BDABase          = 0x400
	ConventionalBase = 0x500
	EBDABase         = 0x9fc00
	VGABase          = 0xa0000
	OptionROMBase    = 0xc0000
	BIOSBase         = 0xf0000
	HMABase          = 0x100000
	Size             = 0x110000

	PageSize = 0x1000

	// Poison is an instruction that forces a trap. Free conventional memory
	// is filled with it so that a virtual program running off into the weeds
	// stops at once instead of executing zeros.
	//
	//	0:  0f 0b  ud2
	Poison = "\x0F\x0B"
)

// Memory is the physical memory below 1 MiB plus the high memory area.
type Memory struct {
	buf []byte
	AS  *AddressSpace
}

func New() (*Memory, error) {
	buf, err := unix.Mmap(-1, 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap low memory:%w", err)
	}

	m := &Memory{
		buf: buf,
		AS:  NewAddressSpace("phys", 0, Size),
	}

	for _, r := range []*AddressSpace{
		NewAddressSpace("ivt", IVTBase, BDABase-IVTBase),
		NewAddressSpace("bda", BDABase, ConventionalBase-BDABase),
		NewAddressSpace("conventional", ConventionalBase, EBDABase-ConventionalBase),
		NewAddressSpace("ebda", EBDABase, VGABase-EBDABase),
		NewAddressSpace("vga", VGABase, OptionROMBase-VGABase),
		NewAddressSpace("option-rom", OptionROMBase, BIOSBase-OptionROMBase),
		NewAddressSpace("bios", BIOSBase, HMABase-BIOSBase),
		NewAddressSpace("hma", HMABase, Size-HMABase),
	} {
		if err := m.AS.AddAddress(r); err != nil {
			_ = unix.Munmap(buf)

			return nil, err
		}
	}

	return m, nil
}

func (m *Memory) Close() error {
	if m.buf == nil {
		return nil
	}

	err := unix.Munmap(m.buf)
	m.buf = nil

	return err
}

// Poison fills [start, end) with the Poison pattern.
func (m *Memory) Poison(start, end uint32) {
	for i := start; i < end; i += uint32(len(Poison)) {
		copy(m.buf[i:end], Poison)
	}
}

// Region names the innermost range containing addr.
func (m *Memory) Region(addr uint32) string {
	if r := m.AS.Lookup(uint64(addr)); r != nil {
		return r.Name
	}

	return "unmapped"
}

// Unmapped reads return all ones and unmapped writes are dropped, as on an
// open bus.

func (m *Memory) Read8(addr uint32) uint8 {
	if addr >= Size {
		return 0xff
	}

	return m.buf[addr]
}

func (m *Memory) Write8(addr uint32, v uint8) {
	if addr < Size {
		m.buf[addr] = v
	}
}

func (m *Memory) Read16(addr uint32) uint16 {
	if addr+2 > Size {
		return uint16(m.Read8(addr)) | uint16(m.Read8(addr+1))<<8
	}

	return binary.LittleEndian.Uint16(m.buf[addr:])
}

func (m *Memory) Write16(addr uint32, v uint16) {
	if addr+2 > Size {
		m.Write8(addr, uint8(v))
		m.Write8(addr+1, uint8(v>>8))

		return
	}

	binary.LittleEndian.PutUint16(m.buf[addr:], v)
}

func (m *Memory) Read32(addr uint32) uint32 {
	return uint32(m.Read16(addr)) | uint32(m.Read16(addr+2))<<16
}

func (m *Memory) Write32(addr uint32, v uint32) {
	m.Write16(addr, uint16(v))
	m.Write16(addr+2, uint16(v>>16))
}

func (m *Memory) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off >= Size {
		return 0, io.EOF
	}

	n := copy(b, m.buf[off:])
	if n < len(b) {
		return n, io.EOF
	}

	return n, nil
}

func (m *Memory) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off >= Size {
		return 0, io.ErrShortWrite
	}

	n := copy(m.buf[off:], b)
	if n < len(b) {
		return n, io.ErrShortWrite
	}

	return n, nil
}
