package bios

import (
	"bytes"
	"encoding/binary"

	"github.com/bobuhiro11/gov86/memory"
)

// E820 address range types.
const (
	E820Ram      = 1
	E820Reserved = 2
	E820ACPI     = 3
	E820NVS      = 4
	E820Unusable = 5

	// E820EntrySize is the size of one entry as returned by INT 15h.
	E820EntrySize = 20

	smap = 0x534d4150
)

// E820Entry is one address range descriptor.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

func (e *E820Entry) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, e); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// E820Map is the system memory map reported by INT 15h, AX=E820h.
type E820Map []E820Entry

// AddE820Entry appends a range.
func (m *E820Map) AddE820Entry(addr, size uint64, typ uint32) {
	*m = append(*m, E820Entry{Addr: addr, Size: size, Type: typ})
}

// NewE820Map describes conventionalKB KiB of low memory and extended bytes
// above 1 MiB.
func NewE820Map(conventionalKB int, extended uint64) E820Map {
	m := E820Map{}

	low := uint64(conventionalKB) << 10

	// refs https://github.com/kvmtool/kvmtool/blob/0e1882a49f81cb15d328ef83a78849c0ea26eecc/x86/bios.c#L66-L86
	m.AddE820Entry(memory.IVTBase, low, E820Ram)
	m.AddE820Entry(low, memory.VGABase-low, E820Reserved)
	m.AddE820Entry(memory.BIOSBase, memory.HMABase-memory.BIOSBase, E820Reserved)

	if extended > 0 {
		m.AddE820Entry(memory.HMABase, extended, E820Ram)
	}

	return m
}

// ExtendedKB returns the KiB of RAM contiguous from 1 MiB.
func (m E820Map) ExtendedKB() uint64 {
	for _, e := range m {
		if e.Addr == memory.HMABase && e.Type == E820Ram {
			return e.Size >> 10
		}
	}

	return 0
}
