package machine

import (
	"fmt"

	"github.com/bobuhiro11/gov86/cpu"
	"golang.org/x/arch/x86/x86asm"
)

// ReadBytes copies len(b) bytes of real-mode memory at seg:off into b. The
// offset wraps inside the segment.
func (m *Machine) ReadBytes(b []byte, seg, off uint16) {
	for i := range b {
		b[i] = m.bus.Read8(cpu.Linear(seg, off+uint16(i)))
	}
}

// Inst decodes the instruction at the frame's CS:IP.
func (m *Machine) Inst(frame *cpu.Snapshot) (*x86asm.Inst, string, error) {
	if !frame.IsVM() {
		return nil, "", errNotVM
	}

	insn := make([]byte, 16)
	m.ReadBytes(insn, uint16(frame.CS), frame.IP())

	d, err := x86asm.Decode(insn, 16)
	if err != nil {
		return nil, "", fmt.Errorf("decoding %#02x:%w", insn, err)
	}

	return &d, Asm(&d, uint64(frame.IP())), nil
}

// Asm returns a string for the given instruction at the given pc.
func Asm(d *x86asm.Inst, pc uint64) string {
	return "\"" + x86asm.GNUSyntax(*d, pc, nil) + "\""
}
