package trap

import (
	"fmt"

	"github.com/bobuhiro11/gov86/cpu"
	"golang.org/x/arch/x86/x86asm"
)

const maxInstLen = 15

// Disassemble decodes the instruction at the frame's code pointer. Virtual
// frames decode as 16-bit code at CS*16+IP, other frames as flat 32-bit code.
func Disassemble(bus cpu.Bus, frame *cpu.Snapshot) string {
	if bus == nil {
		return "(no memory)"
	}

	addr, mode, pc := frame.EIP, 32, uint64(frame.EIP)
	if frame.IsVM() {
		addr, mode, pc = frame.CodeAddr(), 16, uint64(frame.IP())
	}

	insn := make([]byte, maxInstLen)
	for i := range insn {
		insn[i] = bus.Read8(addr + uint32(i))
	}

	d, err := x86asm.Decode(insn, mode)
	if err != nil {
		return fmt.Sprintf("%#x: % x (%v)", addr, insn[:4], err)
	}

	return fmt.Sprintf("%#x: % x %s", addr, insn[:d.Len], x86asm.GNUSyntax(d, pc, nil))
}
