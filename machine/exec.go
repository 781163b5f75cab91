package machine

import (
	"encoding/binary"
	"fmt"

	"github.com/bobuhiro11/gov86/cpu"
	"github.com/bobuhiro11/gov86/trap"
)

// Register numbers as encoded in opcodes and ModRM bytes.
const (
	regAX = iota
	regCX
	regDX
	regBX
	regSP
	regBP
	regSI
	regDI
)

// Segment register numbers as encoded in ModRM bytes.
const (
	segES = iota
	segCS
	segSS
	segDS
	segFS
	segGS
)

const prefixOpSize = 0x66

// sensitive lists the opcodes that fault with #GP in virtual-8086 mode when
// IOPL is below 3. HLT faults at any IOPL.
var sensitive = map[uint8]string{
	0x9c: "pushf",
	0x9d: "popf",
	0xcc: "int3",
	0xcd: "int",
	0xce: "into",
	0xcf: "iret",
	0xf4: "hlt",
	0xfa: "cli",
	0xfb: "sti",
}

// IsSensitive reports whether op traps in virtual-8086 mode.
func IsSensitive(op uint8) bool {
	_, ok := sensitive[op]

	return ok
}

func getReg16(f *cpu.Snapshot, r int) uint16 {
	if r == regSP {
		return f.SP()
	}

	return uint16(*gpr(f, r))
}

func setReg16(f *cpu.Snapshot, r int, v uint16) {
	if r == regSP {
		f.SetSP(v)

		return
	}

	p := gpr(f, r)
	*p = *p&0xffff0000 | uint32(v)
}

func getReg32(f *cpu.Snapshot, r int) uint32 {
	if r == regSP {
		return f.ESP()
	}

	return *gpr(f, r)
}

func setReg32(f *cpu.Snapshot, r int, v uint32) {
	if r == regSP {
		f.SetESP(v)

		return
	}

	*gpr(f, r) = v
}

// setReg8 writes AL, CL, DL, BL for r < 4 and AH, CH, DH, BH above.
func setReg8(f *cpu.Snapshot, r int, v uint8) {
	p := gpr(f, r&3)
	if r < 4 {
		*p = *p&^0xff | uint32(v)
	} else {
		*p = *p&^0xff00 | uint32(v)<<8
	}
}

func gpr(f *cpu.Snapshot, r int) *uint32 {
	switch r {
	case regAX:
		return &f.EAX
	case regCX:
		return &f.ECX
	case regDX:
		return &f.EDX
	case regBX:
		return &f.EBX
	case regBP:
		return &f.EBP
	case regSI:
		return &f.ESI
	case regDI:
		return &f.EDI
	}

	panic(fmt.Sprintf("machine: bad register %d", r))
}

func getSeg(f *cpu.Snapshot, s int) uint16 {
	switch s {
	case segES:
		return f.VMSeg(cpu.ES)
	case segCS:
		return uint16(f.CS)
	case segSS:
		return f.SS()
	case segDS:
		return f.VMSeg(cpu.DS)
	case segFS:
		return f.VMSeg(cpu.FS)
	case segGS:
		return f.VMSeg(cpu.GS)
	}

	panic(fmt.Sprintf("machine: bad segment register %d", s))
}

func setSeg(f *cpu.Snapshot, s int, v uint16) {
	switch s {
	case segES:
		f.SetVMSeg(cpu.ES, v)
	case segCS:
		f.CS = uint32(v)
	case segSS:
		f.SetSS(v)
	case segDS:
		f.SetVMSeg(cpu.DS, v)
	case segFS:
		f.SetVMSeg(cpu.FS, v)
	case segGS:
		f.SetVMSeg(cpu.GS, v)
	default:
		panic(fmt.Sprintf("machine: bad segment register %d", s))
	}
}

// incDecFlags updates OF SF ZF AF PF after INC or DEC; CF is untouched.
func incDecFlags(f *cpu.Snapshot, old, result uint16, inc bool) {
	fl := f.EFLAGS &^ (cpu.FlagOF | cpu.FlagSF | cpu.FlagZF | cpu.FlagAF | cpu.FlagPF)

	if result == 0 {
		fl |= cpu.FlagZF
	}

	if result&0x8000 != 0 {
		fl |= cpu.FlagSF
	}

	if (inc && result == 0x8000) || (!inc && old == 0x8000) {
		fl |= cpu.FlagOF
	}

	if (old^result)&0x10 != 0 {
		fl |= cpu.FlagAF
	}

	if parity(uint8(result)) {
		fl |= cpu.FlagPF
	}

	f.EFLAGS = fl
}

func parity(b uint8) bool {
	b ^= b >> 4
	b ^= b >> 2
	b ^= b >> 1

	return b&1 == 0
}

// step executes the instruction at CS:IP. Sensitive opcodes raise #GP(0)
// and anything outside the interpreted subset raises #UD, both with IP left
// on the first byte of the instruction.
func (m *Machine) step(f *cpu.Snapshot) error {
	cs, ip := uint16(f.CS), f.IP()

	at := func(i uint16) uint8 { return m.bus.Read8(cpu.Linear(cs, ip+i)) }
	imm16 := func(i uint16) uint16 { return uint16(at(i)) | uint16(at(i+1))<<8 }
	imm32 := func(i uint16) uint32 { return uint32(imm16(i)) | uint32(imm16(i+2))<<16 }

	n := uint16(0)
	op32 := false

	op := at(0)
	if op == prefixOpSize {
		op32, n = true, 1
		op = at(1)
	}

	push := func(v uint32) {
		if op32 {
			f.VMPush32(m.bus, v)
		} else {
			f.VMPush16(m.bus, uint16(v))
		}
	}

	pop := func() uint32 {
		if op32 {
			return f.VMPop32(m.bus)
		}

		return uint32(f.VMPop16(m.bus))
	}

	width := 2
	if op32 {
		width = 4
	}

	next := ip + n + 1

	switch {
	case IsSensitive(op):
		return m.raise(f, trap.GeneralProtection, 0)

	case op == 0x90:
		// nop

	case op >= 0xb0 && op <= 0xb7:
		setReg8(f, int(op-0xb0), at(n+1))
		next++

	case op >= 0xb8 && op <= 0xbf:
		if op32 {
			setReg32(f, int(op-0xb8), imm32(n+1))
			next += 4
		} else {
			setReg16(f, int(op-0xb8), imm16(n+1))
			next += 2
		}

	case op >= 0x50 && op <= 0x57:
		// PUSH SP pushes the value before the push on 286 and later.
		if op32 {
			push(getReg32(f, int(op-0x50)))
		} else {
			push(uint32(getReg16(f, int(op-0x50))))
		}

	case op >= 0x58 && op <= 0x5f:
		v := pop()
		if op32 {
			setReg32(f, int(op-0x58), v)
		} else {
			setReg16(f, int(op-0x58), uint16(v))
		}

	case op >= 0x40 && op <= 0x4f:
		r := int(op & 7)
		old := getReg16(f, r)

		result := old + 1
		if op >= 0x48 {
			result = old - 1
		}

		setReg16(f, r, result)
		incDecFlags(f, old, result, op < 0x48)

	case op >= 0x91 && op <= 0x97:
		r := int(op - 0x90)
		ax, v := getReg16(f, regAX), getReg16(f, r)
		setReg16(f, regAX, v)
		setReg16(f, r, ax)

	case op == 0x06 || op == 0x0e || op == 0x16 || op == 0x1e:
		push(uint32(getSeg(f, int(op>>3))))

	case op == 0x07 || op == 0x17 || op == 0x1f:
		setSeg(f, int(op>>3), uint16(pop()))

	case op == 0x8c || op == 0x8e:
		modrm := at(n + 1)
		sreg, rm := int(modrm>>3&7), int(modrm&7)

		if modrm>>6 != 3 || sreg > segGS || (op == 0x8e && sreg == segCS) {
			return m.raise(f, trap.InvalidOpcode, 0)
		}

		if op == 0x8c {
			setReg16(f, rm, getSeg(f, sreg))
		} else {
			setSeg(f, sreg, getReg16(f, rm))
		}

		next++

	case op == 0xe4 || op == 0xe5 || op == 0xec || op == 0xed:
		port := uint16(at(n + 1))
		if op >= 0xec {
			port = getReg16(f, regDX)
		} else {
			next++
		}

		w := 1
		if op&1 == 1 {
			w = width
		}

		b := make([]byte, w)
		if err := m.io(ioIn, port, b); err != nil {
			return fmt.Errorf("in %#x:%w", port, err)
		}

		switch w {
		case 1:
			setReg8(f, regAX, b[0])
		case 2:
			setReg16(f, regAX, binary.LittleEndian.Uint16(b))
		default:
			setReg32(f, regAX, binary.LittleEndian.Uint32(b))
		}

	case op == 0xe6 || op == 0xe7 || op == 0xee || op == 0xef:
		port := uint16(at(n + 1))
		if op >= 0xee {
			port = getReg16(f, regDX)
		} else {
			next++
		}

		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, f.EAX)

		w := 1
		if op&1 == 1 {
			w = width
		}

		if err := m.io(ioOut, port, b[:w]); err != nil {
			return fmt.Errorf("out %#x:%w", port, err)
		}

	case op == 0xeb:
		next = next + 1 + uint16(int8(at(n+1)))

	case op >= 0x72 && op <= 0x75:
		next++

		flag := cpu.FlagCF
		if op >= 0x74 {
			flag = cpu.FlagZF
		}

		// even opcodes jump when the flag is set
		if (f.EFLAGS&flag != 0) == (op&1 == 0) {
			next += uint16(int8(at(n + 1)))
		}

	case op == 0xe9:
		next = next + 2 + imm16(n+1)

	case op == 0xe8:
		ret := next + 2
		push(uint32(ret))
		next = ret + imm16(n+1)

	case op == 0xc3:
		next = uint16(pop())

	case op == 0xea:
		f.CS = uint32(imm16(n + 3))
		next = imm16(n + 1)

	case op == 0x9a:
		push(uint32(cs))
		push(uint32(next + 4))
		f.CS = uint32(imm16(n + 3))
		next = imm16(n + 1)

	case op == 0xcb:
		next = uint16(pop())
		f.CS = pop() & 0xffff

	default:
		return m.raise(f, trap.InvalidOpcode, 0)
	}

	f.SetIP(next)

	return nil
}
