package vm86

import (
	"github.com/bobuhiro11/gov86/cpu"
	"github.com/bobuhiro11/gov86/trap"
)

const (
	opOpSize = 0x66
	opInt    = 0xcd
	opInt3   = 0xcc
)

// Redirector reflects interrupts into the virtual program the way a
// real-mode CPU delivers them, through the interrupt vector table at linear
// address 0.
type Redirector struct {
	bus cpu.Bus
}

func NewRedirector(bus cpu.Bus) *Redirector {
	return &Redirector{bus: bus}
}

// Redirect pushes FLAGS, CS and IP on the virtual stack and continues at
// IVT[vector] with IF and TF clear.
//
// In synchronous mode the interrupt was raised by the instruction at CS:IP.
// When that instruction encodes an INT for vector (INT3 for vector 3), the
// pushed IP points past it and an operand-size prefix widens the pushes.
// Otherwise the frame is delivered as an external interrupt at CS:IP.
func (r *Redirector) Redirect(vector uint8, f *cpu.Snapshot, synchronous bool) {
	ip := f.IP()
	op32 := false

	if synchronous {
		if n, wide, ok := r.intLength(vector, f); ok {
			ip += n
			op32 = wide
		}
	}

	flags := f.VMFlags()

	if op32 {
		f.VMPush32(r.bus, flags)
		f.VMPush32(r.bus, f.CS&0xffff)
		f.VMPush32(r.bus, uint32(ip))
	} else {
		f.VMPush16(r.bus, uint16(flags))
		f.VMPush16(r.bus, uint16(f.CS))
		f.VMPush16(r.bus, ip)
	}

	f.EFLAGS &^= cpu.FlagIF | cpu.FlagTF

	seg, off := cpu.FarPointer(r.bus, uint32(vector)*4)
	f.CS = uint32(seg)
	f.SetIP(off)
}

// intLength decodes the interrupt instruction at CS:IP.
func (r *Redirector) intLength(vector uint8, f *cpu.Snapshot) (uint16, bool, bool) {
	cs, ip := uint16(f.CS), f.IP()
	at := func(i uint16) uint8 { return r.bus.Read8(cpu.Linear(cs, ip+i)) }

	n, wide := uint16(0), false
	if at(0) == opOpSize {
		n, wide = 1, true
	}

	switch at(n) {
	case opInt:
		if at(n+1) == vector {
			return n + 2, wide, true
		}
	case opInt3:
		if vector == trap.Breakpoint {
			return n + 1, wide, true
		}
	}

	return 0, false, false
}
