package bios

import (
	"github.com/bobuhiro11/gov86/cpu"
	"github.com/bobuhiro11/gov86/memory"
)

const (
	// ROMSegment is the segment of the system BIOS.
	ROMSegment = memory.BIOSBase >> 4

	// ServicePort is the port the vector thunks report their vector on.
	ServicePort = 0xef

	// ModelAT is the model byte of a PC/AT.
	ModelAT = 0xfc

	// IdleOffset is the idle loop at the start of the ROM. Its first byte is
	// the rendezvous marker.
	IdleOffset = 0x0000

	// KeyWaitOffset is the INT 16h stub, which halts until a key arrives.
	KeyWaitOffset = 0x0010

	keyboardVector = 0x16

	thunkOffset = 0x0100
	thunkSize   = 7

	dateOffset  = 0xfff5
	modelOffset = 0xfffe
	resetVector = 0xffff0

	romDate = "10/17/26"
)

// idle is the rendezvous marker followed by a loop back to it.
//
//	0:  f4     hlt
//	1:  eb fd  jmp 0
var idle = []byte{0xf4, 0xeb, 0xfd}

// thunk returns the handler stub of vector. The service port handler finds
// the caller's AX at [SS:SP] and the interrupt frame above it.
//
//	0:  50     push ax
//	1:  b0 vv  mov  al,vv
//	3:  e6 ef  out  0xef,al
//	5:  58     pop  ax
//	6:  cf     iret
func thunk(vector uint8) []byte {
	return []byte{0x50, 0xb0, vector, 0xe6, ServicePort, 0x58, 0xcf}
}

// keyWait is the INT 16h stub. The service sets the live CF when a read
// found no key; the stub then waits for an interrupt with IF set and asks
// again.
//
//	0:  50     push ax
//	1:  b0 16  mov  al,0x16
//	3:  e6 ef  out  0xef,al
//	5:  73 05  jnc  c
//	7:  fb     sti
//	8:  f4     hlt
//	9:  fa     cli
//	a:  eb f5  jmp  1
//	c:  58     pop  ax
//	d:  cf     iret
var keyWait = []byte{
	0x50, 0xb0, keyboardVector, 0xe6, ServicePort, 0x73, 0x05,
	0xfb, 0xf4, 0xfa, 0xeb, 0xf5, 0x58, 0xcf,
}

// ThunkAddr returns the far address of the stub of vector.
func ThunkAddr(vector uint8) (seg, off uint16) {
	return ROMSegment, thunkOffset + uint16(vector)*thunkSize
}

// InstallROM writes the system ROM and points every interrupt vector at its
// stub.
func InstallROM(bus cpu.Bus) {
	for a := uint32(memory.BIOSBase); a < memory.HMABase; a++ {
		bus.Write8(a, 0)
	}

	write := func(off uint16, b []byte) {
		for i, v := range b {
			bus.Write8(cpu.Linear(ROMSegment, off+uint16(i)), v)
		}
	}

	write(IdleOffset, idle)

	for v := 0; v < 256; v++ {
		seg, off := ThunkAddr(uint8(v))
		write(off, thunk(uint8(v)))
		SetVector(bus, uint8(v), seg, off)
	}

	write(KeyWaitOffset, keyWait)
	SetVector(bus, keyboardVector, ROMSegment, KeyWaitOffset)

	// jmp far f000:0000
	bus.Write8(resetVector, 0xea)
	bus.Write16(resetVector+1, IdleOffset)
	bus.Write16(resetVector+3, ROMSegment)

	write(dateOffset, []byte(romDate))
	bus.Write8(cpu.Linear(ROMSegment, modelOffset), ModelAT)
}

// SetVector stores seg:off in the interrupt vector table.
func SetVector(bus cpu.Bus, vector uint8, seg, off uint16) {
	bus.Write16(uint32(vector)*4, off)
	bus.Write16(uint32(vector)*4+2, seg)
}

// Vector reads the interrupt vector table.
func Vector(bus cpu.Bus, vector uint8) (seg, off uint16) {
	return cpu.FarPointer(bus, uint32(vector)*4)
}
