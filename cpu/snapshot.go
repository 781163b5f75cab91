// Package cpu describes the register state saved across a transition between
// the supervisor and a virtual-8086 program.
package cpu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// SnapshotSize is the size in bytes of the frame built by the trap entry stub.
const SnapshotSize = 92

var errShortSnapshot = errors.New("snapshot buffer too short")

// SegReg names one of the data segment registers.
type SegReg int

const (
	ES SegReg = iota
	DS
	FS
	GS
)

// Snapshot is the register file saved across a mode transition. The field
// order is the frame layout, lowest address first: PUSHAD, the outer data
// selectors, vector and error code, the hardware interrupt frame, and the
// virtual-8086 data selectors the CPU pushes when leaving VM mode.
//
// Fields that are only meaningful in user or virtual-8086 context are
// unexported and reached through accessors that panic on a frame of the wrong
// kind.
type Snapshot struct {
	EDI uint32
	ESI uint32
	EBP uint32
	_   uint32 // ESP slot of PUSHAD, never restored
	EBX uint32
	EDX uint32
	ECX uint32
	EAX uint32

	GS uint32
	FS uint32
	ES uint32
	DS uint32

	vector    uint32
	errorCode uint32

	EIP    uint32
	CS     uint32
	EFLAGS uint32

	esp uint32
	ss  uint32

	vmES uint32
	vmDS uint32
	vmFS uint32
	vmGS uint32
}

// IsVM reports whether the frame belongs to virtual-8086 mode.
func (s *Snapshot) IsVM() bool {
	return s.EFLAGS&FlagVM != 0
}

// IsUser reports whether the frame carries a stack pointer, that is whether
// it was taken from virtual-8086 mode or from ring 3.
func (s *Snapshot) IsUser() bool {
	return s.IsVM() || s.CS&3 == 3
}

func (s *Snapshot) mustUser() {
	if !s.IsUser() {
		panic("cpu: stack of a supervisor frame accessed")
	}
}

func (s *Snapshot) mustVM() {
	if !s.IsVM() {
		panic("cpu: virtual-8086 selector of a protected-mode frame accessed")
	}
}

// ESP returns the saved stack pointer.
func (s *Snapshot) ESP() uint32 {
	s.mustUser()

	return s.esp
}

// SetESP replaces the saved stack pointer.
func (s *Snapshot) SetESP(v uint32) {
	s.mustUser()
	s.esp = v
}

// SS returns the saved stack selector.
func (s *Snapshot) SS() uint16 {
	s.mustUser()

	return uint16(s.ss)
}

// SetSS replaces the saved stack selector.
func (s *Snapshot) SetSS(v uint16) {
	s.mustUser()
	s.ss = uint32(v)
}

// SP returns the low 16 bits of the saved stack pointer.
func (s *Snapshot) SP() uint16 {
	return uint16(s.ESP())
}

// SetSP replaces the low 16 bits of the saved stack pointer.
func (s *Snapshot) SetSP(v uint16) {
	s.SetESP(s.ESP()&0xffff0000 | uint32(v))
}

// VMSeg returns a virtual-8086 data segment register.
func (s *Snapshot) VMSeg(r SegReg) uint16 {
	s.mustVM()

	return uint16(*s.vmSeg(r))
}

// SetVMSeg replaces a virtual-8086 data segment register.
func (s *Snapshot) SetVMSeg(r SegReg, v uint16) {
	s.mustVM()
	*s.vmSeg(r) = uint32(v)
}

func (s *Snapshot) vmSeg(r SegReg) *uint32 {
	switch r {
	case ES:
		return &s.vmES
	case DS:
		return &s.vmDS
	case FS:
		return &s.vmFS
	case GS:
		return &s.vmGS
	}

	panic(fmt.Sprintf("cpu: bad segment register %d", r))
}

// Vector returns the exception vector recorded by the trap entry stub.
func (s *Snapshot) Vector() uint32 {
	return s.vector
}

// ErrorCode returns the error code recorded by the trap entry stub.
func (s *Snapshot) ErrorCode() uint32 {
	return s.errorCode
}

// SetException records the vector and error code of the event that produced
// the frame.
func (s *Snapshot) SetException(vector, code uint32) {
	s.vector, s.errorCode = vector, code
}

// IP returns the 16-bit instruction pointer.
func (s *Snapshot) IP() uint16 {
	return uint16(s.EIP)
}

// SetIP replaces the instruction pointer.
func (s *Snapshot) SetIP(v uint16) {
	s.EIP = uint32(v)
}

// CodeAddr returns the linear address of CS:IP of a virtual-8086 frame.
func (s *Snapshot) CodeAddr() uint32 {
	return Linear(uint16(s.CS), s.IP())
}

// VMFlags returns the flags a virtual-8086 program should observe. VM and
// IOPL belong to the monitor and are masked out.
func (s *Snapshot) VMFlags() uint32 {
	return s.EFLAGS &^ (FlagVM | FlagIOPL)
}

// SetVMFlags installs f as the flags of a virtual-8086 frame.
func (s *Snapshot) SetVMFlags(f uint32) {
	s.EFLAGS = Canonical(f)&^FlagIOPL | FlagVM | SupervisorLevel<<ioplShift
}

// AdjustVMFlags turns the current flags into virtual-8086 flags.
func (s *Snapshot) AdjustVMFlags() {
	s.SetVMFlags(s.EFLAGS)
}

func (s *Snapshot) words() [SnapshotSize / 4]uint32 {
	return [SnapshotSize / 4]uint32{
		s.EDI, s.ESI, s.EBP, 0, s.EBX, s.EDX, s.ECX, s.EAX,
		s.GS, s.FS, s.ES, s.DS,
		s.vector, s.errorCode,
		s.EIP, s.CS, s.EFLAGS,
		s.esp, s.ss,
		s.vmES, s.vmDS, s.vmFS, s.vmGS,
	}
}

// Bytes returns the frame in its in-memory layout.
func (s *Snapshot) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, s.words()); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// Decode fills s from a frame in its in-memory layout.
func (s *Snapshot) Decode(b []byte) error {
	if len(b) < SnapshotSize {
		return fmt.Errorf("got %d bytes, want %d:%w", len(b), SnapshotSize, errShortSnapshot)
	}

	var w [SnapshotSize / 4]uint32

	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &w); err != nil {
		return err
	}

	*s = Snapshot{
		EDI: w[0], ESI: w[1], EBP: w[2], EBX: w[4], EDX: w[5], ECX: w[6], EAX: w[7],
		GS: w[8], FS: w[9], ES: w[10], DS: w[11],
		vector: w[12], errorCode: w[13],
		EIP: w[14], CS: w[15], EFLAGS: w[16],
		esp: w[17], ss: w[18],
		vmES: w[19], vmDS: w[20], vmFS: w[21], vmGS: w[22],
	}

	return nil
}
