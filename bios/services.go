// Package bios is a synthetic PC BIOS. The ROM holds one small stub per
// interrupt vector that reports its vector on an I/O port; Services is the
// device behind that port and implements the BIOS functions on the host.
package bios

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bobuhiro11/gov86/cpu"
	"github.com/bobuhiro11/gov86/serial"
)

// Status codes returned in AH.
const (
	statusOK          = 0x00
	statusBadCommand  = 0x01
	statusNotFound    = 0x04
	statusTimeout     = 0x80
	statusUnsupported = 0x86
)

var (
	errNoFrame      = errors.New("bios: service port written outside virtual-8086 mode")
	errDataLenWrong = errors.New("bios: service port takes one byte")
)

// FrameSource returns the live frame of the running virtual program.
type FrameSource interface {
	Frame() *cpu.Snapshot
}

type Config struct {
	ConventionalKB int
	Extended       uint64

	// Disk is drive 80h. Nil means no hard disk.
	Disk     io.ReaderAt
	DiskSize int64

	// Console receives teletype output.
	Console io.Writer

	// Serial is COM1. Nil disables INT 14h.
	Serial *serial.Serial

	// Keyboard feeds INT 16h. Nil means no key is ever available.
	Keyboard <-chan byte

	Logger *slog.Logger
}

// Services implements the BIOS functions reached through the ROM stubs.
type Services struct {
	bus    cpu.Bus
	frames FrameSource
	cfg    Config
	logger *slog.Logger

	bda  *DataArea
	e820 E820Map
	geo  geometry

	key     uint16
	haveKey bool

	handlers map[uint8]func(r *Regs) error
	calls    map[uint8]uint64
}

func New(bus cpu.Bus, frames FrameSource, cfg Config) *Services {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.ConventionalKB == 0 {
		cfg.ConventionalKB = 639
	}

	if cfg.Console == nil {
		cfg.Console = io.Discard
	}

	s := &Services{
		bus:    bus,
		frames: frames,
		cfg:    cfg,
		logger: cfg.Logger,
		bda:    NewDataArea(bus),
		e820:   NewE820Map(cfg.ConventionalKB, cfg.Extended),
		geo:    newGeometry(cfg.DiskSize),
		calls:  map[uint8]uint64{},
	}

	s.handlers = map[uint8]func(r *Regs) error{
		0x08: s.timer,
		0x10: s.video,
		0x11: s.equipment,
		0x12: s.memorySize,
		0x13: s.disk,
		0x14: s.serial,
		0x15: s.system,
		0x16: s.keyboard,
		0x1a: s.clock,
	}

	return s
}

// Install writes the ROM, the vector table and the data areas.
func (s *Services) Install() error {
	InstallROM(s.bus)

	disks := 0
	if s.cfg.Disk != nil {
		disks = 1
	}

	return s.bda.Init(s.cfg.ConventionalKB, disks)
}

// DataArea returns the BIOS data area.
func (s *Services) DataArea() *DataArea {
	return s.bda
}

// E820 returns the memory map.
func (s *Services) E820() E820Map {
	return s.e820
}

// Calls returns how often vector was serviced.
func (s *Services) Calls(vector uint8) uint64 {
	return s.calls[vector]
}

// Regs is the register file of a BIOS call. AX is the caller's AX, not
// the vector the stub loaded into AL.
type Regs struct {
	EAX, EBX, ECX, EDX, ESI, EDI uint32
	ES, DS                       uint16
	Flags                        uint16
}

func (r *Regs) AX() uint16 { return uint16(r.EAX) }
func (r *Regs) BX() uint16 { return uint16(r.EBX) }
func (r *Regs) CX() uint16 { return uint16(r.ECX) }
func (r *Regs) DX() uint16 { return uint16(r.EDX) }
func (r *Regs) SI() uint16 { return uint16(r.ESI) }
func (r *Regs) DI() uint16 { return uint16(r.EDI) }
func (r *Regs) AH() uint8  { return uint8(r.EAX >> 8) }
func (r *Regs) AL() uint8  { return uint8(r.EAX) }
func (r *Regs) BH() uint8  { return uint8(r.EBX >> 8) }
func (r *Regs) BL() uint8  { return uint8(r.EBX) }
func (r *Regs) CH() uint8  { return uint8(r.ECX >> 8) }
func (r *Regs) CL() uint8  { return uint8(r.ECX) }
func (r *Regs) DH() uint8  { return uint8(r.EDX >> 8) }
func (r *Regs) DL() uint8  { return uint8(r.EDX) }

func (r *Regs) SetAX(v uint16) { r.EAX = r.EAX&0xffff0000 | uint32(v) }
func (r *Regs) SetBX(v uint16) { r.EBX = r.EBX&0xffff0000 | uint32(v) }
func (r *Regs) SetCX(v uint16) { r.ECX = r.ECX&0xffff0000 | uint32(v) }
func (r *Regs) SetDX(v uint16) { r.EDX = r.EDX&0xffff0000 | uint32(v) }
func (r *Regs) SetAH(v uint8)  { r.EAX = r.EAX&^0xff00 | uint32(v)<<8 }
func (r *Regs) SetAL(v uint8)  { r.EAX = r.EAX&^0xff | uint32(v) }
func (r *Regs) SetBH(v uint8)  { r.EBX = r.EBX&^0xff00 | uint32(v)<<8 }
func (r *Regs) SetBL(v uint8)  { r.EBX = r.EBX&^0xff | uint32(v) }
func (r *Regs) SetCH(v uint8)  { r.ECX = r.ECX&^0xff00 | uint32(v)<<8 }
func (r *Regs) SetCL(v uint8)  { r.ECX = r.ECX&^0xff | uint32(v) }
func (r *Regs) SetDH(v uint8)  { r.EDX = r.EDX&^0xff00 | uint32(v)<<8 }
func (r *Regs) SetDL(v uint8)  { r.EDX = r.EDX&^0xff | uint32(v) }

func (r *Regs) setFlag(f uint32, on bool) {
	if on {
		r.Flags |= uint16(f)
	} else {
		r.Flags &^= uint16(f)
	}
}

func (r *Regs) SetCF(on bool) { r.setFlag(cpu.FlagCF, on) }
func (r *Regs) SetZF(on bool) { r.setFlag(cpu.FlagZF, on) }
func (r *Regs) CF() bool      { return r.Flags&uint16(cpu.FlagCF) != 0 }
func (r *Regs) ZF() bool      { return r.Flags&uint16(cpu.FlagZF) != 0 }

// succeed clears CF and sets AH to 0.
func succeed(r *Regs) {
	r.SetAH(statusOK)
	r.SetCF(false)
}

// fail sets CF and the status in AH.
func fail(r *Regs, status uint8) {
	r.SetAH(status)
	r.SetCF(true)
}

// The stub's frame on the virtual stack, relative to SP.
const (
	slotAX    = 0
	slotFlags = 6
)

func (s *Services) Read(port uint64, data []byte) error {
	for i := range data {
		data[i] = 0xff
	}

	return nil
}

// Write services the vector written by a ROM stub.
func (s *Services) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenWrong
	}

	f := s.frames.Frame()
	if f == nil || !f.IsVM() {
		return errNoFrame
	}

	vector := data[0]

	r := &Regs{
		EAX:   f.EAX&0xffff0000 | uint32(f.VMPeek16(s.bus, slotAX)),
		EBX:   f.EBX,
		ECX:   f.ECX,
		EDX:   f.EDX,
		ESI:   f.ESI,
		EDI:   f.EDI,
		ES:    f.VMSeg(cpu.ES),
		DS:    f.VMSeg(cpu.DS),
		Flags: f.VMPeek16(s.bus, slotFlags),
	}

	s.calls[vector]++

	h, ok := s.handlers[vector]
	if !ok {
		s.logger.Debug("bios vector ignored", slog.String("vector", fmt.Sprintf("%#02x", vector)))

		return nil
	}

	s.logger.Debug("bios call",
		slog.String("vector", fmt.Sprintf("%#02x", vector)),
		slog.String("ax", fmt.Sprintf("%#04x", r.AX())))

	f.EFLAGS &^= cpu.FlagCF

	if err := h(r); err != nil {
		if errors.Is(err, errKeyPending) {
			f.EFLAGS |= cpu.FlagCF

			return nil
		}

		return fmt.Errorf("int %#02x ax=%#04x:%w", vector, r.AX(), err)
	}

	f.VMPoke16(s.bus, slotAX, r.AX())
	f.VMPoke16(s.bus, slotFlags, r.Flags)
	f.EAX = f.EAX&0xffff | r.EAX&0xffff0000
	f.EBX, f.ECX, f.EDX, f.ESI, f.EDI = r.EBX, r.ECX, r.EDX, r.ESI, r.EDI
	f.SetVMSeg(cpu.ES, r.ES)
	f.SetVMSeg(cpu.DS, r.DS)

	return nil
}

func (s *Services) IOPort() uint64 {
	return ServicePort
}

func (s *Services) Size() uint64 {
	return 1
}

// unsupported is the answer to an unknown function.
func (s *Services) unsupported(vector uint8, r *Regs) error {
	s.logger.Debug("bios function unsupported",
		slog.String("vector", fmt.Sprintf("%#02x", vector)),
		slog.String("ah", fmt.Sprintf("%#02x", r.AH())))
	fail(r, statusUnsupported)

	return nil
}
