package vm86

import (
	"fmt"
	"log/slog"

	"github.com/bobuhiro11/gov86/cpu"
	"github.com/bobuhiro11/gov86/trap"
)

const (
	opPushf = 0x9c
	opPopf  = 0x9d
	opIret  = 0xcf
	opHlt   = 0xf4
	opCli   = 0xfa
	opSti   = 0xfb
)

// Interrupts is the host interrupt-enable state.
type Interrupts interface {
	Disable() bool
	Restore(enabled bool)
	Enable()
	WaitForInterrupt() error
}

// Emulator performs the sensitive instructions that fault in virtual-8086
// mode against the virtual flags kept in the frame.
type Emulator struct {
	bus    cpu.Bus
	redir  *Redirector
	irq    Interrupts
	logger *slog.Logger
}

func NewEmulator(bus cpu.Bus, redir *Redirector, irq Interrupts, logger *slog.Logger) *Emulator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Emulator{bus: bus, redir: redir, irq: irq, logger: logger}
}

// Emulate handles a #GP raised by the virtual program in f.
func (e *Emulator) Emulate(f *cpu.Snapshot) error {
	if code := f.ErrorCode(); code&trap.ErrCodeIDT != 0 {
		e.redir.Redirect(uint8(trap.ErrCodeIndex(code)), f, true)

		return nil
	}

	cs, ip := uint16(f.CS), f.IP()
	at := func(i uint16) uint8 { return e.bus.Read8(cpu.Linear(cs, ip+i)) }

	n, op32 := uint16(0), false

	op := at(0)
	if op == opOpSize {
		n, op32 = 1, true
		op = at(1)
	}

	switch op {
	case opPushf:
		if op32 {
			f.VMPush32(e.bus, f.VMFlags())
		} else {
			f.VMPush16(e.bus, uint16(f.VMFlags()))
		}

	case opPopf:
		if op32 {
			f.SetVMFlags(f.VMPop32(e.bus))
		} else {
			f.SetVMFlags(f.EFLAGS&0xffff0000 | uint32(f.VMPop16(e.bus)))
		}

	case opInt:
		e.redir.Redirect(at(n+1), f, true)

		return nil

	case opInt3:
		e.redir.Redirect(trap.Breakpoint, f, true)

		return nil

	case opIret:
		var newIP, newCS, flags uint32

		if op32 {
			newIP, newCS, flags = f.VMPop32(e.bus), f.VMPop32(e.bus), f.VMPop32(e.bus)
		} else {
			newIP, newCS = uint32(f.VMPop16(e.bus)), uint32(f.VMPop16(e.bus))
			flags = f.EFLAGS&0xffff0000 | uint32(f.VMPop16(e.bus))
		}

		f.CS = newCS & 0xffff
		f.SetIP(uint16(newIP))
		f.SetVMFlags(flags)

		return nil

	case opHlt:
		e.irq.Enable()
		err := e.irq.WaitForInterrupt()
		e.irq.Disable()

		if err != nil {
			return fmt.Errorf("hlt at %04x:%04x:%w", cs, ip, err)
		}

	case opCli:
		f.EFLAGS &^= cpu.FlagIF

	case opSti:
		f.EFLAGS |= cpu.FlagIF

	default:
		return fmt.Errorf("%#02x at %04x:%04x:%w", op, cs, ip, ErrEmulationUnsupported)
	}

	f.SetIP(ip + n + 1)

	return nil
}
