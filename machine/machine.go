// Package machine is a software virtual-8086 processor. It stands in for the
// privileged mode switch: Enter consumes a virtual-8086 frame and executes
// real-mode code from memory until a trap handler resolves the resumption
// point, raising the traps hardware would raise along the way.
package machine

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"runtime"
	"sync/atomic"

	"github.com/bobuhiro11/gov86/cpu"
	"github.com/bobuhiro11/gov86/device"
	"github.com/bobuhiro11/gov86/resume"
	"github.com/bobuhiro11/gov86/trap"
)

var (
	// ErrHalted is returned by Enter once a fatal error stopped the machine.
	ErrHalted = errors.New("machine halted")

	// ErrInterruptsDisabled is returned by WaitForInterrupt when interrupts
	// are masked, which would wait forever.
	ErrInterruptsDisabled = errors.New("wait for interrupt with interrupts disabled")

	ErrUnexpectedIOPort = errors.New("unexpected io port")

	errNotVM   = errors.New("frame is not a virtual-8086 frame")
	errBadIRQ  = errors.New("irq line out of range")
	errIOWidth = errors.New("bad io access width")
)

const (
	// SupervisorCS is the code selector of frames taken in protected mode.
	SupervisorCS = 0x08

	NumIRQs = 16

	ioIn  = 0
	ioOut = 1

	// yieldSteps is how often Enter lets goroutines raising IRQs run.
	yieldSteps = 1024
)

// Dispatcher delivers a trap recorded in a frame.
type Dispatcher interface {
	Dispatch(frame *cpu.Snapshot) error
}

type Machine struct {
	bus    cpu.Bus
	traps  Dispatcher
	logger *slog.Logger

	ioportHandlers [0x10000][2]func(m *Machine, port uint64, bytes []byte) error

	// pending latches one request per IRQ line, like an 8259.
	pending atomic.Uint32
	notify  chan struct{}

	interruptsEnabled bool
	halted            error

	// shadow suppresses IRQ delivery before the instruction after one
	// that set IF.
	shadow bool

	// frames holds the live frame of every active Enter, innermost last.
	frames []*cpu.Snapshot

	traceCount uint64
	steps      uint64
}

func New(bus cpu.Bus, traps Dispatcher, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Machine{
		bus:    bus,
		traps:  traps,
		logger: logger,
		notify: make(chan struct{}, 1),
	}

	m.initIOPortHandlers()

	return m
}

// SetTrace logs every n-th executed instruction. Zero disables tracing.
func (m *Machine) SetTrace(n int) {
	m.traceCount = uint64(n)
}

// Steps returns the number of instructions executed so far.
func (m *Machine) Steps() uint64 {
	return m.steps
}

// Frame returns the live frame of the innermost Enter, or nil.
func (m *Machine) Frame() *cpu.Snapshot {
	if len(m.frames) == 0 {
		return nil
	}

	return m.frames[len(m.frames)-1]
}

// Depth returns the number of active Enter calls.
func (m *Machine) Depth() int {
	return len(m.frames)
}

// Halted returns the error that stopped the machine, or nil.
func (m *Machine) Halted() error {
	return m.halted
}

// Halt stops the machine with err. The innermost Enter returns once the
// current instruction completes.
func (m *Machine) Halt(err error) {
	m.halt(err)
}

func (m *Machine) halt(err error) {
	if m.halted == nil {
		m.halted = fmt.Errorf("%w: %w", ErrHalted, err)
	}
}

// Enter consumes frame and runs it until point is resolved. From the
// caller's side it is a one-way switch: it returns nil only after a trap
// handler resolved point, and otherwise returns the fatal error that halted
// the machine.
func (m *Machine) Enter(frame *cpu.Snapshot, point *resume.Point) error {
	if m.halted != nil {
		return m.halted
	}

	if !frame.IsVM() {
		return errNotVM
	}

	live := *frame

	m.frames = append(m.frames, &live)
	defer func() { m.frames = m.frames[:len(m.frames)-1] }()

	for !point.Reached() {
		if m.steps%yieldSteps == 0 {
			runtime.Gosched()
		}

		if err := m.RunOnce(&live); err != nil {
			m.halt(err)

			return err
		}

		if m.halted != nil {
			return m.halted
		}
	}

	return nil
}

// RunOnce delivers one pending interrupt or executes one instruction of
// frame.
func (m *Machine) RunOnce(frame *cpu.Snapshot) error {
	shadow := m.shadow
	m.shadow = false

	if frame.EFLAGS&cpu.FlagIF != 0 && !shadow {
		if line, ok := m.takeIRQ(); ok {
			return m.raise(frame, trap.IRQBase+uint32(line), 0)
		}
	}

	if m.traceCount > 0 && m.steps%m.traceCount == 0 {
		if _, s, err := m.Inst(frame); err == nil {
			m.logger.Debug("trace", slog.Uint64("step", m.steps), slog.String("inst", s))
		}
	}

	m.steps++

	wasEnabled := frame.EFLAGS&cpu.FlagIF != 0

	if err := m.step(frame); err != nil {
		return err
	}

	// setting IF holds interrupts off for one more instruction, so that
	// STI; HLT cannot lose a wakeup
	m.shadow = !wasEnabled && frame.EFLAGS&cpu.FlagIF != 0

	return nil
}

// raise records vector in frame and dispatches it with interrupts masked, as
// an interrupt gate would.
func (m *Machine) raise(frame *cpu.Snapshot, vector, code uint32) error {
	frame.SetException(vector, code)

	enabled := m.Disable()
	defer m.Restore(enabled)

	return m.traps.Dispatch(frame)
}

// InjectIRQ raises a hardware interrupt line. It is safe to call from any
// goroutine. A line already pending stays pending once.
func (m *Machine) InjectIRQ(line uint8) error {
	if line >= NumIRQs {
		return fmt.Errorf("line %d:%w", line, errBadIRQ)
	}

	for {
		old := m.pending.Load()
		if m.pending.CompareAndSwap(old, old|1<<line) {
			break
		}
	}

	select {
	case m.notify <- struct{}{}:
	default:
	}

	return nil
}

// takeIRQ claims the highest priority pending line.
func (m *Machine) takeIRQ() (uint8, bool) {
	for {
		old := m.pending.Load()
		if old == 0 {
			return 0, false
		}

		line := bits.TrailingZeros32(old)
		if m.pending.CompareAndSwap(old, old&^(1<<line)) {
			return uint8(line), true
		}
	}
}

// Disable masks host interrupts and reports whether they were enabled.
func (m *Machine) Disable() bool {
	enabled := m.interruptsEnabled
	m.interruptsEnabled = false

	return enabled
}

// Restore sets the host interrupt mask back to a value returned by Disable.
func (m *Machine) Restore(enabled bool) {
	m.interruptsEnabled = enabled
}

// Enable unmasks host interrupts.
func (m *Machine) Enable() {
	m.interruptsEnabled = true
}

// InterruptsEnabled reports the host interrupt mask.
func (m *Machine) InterruptsEnabled() bool {
	return m.interruptsEnabled
}

// WaitForInterrupt halts until a hardware interrupt arrives and services it
// in supervisor context. Interrupts must be enabled.
func (m *Machine) WaitForInterrupt() error {
	if !m.interruptsEnabled {
		return ErrInterruptsDisabled
	}

	for {
		if line, ok := m.takeIRQ(); ok {
			frame := &cpu.Snapshot{CS: SupervisorCS, EFLAGS: cpu.Canonical(cpu.FlagIF)}

			return m.raise(frame, trap.IRQBase+uint32(line), 0)
		}

		<-m.notify
	}
}

// RegisterIODevice routes the port range of dev to it.
func (m *Machine) RegisterIODevice(dev device.IODevice) {
	start := dev.IOPort()

	for port := start; port < start+dev.Size() && port < 0x10000; port++ {
		m.ioportHandlers[port][ioIn] = func(m *Machine, port uint64, bytes []byte) error {
			return dev.Read(port, bytes)
		}
		m.ioportHandlers[port][ioOut] = func(m *Machine, port uint64, bytes []byte) error {
			return dev.Write(port, bytes)
		}
	}
}

func (m *Machine) initIOPortHandlers() {
	funcNone := func(m *Machine, port uint64, bytes []byte) error {
		return nil
	}

	funcError := func(m *Machine, port uint64, bytes []byte) error {
		return fmt.Errorf("%w: 0x%x", ErrUnexpectedIOPort, port)
	}

	// default handler
	for port := 0; port < 0x10000; port++ {
		for dir := ioIn; dir <= ioOut; dir++ {
			m.ioportHandlers[port][dir] = funcError
		}
	}

	for dir := ioIn; dir <= ioOut; dir++ {
		// PIC master and slave
		for _, port := range []int{0x20, 0x21, 0xa0, 0xa1} {
			m.ioportHandlers[port][dir] = funcNone
		}

		// PIT
		for port := 0x40; port <= 0x43; port++ {
			m.ioportHandlers[port][dir] = funcNone
		}

		// CMOS clock
		for port := 0x70; port <= 0x71; port++ {
			m.ioportHandlers[port][dir] = funcNone
		}

		// DMA Page Registers (Commonly 74L612 Chip)
		for port := 0x81; port <= 0x9f; port++ {
			m.ioportHandlers[port][dir] = funcNone
		}

		// VGA
		for port := 0x3c0; port <= 0x3da; port++ {
			m.ioportHandlers[port][dir] = funcNone
		}

		for port := 0x3b4; port <= 0x3b5; port++ {
			m.ioportHandlers[port][dir] = funcNone
		}
	}

	// PS/2 controller status: output buffer empty, system flag set
	m.ioportHandlers[0x64][ioIn] = func(m *Machine, port uint64, bytes []byte) error {
		bytes[0] = 0x14

		return nil
	}
	m.ioportHandlers[0x64][ioOut] = funcNone
	m.ioportHandlers[0x60][ioIn] = funcNone
	m.ioportHandlers[0x60][ioOut] = funcNone
}

// io performs an IN or OUT of len(bytes) on port.
func (m *Machine) io(dir int, port uint16, bytes []byte) error {
	if len(bytes) != 1 && len(bytes) != 2 && len(bytes) != 4 {
		return errIOWidth
	}

	return m.ioportHandlers[port][dir](m, uint64(port), bytes)
}
