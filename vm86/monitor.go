// Package vm86 is a trap-and-emulate monitor that runs real-mode routines,
// BIOS services in particular, in virtual-8086 mode on behalf of
// protected-mode code.
//
// An invocation prepares a virtual-8086 frame whose return address is the
// rendezvous trampoline, switches to it, and handles every #GP and #UD the
// virtual program raises. Sensitive instructions are emulated and interrupts
// are reflected through the real-mode vector table until the program faults
// at the trampoline, which resolves the invocation's resumption point and
// returns control to the caller.
package vm86

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bobuhiro11/gov86/cpu"
	"github.com/bobuhiro11/gov86/memory"
	"github.com/bobuhiro11/gov86/resume"
	"github.com/bobuhiro11/gov86/trap"
)

const (
	// Owner is the name the monitor registers its trap handlers under.
	Owner = "vm86"

	// DefaultMaxDepth bounds nested invocations when Config.MaxDepth is 0.
	DefaultMaxDepth = 4

	// stackMargin is left free above the initial stack pointer.
	stackMargin = 16
)

// trapVectors are the faults a virtual-8086 program returns through.
var trapVectors = []uint8{trap.GeneralProtection, trap.InvalidOpcode}

// Dispatcher registers trap handlers.
type Dispatcher interface {
	RegisterException(vector uint8, owner string, h trap.Handler) error
	Unregister(vector uint8, owner string)
}

// Allocator leases low-memory pages for virtual stacks.
type Allocator interface {
	AllocPage() (*memory.Lease, error)
}

// Switcher is the one-way switch into virtual-8086 mode. Enter returns once
// point is resolved or with the error that stopped the processor.
type Switcher interface {
	Enter(frame *cpu.Snapshot, point *resume.Point) error
}

type Config struct {
	// Trampoline is a fixed rendezvous address. Zero scans
	// [ScanStart, ScanEnd) for the marker instead.
	Trampoline uint32
	ScanStart  uint32
	ScanEnd    uint32

	// MaxDepth bounds nested invocations, including the outermost one.
	MaxDepth int

	Logger *slog.Logger
}

// Deps are the collaborators of a Monitor.
type Deps struct {
	Bus        cpu.Bus
	Traps      Dispatcher
	Pages      Allocator
	Switch     Switcher
	Interrupts Interrupts
}

// invocation is the state of the innermost active call. It moves as one
// value: a nested call saves it, replaces it and restores it.
type invocation struct {
	lease     *memory.Lease
	temporary bool
	point     *resume.Point
	awaited   *cpu.Snapshot
}

func (v invocation) active() bool {
	return v.point != nil
}

// Monitor is the per-processor monitor state.
type Monitor struct {
	cfg  Config
	deps Deps

	emu    *Emulator
	redir  *Redirector
	logger *slog.Logger

	trampoline   uint32
	defaultLease *memory.Lease
	ready        bool

	cur   invocation
	depth int
}

func New(cfg Config, deps Deps) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}

	if cfg.ScanStart == 0 && cfg.ScanEnd == 0 {
		cfg.ScanStart, cfg.ScanEnd = ScanStart, ScanEnd
	}

	redir := NewRedirector(deps.Bus)

	return &Monitor{
		cfg:    cfg,
		deps:   deps,
		redir:  redir,
		emu:    NewEmulator(deps.Bus, redir, deps.Interrupts, cfg.Logger),
		logger: cfg.Logger,
	}
}

// Initialize locates the trampoline, installs the #GP and #UD handlers and
// leases the default stack page.
func (m *Monitor) Initialize() error {
	addr := m.cfg.Trampoline

	if addr != 0 {
		if err := VerifyTrampoline(m.deps.Bus, addr); err != nil {
			return err
		}
	} else {
		var err error
		if addr, err = LocateTrampoline(m.deps.Bus, m.cfg.ScanStart, m.cfg.ScanEnd); err != nil {
			return err
		}
	}

	m.trampoline = addr

	for i, v := range trapVectors {
		if err := m.deps.Traps.RegisterException(v, Owner, m.handleTrap); err != nil {
			for _, u := range trapVectors[:i] {
				m.deps.Traps.Unregister(u, Owner)
			}

			return fmt.Errorf("register %s:%w", trap.Name(uint32(v)), err)
		}
	}

	lease, err := m.deps.Pages.AllocPage()
	if err != nil {
		m.unregister()

		return fmt.Errorf("default stack:%w", errors.Join(ErrLeaseExhausted, err))
	}

	m.defaultLease = lease
	m.ready = true

	m.logger.Info("vm86 monitor ready",
		slog.String("trampoline", fmt.Sprintf("%#x", addr)),
		slog.String("stack", fmt.Sprintf("%#x", lease.Base())),
		slog.Int("maxDepth", m.cfg.MaxDepth))

	return nil
}

// Trampoline returns the rendezvous address.
func (m *Monitor) Trampoline() uint32 {
	return m.trampoline
}

// Depth returns the number of active invocations.
func (m *Monitor) Depth() int {
	return m.depth
}

// Close releases the default stack page.
func (m *Monitor) Close() error {
	if m.defaultLease == nil {
		return nil
	}

	m.unregister()

	err := m.defaultLease.Release()
	m.defaultLease, m.ready = nil, false

	return err
}

// unregister drops the monitor's trap handlers.
func (m *Monitor) unregister() {
	for _, v := range trapVectors {
		m.deps.Traps.Unregister(v, Owner)
	}
}

// CallBIOS runs the real-mode handler of vector with the registers in s, as
// if the virtual program had executed INT vector at the trampoline. s holds
// the resulting registers on return.
func (m *Monitor) CallBIOS(vector uint8, s *cpu.Snapshot) error {
	return m.invoke(s, func(f *cpu.Snapshot) error {
		m.redir.Redirect(vector, f, false)

		return nil
	})
}

// CallFar calls segment:offset with a far return to the trampoline.
func (m *Monitor) CallFar(segment, offset uint16, s *cpu.Snapshot) error {
	return m.invoke(s, func(f *cpu.Snapshot) error {
		f.VMPush16(m.deps.Bus, uint16(f.CS))
		f.VMPush16(m.deps.Bus, f.IP())
		f.CS = uint32(segment)
		f.SetIP(offset)

		return nil
	})
}

// RedirectInterrupt delivers vector to the code that was interrupted. A
// virtual-8086 frame takes it on its own stack and continues in the handler
// when resumed; any other frame runs the handler to completion in a fresh
// invocation.
func (m *Monitor) RedirectInterrupt(vector uint8, s *cpu.Snapshot) error {
	if s.IsVM() {
		m.redir.Redirect(vector, s, false)

		return nil
	}

	return m.CallBIOS(vector, &cpu.Snapshot{})
}

// invoke runs s at the trampoline after setup changed it, until the virtual
// program reaches the trampoline again.
func (m *Monitor) invoke(s *cpu.Snapshot, setup func(*cpu.Snapshot) error) error {
	if !m.ready {
		return errNotInitialized
	}

	enabled := m.deps.Interrupts.Disable()

	if m.depth >= m.cfg.MaxDepth {
		m.deps.Interrupts.Restore(enabled)

		return fmt.Errorf("depth %d:%w", m.depth, ErrNestingTooDeep)
	}

	saved := m.cur
	next := invocation{lease: m.defaultLease}

	if saved.active() {
		lease, err := m.deps.Pages.AllocPage()
		if err != nil {
			m.deps.Interrupts.Restore(enabled)

			return fmt.Errorf("depth %d:%w", m.depth, errors.Join(ErrLeaseExhausted, err))
		}

		next.lease, next.temporary = lease, true
	}

	s.AdjustVMFlags()

	ss := uint16(next.lease.Base() >> 4)
	s.SetSS(ss)
	s.SetESP(next.lease.Top() - stackMargin - uint32(ss)<<4)

	cs, ip := trampolineCSIP(m.trampoline)
	s.CS = uint32(cs)
	s.SetIP(ip)

	if err := setup(s); err != nil {
		m.release(next)
		m.deps.Interrupts.Restore(enabled)

		return err
	}

	next.point = resume.New()
	next.awaited = s

	m.cur = next
	m.depth++

	m.logger.Debug("vm86 enter",
		slog.Int("depth", m.depth),
		slog.Uint64("point", next.point.ID()),
		slog.String("cs:ip", fmt.Sprintf("%04x:%04x", s.CS, s.IP())),
		slog.String("ss:sp", fmt.Sprintf("%04x:%04x", s.SS(), s.SP())))

	m.deps.Interrupts.Restore(enabled)

	err := m.deps.Switch.Enter(s, next.point)

	enabled = m.deps.Interrupts.Disable()
	defer m.deps.Interrupts.Restore(enabled)

	m.cur = saved
	m.depth--

	if rerr := m.release(next); rerr != nil && err == nil {
		err = rerr
	}

	m.logger.Debug("vm86 leave", slog.Int("depth", m.depth+1), slog.Uint64("point", next.point.ID()))

	return err
}

func (m *Monitor) release(v invocation) error {
	if !v.temporary {
		return nil
	}

	return v.lease.Release()
}

// handleTrap is installed for #GP and #UD. Faults at the trampoline finish
// the current invocation; other #GPs from virtual-8086 mode are emulated.
func (m *Monitor) handleTrap(f *cpu.Snapshot) (bool, error) {
	if !f.IsVM() {
		return false, nil
	}

	if f.CodeAddr() == m.trampoline && m.cur.active() {
		*m.cur.awaited = *f
		m.cur.point.JumpTo(int(f.Vector()))

		return true, nil
	}

	if f.Vector() != trap.GeneralProtection {
		return false, nil
	}

	if err := m.emu.Emulate(f); err != nil {
		return false, err
	}

	return true, nil
}
