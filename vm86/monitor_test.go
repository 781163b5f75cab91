package vm86

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/bobuhiro11/gov86/cpu"
	"github.com/bobuhiro11/gov86/device"
	"github.com/bobuhiro11/gov86/machine"
	"github.com/bobuhiro11/gov86/memory"
	"github.com/bobuhiro11/gov86/resume"
	"github.com/bobuhiro11/gov86/trap"
)

const (
	poolBase   = 0x70000
	timerOwner = "timer"
)

// rig is a monitor on a software machine with a one-instruction ROM.
type rig struct {
	mem   *memory.Memory
	pool  *memory.Pool
	traps *trap.Dispatcher
	cpu   *machine.Machine
	mon   *Monitor
	post  *device.PostCodeDevice
	sw    *recordingSwitch
}

// recordingSwitch keeps a copy of every frame handed to the processor.
type recordingSwitch struct {
	Switcher
	entered []cpu.Snapshot
}

func (r *recordingSwitch) Enter(f *cpu.Snapshot, p *resume.Point) error {
	r.entered = append(r.entered, *f)

	return r.Switcher.Enter(f, p)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRig(t *testing.T, cfg Config, pages int) *rig {
	t.Helper()

	mem, err := memory.New()
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}

	t.Cleanup(func() { _ = mem.Close() })

	// F000:0000 hlt; jmp $-1
	load(mem, 0xf000, 0, 0xf4, 0xeb, 0xfd)

	pool, err := mem.NewPool(poolBase, pages)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	cfg.Logger = quietLogger()

	r := &rig{mem: mem, pool: pool, post: &device.PostCodeDevice{}}
	r.traps = trap.New(mem, cfg.Logger)
	r.cpu = machine.New(mem, r.traps, cfg.Logger)
	r.cpu.RegisterIODevice(r.post)
	r.sw = &recordingSwitch{Switcher: r.cpu}
	r.mon = New(cfg, Deps{Bus: mem, Traps: r.traps, Pages: pool, Switch: r.sw, Interrupts: r.cpu})

	if err := r.mon.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	return r
}

func load(mem *memory.Memory, seg, off uint16, code ...byte) {
	for i, b := range code {
		mem.Write8(cpu.Linear(seg, off+uint16(i)), b)
	}
}

func setVector(mem *memory.Memory, vector uint8, seg, off uint16) {
	mem.Write16(uint32(vector)*4, off)
	mem.Write16(uint32(vector)*4+2, seg)
}

func TestInitialize(t *testing.T) {
	t.Parallel()

	r := newRig(t, Config{}, 2)

	if r.mon.Trampoline() != 0xf0000 {
		t.Errorf("trampoline %#x, want 0xf0000", r.mon.Trampoline())
	}

	if r.pool.Free() != 1 {
		t.Errorf("%d pages free, want the default page leased", r.pool.Free())
	}

	if err := r.traps.RegisterException(trap.GeneralProtection, Owner, nil); !errors.Is(err, trap.ErrConflict) {
		t.Errorf("#GP handler not registered: %v", err)
	}

	if err := r.mon.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if r.pool.Free() != 2 {
		t.Errorf("Close did not release the default page")
	}

	for _, v := range []uint8{trap.GeneralProtection, trap.InvalidOpcode} {
		if err := r.traps.RegisterException(v, Owner, nil); err != nil {
			t.Errorf("%s handler still registered after Close: %v", trap.Name(uint32(v)), err)
		}
	}

	if err := r.mon.CallBIOS(0x10, &cpu.Snapshot{}); !errors.Is(err, errNotInitialized) {
		t.Errorf("CallBIOS after Close: got %v", err)
	}
}

func TestInitializeFailures(t *testing.T) {
	t.Parallel()

	mem, err := memory.New()
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}

	defer mem.Close()

	pool, err := mem.NewPool(poolBase, 1)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	traps := trap.New(mem, quietLogger())
	deps := Deps{Bus: mem, Traps: traps, Pages: pool}

	if err := New(Config{Logger: quietLogger()}, deps).Initialize(); !errors.Is(err, ErrInitializationFailure) {
		t.Errorf("scan without marker: got %v", err)
	}

	mem.Write8(0x9000, Marker)

	mon := New(Config{Trampoline: 0x9000, Logger: quietLogger()}, deps)
	if err := mon.Initialize(); err != nil {
		t.Fatalf("fixed trampoline: %v", err)
	}

	if mon.Trampoline() != 0x9000 {
		t.Errorf("trampoline %#x", mon.Trampoline())
	}

	if err := New(Config{Trampoline: 0x9001, Logger: quietLogger()}, deps).Initialize(); !errors.Is(err, ErrInitializationFailure) {
		t.Errorf("fixed trampoline without marker: got %v", err)
	}

	// the only page is held by mon
	other := trap.New(mem, quietLogger())
	deps.Traps = other

	if err := New(Config{Trampoline: 0x9000, Logger: quietLogger()}, deps).Initialize(); !errors.Is(err, ErrLeaseExhausted) {
		t.Errorf("empty pool: got %v", err)
	}

	if err := other.RegisterException(trap.GeneralProtection, Owner, nil); err != nil {
		t.Errorf("failed Initialize left its #GP handler: %v", err)
	}
}

// A BIOS call enters at the vector and returns at the trampoline.
func TestCallBIOS(t *testing.T) {
	t.Parallel()

	r := newRig(t, Config{}, 2)

	// mov dx,0x0a05; iret
	load(r.mem, 0x1000, 0, 0xba, 0x05, 0x0a, 0xcf)
	setVector(r.mem, 0x10, 0x1000, 0)

	s := &cpu.Snapshot{EAX: 0x0300, EBX: 0x0000}
	if err := r.mon.CallBIOS(0x10, s); err != nil {
		t.Fatalf("CallBIOS: %v", err)
	}

	if len(r.sw.entered) != 1 {
		t.Fatalf("%d mode switches, want 1", len(r.sw.entered))
	}

	in := r.sw.entered[0]
	if in.CS != 0x1000 || in.IP() != 0 {
		t.Errorf("entered at %04x:%04x, want IVT[0x10] 1000:0000", in.CS, in.IP())
	}

	if in.SS() != poolBase>>4 || in.SP() != memory.PageSize-stackMargin-6 {
		t.Errorf("entry stack %04x:%04x", in.SS(), in.SP())
	}

	if !in.IsVM() || cpu.IOPL(in.EFLAGS) != cpu.SupervisorLevel {
		t.Errorf("entry flags %#x", in.EFLAGS)
	}

	if uint16(s.EDX) != 0x0a05 || uint16(s.EAX) != 0x0300 {
		t.Errorf("dx=%#x ax=%#x", s.EDX, s.EAX)
	}

	if s.CodeAddr() != r.mon.Trampoline() || s.SP() != memory.PageSize-stackMargin {
		t.Errorf("returned at %#x sp %#x", s.CodeAddr(), s.SP())
	}

	if r.mon.Depth() != 0 || r.mon.cur.active() {
		t.Errorf("invocation left active")
	}
}

func TestCallFar(t *testing.T) {
	t.Parallel()

	r := newRig(t, Config{}, 1)

	// mov ax,0xabcd; retf
	load(r.mem, 0x1200, 0x10, 0xb8, 0xcd, 0xab, 0xcb)

	s := &cpu.Snapshot{}
	if err := r.mon.CallFar(0x1200, 0x10, s); err != nil {
		t.Fatalf("CallFar: %v", err)
	}

	if uint16(s.EAX) != 0xabcd {
		t.Errorf("ax = %#x", s.EAX)
	}

	if s.CodeAddr() != r.mon.Trampoline() {
		t.Errorf("returned at %#x", s.CodeAddr())
	}
}

// CLI and STI only move the virtual interrupt flag.
func TestCliStiVirtual(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		code []byte
		in   uint32
		want bool
	}{
		{"cli", []byte{0xfa, 0xcb}, cpu.FlagIF, false},
		{"cli sti", []byte{0xfa, 0xfb, 0xcb}, 0, true},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newRig(t, Config{}, 1)
			load(r.mem, 0x1000, 0, tt.code...)

			s := &cpu.Snapshot{EFLAGS: tt.in}
			if err := r.mon.CallFar(0x1000, 0, s); err != nil {
				t.Fatalf("CallFar: %v", err)
			}

			if got := s.EFLAGS&cpu.FlagIF != 0; got != tt.want {
				t.Errorf("virtual IF = %v, want %v", got, tt.want)
			}

			if r.cpu.InterruptsEnabled() {
				t.Errorf("host interrupts enabled")
			}
		})
	}
}

// An INT from the virtual program goes through the IVT.
func TestIntRedirected(t *testing.T) {
	t.Parallel()

	r := newRig(t, Config{}, 1)

	// int 0x21; retf
	load(r.mem, 0x1000, 0, 0xcd, 0x21, 0xcb)
	// mov al,0x21; out 0x80,al; iret
	load(r.mem, 0x2100, 0, 0xb0, 0x21, 0xe6, 0x80, 0xcf)
	setVector(r.mem, 0x21, 0x2100, 0)

	s := &cpu.Snapshot{}
	if err := r.mon.CallFar(0x1000, 0, s); err != nil {
		t.Fatalf("CallFar: %v", err)
	}

	if r.post.Last != 0x21 {
		t.Errorf("INT 21h handler did not run, post code %#x", r.post.Last)
	}
}

// A timer interrupt taken while the BIOS halts reenters the
// monitor and the outer call resumes intact.
func TestNestedTimerInterrupt(t *testing.T) {
	t.Parallel()

	r := newRig(t, Config{}, 2)

	// INT 10h: hlt; mov bx,0x1234; iret
	load(r.mem, 0x1000, 0, 0xf4, 0xbb, 0x34, 0x12, 0xcf)
	setVector(r.mem, 0x10, 0x1000, 0)
	// INT 08h: mov al,0x77; out 0x80,al; iret
	load(r.mem, 0x1100, 0, 0xb0, 0x77, 0xe6, 0x80, 0xcf)
	setVector(r.mem, 0x08, 0x1100, 0)

	var (
		before, after invocation
		depths        []int
		innerErr      error
	)

	err := r.traps.RegisterException(trap.IRQBase, timerOwner, func(f *cpu.Snapshot) (bool, error) {
		before = r.mon.cur
		depths = append(depths, r.mon.Depth())
		innerErr = r.mon.RedirectInterrupt(0x08, f)
		after = r.mon.cur

		return true, nil
	})
	if err != nil {
		t.Fatalf("RegisterException: %v", err)
	}

	if err := r.cpu.InjectIRQ(0); err != nil {
		t.Fatalf("InjectIRQ: %v", err)
	}

	s := &cpu.Snapshot{EAX: 0x0e41}
	if err := r.mon.CallBIOS(0x10, s); err != nil {
		t.Fatalf("CallBIOS: %v", err)
	}

	if innerErr != nil {
		t.Fatalf("nested call: %v", innerErr)
	}

	if r.post.Last != 0x77 {
		t.Errorf("timer handler did not run, post code %#x", r.post.Last)
	}

	if before != after || !before.active() || before.awaited != s {
		t.Errorf("outer invocation changed: before %+v after %+v", before, after)
	}

	if len(depths) != 1 || depths[0] != 1 {
		t.Errorf("depths at interrupt %v, want [1]", depths)
	}

	if uint16(s.EBX) != 0x1234 || uint16(s.EAX) != 0x0e41 {
		t.Errorf("outer result bx=%#x ax=%#x", s.EBX, s.EAX)
	}

	if len(r.sw.entered) != 2 {
		t.Errorf("%d mode switches, want 2", len(r.sw.entered))
	}

	if in := r.sw.entered[1]; in.SS() == r.sw.entered[0].SS() {
		t.Errorf("nested call ran on the outer stack segment %#x", in.SS())
	}

	if r.pool.Free() != 1 {
		t.Errorf("%d pages free, want the temporary page back", r.pool.Free())
	}

	if r.mon.Depth() != 0 {
		t.Errorf("Depth = %d", r.mon.Depth())
	}
}

func TestNestingBounds(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name  string
		cfg   Config
		pages int
		want  error
	}{
		{"depth", Config{MaxDepth: 1}, 2, ErrNestingTooDeep},
		{"pages", Config{}, 1, ErrLeaseExhausted},
		{"pages out of memory", Config{}, 1, memory.ErrOutOfMemory},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newRig(t, tt.cfg, tt.pages)

			load(r.mem, 0x1000, 0, 0xf4, 0xbb, 0x34, 0x12, 0xcf)
			setVector(r.mem, 0x10, 0x1000, 0)
			load(r.mem, 0x1100, 0, 0xb0, 0x77, 0xe6, 0x80, 0xcf)
			setVector(r.mem, 0x08, 0x1100, 0)

			var innerErr error

			err := r.traps.RegisterException(trap.IRQBase, timerOwner, func(f *cpu.Snapshot) (bool, error) {
				innerErr = r.mon.RedirectInterrupt(0x08, f)

				return true, nil
			})
			if err != nil {
				t.Fatalf("RegisterException: %v", err)
			}

			if err := r.cpu.InjectIRQ(0); err != nil {
				t.Fatalf("InjectIRQ: %v", err)
			}

			s := &cpu.Snapshot{}
			if err := r.mon.CallBIOS(0x10, s); err != nil {
				t.Fatalf("CallBIOS: %v", err)
			}

			if !errors.Is(innerErr, tt.want) {
				t.Errorf("nested call: got %v, want %v", innerErr, tt.want)
			}

			if r.post.Last == 0x77 {
				t.Errorf("nested handler ran")
			}

			if uint16(s.EBX) != 0x1234 {
				t.Errorf("outer call did not complete, bx=%#x", s.EBX)
			}
		})
	}
}

func TestFatalEscalation(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		code []byte
		want error
	}{
		{"unsupported", []byte{0xce}, ErrEmulationUnsupported},
		{"invalid opcode", []byte{0x0f, 0x0b}, trap.ErrUnhandled},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newRig(t, Config{}, 1)
			load(r.mem, 0x1000, 0, tt.code...)

			err := r.mon.CallFar(0x1000, 0, &cpu.Snapshot{})

			var fe *trap.FatalError
			if !errors.As(err, &fe) {
				t.Fatalf("CallFar: got %v, want *trap.FatalError", err)
			}

			if !errors.Is(err, tt.want) {
				t.Errorf("CallFar: got %v, want %v", err, tt.want)
			}

			if fe.Frame.CodeAddr() != 0x10000 {
				t.Errorf("fault at %#x, want 0x10000", fe.Frame.CodeAddr())
			}

			if r.mon.Depth() != 0 || r.pool.Free() != 0 {
				t.Errorf("depth %d, %d pages free after fatal error", r.mon.Depth(), r.pool.Free())
			}

			if !errors.Is(r.cpu.Halted(), machine.ErrHalted) {
				t.Errorf("machine not halted")
			}
		})
	}
}

func TestRedirectInterruptVM(t *testing.T) {
	t.Parallel()

	r := newRig(t, Config{}, 1)
	setVector(r.mem, 0x09, 0x3000, 0x0040)

	f := &cpu.Snapshot{CS: 0x1000, EIP: 0x10}
	f.SetVMFlags(cpu.FlagIF)
	f.SetSS(0x2000)
	f.SetESP(0x100)

	if err := r.mon.RedirectInterrupt(0x09, f); err != nil {
		t.Fatalf("RedirectInterrupt: %v", err)
	}

	if f.CS != 0x3000 || f.IP() != 0x40 || f.SP() != 0x100-6 {
		t.Errorf("CS:IP %04x:%04x SP %#x", f.CS, f.IP(), f.SP())
	}

	if len(r.sw.entered) != 0 {
		t.Errorf("redirecting a virtual frame switched modes")
	}
}
