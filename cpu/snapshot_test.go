package cpu_test

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/bobuhiro11/gov86/cpu"
)

// flatBus is 1 MiB plus the high memory area, little endian.
type flatBus []byte

func newFlatBus() flatBus { return make(flatBus, 0x110000) }

func (b flatBus) Read8(a uint32) uint8       { return b[a] }
func (b flatBus) Write8(a uint32, v uint8)   { b[a] = v }
func (b flatBus) Read16(a uint32) uint16     { return binary.LittleEndian.Uint16(b[a:]) }
func (b flatBus) Write16(a uint32, v uint16) { binary.LittleEndian.PutUint16(b[a:], v) }
func (b flatBus) Read32(a uint32) uint32     { return binary.LittleEndian.Uint32(b[a:]) }
func (b flatBus) Write32(a uint32, v uint32) { binary.LittleEndian.PutUint32(b[a:], v) }

func vmFrame(ss, sp uint16) *cpu.Snapshot {
	s := &cpu.Snapshot{}
	s.SetVMFlags(0)
	s.SetSS(ss)
	s.SetESP(uint32(sp))

	return s
}

func TestSnapshotSize(t *testing.T) {
	t.Parallel()

	if got := unsafe.Sizeof(cpu.Snapshot{}); got != cpu.SnapshotSize {
		t.Fatalf("unsafe.Sizeof(Snapshot): got %d, want %d", got, cpu.SnapshotSize)
	}

	s := vmFrame(0x1234, 0x5678)
	s.EAX = 0xaabbccdd
	s.EIP = 0x100
	s.SetVMSeg(cpu.GS, 0x4321)
	s.SetException(13, 0x6a)

	b, err := s.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(b) != cpu.SnapshotSize {
		t.Fatalf("len(Bytes()): got %d, want %d", len(b), cpu.SnapshotSize)
	}

	offsets := []struct {
		off  int
		want uint32
	}{
		{0x1c, 0xaabbccdd},
		{0x30, 13},
		{0x34, 0x6a},
		{0x38, 0x100},
		{0x44, 0x5678},
		{0x48, 0x1234},
		{0x58, 0x4321},
	}

	for _, o := range offsets {
		if got := binary.LittleEndian.Uint32(b[o.off:]); got != o.want {
			t.Errorf("word at %#x: got %#x, want %#x", o.off, got, o.want)
		}
	}

	var d cpu.Snapshot
	if err := d.Decode(b); err != nil {
		t.Fatal(err)
	}

	if d != *s {
		t.Fatalf("Decode(Bytes()): got %+v, want %+v", d, *s)
	}

	if err := d.Decode(b[:10]); err == nil {
		t.Fatal("Decode(short): got nil, want err")
	}
}

func TestPredicates(t *testing.T) {
	t.Parallel()

	s := &cpu.Snapshot{CS: 0x08}
	if s.IsVM() || s.IsUser() {
		t.Fatalf("supervisor frame: IsVM %v IsUser %v, want false false", s.IsVM(), s.IsUser())
	}

	s.CS = 0x1b
	if s.IsVM() || !s.IsUser() {
		t.Fatalf("ring 3 frame: IsVM %v IsUser %v, want false true", s.IsVM(), s.IsUser())
	}

	s.AdjustVMFlags()
	if !s.IsVM() || !s.IsUser() {
		t.Fatalf("vm frame: IsVM %v IsUser %v, want true true", s.IsVM(), s.IsUser())
	}
}

func TestRestrictedFieldsPanic(t *testing.T) {
	t.Parallel()

	tests := map[string]func(s *cpu.Snapshot){
		"ESP":      func(s *cpu.Snapshot) { _ = s.ESP() },
		"SetSS":    func(s *cpu.Snapshot) { s.SetSS(1) },
		"VMSeg":    func(s *cpu.Snapshot) { _ = s.VMSeg(cpu.DS) },
		"VMPush16": func(s *cpu.Snapshot) { s.VMPush16(newFlatBus(), 1) },
	}

	for name, f := range tests {
		name, f := name, f

		t.Run(name, func(t *testing.T) {
			t.Parallel()

			defer func() {
				if recover() == nil {
					t.Fatalf("%s on a supervisor frame: no panic", name)
				}
			}()

			f(&cpu.Snapshot{CS: 0x08})
		})
	}
}

func TestSetVMFlags(t *testing.T) {
	t.Parallel()

	inputs := []uint32{0, 0xffffffff, cpu.FlagIOPL, cpu.FlagIF | cpu.FlagCF, 0x00020202, 0x80000008}

	for _, f := range inputs {
		s := &cpu.Snapshot{}
		s.SetVMFlags(f)

		if !s.IsVM() {
			t.Errorf("SetVMFlags(%#x): IsVM false", f)
		}

		if got := cpu.IOPL(s.EFLAGS); got != cpu.SupervisorLevel {
			t.Errorf("SetVMFlags(%#x): IOPL %d, want %d", f, got, cpu.SupervisorLevel)
		}

		if s.EFLAGS&2 == 0 || s.EFLAGS&(1<<3|1<<5|1<<15|0xffc00000) != 0 {
			t.Errorf("SetVMFlags(%#x): EFLAGS %#x not canonical", f, s.EFLAGS)
		}

		if got := s.VMFlags(); got&(cpu.FlagVM|cpu.FlagIOPL) != 0 {
			t.Errorf("VMFlags() after SetVMFlags(%#x): %#x exposes VM or IOPL", f, got)
		}
	}
}

func TestVMStackRoundTrip(t *testing.T) {
	t.Parallel()

	bus := newFlatBus()

	for _, sp0 := range []uint16{0x0000, 0x0001, 0x0002, 0x0003, 0x7ffe, 0xfffe, 0xffff} {
		s := vmFrame(0x9000, sp0)
		s.SetESP(0xabcd0000 | uint32(sp0))

		s.VMPush16(bus, 0xbeef)

		if got, want := s.SP(), sp0-2; got != want {
			t.Errorf("sp %#x: SP after push16 %#x, want %#x", sp0, got, want)
		}

		if got := s.VMPop16(bus); got != 0xbeef {
			t.Errorf("sp %#x: pop16 %#x, want 0xbeef", sp0, got)
		}

		s.VMPush32(bus, 0xdeadbeef)

		if got := s.VMPop32(bus); got != 0xdeadbeef {
			t.Errorf("sp %#x: pop32 %#x, want 0xdeadbeef", sp0, got)
		}

		if s.ESP() != 0xabcd0000|uint32(sp0) {
			t.Errorf("sp %#x: ESP %#x after round trips, want %#x", sp0, s.ESP(), 0xabcd0000|uint32(sp0))
		}

		if s.SS() != 0x9000 {
			t.Errorf("sp %#x: SS %#x, want 0x9000", sp0, s.SS())
		}
	}
}

func TestVMPushWrapsInsideSegment(t *testing.T) {
	t.Parallel()

	bus := newFlatBus()
	s := vmFrame(0x2000, 0x0000)

	s.VMPush16(bus, 0x1234)

	if s.SP() != 0xfffe {
		t.Fatalf("SP: got %#x, want 0xfffe", s.SP())
	}

	if got := bus.Read16(0x2fffe); got != 0x1234 {
		t.Fatalf("word at 0x2fffe: got %#x, want 0x1234", got)
	}

	if got := s.VMPeek16(bus, 0); got != 0x1234 {
		t.Fatalf("VMPeek16(0): got %#x, want 0x1234", got)
	}
}

func TestLinear(t *testing.T) {
	t.Parallel()

	if got := cpu.Linear(0xffff, 0xffff); got != 0x10ffef {
		t.Fatalf("Linear(ffff:ffff): got %#x, want 0x10ffef", got)
	}

	bus := newFlatBus()
	bus.Write16(0x40, 0x1111)
	bus.Write16(0x42, 0xf000)

	if seg, off := cpu.FarPointer(bus, 0x40); seg != 0xf000 || off != 0x1111 {
		t.Fatalf("FarPointer: got %#x:%#x, want f000:1111", seg, off)
	}
}
