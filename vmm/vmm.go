// Package vmm assembles memory, the virtual-8086 machine, the trap
// dispatcher, the monitor, the BIOS and the devices into something that can
// run BIOS calls and real-mode images.
package vmm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/bobuhiro11/gov86/bios"
	"github.com/bobuhiro11/gov86/cpu"
	"github.com/bobuhiro11/gov86/device"
	"github.com/bobuhiro11/gov86/machine"
	"github.com/bobuhiro11/gov86/memory"
	"github.com/bobuhiro11/gov86/serial"
	"github.com/bobuhiro11/gov86/term"
	"github.com/bobuhiro11/gov86/trap"
	"github.com/bobuhiro11/gov86/vm86"
	"golang.org/x/sync/errgroup"
)

const (
	// StackPoolBase is where the monitor's stack pages start.
	StackPoolBase = 0x1000

	DefaultConventionalKB = 639
	DefaultStackPages     = 4

	// owner of the IRQ handlers in the trap dispatcher
	owner = "vmm"

	// masterBase and slaveBase are the real-mode vectors of IRQ 0 and 8.
	masterBase = 0x08
	slaveBase  = 0x70

	// ctrlA x leaves interactive mode
	escapeKey = 0x01

	keyboardIRQ = 1
)

var (
	errNotInitialized = errors.New("vmm: not initialized")
	errImageRange     = errors.New("vmm: image outside conventional memory")
	errConventional   = errors.New("vmm: conventional memory size out of range")
)

type Config struct {
	Disk           string
	ConventionalKB int
	Extended       uint64
	StackPages     int
	MaxDepth       int
	Timer          time.Duration
	TraceCount     int
	Interactive    bool

	// Input is read by the interactive keyboard instead of the terminal.
	Input io.Reader

	// Console receives teletype and serial output. Defaults to os.Stdout.
	Console io.Writer
	Logger  *slog.Logger
}

type VMM struct {
	Config

	Mem     *memory.Memory
	Traps   *trap.Dispatcher
	Monitor *vm86.Monitor
	BIOS    *bios.Services
	Serial  *serial.Serial
	Post    *device.PostCodeDevice
	*machine.Machine

	pool *memory.Pool
	disk *os.File
	keys chan byte
}

func New(c Config) *VMM {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	if c.Console == nil {
		c.Console = os.Stdout
	}

	if c.ConventionalKB == 0 {
		c.ConventionalKB = DefaultConventionalKB
	}

	if c.StackPages == 0 {
		c.StackPages = DefaultStackPages
	}

	return &VMM{Config: c}
}

// Init instantiates memory, the machine and the devices.
func (v *VMM) Init() error {
	if v.ConventionalKB<<10 > memory.EBDABase || v.ConventionalKB<<10 < StackPoolBase+v.StackPages*memory.PageSize {
		return fmt.Errorf("%d KiB:%w", v.ConventionalKB, errConventional)
	}

	mem, err := memory.New()
	if err != nil {
		return err
	}

	v.Mem = mem
	v.Traps = trap.New(mem, v.Logger)
	v.Machine = machine.New(mem, v.Traps, v.Logger)
	v.Machine.SetTrace(v.TraceCount)

	v.pool, err = mem.NewPool(StackPoolBase, v.StackPages)
	if err != nil {
		return err
	}

	v.Serial, err = serial.New(v.Console, func(irq, level uint32) {
		if level == 0 {
			return
		}

		if err := v.InjectIRQ(uint8(irq)); err != nil {
			v.Logger.Warn("serial irq", slog.Any("error", err))
		}
	}, v.Logger)
	if err != nil {
		return err
	}

	biosCfg := bios.Config{
		ConventionalKB: v.ConventionalKB,
		Extended:       v.Extended,
		Console:        v.Console,
		Serial:         v.Serial,
		Logger:         v.Logger,
	}

	if v.Interactive {
		v.keys = make(chan byte, 64)
		biosCfg.Keyboard = v.keys
	}

	if len(v.Disk) > 0 {
		if err := v.addDisk(&biosCfg); err != nil {
			return err
		}
	}

	v.BIOS = bios.New(mem, v.Machine, biosCfg)
	v.Post = &device.PostCodeDevice{Logger: v.Logger}

	for _, dev := range []device.IODevice{
		v.BIOS,
		v.Serial,
		v.Post,
		&device.DebugConsole{W: v.Console},
		&device.ShutdownDevice{Halt: v.Halt, Logger: v.Logger},
	} {
		v.RegisterIODevice(dev)
	}

	v.Monitor = vm86.New(vm86.Config{
		MaxDepth: v.MaxDepth,
		Logger:   v.Logger,
	}, vm86.Deps{
		Bus:        mem,
		Traps:      v.Traps,
		Pages:      v.pool,
		Switch:     v.Machine,
		Interrupts: v.Machine,
	})

	return nil
}

func (v *VMM) addDisk(cfg *bios.Config) error {
	f, err := os.Open(v.Disk)
	if err != nil {
		return err
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return err
	}

	v.disk = f
	cfg.Disk, cfg.DiskSize = f, st.Size()

	return nil
}

// Setup installs the BIOS, starts the monitor and routes the hardware
// interrupt lines to their real-mode vectors.
func (v *VMM) Setup() error {
	if v.Mem == nil {
		return errNotInitialized
	}

	v.Mem.Poison(memory.ConventionalBase, StackPoolBase)
	v.Mem.Poison(StackPoolBase+uint32(v.StackPages)*memory.PageSize, memory.EBDABase)

	if err := v.BIOS.Install(); err != nil {
		return err
	}

	if err := v.Monitor.Initialize(); err != nil {
		return err
	}

	for line := uint8(0); line < machine.NumIRQs; line++ {
		vector := irqVector(line)

		if err := v.Traps.RegisterException(trap.IRQBase+line, owner, func(f *cpu.Snapshot) (bool, error) {
			return true, v.Monitor.RedirectInterrupt(vector, f)
		}); err != nil {
			return err
		}
	}

	if v.Interactive {
		if err := v.startKeyboard(); err != nil {
			return err
		}
	}

	v.Logger.Info("vmm ready",
		slog.Int("conventionalKB", v.ConventionalKB),
		slog.Uint64("extended", v.Extended),
		slog.String("disk", v.Disk),
		slog.Int("stackPages", v.StackPages))

	return nil
}

// irqVector returns the real-mode vector of an interrupt line as the BIOS
// programs the two 8259s.
func irqVector(line uint8) uint8 {
	if line < 8 {
		return masterBase + line
	}

	return slaveBase + line - 8
}

// startKeyboard feeds Input, or raw stdin when Input is nil, to the BIOS
// keyboard and COM1.
func (v *VMM) startKeyboard() error {
	src, restoreMode := v.Input, func() {}

	if src == nil {
		if !term.IsTerminal() {
			fmt.Fprintln(os.Stderr, "this is not terminal and does not accept input")

			return nil
		}

		var err error
		if restoreMode, err = term.SetRawMode(); err != nil {
			return err
		}

		src = os.Stdin
	}

	in := bufio.NewReader(src)

	go func() {
		var before byte

		for {
			b, err := in.ReadByte()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					v.Logger.Warn("keyboard", slog.Any("error", err))
				}

				break
			}

			if before == escapeKey && b == 'x' {
				restoreMode()
				os.Exit(0)
			}

			before = b

			select {
			case v.Serial.GetInputChan() <- b:
			default:
			}

			v.PressKey(b)
		}
	}()

	return nil
}

// PressKey queues c for INT 16h and raises the keyboard line. Keys beyond
// the buffer are dropped. It is safe to call from any goroutine.
func (v *VMM) PressKey(c byte) {
	if v.keys == nil {
		return
	}

	select {
	case v.keys <- c:
	default:
		v.Logger.Warn("keyboard buffer full", slog.String("key", fmt.Sprintf("%#02x", c)))
	}

	if err := v.InjectIRQ(keyboardIRQ); err != nil {
		v.Logger.Warn("keyboard irq", slog.Any("error", err))
	}
}

// withTimer runs fn while a ticker raises IRQ 0 every Timer.
func (v *VMM) withTimer(fn func() error) error {
	if v.Timer <= 0 {
		return fn()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		t := time.NewTicker(v.Timer)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if err := v.InjectIRQ(0); err != nil {
					return err
				}
			}
		}
	})

	err := fn()

	cancel()

	if werr := g.Wait(); err == nil {
		err = werr
	}

	return err
}

// Call runs BIOS interrupt vector with regs and leaves the result in regs.
func (v *VMM) Call(vector uint8, regs *cpu.Snapshot) error {
	if v.Monitor == nil {
		return errNotInitialized
	}

	return v.withTimer(func() error {
		return v.Monitor.CallBIOS(vector, regs)
	})
}

// Load copies image to seg:off.
func (v *VMM) Load(image []byte, seg, off uint16) error {
	start := cpu.Linear(seg, off)
	end := start + uint32(len(image))

	if start < memory.ConventionalBase || end > uint32(v.ConventionalKB)<<10 {
		return fmt.Errorf("%04x:%04x+%#x:%w", seg, off, len(image), errImageRange)
	}

	if end > StackPoolBase && start < StackPoolBase+uint32(v.StackPages)*memory.PageSize {
		return fmt.Errorf("%04x:%04x+%#x overlaps the stack pool:%w", seg, off, len(image), errImageRange)
	}

	if _, err := v.Mem.WriteAt(image, int64(start)); err != nil {
		return err
	}

	return nil
}

// Run loads image at seg:off and far-calls it with regs. The image returns
// with RETF.
func (v *VMM) Run(image []byte, seg, off uint16, regs *cpu.Snapshot) error {
	if v.Monitor == nil {
		return errNotInitialized
	}

	if err := v.Load(image, seg, off); err != nil {
		return err
	}

	regs.SetVMFlags(regs.EFLAGS)
	regs.SetVMSeg(cpu.DS, seg)
	regs.SetVMSeg(cpu.ES, seg)

	return v.withTimer(func() error {
		return v.Monitor.CallFar(seg, off, regs)
	})
}

// IVTEntry is one interrupt vector.
type IVTEntry struct {
	Vector  uint8
	Segment uint16
	Offset  uint16
}

// IVT returns the interrupt vector table.
func (v *VMM) IVT() []IVTEntry {
	ivt := make([]IVTEntry, 256)

	for i := range ivt {
		seg, off := bios.Vector(v.Mem, uint8(i))
		ivt[i] = IVTEntry{Vector: uint8(i), Segment: seg, Offset: off}
	}

	return ivt
}

// Close releases the monitor, the disk and memory.
func (v *VMM) Close() error {
	var errs []error

	if v.Monitor != nil {
		errs = append(errs, v.Monitor.Close())
	}

	if v.disk != nil {
		errs = append(errs, v.disk.Close())
	}

	if v.Mem != nil {
		errs = append(errs, v.Mem.Close())
	}

	return errors.Join(errs...)
}
