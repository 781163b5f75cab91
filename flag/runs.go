package flag

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/gov86/cpu"
	"github.com/bobuhiro11/gov86/trap"
	"github.com/bobuhiro11/gov86/vmm"
	"github.com/pkg/profile"
)

var (
	errVector  = errors.New("vector out of range")
	errProfile = errors.New("unknown profile kind")
)

// Parse parses os.Args and runs the selected command.
func Parse() error {
	return ParseArgs(os.Args[1:], os.Stdout)
}

// ParseArgs parses args and runs the selected command, printing results to
// out.
func ParseArgs(args []string, out io.Writer) error {
	c := CLI{}

	programName := "gov86"
	programDesc := "gov86 runs real-mode BIOS services in a software virtual-8086 monitor"

	parser, err := kong.New(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.BindTo(out, (*io.Writer)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel})))

	if len(c.Profile) > 0 {
		p, err := profileMode(c.Profile)
		if err != nil {
			return err
		}

		defer profile.Start(p, profile.ProfilePath("."), profile.Quiet).Stop()
	}

	return ctx.Run(&c)
}

func profileMode(kind string) (func(*profile.Profile), error) {
	switch kind {
	case "cpu":
		return profile.CPUProfile, nil
	case "mem":
		return profile.MemProfile, nil
	case "block":
		return profile.BlockProfile, nil
	case "mutex":
		return profile.MutexProfile, nil
	case "goroutine":
		return profile.GoroutineProfile, nil
	}

	return nil, fmt.Errorf("%q:%w", kind, errProfile)
}

// Config converts the global flags to a vmm configuration.
func (c *CLI) Config() (vmm.Config, error) {
	conv, err := ParseSize(c.Conventional, "k")
	if err != nil {
		return vmm.Config{}, err
	}

	ext, err := ParseSize(c.Extended, "m")
	if err != nil {
		return vmm.Config{}, err
	}

	traceC, err := ParseSize(c.Trace, "")
	if err != nil {
		return vmm.Config{}, err
	}

	return vmm.Config{
		Disk:           c.Disk,
		ConventionalKB: conv >> 10,
		Extended:       uint64(ext),
		StackPages:     c.StackPages,
		MaxDepth:       c.MaxDepth,
		Timer:          c.Timer,
		TraceCount:     traceC,
		Interactive:    c.Interactive,
		Logger:         slog.Default(),
	}, nil
}

func (c *CLI) start() (*vmm.VMM, error) {
	cfg, err := c.Config()
	if err != nil {
		return nil, err
	}

	v := vmm.New(cfg)

	if err := v.Init(); err != nil {
		_ = v.Close()

		return nil, err
	}

	if err := v.Setup(); err != nil {
		_ = v.Close()

		return nil, err
	}

	return v, nil
}

func (r *Regs) snapshot() *cpu.Snapshot {
	s := &cpu.Snapshot{
		EAX: uint32(r.AX),
		EBX: uint32(r.BX),
		ECX: uint32(r.CX),
		EDX: uint32(r.DX),
		ESI: uint32(r.SI),
		EDI: uint32(r.DI),
	}

	s.SetVMFlags(0)
	s.SetVMSeg(cpu.DS, uint16(r.DS))
	s.SetVMSeg(cpu.ES, uint16(r.ES))

	return s
}

func (s *CallCMD) Run(c *CLI, out io.Writer) error {
	vec, err := strconv.ParseUint(s.Vector, 0, 0)
	if err != nil {
		return err
	}

	if vec > 0xff {
		return fmt.Errorf("%#x:%w", vec, errVector)
	}

	v, err := c.start()
	if err != nil {
		return err
	}
	defer v.Close()

	regs := s.snapshot()

	if err := v.Call(uint8(vec), regs); err != nil {
		return report(err)
	}

	printRegs(out, regs)

	return nil
}

func (s *RunCMD) Run(c *CLI, out io.Writer) error {
	seg, off, err := ParseSegOff(s.Load)
	if err != nil {
		return err
	}

	image, err := os.ReadFile(s.Image)
	if err != nil {
		return err
	}

	v, err := c.start()
	if err != nil {
		return err
	}
	defer v.Close()

	regs := s.snapshot()

	if err := v.Run(image, seg, off, regs); err != nil {
		return report(err)
	}

	printRegs(out, regs)

	return nil
}

func (s *IVTCMD) Run(c *CLI, out io.Writer) error {
	v, err := c.start()
	if err != nil {
		return err
	}
	defer v.Close()

	for i, e := range v.IVT()[s.From:] {
		if i >= s.Count {
			break
		}

		fmt.Fprintf(out, "%02x %04x:%04x\n", e.Vector, e.Segment, e.Offset)
	}

	return nil
}

// report dumps the machine state of a fatal exception to stderr.
func report(err error) error {
	var fe *trap.FatalError
	if errors.As(err, &fe) {
		fe.Dump(os.Stderr)
	}

	return err
}

func printRegs(out io.Writer, r *cpu.Snapshot) {
	fmt.Fprintf(out, "AX=%04x BX=%04x CX=%04x DX=%04x SI=%04x DI=%04x BP=%04x\n",
		uint16(r.EAX), uint16(r.EBX), uint16(r.ECX), uint16(r.EDX),
		uint16(r.ESI), uint16(r.EDI), uint16(r.EBP))
	fmt.Fprintf(out, "DS=%04x ES=%04x FLAGS=%04x [%s]\n",
		r.VMSeg(cpu.DS), r.VMSeg(cpu.ES), uint16(r.EFLAGS), trap.FlagString(r.EFLAGS&0xffff))
}
