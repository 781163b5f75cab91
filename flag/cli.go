package flag

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/alecthomas/kong"
)

type CLI struct {
	Disk         string        `short:"d" help:"path of the disk image served by INT 13h drive 80h"`
	Conventional string        `short:"m" default:"639k" help:"conventional memory size: as number[kK], defaults to K"`
	Extended     string        `short:"e" default:"0" help:"extended memory above 1M: as number[gGmMkK], defaults to M"`
	StackPages   int           `default:"4" help:"number of 4K pages leased for nested BIOS calls"`
	MaxDepth     int           `default:"4" help:"maximum nesting depth of BIOS calls"`
	Timer        time.Duration `default:"0" help:"raise IRQ 0 at this interval while guest code runs, 0 disables"`
	Trace        string        `short:"T" default:"0" help:"how many instructions to skip between trace prints -- 0 means tracing disabled"`
	Profile      string        `help:"write a profile (cpu, mem, block, mutex or goroutine) to the working directory"`
	LogLevel     slog.Level    `default:"info" help:"log level: debug, info, warn or error"`
	Interactive  bool          `short:"i" help:"feed raw stdin to the BIOS keyboard and COM1, Ctrl-A x exits"`

	Call CallCMD `cmd:"" help:"Invoke a BIOS interrupt and print the returned registers"`
	Run  RunCMD  `cmd:"" help:"Load a real-mode image and far-call it"`
	IVT  IVTCMD  `cmd:"" name:"ivt" help:"Print the interrupt vector table after BIOS setup"`
}

// Regs are the registers a caller can seed.
type Regs struct {
	AX Word `help:"initial AX"`
	BX Word `help:"initial BX"`
	CX Word `help:"initial CX"`
	DX Word `help:"initial DX"`
	SI Word `help:"initial SI"`
	DI Word `help:"initial DI"`
	DS Word `help:"initial DS"`
	ES Word `help:"initial ES"`
}

type CallCMD struct {
	Vector string `arg:"" help:"interrupt vector, e.g. 0x10"`
	Regs   `embed:""`
}

type RunCMD struct {
	Image string `arg:"" type:"existingfile" help:"flat binary image"`
	Load  string `default:"2000:0000" help:"load and entry address as seg:off"`
	Regs  `embed:""`
}

type IVTCMD struct {
	From  uint8 `default:"0" help:"first vector"`
	Count int   `default:"32" help:"number of vectors"`
}

// Word is a 16-bit flag value written in any base strconv accepts, so that
// --ax 0x0e41 and --ax 3649 are the same.
type Word uint16

func (w *Word) Decode(ctx *kong.DecodeContext) error {
	var s string
	if err := ctx.Scan.PopValueInto("word", &s); err != nil {
		return err
	}

	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return err
	}

	*w = Word(v)

	return nil
}
