package trap

import (
	"fmt"
	"io"
	"strings"

	"github.com/bobuhiro11/gov86/cpu"
)

// FatalError is the result of an event that ended in the default fatal
// handler. The machine that produced it is halted.
type FatalError struct {
	Frame cpu.Snapshot
	Inst  string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal %s(%#x) at %04x:%08x: %v",
		Name(e.Frame.Vector()), e.Frame.ErrorCode(), e.Frame.CS, e.Frame.EIP, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Dump writes the register dump printed before the processor halts.
func (e *FatalError) Dump(w io.Writer) {
	f := &e.Frame

	fmt.Fprintf(w, "%s error=%#x\n", Name(f.Vector()), f.ErrorCode())
	fmt.Fprintf(w, "EAX=%08x EBX=%08x ECX=%08x EDX=%08x\n", f.EAX, f.EBX, f.ECX, f.EDX)
	fmt.Fprintf(w, "ESI=%08x EDI=%08x EBP=%08x\n", f.ESI, f.EDI, f.EBP)
	fmt.Fprintf(w, "DS=%04x ES=%04x FS=%04x GS=%04x\n", f.DS, f.ES, f.FS, f.GS)
	fmt.Fprintf(w, "CS:EIP=%04x:%08x EFLAGS=%08x [%s]\n", f.CS, f.EIP, f.EFLAGS, FlagString(f.EFLAGS))

	if f.IsUser() {
		fmt.Fprintf(w, "SS:ESP=%04x:%08x\n", f.SS(), f.ESP())
	}

	if f.IsVM() {
		fmt.Fprintf(w, "VM ES=%04x DS=%04x FS=%04x GS=%04x\n",
			f.VMSeg(cpu.ES), f.VMSeg(cpu.DS), f.VMSeg(cpu.FS), f.VMSeg(cpu.GS))
	}

	fmt.Fprintf(w, "%s\n", e.Inst)
	fmt.Fprintf(w, "cause: %v\n", e.Err)
}

var flagNames = []struct {
	bit  uint32
	name string
}{
	{cpu.FlagVM, "VM"},
	{cpu.FlagRF, "RF"},
	{cpu.FlagNT, "NT"},
	{cpu.FlagOF, "OF"},
	{cpu.FlagDF, "DF"},
	{cpu.FlagIF, "IF"},
	{cpu.FlagTF, "TF"},
	{cpu.FlagSF, "SF"},
	{cpu.FlagZF, "ZF"},
	{cpu.FlagAF, "AF"},
	{cpu.FlagPF, "PF"},
	{cpu.FlagCF, "CF"},
}

// FlagString renders the set bits of an EFLAGS value.
func FlagString(f uint32) string {
	s := make([]string, 0, len(flagNames)+1)

	for _, n := range flagNames {
		if f&n.bit != 0 {
			s = append(s, n.name)
		}
	}

	s = append(s, fmt.Sprintf("IOPL=%d", cpu.IOPL(f)))

	return strings.Join(s, " ")
}
