package flag_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobuhiro11/gov86/flag"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in, unit string
		want     int
	}{
		{"639k", "", 639 << 10},
		{"639", "k", 639 << 10},
		{"16M", "k", 16 << 20},
		{"1g", "", 1 << 30},
		{"0x10", "", 16},
	} {
		got, err := flag.ParseSize(tt.in, tt.unit)
		if err != nil {
			t.Errorf("ParseSize(%q, %q): %v", tt.in, tt.unit, err)

			continue
		}

		if got != tt.want {
			t.Errorf("ParseSize(%q, %q) = %d, want %d", tt.in, tt.unit, got, tt.want)
		}
	}

	for _, in := range []string{"", "k", "12t", "-1"} {
		if _, err := flag.ParseSize(in, ""); err == nil {
			t.Errorf("ParseSize(%q) succeeded", in)
		}
	}
}

func TestParseSegOff(t *testing.T) {
	t.Parallel()

	seg, off, err := flag.ParseSegOff("0x2000:7c00")
	if err != nil {
		t.Fatal(err)
	}

	if seg != 0x2000 || off != 0x7c00 {
		t.Errorf("got %04x:%04x", seg, off)
	}

	for _, in := range []string{"2000", "10000:0", "2000:xyz"} {
		if _, _, err := flag.ParseSegOff(in); err == nil {
			t.Errorf("ParseSegOff(%q) succeeded", in)
		}
	}
}

func TestCallCommand(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	if err := flag.ParseArgs([]string{"--conventional", "512k", "call", "0x12"}, &out); err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(out.String(), "AX=0200 ") {
		t.Errorf("output %q", out.String())
	}
}

func TestCallHexRegisters(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	// get cursor position: AH=03h, page in BH
	if err := flag.ParseArgs([]string{"call", "0x10", "--ax", "0x0300", "--bx", "0x0000"}, &out); err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(out.String(), "AX=0300 ") {
		t.Errorf("output %q", out.String())
	}

	if !strings.Contains(out.String(), "DX=0000 ") {
		t.Errorf("output %q", out.String())
	}

	out.Reset()

	if err := flag.ParseArgs([]string{"call", "0x12", "--cx", "4660"}, &out); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(out.String(), "CX=1234 ") {
		t.Errorf("decimal cx: output %q", out.String())
	}

	for _, v := range []string{"0x10000", "ax", "-1"} {
		if err := flag.ParseArgs([]string{"call", "0x10", "--ax", v}, &bytes.Buffer{}); err == nil {
			t.Errorf("--ax %s succeeded", v)
		}
	}
}

func TestRunCommand(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "image.bin")

	// mov bx,0x1234; retf
	if err := os.WriteFile(path, []byte{0xbb, 0x34, 0x12, 0xcb}, 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer

	if err := flag.ParseArgs([]string{"run", path, "--load", "3000:0100", "--ax", "7"}, &out); err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(out.String(), "AX=0007 BX=1234 ") {
		t.Errorf("output %q", out.String())
	}

	if !strings.Contains(out.String(), "DS=3000 ES=3000") {
		t.Errorf("output %q", out.String())
	}
}

func TestIVTCommand(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	if err := flag.ParseArgs([]string{"ivt", "--from", "16", "--count", "2"}, &out); err != nil {
		t.Fatal(err)
	}

	if out.String() != "10 f000:0170\n11 f000:0177\n" {
		t.Errorf("output %q", out.String())
	}
}

func TestBadArgs(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{"call", "0x100"},
		{"--profile", "disk", "ivt"},
		{"--conventional", "zz", "ivt"},
		{"run", "/nonexistent/image"},
	} {
		if err := flag.ParseArgs(args, &bytes.Buffer{}); err == nil {
			t.Errorf("%v succeeded", args)
		}
	}
}
