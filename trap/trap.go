// Package trap dispatches exceptions and interrupts to chains of handlers.
//
// Each vector owns an ordered chain. Dispatch walks it until a handler claims
// the event; an event nobody claims, or a handler error, ends in the default
// fatal handler.
package trap

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bobuhiro11/gov86/cpu"
)

var (
	// ErrConflict is returned when an owner registers twice for a vector.
	ErrConflict = errors.New("exception handler already registered")

	// ErrUnhandled means no handler claimed the event.
	ErrUnhandled = errors.New("unhandled exception")
)

// Exception vectors.
const (
	DivideError        = 0
	Debug              = 1
	NMI                = 2
	Breakpoint         = 3
	Overflow           = 4
	BoundRange         = 5
	InvalidOpcode      = 6
	DeviceNotAvailable = 7
	DoubleFault        = 8
	InvalidTSS         = 10
	SegmentNotPresent  = 11
	StackFault         = 12
	GeneralProtection  = 13
	PageFault          = 14

	// IRQBase is where the interrupt controller delivers hardware line 0.
	IRQBase = 0x20
)

// Selector error code bits.
const (
	ErrCodeEXT = 1 << 0
	ErrCodeIDT = 1 << 1
	ErrCodeTI  = 1 << 2
)

// ErrCodeIndex returns the descriptor index carried by a selector error code.
func ErrCodeIndex(code uint32) uint32 {
	return code >> 3
}

var names = map[uint32]string{
	DivideError:        "#DE",
	Debug:              "#DB",
	NMI:                "NMI",
	Breakpoint:         "#BP",
	Overflow:           "#OF",
	BoundRange:         "#BR",
	InvalidOpcode:      "#UD",
	DeviceNotAvailable: "#NM",
	DoubleFault:        "#DF",
	InvalidTSS:         "#TS",
	SegmentNotPresent:  "#NP",
	StackFault:         "#SS",
	GeneralProtection:  "#GP",
	PageFault:          "#PF",
}

// Name returns a mnemonic for vector.
func Name(vector uint32) string {
	if n, ok := names[vector]; ok {
		return n
	}

	if vector >= IRQBase && vector < IRQBase+16 {
		return fmt.Sprintf("IRQ%d", vector-IRQBase)
	}

	return fmt.Sprintf("INT%02Xh", vector)
}

// Handler handles an event described by frame. It returns true when the
// event is fully handled and the chain must stop.
type Handler func(frame *cpu.Snapshot) (bool, error)

type entry struct {
	owner  string
	handle Handler
}

type Dispatcher struct {
	chains [256][]entry
	bus    cpu.Bus
	logger *slog.Logger
}

// New returns a dispatcher. bus is used to disassemble the faulting
// instruction in fatal dumps and may be nil.
func New(bus cpu.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{bus: bus, logger: logger}
}

// RegisterException appends h to the chain of vector.
func (d *Dispatcher) RegisterException(vector uint8, owner string, h Handler) error {
	for _, e := range d.chains[vector] {
		if e.owner == owner {
			return fmt.Errorf("%s for %s:%w", owner, Name(uint32(vector)), ErrConflict)
		}
	}

	d.chains[vector] = append(d.chains[vector], entry{owner: owner, handle: h})

	return nil
}

// Unregister removes the handler owner holds for vector.
func (d *Dispatcher) Unregister(vector uint8, owner string) {
	chain := d.chains[vector][:0]

	for _, e := range d.chains[vector] {
		if e.owner != owner {
			chain = append(chain, e)
		}
	}

	d.chains[vector] = chain
}

// Dispatch delivers the event recorded in frame. A non-nil result is always a
// *FatalError.
func (d *Dispatcher) Dispatch(frame *cpu.Snapshot) error {
	vector := frame.Vector()

	for _, e := range d.chains[uint8(vector)] {
		handled, err := e.handle(frame)
		if err != nil {
			return d.fatal(frame, fmt.Errorf("%s:%w", e.owner, err))
		}

		if handled {
			return nil
		}
	}

	return d.fatal(frame, ErrUnhandled)
}

func (d *Dispatcher) fatal(frame *cpu.Snapshot, cause error) error {
	fe := &FatalError{
		Frame: *frame,
		Inst:  Disassemble(d.bus, frame),
		Err:   cause,
	}

	d.logger.Error("fatal exception",
		slog.String("vector", Name(frame.Vector())),
		slog.String("errorCode", fmt.Sprintf("%#x", frame.ErrorCode())),
		slog.String("cs:ip", fmt.Sprintf("%04x:%08x", frame.CS, frame.EIP)),
		slog.String("eflags", fmt.Sprintf("%#08x", frame.EFLAGS)),
		slog.String("inst", fe.Inst),
		slog.Any("error", cause))

	return fe
}
