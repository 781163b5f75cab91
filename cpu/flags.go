package cpu

// EFLAGS bits.
const (
	FlagCF   uint32 = 1 << 0
	FlagPF   uint32 = 1 << 2
	FlagAF   uint32 = 1 << 4
	FlagZF   uint32 = 1 << 6
	FlagSF   uint32 = 1 << 7
	FlagTF   uint32 = 1 << 8
	FlagIF   uint32 = 1 << 9
	FlagDF   uint32 = 1 << 10
	FlagOF   uint32 = 1 << 11
	FlagIOPL uint32 = 3 << 12
	FlagNT   uint32 = 1 << 14
	FlagRF   uint32 = 1 << 16
	FlagVM   uint32 = 1 << 17
	FlagAC   uint32 = 1 << 18
	FlagVIF  uint32 = 1 << 19
	FlagVIP  uint32 = 1 << 20
	FlagID   uint32 = 1 << 21

	// flagFixed1 reads as one on every x86 since the 8086.
	flagFixed1 uint32 = 1 << 1

	flagsDefined = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagTF |
		FlagIF | FlagDF | FlagOF | FlagIOPL | FlagNT | FlagRF | FlagVM |
		FlagAC | FlagVIF | FlagVIP | FlagID

	ioplShift = 12
)

// SupervisorLevel is the privilege level the monitor runs at. Virtual-8086
// frames carry it as their IOPL so that every sensitive instruction traps.
const SupervisorLevel = 0

// Canonical forces the reserved bits of f to their architectural values.
func Canonical(f uint32) uint32 {
	return f&flagsDefined | flagFixed1
}

// IOPL extracts the I/O privilege level from f.
func IOPL(f uint32) uint32 {
	return (f & FlagIOPL) >> ioplShift
}
