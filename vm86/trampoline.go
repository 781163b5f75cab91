package vm86

import (
	"fmt"

	"github.com/bobuhiro11/gov86/cpu"
)

// Marker is the rendezvous instruction, HLT. It always faults in
// virtual-8086 mode and is harmless anywhere else.
const Marker = 0xf4

// Default scan window: the system BIOS ROM.
const (
	ScanStart = 0xf0000
	ScanEnd   = 0x100000
)

// LocateTrampoline returns the linear address of the first marker byte in
// [start, end).
func LocateTrampoline(bus cpu.Bus, start, end uint32) (uint32, error) {
	for addr := start; addr < end; addr++ {
		if bus.Read8(addr) == Marker {
			return addr, nil
		}
	}

	return 0, fmt.Errorf("no %#02x in %#x-%#x:%w", Marker, start, end, ErrInitializationFailure)
}

// VerifyTrampoline checks that addr holds the marker and is reachable as a
// real-mode CS:IP.
func VerifyTrampoline(bus cpu.Bus, addr uint32) error {
	if addr >= 1<<20 {
		return fmt.Errorf("%#x above 1 MiB:%w", addr, ErrInitializationFailure)
	}

	if b := bus.Read8(addr); b != Marker {
		return fmt.Errorf("%#x holds %#02x:%w", addr, b, ErrInitializationFailure)
	}

	return nil
}

// trampolineCSIP splits a linear address into the CS:IP the invocations
// return to.
func trampolineCSIP(addr uint32) (cs, ip uint16) {
	return uint16(addr >> 4), uint16(addr & 0xf)
}
