package cpu

// Bus is the physical memory seen by real-mode code. Addresses are linear
// addresses below 1 MiB plus the high memory area.
type Bus interface {
	Read8(addr uint32) uint8
	Write8(addr uint32, v uint8)
	Read16(addr uint32) uint16
	Write16(addr uint32, v uint16)
	Read32(addr uint32) uint32
	Write32(addr uint32, v uint32)
}

// Linear returns the real-mode linear address of seg:off.
func Linear(seg, off uint16) uint32 {
	return uint32(seg)<<4 + uint32(off)
}

// FarPointer reads a 16:16 far pointer stored offset first at addr.
func FarPointer(bus Bus, addr uint32) (seg, off uint16) {
	return bus.Read16(addr + 2), bus.Read16(addr)
}
