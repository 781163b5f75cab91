package bios

import "github.com/bobuhiro11/gov86/cpu"

// equipment is INT 11h.
func (s *Services) equipment(r *Regs) error {
	r.SetAX(s.bda.Equipment())

	return nil
}

// memorySize is INT 12h.
func (s *Services) memorySize(r *Regs) error {
	r.SetAX(s.bda.MemoryKB())

	return nil
}

// system is INT 15h.
func (s *Services) system(r *Regs) error {
	switch {
	case r.EAX == 0xe820:
		return s.e820Next(r)

	case r.AX() == 0xe801:
		kb := s.e820.ExtendedKB()
		below16 := min(kb, 15<<10)
		above16 := (kb - below16) >> 6

		r.SetAX(uint16(below16))
		r.SetCX(uint16(below16))
		r.SetBX(uint16(min(above16, 0xffff)))
		r.SetDX(uint16(min(above16, 0xffff)))
		r.SetCF(false)

	case r.AH() == 0x88:
		r.SetAX(uint16(min(s.e820.ExtendedKB(), 0xffff)))
		r.SetCF(false)

	case r.AH() == 0xc0:
		// no system configuration table
		fail(r, statusUnsupported)

	default:
		return s.unsupported(0x15, r)
	}

	return nil
}

// e820Next returns the entry EBX selects in the buffer at ES:DI and the
// continuation value in EBX, 0 after the last entry.
func (s *Services) e820Next(r *Regs) error {
	i := r.EBX

	if r.EDX != smap || r.ECX < E820EntrySize || int(i) >= len(s.e820) {
		fail(r, statusUnsupported)

		return nil
	}

	b, err := s.e820[i].Bytes()
	if err != nil {
		return err
	}

	dst := cpu.Linear(r.ES, r.DI())
	for j, v := range b {
		s.bus.Write8(dst+uint32(j), v)
	}

	r.EAX = smap
	r.ECX = E820EntrySize

	r.EBX = i + 1
	if int(r.EBX) == len(s.e820) {
		r.EBX = 0
	}

	r.SetCF(false)

	return nil
}
