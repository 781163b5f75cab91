package bios

// timer is INT 08h, IRQ 0.
func (s *Services) timer(r *Regs) error {
	s.bda.Tick()

	return nil
}

// clock is INT 1Ah.
func (s *Services) clock(r *Regs) error {
	switch r.AH() {
	case 0x00:
		t := s.bda.Ticks()
		r.SetCX(uint16(t >> 16))
		r.SetDX(uint16(t))
		r.SetAL(s.bda.TakeMidnight())
	case 0x01:
		s.bda.SetTicks(uint32(r.CX())<<16 | uint32(r.DX()))
	default:
		return s.unsupported(0x1a, r)
	}

	r.SetCF(false)

	return nil
}
