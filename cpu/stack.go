package cpu

// The virtual stack lives at SS*16+SP. SP wraps inside its 64 KiB segment and
// never carries into SS.

// VMPush16 pushes v onto the virtual-8086 stack.
func (s *Snapshot) VMPush16(bus Bus, v uint16) {
	s.mustVM()

	sp := s.SP() - 2
	s.SetSP(sp)
	bus.Write16(Linear(s.SS(), sp), v)
}

// VMPush32 pushes v onto the virtual-8086 stack.
func (s *Snapshot) VMPush32(bus Bus, v uint32) {
	s.mustVM()

	sp := s.SP() - 4
	s.SetSP(sp)
	bus.Write32(Linear(s.SS(), sp), v)
}

// VMPop16 pops a word from the virtual-8086 stack.
func (s *Snapshot) VMPop16(bus Bus) uint16 {
	s.mustVM()

	sp := s.SP()
	v := bus.Read16(Linear(s.SS(), sp))
	s.SetSP(sp + 2)

	return v
}

// VMPop32 pops a doubleword from the virtual-8086 stack.
func (s *Snapshot) VMPop32(bus Bus) uint32 {
	s.mustVM()

	sp := s.SP()
	v := bus.Read32(Linear(s.SS(), sp))
	s.SetSP(sp + 4)

	return v
}

// VMPeek16 reads the word at SP+off without moving SP.
func (s *Snapshot) VMPeek16(bus Bus, off uint16) uint16 {
	s.mustVM()

	return bus.Read16(Linear(s.SS(), s.SP()+off))
}

// VMPoke16 writes the word at SP+off without moving SP.
func (s *Snapshot) VMPoke16(bus Bus, off uint16, v uint16) {
	s.mustVM()
	bus.Write16(Linear(s.SS(), s.SP()+off), v)
}
