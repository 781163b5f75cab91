package bios

const (
	// modem status: CTS, DSR, DCD
	modemStatus = 0xb0

	lineTimeout = 0x80
)

// serial is INT 14h on COM1.
func (s *Services) serial(r *Regs) error {
	if s.cfg.Serial == nil || r.DX() != 0 {
		r.SetAH(lineTimeout)

		return nil
	}

	com := s.cfg.Serial

	switch r.AH() {
	case 0x00, 0x03:
		r.SetAH(com.LineStatus())
		r.SetAL(modemStatus)
	case 0x01:
		if err := com.Transmit(r.AL()); err != nil {
			r.SetAH(com.LineStatus() | lineTimeout)

			return nil
		}

		r.SetAH(com.LineStatus())
	case 0x02:
		b, ok := com.Receive()
		if !ok {
			r.SetAH(com.LineStatus() | lineTimeout)

			return nil
		}

		r.SetAL(b)
		r.SetAH(com.LineStatus())
	default:
		return s.unsupported(0x14, r)
	}

	return nil
}
