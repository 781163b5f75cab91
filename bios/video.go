package bios

import "fmt"

const (
	chBEL = 0x07
	chBS  = 0x08
	chLF  = 0x0a
	chCR  = 0x0d
)

// video is INT 10h. Only the text-mode cursor and teletype functions are
// implemented; output goes to Config.Console.
func (s *Services) video(r *Regs) error {
	switch r.AH() {
	case 0x00:
		s.bda.SetVideoMode(r.AL() & 0x7f)
	case 0x01:
		s.bda.SetCursorShape(r.CX())
	case 0x02:
		s.bda.SetCursor(r.BH(), r.DH(), r.DL())
	case 0x03:
		row, col := s.bda.Cursor(r.BH())
		r.SetDH(row)
		r.SetDL(col)
		r.SetCX(s.bda.CursorShape())
	case 0x05:
		s.bda.SetActivePage(r.AL())
	case 0x0e:
		return s.teletype(s.bda.ActivePage(), r.AL())
	case 0x0f:
		r.SetAL(s.bda.VideoMode())
		r.SetAH(uint8(s.bda.Columns()))
		r.SetBH(s.bda.ActivePage())
	default:
		return s.unsupported(0x10, r)
	}

	return nil
}

// teletype writes c and moves the cursor of page like a terminal would.
func (s *Services) teletype(page, c uint8) error {
	row, col := s.bda.Cursor(page)
	cols := uint8(s.bda.Columns())

	switch c {
	case chBEL:
		return nil
	case chBS:
		if col > 0 {
			col--
		}
	case chCR:
		col = 0
	case chLF:
		row++
	default:
		col++
		if col >= cols {
			col = 0
			row++
		}
	}

	if row >= textRows {
		row = textRows - 1
	}

	s.bda.SetCursor(page, row, col)

	if _, err := s.cfg.Console.Write([]byte{c}); err != nil {
		return fmt.Errorf("console:%w", err)
	}

	return nil
}
