package bios

import "errors"

// errKeyPending asks the INT 16h stub to wait for an interrupt and retry.
var errKeyPending = errors.New("no key yet")

// scanCodes maps ASCII to set 1 make codes for the keys a terminal sends.
var scanCodes = func() map[byte]uint8 {
	m := map[byte]uint8{
		0x1b: 0x01, '\b': 0x0e, 0x7f: 0x0e, '\t': 0x0f, '\r': 0x1c, '\n': 0x1c, ' ': 0x39,
		'-': 0x0c, '=': 0x0d, '[': 0x1a, ']': 0x1b, ';': 0x27, '\'': 0x28,
		'`': 0x29, '\\': 0x2b, ',': 0x33, '.': 0x34, '/': 0x35,
	}

	rows := []struct {
		keys  string
		first uint8
	}{
		{"1234567890", 0x02},
		{"qwertyuiop", 0x10},
		{"asdfghjkl", 0x1e},
		{"zxcvbnm", 0x2c},
	}

	for _, row := range rows {
		for i := 0; i < len(row.keys); i++ {
			c := row.keys[i]
			m[c] = row.first + uint8(i)

			if c >= 'a' && c <= 'z' {
				m[c-'a'+'A'] = row.first + uint8(i)
				// control characters, unless a named key owns the code
				if _, ok := m[c-'a'+1]; !ok {
					m[c-'a'+1] = row.first + uint8(i)
				}
			}
		}
	}

	return m
}()

// keyCode returns scan code and ASCII as INT 16h reports them.
func keyCode(c byte) uint16 {
	if c == '\n' {
		c = '\r'
	}

	return uint16(scanCodes[c])<<8 | uint16(c)
}

// nextKey takes a key from the buffer or the keyboard channel without
// waiting.
func (s *Services) nextKey() (uint16, bool) {
	if s.haveKey {
		return s.key, true
	}

	if s.cfg.Keyboard == nil {
		return 0, false
	}

	select {
	case c, ok := <-s.cfg.Keyboard:
		if !ok {
			return 0, false
		}

		s.key, s.haveKey = keyCode(c), true

		return s.key, true
	default:
		return 0, false
	}
}

// keyboard is INT 16h.
func (s *Services) keyboard(r *Regs) error {
	switch r.AH() {
	case 0x00, 0x10:
		k, ok := s.nextKey()
		if !ok && s.cfg.Keyboard != nil {
			// the stub halts and calls again
			return errKeyPending
		}

		s.haveKey = false

		r.SetAX(k)
	case 0x01, 0x11:
		k, ok := s.nextKey()
		r.SetZF(!ok)

		if ok {
			r.SetAX(k)
		}
	case 0x02, 0x12:
		r.SetAL(s.bda.KeyboardFlags())
	default:
		return s.unsupported(0x16, r)
	}

	return nil
}
