package serial

import (
	"io"
	"log/slog"
)

const (
	COM1Addr = 0x03f8
	COM1IRQ  = 4

	lsrDataReady = 0x01
	lsrTHREmpty  = 0x20
	lsrTEMT      = 0x40
)

// Serial is the transmit/receive subset of a 16550 UART at COM1.
type Serial struct {
	IER byte
	LCR byte
	MCR byte
	DLL byte
	DLM byte

	out       io.Writer
	inputChan chan byte
	logger    *slog.Logger

	// This callback is called when serial request IRQ.
	irqCallback func(irq, level uint32)
}

func New(out io.Writer, irqCallBack func(irq, level uint32), logger *slog.Logger) (*Serial, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Serial{
		IER: 0, LCR: 0,
		DLL:         0xc, // 9600 baud
		out:         out,
		inputChan:   make(chan byte, 10000),
		logger:      logger,
		irqCallback: irqCallBack,
	}

	return s, nil
}

func (s *Serial) GetInputChan() chan<- byte {
	return s.inputChan
}

func (s *Serial) dlab() bool {
	return s.LCR&0x80 != 0
}

func (s *Serial) InjectIRQ(level uint32) {
	if s.irqCallback != nil {
		s.irqCallback(COM1IRQ, level)
	}
}

// LineStatus returns the line status register.
func (s *Serial) LineStatus() byte {
	v := byte(lsrTHREmpty | lsrTEMT)
	if len(s.inputChan) > 0 {
		v |= lsrDataReady
	}

	return v
}

// Transmit writes one character.
func (s *Serial) Transmit(b byte) error {
	_, err := s.out.Write([]byte{b})

	return err
}

// Receive returns a pending character, if any.
func (s *Serial) Receive() (byte, bool) {
	select {
	case b := <-s.inputChan:
		return b, true
	default:
		return 0, false
	}
}

func (s *Serial) Read(port uint64, values []byte) error {
	port -= COM1Addr

	switch {
	case port == 0 && !s.dlab():
		// RBR
		values[0], _ = s.Receive()
	case port == 0 && s.dlab():
		values[0] = s.DLL
	case port == 1 && !s.dlab():
		values[0] = s.IER
	case port == 1 && s.dlab():
		values[0] = s.DLM
	case port == 2:
		// IIR: no interrupt pending
		values[0] = 0x01
	case port == 3:
		values[0] = s.LCR
	case port == 4:
		values[0] = s.MCR
	case port == 5:
		values[0] = s.LineStatus()
	case port == 6:
		// MSR: CTS, DSR, DCD
		values[0] = 0xb0
	}

	return nil
}

func (s *Serial) Write(port uint64, values []byte) error {
	port -= COM1Addr

	switch {
	case port == 0 && !s.dlab():
		// THR
		return s.Transmit(values[0])
	case port == 0 && s.dlab():
		s.DLL = values[0]
	case port == 1 && !s.dlab():
		s.IER = values[0]
		if s.IER != 0 {
			s.InjectIRQ(0)
			s.InjectIRQ(1)
		}
	case port == 1 && s.dlab():
		s.DLM = values[0]
	case port == 3:
		s.LCR = values[0]
	case port == 4:
		s.MCR = values[0]
	default:
		s.logger.Debug("serial write ignored", slog.Uint64("port", COM1Addr+port), slog.Int("value", int(values[0])))
	}

	return nil
}

func (s *Serial) IOPort() uint64 {
	return COM1Addr
}

func (s *Serial) Size() uint64 {
	return 8
}
