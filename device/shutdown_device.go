package device

import (
	"errors"
	"log/slog"
)

// ShutdownPort is the sleep control register a guest writes to power off.
const ShutdownPort = 0x600

// ErrShutdown reports that the guest requested power off.
var ErrShutdown = errors.New("guest requested shutdown")

const (
	s5SleepVal     = 5
	sleepValBit    = 2
	sleepEnableBit = 5
	resetVal       = 1
)

// ShutdownDevice decodes the sleep control register. Writing SLP_TYP=S5
// with SLP_EN calls Halt with ErrShutdown.
type ShutdownDevice struct {
	Halt   func(error)
	Logger *slog.Logger
}

func (s *ShutdownDevice) Read(port uint64, data []byte) error {
	clear(data)

	return nil
}

func (s *ShutdownDevice) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch data[0] {
	case resetVal:
		logger.Info("reboot signalled, ignored")
	case s5SleepVal<<sleepValBit | 1<<sleepEnableBit:
		logger.Info("shutdown signalled")

		if s.Halt != nil {
			s.Halt(ErrShutdown)
		}
	}

	return nil
}

func (s *ShutdownDevice) IOPort() uint64 {
	return ShutdownPort
}

func (s *ShutdownDevice) Size() uint64 {
	return 0x8
}
