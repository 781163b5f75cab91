package device

import (
	"log/slog"
)

// PostCodeDevice records the diagnostic codes written to port 0x80.
type PostCodeDevice struct {
	Last   byte
	Logger *slog.Logger
}

func (p *PostCodeDevice) Read(port uint64, data []byte) error {
	data[0] = p.Last

	return nil
}

func (p *PostCodeDevice) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	p.Last = data[0]

	if p.Logger != nil {
		p.Logger.Debug("post code", slog.Int("code", int(data[0])))
	}

	return nil
}

func (p *PostCodeDevice) IOPort() uint64 {
	return 0x80
}

func (p *PostCodeDevice) Size() uint64 {
	return 0x1
}
