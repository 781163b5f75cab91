package device

import "io"

// DebugConsolePort is the Bochs/QEMU debug console port.
const DebugConsolePort = 0xe9

// DebugConsole copies every byte written to port 0xe9 to W. Reading the port
// returns 0xe9 so that programs can detect it.
type DebugConsole struct {
	W io.Writer
}

func (c *DebugConsole) Read(port uint64, data []byte) error {
	data[0] = DebugConsolePort

	return nil
}

func (c *DebugConsole) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	_, err := c.W.Write(data)

	return err
}

func (c *DebugConsole) IOPort() uint64 {
	return DebugConsolePort
}

func (c *DebugConsole) Size() uint64 {
	return 0x1
}
