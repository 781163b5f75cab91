package device

import "errors"

var errDataLenInvalid = errors.New("invalid data size on port")

// IODevice describes a device decoding a range of I/O ports. Read fills data
// for an IN, Write consumes data of an OUT; len(data) is the access width.
type IODevice interface {
	Read(port uint64, data []byte) error
	Write(port uint64, data []byte) error
	IOPort() uint64
	Size() uint64
}
