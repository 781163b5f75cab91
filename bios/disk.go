package bios

import (
	"errors"
	"io"

	"github.com/bobuhiro11/gov86/cpu"
)

const (
	sectorSize = 512
	hardDisk0  = 0x80

	heads   = 16
	sectors = 63

	maxCylinders = 1024

	// extVersion is the EDD version reported by AH=41h, 1.x.
	extVersion = 0x01
	// extPacket is the "fixed disk access subset" bit of AH=41h.
	extPacket = 0x01

	dapSize = 0x10
)

type geometry struct {
	cylinders uint32
	total     uint64
}

func newGeometry(size int64) geometry {
	if size <= 0 {
		return geometry{}
	}

	total := uint64(size) / sectorSize
	cyl := uint32(total / (heads * sectors))

	if cyl == 0 {
		cyl = 1
	}

	if cyl > maxCylinders {
		cyl = maxCylinders
	}

	return geometry{cylinders: cyl, total: total}
}

// lba converts a CHS address. Sectors count from 1.
func (g geometry) lba(c uint32, h, sec uint8) (uint64, bool) {
	if sec == 0 || sec > sectors || h >= heads || c >= g.cylinders {
		return 0, false
	}

	return (uint64(c)*heads+uint64(h))*sectors + uint64(sec-1), true
}

// disk is INT 13h for a single hard disk, drive 80h.
func (s *Services) disk(r *Regs) error {
	if s.cfg.Disk == nil || r.DL() != hardDisk0 {
		if r.AH() == 0x08 {
			r.SetDL(0)
		}

		s.diskStatus(r, statusBadCommand)

		return nil
	}

	switch r.AH() {
	case 0x00:
		s.diskStatus(r, statusOK)

	case 0x01:
		status := s.bda.DiskStatus()
		r.SetAL(status)
		s.diskStatus(r, statusOK)

	case 0x02:
		// CL bits 6-7 are cylinder bits 8-9.
		c := uint32(r.CH()) | uint32(r.CL()&0xc0)<<2

		lba, ok := s.geo.lba(c, r.DH(), r.CL()&0x3f)
		if !ok {
			r.SetAL(0)
			s.diskStatus(r, statusNotFound)

			return nil
		}

		n, status, err := s.readSectors(lba, uint16(r.AL()), cpu.Linear(r.ES, r.BX()))
		if err != nil {
			return err
		}

		r.SetAL(uint8(n))
		s.diskStatus(r, status)

	case 0x08:
		maxCyl := s.geo.cylinders - 1
		r.SetCH(uint8(maxCyl))
		r.SetCL(uint8(sectors) | uint8(maxCyl>>2)&0xc0)
		r.SetDH(heads - 1)
		r.SetDL(1)
		r.SetAL(0)
		r.SetBL(0)
		s.diskStatus(r, statusOK)

	case 0x15:
		// disk type: fixed disk, CX:DX sectors
		r.SetCX(uint16(s.geo.total >> 16))
		r.SetDX(uint16(s.geo.total))
		r.SetAH(0x03)
		r.SetCF(false)

	case 0x41:
		if r.BX() != 0x55aa {
			s.diskStatus(r, statusBadCommand)

			return nil
		}

		r.SetBX(0xaa55)
		r.SetCX(extPacket)
		r.SetAH(extVersion)
		r.SetCF(false)

	case 0x42:
		dap := cpu.Linear(r.DS, r.SI())
		if s.bus.Read8(dap) < dapSize {
			s.diskStatus(r, statusBadCommand)

			return nil
		}

		count := s.bus.Read16(dap + 2)
		buf := cpu.Linear(s.bus.Read16(dap+6), s.bus.Read16(dap+4))
		lba := uint64(s.bus.Read32(dap+8)) | uint64(s.bus.Read32(dap+12))<<32

		n, status, err := s.readSectors(lba, count, buf)
		if err != nil {
			return err
		}

		s.bus.Write16(dap+2, n)
		s.diskStatus(r, status)

	default:
		s.diskStatus(r, statusBadCommand)
	}

	return nil
}

func (s *Services) diskStatus(r *Regs, status uint8) {
	s.bda.SetDiskStatus(status)

	if status == statusOK {
		succeed(r)
	} else {
		fail(r, status)
	}
}

// readSectors copies count sectors from lba to linear address addr. It
// returns the number of sectors transferred and the status to report.
func (s *Services) readSectors(lba uint64, count uint16, addr uint32) (uint16, uint8, error) {
	buf := make([]byte, sectorSize)

	for i := uint16(0); i < count; i++ {
		if lba+uint64(i) >= s.geo.total {
			return i, statusNotFound, nil
		}

		clear(buf)

		if _, err := s.cfg.Disk.ReadAt(buf, int64(lba+uint64(i))*sectorSize); err != nil && !errors.Is(err, io.EOF) {
			return i, 0, err
		}

		for j, b := range buf {
			s.bus.Write8(addr+uint32(i)*sectorSize+uint32(j), b)
		}
	}

	return count, statusOK, nil
}
