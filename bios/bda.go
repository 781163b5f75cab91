package bios

import (
	"bytes"
	"encoding/binary"

	"github.com/bobuhiro11/gov86/cpu"
	"github.com/bobuhiro11/gov86/memory"
)

// BIOS data area offsets, linear.
const (
	bdaCOM1         = 0x400
	bdaEBDASegment  = 0x40e
	bdaEquipment    = 0x410
	bdaMemoryKB     = 0x413
	bdaKbdFlags     = 0x417
	bdaVideoMode    = 0x449
	bdaColumns      = 0x44a
	bdaPageSize     = 0x44c
	bdaCursors      = 0x450
	bdaCursorShape  = 0x460
	bdaActivePage   = 0x462
	bdaCRTCPort     = 0x463
	bdaTicks        = 0x46c
	bdaMidnight     = 0x470
	bdaDiskStatus   = 0x474
	bdaHardDisks    = 0x475
	bdaRows         = 0x484
	bdaCharHeight   = 0x485
	ticksPerDay     = 0x1800b0
	defaultCursor   = 0x0607
	textRows        = 25
	maxPages        = 8
	equipmentFPU    = 1 << 1
	equipmentVGA80  = 2 << 4
	equipmentSerial = 1 << 9
)

// DataArea is the BIOS data area at 0040:0000 plus the first bytes of the
// extended BIOS data area.
type DataArea struct {
	bus cpu.Bus
}

func NewDataArea(bus cpu.Bus) *DataArea {
	return &DataArea{bus: bus}
}

// Init writes power-on values for a machine with conventionalKB KiB of
// conventional memory below the EBDA.
func (d *DataArea) Init(conventionalKB int, hardDisks int) error {
	for a := uint32(memory.BDABase); a < memory.ConventionalBase; a++ {
		d.bus.Write8(a, 0)
	}

	d.bus.Write16(bdaCOM1, 0x3f8)
	d.bus.Write16(bdaEBDASegment, memory.EBDABase>>4)
	d.bus.Write16(bdaEquipment, equipmentFPU|equipmentVGA80|equipmentSerial)
	d.bus.Write16(bdaMemoryKB, uint16(conventionalKB))
	d.bus.Write16(bdaCRTCPort, 0x3d4)
	d.bus.Write8(bdaHardDisks, uint8(hardDisks))
	d.SetVideoMode(0x03)

	e, err := NewEBDA()
	if err != nil {
		return err
	}

	b, err := e.Bytes()
	if err != nil {
		return err
	}

	for i, v := range b {
		d.bus.Write8(memory.EBDABase+uint32(i), v)
	}

	return nil
}

func (d *DataArea) Equipment() uint16 {
	return d.bus.Read16(bdaEquipment)
}

func (d *DataArea) MemoryKB() uint16 {
	return d.bus.Read16(bdaMemoryKB)
}

func (d *DataArea) EBDASegment() uint16 {
	return d.bus.Read16(bdaEBDASegment)
}

func (d *DataArea) VideoMode() uint8 {
	return d.bus.Read8(bdaVideoMode)
}

func (d *DataArea) Columns() uint16 {
	return d.bus.Read16(bdaColumns)
}

// SetVideoMode switches to a text mode, homes every cursor and selects
// page 0.
func (d *DataArea) SetVideoMode(mode uint8) {
	cols := uint16(80)
	if mode < 2 {
		cols = 40
	}

	d.bus.Write8(bdaVideoMode, mode)
	d.bus.Write16(bdaColumns, cols)
	d.bus.Write16(bdaPageSize, cols*textRows*2)
	d.bus.Write8(bdaRows, textRows-1)
	d.bus.Write16(bdaCharHeight, 16)
	d.bus.Write16(bdaCursorShape, defaultCursor)
	d.bus.Write8(bdaActivePage, 0)

	for p := uint8(0); p < maxPages; p++ {
		d.SetCursor(p, 0, 0)
	}
}

// Cursor returns the row and column of page.
func (d *DataArea) Cursor(page uint8) (row, col uint8) {
	v := d.bus.Read16(bdaCursors + uint32(page%maxPages)*2)

	return uint8(v >> 8), uint8(v)
}

func (d *DataArea) SetCursor(page, row, col uint8) {
	d.bus.Write16(bdaCursors+uint32(page%maxPages)*2, uint16(row)<<8|uint16(col))
}

func (d *DataArea) CursorShape() uint16 {
	return d.bus.Read16(bdaCursorShape)
}

func (d *DataArea) SetCursorShape(v uint16) {
	d.bus.Write16(bdaCursorShape, v)
}

func (d *DataArea) ActivePage() uint8 {
	return d.bus.Read8(bdaActivePage)
}

func (d *DataArea) SetActivePage(p uint8) {
	d.bus.Write8(bdaActivePage, p%maxPages)
}

// Ticks returns the timer ticks since midnight.
func (d *DataArea) Ticks() uint32 {
	return d.bus.Read32(bdaTicks)
}

func (d *DataArea) SetTicks(v uint32) {
	d.bus.Write32(bdaTicks, v)
}

// Tick advances the clock by one timer interrupt, rolling over at midnight.
func (d *DataArea) Tick() {
	t := d.Ticks() + 1
	if t >= ticksPerDay {
		t = 0
		d.bus.Write8(bdaMidnight, 1)
	}

	d.SetTicks(t)
}

// TakeMidnight returns and clears the midnight rollover flag.
func (d *DataArea) TakeMidnight() uint8 {
	v := d.bus.Read8(bdaMidnight)
	d.bus.Write8(bdaMidnight, 0)

	return v
}

func (d *DataArea) DiskStatus() uint8 {
	return d.bus.Read8(bdaDiskStatus)
}

func (d *DataArea) SetDiskStatus(v uint8) {
	d.bus.Write8(bdaDiskStatus, v)
}

// KeyboardFlags returns the shift state byte.
func (d *DataArea) KeyboardFlags() uint8 {
	return d.bus.Read8(bdaKbdFlags)
}

// EBDA is the head of the extended BIOS data area. The first byte is its
// size in KiB.
type EBDA struct {
	SizeKB uint8
	// padding
	// It must be aligned with 16 bytes.
	_ [15]uint8
}

func NewEBDA() (*EBDA, error) {
	return &EBDA{SizeKB: (memory.VGABase - memory.EBDABase) >> 10}, nil
}

func (e *EBDA) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, e); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}
