package qnor

import (
	"errors"
	"fmt"
)

// Geometry is the fixed layout of the flash chip as seen by the driver.
//
// Logical addresses handed to the driver carry BaseAddress as a bias so that
// they look like the memory-mapped window of the flash. Use ToDeviceOffset and
// ToLogicalAddress to move between the two address spaces.
type Geometry struct {
	BaseAddress uint32 // bias added to every device offset
	Capacity    uint32 // bytes
	BlockSize   uint32 // erase block, 4KB or 64KB
	BlockCount  uint32 // erase blocks managed by the driver
	PageSize    uint32 // page program size
	SectorSize  uint32 // logical sector
	DummyCycles int    // fast read dummy clocks, programmed into the VCR
}

// N25Q128A is the Micron N25Q128A13EF840E found on the STM32F412 Discovery
// board, managed in 64KB sectors. The last sector is left to the application.
var N25Q128A = Geometry{
	BaseAddress: 0x90000000,
	Capacity:    16 << 20,
	BlockSize:   64 << 10,
	BlockCount:  256 - 1,
	PageSize:    256,
	SectorSize:  512,
	DummyCycles: 10,
}

const (
	subsectorSize = 4 << 10
	sectorSize    = 64 << 10
)

// Validate reports whether g describes a layout the driver can serve.
func (g Geometry) Validate() error {
	switch {
	case g.Capacity == 0 || g.PageSize == 0 || g.SectorSize == 0:
		return errors.New("qnor: geometry has zero size")
	case g.BlockSize != subsectorSize && g.BlockSize != sectorSize:
		return fmt.Errorf("qnor: unsupported erase block size %d", g.BlockSize)
	case g.PageSize&(g.PageSize-1) != 0:
		return fmt.Errorf("qnor: page size %d is not a power of two", g.PageSize)
	case g.SectorSize%4 != 0 || g.BlockSize%g.SectorSize != 0:
		return fmt.Errorf("qnor: sector size %d does not tile block size %d", g.SectorSize, g.BlockSize)
	case g.BlockCount == 0 || uint64(g.BlockCount)*uint64(g.BlockSize) > uint64(g.Capacity):
		return fmt.Errorf("qnor: %d blocks of %d bytes exceed capacity %d", g.BlockCount, g.BlockSize, g.Capacity)
	case uint64(g.BaseAddress)+uint64(g.Capacity) > 1<<32:
		return fmt.Errorf("qnor: base address %#x overflows with capacity %d", g.BaseAddress, g.Capacity)
	case g.DummyCycles < 1 || g.DummyCycles > 14:
		// 0 and 15 select the device default in the VCR.
		return fmt.Errorf("qnor: dummy cycle count %d out of range", g.DummyCycles)
	}
	return nil
}

// LowAddress is the first valid logical address.
func (g Geometry) LowAddress() uint32 { return g.BaseAddress }

// HighAddress is the last valid logical address.
func (g Geometry) HighAddress() uint32 { return g.BaseAddress + g.Capacity - 1 }

// ToDeviceOffset removes the address bias. It fails when addr is outside
// [LowAddress, HighAddress].
func (g Geometry) ToDeviceOffset(addr uint32) (uint32, error) {
	if addr < g.LowAddress() || addr > g.HighAddress() {
		return 0, fmt.Errorf("%w: %#08x not in [%#08x, %#08x]", ErrAddressRange, addr, g.LowAddress(), g.HighAddress())
	}
	return addr - g.BaseAddress, nil
}

// ToLogicalAddress adds the address bias to a device offset.
func (g Geometry) ToLogicalAddress(off uint32) (uint32, error) {
	if off >= g.Capacity {
		return 0, fmt.Errorf("%w: offset %#x beyond capacity %#x", ErrAddressRange, off, g.Capacity)
	}
	return off + g.BaseAddress, nil
}

// WordsPerBlock is the erase block size in 32-bit words.
func (g Geometry) WordsPerBlock() uint32 { return g.BlockSize / 4 }

// SectorsPerBlock is the number of logical sectors in one erase block.
func (g Geometry) SectorsPerBlock() uint32 { return g.BlockSize / g.SectorSize }

// volatileConfig is the VCR value selecting DummyCycles with XIP disabled
// and continuous wrap.
func (g Geometry) volatileConfig() byte {
	return 0x0F | g.dummyBits()
}

func (g Geometry) dummyBits() byte {
	return byte(g.DummyCycles) << 4
}
