package ftl

import (
	"fmt"
	"io"
)

// Volume maps logical sector n to the flash at BaseAddress + n*SectorSize.
//
// A write that only clears bits is programmed in place. Any other write
// rewrites the whole erase block: the block is read, erased, verified and
// programmed again with the new sector merged in. There is no wear
// levelling and no bad block handling.
type Volume struct {
	Name string

	inst            *Instance
	sectorsPerBlock uint32
	block           []uint32 // erase block copy for rewrites, allocated on first use
}

// Open calls init to register and start the driver, then returns a volume
// over the flash it describes.
func Open(inst *Instance, name string, init InitFunc) (*Volume, error) {
	if err := init(inst); err != nil {
		return nil, err
	}
	switch {
	case inst.Driver == nil:
		return nil, fmt.Errorf("%w: no driver", ErrInstance)
	case inst.WordsPerBlock == 0 || inst.WordsPerBlock%SectorWords != 0:
		return nil, fmt.Errorf("%w: %d words per block", ErrInstance, inst.WordsPerBlock)
	case len(inst.SectorBuffer) < SectorWords:
		return nil, fmt.Errorf("%w: sector buffer of %d words", ErrInstance, len(inst.SectorBuffer))
	}
	return &Volume{
		Name:            name,
		inst:            inst,
		sectorsPerBlock: inst.WordsPerBlock / SectorWords,
	}, nil
}

// TotalSectors is the number of logical sectors on the volume.
func (v *Volume) TotalSectors() uint32 {
	if v.inst == nil {
		return 0
	}
	return v.inst.TotalBlocks * v.sectorsPerBlock
}

// Instance returns the driver registration record.
func (v *Volume) Instance() *Instance { return v.inst }

func (v *Volume) sectorAddr(n uint32, buf []uint32) (uint32, error) {
	if v.inst == nil {
		return 0, ErrClosed
	}
	if n >= v.TotalSectors() {
		return 0, fmt.Errorf("%w: %d of %d", ErrSectorRange, n, v.TotalSectors())
	}
	if len(buf) != SectorWords {
		return 0, fmt.Errorf("%w: %d words", ErrBufferSize, len(buf))
	}
	return v.inst.BaseAddress + n*SectorSize, nil
}

// ReadSector reads logical sector n into dst.
func (v *Volume) ReadSector(n uint32, dst []uint32) error {
	addr, err := v.sectorAddr(n, dst)
	if err != nil {
		return err
	}
	if err := v.inst.Driver.Read(addr, dst); err != nil {
		return v.fail(CodeReadFailed, fmt.Errorf("read sector %d: %w", n, err))
	}
	return nil
}

// WriteSector stores src as logical sector n.
func (v *Volume) WriteSector(n uint32, src []uint32) error {
	addr, err := v.sectorAddr(n, src)
	if err != nil {
		return err
	}
	d := v.inst.Driver

	cur := v.inst.SectorBuffer[:SectorWords]
	if err := d.Read(addr, cur); err != nil {
		return v.fail(CodeReadFailed, fmt.Errorf("read sector %d: %w", n, err))
	}
	inPlace, same := true, true
	for i, w := range src {
		if cur[i]&w != w {
			inPlace = false
			break
		}
		if cur[i] != w {
			same = false
		}
	}
	switch {
	case inPlace && same:
		return nil
	case inPlace:
		if err := d.Write(addr, src); err != nil {
			return v.fail(CodeProgramFailed, fmt.Errorf("program sector %d: %w", n, err))
		}
		return nil
	}
	return v.rewrite(n, src)
}

// rewrite erases the block holding sector n and programs it back with src
// in place of the old sector. Sectors left erased are skipped.
func (v *Volume) rewrite(n uint32, src []uint32) error {
	d := v.inst.Driver
	blk := n / v.sectorsPerBlock
	base := v.inst.BaseAddress + blk*v.inst.WordsPerBlock*4

	if v.block == nil {
		v.block = make([]uint32, v.inst.WordsPerBlock)
	}
	for s := uint32(0); s < v.sectorsPerBlock; s++ {
		if err := d.Read(base+s*SectorSize, v.block[s*SectorWords:(s+1)*SectorWords]); err != nil {
			return v.fail(CodeReadFailed, fmt.Errorf("read block %d sector %d: %w", blk, s, err))
		}
	}
	first := (n % v.sectorsPerBlock) * SectorWords
	copy(v.block[first:first+SectorWords], src)

	if err := d.EraseBlock(blk, 1); err != nil {
		return v.fail(CodeEraseFailed, fmt.Errorf("erase block %d: %w", blk, err))
	}
	if err := d.VerifyErased(blk); err != nil {
		return v.fail(CodeVerifyFailed, fmt.Errorf("verify block %d: %w", blk, err))
	}

	for s := uint32(0); s < v.sectorsPerBlock; s++ {
		words := v.block[s*SectorWords : (s+1)*SectorWords]
		if erased(words) {
			continue
		}
		if err := d.Write(base+s*SectorSize, words); err != nil {
			return v.fail(CodeProgramFailed, fmt.Errorf("program block %d sector %d: %w", blk, s, err))
		}
	}
	return nil
}

func erased(words []uint32) bool {
	for _, w := range words {
		if w != 0xFFFFFFFF {
			return false
		}
	}
	return true
}

// fail reports code to the driver and returns err, joined with the
// driver's verdict when it has one.
func (v *Volume) fail(code int, err error) error {
	if verdict := v.inst.Driver.SystemError(code); verdict != nil {
		return fmt.Errorf("%w (%w)", err, verdict)
	}
	return err
}

// Close closes the driver when it is an io.Closer. The volume is unusable
// afterwards.
func (v *Volume) Close() error {
	if v.inst == nil {
		return nil
	}
	d := v.inst.Driver
	v.inst = nil
	if c, ok := d.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
