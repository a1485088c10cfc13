package qnor

import (
	"fmt"

	"github.com/gentam/qnor/ftl"
)

const erasedWord = 0xFFFFFFFF

// Read fills dst with len(dst) words starting at the logical address addr
// using a single fast read.
func (d *Driver) Read(addr uint32, dst []uint32) error {
	if err := d.ready(); err != nil {
		return err
	}
	off, err := d.span("read", addr, len(dst))
	if err != nil {
		return err
	}
	return d.read(off, ftl.Bytes(dst))
}

func (d *Driver) read(off uint32, buf []byte) error {
	cmd := d.ops.readCommand(off, len(buf), d.geo.DummyCycles)
	if err := d.bus.Command(&cmd, d.timing.Command); err != nil {
		return &OpError{Op: "read", Addr: off, Err: err}
	}

	if err := d.bus.SetChipSelectHighTime(csHighRead); err != nil {
		return &OpError{Op: "read", Addr: off, Err: err}
	}
	defer func() {
		// restore S# timing for non-read commands
		if err := d.bus.SetChipSelectHighTime(csHighOther); err != nil {
			d.log.Warn("restore chip select high time failed", "err", err)
		}
	}()

	if err := d.transfer(DirReceive, buf); err != nil {
		return &OpError{Op: "read", Addr: off, Err: err}
	}
	return nil
}

// Write programs src at the logical address addr. The target must be
// erased. The data is split so that no program command crosses a page
// boundary; a failing chunk aborts the write and earlier chunks stay
// programmed.
func (d *Driver) Write(addr uint32, src []uint32) error {
	if err := d.ready(); err != nil {
		return err
	}
	off, err := d.span("write", addr, len(src))
	if err != nil {
		return err
	}
	return d.program(off, ftl.Bytes(src))
}

func (d *Driver) program(off uint32, data []byte) error {
	page := d.geo.PageSize
	end := off + uint32(len(data))

	// bytes left up to the end of the first page
	chunk := min(page-off%page, uint32(len(data)))
	for cur := off; cur < end; {
		if err := d.pageProgram(cur, data[:chunk]); err != nil {
			return err
		}
		cur += chunk
		data = data[chunk:]
		chunk = min(page, end-cur)
	}
	return nil
}

// pageProgram writes data, which must fit in the page containing off.
func (d *Driver) pageProgram(off uint32, data []byte) error {
	if err := d.WriteEnable(); err != nil {
		return err
	}

	cmd := d.ops.programCommand(off, len(data))
	if err := d.bus.Command(&cmd, d.timing.Command); err != nil {
		return &OpError{Op: "program", Addr: off, Err: err}
	}
	if err := d.transfer(DirTransmit, data); err != nil {
		return &OpError{Op: "program", Addr: off, Err: err}
	}
	if err := d.WaitReady(d.timing.PageProgram); err != nil {
		return &OpError{Op: "program", Addr: off, Err: err}
	}
	d.log.Debug("page programmed", "addr", off, "len", len(data))
	return nil
}

// transfer runs an asynchronous data phase and waits for its completion
// flag.
func (d *Driver) transfer(dir Direction, buf []byte) error {
	if err := d.done.arm(dir); err != nil {
		return err
	}
	var err error
	if dir == DirTransmit {
		err = d.bus.TransmitDMA(buf)
	} else {
		err = d.bus.ReceiveDMA(buf)
	}
	if err != nil {
		d.done.disarm(dir)
		return err
	}
	return d.done.wait(dir, d.timing.Transfer)
}

// EraseBlock erases count consecutive erase blocks starting at block. A
// count of zero erases one block. It stops at the first failure; blocks
// erased before it stay erased.
func (d *Driver) EraseBlock(block, count uint32) error {
	if err := d.ready(); err != nil {
		return err
	}
	count = max(count, 1)
	if block >= d.geo.BlockCount || count > d.geo.BlockCount-block {
		err := fmt.Errorf("%w: blocks [%d, %d) not in [0, %d)", ErrBlockRange, block, uint64(block)+uint64(count), d.geo.BlockCount)
		return d.paramError("erase", SysErrBlockRange, err)
	}

	op, timeout := byte(CmdSectorErase), d.timing.SectorErase
	if d.geo.BlockSize == subsectorSize {
		op, timeout = CmdSubsectorErase, d.timing.SubsectorErase
	}

	for b := block; b < block+count; b++ {
		off := b * d.geo.BlockSize
		if err := d.WriteEnable(); err != nil {
			return err
		}
		cmd := eraseCommand(op, off)
		if err := d.bus.Command(&cmd, d.timing.Command); err != nil {
			return &OpError{Op: "erase", Addr: off, Err: err}
		}
		if err := d.WaitReady(timeout); err != nil {
			return &OpError{Op: "erase", Addr: off, Err: err}
		}
		d.log.Debug("block erased", "block", b)
	}
	return nil
}

// VerifyErased reads block back one logical sector at a time and checks
// that every word is in the erased state. It stops at the first sector
// holding programmed bits.
func (d *Driver) VerifyErased(block uint32) error {
	if err := d.ready(); err != nil {
		return err
	}
	if block >= d.geo.BlockCount {
		err := fmt.Errorf("%w: block %d not in [0, %d)", ErrBlockRange, block, d.geo.BlockCount)
		return d.paramError("verify", SysErrBlockRange, err)
	}

	start := block * d.geo.BlockSize
	buf := ftl.Bytes(d.verify)
	for off := start; off < start+d.geo.BlockSize; off += d.geo.SectorSize {
		if err := d.read(off, buf); err != nil {
			return err
		}
		for i, w := range d.verify {
			if w != erasedWord {
				return &OpError{Op: "verify", Addr: off + uint32(i)*4, Err: ErrNotErased}
			}
		}
	}
	return nil
}

// BulkErase erases the whole chip, including blocks outside the managed
// range.
func (d *Driver) BulkErase() error {
	if err := d.ready(); err != nil {
		return err
	}
	if err := d.WriteEnable(); err != nil {
		return err
	}
	cmd := instructionCommand(CmdBulkErase)
	if err := d.bus.Command(&cmd, d.timing.Command); err != nil {
		return &OpError{Op: "bulk erase", Err: err}
	}
	if err := d.WaitReady(d.timing.BulkErase); err != nil {
		return &OpError{Op: "bulk erase", Err: err}
	}
	return nil
}

// span validates a transfer of words starting at the logical address addr
// and returns its device offset.
func (d *Driver) span(op string, addr uint32, words int) (uint32, error) {
	if words <= 0 {
		err := fmt.Errorf("%w: %d words", ErrLength, words)
		return 0, d.paramError(op, SysErrLength, err)
	}
	off, err := d.geo.ToDeviceOffset(addr)
	if err == nil && uint64(off)+uint64(words)*4 > uint64(d.geo.Capacity) {
		err = fmt.Errorf("%w: %d bytes at %#08x run past %#08x", ErrAddressRange, words*4, addr, d.geo.HighAddress())
	}
	if err != nil {
		return 0, d.paramError(op, SysErrAddressRange, err)
	}
	return off, nil
}

// paramError reports a rejected request as a system error. The handler's
// verdict, if any, is joined to err.
func (d *Driver) paramError(op string, code int, err error) error {
	if verdict := d.systemError(code, err); verdict != nil {
		err = fmt.Errorf("%w (%w)", err, verdict)
	}
	return &OpError{Op: op, Err: err, NoAddr: true}
}
