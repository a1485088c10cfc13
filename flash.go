package qnor

import (
	"fmt"
	"strings"
	"time"
)

// Status register bits polled by the driver.
const (
	StatusBusy         = 1 << 0
	StatusWriteEnabled = 1 << 1
)

// StatusRegister represents the status register of the flash chip.
//
//	Bits| [N25Q128A|Table 9]                   | [W25Q128|7.1 Status Registers]
//	----+--------------------------------------+-------------------------------
//	7   | Status register write enable/disable | SRP: Status Register Protect
//	6   | Block protect 3                      | SEC: Sector protect
//	5   | Top/bottom                           | TB: Top/Bottom protect
//	4:2 | Block protect 2-0                    | BP2-0: Block Protect bit 2-0
//	1   | Write enable latch                   | WEL: Write Enable Latch
//	0   | Write in progress                    | BUSY: Erase/Write in progress
type StatusRegister byte

func (sr StatusRegister) StatusRegisterProtect() bool { return sr&(1<<7) != 0 }
func (sr StatusRegister) BlockProtect3() bool         { return sr&(1<<6) != 0 }
func (sr StatusRegister) TopBottom() bool             { return sr&(1<<5) != 0 }
func (sr StatusRegister) BlockProtect2() bool         { return sr&(1<<4) != 0 }
func (sr StatusRegister) BlockProtect1() bool         { return sr&(1<<3) != 0 }
func (sr StatusRegister) BlockProtect0() bool         { return sr&(1<<2) != 0 }
func (sr StatusRegister) WriteEnabled() bool          { return sr&StatusWriteEnabled != 0 }
func (sr StatusRegister) Busy() bool                  { return sr&StatusBusy != 0 }

func (sr StatusRegister) String() string {
	b := fmt.Sprintf("%08b", byte(sr))
	s := []string{}
	if sr.StatusRegisterProtect() {
		s = append(s, "SRWD")
	}
	if sr.BlockProtect3() {
		s = append(s, "BP3")
	}
	if sr.TopBottom() {
		s = append(s, "TB")
	}
	if sr.BlockProtect2() {
		s = append(s, "BP2")
	}
	if sr.BlockProtect1() {
		s = append(s, "BP1")
	}
	if sr.BlockProtect0() {
		s = append(s, "BP0")
	}
	if sr.WriteEnabled() {
		s = append(s, "WEL")
	}
	if sr.Busy() {
		s = append(s, "WIP")
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}

// WriteEnable sets the write enable latch and polls until the device
// reports it. The latch clears itself after every program or erase, so
// it is needed before each one.
func (d *Driver) WriteEnable() error {
	cmd := instructionCommand(CmdWriteEnable)
	if err := d.bus.Command(&cmd, d.timing.Command); err != nil {
		return &OpError{Op: "write enable", Err: err}
	}
	poll := registerCommand(CmdReadStatusRegister, 1)
	cfg := PollConfig{Match: StatusWriteEnabled, Mask: StatusWriteEnabled, Interval: d.timing.PollInterval}
	if err := d.bus.AutoPoll(&poll, cfg, d.timing.Command); err != nil {
		return &OpError{Op: "write enable", Err: err}
	}
	return nil
}

// WaitReady polls the status register until the write in progress bit
// clears, or until timeout.
func (d *Driver) WaitReady(timeout time.Duration) error {
	poll := registerCommand(CmdReadStatusRegister, 1)
	cfg := PollConfig{Match: 0, Mask: StatusBusy, Interval: d.timing.PollInterval}
	return d.bus.AutoPoll(&poll, cfg, timeout)
}

// vcrDummyMask selects the dummy cycle field of the VCR.
const vcrDummyMask = 0xF0

// Configure programs the dummy cycle count into the volatile configuration
// register and reads it back. A device that does not keep the programmed
// bits would shift every fast read, so the mismatch is fatal.
func (d *Driver) Configure() error {
	if err := d.WriteEnable(); err != nil {
		return err
	}

	want := d.geo.volatileConfig()
	cmd := registerCommand(CmdWriteVolatileConfig, 1)
	if err := d.bus.Command(&cmd, d.timing.Command); err != nil {
		return &OpError{Op: "write VCR", Err: err}
	}
	if err := d.bus.Transmit([]byte{want}, d.timing.Command); err != nil {
		return &OpError{Op: "write VCR", Err: err}
	}

	got, err := d.ReadVolatileConfig()
	if err != nil {
		return err
	}
	if got&vcrDummyMask != want&vcrDummyMask {
		return fmt.Errorf("%w: wrote %#02x, read %#02x", ErrConfigMismatch, want, got)
	}
	d.log.Debug("volatile configuration set", "vcr", fmt.Sprintf("%#02x", got), "dummy", d.geo.DummyCycles)
	return nil
}

func (d *Driver) readRegister(op byte, buf []byte) error {
	cmd := registerCommand(op, len(buf))
	if err := d.bus.Command(&cmd, d.timing.Command); err != nil {
		return err
	}
	return d.bus.Receive(buf, d.timing.Command)
}

// ReadStatusRegister reads the status register once.
func (d *Driver) ReadStatusRegister() (StatusRegister, error) {
	var buf [1]byte
	if err := d.readRegister(CmdReadStatusRegister, buf[:]); err != nil {
		return 0, &OpError{Op: "read status", Err: err}
	}
	return StatusRegister(buf[0]), nil
}

// ReadVolatileConfig reads the volatile configuration register.
func (d *Driver) ReadVolatileConfig() (byte, error) {
	var buf [1]byte
	if err := d.readRegister(CmdReadVolatileConfig, buf[:]); err != nil {
		return 0, &OpError{Op: "read VCR", Err: err}
	}
	return buf[0], nil
}

// ReadID returns the JEDEC ID of the flash chip. It returns a non-empty name
// for known IDs. The extended device string is ignored.
func (d *Driver) ReadID() (id [3]byte, name string, err error) {
	if err = d.readRegister(CmdReadID, id[:]); err != nil {
		return id, "", &OpError{Op: "read ID", Err: err}
	}
	if params, ok := knownFlash[id]; ok {
		name = params.name
	}
	return id, name, nil
}
