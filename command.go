package qnor

import (
	"fmt"
	"time"
)

// Flash commands:
//   - [N25Q128A|Table 18: Command Set]
//   - [W25Q128|8.1.2 Instruction Set Table 1]
const (
	CmdReadID                 = 0x9F
	CmdRead                   = 0x03
	CmdFastRead               = 0x0B
	CmdQuadIOFastRead         = 0xEB
	CmdWriteEnable            = 0x06
	CmdWriteDisable           = 0x04
	CmdReadStatusRegister     = 0x05
	CmdReadFlagStatusRegister = 0x70
	CmdReadVolatileConfig     = 0x85
	CmdWriteVolatileConfig    = 0x81
	CmdPageProgram            = 0x02
	CmdExtQuadInputProgram    = 0x12
	CmdSubsectorErase         = 0x20 // 4KB
	CmdSectorErase            = 0xD8 // 64KB
	CmdBulkErase              = 0xC7
)

// Lines is the bus width of one frame phase.
type Lines uint8

const (
	LinesNone Lines = 0
	Lines1    Lines = 1
	Lines2    Lines = 2
	Lines4    Lines = 4
)

func (l Lines) String() string {
	if l == LinesNone {
		return "none"
	}
	return fmt.Sprintf("%d-line", uint8(l))
}

// Command describes one quad-SPI frame: a single-line instruction byte,
// an optional address, dummy clocks and an optional data phase. Commands
// with a data phase are completed by a Transmit or Receive on the
// transport.
type Command struct {
	Instruction      byte
	InstructionLines Lines
	Address          uint32
	AddressLines     Lines
	AddressSize      int // bytes, 3 for 24-bit addressing
	DummyCycles      int
	DataLines        Lines
	DataLength       int // bytes
}

// HasData reports whether the frame carries a data phase.
func (c *Command) HasData() bool {
	return c.DataLines != LinesNone && c.DataLength > 0
}

// DummyBytes is the number of whole bytes clocked during the dummy phase
// when the frame is serialised on a byte-oriented link. Dummy clocks run on
// the address lines.
func (c *Command) DummyBytes() int {
	return DummyBytes(c.DummyCycles, c.AddressLines)
}

// DummyBytes converts a dummy clock count on the given bus width into bytes.
func DummyBytes(cycles int, lines Lines) int {
	if cycles <= 0 {
		return 0
	}
	if lines == LinesNone {
		lines = Lines1
	}
	return (cycles*int(lines) + 7) / 8
}

// AppendHeader appends the instruction, address and dummy bytes of c to b.
func (c *Command) AppendHeader(b []byte) []byte {
	b = append(b, c.Instruction)
	if c.AddressLines != LinesNone {
		for i := c.AddressSize - 1; i >= 0; i-- {
			b = append(b, byte(c.Address>>(8*i)))
		}
	}
	for i := 0; i < c.DummyBytes(); i++ {
		b = append(b, 0xFF)
	}
	return b
}

func (c *Command) String() string {
	return fmt.Sprintf("cmd %#02x addr %#06x (%s) dummy %d data %d (%s)",
		c.Instruction, c.Address, c.AddressLines, c.DummyCycles, c.DataLength, c.DataLines)
}

// PollConfig is a status register auto-polling setup. Polling stops when
// status&Mask == Match.
type PollConfig struct {
	Match    byte
	Mask     byte
	Interval time.Duration
}

// opcodes selects the read and program instructions for the bus width.
type opcodes struct {
	read, program byte
	lines         Lines
}

func opcodesFor(l Lines) (opcodes, error) {
	switch l {
	case Lines4:
		// [N25Q128A|QUAD INPUT/OUTPUT FAST READ, EXTENDED QUAD INPUT FAST PROGRAM]
		return opcodes{read: CmdQuadIOFastRead, program: CmdExtQuadInputProgram, lines: Lines4}, nil
	case Lines1:
		return opcodes{read: CmdFastRead, program: CmdPageProgram, lines: Lines1}, nil
	}
	return opcodes{}, fmt.Errorf("qnor: unsupported bus width %s", l)
}

func (o opcodes) readCommand(off uint32, n, dummy int) Command {
	return Command{
		Instruction:      o.read,
		InstructionLines: Lines1,
		Address:          off,
		AddressLines:     o.lines,
		AddressSize:      3,
		DummyCycles:      dummy,
		DataLines:        o.lines,
		DataLength:       n,
	}
}

func (o opcodes) programCommand(off uint32, n int) Command {
	return Command{
		Instruction:      o.program,
		InstructionLines: Lines1,
		Address:          off,
		AddressLines:     o.lines,
		AddressSize:      3,
		DataLines:        o.lines,
		DataLength:       n,
	}
}

func registerCommand(op byte, n int) Command {
	return Command{
		Instruction:      op,
		InstructionLines: Lines1,
		DataLines:        Lines1,
		DataLength:       n,
	}
}

func instructionCommand(op byte) Command {
	return Command{Instruction: op, InstructionLines: Lines1}
}

func eraseCommand(op byte, off uint32) Command {
	return Command{
		Instruction:      op,
		InstructionLines: Lines1,
		Address:          off,
		AddressLines:     Lines1,
		AddressSize:      3,
	}
}
