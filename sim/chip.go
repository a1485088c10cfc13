// Package sim simulates a serial NOR flash chip behind a periph.io SPI
// connection, for running the driver without hardware.
//
// The chip decodes each SPI transaction as one command frame. Programming
// can only clear bits and wraps at the page boundary; erases set bits.
// Program and erase need the write enable latch, which clears together with
// the busy bit when the operation completes.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/gentam/qnor"
)

const (
	pageSize      = 256
	subsectorSize = 4 << 10
	sectorSize    = 64 << 10

	// VCR reset value: 15 dummy cycles (device default), XIP off, wrap off.
	defaultVCR = 0xFB
)

// MaxClock is the fastest clock Connect accepts.
const MaxClock = 108 * physic.MegaHertz

// Timing sets how long operations keep the chip busy. Zero completes an
// operation by the next status read.
type Timing struct {
	PageProgram time.Duration
	Erase       time.Duration
	BulkErase   time.Duration
}

// Chip is a simulated N25Q128A. It implements spi.Conn.
type Chip struct {
	mu sync.Mutex

	mem       []byte
	id        [3]byte
	timing    Timing
	vcr       byte
	wel       bool
	busy      bool
	busyUntil time.Time

	csWired  bool
	selected bool

	counts map[byte]int
	frames int

	// faults
	failNext  error
	stickVCR  byte
	stuckBusy bool
	stalls    map[byte]time.Duration
	badCells  map[uint32]bool

	closeMem func() error
}

// New returns a blank chip of capacity bytes.
func New(capacity int) *Chip {
	mem := make([]byte, capacity)
	for i := range mem {
		mem[i] = 0xFF
	}
	return NewWithMemory(mem)
}

// NewWithMemory returns a chip backed by mem, which it modifies in place.
func NewWithMemory(mem []byte) *Chip {
	return &Chip{
		mem:    mem,
		id:     [3]byte{0x20, 0xBA, 0x18},
		vcr:    defaultVCR,
		counts: map[byte]int{},
		stalls: map[byte]time.Duration{},
	}
}

func (c *Chip) String() string { return fmt.Sprintf("sim.Chip(%d bytes)", len(c.mem)) }

// Duplex implements conn.Conn.
func (c *Chip) Duplex() conn.Duplex { return conn.Full }

// SetID sets the JEDEC ID returned by READ ID.
func (c *Chip) SetID(id [3]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

// SetTiming sets the busy durations.
func (c *Chip) SetTiming(t Timing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timing = t
}

// FailNext makes the next transaction fail with err without effect.
func (c *Chip) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = err
}

// StickVCR keeps the bits in mask of the volatile configuration register at
// their current value when it is written.
func (c *Chip) StickVCR(mask byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stickVCR = mask
}

// StuckBusy keeps the busy bit set after the next program or erase.
func (c *Chip) StuckBusy(stuck bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stuckBusy = stuck
	if !stuck {
		c.busyUntil = time.Time{}
	}
}

// Stall delays every transaction starting with op by d. Zero removes it.
func (c *Chip) Stall(op byte, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d == 0 {
		delete(c.stalls, op)
		return
	}
	c.stalls[op] = d
}

// BadCells marks n bytes at off as worn: erasing leaves them at zero.
func (c *Chip) BadCells(off, n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.badCells == nil {
		c.badCells = map[uint32]bool{}
	}
	for i := off; i < off+n; i++ {
		c.badCells[i] = true
	}
}

// Count returns how many frames started with op.
func (c *Chip) Count(op byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[op]
}

// Frames returns the number of transactions seen.
func (c *Chip) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// ResetCounts clears the frame counters.
func (c *Chip) ResetCounts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = map[byte]int{}
	c.frames = 0
}

// Status returns the status register without a bus transaction.
func (c *Chip) Status() qnor.StatusRegister {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status()
}

// VCR returns the volatile configuration register.
func (c *Chip) VCR() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vcr
}

// Peek copies memory at off into b.
func (c *Chip) Peek(off uint32, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(b, c.mem[off:])
}

// Close releases the backing memory when it is a mapped image.
func (c *Chip) Close() error {
	if c.closeMem == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.closeMem()
	c.closeMem = nil
	c.mem = nil
	return err
}

// Tx runs one command frame. r, when not nil, has the length of w and
// receives the bytes the chip drives.
func (c *Chip) Tx(w, r []byte) error {
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("sim: read buffer of %d bytes for %d written", len(r), len(w))
	}
	if len(w) == 0 {
		return errors.New("sim: empty transaction")
	}

	c.mu.Lock()
	stall := c.stalls[w[0]]
	c.mu.Unlock()
	if stall > 0 {
		time.Sleep(stall)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.csWired && !c.selected {
		return errors.New("sim: transaction with chip select high")
	}
	if err := c.failNext; err != nil {
		c.failNext = nil
		return err
	}
	c.frames++
	c.counts[w[0]]++
	if r == nil {
		r = make([]byte, len(w))
	}
	return c.exec(w, r)
}

// TxPackets runs packets as one frame per run of KeepCS packets.
func (c *Chip) TxPackets(p []spi.Packet) error {
	var w, r []byte
	var dst [][]byte
	for _, pkt := range p {
		w = append(w, pkt.W...)
		r = append(r, make([]byte, len(pkt.W))...)
		dst = append(dst, pkt.R)
		if pkt.KeepCS {
			continue
		}
		if err := c.Tx(w, r); err != nil {
			return err
		}
		off := 0
		for _, d := range dst {
			copy(d, r[off:])
			off += len(d)
		}
		w, r, dst = nil, nil, nil
	}
	return nil
}

func (c *Chip) status() qnor.StatusRegister {
	if c.busy && !c.stuckBusy && !time.Now().Before(c.busyUntil) {
		c.busy, c.wel = false, false
	}
	var sr qnor.StatusRegister
	if c.busy {
		sr |= qnor.StatusBusy
	}
	if c.wel {
		sr |= qnor.StatusWriteEnabled
	}
	return sr
}

func (c *Chip) startBusy(d time.Duration) {
	c.busy = true
	c.busyUntil = time.Now().Add(d)
}

// dummyCycles returns the fast read dummy clocks selected by the VCR.
func (c *Chip) dummyCycles(op byte) int {
	n := int(c.vcr >> 4)
	if n == 0 || n == 15 {
		if op == qnor.CmdQuadIOFastRead {
			return 10
		}
		return 8
	}
	return n
}

func (c *Chip) exec(w, r []byte) error {
	op := w[0]
	busy := c.status().Busy()

	switch op {
	case qnor.CmdReadStatusRegister:
		sr := byte(c.status())
		for i := 1; i < len(r); i++ {
			r[i] = sr
		}
		return nil
	case qnor.CmdReadFlagStatusRegister:
		var fsr byte
		if !busy {
			fsr = 1 << 7
		}
		for i := 1; i < len(r); i++ {
			r[i] = fsr
		}
		return nil
	}
	if busy {
		// a busy device ignores everything but status reads
		return nil
	}

	switch op {
	case qnor.CmdWriteEnable:
		c.wel = true
	case qnor.CmdWriteDisable:
		c.wel = false
	case qnor.CmdReadID:
		copy(r[1:], c.id[:])
	case qnor.CmdReadVolatileConfig:
		for i := 1; i < len(r); i++ {
			r[i] = c.vcr
		}
	case qnor.CmdWriteVolatileConfig:
		if !c.wel || len(w) < 2 {
			return nil
		}
		c.vcr = w[1]&^c.stickVCR | c.vcr&c.stickVCR
		c.wel = false
	case qnor.CmdRead:
		return c.read(w, r, 0)
	case qnor.CmdFastRead:
		return c.read(w, r, qnor.DummyBytes(c.dummyCycles(op), qnor.Lines1))
	case qnor.CmdQuadIOFastRead:
		return c.read(w, r, qnor.DummyBytes(c.dummyCycles(op), qnor.Lines4))
	case qnor.CmdPageProgram, qnor.CmdExtQuadInputProgram:
		return c.program(w)
	case qnor.CmdSubsectorErase:
		return c.erase(w, subsectorSize)
	case qnor.CmdSectorErase:
		return c.erase(w, sectorSize)
	case qnor.CmdBulkErase:
		if !c.wel {
			return nil
		}
		c.fill(0, uint32(len(c.mem)))
		c.startBusy(c.timing.BulkErase)
	default:
		return fmt.Errorf("sim: unknown instruction %#02x", op)
	}
	return nil
}

func (c *Chip) address(w []byte) (uint32, error) {
	if len(w) < 4 {
		return 0, fmt.Errorf("sim: instruction %#02x without address", w[0])
	}
	addr := uint32(w[1])<<16 | uint32(w[2])<<8 | uint32(w[3])
	if int(addr) >= len(c.mem) {
		return 0, fmt.Errorf("sim: address %#06x beyond %d bytes", addr, len(c.mem))
	}
	return addr, nil
}

func (c *Chip) read(w, r []byte, dummy int) error {
	addr, err := c.address(w)
	if err != nil {
		return err
	}
	// reads wrap around the end of the array
	for i := 4 + dummy; i < len(r); i++ {
		r[i] = c.mem[int(addr)%len(c.mem)]
		addr++
	}
	return nil
}

func (c *Chip) program(w []byte) error {
	addr, err := c.address(w)
	if err != nil {
		return err
	}
	if !c.wel {
		return nil
	}
	page := addr &^ (pageSize - 1)
	col := addr % pageSize
	for _, b := range w[4:] {
		c.mem[page+col] &= b
		col = (col + 1) % pageSize
	}
	c.startBusy(c.timing.PageProgram)
	return nil
}

func (c *Chip) erase(w []byte, size uint32) error {
	addr, err := c.address(w)
	if err != nil {
		return err
	}
	if !c.wel {
		return nil
	}
	start := addr &^ (size - 1)
	c.fill(start, start+size)
	c.startBusy(c.timing.Erase)
	return nil
}

func (c *Chip) fill(start, end uint32) {
	for i := start; i < end; i++ {
		if c.badCells[i] {
			c.mem[i] = 0
			continue
		}
		c.mem[i] = 0xFF
	}
}

// Pin is the chip select line of a Chip. Transactions fail while it is
// high once it has been driven.
type Pin struct{ c *Chip }

// CS returns the chip select line.
func (c *Chip) CS() *Pin { return &Pin{c} }

func (p *Pin) String() string { return "sim.CS#" }

// Out drives the line; gpio.Low selects the chip.
func (p *Pin) Out(l gpio.Level) error {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	p.c.csWired = true
	p.c.selected = l == gpio.Low
	return nil
}

// Port is an SPI port with the chip attached. It implements spi.PortCloser.
type Port struct {
	c *Chip

	mu        sync.Mutex
	limit     physic.Frequency
	Frequency physic.Frequency // clock of the last Connect
	Mode      spi.Mode
}

// Port returns an SPI port connected to c.
func (c *Chip) Port() *Port { return &Port{c: c} }

func (p *Port) String() string { return "sim.Port" }

// Connect returns the chip. Mode 0 and 3 with 8 bit words are supported.
func (p *Port) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case mode&^spi.NoCS != spi.Mode0 && mode&^spi.NoCS != spi.Mode3:
		return nil, fmt.Errorf("sim: unsupported %s", mode)
	case bits != 8:
		return nil, fmt.Errorf("sim: unsupported %d bits per word", bits)
	case f <= 0 || f > MaxClock || (p.limit > 0 && f > p.limit):
		return nil, fmt.Errorf("sim: unsupported clock %s", f)
	}
	p.Frequency, p.Mode = f, mode
	return p.c, nil
}

func (p *Port) LimitSpeed(f physic.Frequency) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limit = f
	return nil
}

func (p *Port) Close() error { return nil }

var (
	_ spi.Conn       = (*Chip)(nil)
	_ spi.PortCloser = (*Port)(nil)
)
