package qnor

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// fakeBus records commands and answers register reads from fields.
type fakeBus struct {
	mu       sync.Mutex
	cmds     []Command
	data     [][]byte // transmitted data phases
	pending  *Command
	init     bool
	vcr      byte
	vcrStick bool
	csHigh   []int
	dropDMA  bool // never complete DMA transfers
	pollErr  error
	cmdErr   error

	complete func(Direction, error)
}

func (b *fakeBus) Init(BusConfig) error {
	if b.init {
		return ErrAlreadyInitialized
	}
	b.init = true
	return nil
}

func (b *fakeBus) DeInit() error {
	b.init = false
	return nil
}

func (b *fakeBus) Command(cmd *Command, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmdErr != nil {
		return b.cmdErr
	}
	b.cmds = append(b.cmds, *cmd)
	if cmd.HasData() {
		c := *cmd
		b.pending = &c
	}
	return nil
}

func (b *fakeBus) take() *Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.pending
	b.pending = nil
	return c
}

func (b *fakeBus) Transmit(data []byte, _ time.Duration) error {
	c := b.take()
	if c == nil {
		return errors.New("no command")
	}
	if c.Instruction == CmdWriteVolatileConfig && !b.vcrStick {
		b.vcr = data[0]
	}
	b.data = append(b.data, append([]byte(nil), data...))
	return nil
}

func (b *fakeBus) Receive(data []byte, _ time.Duration) error {
	c := b.take()
	if c == nil {
		return errors.New("no command")
	}
	switch c.Instruction {
	case CmdReadVolatileConfig:
		data[0] = b.vcr
	case CmdReadID:
		copy(data, []byte{0x20, 0xBA, 0x18})
	}
	return nil
}

func (b *fakeBus) TransmitDMA(data []byte) error {
	if b.take() == nil {
		return errors.New("no command")
	}
	b.data = append(b.data, append([]byte(nil), data...))
	if !b.dropDMA {
		go b.complete(DirTransmit, nil)
	}
	return nil
}

func (b *fakeBus) ReceiveDMA(data []byte) error {
	if b.take() == nil {
		return errors.New("no command")
	}
	for i := range data {
		data[i] = 0xFF
	}
	if !b.dropDMA {
		go b.complete(DirReceive, nil)
	}
	return nil
}

func (b *fakeBus) AutoPoll(*Command, PollConfig, time.Duration) error { return b.pollErr }

func (b *fakeBus) SetChipSelectHighTime(cycles int) error {
	b.csHigh = append(b.csHigh, cycles)
	return nil
}

func (b *fakeBus) OnComplete(fn func(Direction, error)) { b.complete = fn }

// ops returns the instruction of every recorded command.
func (b *fakeBus) ops() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ops []byte
	for _, c := range b.cmds {
		ops = append(ops, c.Instruction)
	}
	return ops
}

func (b *fakeBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cmds, b.data, b.csHigh = nil, nil, nil
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newFakeDriver(t interface{ Fatalf(string, ...any) }, bus *fakeBus, cfg Config) *Driver {
	cfg.Logger = discard
	d, err := New(bus, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}
