package qnor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Direction of an asynchronous data phase.
type Direction uint8

const (
	DirTransmit Direction = iota
	DirReceive
)

func (d Direction) String() string {
	switch d {
	case DirTransmit:
		return "transmit"
	case DirReceive:
		return "receive"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

// BusConfig configures the quad-SPI controller.
type BusConfig struct {
	Clock          physic.Frequency
	Mode           spi.Mode // clock polarity and phase
	FifoThreshold  int
	SampleShifting bool // sample half a cycle late
	ChipSelectHigh int  // minimum CS high time between commands, in clock cycles
	FlashSizeBits  int  // address bits decoded by the controller
}

// Chip select high times. Burst reads run with the short value.
const (
	csHighInit  = 6
	csHighRead  = 2
	csHighOther = 5
)

// DefaultBusConfig matches the STM32F412 QUADSPI setup: AHB/2, mode 0,
// half-cycle sample shifting and a 16MB window.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Clock:          50 * physic.MegaHertz,
		Mode:           spi.Mode0,
		FifoThreshold:  1,
		SampleShifting: true,
		ChipSelectHigh: csHighInit,
		FlashSizeBits:  24,
	}
}

// Transport issues quad-SPI frames.
//
// Init configures the controller exactly once; a second Init without a
// DeInit fails with ErrAlreadyInitialized. Command sends the instruction,
// address and dummy phases; a data phase is completed by one of Transmit,
// Receive, TransmitDMA or ReceiveDMA. The DMA variants return immediately
// and report completion through the callback registered with OnComplete;
// the buffer must not be touched until then.
type Transport interface {
	Init(cfg BusConfig) error
	DeInit() error

	Command(cmd *Command, timeout time.Duration) error
	Transmit(data []byte, timeout time.Duration) error
	Receive(data []byte, timeout time.Duration) error
	TransmitDMA(data []byte) error
	ReceiveDMA(data []byte) error

	// AutoPoll reads the status register with cmd until
	// status&cfg.Mask == cfg.Match, failing with ErrTimeout.
	AutoPoll(cmd *Command, cfg PollConfig, timeout time.Duration) error

	SetChipSelectHighTime(cycles int) error
	OnComplete(fn func(dir Direction, err error))
}

// completion holds the transmit and receive completion flags. A flag is
// armed by the thread starting a transfer, set once by the transport
// callback and consumed once by the waiter.
type completion struct {
	log *slog.Logger

	mu    sync.Mutex
	flags [2]flag
}

type flag struct {
	armed     bool
	abandoned bool // waiter timed out, the transfer is still in flight
	done      chan error
}

func newCompletion(log *slog.Logger) *completion {
	c := &completion{log: log}
	for i := range c.flags {
		c.flags[i].done = make(chan error, 1)
	}
	return c
}

// arm marks dir as outstanding. Only one transfer per direction may be in
// flight.
func (c *completion) arm(dir Direction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := &c.flags[dir]
	if f.armed {
		return fmt.Errorf("%w: %s", ErrTransferBusy, dir)
	}
	f.armed = true
	return nil
}

// disarm drops an armed flag whose transfer never started.
func (c *completion) disarm(dir Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags[dir].armed = false
}

// signal is the transport completion callback.
func (c *completion) signal(dir Direction, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := &c.flags[dir]
	switch {
	case !f.armed:
		c.log.Warn("spurious transfer completion", "dir", dir, "err", err)
	case f.abandoned:
		c.log.Warn("late transfer completion", "dir", dir, "err", err)
		f.armed, f.abandoned = false, false
	default:
		select {
		case f.done <- err:
		default:
			c.log.Warn("duplicate transfer completion", "dir", dir, "err", err)
		}
	}
}

// wait blocks until dir completes and clears the flag. It gives up after
// timeout; the flag then stays armed until the late completion arrives.
func (c *completion) wait(dir Direction, timeout time.Duration) error {
	f := &c.flags[dir]
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-f.done:
		c.disarm(dir)
		return err
	case <-timer.C:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case err := <-f.done:
		f.armed = false
		return err
	default:
		f.abandoned = true
		return fmt.Errorf("%w: %s after %v", ErrTransferTimeout, dir, timeout)
	}
}
