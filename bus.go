package qnor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Connector opens a SPI connection. spi.Port and spi.PortCloser satisfy it.
type Connector interface {
	Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error)
}

// ChipSelect drives the flash CS# line. gpio.PinOut satisfies it.
type ChipSelect interface {
	Out(l gpio.Level) error
}

// SPIBus is a Transport on top of a periph.io SPI connection.
//
// Each frame is sent as one SPI transaction: instruction, 24-bit address,
// dummy bytes and data. The connection has no chip select timing register,
// so SetChipSelectHighTime only records the value. DMA transfers run the
// transaction on a goroutine and report through the completion callback.
type SPIBus struct {
	port Connector
	cs   ChipSelect // nil when the controller drives CS itself

	mu         sync.Mutex
	conn       spi.Conn
	cfg        BusConfig
	csHigh     int
	pending    *Command
	onComplete func(Direction, error)
}

// NewSPIBus returns a bus using port for transactions and cs as chip select.
func NewSPIBus(port Connector, cs ChipSelect) *SPIBus {
	return &SPIBus{port: port, cs: cs}
}

func (b *SPIBus) Init(cfg BusConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return ErrAlreadyInitialized
	}
	conn, err := b.port.Connect(cfg.Clock, cfg.Mode, 8)
	if err != nil {
		return fmt.Errorf("failed to connect SPI port: %w", err)
	}
	if b.cs != nil {
		if err := b.cs.Out(gpio.High); err != nil {
			return fmt.Errorf("failed to release chip select: %w", err)
		}
	}
	b.conn = conn
	b.cfg = cfg
	b.csHigh = cfg.ChipSelectHigh
	return nil
}

func (b *SPIBus) DeInit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn = nil
	b.pending = nil
	return nil
}

// Config returns the configuration of the last Init.
func (b *SPIBus) Config() BusConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

func (b *SPIBus) OnComplete(fn func(Direction, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onComplete = fn
}

func (b *SPIBus) SetChipSelectHighTime(cycles int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return ErrBusClosed
	}
	b.csHigh = cycles
	return nil
}

// ChipSelectHighTime returns the last value set with SetChipSelectHighTime.
func (b *SPIBus) ChipSelectHighTime() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.csHigh
}

func (b *SPIBus) Command(cmd *Command, timeout time.Duration) error {
	if cmd.HasData() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.conn == nil {
			return ErrBusClosed
		}
		c := *cmd
		b.pending = &c
		return nil
	}
	return b.timed(timeout, func() error {
		return b.tx(cmd.AppendHeader(nil), nil)
	})
}

func (b *SPIBus) Transmit(data []byte, timeout time.Duration) error {
	cmd, err := b.takePending(len(data))
	if err != nil {
		return err
	}
	return b.timed(timeout, func() error { return b.write(cmd, data) })
}

func (b *SPIBus) Receive(data []byte, timeout time.Duration) error {
	cmd, err := b.takePending(len(data))
	if err != nil {
		return err
	}
	return b.timed(timeout, func() error { return b.read(cmd, data) })
}

func (b *SPIBus) TransmitDMA(data []byte) error {
	cmd, err := b.takePending(len(data))
	if err != nil {
		return err
	}
	go func() { b.complete(DirTransmit, b.write(cmd, data)) }()
	return nil
}

func (b *SPIBus) ReceiveDMA(data []byte) error {
	cmd, err := b.takePending(len(data))
	if err != nil {
		return err
	}
	go func() { b.complete(DirReceive, b.read(cmd, data)) }()
	return nil
}

// AutoPoll polls the status register's masked bits with the configured
// interval, or until the timeout expires.
func (b *SPIBus) AutoPoll(cmd *Command, cfg PollConfig, timeout time.Duration) error {
	var status [1]byte
	poll := func() (bool, error) {
		c := *cmd
		c.DataLength = len(status)
		if err := b.read(&c, status[:]); err != nil {
			return false, err
		}
		return status[0]&cfg.Mask == cfg.Match, nil
	}

	// Fast path
	if ok, err := poll(); err != nil || ok {
		return err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 100 * time.Microsecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			// one last look, the device may have finished while we slept
			if ok, err := poll(); err != nil || ok {
				return err
			}
			return fmt.Errorf("%w: status %s after %v", ErrTimeout, StatusRegister(status[0]), timeout)
		case <-ticker.C:
			if ok, err := poll(); err != nil || ok {
				return err
			}
		}
	}
}

func (b *SPIBus) takePending(n int) (*Command, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil, ErrBusClosed
	}
	cmd := b.pending
	b.pending = nil
	if cmd == nil {
		return nil, errors.New("qnor: data phase without command")
	}
	if cmd.DataLength != n {
		return nil, fmt.Errorf("%w: command expects %d bytes, buffer has %d", ErrLength, cmd.DataLength, n)
	}
	return cmd, nil
}

func (b *SPIBus) write(cmd *Command, data []byte) error {
	hdr := cmd.AppendHeader(make([]byte, 0, 8+len(data)))
	return b.tx(append(hdr, data...), nil)
}

func (b *SPIBus) read(cmd *Command, data []byte) error {
	w := cmd.AppendHeader(make([]byte, 0, 8+len(data)))
	n := len(w)
	w = append(w, make([]byte, len(data))...)
	r := make([]byte, len(w))
	if err := b.tx(w, r); err != nil {
		return err
	}
	copy(data, r[n:])
	return nil
}

// tx wraps SPI transaction with CS assertion.
func (b *SPIBus) tx(w, r []byte) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return ErrBusClosed
	}
	if b.cs != nil {
		if err = b.cs.Out(gpio.Low); err != nil {
			return err
		}
		defer func() {
			if csErr := b.cs.Out(gpio.High); csErr != nil && err == nil {
				err = csErr
			}
		}()
	}
	return b.conn.Tx(w, r)
}

// timed runs a synchronous transaction and reports an overrun of its
// budget as ErrTimeout.
func (b *SPIBus) timed(timeout time.Duration, fn func() error) error {
	start := time.Now()
	if err := fn(); err != nil {
		return err
	}
	if timeout > 0 {
		if elapsed := time.Since(start); elapsed > timeout {
			return fmt.Errorf("%w: transaction took %v", ErrTimeout, elapsed)
		}
	}
	return nil
}

func (b *SPIBus) complete(dir Direction, err error) {
	b.mu.Lock()
	fn := b.onComplete
	b.mu.Unlock()
	if fn != nil {
		fn(dir, err)
	}
}
