package qnor

import (
	"fmt"
	"log/slog"

	"github.com/gentam/qnor/ftl"
)

// State is the driver lifecycle state.
type State uint8

const (
	StateNoInit State = iota
	StateReady
	StateInitError
)

func (s State) String() string {
	switch s {
	case StateNoInit:
		return "not initialized"
	case StateReady:
		return "ready"
	case StateInitError:
		return "init error"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// System error codes reported by the driver itself. The FTL passes its own
// codes to SystemError.
const (
	SysErrAddressRange = 0x100 + iota
	SysErrBlockRange
	SysErrLength
)

// ErrorHandler is called for every system error. code is the FTL or driver
// code, err the cause when the driver raised it. The returned error is
// handed back to the caller of SystemError; returning nil only records the
// condition. No handler stops execution: halting is the caller's choice.
type ErrorHandler func(code int, err error) error

// Config holds the driver settings. Use DefaultConfig as a starting point.
type Config struct {
	Geometry Geometry
	Timing   Timing
	Bus      BusConfig
	Lines    Lines // bus width of read and program data, Lines4 or Lines1

	Logger        *slog.Logger
	OnSystemError ErrorHandler
}

// DefaultConfig returns the N25Q128A setup on a quad-SPI controller.
func DefaultConfig() Config {
	return Config{
		Geometry: N25Q128A,
		Timing:   DefaultTiming(),
		Bus:      DefaultBusConfig(),
		Lines:    Lines4,
	}
}

// Driver is a NOR flash driver serving an FTL. It implements ftl.Driver.
//
// A Driver is not safe for concurrent use: it owns a single pair of
// completion flags and one verify buffer. Callers serialize access.
type Driver struct {
	geo    Geometry
	timing Timing
	busCfg BusConfig
	ops    opcodes
	bus    Transport
	log    *slog.Logger
	onErr  ErrorHandler

	done   *completion
	verify []uint32 // one logical sector, erase verify read-back
	state  State
}

var _ ftl.Driver = (*Driver)(nil)

// New returns a driver for the flash behind bus. The bus is not touched
// until Setup.
func New(bus Transport, cfg Config) (*Driver, error) {
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}
	ops, err := opcodesFor(cfg.Lines)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "qnor")

	d := &Driver{
		geo:    cfg.Geometry,
		timing: cfg.Timing.withDefaults(),
		busCfg: cfg.Bus,
		ops:    ops,
		bus:    bus,
		log:    log,
		onErr:  cfg.OnSystemError,
		done:   newCompletion(log),
		verify: make([]uint32, cfg.Geometry.SectorSize/4),
	}
	bus.OnComplete(d.done.signal)
	return d, nil
}

// Setup registers the driver in inst, initializes the bus and configures
// the device. It has the ftl.InitFunc signature. A configuration failure
// leaves the driver in StateInitError with the bus released.
func (d *Driver) Setup(inst *ftl.Instance) error {
	if d.state == StateReady {
		return ErrAlreadyInitialized
	}
	inst.BaseAddress = d.geo.BaseAddress
	inst.TotalBlocks = d.geo.BlockCount
	inst.WordsPerBlock = d.geo.WordsPerBlock()
	inst.SectorBuffer = make([]uint32, d.geo.SectorSize/4)
	inst.Driver = d

	if err := d.bus.Init(d.busCfg); err != nil {
		d.state = StateInitError
		return fmt.Errorf("qnor: bus init: %w", err)
	}
	if err := d.Configure(); err != nil {
		d.state = StateInitError
		if deinitErr := d.bus.DeInit(); deinitErr != nil {
			d.log.Warn("bus release failed", "err", deinitErr)
		}
		return fmt.Errorf("qnor: configure flash: %w", err)
	}

	d.state = StateReady
	d.log.Info("flash ready",
		"blocks", d.geo.BlockCount, "block_size", d.geo.BlockSize,
		"lines", d.ops.lines, "dummy", d.geo.DummyCycles)
	return nil
}

// Close releases the bus. The driver can be set up again afterwards.
func (d *Driver) Close() error {
	if d.state == StateNoInit {
		return nil
	}
	d.state = StateNoInit
	if err := d.bus.DeInit(); err != nil {
		return fmt.Errorf("qnor: bus deinit: %w", err)
	}
	return nil
}

// State returns the lifecycle state.
func (d *Driver) State() State { return d.state }

// Geometry returns the layout the driver was created with.
func (d *Driver) Geometry() Geometry { return d.geo }

// Timing returns the effective timing budgets.
func (d *Driver) Timing() Timing { return d.timing }

func (d *Driver) ready() error {
	if d.state != StateReady {
		return fmt.Errorf("%w: %s", ErrNotReady, d.state)
	}
	return nil
}

// SystemError records an error condition raised by the FTL. It does not
// retry or stop; the result of the configured handler is returned.
func (d *Driver) SystemError(code int) error {
	return d.systemError(code, nil)
}

func (d *Driver) systemError(code int, cause error) error {
	d.log.Error("system error", "code", code, "err", cause)
	if d.onErr == nil {
		return nil
	}
	return d.onErr(code, cause)
}
