package qnor

import (
	"errors"
	"fmt"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"
)

// FT232H is a flash chip wired to the MPSSE port of an FTDI FT232H/FT2232H.
// The MPSSE engine clocks a single data line, so use the bus with Lines1.
type FT232H struct {
	FTDI *ftdi.FT232H
	Bus  *SPIBus

	port  spi.PortCloser
	reset gpio.PinIO // ADBUS7, holds a bus co-master (e.g. an FPGA) off the flash
}

var hostInitialized atomic.Bool

// MaxFT232HClock is the fastest MPSSE SPI clock. [AN_135 3.2.1 Divisors]
const MaxFT232HClock = 30 * physic.MegaHertz

// OpenFT232H finds an FT2232H device and returns a bus on its MPSSE SPI
// port. The bus is not initialized.
func OpenFT232H() (*FT232H, error) {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("host initialization failed: %w", err)
		}
	}

	ft, err := findFT2232H()
	if err != nil {
		return nil, err
	}
	port, err := ft.SPI()
	if err != nil {
		return nil, fmt.Errorf("failed to get SPI port: %w", err)
	}

	// ADBUS0 | SCK
	// ADBUS1 | MOSI / DQ0
	// ADBUS2 | MISO / DQ1
	// ADBUS4 | S#
	// ADBUS7 | co-master reset
	return &FT232H{
		FTDI:  ft,
		Bus:   NewSPIBus(port, ft.D4),
		port:  port,
		reset: ft.D7,
	}, nil
}

// FT232HBusConfig returns a bus configuration the MPSSE engine supports.
func FT232HBusConfig() BusConfig {
	cfg := DefaultBusConfig()
	cfg.Clock = MaxFT232HClock
	// [FTDI AN_114|1.2] > FTDI device can only support mode 0 and mode 2 due to the limitation of MPSSE engine
	// [N25Q128A|SPI Modes] mode 0 and mode 3 are supported
	cfg.Mode = spi.Mode0
	return cfg
}

// HoldReset drives the co-master reset line; gpio.Low holds it in reset so
// it releases the SPI bus.
func (f *FT232H) HoldReset(l gpio.Level) error {
	return f.reset.Out(l)
}

// Close releases the SPI port.
func (f *FT232H) Close() error {
	return f.port.Close()
}

func findFT2232H() (*ftdi.FT232H, error) {
	const (
		vendorID  = 0x0403 // FTDI
		productID = 0x6010 // FT2232H
	)

	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorID || info.DevID != productID {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			return ft, nil
		}
	}

	return nil, errors.New("FT2232H device not found")
}
