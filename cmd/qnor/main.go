// Command qnor reads, programs and tests a quad-SPI NOR flash through an
// FTDI MPSSE bridge or a simulated chip backed by an image file.
package main

import (
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"
	"periph.io/x/conn/v3/gpio"

	"github.com/gentam/qnor"
	"github.com/gentam/qnor/ftl"
	"github.com/gentam/qnor/sim"
)

var (
	simImage = flag.String("sim", "", "use a simulated chip backed by this image file instead of the FTDI bridge")
	verbose  = flag.BoolP("verbose", "v", false, "log every flash command")
)

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func fatalUsage(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(2)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
	qnor [--sim image] [-v] <command> [arguments]

Commands:
	info	 print flash ID, geometry and timing
	status	 print status and volatile configuration registers
	read	 read flash memory
	write	 program flash memory from a file
	erase	 erase blocks or the whole chip
	verify	 check that blocks are erased
	test	 run the block self-test
	sector	 read or write 512 byte sectors through the block device

Flags:
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.CommandLine.SetInterspersed(false)
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	args := flag.Args()[1:]
	switch cmd := flag.Arg(0); cmd {
	case "info":
		infoCmd(args)
	case "status":
		statusCmd(args)
	case "read":
		readCmd(args)
	case "write":
		writeCmd(args)
	case "erase":
		eraseCmd(args)
	case "verify":
		verifyCmd(args)
	case "test":
		testCmd(args)
	case "sector":
		sectorCmd(args)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %q\n", cmd)
		usage()
	}
}

// backend is an unconfigured driver on the selected bus.
type backend struct {
	drv   *qnor.Driver
	close func()
}

func openBackend() *backend {
	cfg := qnor.DefaultConfig()
	cfg.OnSystemError = func(code int, err error) error {
		fmt.Fprintf(os.Stderr, "system error %#x: %v\n", code, err)
		return nil
	}

	if *simImage != "" {
		chip, err := sim.OpenImage(*simImage, int(cfg.Geometry.Capacity))
		if err != nil {
			fatalf("open flash image failed: %v", err)
		}
		drv, err := qnor.New(qnor.NewSPIBus(chip.Port(), chip.CS()), cfg)
		if err != nil {
			fatalf("%v", err)
		}
		return &backend{drv: drv, close: func() {
			drv.Close()
			if err := chip.Close(); err != nil {
				fmt.Fprintln(os.Stderr, "close flash image failed:", err)
			}
		}}
	}

	ft, err := qnor.OpenFT232H()
	if err != nil {
		fatalf("failed to open FT2232H device: %v", err)
	}
	// MPSSE clocks one data line
	cfg.Lines = qnor.Lines1
	cfg.Geometry.DummyCycles = 8
	cfg.Bus = qnor.FT232HBusConfig()
	drv, err := qnor.New(ft.Bus, cfg)
	if err != nil {
		fatalf("%v", err)
	}
	if err := ft.HoldReset(gpio.Low); err != nil {
		fatalf("hold reset failed: %v", err)
	}
	return &backend{drv: drv, close: func() {
		drv.Close()
		ft.HoldReset(gpio.High)
		ft.Close()
	}}
}

// openDriver returns a configured driver.
func openDriver() *backend {
	b := openBackend()
	var inst ftl.Instance
	if err := b.drv.Setup(&inst); err != nil {
		b.close()
		fatalf("flash init failed: %v", err)
	}
	return b
}
