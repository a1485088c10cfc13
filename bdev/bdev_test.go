package bdev

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/gentam/qnor"
	"github.com/gentam/qnor/sim"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newDevice(t *testing.T) (*Device, *sim.Chip) {
	t.Helper()
	chip := sim.New(16 << 20)
	cfg := qnor.DefaultConfig()
	cfg.Logger = quiet
	drv, err := qnor.New(qnor.NewSPIBus(chip.Port(), chip.CS()), cfg)
	if err != nil {
		t.Fatal(err)
	}
	d := New(1, quiet)
	if err := d.Configure(0, FlashOpener(drv, "nor")); err != nil {
		t.Fatal(err)
	}
	if err := d.Open(0, ReadWrite); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { d.Close(0) })
	return d, chip
}

func sectors(n int, seed byte) []byte {
	b := make([]byte, n*SectorSize)
	for i := range b {
		b[i] = byte(i*31) ^ seed
	}
	return b
}

func TestGeometry(t *testing.T) {
	d, chip := newDevice(t)
	chip.ResetCounts()
	info, err := d.Geometry(0)
	if err != nil {
		t.Fatal(err)
	}
	if info.SectorCount != 255*128 || info.SectorSize != 512 {
		t.Errorf("Geometry() = %+v", info)
	}
	if chip.Frames() != 0 {
		t.Error("Geometry() touched the flash")
	}
}

func TestAlignedAndUnalignedBuffers(t *testing.T) {
	d, _ := newDevice(t)
	data := sectors(3, 0x5A)

	// aligned write, unaligned read
	if err := d.WriteSectors(0, 10, 3, data); err != nil {
		t.Fatalf("WriteSectors() error = %v", err)
	}
	raw := make([]byte, len(data)+1)
	if err := d.ReadSectors(0, 10, 3, raw[1:]); err != nil {
		t.Fatalf("ReadSectors() error = %v", err)
	}
	if !bytes.Equal(raw[1:], data) {
		t.Error("unaligned read differs from aligned write")
	}

	// unaligned write, aligned read
	copy(raw[1:], sectors(3, 0xC3))
	if err := d.WriteSectors(0, 20, 3, raw[1:]); err != nil {
		t.Fatalf("WriteSectors() error = %v", err)
	}
	got := make([]byte, len(data))
	if err := d.ReadSectors(0, 20, 3, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, raw[1:]) {
		t.Error("aligned read differs from unaligned write")
	}
}

func TestOverwriteSector(t *testing.T) {
	d, _ := newDevice(t)
	first, second := sectors(2, 0x00), sectors(2, 0xFF)
	if err := d.WriteSectors(0, 127, 2, first); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteSectors(0, 127, 1, second[:SectorSize]); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 2*SectorSize)
	if err := d.ReadSectors(0, 127, 2, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:SectorSize], second[:SectorSize]) {
		t.Error("rewritten sector differs")
	}
	if !bytes.Equal(got[SectorSize:], first[SectorSize:]) {
		t.Error("sector in the next block changed")
	}
}

func TestInvalidRequests(t *testing.T) {
	d, chip := newDevice(t)
	chip.ResetCounts()
	buf := make([]byte, 2*SectorSize)
	total := uint64(255 * 128)

	tests := []struct {
		name string
		fn   func() error
	}{
		{"volume", func() error { return d.ReadSectors(1, 0, 1, buf) }},
		{"negative volume", func() error { return d.WriteSectors(-1, 0, 1, buf) }},
		{"nil buffer", func() error { return d.ReadSectors(0, 0, 1, nil) }},
		{"short buffer", func() error { return d.WriteSectors(0, 0, 3, buf) }},
		{"past end", func() error { return d.ReadSectors(0, total-1, 2, buf) }},
		{"start past end", func() error { return d.WriteSectors(0, total, 1, buf) }},
		{"geometry volume", func() error { _, err := d.Geometry(7); return err }},
		{"flush volume", func() error { return d.Flush(3) }},
		{"open mode", func() error { return d.Open(0, 0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if !errors.Is(err, unix.EINVAL) {
				t.Errorf("error = %v, want EINVAL", err)
			}
			if got := Status(err); got != -int(unix.EINVAL) {
				t.Errorf("Status() = %d, want %d", got, -int(unix.EINVAL))
			}
		})
	}
	if n := chip.Frames(); n != 0 {
		t.Errorf("%d frames reached the flash", n)
	}
}

func TestIOError(t *testing.T) {
	d, chip := newDevice(t)
	chip.FailNext(errors.New("bus fault"))
	err := d.ReadSectors(0, 0, 1, make([]byte, SectorSize))
	if !errors.Is(err, unix.EIO) {
		t.Fatalf("ReadSectors() error = %v, want EIO", err)
	}
	if got := Status(err); got != -int(unix.EIO) {
		t.Errorf("Status() = %d", got)
	}
	if Status(nil) != 0 {
		t.Error("Status(nil) != 0")
	}
}

func TestOpenClose(t *testing.T) {
	d, chip := newDevice(t)
	if err := d.Open(0, ReadWrite); err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if n := chip.Count(qnor.CmdWriteVolatileConfig); n != 1 {
		t.Errorf("flash configured %d times", n)
	}
	if err := d.Flush(0); err != nil {
		t.Errorf("Flush() error = %v", err)
	}

	if err := d.Close(0); err != nil {
		t.Fatal(err)
	}
	if err := d.Flush(0); !errors.Is(err, unix.EINVAL) {
		t.Errorf("Flush() on closed volume error = %v", err)
	}

	if err := d.Open(0, ReadOnly); err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if err := d.WriteSectors(0, 0, 1, make([]byte, SectorSize)); !errors.Is(err, unix.EINVAL) {
		t.Errorf("WriteSectors() on read-only volume error = %v", err)
	}
	if err := d.ReadSectors(0, 0, 1, make([]byte, SectorSize)); err != nil {
		t.Errorf("ReadSectors() error = %v", err)
	}
}

func TestOpenFailure(t *testing.T) {
	chip := sim.New(16 << 20)
	chip.StickVCR(0xF0)
	cfg := qnor.DefaultConfig()
	cfg.Logger = quiet
	drv, err := qnor.New(qnor.NewSPIBus(chip.Port(), chip.CS()), cfg)
	if err != nil {
		t.Fatal(err)
	}
	d := New(1, quiet)
	if err := d.Open(0, ReadWrite); !errors.Is(err, unix.EINVAL) {
		t.Errorf("Open() unconfigured error = %v", err)
	}
	if err := d.Configure(0, FlashOpener(drv, "nor")); err != nil {
		t.Fatal(err)
	}
	err = d.Open(0, ReadWrite)
	if !errors.Is(err, unix.EIO) || !errors.Is(err, qnor.ErrConfigMismatch) {
		t.Errorf("Open() error = %v, want EIO wrapping %v", err, qnor.ErrConfigMismatch)
	}
	if drv.State() != qnor.StateInitError {
		t.Errorf("driver state = %s", drv.State())
	}
}
