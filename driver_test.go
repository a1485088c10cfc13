package qnor

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gentam/qnor/ftl"
)

func setupFake(t *testing.T, cfg Config) (*Driver, *fakeBus, *ftl.Instance) {
	t.Helper()
	bus := &fakeBus{}
	d := newFakeDriver(t, bus, cfg)
	var inst ftl.Instance
	if err := d.Setup(&inst); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	bus.reset()
	return d, bus, &inst
}

func TestSetupFillsInstance(t *testing.T) {
	d, bus, inst := setupFake(t, DefaultConfig())

	if inst.Driver != d {
		t.Error("instance does not reference the driver")
	}
	if inst.BaseAddress != 0x90000000 || inst.TotalBlocks != 255 || inst.WordsPerBlock != 16384 {
		t.Errorf("instance = %#x/%d/%d", inst.BaseAddress, inst.TotalBlocks, inst.WordsPerBlock)
	}
	if len(inst.SectorBuffer) != ftl.SectorWords {
		t.Errorf("sector buffer has %d words", len(inst.SectorBuffer))
	}
	if bus.vcr != 0xAF {
		t.Errorf("VCR = %#02x, want 0xaf", bus.vcr)
	}
	if d.State() != StateReady {
		t.Errorf("State() = %s", d.State())
	}
	if err := d.Setup(inst); err == nil {
		t.Error("second Setup() without Close succeeded")
	}
}

func TestSetupConfigMismatch(t *testing.T) {
	bus := &fakeBus{vcr: 0xFB, vcrStick: true}
	d := newFakeDriver(t, bus, DefaultConfig())
	var inst ftl.Instance
	err := d.Setup(&inst)
	if !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("Setup() error = %v, want %v", err, ErrConfigMismatch)
	}
	if d.State() != StateInitError {
		t.Errorf("State() = %s, want %s", d.State(), StateInitError)
	}
	if bus.init {
		t.Error("bus left initialized after failed setup")
	}
	if err := d.Read(0x90000000, make([]uint32, 4)); !errors.Is(err, ErrNotReady) {
		t.Errorf("Read() error = %v, want %v", err, ErrNotReady)
	}
}

func TestWriteSplitsAtPages(t *testing.T) {
	tests := []struct {
		name  string
		off   uint32
		bytes int
		want  [][2]uint32 // offset, length
	}{
		{"one word", 0x10, 4, [][2]uint32{{0x10, 4}}},
		{"full page", 0x100, 256, [][2]uint32{{0x100, 256}}},
		{"page end", 0xFC, 8, [][2]uint32{{0xFC, 4}, {0x100, 4}}},
		{"mid page three pages", 0x80, 600, [][2]uint32{{0x80, 128}, {0x100, 256}, {0x200, 216}}},
		{"aligned tail", 0x200, 516, [][2]uint32{{0x200, 256}, {0x300, 256}, {0x400, 4}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, bus, _ := setupFake(t, DefaultConfig())
			src := make([]uint32, tt.bytes/4)
			for i := range src {
				src[i] = uint32(i)
			}
			if err := d.Write(0x90000000+tt.off, src); err != nil {
				t.Fatalf("Write() error = %v", err)
			}

			var got [][2]uint32
			for _, c := range bus.cmds {
				switch c.Instruction {
				case CmdExtQuadInputProgram:
					got = append(got, [2]uint32{c.Address, uint32(c.DataLength)})
				case CmdWriteEnable:
				default:
					t.Errorf("unexpected command %s", &c)
				}
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("program chunks = %v, want %v", got, tt.want)
			}
			if n := len(bus.ops()); n != 2*len(tt.want) {
				t.Errorf("%d commands, want write enable before each of %d chunks", n, len(tt.want))
			}
		})
	}
}

func TestRangeErrorsIssueNoCommands(t *testing.T) {
	halt := errors.New("halt")
	var (
		codes   []int
		verdict error
	)
	cfg := DefaultConfig()
	cfg.OnSystemError = func(code int, err error) error {
		codes = append(codes, code)
		return verdict
	}
	d, bus, _ := setupFake(t, cfg)

	tests := []struct {
		name string
		fn   func() error
		want error
		code int
		text string // logical address or block named in the message
	}{
		{"read below base", func() error { return d.Read(0x8FFFFFFC, make([]uint32, 1)) }, ErrAddressRange, SysErrAddressRange, "0x8ffffffc"},
		{"read past end", func() error { return d.Read(0x90FFFFFC, make([]uint32, 2)) }, ErrAddressRange, SysErrAddressRange, "0x90fffffc"},
		{"write empty", func() error { return d.Write(0x90000000, nil) }, ErrLength, SysErrLength, "0 words"},
		{"write past end", func() error { return d.Write(0x91000000, make([]uint32, 1)) }, ErrAddressRange, SysErrAddressRange, "0x91000000"},
		{"erase block count", func() error { return d.EraseBlock(255, 1) }, ErrBlockRange, SysErrBlockRange, "[255, 256)"},
		{"erase run past end", func() error { return d.EraseBlock(250, 6) }, ErrBlockRange, SysErrBlockRange, "[250, 256)"},
		{"verify block count", func() error { return d.VerifyErased(300) }, ErrBlockRange, SysErrBlockRange, "block 300"},
	}
	for _, v := range []error{nil, halt} {
		verdict = v
		for _, tt := range tests {
			t.Run(fmt.Sprintf("%s/verdict %v", tt.name, v), func(t *testing.T) {
				codes = nil
				err := tt.fn()
				if !errors.Is(err, tt.want) {
					t.Errorf("error = %v, want %v", err, tt.want)
				}
				if got := errors.Is(err, halt); got != (v != nil) {
					t.Errorf("errors.Is(%v, halt) = %v", err, got)
				}
				var opErr *OpError
				if !errors.As(err, &opErr) {
					t.Fatalf("error %T is not an *OpError", err)
				}
				if msg := err.Error(); !strings.Contains(msg, tt.text) || strings.Contains(msg, "at 0x000000:") {
					t.Errorf("error message %q", msg)
				}
				if !slices.Equal(codes, []int{tt.code}) {
					t.Errorf("system error codes = %v, want [%#x]", codes, tt.code)
				}
				if ops := bus.ops(); len(ops) != 0 {
					t.Errorf("issued commands %x", ops)
				}
			})
		}
	}
}

func TestSystemErrorVerdict(t *testing.T) {
	halt := errors.New("halt")
	cfg := DefaultConfig()
	cfg.OnSystemError = func(code int, err error) error {
		if code == ftl.CodeVerifyFailed {
			return halt
		}
		return nil
	}
	d, _, _ := setupFake(t, cfg)
	if err := d.SystemError(ftl.CodeReadFailed); err != nil {
		t.Errorf("SystemError(read) = %v, want nil", err)
	}
	if err := d.SystemError(ftl.CodeVerifyFailed); !errors.Is(err, halt) {
		t.Errorf("SystemError(verify) = %v, want %v", err, halt)
	}
}

func TestEraseBlock(t *testing.T) {
	tests := []struct {
		name        string
		blockSize   uint32
		block, n    uint32
		wantOp      byte
		wantAddress []uint32
	}{
		{"count zero erases one", 64 << 10, 3, 0, CmdSectorErase, []uint32{0x30000}},
		{"run of three", 64 << 10, 1, 3, CmdSectorErase, []uint32{0x10000, 0x20000, 0x30000}},
		{"subsectors", 4 << 10, 2, 2, CmdSubsectorErase, []uint32{0x2000, 0x3000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Geometry.BlockSize = tt.blockSize
			d, bus, _ := setupFake(t, cfg)
			if err := d.EraseBlock(tt.block, tt.n); err != nil {
				t.Fatalf("EraseBlock() error = %v", err)
			}
			var got []uint32
			for _, c := range bus.cmds {
				if c.Instruction == tt.wantOp {
					got = append(got, c.Address)
				}
			}
			if !slices.Equal(got, tt.wantAddress) {
				t.Errorf("erased %x, want %x", got, tt.wantAddress)
			}
		})
	}
}

func TestReadChipSelectTiming(t *testing.T) {
	d, bus, _ := setupFake(t, DefaultConfig())
	if err := d.Read(0x90000100, make([]uint32, 8)); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !slices.Equal(bus.csHigh, []int{csHighRead, csHighOther}) {
		t.Errorf("chip select high times = %v, want [2 5]", bus.csHigh)
	}
	c := bus.cmds[0]
	if c.Instruction != CmdQuadIOFastRead || c.Address != 0x100 || c.DummyCycles != 10 || c.DataLength != 32 {
		t.Errorf("read command = %s", &c)
	}
}

func TestTransferTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timing.Transfer = 10 * time.Millisecond
	d, bus, _ := setupFake(t, cfg)
	bus.dropDMA = true

	err := d.Read(0x90000000, make([]uint32, 4))
	if !errors.Is(err, ErrTransferTimeout) {
		t.Fatalf("Read() error = %v, want %v", err, ErrTransferTimeout)
	}
	// flag stays armed until the late completion
	if err := d.Read(0x90000000, make([]uint32, 4)); !errors.Is(err, ErrTransferBusy) {
		t.Errorf("Read() while abandoned error = %v, want %v", err, ErrTransferBusy)
	}
	bus.complete(DirReceive, nil)

	bus.dropDMA = false
	if err := d.Read(0x90000000, make([]uint32, 4)); err != nil {
		t.Errorf("Read() after late completion error = %v", err)
	}
}

func TestPollFailureAbortsWrite(t *testing.T) {
	d, bus, _ := setupFake(t, DefaultConfig())
	bus.pollErr = ErrTimeout
	err := d.Write(0x90000000, make([]uint32, 128))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Write() error = %v, want %v", err, ErrTimeout)
	}
	if ops := bus.ops(); !slices.Equal(ops, []byte{CmdWriteEnable}) {
		t.Errorf("commands = %x, want only write enable", ops)
	}
}

func TestLinesOneProfile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lines = Lines1
	cfg.Geometry.DummyCycles = 8
	d, bus, _ := setupFake(t, cfg)
	if err := d.Write(0x90000000, make([]uint32, 1)); err != nil {
		t.Fatal(err)
	}
	if err := d.Read(0x90000000, make([]uint32, 1)); err != nil {
		t.Fatal(err)
	}
	ops := bus.ops()
	if !slices.Contains(ops, CmdPageProgram) || !slices.Contains(ops, CmdFastRead) {
		t.Errorf("commands = %x, want page program and fast read", ops)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lines = Lines2
	if _, err := New(&fakeBus{}, cfg); err == nil {
		t.Error("New() accepted dual lines")
	}
	cfg = DefaultConfig()
	cfg.Geometry.BlockSize = 32 << 10
	if _, err := New(&fakeBus{}, cfg); err == nil {
		t.Error("New() accepted 32KB blocks")
	}
}
