package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/gentam/qnor"
	"github.com/gentam/qnor/ftl"
)

func infoCmd(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	fs.Parse(args)

	b := openDriver()
	defer b.close()
	d := b.drv

	id, name, err := d.ReadID()
	if err != nil {
		fatalf("read flash ID failed: %v", err)
	}
	if name == "" {
		name = "unknown"
	}
	g, t := d.Geometry(), d.Timing()
	fmt.Printf("ID\t%X\t%s\n", id, name)
	fmt.Printf("window\t%#08x-%#08x\n", g.LowAddress(), g.HighAddress())
	fmt.Printf("blocks\t%d x %d bytes\n", g.BlockCount, g.BlockSize)
	fmt.Printf("page\t%d bytes\n", g.PageSize)
	fmt.Printf("sector\t%d bytes, %d per block\n", g.SectorSize, g.SectorsPerBlock())
	fmt.Printf("dummy\t%d cycles\n", g.DummyCycles)
	fmt.Printf("timing\tprogram %v, subsector %v, sector %v, bulk %v\n",
		t.PageProgram, t.SubsectorErase, t.SectorErase, t.BulkErase)
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Parse(args)

	b := openDriver()
	defer b.close()

	sr, err := b.drv.ReadStatusRegister()
	if err != nil {
		fatalf("read status register failed: %v", err)
	}
	vcr, err := b.drv.ReadVolatileConfig()
	if err != nil {
		fatalf("read volatile configuration failed: %v", err)
	}
	fmt.Printf("SR\t%s\n", sr)
	fmt.Printf("VCR\t%08b\n", vcr)
}

// parseAddr accepts a logical address or a device offset.
func parseAddr(g qnor.Geometry, s string) uint32 {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		fatalUsage("invalid address %q: %v", s, err)
	}
	addr := uint32(v)
	if addr < g.LowAddress() {
		if addr, err = g.ToLogicalAddress(addr); err != nil {
			fatalUsage("%v", err)
		}
	}
	return addr
}

func readCmd(args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	var (
		addrStr  string
		nread    int
		outFile  string
		checksum bool
	)
	fs.StringVarP(&addrStr, "addr", "a", "0", "start address, logical or device offset")
	fs.IntVarP(&nread, "length", "n", 256, "number of bytes to read, a multiple of 4")
	fs.StringVarP(&outFile, "output", "o", "", "output file (default: hexdump)")
	fs.BoolVar(&checksum, "crc", false, "print the CRC-32 of the data")
	fs.Parse(args)
	if nread <= 0 || nread%4 != 0 {
		fatalUsage("length %d is not a positive multiple of 4", nread)
	}

	b := openDriver()
	defer b.close()
	d := b.drv
	addr := parseAddr(d.Geometry(), addrStr)

	// [AN_108] an MPSSE transaction carries at most 64KB
	const maxChunk = 32 << 10
	words := make([]uint32, nread/4)
	for off := 0; off < len(words); off += maxChunk / 4 {
		chunk := words[off:min(off+maxChunk/4, len(words))]
		if err := d.Read(addr+uint32(off*4), chunk); err != nil {
			fatalf("read flash failed: %v", err)
		}
	}
	data := ftl.Bytes(words)

	if checksum {
		fmt.Fprintf(os.Stderr, "crc32\t%08x\n", qnor.Checksum(data))
	}
	if outFile == "" {
		fmt.Print(hex.Dump(data))
		return
	}
	if err := os.WriteFile(outFile, data, 0o644); err != nil {
		fatalf("write file failed: %v", err)
	}
}

func writeCmd(args []string) {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	var (
		addrStr string
		erase   bool
	)
	fs.StringVarP(&addrStr, "addr", "a", "0", "start address, logical or device offset")
	fs.BoolVar(&erase, "erase", false, "erase the blocks covered before programming")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatalUsage("usage: qnor write [--addr A] [--erase] <file|->")
	}

	var r io.Reader = os.Stdin
	if name := fs.Arg(0); name != "-" {
		f, err := os.Open(name)
		if err != nil {
			fatalf("%v", err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		fatalf("read input failed: %v", err)
	}
	if len(data) == 0 {
		fatalUsage("nothing to write")
	}
	// pad to whole words with the erased value
	for len(data)%4 != 0 {
		data = append(data, 0xFF)
	}

	b := openDriver()
	defer b.close()
	d := b.drv
	g := d.Geometry()
	addr := parseAddr(g, addrStr)
	if addr%4 != 0 {
		fatalUsage("address %#08x is not word aligned", addr)
	}

	if erase {
		first := (addr - g.BaseAddress) / g.BlockSize
		last := (addr - g.BaseAddress + uint32(len(data)) - 1) / g.BlockSize
		if err := d.EraseBlock(first, last-first+1); err != nil {
			fatalf("erase failed: %v", err)
		}
	}

	words := make([]uint32, len(data)/4)
	copy(ftl.Bytes(words), data)
	if err := d.Write(addr, words); err != nil {
		fatalf("write flash failed: %v", err)
	}
	fmt.Fprintf(os.Stderr, "wrote %d bytes at %#08x, crc32 %08x\n", len(data), addr, qnor.Checksum(data))
}

func eraseCmd(args []string) {
	fs := flag.NewFlagSet("erase", flag.ExitOnError)
	var (
		block, count uint32
		bulk         bool
	)
	fs.Uint32VarP(&block, "block", "b", 0, "first block")
	fs.Uint32VarP(&count, "count", "c", 1, "number of blocks")
	fs.BoolVar(&bulk, "bulk", false, "erase the whole chip")
	fs.Parse(args)

	b := openDriver()
	defer b.close()

	if bulk {
		if err := b.drv.BulkErase(); err != nil {
			fatalf("bulk erase failed: %v", err)
		}
		return
	}
	if err := b.drv.EraseBlock(block, count); err != nil {
		fatalf("erase failed: %v", err)
	}
}

func verifyCmd(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	var block, count uint32
	fs.Uint32VarP(&block, "block", "b", 0, "first block")
	fs.Uint32VarP(&count, "count", "c", 1, "number of blocks")
	fs.Parse(args)

	b := openDriver()
	defer b.close()

	failed := false
	for i := block; i < block+max(count, 1); i++ {
		if err := b.drv.VerifyErased(i); err != nil {
			fmt.Printf("%d\t%v\n", i, err)
			failed = true
			continue
		}
		fmt.Printf("%d\terased\n", i)
	}
	if failed {
		os.Exit(1)
	}
}

func testCmd(args []string) {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	var (
		block, count uint32
		patternHex   string
	)
	fs.Uint32VarP(&block, "block", "b", 0, "first block")
	fs.Uint32VarP(&count, "count", "c", 1, "number of blocks")
	fs.StringVarP(&patternHex, "pattern", "p", "55aa33cc", "fill pattern, hex")
	fs.Parse(args)

	pattern, err := hex.DecodeString(patternHex)
	if err != nil {
		fatalUsage("invalid pattern: %v", err)
	}

	b := openDriver()
	defer b.close()

	failed := false
	for i := block; i < block+max(count, 1); i++ {
		rep, err := b.drv.TestBlock(i, pattern)
		if err != nil {
			fatalf("%v", err)
		}
		if rep.Result != qnor.TestPassed {
			fmt.Printf("%d\t%s\t%v\n", rep.Block, rep.Result, rep.Err)
			failed = true
			continue
		}
		fmt.Printf("%d\t%s\tcrc32 %08x\n", rep.Block, rep.Result, rep.Checksum)
	}
	if failed {
		os.Exit(1)
	}
}
