package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/gentam/qnor/bdev"
)

func sectorCmd(args []string) {
	fs := flag.NewFlagSet("sector", flag.ExitOnError)
	var (
		count   uint32
		outFile string
	)
	fs.Uint32VarP(&count, "count", "c", 1, "number of sectors to read")
	fs.StringVarP(&outFile, "output", "o", "", "output file for read (default: hexdump)")
	fs.Parse(args)
	if fs.NArg() < 2 {
		fatalUsage("usage: qnor sector read <sector> | qnor sector write <sector> <file>")
	}
	start, err := strconv.ParseUint(fs.Arg(1), 0, 64)
	if err != nil {
		fatalUsage("invalid sector %q: %v", fs.Arg(1), err)
	}

	b := openBackend()
	defer b.close()
	dev := bdev.New(1, nil)
	if err := dev.Configure(0, bdev.FlashOpener(b.drv, "qnor")); err != nil {
		fatalf("%v", err)
	}

	switch op := fs.Arg(0); op {
	case "read":
		if err := dev.Open(0, bdev.ReadOnly); err != nil {
			fatalf("open block device failed (%d): %v", bdev.Status(err), err)
		}
		defer dev.Close(0)
		buf := make([]byte, int(count)*bdev.SectorSize)
		if err := dev.ReadSectors(0, start, count, buf); err != nil {
			fatalf("read sectors failed (%d): %v", bdev.Status(err), err)
		}
		if outFile == "" {
			fmt.Print(hex.Dump(buf))
			return
		}
		if err := os.WriteFile(outFile, buf, 0o644); err != nil {
			fatalf("write file failed: %v", err)
		}
	case "write":
		if fs.NArg() != 3 {
			fatalUsage("usage: qnor sector write <sector> <file>")
		}
		data, err := os.ReadFile(fs.Arg(2))
		if err != nil {
			fatalf("%v", err)
		}
		// zero fill the last sector
		n := (len(data) + bdev.SectorSize - 1) / bdev.SectorSize
		buf := make([]byte, n*bdev.SectorSize)
		copy(buf, data)

		if err := dev.Open(0, bdev.ReadWrite); err != nil {
			fatalf("open block device failed (%d): %v", bdev.Status(err), err)
		}
		defer dev.Close(0)
		if err := dev.WriteSectors(0, start, uint32(n), buf); err != nil {
			fatalf("write sectors failed (%d): %v", bdev.Status(err), err)
		}
		if err := dev.Flush(0); err != nil {
			fatalf("flush failed: %v", err)
		}
		fmt.Fprintf(os.Stderr, "wrote %d sectors at %d\n", n, start)
	default:
		fatalUsage("unknown sector operation %q", op)
	}
}
