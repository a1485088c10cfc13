package qnor

import (
	"bytes"
	"fmt"

	"github.com/snksoft/crc"

	"github.com/gentam/qnor/ftl"
)

// TestResult is the outcome of a block self-test.
type TestResult uint8

const (
	TestPassed TestResult = iota
	TestEraseFailed
	TestEraseVerifyFailed
	TestWriteFailed
	TestReadFailed
	TestCompareFailed
)

func (r TestResult) String() string {
	switch r {
	case TestPassed:
		return "passed"
	case TestEraseFailed:
		return "erase failed"
	case TestEraseVerifyFailed:
		return "erase verify failed"
	case TestWriteFailed:
		return "write failed"
	case TestReadFailed:
		return "read failed"
	case TestCompareFailed:
		return "compare failed"
	}
	return fmt.Sprintf("TestResult(%d)", uint8(r))
}

// TestReport describes one tested block.
type TestReport struct {
	Block    uint32
	Result   TestResult
	Err      error
	Checksum uint32 // CRC-32 of the block as read back
}

// TestBlock erases block, verifies the erase, fills the block with copies
// of pattern and reads it back. The block is left programmed.
func (d *Driver) TestBlock(block uint32, pattern []byte) (TestReport, error) {
	rep := TestReport{Block: block}
	n := uint32(len(pattern))
	if n == 0 || n%4 != 0 || d.geo.BlockSize%n != 0 {
		return rep, fmt.Errorf("%w: pattern of %d bytes does not tile a %d byte block", ErrLength, n, d.geo.BlockSize)
	}
	if err := d.ready(); err != nil {
		return rep, err
	}

	fail := func(r TestResult, err error) (TestReport, error) {
		rep.Result, rep.Err = r, err
		return rep, nil
	}

	if err := d.EraseBlock(block, 1); err != nil {
		return fail(TestEraseFailed, err)
	}
	if err := d.VerifyErased(block); err != nil {
		return fail(TestEraseVerifyFailed, err)
	}

	words := make([]uint32, n/4)
	copy(ftl.Bytes(words), pattern)
	base := d.geo.BaseAddress + block*d.geo.BlockSize
	for addr := base; addr < base+d.geo.BlockSize; addr += n {
		if err := d.Write(addr, words); err != nil {
			return fail(TestWriteFailed, err)
		}
	}

	h := crc.NewHash(crc.CRC32)
	back := make([]uint32, n/4)
	for addr := base; addr < base+d.geo.BlockSize; addr += n {
		if err := d.Read(addr, back); err != nil {
			return fail(TestReadFailed, err)
		}
		h.Update(ftl.Bytes(back))
		if !bytes.Equal(ftl.Bytes(back), pattern) {
			return fail(TestCompareFailed, fmt.Errorf("mismatch in %d bytes at %#08x", n, addr))
		}
	}
	rep.Checksum = h.CRC32()
	return rep, nil
}

// Checksum returns the CRC-32 (IEEE) of data.
func Checksum(data []byte) uint32 {
	h := crc.NewHash(crc.CRC32)
	h.Update(data)
	return h.CRC32()
}
