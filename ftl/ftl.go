// Package ftl is the flash translation layer contract a NOR driver plugs
// into, with a direct-mapped sector store on top of it.
package ftl

import "errors"

// Logical sector geometry.
const (
	SectorSize  = 512
	SectorWords = SectorSize / 4
)

// Driver is the set of flash operations the translation layer calls.
// Addresses are logical (biased) addresses, lengths are in 32-bit words.
type Driver interface {
	Read(addr uint32, dst []uint32) error
	Write(addr uint32, src []uint32) error
	// EraseBlock erases count blocks starting at block; count 0 erases one.
	EraseBlock(block, count uint32) error
	// VerifyErased reports an error unless every word of block is erased.
	VerifyErased(block uint32) error
	// SystemError reports a condition raised by the translation layer.
	// The returned error, if any, is the driver's verdict on it.
	SystemError(code int) error
}

// Instance is the registration record a driver fills in when the
// translation layer opens it.
type Instance struct {
	BaseAddress   uint32
	TotalBlocks   uint32
	WordsPerBlock uint32
	SectorBuffer  []uint32 // one logical sector, owned by the translation layer

	Driver Driver
}

// InitFunc fills inst and brings the driver up.
type InitFunc func(inst *Instance) error

// Codes passed to Driver.SystemError.
const (
	CodeReadFailed = 1 + iota
	CodeProgramFailed
	CodeEraseFailed
	CodeVerifyFailed
)

var (
	ErrSectorRange = errors.New("ftl: sector out of range")
	ErrBufferSize  = errors.New("ftl: buffer is not one sector")
	ErrInstance    = errors.New("ftl: incomplete driver instance")
	ErrClosed      = errors.New("ftl: volume closed")
)
