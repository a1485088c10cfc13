// Package bdev serves 512 byte sectors of a NOR flash volume to a file
// system through a numbered block device interface.
//
// Every failure wraps unix.EINVAL or unix.EIO; Status turns an error into
// the negated errno the file system expects.
package bdev

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/gentam/qnor"
	"github.com/gentam/qnor/ftl"
)

// SectorSize is the size of one block device sector.
const SectorSize = ftl.SectorSize

// Mode is the access requested when opening a volume.
type Mode uint8

const (
	ReadOnly Mode = 1 << iota
	WriteOnly
	ReadWrite = ReadOnly | WriteOnly
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "ro"
	case WriteOnly:
		return "wo"
	case ReadWrite:
		return "rw"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Info is the geometry of an open volume.
type Info struct {
	SectorCount uint64
	SectorSize  uint32
}

// Store is a sector addressed flash volume. *ftl.Volume implements it.
type Store interface {
	TotalSectors() uint32
	ReadSector(n uint32, dst []uint32) error
	WriteSector(n uint32, src []uint32) error
	Close() error
}

// Opener brings up the store of a volume.
type Opener func() (Store, error)

// FlashOpener opens a direct-mapped FTL volume on drv.
func FlashOpener(drv *qnor.Driver, name string) Opener {
	return func() (Store, error) {
		var inst ftl.Instance
		v, err := ftl.Open(&inst, name, drv.Setup)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

type volume struct {
	open  Opener
	store Store
	mode  Mode
}

// Device is a block device with a fixed number of volumes. Its methods are
// safe for concurrent use; requests are served one at a time.
type Device struct {
	log *slog.Logger

	mu      sync.Mutex
	volumes []volume
	scratch []uint32 // staging for unaligned buffers
}

// New returns a device with n volumes, none configured.
func New(n int, log *slog.Logger) *Device {
	if log == nil {
		log = slog.Default()
	}
	return &Device{
		log:     log.With("component", "bdev"),
		volumes: make([]volume, n),
		scratch: make([]uint32, ftl.SectorWords),
	}
}

// Status converts the result of a Device method to a negated errno, 0 on
// success.
func Status(err error) int {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}
	return -int(unix.EIO)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("bdev: "+format+": %w", append(args, unix.EINVAL)...)
}

func ioError(err error, format string, args ...any) error {
	return fmt.Errorf("bdev: %s: %w: %w", fmt.Sprintf(format, args...), unix.EIO, err)
}

func (d *Device) volume(vol int) (*volume, error) {
	if vol < 0 || vol >= len(d.volumes) {
		return nil, invalid("volume %d not in [0, %d)", vol, len(d.volumes))
	}
	return &d.volumes[vol], nil
}

func (d *Device) openVolume(vol int) (*volume, error) {
	v, err := d.volume(vol)
	if err != nil {
		return nil, err
	}
	if v.store == nil {
		return nil, invalid("volume %d not open", vol)
	}
	return v, nil
}

// Configure sets how volume vol is opened. It is called while the volume is
// closed.
func (d *Device) Configure(vol int, open Opener) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.volume(vol)
	if err != nil {
		return err
	}
	if v.store != nil {
		return invalid("volume %d is open", vol)
	}
	v.open = open
	return nil
}

// Open brings volume vol up. Opening an open volume succeeds without
// touching the flash.
func (d *Device) Open(vol int, mode Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.volume(vol)
	if err != nil {
		return err
	}
	if mode&ReadWrite == 0 || mode&^ReadWrite != 0 {
		return invalid("open mode %s", mode)
	}
	if v.store != nil {
		return nil
	}
	if v.open == nil {
		return invalid("volume %d not configured", vol)
	}
	store, err := v.open()
	if err != nil {
		d.log.Error("open failed", "vol", vol, "err", err)
		return ioError(err, "open volume %d", vol)
	}
	v.store, v.mode = store, mode
	d.log.Info("volume open", "vol", vol, "mode", mode, "sectors", store.TotalSectors())
	return nil
}

// Close shuts volume vol and its driver down. It can be opened again.
func (d *Device) Close(vol int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.volume(vol)
	if err != nil {
		return err
	}
	if v.store == nil {
		return nil
	}
	store := v.store
	v.store = nil
	if err := store.Close(); err != nil {
		return ioError(err, "close volume %d", vol)
	}
	return nil
}

// Geometry reports the sector count and size of volume vol.
func (d *Device) Geometry(vol int) (Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.openVolume(vol)
	if err != nil {
		return Info{}, err
	}
	return Info{SectorCount: uint64(v.store.TotalSectors()), SectorSize: SectorSize}, nil
}

// span validates a request of count sectors at start against v and buf.
func span(v *volume, start uint64, count uint32, buf []byte) error {
	total := uint64(v.store.TotalSectors())
	switch {
	case buf == nil:
		return invalid("nil buffer")
	case start >= total || uint64(count) > total-start:
		return invalid("sectors [%d, %d) beyond %d", start, start+uint64(count), total)
	case uint64(len(buf)) < uint64(count)*SectorSize:
		return invalid("buffer of %d bytes for %d sectors", len(buf), count)
	}
	return nil
}

// ReadSectors reads count sectors starting at start into buf. Sectors are
// read one at a time; buf need not be aligned.
func (d *Device) ReadSectors(vol int, start uint64, count uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.openVolume(vol)
	if err != nil {
		return err
	}
	if v.mode&ReadOnly == 0 {
		return invalid("volume %d opened %s", vol, v.mode)
	}
	if err := span(v, start, count, buf); err != nil {
		return err
	}

	for i := uint32(0); i < count; i++ {
		n := uint32(start) + i
		b := buf[i*SectorSize : (i+1)*SectorSize]
		if words, ok := ftl.Words(b); ok {
			if err := v.store.ReadSector(n, words); err != nil {
				return ioError(err, "read sector %d", n)
			}
			continue
		}
		if err := v.store.ReadSector(n, d.scratch); err != nil {
			return ioError(err, "read sector %d", n)
		}
		copy(b, ftl.Bytes(d.scratch))
	}
	return nil
}

// WriteSectors writes count sectors from buf starting at start.
func (d *Device) WriteSectors(vol int, start uint64, count uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.openVolume(vol)
	if err != nil {
		return err
	}
	if v.mode&WriteOnly == 0 {
		return invalid("volume %d opened %s", vol, v.mode)
	}
	if err := span(v, start, count, buf); err != nil {
		return err
	}

	for i := uint32(0); i < count; i++ {
		n := uint32(start) + i
		b := buf[i*SectorSize : (i+1)*SectorSize]
		words, ok := ftl.Words(b)
		if !ok {
			copy(ftl.Bytes(d.scratch), b)
			words = d.scratch
		}
		if err := v.store.WriteSector(n, words); err != nil {
			d.log.Error("write failed", "vol", vol, "sector", n, "err", err)
			return ioError(err, "write sector %d", n)
		}
	}
	return nil
}

// Flush succeeds once vol is open: every program has completed on the
// flash before WriteSectors returns.
func (d *Device) Flush(vol int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.openVolume(vol)
	return err
}
