package sim

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenImage returns a chip whose array is the file at path, mapped shared so
// that programs and erases land in the file. A missing file is created
// blank; an existing one must be capacity bytes long.
func OpenImage(path string, capacity int) (*Chip, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	blank := fi.Size() == 0
	switch {
	case blank:
		if err := f.Truncate(int64(capacity)); err != nil {
			return nil, fmt.Errorf("failed to size image: %w", err)
		}
	case fi.Size() != int64(capacity):
		return nil, fmt.Errorf("image %s has %d bytes, want %d", path, fi.Size(), capacity)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map image: %w", err)
	}
	if blank {
		for i := range mem {
			mem[i] = 0xFF
		}
	}

	c := NewWithMemory(mem)
	c.closeMem = func() error {
		if err := unix.Msync(mem, unix.MS_SYNC); err != nil {
			unix.Munmap(mem)
			return err
		}
		return unix.Munmap(mem)
	}
	return c, nil
}
