package qnor

import "time"

// Timing holds the maximum latencies the driver waits for. Every poll uses
// the budget of the operation it waits on; a short bound reports a failure
// for an operation the device would have completed.
type Timing struct {
	Command        time.Duration // register access, write enable
	PageProgram    time.Duration
	SubsectorErase time.Duration // 4KB
	SectorErase    time.Duration // 64KB
	BulkErase      time.Duration
	Transfer       time.Duration // DMA completion
	PollInterval   time.Duration
}

type flashParams struct {
	name   string
	timing Timing
}

var (
	flashIDMicronN25Q128  = [3]byte{0x20, 0xBA, 0x18}
	flashIDMicronN25Q32   = [3]byte{0x20, 0xBA, 0x16}
	flashIDWinbondW25Q128 = [3]byte{0xEF, 0x70, 0x18}
)

var knownFlash = map[[3]byte]flashParams{
	flashIDMicronN25Q128: {
		name: "Micron N25Q 128Mb",

		// [N25Q128A|Table 40: AC Characteristics and Operating Conditions]
		timing: Timing{
			// tPP: PAGE PROGRAM cycle time (256 bytes)
			PageProgram: 5 * time.Millisecond,
			// tSSE: Subsector ERASE cycle time
			SubsectorErase: 800 * time.Millisecond,
			// tSE: Sector ERASE cycle time
			SectorErase: 3 * time.Second,
			// tBE: Bulk ERASE cycle time
			BulkErase: 250 * time.Second,
		},
	},

	flashIDMicronN25Q32: {
		name: "Micron N25Q 32Mb",

		// [N25Q32|Table 38: AC Characteristics and Operating Conditions]
		timing: Timing{
			PageProgram:    5 * time.Millisecond,
			SubsectorErase: 800 * time.Millisecond,
			SectorErase:    3 * time.Second,
			BulkErase:      60 * time.Second,
		},
	},

	flashIDWinbondW25Q128: {
		name: "Winbond W25Q 128Mb",

		// [W25Q128|9.6 AC Electrical Characteristics]
		timing: Timing{
			// tPP: Page Program Time
			PageProgram: 3 * time.Millisecond,
			// tSE: Sector Erase Time (4KB)
			SubsectorErase: 400 * time.Millisecond,
			// tBE2: Block Erase Time (64KB)
			SectorErase: 2000 * time.Millisecond,
			// tCE: Chip Erase Time
			BulkErase: 200 * time.Second,
		},
	},
}

// DefaultTiming returns the N25Q128A budgets.
func DefaultTiming() Timing {
	return knownFlash[flashIDMicronN25Q128].timing.withDefaults()
}

// LookupFlash returns the name and timing of a known JEDEC ID.
func LookupFlash(id [3]byte) (name string, t Timing, ok bool) {
	p, ok := knownFlash[id]
	if !ok {
		return "", Timing{}, false
	}
	return p.name, p.timing.withDefaults(), true
}

// withDefaults fills the bus-side budgets that do not come from a datasheet.
func (t Timing) withDefaults() Timing {
	if t.Command == 0 {
		t.Command = time.Second
	}
	if t.Transfer == 0 {
		t.Transfer = time.Second
	}
	if t.PollInterval == 0 {
		t.PollInterval = 100 * time.Microsecond
	}
	// fall back to maximum duration from all known flash parameters
	pick := func(v time.Duration, get func(*Timing) time.Duration) time.Duration {
		if v != 0 {
			return v
		}
		for _, p := range knownFlash {
			v = max(v, get(&p.timing))
		}
		return v
	}
	t.PageProgram = pick(t.PageProgram, func(t *Timing) time.Duration { return t.PageProgram })
	t.SubsectorErase = pick(t.SubsectorErase, func(t *Timing) time.Duration { return t.SubsectorErase })
	t.SectorErase = pick(t.SectorErase, func(t *Timing) time.Duration { return t.SectorErase })
	t.BulkErase = pick(t.BulkErase, func(t *Timing) time.Duration { return t.BulkErase })
	return t
}
