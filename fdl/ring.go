package fdl

import "github.com/rob-gra/go-profibus-dp/telegram"

// GapStatus classifies one address in the gap range between this
// station and its successor on the ring (spec subclause 3).
type GapStatus uint8

const (
	GapUnknown GapStatus = iota
	GapActive
	GapPassive
	GapNotPresent
)

func (s GapStatus) String() string {
	switch s {
	case GapActive:
		return "Active"
	case GapPassive:
		return "Passive"
	case GapNotPresent:
		return "NotPresent"
	default:
		return "Unknown"
	}
}

// gapEntry is one slot of the fixed-size gap table, indexed by
// address (spec subclause 9: "represented as integers referencing
// entries in a fixed-size array indexed by address... no pointers").
type gapEntry struct {
	Status GapStatus
	Age    uint32
}

// ring holds the token-ring topology state owned by the FDL: this
// station's neighbours and the gap-status table covering every
// address in (thisStation, nextStation) mod (HSA+1).
type ring struct {
	thisStation     telegram.Address
	nextStation     telegram.Address
	previousStation telegram.Address
	hsa             telegram.Address

	gap [telegram.MaxStationAddress + 1]gapEntry
	// sweepCursor is the next address the GAP sweep will probe.
	sweepCursor telegram.Address
}

func newRing(this, hsa telegram.Address) *ring {
	r := &ring{
		thisStation:     this,
		nextStation:     this,
		previousStation: this,
		hsa:             hsa,
	}
	r.sweepCursor = r.nextGapAddress(this)
	return r
}

// nextGapAddress returns the address immediately after a, wrapping at
// hsa back to 0.
func (r *ring) nextGapAddress(a telegram.Address) telegram.Address {
	if a >= r.hsa {
		return 0
	}
	return a + 1
}

// gapSize returns the number of addresses strictly between
// thisStation and nextStation, wrapping at hsa+1 (spec subclause
// 4.2.2).
func (r *ring) gapSize() int {
	if r.nextStation > r.thisStation {
		return int(r.nextStation-r.thisStation) - 1
	}
	return int(r.hsa) + 1 - int(r.thisStation) + int(r.nextStation) - 1
}

// inGap reports whether a lies strictly between thisStation and
// nextStation on the ring, wrapping at hsa+1.
func (r *ring) inGap(a telegram.Address) bool {
	if r.gapSize() <= 0 {
		return false
	}
	if r.nextStation > r.thisStation {
		return a > r.thisStation && a < r.nextStation
	}
	return a > r.thisStation || a < r.nextStation
}

// advanceSweep moves the sweep cursor to the next address after the
// one just probed, wrapping within the current gap.
func (r *ring) advanceSweep() {
	r.sweepCursor = r.nextGapAddress(r.sweepCursor)
	if r.sweepCursor == r.nextStation {
		r.sweepCursor = r.nextGapAddress(r.thisStation)
	}
}

// markActive records a as Active and, if it falls within the current
// gap, promotes it to be the new next station (spec subclause 4.2.2:
// "the new Active becomes the new NS if it falls within the current
// gap").
func (r *ring) markActive(a telegram.Address) {
	r.gap[a] = gapEntry{Status: GapActive, Age: 0}
	if r.inGap(a) {
		r.previousStation = r.thisStation
		r.nextStation = a
	}
}

func (r *ring) markNotPresent(a telegram.Address) {
	e := r.gap[a]
	e.Status = GapNotPresent
	e.Age++
	r.gap[a] = e
}

// GapStatusOf reports the last-known status of address a.
func (r *ring) GapStatusOf(a telegram.Address) GapStatus {
	return r.gap[a].Status
}
