package dp

import (
	"time"

	"github.com/rob-gra/go-profibus-dp/telegram"
)

// EventKind classifies one user-relevant occurrence recorded against a
// peripheral (spec subclause 4.3, "event log").
type EventKind uint8

const (
	CameOnline EventKind = iota
	CyclicDataReceived
	DiagnosticsChanged
	LostContact
	CycleCompleted
	ConfigReadbackReceived
	SlaveAddressAssigned
)

func (k EventKind) String() string {
	switch k {
	case CameOnline:
		return "CameOnline"
	case CyclicDataReceived:
		return "CyclicDataReceived"
	case DiagnosticsChanged:
		return "DiagnosticsChanged"
	case LostContact:
		return "LostContact"
	case CycleCompleted:
		return "CycleCompleted"
	case ConfigReadbackReceived:
		return "ConfigReadbackReceived"
	case SlaveAddressAssigned:
		return "SlaveAddressAssigned"
	default:
		return "Unknown"
	}
}

// Event is one occurrence, optionally scoped to a peripheral address.
// Every kind carries the instant it was recorded in At except
// CycleCompleted, which has no single address (it carries
// AddressUnset) and is recorded with a zero At.
type Event struct {
	Kind    EventKind
	Address telegram.Address
	At      time.Time
}

// eventLogCapacity bounds the per-peripheral ring buffer; the oldest
// event is overwritten once full, matching an embedded target's fixed
// memory budget (spec subclause 9, zero-allocation contract).
const eventLogCapacity = 32

// eventLog is a fixed-capacity ring buffer of Events.
type eventLog struct {
	buf   [eventLogCapacity]Event
	count int // number of valid entries, capped at eventLogCapacity
	head  int // index of the oldest valid entry
}

func (l *eventLog) push(e Event) {
	idx := (l.head + l.count) % eventLogCapacity
	l.buf[idx] = e
	if l.count < eventLogCapacity {
		l.count++
	} else {
		l.head = (l.head + 1) % eventLogCapacity
	}
}

// drain returns every buffered event oldest-first and empties the log.
func (l *eventLog) drain() []Event {
	if l.count == 0 {
		return nil
	}
	out := make([]Event, l.count)
	for i := 0; i < l.count; i++ {
		out[i] = l.buf[(l.head+i)%eventLogCapacity]
	}
	l.count = 0
	l.head = 0
	return out
}
