// Package fdl implements the PROFIBUS Fieldbus Data Link layer of an
// active station: telegram framing via the telegram package, token-ring
// formation and maintenance, timing-critical bus arbitration, and
// request/response transaction management for the layer above (spec
// subclause 4.2).
package fdl

import (
	"time"

	"github.com/rob-gra/go-profibus-dp/clog"
	"github.com/rob-gra/go-profibus-dp/telegram"
)

// State is one state of the active-station state machine (spec
// subclause 4.2).
type State uint8

const (
	Offline State = iota
	ListenToken
	ClaimToken
	UseToken
	AwaitResponse
	PassToken
	ActiveIdle
)

func (s State) String() string {
	switch s {
	case Offline:
		return "Offline"
	case ListenToken:
		return "ListenToken"
	case ClaimToken:
		return "ClaimToken"
	case UseToken:
		return "UseToken"
	case AwaitResponse:
		return "AwaitResponse"
	case PassToken:
		return "PassToken"
	case ActiveIdle:
		return "ActiveIdle"
	default:
		return "Unknown"
	}
}

// Stats counts protocol events for observability; nothing in the state
// machine reads them back (spec subclause 4.2.7).
type Stats struct {
	TokensPassed   uint64
	TokensReceived uint64
	GapSweeps      uint64
	FCSErrors      uint64
	Timeouts       uint64
	Retries        uint64
}

const rxBufSize = 264 // largest telegram (249 + header/trailer) plus slack

// FDL is one active station's link-layer instance. It owns the
// receive/transmit buffers, the ring/gap state, and the transaction
// currently in flight; it does not own the upper layer's peripherals.
type FDL struct {
	cfg  Config
	ring *ring
	log  clog.Clog
	stat Stats

	upper UpperLayer

	state State

	rx        []byte // bytes received but not yet decoded
	rxBuf     [rxBufSize]byte
	txBuf     [rxBufSize]byte
	pendingTx []byte // encoded bytes not yet accepted by the PHY

	// fcb is the last frame-count-bit sent to each peer address.
	fcb [telegram.MaxStationAddress + 1]bool
	// fcbKnown marks whether fcb[addr] has ever been set; the first
	// request to a peer always starts with FCB set (true).
	fcbKnown [telegram.MaxStationAddress + 1]bool

	// Timing state, all as absolute deadlines/instants.
	deadline     time.Time // generic "act again no later than this" deadline
	lastActivity time.Time // last time any valid telegram was observed on the bus

	// ListenToken bookkeeping.
	listenRotationsSeen int

	// UseToken/AwaitResponse bookkeeping.
	rotationStart time.Time // instant the token was last taken; nothing reads it back
	inFlight      Request
	inFlightRetry int
	awaitingReply bool

	// gapProbe is set when the outstanding AwaitResponse transaction is
	// an FDL-internal GAP sweep probe rather than an upper-layer
	// request; gapProbeAddr is the address being probed.
	gapProbe     bool
	gapProbeAddr telegram.Address

	// PassToken bookkeeping.
	passFailures int
	// next-station discovery cursor, used once passFailures == 2.
	discoverCursor telegram.Address
	discovering    bool

	// ActiveIdle bookkeeping: consecutive tokens addressed to us that
	// never arrived (detected via silence) while idle.
	lostTokenStreak int

	phyFault bool
}

// New constructs an FDL active station. cfg is validated and defaulted
// in place; upper is the layer that supplies outgoing transactions
// (spec subclause 4.2.4).
func New(cfg Config, upper UpperLayer, log clog.Clog) (*FDL, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	f := &FDL{
		cfg:   cfg,
		ring:  newRing(cfg.Address, cfg.HSA),
		log:   log,
		upper: upper,
		state: Offline,
	}
	return f, nil
}

// Stats returns a copy of the station's running counters.
func (f *FDL) Stats() Stats { return f.stat }

// State returns the current active-station state.
func (f *FDL) State() State { return f.state }

// Ring reports this station's current neighbours on the token ring.
func (f *FDL) Ring() (this, next, previous telegram.Address) {
	return f.ring.thisStation, f.ring.nextStation, f.ring.previousStation
}

// Enable transitions the station from Offline into ListenToken,
// beginning bus observation (spec subclause 4.2).
func (f *FDL) Enable(now time.Time) {
	if f.state != Offline {
		return
	}
	f.state = ListenToken
	f.listenRotationsSeen = 0
	f.lastActivity = now
	f.deadline = now.Add(f.timeoutDuration())
}

// Disable transitions the station to Offline: no transmit, no receive
// processing.
func (f *FDL) Disable() {
	f.state = Offline
}

func (f *FDL) timeoutDuration() time.Duration {
	// T_timeout = 6*T_slot + 2*address*T_slot, in bit-times.
	bitTimes := uint64(6)*uint64(f.cfg.TSlot) + 2*uint64(f.cfg.Address)*uint64(f.cfg.TSlot)
	return time.Duration(bitTimes) * f.cfg.Baud.BitTime()
}

func (f *FDL) slotDuration() time.Duration {
	return time.Duration(f.cfg.TSlot) * f.cfg.Baud.BitTime()
}

func (f *FDL) quietDuration() time.Duration {
	return time.Duration(f.cfg.TQui) * f.cfg.Baud.BitTime()
}

// Poll is the stack's single entrypoint (spec subclause 5). It drains
// phy's receive path, decodes at most one telegram, advances the state
// machine by at most one transition, and flushes at most one transmit
// — then returns the earliest instant at which it would benefit from
// being called again. The caller may call Poll more often with no
// effect beyond CPU cost.
//
// Poll must not be called concurrently with itself, nor while any
// goroutine is mutating buffers this call will read.
//
// A PHY receive or transmit error is logged and ends this call early;
// Poll does not return the error, and later calls keep using whatever
// PHY they are given.
func (f *FDL) Poll(now time.Time, phy PHY) time.Time {
	if f.state == Offline {
		return now.Add(time.Second)
	}

	n, err := phy.PollReceive(f.rxBuf[:])
	if err != nil {
		f.phyFault = true
		f.log.Error("fdl: phy receive fault: %v", err)
		return now.Add(time.Second)
	}
	if n > 0 {
		f.rx = append(f.rx, f.rxBuf[:n]...)
	}

	acted := f.tryDecode(now)
	if !acted {
		f.tick(now, phy)
	}

	f.flushTransmit(phy)

	return f.nextWake(now)
}

// tryDecode attempts to decode and dispatch exactly one telegram from
// the receive buffer. It returns true if a telegram was consumed
// (whether valid or not), meaning the state machine already acted this
// Poll.
func (f *FDL) tryDecode(now time.Time) bool {
	if len(f.rx) == 0 {
		return false
	}
	tg, n, err := telegram.Decode(f.rx)
	switch {
	case err == telegram.ErrIncomplete:
		return false
	case err != nil:
		// Resynchronize: discard one byte and let the next Poll retry.
		f.stat.FCSErrors++
		f.rx = f.rx[1:]
		return true
	default:
		f.rx = f.rx[n:]
		f.lastActivity = now
		f.onTelegram(now, tg)
		return true
	}
}

// onTelegram dispatches a successfully decoded telegram to the
// current state's handler.
func (f *FDL) onTelegram(now time.Time, tg telegram.Telegram) {
	switch f.state {
	case ListenToken:
		f.listenOnTelegram(now, tg)
	case ActiveIdle:
		f.activeIdleOnTelegram(now, tg)
	case AwaitResponse:
		f.awaitResponseOnTelegram(now, tg)
	case PassToken:
		f.passTokenOnTelegram(now, tg)
	default:
		// UseToken/ClaimToken do not expect to observe telegrams
		// mid-transmit; ignore per spec subclause 4.2.5 (unexpected
		// traffic is simply ignored, never a crash).
	}
}

// tick runs the time-based half of the current state: deadlines,
// transmits with no corresponding received telegram this Poll.
func (f *FDL) tick(now time.Time, phy PHY) {
	switch f.state {
	case ListenToken:
		f.listenTick(now)
	case ClaimToken:
		f.claimTick(now)
	case UseToken:
		f.useTokenTick(now)
	case AwaitResponse:
		f.awaitResponseTick(now)
	case PassToken:
		f.passTokenTick(now)
	case ActiveIdle:
		f.activeIdleTick(now)
	}
}

func (f *FDL) nextWake(now time.Time) time.Time {
	if !f.deadline.IsZero() && f.deadline.After(now) {
		return f.deadline
	}
	return now.Add(f.quietDuration() + time.Microsecond)
}

// flushTransmit hands any bytes still queued in pendingTx (built by
// queueTransmitNow) to the PHY, a few at a time if necessary.
func (f *FDL) flushTransmit(phy PHY) {
	for len(f.pendingTx) > 0 {
		n, err := phy.PollTransmit(f.pendingTx)
		if err != nil {
			f.phyFault = true
			f.log.Error("fdl: phy transmit fault: %v", err)
			return
		}
		if n == 0 {
			return
		}
		f.pendingTx = f.pendingTx[n:]
	}
}
