package fdl

import (
	"time"

	"github.com/rob-gra/go-profibus-dp/telegram"
)

// maxPassFailures is how many consecutive failed handoffs to the same
// successor trigger next-station discovery (spec subclause 4.2.3).
const maxPassFailures = 2

func (f *FDL) enterPassToken(now time.Time) {
	if f.ring.nextStation == f.cfg.Address {
		// Alone on the bus: passing the token to ourselves always
		// succeeds immediately, and no PHY ever echoes our own
		// transmission back to us to confirm it. This is a reclaim,
		// not a loss, so it must not feed the lost-token streak that
		// would otherwise bounce a lone station back into ListenToken
		// every other rotation.
		f.passFailures = 0
		f.discovering = false
		f.lostTokenStreak = 0
		f.enterActiveIdle(now)
		return
	}
	f.state = PassToken
	tg := telegram.NewToken(f.ring.nextStation, f.cfg.Address)
	f.queueTransmitNow(tg)
	f.stat.TokensPassed++
	// Guard of two slot times: long enough to hear the successor begin
	// using the token or, on silence, to know the handoff failed.
	f.deadline = now.Add(f.slotDuration() * 2)
}

// passTokenOnTelegram watches for any telegram from the new holder,
// which confirms a successful handoff (spec subclause 4.2.5), or, while
// a next-station discovery probe is outstanding, the probed station's
// FDL_Request_Status reply.
func (f *FDL) passTokenOnTelegram(now time.Time, tg telegram.Telegram) {
	if f.discovering {
		if tg.SA != f.discoverCursor {
			// Traffic from some other station: doesn't confirm or deny
			// the candidate we're waiting on.
			return
		}
		f.resolveDiscoveryProbe(now, tg)
		return
	}

	if tg.SA == f.ring.nextStation {
		f.passFailures = 0
		f.enterActiveIdle(now)
		return
	}
	// Traffic from some other station while we wait: keep waiting out
	// the guard time, it doesn't confirm or deny our successor.
}

// passTokenTick fires when the guard time elapses with no telegram
// heard from the successor (or, mid-discovery, from the probed
// candidate): the handoff or probe is presumed lost.
func (f *FDL) passTokenTick(now time.Time) {
	if now.Before(f.deadline) {
		return
	}

	if f.discovering {
		f.resolveDiscoveryProbe(now, telegram.Telegram{})
		return
	}

	f.passFailures++
	if f.passFailures < maxPassFailures {
		// Try the same successor once more before widening the search.
		f.enterPassToken(now)
		return
	}

	f.beginNextStationDiscovery(now)
}

// beginNextStationDiscovery marks the unresponsive nextStation absent
// and starts probing every address after thisStation in turn (wrapping
// at HSA, and not stopping at the old nextStation) with
// FDL_Request_Status probes until one answers "ready active" or the
// walk returns to thisStation (spec subclause 4.2.3).
func (f *FDL) beginNextStationDiscovery(now time.Time) {
	f.ring.markNotPresent(f.ring.nextStation)
	f.discovering = true
	f.discoverCursor = f.ring.nextGapAddress(f.ring.thisStation)
	f.passFailures = 0
	f.probeDiscoveryCandidate(now)
}

// probeDiscoveryCandidate sends an FDL_Request_Status probe to the
// current discovery cursor, or, once the whole gap has been walked
// with nothing answering, concludes we are alone on the bus and
// re-enters ClaimToken (spec subclause 4.2.3's last sentence).
func (f *FDL) probeDiscoveryCandidate(now time.Time) {
	if f.discoverCursor == f.ring.thisStation {
		f.ring.nextStation = f.ring.thisStation
		f.ring.previousStation = f.ring.thisStation
		f.discovering = false
		f.beginClaimToken(now)
		return
	}

	f.state = PassToken
	tg := telegram.NewFixedNoData(f.discoverCursor, f.cfg.Address, telegram.FrameControl{
		FromMaster: true,
		Function:   telegram.FuncRequestStatus,
	})
	f.queueTransmitNow(tg)
	f.deadline = now.Add(f.slotDuration())
}

// resolveDiscoveryProbe inspects the reply (or lack of one) to the
// current discovery candidate: a "ready active" answer promotes it to
// next_station and the token is passed to it immediately; anything
// else marks it absent and advances the cursor to the next candidate.
func (f *FDL) resolveDiscoveryProbe(now time.Time, tg telegram.Telegram) {
	if tg.SA == f.discoverCursor && !tg.FC.FromMaster && tg.FC.Function == telegram.FuncRespActive {
		f.ring.markActive(f.discoverCursor)
		f.ring.nextStation = f.discoverCursor
		f.discovering = false
		f.enterPassToken(now)
		return
	}

	f.ring.markNotPresent(f.discoverCursor)
	f.discoverCursor = f.ring.nextGapAddress(f.discoverCursor)
	f.probeDiscoveryCandidate(now)
}
