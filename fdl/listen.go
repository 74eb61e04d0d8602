package fdl

import (
	"time"

	"github.com/rob-gra/go-profibus-dp/telegram"
)

// listenOnTelegram watches bus traffic to learn the ring topology
// before joining it (spec subclause 4.2.3: passive listening).
func (f *FDL) listenOnTelegram(now time.Time, tg telegram.Telegram) {
	f.deadline = now.Add(f.timeoutDuration())

	if tg.Kind != telegram.KindToken {
		if tg.SA.Valid() {
			f.ring.markActive(tg.SA)
		}
		return
	}

	f.ring.markActive(tg.SA)

	if tg.DA == f.cfg.Address {
		// The token has found us: join the ring immediately rather
		// than waiting out further rotations.
		f.ring.previousStation = tg.SA
		f.beginClaimToken(now)
		return
	}

	f.listenRotationsSeen++
}

// listenTick handles the case where T_timeout elapses with the bus
// silent (any received telegram restarts the timer): the station
// assumes it is the only one and claims the ring (spec subclause
// 4.2.3).
func (f *FDL) listenTick(now time.Time) {
	if now.Before(f.deadline) {
		return
	}
	f.beginClaimToken(now)
}

func (f *FDL) beginClaimToken(now time.Time) {
	f.state = ClaimToken
	f.deadline = now.Add(f.slotDuration())
}

// enterListenToken returns the station to passive listening after
// losing the token twice in a row, rebuilding its view of the ring
// from scratch rather than immediately re-claiming it (spec subclause
// 4.2.5).
func (f *FDL) enterListenToken(now time.Time) {
	f.state = ListenToken
	f.listenRotationsSeen = 0
	f.deadline = now.Add(f.timeoutDuration())
}
