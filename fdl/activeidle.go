package fdl

import (
	"time"

	"github.com/rob-gra/go-profibus-dp/telegram"
)

// maxLostTokenStreak is how many consecutive rotation timeouts while
// idle are tolerated before the station gives up rejoining directly
// and falls back to passive listening (spec subclause 4.2.5).
const maxLostTokenStreak = 2

func (f *FDL) enterActiveIdle(now time.Time) {
	f.state = ActiveIdle
	f.deadline = now.Add(f.timeoutDuration())
}

// activeIdleOnTelegram watches the rest of the ring's rotation and
// reclaims the token once it returns to us. It also answers any
// FDL_Request_Status probe addressed to us, so another station's GAP
// sweep or next-station discovery can find us (spec subclause 4.2.2).
func (f *FDL) activeIdleOnTelegram(now time.Time, tg telegram.Telegram) {
	if tg.SA.Valid() {
		f.ring.markActive(tg.SA)
	}

	if tg.Kind == telegram.KindToken && tg.DA == f.cfg.Address {
		f.ring.previousStation = tg.SA
		f.lostTokenStreak = 0
		f.stat.TokensReceived++
		f.enterUseToken(now)
		return
	}

	if f.isStatusRequestForSelf(tg) {
		f.replyToStatusRequest(now, tg)
		return
	}

	// Any other traffic resets the idle watchdog: the ring is alive,
	// just not at us yet.
	f.deadline = now.Add(f.timeoutDuration())
}

// isStatusRequestForSelf reports whether tg is an FDL_Request_Status
// probe (gap-sweep or next-station discovery) addressed to us.
func (f *FDL) isStatusRequestForSelf(tg telegram.Telegram) bool {
	return tg.Kind == telegram.KindFixedNoData &&
		tg.FC.FromMaster &&
		tg.FC.Function == telegram.FuncRequestStatus &&
		tg.DA == f.cfg.Address
}

// replyToStatusRequest answers an FDL_Request_Status probe with a
// "ready, active" response.
func (f *FDL) replyToStatusRequest(now time.Time, tg telegram.Telegram) {
	reply := telegram.NewFixedNoData(tg.SA, f.cfg.Address, telegram.FrameControl{
		FromMaster: false,
		Function:   telegram.FuncRespActive,
	})
	f.queueTransmitNow(reply)
	f.deadline = now.Add(f.timeoutDuration())
}

// activeIdleTick fires if the rotation takes longer than T_timeout to
// come back around, meaning the token (or its holder) was lost
// somewhere downstream (spec subclause 4.2.5). Two consecutive losses
// send the station back to passive listening rather than letting it
// re-claim on stale ring state indefinitely.
func (f *FDL) activeIdleTick(now time.Time) {
	if now.Before(f.deadline) {
		return
	}

	f.stat.Timeouts++
	f.lostTokenStreak++
	if f.lostTokenStreak < maxLostTokenStreak {
		f.beginClaimToken(now)
		return
	}

	f.lostTokenStreak = 0
	f.enterListenToken(now)
}
