package fdl

import (
	"time"

	"github.com/rob-gra/go-profibus-dp/telegram"
)

func (f *FDL) enterUseToken(now time.Time) {
	f.state = UseToken
	f.rotationStart = now
	f.deadline = now.Add(f.slotDuration())
}

// useTokenTick is driven once per Poll while UseToken is current. It
// asks the upper layer for work first; only when no application work
// is pending does it spend the token hold on a GAP sweep probe, and
// only when neither is pending does it move straight to PassToken
// (spec subclause 4.2.2: the sweep never preempts pending application
// work). The upper layer is offered the configured TTR as its budget on
// every call; the time already spent holding the token is not deducted,
// and the token is kept for as long as the upper layer returns work.
func (f *FDL) useTokenTick(now time.Time) {
	if f.awaitingReply {
		// A transmit was queued this entry and we are already waiting
		// on its reply; nothing further to do until AwaitResponse
		// resolves it.
		return
	}

	budget := uint32(f.cfg.TTR)
	req := f.upper.NextRequest(now, budget)
	if req.Kind != Nothing {
		f.inFlight = req
		f.inFlightRetry = 0
		f.sendInFlight(now)
		return
	}

	if f.ring.gapSize() > 0 {
		f.startGapProbe(now)
		return
	}

	f.enterPassToken(now)
}

func (f *FDL) startGapProbe(now time.Time) {
	f.gapProbe = true
	f.gapProbeAddr = f.ring.sweepCursor
	f.stat.GapSweeps++

	tg := telegram.NewFixedNoData(f.gapProbeAddr, f.cfg.Address, telegram.FrameControl{
		FromMaster: true,
		FCB:        false,
		FCV:        false,
		Function:   telegram.FuncRequestStatus,
	})
	f.state = AwaitResponse
	f.awaitingReply = true
	f.deadline = now.Add(f.slotDuration())
	f.queueTransmitNow(tg)
}

// nextFCB returns the frame-count-bit to use for the next request sent
// to addr, toggling and recording it for next time (spec subclause
// 4.2.4: FCB/FCV duplicate-rejection handshake).
func (f *FDL) nextFCB(addr telegram.Address) bool {
	if !f.fcbKnown[addr] {
		f.fcbKnown[addr] = true
		f.fcb[addr] = true
		return true
	}
	f.fcb[addr] = !f.fcb[addr]
	return f.fcb[addr]
}

func (f *FDL) sendInFlight(now time.Time) {
	req := f.inFlight
	tg := req.Telegram
	tg.SA = f.cfg.Address
	tg.FC.FromMaster = true
	if req.Kind != SendBroadcast {
		tg.FC.FCV = true
		// A retry repeats the FCB of the original attempt; only a new
		// request toggles it.
		fcb := f.fcb[req.Address]
		if f.inFlightRetry == 0 {
			fcb = f.nextFCB(req.Address)
		}
		tg.FC.SetFCB(fcb)
	}

	f.queueTransmitNow(tg)

	if req.Kind == SendBroadcast {
		f.upper.HandleOutcome(now, req, telegram.Telegram{}, nil)
		f.deadline = now.Add(f.quietDuration())
		f.awaitingReply = false
		return
	}

	f.state = AwaitResponse
	f.awaitingReply = true
	f.deadline = now.Add(f.slotDuration())
}

// queueTransmitNow is queueTransmit bound to no particular PHY; the
// encoded bytes sit in pendingTx until the next flushTransmit call.
func (f *FDL) queueTransmitNow(tg telegram.Telegram) {
	n, err := telegram.Encode(tg, f.txBuf[:])
	if err != nil {
		f.log.Error("fdl: encode failed: %v", err)
		return
	}
	f.pendingTx = append(f.pendingTx, f.txBuf[:n]...)
}
