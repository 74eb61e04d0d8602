package fdl

import (
	"time"

	"github.com/rob-gra/go-profibus-dp/telegram"
)

// awaitResponseOnTelegram handles a telegram received while a
// transmit's reply is outstanding, whether it is a GAP probe or an
// upper-layer transaction (spec subclause 4.2.4).
func (f *FDL) awaitResponseOnTelegram(now time.Time, tg telegram.Telegram) {
	if f.gapProbe {
		f.resolveGapProbe(now, tg, nil)
		return
	}
	f.resolveInFlight(now, tg, nil)
}

// awaitResponseTick fires the timeout path for whichever transaction
// is outstanding once T_slot elapses with no reply (spec subclause
// 4.2.5).
func (f *FDL) awaitResponseTick(now time.Time) {
	if now.Before(f.deadline) {
		return
	}
	f.stat.Timeouts++
	if f.gapProbe {
		f.resolveGapProbe(now, telegram.Telegram{}, errTimeout)
		return
	}
	f.resolveInFlight(now, telegram.Telegram{}, errTimeout)
}

// isStatusResponse reports whether tg is a well-formed
// FDL_Request_Status reply from addr: the fixed-no-data, non-master
// function codes a station uses to answer such a probe.
func isStatusResponse(tg telegram.Telegram, addr telegram.Address) bool {
	if tg.Kind != telegram.KindFixedNoData || tg.FC.FromMaster || tg.SA != addr {
		return false
	}
	switch tg.FC.Function {
	case telegram.FuncRespActive, telegram.FuncRespPassive, telegram.FuncRespNotReady:
		return true
	default:
		return false
	}
}

func (f *FDL) resolveGapProbe(now time.Time, tg telegram.Telegram, err error) {
	f.gapProbe = false
	f.awaitingReply = false

	if err != nil {
		f.ring.markNotPresent(f.gapProbeAddr)
	} else if isStatusResponse(tg, f.gapProbeAddr) {
		f.ring.markActive(f.gapProbeAddr)
	}
	f.ring.advanceSweep()

	// One GAP probe spends the token hold: pass the token on.
	f.enterPassToken(now)
}

// responseMatchesRequest reports whether resp is a well-formed reply
// to a request of the given kind: a short ack or a fixed no-data
// positive acknowledgement for SendDataNoReply, a non-master
// data-carrying reply for SendDataWithReply. Anything else (wrong
// telegram shape, a master-direction telegram, an unexpected function
// code) is a malformed response, not a silent success.
func responseMatchesRequest(kind TxKind, resp telegram.Telegram) bool {
	switch kind {
	case SendDataNoReply:
		if resp.Kind == telegram.KindShortAck {
			return true
		}
		return resp.Kind == telegram.KindFixedNoData && !resp.FC.FromMaster && resp.FC.Function == telegram.FuncRespOK
	case SendDataWithReply:
		return resp.Kind == telegram.KindVariable && !resp.FC.FromMaster
	case SendStatusRequest:
		if resp.Kind != telegram.KindFixedNoData || resp.FC.FromMaster {
			return false
		}
		switch resp.FC.Function {
		case telegram.FuncRespActive, telegram.FuncRespPassive, telegram.FuncRespNotReady:
			return true
		default:
			return false
		}
	default:
		return true
	}
}

func (f *FDL) resolveInFlight(now time.Time, resp telegram.Telegram, err error) {
	req := f.inFlight
	f.awaitingReply = false

	if err != nil && f.inFlightRetry < f.cfg.MaxRetryLimit {
		f.stat.Retries++
		f.inFlightRetry++
		f.sendInFlight(now)
		return
	}

	var outErr error
	switch {
	case err != nil:
		outErr = &TransactionError{Address: req.Address, Kind: Timeout}
	case resp.Kind != telegram.KindShortAck && resp.SA != req.Address:
		// A short ack carries no address, so it cannot mismatch.
		outErr = &TransactionError{Address: req.Address, Kind: AddressMismatch}
	case !responseMatchesRequest(req.Kind, resp):
		outErr = &TransactionError{Address: req.Address, Kind: BadResponse}
	}

	f.upper.HandleOutcome(now, req, resp, outErr)

	f.state = UseToken
	f.deadline = now.Add(f.slotDuration())
}
