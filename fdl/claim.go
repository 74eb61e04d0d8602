package fdl

import "time"

// claimTick completes the claim once the slot guard time has passed;
// telegrams received during ClaimToken are ignored. If the ring has no
// other station as successor, the station also records itself as its
// own predecessor, forming a single-station ring. It then begins normal
// operation by taking the token (spec subclause 4.2.3).
func (f *FDL) claimTick(now time.Time) {
	if now.Before(f.deadline) {
		return
	}
	if f.ring.nextStation == f.ring.thisStation {
		// No other active station answered during ListenToken: we are
		// alone on the bus.
		f.ring.previousStation = f.cfg.Address
	}
	f.stat.TokensReceived++
	f.enterUseToken(now)
}
