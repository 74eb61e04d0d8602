package fdl_test

import (
	"testing"
	"time"

	"github.com/rob-gra/go-profibus-dp/clog"
	"github.com/rob-gra/go-profibus-dp/fdl"
	"github.com/rob-gra/go-profibus-dp/simbus"
	"github.com/rob-gra/go-profibus-dp/telegram"
)

// noopUpper implements fdl.UpperLayer with no work ready, for tests
// that only exercise token-ring formation and maintenance.
type noopUpper struct{}

func (noopUpper) NextRequest(now time.Time, budget uint32) fdl.Request { return fdl.Request{} }
func (noopUpper) HandleOutcome(time.Time, fdl.Request, telegram.Telegram, error) {}

func mustStation(t *testing.T, addr telegram.Address, hsa telegram.Address, upper fdl.UpperLayer) *fdl.FDL {
	t.Helper()
	cfg := fdl.Config{Address: addr, HSA: hsa, Baud: fdl.Baud500000}
	f, err := fdl.New(cfg, upper, clog.Clog{})
	if err != nil {
		t.Fatalf("fdl.New(%d): %v", addr, err)
	}
	return f
}

// runUntil polls every station repeatedly, advancing a simulated clock
// in small steps, until cond reports done or the deadline passes.
func runUntil(t *testing.T, stations []*fdl.FDL, phys []*simbus.Station, cond func() bool, deadline time.Duration) {
	t.Helper()
	now := time.Now()
	end := now.Add(deadline)
	step := 50 * time.Microsecond
	for now.Before(end) {
		for i, s := range stations {
			s.Poll(now, phys[i])
		}
		if cond() {
			return
		}
		now = now.Add(step)
	}
	t.Fatalf("condition not met within %v", deadline)
}

// TestTwoStationBringUp exercises scenario S1: two active stations
// with no prior token start from Offline and converge to a two-station
// ring, each holding the other as both successor and predecessor.
func TestTwoStationBringUp(t *testing.T) {
	bus := simbus.NewBus()
	phyA := bus.Attach()
	phyB := bus.Attach()

	a := mustStation(t, 1, 10, noopUpper{})
	b := mustStation(t, 2, 10, noopUpper{})

	now := time.Now()
	a.Enable(now)
	b.Enable(now)

	runUntil(t, []*fdl.FDL{a, b}, []*simbus.Station{phyA, phyB}, func() bool {
		_, anext, aprev := a.Ring()
		_, bnext, bprev := b.Ring()
		return anext == 2 && aprev == 2 && bnext == 1 && bprev == 1
	}, 2*time.Second)
}

// TestLostTokenRecovery exercises scenario S2: a station that never
// hears the token again (its peer vanishes) reclaims the ring as a
// single station rather than stalling forever.
func TestLostTokenRecovery(t *testing.T) {
	bus := simbus.NewBus()
	phyA := bus.Attach()
	phyB := bus.Attach()

	a := mustStation(t, 1, 10, noopUpper{})
	b := mustStation(t, 2, 10, noopUpper{})

	now := time.Now()
	a.Enable(now)
	b.Enable(now)

	runUntil(t, []*fdl.FDL{a, b}, []*simbus.Station{phyA, phyB}, func() bool {
		_, anext, _ := a.Ring()
		return anext == 2
	}, 2*time.Second)

	bus.Detach(phyB)

	runUntil(t, []*fdl.FDL{a}, []*simbus.Station{phyA}, func() bool {
		_, anext, aprev := a.Ring()
		return anext == 1 && aprev == 1
	}, 5*time.Second)
}

// TestSingleStationClaimsAlone covers the degenerate one-station ring:
// with no peer ever present, the station must still reach ActiveIdle
// rather than spinning in ListenToken or ClaimToken forever.
func TestSingleStationClaimsAlone(t *testing.T) {
	bus := simbus.NewBus()
	phyA := bus.Attach()
	a := mustStation(t, 3, 10, noopUpper{})

	now := time.Now()
	a.Enable(now)

	runUntil(t, []*fdl.FDL{a}, []*simbus.Station{phyA}, func() bool {
		this, next, prev := a.Ring()
		return this == 3 && next == 3 && prev == 3 && a.State() == fdl.ActiveIdle
	}, 2*time.Second)
}

// recordingUpper hands the FDL a single broadcast request once, then
// reports it has nothing further; it records every HandleOutcome call.
type recordingUpper struct {
	sent    bool
	outcome []error
}

func (u *recordingUpper) NextRequest(now time.Time, budget uint32) fdl.Request {
	if u.sent {
		return fdl.Request{}
	}
	u.sent = true
	return fdl.Request{
		Address: telegram.AddressBroadcast,
		Kind:    fdl.SendBroadcast,
		Telegram: telegram.NewFixedNoData(telegram.AddressBroadcast, 0, telegram.FrameControl{
			FromMaster: true,
			Function:   telegram.FuncSendNoReply,
		}),
	}
}

func (u *recordingUpper) HandleOutcome(now time.Time, req fdl.Request, resp telegram.Telegram, err error) {
	u.outcome = append(u.outcome, err)
}

// TestBroadcastRequestCompletesWithoutReply exercises the
// SendBroadcast transaction kind: HandleOutcome must fire with a nil
// error and no AwaitResponse wait, since broadcasts are never
// acknowledged (spec subclause 4.2.4).
func TestBroadcastRequestCompletesWithoutReply(t *testing.T) {
	bus := simbus.NewBus()
	phyA := bus.Attach()
	phyB := bus.Attach()

	upper := &recordingUpper{}
	a := mustStation(t, 1, 10, upper)
	b := mustStation(t, 2, 10, noopUpper{})

	now := time.Now()
	a.Enable(now)
	b.Enable(now)

	runUntil(t, []*fdl.FDL{a, b}, []*simbus.Station{phyA, phyB}, func() bool {
		return len(upper.outcome) > 0
	}, 2*time.Second)

	if upper.outcome[0] != nil {
		t.Fatalf("broadcast outcome = %v, want nil", upper.outcome[0])
	}
}
