package dp

import (
	"testing"
	"time"

	"github.com/rob-gra/go-profibus-dp/telegram"
)

func newTestPeripheral() *Peripheral {
	return newPeripheral(Descriptor{
		Address:        6,
		IdentNumber:    0x1234,
		ParamBytes:     []byte{0x00},
		ConfigBytes:    []byte{0x30, 0xFF},
		OutputSize:     2,
		InputSize:      2,
		WatchdogFactor: 10, // 100ms
	})
}

func readyDiagResponse() telegram.Telegram {
	return telegram.Telegram{Data: []byte{0x00}}
}

// TestPeripheralColdStart exercises scenario S3: a freshly constructed
// peripheral walks Stop->WaitForDiag->ReqParam->ReqCfg->WaitForDiag2->
// DataExchange purely on successful responses.
func TestPeripheralColdStart(t *testing.T) {
	p := newTestPeripheral()
	now := time.Now()

	if p.State() != Stop {
		t.Fatalf("initial state = %v, want Stop", p.State())
	}

	p.onSuccess(now, telegram.Telegram{}) // FDL_Request_Status reply
	if p.State() != WaitForDiag {
		t.Fatalf("after status reply, state = %v, want WaitForDiag", p.State())
	}

	p.onSuccess(now, readyDiagResponse())
	if p.State() != ReqParam {
		t.Fatalf("after first diag, state = %v, want ReqParam", p.State())
	}

	p.onSuccess(now, telegram.Telegram{}) // Set_Prm short ack
	if p.State() != ReqCfg {
		t.Fatalf("after Set_Prm ack, state = %v, want ReqCfg", p.State())
	}

	p.onSuccess(now, telegram.Telegram{}) // Chk_Cfg short ack
	if p.State() != WaitForDiag2 {
		t.Fatalf("after Chk_Cfg ack, state = %v, want WaitForDiag2", p.State())
	}

	p.onSuccess(now, readyDiagResponse())
	if p.State() != DataExchange {
		t.Fatalf("after second diag, state = %v, want DataExchange", p.State())
	}

	events := p.log.drain()
	found := false
	for _, e := range events {
		if e.Kind == CameOnline {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a CameOnline event, got %+v", events)
	}
}

// TestPeripheralCfgFaultLoopsBack exercises scenario S4: a Chk_Cfg
// rejection surfaces as cfg_fault in the WaitForDiag2 diagnostics and
// sends the engine back to ReqParam without emitting CameOnline.
func TestPeripheralCfgFaultLoopsBack(t *testing.T) {
	p := newTestPeripheral()
	now := time.Now()

	p.onSuccess(now, telegram.Telegram{})
	p.onSuccess(now, readyDiagResponse())
	p.onSuccess(now, telegram.Telegram{})
	p.onSuccess(now, telegram.Telegram{})

	p.onSuccess(now, telegram.Telegram{Data: []byte{diagBitCfgFault}})
	if p.State() != ReqParam {
		t.Fatalf("after cfg_fault diag, state = %v, want ReqParam", p.State())
	}

	for _, e := range p.log.drain() {
		if e.Kind == CameOnline {
			t.Fatalf("unexpected CameOnline event before a successful bring-up")
		}
	}
}

// TestPeripheralDiagInterruptsExchange exercises scenario S5: a
// diag-pending flag on a DataExchange response routes the next request
// through WaitForDiag instead of stalling output.
func TestPeripheralDiagInterruptsExchange(t *testing.T) {
	p := newTestPeripheral()
	now := time.Now()
	p.state = DataExchange

	resp := telegram.Telegram{
		FC:   telegram.FrameControl{FromMaster: false, DFC: true},
		Data: []byte{0xAA, 0xBB},
	}
	p.onSuccess(now, resp)

	if p.State() != WaitForDiag {
		t.Fatalf("after diag-pending exchange, state = %v, want WaitForDiag", p.State())
	}
	if got := p.ReadInputs(); got[0] != 0xAA || got[1] != 0xBB {
		t.Fatalf("ReadInputs = %v, want [0xAA 0xBB]: input data should still be delivered", got)
	}
}

// TestPeripheralWatchdog exercises scenario S6: a peripheral that
// stops responding is force-reset to Stop once its watchdog window
// elapses, with a LostContact event.
func TestPeripheralWatchdog(t *testing.T) {
	p := newTestPeripheral()
	now := time.Now()

	p.onSuccess(now, telegram.Telegram{})
	p.onSuccess(now, readyDiagResponse())
	p.onSuccess(now, telegram.Telegram{})
	p.onSuccess(now, telegram.Telegram{})
	p.onSuccess(now, readyDiagResponse())
	p.log.drain()

	if p.State() != DataExchange {
		t.Fatalf("setup failed: state = %v, want DataExchange", p.State())
	}

	later := now.Add(101 * time.Millisecond)
	p.checkWatchdog(later)

	if p.State() != Stop {
		t.Fatalf("after watchdog elapses, state = %v, want Stop", p.State())
	}

	events := p.log.drain()
	if len(events) != 1 || events[0].Kind != LostContact {
		t.Fatalf("events = %+v, want exactly one LostContact", events)
	}
}

// TestPeripheralThreeStrikesToStop exercises the "three times in a
// row" not-ready rule from the bring-up states, independent of the
// watchdog.
func TestPeripheralThreeStrikesToStop(t *testing.T) {
	p := newTestPeripheral()
	now := time.Now()

	p.onSuccess(now, telegram.Telegram{}) // -> WaitForDiag
	notReady := telegram.Telegram{Data: []byte{diagBitStationNotReady}}
	p.onSuccess(now, notReady)
	p.onSuccess(now, notReady)
	if p.State() != WaitForDiag {
		t.Fatalf("after two not-ready diags, state = %v, want WaitForDiag (still retrying)", p.State())
	}
	p.onSuccess(now, notReady)
	if p.State() != Stop {
		t.Fatalf("after three not-ready diags, state = %v, want Stop", p.State())
	}
}

// TestPeripheralDataExchangeFailureBacksOffInsteadOfThreeStrikes
// exercises the retry_timer rule from spec subclause 4.3 step 6: a
// DataExchange hard failure drops straight to WaitForDiag after a
// single failure (not the bring-up states' three-strikes rule) and
// holds off the next request until the backoff elapses.
func TestPeripheralDataExchangeFailureBacksOffInsteadOfThreeStrikes(t *testing.T) {
	p := newTestPeripheral()
	now := time.Now()

	p.onSuccess(now, telegram.Telegram{})
	p.onSuccess(now, readyDiagResponse())
	p.onSuccess(now, telegram.Telegram{})
	p.onSuccess(now, telegram.Telegram{})
	p.onSuccess(now, readyDiagResponse())
	p.log.drain()

	if p.State() != DataExchange {
		t.Fatalf("setup failed: state = %v, want DataExchange", p.State())
	}

	p.onFailure(now)
	if p.State() != WaitForDiag {
		t.Fatalf("after a single DataExchange failure, state = %v, want WaitForDiag", p.State())
	}
	if p.due(now) {
		t.Fatalf("due(now) = true immediately after a DataExchange failure, want false during retry_timer backoff")
	}
	if !p.due(now.Add(dataExchangeRetryBackoff)) {
		t.Fatalf("due() = false once retry_timer has elapsed, want true")
	}

	events := p.log.drain()
	if len(events) != 1 || events[0].Kind != LostContact {
		t.Fatalf("events = %+v, want exactly one LostContact", events)
	}
}

func TestParseDiagStationNonExistentOnEmptyData(t *testing.T) {
	d := parseDiag(nil)
	if !d.StationNonExistent {
		t.Fatalf("parseDiag(nil).StationNonExistent = false, want true")
	}
}
