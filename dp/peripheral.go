// Package dp implements the DP (Decentralized Peripherals) application
// layer on top of the FDL active station: per-slave parameterization
// and cyclic data-exchange state machines, and the master orchestrator
// that owns them (spec subclauses 4.3, 4.4).
package dp

import (
	"fmt"
	"time"

	"github.com/rob-gra/go-profibus-dp/telegram"
)

// State is one state of a peripheral's bring-up/exchange state
// machine (spec subclause 4.3).
type State uint8

const (
	Stop State = iota
	WaitForDiag
	ReqParam
	ReqCfg
	WaitForDiag2
	DataExchange
	Reset
)

func (s State) String() string {
	switch s {
	case Stop:
		return "Stop"
	case WaitForDiag:
		return "WaitForDiag"
	case ReqParam:
		return "ReqParam"
	case ReqCfg:
		return "ReqCfg"
	case WaitForDiag2:
		return "WaitForDiag2"
	case DataExchange:
		return "DataExchange"
	case Reset:
		return "Reset"
	default:
		return "Unknown"
	}
}

// Descriptor configures one peripheral at construction (spec
// subclause 3, "Peripheral descriptor").
type Descriptor struct {
	Address        telegram.Address
	IdentNumber    uint16
	ParamBytes     []byte
	ConfigBytes    []byte
	OutputSize     int
	InputSize      int
	WatchdogFactor uint32 // watchdog timeout = WatchdogFactor * 10ms; 0 disables it
}

// DiagView is the parsed standard diagnostics block (spec subclause
// 4.3 step 2/5: station_non_existent, prm_req, cfg_fault, station_ready
// are all bits of the first diagnostics byte on real hardware).
type DiagView struct {
	StationNonExistent bool
	StationNotReady    bool
	PrmReq             bool
	CfgFault           bool
	StationReady       bool
	DiagPending        bool
	Raw                []byte
}

const (
	diagBitStationNonExistent = 1 << 0
	diagBitStationNotReady    = 1 << 1
	diagBitCfgFault           = 1 << 2
	diagBitPrmReq             = 1 << 3
	diagBitDiagPending        = 1 << 4 // "ext_diag" / high-priority diagnostics pending
)

// diagEqual compares the decoded flags of two DiagView values, ignoring
// Raw (a DiagView is not otherwise comparable since Raw is a slice).
func diagEqual(a, b DiagView) bool {
	return a.StationNonExistent == b.StationNonExistent &&
		a.StationNotReady == b.StationNotReady &&
		a.PrmReq == b.PrmReq &&
		a.CfgFault == b.CfgFault &&
		a.StationReady == b.StationReady &&
		a.DiagPending == b.DiagPending
}

func parseDiag(data []byte) DiagView {
	d := DiagView{Raw: data}
	if len(data) == 0 {
		d.StationNonExistent = true
		return d
	}
	b := data[0]
	d.StationNonExistent = b&diagBitStationNonExistent != 0
	d.StationNotReady = b&diagBitStationNotReady != 0
	d.CfgFault = b&diagBitCfgFault != 0
	d.PrmReq = b&diagBitPrmReq != 0
	d.DiagPending = b&diagBitDiagPending != 0
	d.StationReady = !d.StationNonExistent && !d.StationNotReady && !d.PrmReq && !d.CfgFault
	return d
}

// maxConsecutiveNotReady is how many consecutive not-ready/non-existent
// responses force the bring-up state machine back to Stop (spec
// subclause 4.3, "three times in a row"). This counter never applies to
// a DataExchange hard failure, which backs off per retry_timer instead
// (spec subclause 4.3 step 6).
const maxConsecutiveNotReady = 3

// dataExchangeRetryBackoff is how long a peripheral that drops out of
// DataExchange on a hard transaction failure waits before its next
// Diag_Request is considered due, giving a transiently busy slave room
// to recover instead of hammering it every rotation (spec subclause
// 4.3 step 6, retry_timer).
const dataExchangeRetryBackoff = 100 * time.Millisecond

// Peripheral is one DP slave as tracked by the master. All fields are
// owned exclusively by the Master that holds it; the application
// interacts through WriteOutputs/ReadInputs/Diagnostics.
type Peripheral struct {
	desc Descriptor

	state State

	outputs      []byte
	inputs       []byte
	outputsDirty bool

	lastDiag         DiagView
	lastExchange     time.Time
	watchdogDeadline time.Time

	// retryDeadline holds off the next request while a DataExchange
	// hard failure's retry_timer is still running; zero means no
	// backoff is in effect.
	retryDeadline time.Time

	consecutiveNotReady int
	fcb                 bool

	log eventLog
}

func newPeripheral(desc Descriptor) *Peripheral {
	return &Peripheral{
		desc:    desc,
		state:   Stop,
		outputs: make([]byte, desc.OutputSize),
		inputs:  make([]byte, desc.InputSize),
	}
}

// Address returns the peripheral's PROFIBUS station address.
func (p *Peripheral) Address() telegram.Address { return p.desc.Address }

// State returns the peripheral's current bring-up/exchange state.
func (p *Peripheral) State() State { return p.state }

// WriteOutputs copies data into the peripheral's output buffer; it
// takes effect on the next DataExchange transaction (spec subclause
// 4.3, "Output buffer writes... take effect on the next DataExchange").
// It returns an error if data's length does not match the peripheral's
// configured OutputSize.
func (p *Peripheral) WriteOutputs(data []byte) error {
	if len(data) != len(p.outputs) {
		return fmt.Errorf("dp: output data length %d does not match configured size %d", len(data), len(p.outputs))
	}
	copy(p.outputs, data)
	p.outputsDirty = true
	return nil
}

// ReadInputs returns a copy of the data last received in a successful
// DataExchange.
func (p *Peripheral) ReadInputs() []byte {
	out := make([]byte, len(p.inputs))
	copy(out, p.inputs)
	return out
}

// Diagnostics returns the last parsed diagnostics block, and whether
// one has ever been received.
func (p *Peripheral) Diagnostics() (DiagView, bool) {
	return p.lastDiag, p.state != Stop || p.lastDiag.Raw != nil
}

// RequestReset drives the peripheral back through Global_Control-style
// reset, returning it to Stop (spec subclause 4.3 step 7).
func (p *Peripheral) RequestReset() {
	p.state = Reset
}

// due reports whether this peripheral has work ready to send right
// now. Bring-up states are always eager; DataExchange is cyclic and is
// always due too, since the master re-exchanges every rotation. The
// one exception is a DataExchange hard failure's retry_timer backoff,
// which holds off the next Diag_Request until it elapses.
func (p *Peripheral) due(now time.Time) bool {
	return !now.Before(p.retryDeadline)
}

// buildRequest returns the telegram this peripheral wants sent next,
// given the master's own address.
func (p *Peripheral) buildRequest(master telegram.Address) telegram.Telegram {
	switch p.state {
	case Stop:
		return buildStatusRequest(p.desc.Address, master)
	case WaitForDiag, WaitForDiag2:
		return buildDiagRequest(p.desc.Address, master, p.fcb)
	case ReqParam:
		return buildSetPrm(p.desc.Address, master, p.fcb, p.desc.ParamBytes)
	case ReqCfg:
		return buildChkCfg(p.desc.Address, master, p.fcb, p.desc.ConfigBytes)
	case DataExchange:
		return buildDataExchange(p.desc.Address, master, p.fcb, p.outputs)
	case Reset:
		return buildGlobalControl(master, gcClearData, 0)
	default:
		return buildDiagRequest(p.desc.Address, master, p.fcb)
	}
}

// onSuccess advances the state machine on a positive transaction
// outcome; resp is the decoded response telegram.
func (p *Peripheral) onSuccess(now time.Time, resp telegram.Telegram) {
	notReady := p.consecutiveNotReady
	p.consecutiveNotReady = 0

	switch p.state {
	case Stop:
		p.state = WaitForDiag
	case WaitForDiag:
		diag := parseDiag(resp.Data)
		p.lastDiag = diag
		if diag.StationNonExistent || diag.StationNotReady {
			// Not a positive outcome: keep counting the streak.
			p.consecutiveNotReady = notReady
			p.bumpNotReady(now)
			return
		}
		p.state = ReqParam
	case ReqParam:
		p.state = ReqCfg
	case ReqCfg:
		p.state = WaitForDiag2
	case WaitForDiag2:
		diag := parseDiag(resp.Data)
		diagChanged := !diagEqual(diag, p.lastDiag)
		p.lastDiag = diag
		if diagChanged {
			p.log.push(Event{Kind: DiagnosticsChanged, Address: p.desc.Address, At: now})
		}
		if diag.PrmReq || diag.CfgFault || !diag.StationReady {
			p.state = ReqParam
			return
		}
		p.state = DataExchange
		p.retryDeadline = time.Time{}
		p.log.push(Event{Kind: CameOnline, Address: p.desc.Address, At: now})
		p.armWatchdog(now)
	case DataExchange:
		p.lastExchange = now
		p.armWatchdog(now)
		if len(resp.Data) > 0 {
			copy(p.inputs, resp.Data)
		}
		p.outputsDirty = false
		p.log.push(Event{Kind: CyclicDataReceived, Address: p.desc.Address, At: now})
		if resp.FC.DFC {
			// High-priority diagnostics pending: fetch it next, then
			// resume cyclic exchange (spec subclause 4.3 step 6).
			p.state = WaitForDiag
		}
	case Reset:
		p.state = Stop
	}
}

// onFailure advances the state machine on a failed transaction (spec
// subclause 4.3 step 6, "three times in a row" and watchdog rules). A
// DataExchange hard failure is handled separately from the bring-up
// states' 3-strikes counter: it drops back to WaitForDiag after a
// single failure and waits out retry_timer before trying again.
func (p *Peripheral) onFailure(now time.Time) {
	if p.state == DataExchange {
		p.state = WaitForDiag
		p.retryDeadline = now.Add(dataExchangeRetryBackoff)
		p.log.push(Event{Kind: LostContact, Address: p.desc.Address, At: now})
		return
	}
	p.bumpNotReady(now)
}

func (p *Peripheral) bumpNotReady(now time.Time) {
	p.consecutiveNotReady++
	if p.consecutiveNotReady >= maxConsecutiveNotReady {
		wasOnline := p.state == DataExchange
		p.state = Stop
		p.consecutiveNotReady = 0
		if wasOnline {
			p.log.push(Event{Kind: LostContact, Address: p.desc.Address, At: now})
		}
	}
}

func (p *Peripheral) armWatchdog(now time.Time) {
	if p.desc.WatchdogFactor == 0 {
		p.watchdogDeadline = time.Time{}
		return
	}
	p.watchdogDeadline = now.Add(time.Duration(p.desc.WatchdogFactor) * 10 * time.Millisecond)
}

// checkWatchdog forces the peripheral back to Stop if it has not
// exchanged successfully within its watchdog window (spec subclause
// 4.3, "watchdog timer").
func (p *Peripheral) checkWatchdog(now time.Time) {
	if p.state != DataExchange || p.watchdogDeadline.IsZero() {
		return
	}
	if now.Before(p.watchdogDeadline) {
		return
	}
	p.state = Stop
	p.consecutiveNotReady = 0
	p.log.push(Event{Kind: LostContact, Address: p.desc.Address, At: now})
}
