package dp

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rob-gra/go-profibus-dp/clog"
	"github.com/rob-gra/go-profibus-dp/fdl"
	"github.com/rob-gra/go-profibus-dp/telegram"
)

// ConfigError reports an invalid StationConfig or Descriptor at
// construction/registration time (spec subclause 7's ConfigError,
// surfaced synchronously, never as an event).
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("dp: invalid configuration: %s", e.Reason)
}

// ErrPeripheralNotFound is returned by RemovePeripheral when addr is
// not currently registered.
var ErrPeripheralNotFound = errors.New("dp: peripheral not registered")

// ErrUnicastBusy is returned by RequestConfigReadback/AssignSlaveAddress
// when a previous unicast admin request is still queued or outstanding.
var ErrUnicastBusy = errors.New("dp: a config-readback or address-assignment request is already pending")

// StationConfig composes the FDL link-layer configuration with the
// logger the whole stack shares, the same split the teacher's
// cs104.Config.Valid() performs for connection timing (spec subclause
// 6.2).
type StationConfig struct {
	FDL fdl.Config
	Log clog.Clog
}

// Valid validates and defaults FDL in place.
func (c *StationConfig) Valid() error {
	return c.FDL.Valid()
}

// unicastOp identifies which one-shot admin request a pending/in-flight
// unicast Request corresponds to, so its outcome is interpreted
// correctly once HandleOutcome sees it.
type unicastOp uint8

const (
	opNone unicastOp = iota
	opConfigReadback
	opAssignAddress
)

// Master owns the set of peripherals, drives an internal *fdl.FDL as
// its upper layer, and routes transaction outcomes back to the right
// peripheral's state machine (spec subclause 4.4).
type Master struct {
	address     telegram.Address
	fdl         *fdl.FDL
	peripherals map[telegram.Address]*Peripheral
	order       []telegram.Address // round-robin schedule, sorted by address
	cursor      int
	inFlight    telegram.Address
	inFlightOK  bool

	exchangedSinceCycle map[telegram.Address]bool

	// pendingGlobal, when non-nil, is a Global_Control broadcast
	// queued by EnterOperate/EnterClear/EnterStop; it takes priority
	// over ordinary per-peripheral scheduling on the next NextRequest.
	pendingGlobal *telegram.Telegram

	// pendingUnicast, when non-nil, is a one-shot unicast admin
	// request (Get_Cfg or Set_Slave_Address) queued by
	// RequestConfigReadback/AssignSlaveAddress. It is consumed ahead of
	// ordinary per-peripheral scheduling, but behind pendingGlobal.
	pendingUnicast  *fdl.Request
	unicastInFlight bool
	unicastAddr     telegram.Address
	unicastOp       unicastOp

	configReadback map[telegram.Address][]byte

	events eventLog
	log    clog.Clog
}

// SetLogger attaches a logger; a Master with no logger set runs silent.
func (m *Master) SetLogger(log clog.Clog) {
	m.log = log
}

// NewMaster constructs a master orchestrator and the *fdl.FDL active
// station underneath it. The FDL starts Offline; call Enable to begin
// bus participation. Peripherals are added with AddPeripheral before
// Poll is ever called.
func NewMaster(cfg StationConfig) (*Master, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	m := &Master{
		address:             cfg.FDL.Address,
		peripherals:         make(map[telegram.Address]*Peripheral),
		exchangedSinceCycle: make(map[telegram.Address]bool),
		log:                 cfg.Log,
	}
	f, err := fdl.New(cfg.FDL, m, cfg.Log)
	if err != nil {
		return nil, err
	}
	m.fdl = f
	return m, nil
}

// Enable transitions the underlying FDL station into ListenToken,
// beginning bus participation (spec subclause 4.2).
func (m *Master) Enable(now time.Time) {
	m.fdl.Enable(now)
}

// Disable takes the underlying FDL station offline.
func (m *Master) Disable() {
	m.fdl.Disable()
}

// Poll is the stack's single entrypoint (spec subclause 5): it drives
// the underlying FDL station exactly once and returns the earliest
// instant at which it would benefit from being called again.
func (m *Master) Poll(now time.Time, phy fdl.PHY) time.Time {
	return m.fdl.Poll(now, phy)
}

// AddPeripheral registers a new DP slave. It is safe to call only
// while the FDL is not concurrently polling this Master. It returns a
// *ConfigError if addr is out of range, collides with the master's own
// station address, or is already registered (spec subclause 9(b)).
func (m *Master) AddPeripheral(desc Descriptor) error {
	if !desc.Address.Valid() {
		return &ConfigError{Reason: fmt.Sprintf("peripheral address %d out of range", desc.Address)}
	}
	if desc.Address == m.address {
		return &ConfigError{Reason: fmt.Sprintf("peripheral address %d collides with the master's own station address", desc.Address)}
	}
	if _, exists := m.peripherals[desc.Address]; exists {
		return &ConfigError{Reason: fmt.Sprintf("peripheral address %d is already registered", desc.Address)}
	}
	m.peripherals[desc.Address] = newPeripheral(desc)
	m.rebuildOrder()
	return nil
}

// RemovePeripheral drops a DP slave from the schedule entirely. It
// returns ErrPeripheralNotFound if addr is not currently registered.
func (m *Master) RemovePeripheral(addr telegram.Address) error {
	if _, ok := m.peripherals[addr]; !ok {
		return ErrPeripheralNotFound
	}
	delete(m.peripherals, addr)
	delete(m.exchangedSinceCycle, addr)
	m.rebuildOrder()
	return nil
}

// Peripheral returns the peripheral at addr, and whether one is
// registered there.
func (m *Master) Peripheral(addr telegram.Address) (*Peripheral, bool) {
	p, ok := m.peripherals[addr]
	return p, ok
}

func (m *Master) rebuildOrder() {
	m.order = m.order[:0]
	for addr := range m.peripherals {
		m.order = append(m.order, addr)
	}
	sort.Slice(m.order, func(i, j int) bool { return m.order[i] < m.order[j] })
	if m.cursor >= len(m.order) {
		m.cursor = 0
	}
}

// TakeEvents drains and returns every event recorded across all
// peripherals and the master itself since the previous call (spec
// subclause 4.4, take_last_events).
func (m *Master) TakeEvents() []Event {
	var out []Event
	out = append(out, m.events.drain()...)
	for _, addr := range m.order {
		out = append(out, m.peripherals[addr].log.drain()...)
	}
	return out
}

// NextRequest implements fdl.UpperLayer. pendingGlobal takes priority,
// then pendingUnicast, then the ordinary per-peripheral round robin.
func (m *Master) NextRequest(now time.Time, budget uint32) fdl.Request {
	if m.pendingGlobal != nil {
		tg := *m.pendingGlobal
		m.pendingGlobal = nil
		return fdl.Request{Address: telegram.AddressBroadcast, Kind: fdl.SendBroadcast, Telegram: tg}
	}
	if m.pendingUnicast != nil {
		req := *m.pendingUnicast
		m.pendingUnicast = nil
		m.unicastInFlight = true
		m.unicastAddr = req.Address
		return req
	}
	if len(m.order) == 0 {
		return fdl.Request{}
	}
	for _, addr := range m.order {
		m.peripherals[addr].checkWatchdog(now)
	}

	for i := 0; i < len(m.order); i++ {
		addr := m.order[m.cursor]
		m.cursor = (m.cursor + 1) % len(m.order)
		p := m.peripherals[addr]
		if !p.due(now) {
			continue
		}
		m.inFlight = addr
		m.inFlightOK = true
		return fdl.Request{
			Address:  addr,
			Telegram: p.buildRequest(m.address),
			Kind:     requestKind(p.state),
		}
	}
	return fdl.Request{}
}

func requestKind(s State) fdl.TxKind {
	switch s {
	case Stop:
		return fdl.SendStatusRequest
	case ReqParam, ReqCfg:
		return fdl.SendDataNoReply
	case Reset:
		return fdl.SendBroadcast
	default:
		return fdl.SendDataWithReply
	}
}

// HandleOutcome implements fdl.UpperLayer, routing the result either to
// the outstanding unicast admin request or to whichever peripheral it
// was sent for.
func (m *Master) HandleOutcome(now time.Time, req fdl.Request, resp telegram.Telegram, err error) {
	if m.unicastInFlight && req.Address == m.unicastAddr {
		m.unicastInFlight = false
		m.resolveUnicastOutcome(now, req, resp, err)
		return
	}

	if !m.inFlightOK || req.Address != m.inFlight {
		return
	}
	m.inFlightOK = false

	p, ok := m.peripherals[req.Address]
	if !ok {
		return
	}

	wasExchange := p.state == DataExchange
	if err != nil {
		p.onFailure(now)
	} else {
		p.onSuccess(now, resp)
	}

	if wasExchange && p.state == DataExchange && err == nil {
		m.markExchanged(req.Address)
	}
}

func (m *Master) resolveUnicastOutcome(now time.Time, req fdl.Request, resp telegram.Telegram, err error) {
	switch m.unicastOp {
	case opConfigReadback:
		if err != nil {
			m.log.Debug("dp: config readback from %d failed: %v", req.Address, err)
			return
		}
		if m.configReadback == nil {
			m.configReadback = make(map[telegram.Address][]byte)
		}
		m.configReadback[req.Address] = append([]byte(nil), resp.Data...)
		m.events.push(Event{Kind: ConfigReadbackReceived, Address: req.Address, At: now})
	case opAssignAddress:
		if err != nil {
			m.log.Debug("dp: slave address assignment to %d failed: %v", req.Address, err)
			return
		}
		m.events.push(Event{Kind: SlaveAddressAssigned, Address: req.Address, At: now})
	}
}

// RequestConfigReadback queues a one-shot Get_Cfg request to addr,
// reading back the configuration the slave currently holds (spec
// subclause 6.4). The result, once received, is available from
// ConfigReadback and is also reported via a ConfigReadbackReceived
// event.
func (m *Master) RequestConfigReadback(addr telegram.Address) error {
	if !addr.Valid() {
		return &ConfigError{Reason: fmt.Sprintf("address %d out of range", addr)}
	}
	if m.pendingUnicast != nil || m.unicastInFlight {
		return ErrUnicastBusy
	}
	tg := buildGetCfg(addr, m.address, false)
	m.pendingUnicast = &fdl.Request{Address: addr, Telegram: tg, Kind: fdl.SendDataWithReply}
	m.unicastOp = opConfigReadback
	return nil
}

// AssignSlaveAddress queues a one-shot Set_Slave_Address request,
// reassigning the slave currently at addr to newAddr (spec subclause
// 6.2). Success is reported via a SlaveAddressAssigned event.
func (m *Master) AssignSlaveAddress(addr, newAddr telegram.Address, identNumber uint16) error {
	if !addr.Valid() {
		return &ConfigError{Reason: fmt.Sprintf("address %d out of range", addr)}
	}
	if !newAddr.Valid() {
		return &ConfigError{Reason: fmt.Sprintf("new address %d out of range", newAddr)}
	}
	if m.pendingUnicast != nil || m.unicastInFlight {
		return ErrUnicastBusy
	}
	tg := buildSetSlaveAddress(addr, m.address, false, newAddr, identNumber)
	m.pendingUnicast = &fdl.Request{Address: addr, Telegram: tg, Kind: fdl.SendDataNoReply}
	m.unicastOp = opAssignAddress
	return nil
}

// ConfigReadback returns the last configuration bytes read back from
// addr via RequestConfigReadback, and whether one has ever been
// received.
func (m *Master) ConfigReadback(addr telegram.Address) ([]byte, bool) {
	data, ok := m.configReadback[addr]
	return data, ok
}

func (m *Master) markExchanged(addr telegram.Address) {
	if m.exchangedSinceCycle == nil {
		m.exchangedSinceCycle = make(map[telegram.Address]bool)
	}
	m.exchangedSinceCycle[addr] = true

	total := 0
	for _, addr := range m.order {
		if m.peripherals[addr].state == DataExchange {
			total++
		}
	}
	if total == 0 {
		return
	}
	done := 0
	for _, addr := range m.order {
		if m.peripherals[addr].state == DataExchange && m.exchangedSinceCycle[addr] {
			done++
		}
	}
	if done >= total {
		m.events.push(Event{Kind: CycleCompleted, Address: telegram.AddressUnset})
		m.log.Debug("dp: cycle completed across %d peripherals", total)
		for k := range m.exchangedSinceCycle {
			delete(m.exchangedSinceCycle, k)
		}
	}
}

// EnterOperate queues a Global_Control/Operate broadcast, clearing any
// previous Clear-Outputs/Clear-Data condition (spec subclause 6.4). It
// is sent on the next NextRequest call ahead of ordinary scheduling.
func (m *Master) EnterOperate() {
	tg := buildGlobalControl(m.address, gcOperate, 0)
	m.pendingGlobal = &tg
	m.log.Debug("dp: queued Global_Control/Operate")
}

// EnterClear queues a Global_Control/Clear-Outputs broadcast:
// peripherals hold their last parameterized safe-state outputs.
func (m *Master) EnterClear() {
	tg := buildGlobalControl(m.address, gcClearOutputs, 0)
	m.pendingGlobal = &tg
}

// EnterStop queues a Global_Control/Clear-Data broadcast, returning
// every peripheral's outputs to their parameterized safe state.
func (m *Master) EnterStop() {
	tg := buildGlobalControl(m.address, gcClearData, 0)
	m.pendingGlobal = &tg
}
