package dp

import (
	"testing"
	"time"

	"github.com/rob-gra/go-profibus-dp/fdl"
	"github.com/rob-gra/go-profibus-dp/simbus"
	"github.com/rob-gra/go-profibus-dp/telegram"
)

func mustMaster(t *testing.T, addr telegram.Address) *Master {
	t.Helper()
	m, err := NewMaster(StationConfig{FDL: fdl.Config{Address: addr, HSA: 10, Baud: fdl.Baud500000}})
	if err != nil {
		t.Fatalf("NewMaster(%d): %v", addr, err)
	}
	return m
}

func TestMasterRoundRobinsAcrossPeripherals(t *testing.T) {
	m := mustMaster(t, 2)
	if err := m.AddPeripheral(Descriptor{Address: 5, OutputSize: 1, InputSize: 1}); err != nil {
		t.Fatalf("AddPeripheral(5): %v", err)
	}
	if err := m.AddPeripheral(Descriptor{Address: 6, OutputSize: 1, InputSize: 1}); err != nil {
		t.Fatalf("AddPeripheral(6): %v", err)
	}

	now := time.Now()
	first := m.NextRequest(now, 1000)
	m.HandleOutcome(now, first, telegram.Telegram{}, nil)
	second := m.NextRequest(now, 1000)
	m.HandleOutcome(now, second, telegram.Telegram{}, nil)

	if first.Address == second.Address {
		t.Fatalf("expected round-robin across distinct peripherals, got %d twice", first.Address)
	}
}

func TestMasterCycleCompletedFiresOnceAllExchanged(t *testing.T) {
	m := mustMaster(t, 2)
	if err := m.AddPeripheral(Descriptor{Address: 5, OutputSize: 1, InputSize: 1}); err != nil {
		t.Fatalf("AddPeripheral(5): %v", err)
	}
	if err := m.AddPeripheral(Descriptor{Address: 6, OutputSize: 1, InputSize: 1}); err != nil {
		t.Fatalf("AddPeripheral(6): %v", err)
	}
	pa, _ := m.Peripheral(5)
	pb, _ := m.Peripheral(6)
	pa.state = DataExchange
	pb.state = DataExchange

	m.markExchanged(5)
	for _, e := range m.TakeEvents() {
		if e.Kind == CycleCompleted {
			t.Fatalf("CycleCompleted fired after only one of two peripherals exchanged")
		}
	}

	m.markExchanged(6)
	found := false
	for _, e := range m.TakeEvents() {
		if e.Kind == CycleCompleted {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected CycleCompleted once both peripherals had exchanged")
	}

	// A second round must fire again only once both have re-exchanged.
	m.markExchanged(5)
	for _, e := range m.TakeEvents() {
		if e.Kind == CycleCompleted {
			t.Fatalf("CycleCompleted fired again after only one re-exchange")
		}
	}
	m.markExchanged(6)
	found = false
	for _, e := range m.TakeEvents() {
		if e.Kind == CycleCompleted {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected CycleCompleted to fire again after the second full round")
	}
}

func TestMasterHandleOutcomeIgnoresStaleRequest(t *testing.T) {
	m := mustMaster(t, 2)
	if err := m.AddPeripheral(Descriptor{Address: 5, OutputSize: 1, InputSize: 1}); err != nil {
		t.Fatalf("AddPeripheral(5): %v", err)
	}

	now := time.Now()
	req := fdl.Request{Address: 99} // never issued by NextRequest
	m.HandleOutcome(now, req, telegram.Telegram{}, nil)
	// No panic, no effect: address 99 isn't registered and isn't in flight.
}

func TestEnterOperateQueuesGlobalControlAheadOfSchedule(t *testing.T) {
	m := mustMaster(t, 2)
	if err := m.AddPeripheral(Descriptor{Address: 5, OutputSize: 1, InputSize: 1}); err != nil {
		t.Fatalf("AddPeripheral(5): %v", err)
	}
	m.EnterOperate()

	req := m.NextRequest(time.Now(), 1000)
	if req.Address != telegram.AddressBroadcast {
		t.Fatalf("first request after EnterOperate = addr %d, want broadcast", req.Address)
	}
	if req.Telegram.Data[0] != byte(gcOperate) {
		t.Fatalf("Global_Control command = %#x, want gcOperate", req.Telegram.Data[0])
	}
}

func TestAddPeripheralRejectsDuplicateAndOwnAddress(t *testing.T) {
	m := mustMaster(t, 2)
	if err := m.AddPeripheral(Descriptor{Address: 5, OutputSize: 1, InputSize: 1}); err != nil {
		t.Fatalf("AddPeripheral(5): %v", err)
	}
	if err := m.AddPeripheral(Descriptor{Address: 5, OutputSize: 1, InputSize: 1}); err == nil {
		t.Fatalf("AddPeripheral(5) a second time: expected a duplicate-address ConfigError, got nil")
	}
	if err := m.AddPeripheral(Descriptor{Address: 2, OutputSize: 1, InputSize: 1}); err == nil {
		t.Fatalf("AddPeripheral at the master's own address: expected a ConfigError, got nil")
	}
}

func TestRemovePeripheralUnknownAddress(t *testing.T) {
	m := mustMaster(t, 2)
	if err := m.RemovePeripheral(5); err != ErrPeripheralNotFound {
		t.Fatalf("RemovePeripheral(unregistered) = %v, want ErrPeripheralNotFound", err)
	}
}

// TestRequestConfigReadbackQueuesAheadOfSchedule exercises the unicast
// admin-request priority injection: RequestConfigReadback's Get_Cfg
// probe is sent ahead of ordinary per-peripheral scheduling, and its
// outcome is delivered via ConfigReadback/a ConfigReadbackReceived
// event rather than into any peripheral's state machine.
func TestRequestConfigReadbackQueuesAheadOfSchedule(t *testing.T) {
	m := mustMaster(t, 2)
	if err := m.AddPeripheral(Descriptor{Address: 5, OutputSize: 1, InputSize: 1}); err != nil {
		t.Fatalf("AddPeripheral(5): %v", err)
	}
	if err := m.RequestConfigReadback(5); err != nil {
		t.Fatalf("RequestConfigReadback(5): %v", err)
	}
	if err := m.RequestConfigReadback(5); err != ErrUnicastBusy {
		t.Fatalf("second RequestConfigReadback while pending = %v, want ErrUnicastBusy", err)
	}

	now := time.Now()
	req := m.NextRequest(now, 1000)
	if req.Address != 5 || req.Kind != fdl.SendDataWithReply {
		t.Fatalf("RequestConfigReadback request = %+v, want address 5 kind SendDataWithReply", req)
	}

	p, _ := m.Peripheral(5)
	stateBefore := p.State()

	resp := telegram.Telegram{SA: 5, Data: []byte{0x30, 0xFF}}
	m.HandleOutcome(now, req, resp, nil)

	if p.State() != stateBefore {
		t.Fatalf("config readback outcome leaked into peripheral 5's state machine: state = %v, want unchanged %v", p.State(), stateBefore)
	}

	data, ok := m.ConfigReadback(5)
	if !ok || len(data) != 2 || data[0] != 0x30 || data[1] != 0xFF {
		t.Fatalf("ConfigReadback(5) = %v, %v, want [0x30 0xFF], true", data, ok)
	}

	found := false
	for _, e := range m.TakeEvents() {
		if e.Kind == ConfigReadbackReceived && e.Address == 5 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a ConfigReadbackReceived event for address 5")
	}
}

// simulatedPeripheral stands in for real DP slave hardware on the
// simulated bus: it answers the FDL_Request_Status probe and the
// Slave_Diag/Set_Prm/Chk_Cfg/Data_Exchange requests a peripheral's
// bring-up sequence sends, without itself joining the token ring.
type simulatedPeripheral struct {
	phy    *simbus.Station
	addr   telegram.Address
	master telegram.Address
	rx     []byte
	txBuf  [300]byte
}

func (s *simulatedPeripheral) step() {
	var buf [300]byte
	n, _ := s.phy.PollReceive(buf[:])
	if n > 0 {
		s.rx = append(s.rx, buf[:n]...)
	}
	for {
		tg, used, err := telegram.Decode(s.rx)
		switch {
		case err == telegram.ErrIncomplete:
			return
		case err != nil:
			s.rx = s.rx[1:]
		default:
			s.rx = s.rx[used:]
			s.handle(tg)
		}
	}
}

func (s *simulatedPeripheral) handle(tg telegram.Telegram) {
	if tg.DA != s.addr || !tg.FC.FromMaster {
		return
	}

	if tg.Kind == telegram.KindFixedNoData && tg.FC.Function == telegram.FuncRequestStatus {
		s.send(telegram.NewFixedNoData(tg.SA, s.addr, telegram.FrameControl{
			FromMaster: false,
			Function:   telegram.FuncRespActive,
		}))
		return
	}

	if tg.Kind != telegram.KindVariable {
		return
	}

	if tg.Extended {
		switch tg.DSAP {
		case sapSlaveDiag:
			s.send(telegram.NewVariable(tg.SA, s.addr, telegram.FrameControl{FromMaster: false, Function: telegram.FuncRespData}, nil, nil, []byte{0x00}))
		case sapSetPrm, sapChkCfg:
			s.send(telegram.NewShortAck())
		}
		return
	}

	// Plain variable telegram with no SAP extension: Data_Exchange.
	echo := append([]byte(nil), tg.Data...)
	s.send(telegram.NewVariable(tg.SA, s.addr, telegram.FrameControl{FromMaster: false, Function: telegram.FuncRespData}, nil, nil, echo))
}

func (s *simulatedPeripheral) send(tg telegram.Telegram) {
	n, err := telegram.Encode(tg, s.txBuf[:])
	if err != nil {
		return
	}
	s.phy.PollTransmit(s.txBuf[:n])
}

// TestMasterIntegrationBringsPeripheralOnline wires a real *fdl.FDL
// (owned by a real *dp.Master) to a simulated peripheral over simbus,
// exercising scenario S3 end to end rather than by calling
// Peripheral.onSuccess/onFailure directly.
func TestMasterIntegrationBringsPeripheralOnline(t *testing.T) {
	bus := simbus.NewBus()
	masterPhy := bus.Attach()
	peripheralPhy := bus.Attach()

	m := mustMaster(t, 1)
	if err := m.AddPeripheral(Descriptor{
		Address:     6,
		IdentNumber: 0x1234,
		ParamBytes:  []byte{0x00},
		ConfigBytes: []byte{0x30, 0xFF},
		OutputSize:  2,
		InputSize:   2,
	}); err != nil {
		t.Fatalf("AddPeripheral(6): %v", err)
	}

	sim := &simulatedPeripheral{phy: peripheralPhy, addr: 6, master: 1}

	now := time.Now()
	m.Enable(now)

	window := 500 * time.Millisecond
	deadline := now.Add(window)
	step := 50 * time.Microsecond
	for now.Before(deadline) {
		m.Poll(now, masterPhy)
		sim.step()

		p, ok := m.Peripheral(6)
		if !ok {
			t.Fatalf("peripheral 6 vanished from the master")
		}
		if p.State() == DataExchange {
			return
		}
		now = now.Add(step)
	}
	t.Fatalf("peripheral never reached DataExchange within %v", window)
}
