package dp

import "github.com/rob-gra/go-profibus-dp/telegram"

// Service Access Point identifiers used by the master side of DP
// (spec subclause 6.2). Slave_Diag and Chk_Cfg are distinct SAPs on
// real PROFIBUS hardware (60 and 62 respectively); this package
// follows that standard assignment rather than the spec table's
// apparent typo collapsing both onto 62.
const (
	sapSlaveDiag       byte = 60
	sapSetPrm          byte = 61
	sapChkCfg          byte = 62
	sapGlobalControl   byte = 58
	sapGetCfg          byte = 59
	sapSetSlaveAddress byte = 55
)

// globalControlCommand is the one-byte command carried by
// Global_Control broadcasts.
type globalControlCommand byte

const (
	gcOperate      globalControlCommand = 0x00
	gcClearData    globalControlCommand = 0x02
	gcClearOutputs globalControlCommand = 0x04
)

// buildStatusRequest constructs the FDL_Request_Status probe sent
// while a peripheral is in Stop, checking it is present on the bus at
// all before spending a Diag_Request on it (spec subclause 4.3 step 1).
func buildStatusRequest(addr, master telegram.Address) telegram.Telegram {
	return telegram.NewFixedNoData(addr, master, telegram.FrameControl{
		FromMaster: true,
		Function:   telegram.FuncRequestStatus,
	})
}

// buildDiagRequest constructs the Slave_Diag request telegram sent in
// WaitForDiag and WaitForDiag2 (spec subclause 4.3 steps 2, 5).
func buildDiagRequest(addr, master telegram.Address, fcb bool) telegram.Telegram {
	dsap, ssap := sapSlaveDiag, sapSlaveDiag
	return telegram.NewVariable(addr, master, telegram.FrameControl{
		FromMaster: true,
		FCV:        true,
		FCB:        fcb,
		Function:   telegram.FuncSendAndRequestData,
	}, &dsap, &ssap, nil)
}

// buildSetPrm constructs the Set_Prm request carrying parameterization
// bytes (spec subclause 4.3 step 3).
func buildSetPrm(addr, master telegram.Address, fcb bool, prm []byte) telegram.Telegram {
	dsap, ssap := sapSetPrm, sapSetPrm
	return telegram.NewVariable(addr, master, telegram.FrameControl{
		FromMaster: true,
		FCV:        true,
		FCB:        fcb,
		Function:   telegram.FuncSendWithAck,
	}, &dsap, &ssap, prm)
}

// buildChkCfg constructs the Chk_Cfg request carrying configuration
// identifier bytes (spec subclause 4.3 step 4).
func buildChkCfg(addr, master telegram.Address, fcb bool, cfg []byte) telegram.Telegram {
	dsap, ssap := sapChkCfg, sapChkCfg
	return telegram.NewVariable(addr, master, telegram.FrameControl{
		FromMaster: true,
		FCV:        true,
		FCB:        fcb,
		Function:   telegram.FuncSendWithAck,
	}, &dsap, &ssap, cfg)
}

// buildDataExchange constructs the cyclic Data_Exchange request: no
// DSAP/SSAP, output data in the request, input data in the response
// (spec subclause 4.3 step 6).
func buildDataExchange(addr, master telegram.Address, fcb bool, outputs []byte) telegram.Telegram {
	return telegram.NewVariable(addr, master, telegram.FrameControl{
		FromMaster: true,
		FCV:        true,
		FCB:        fcb,
		Function:   telegram.FuncSendAndRequestData,
	}, nil, nil, outputs)
}

// buildGetCfg constructs a Get_Cfg request, reading back the
// configuration the slave currently holds (spec subclause 6.4,
// diagnostic tooling support beyond the core bring-up sequence).
func buildGetCfg(addr, master telegram.Address, fcb bool) telegram.Telegram {
	dsap, ssap := sapGetCfg, sapGetCfg
	return telegram.NewVariable(addr, master, telegram.FrameControl{
		FromMaster: true,
		FCV:        true,
		FCB:        fcb,
		Function:   telegram.FuncSendAndRequestData,
	}, &dsap, &ssap, nil)
}

// buildSetSlaveAddress constructs a Set_Slave_Address request,
// reassigning a slave still at its factory address (spec subclause
// 6.2).
func buildSetSlaveAddress(addr, master telegram.Address, fcb bool, newAddr telegram.Address, identNumber uint16) telegram.Telegram {
	dsap, ssap := sapSetSlaveAddress, sapSetSlaveAddress
	data := []byte{
		byte(newAddr),
		0, // "no ident check" selector, left disabled
		byte(identNumber >> 8), byte(identNumber),
		0, // no Get_Cfg verification selector
	}
	return telegram.NewVariable(addr, master, telegram.FrameControl{
		FromMaster: true,
		FCV:        true,
		FCB:        fcb,
		Function:   telegram.FuncSendWithAck,
	}, &dsap, &ssap, data)
}

// buildGlobalControl constructs the broadcast Global_Control telegram
// used by Master.EnterOperate/EnterClear/EnterStop (spec subclause
// 6.4).
func buildGlobalControl(master telegram.Address, cmd globalControlCommand, group byte) telegram.Telegram {
	dsap, ssap := sapGlobalControl, sapGlobalControl
	return telegram.NewVariable(telegram.AddressBroadcast, master, telegram.FrameControl{
		FromMaster: true,
		Function:   telegram.FuncSendNoReply,
	}, &dsap, &ssap, []byte{byte(cmd), group})
}
