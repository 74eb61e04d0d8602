package fdl

import "errors"

// PHY is the byte-level serial transport the FDL consumes. It is the
// only external collaborator the active station talks to; the PHY
// layer itself (UART framing, RS-485 direction control) is out of
// scope for this module (spec subclause 6.3).
//
// The FDL borrows a PHY mutably for the duration of one Poll call and
// never retains it across calls.
type PHY interface {
	// PollReceive copies any bytes received since the last call into
	// buf and returns how many were written. It never blocks: with
	// nothing received it returns (0, nil).
	PollReceive(buf []byte) (int, error)
	// PollTransmit hands up to len(buf) bytes to the transmitter and
	// returns how many were accepted. It never blocks.
	PollTransmit(buf []byte) (int, error)
	// IsTransmitIdle reports whether the last stop bit of any
	// previously queued transmission has physically left the shifter.
	IsTransmitIdle() bool
	// SetBaudRate reconfigures the physical transmission speed.
	SetBaudRate(rate BaudRate) error
	// Reset returns the PHY to a known idle state.
	Reset() error
}

// ErrPhyFault names the PhyFault condition (spec subclause 7). Nothing
// in this package returns it: Poll returns only a wake-up instant, logs
// a PHY error and stops that call early, and does not stop doing I/O on
// later calls.
var ErrPhyFault = errors.New("fdl: phy fault")
