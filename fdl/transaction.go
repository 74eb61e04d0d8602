package fdl

import (
	"time"

	"github.com/rob-gra/go-profibus-dp/telegram"
)

// TxKind is the upper layer's expected-response classification for a
// request it hands to the FDL (spec subclause 4.2.4).
type TxKind uint8

const (
	// Nothing means the upper layer has no work ready to send.
	Nothing TxKind = iota
	// SendDataWithReply expects a data response within T_slot.
	SendDataWithReply
	// SendDataNoReply expects a short acknowledgement within T_slot.
	SendDataNoReply
	// SendBroadcast expects no acknowledgement at all.
	SendBroadcast
	// SendStatusRequest expects an FDL_Request_Status-style reply
	// (active/passive/not-ready, carrying no data) within T_slot.
	SendStatusRequest
)

// Request is one upper-layer-supplied telegram plus how the FDL
// should expect it to be answered.
type Request struct {
	Address  telegram.Address
	Telegram telegram.Telegram
	Kind     TxKind
}

// UpperLayer is implemented by the layer above the FDL (the DP master
// orchestrator) and driven once per UseToken entry, per spec subclause
// 4.2.4.
type UpperLayer interface {
	// NextRequest is asked, with the token held, which request (if any)
	// to send next. budget is the configured target token rotation time
	// (TTR) in bit-times; the FDL does not deduct the time already spent
	// holding the token, so the same value is passed on every call. A
	// Request with Kind == Nothing means no work is ready.
	// now is the current poll instant, for deadline-driven scheduling
	// (retry back-off, watchdogs) above the FDL.
	NextRequest(now time.Time, budget uint32) Request

	// HandleOutcome delivers the result of a request previously
	// returned from NextRequest: resp is the decoded response telegram
	// (valid only when err == nil), err is nil on success or a
	// *TransactionError on failure. now is the current poll instant.
	HandleOutcome(now time.Time, req Request, resp telegram.Telegram, err error)
}
