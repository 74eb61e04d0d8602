// Package telegram implements the bit-exact PROFIBUS-DP wire format: the
// six fixed- and variable-length frame layouts defined by EN 50170 /
// IEC 61158 Type-3, their frame-check-sequence, and the frame-control byte
// that carries the FCB/FCV retry-handshake bits.
//
// The codec is pure and allocation-free: Decode never blocks and never
// panics, Encode writes into a caller-supplied buffer. See companion
// standard 101-3, clause 8 for the underlying telegram catalogue this
// package models.
package telegram

import (
	"errors"
	"fmt"
)

// Start/end delimiters, see companion standard subclause 8.2.
const (
	sdFixedNoData byte = 0x10 // SD1: fixed length telegram, no data field
	sdVariable    byte = 0x68 // SD2: variable length telegram
	sdFixedData   byte = 0xA2 // SD3: fixed length telegram, 8 data octets
	sdToken       byte = 0xDC // SD4: token telegram
	scShortAck    byte = 0xE5 // SC: single-character acknowledgement
	edFrame       byte = 0x16 // ED: end delimiter
)

// Kind identifies which of the six telegram layouts a Telegram carries.
type Kind uint8

const (
	_                           Kind = iota
	KindToken                        // SD4 | DA | SA
	KindShortAck                     // SC
	KindFixedNoData                  // SD1 | DA | SA | FC | FCS | ED
	KindFixedWithData                // SD3 | DA | SA | FC | 8 data | FCS | ED
	KindVariable                     // SD2 ... variable data, expects a reply
	KindVariableTokenPreserving      // SD2 ... broadcast/specific services, no reply expected
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "Token"
	case KindShortAck:
		return "ShortAck"
	case KindFixedNoData:
		return "FixedNoData"
	case KindFixedWithData:
		return "FixedWithData"
	case KindVariable:
		return "Variable"
	case KindVariableTokenPreserving:
		return "VariableTokenPreserving"
	default:
		return fmt.Sprintf("Kind<%d>", uint8(k))
	}
}

// Address is a station address. See spec subclause 3: [0,125] are valid
// station addresses, 126 is the unset default, 127 is the broadcast
// address, and 128-255 never appear on the wire.
type Address uint8

const (
	// AddressUnset marks a station address as not yet configured.
	AddressUnset Address = 126
	// AddressBroadcast is the global/broadcast destination address.
	AddressBroadcast Address = 127
	// MaxStationAddress is the highest individually addressable station.
	MaxStationAddress Address = 125
)

// Valid reports whether a is usable as an individual station address,
// i.e. excludes the unset marker, broadcast, and the reserved range.
func (a Address) Valid() bool {
	return a <= MaxStationAddress
}

// onWire reports whether a may legally appear in a DA/SA field at all
// (individual addresses, the unset marker, or broadcast — never 128-255).
func (a Address) onWire() bool {
	return a <= AddressBroadcast
}

// Frame-control request function codes, master station to addressed
// station (FC bit 7 set). See spec subclause 4.2.4 for how the FDL maps
// these onto SendDataWithReply/SendDataNoReply/SendBroadcast.
const (
	FuncSendNoReply        byte = 0x03 // send data, no acknowledge expected
	FuncSendWithAck        byte = 0x05 // send data, short acknowledge expected
	FuncSendAndRequestData byte = 0x0D // send and request data (expects a data response)
	FuncRequestStatus      byte = 0x09 // FDL_Request_Status (gap-sweep / discovery probe)
)

// Frame-control response function codes, addressed station back to
// master (FC bit 7 clear).
const (
	FuncRespOK       byte = 0x00 // positive acknowledgement, no data
	FuncRespData     byte = 0x08 // positive acknowledgement carrying data
	FuncRespActive   byte = 0x01 // FDL_Request_Status reply: station is active
	FuncRespPassive  byte = 0x02 // FDL_Request_Status reply: station is passive
	FuncRespNotReady byte = 0x03 // negative acknowledgement / not ready
)

const (
	fcBitReq byte = 1 << 7
	fcBitFCB byte = 1 << 6
	fcBitFCV byte = 1 << 5
	fcBitDFC byte = 1 << 5 // response-direction alias of the same bit position
)

// FrameControl is the one-octet FC field carried by every non-token,
// non-short-ack telegram.
type FrameControl struct {
	// FromMaster is true when this FC describes a master request (bit 7
	// set); false for a responding station's reply.
	FromMaster bool
	// FCB/FCV are only meaningful when FromMaster is true. See spec
	// subclause 3: FCB toggles per new request to a given peer and is
	// repeated identically on retry; FCV indicates the bit is in use.
	FCB, FCV bool
	// DFC (data flow control) is only meaningful when FromMaster is
	// false: the responding station sets it to signal its output
	// buffer is full and the master should slow down.
	DFC bool
	// Function is the 5-bit function code, interpreted against
	// Func{Send,Request}*/FuncResp* depending on FromMaster.
	Function byte
}

// Value encodes fc to its wire octet.
func (fc FrameControl) Value() byte {
	v := fc.Function & 0x1F
	if fc.FromMaster {
		v |= fcBitReq
		if fc.FCB {
			v |= fcBitFCB
		}
		if fc.FCV {
			v |= fcBitFCV
		}
	} else if fc.DFC {
		v |= fcBitDFC
	}
	return v
}

// ParseFrameControl decodes a wire FC octet.
func ParseFrameControl(b byte) FrameControl {
	fc := FrameControl{
		FromMaster: b&fcBitReq != 0,
		Function:   b & 0x1F,
	}
	if fc.FromMaster {
		fc.FCB = b&fcBitFCB != 0
		fc.FCV = b&fcBitFCV != 0
	} else {
		fc.DFC = b&fcBitDFC != 0
	}
	return fc
}

// WithFCB returns a copy of fc with the frame-count bit set to v.
func (fc FrameControl) WithFCB(v bool) FrameControl {
	fc.FCB = v
	return fc
}

// SetFCB sets the frame-count bit on fc in place, for callers already
// holding an addressable FrameControl (e.g. a Telegram field) who don't
// need WithFCB's copy.
func (fc *FrameControl) SetFCB(v bool) {
	fc.FCB = v
}

// Telegram is the decoded form of any of the six wire layouts. Only the
// fields relevant to Kind are meaningful; callers that build a Telegram
// by hand should use the New* constructors, which set Kind and leave
// every other field zero. The constructors do not validate their
// arguments; Encode does.
type Telegram struct {
	Kind Kind

	DA, SA Address
	FC     FrameControl

	// DSAP/SSAP are present only when the corresponding address carries
	// the SAP-extension flag (spec subclause 3); Extended reports that.
	Extended   bool
	DSAP, SSAP byte

	Data []byte // 0..244 bytes for variable telegrams, exactly 8 for FixedWithData
}

// addrExtBit marks "SAP extension present" on a DA/SA octet.
const addrExtBit byte = 0x80

func encodeAddr(a Address, ext bool) byte {
	b := byte(a)
	if ext {
		b |= addrExtBit
	}
	return b
}

// Errors returned by Decode (ErrAddressRange, ErrLengthRange and
// ErrDataTooLarge are also returned by Encode; ErrDataTooLarge only by
// Encode). Incomplete is not one of these: it is the separate sentinel
// ErrIncomplete below, so the caller can tell it apart from a true
// parse failure and keep buffering.
var (
	ErrInvalidSD      = errors.New("telegram: unrecognized start delimiter")
	ErrLengthMismatch = errors.New("telegram: LE != LEr in variable-length header")
	ErrLengthRange    = errors.New("telegram: LE out of [4,249] range")
	ErrInvalidFCS     = errors.New("telegram: frame check sequence mismatch")
	ErrInvalidED      = errors.New("telegram: end delimiter is not 0x16")
	ErrAddressRange   = errors.New("telegram: address field in reserved range [128,255) without extension")
	ErrUnexpectedSAP  = errors.New("telegram: DSAP/SSAP present on a variant that does not carry SAPs")
	ErrDataTooLarge   = errors.New("telegram: data field exceeds the telegram's capacity")
)

// ErrIncomplete is returned by Decode when buf holds a valid but
// truncated prefix of a telegram; the caller should retain buf and
// retry once more bytes arrive.
var ErrIncomplete = errors.New("telegram: incomplete")

// Decode parses the telegram at the front of buf. It returns the
// decoded Telegram and the number of bytes consumed from buf.
//
// Decode is total: for every possible byte slice it returns either a
// Telegram, ErrIncomplete (caller should keep buf and wait for more
// bytes), or some other error (caller should discard exactly one byte
// and retry, per spec subclause 4.1's resynchronization rule). It never
// panics.
func Decode(buf []byte) (Telegram, int, error) {
	if len(buf) == 0 {
		return Telegram{}, 0, ErrIncomplete
	}
	switch buf[0] {
	case scShortAck:
		return Telegram{Kind: KindShortAck}, 1, nil
	case sdToken:
		return decodeToken(buf)
	case sdFixedNoData:
		return decodeFixed(buf, KindFixedNoData, 0)
	case sdFixedData:
		return decodeFixed(buf, KindFixedWithData, 8)
	case sdVariable:
		return decodeVariable(buf)
	default:
		return Telegram{}, 0, ErrInvalidSD
	}
}

func decodeToken(buf []byte) (Telegram, int, error) {
	if len(buf) < 3 {
		return Telegram{}, 0, ErrIncomplete
	}
	da, sa := buf[1], buf[2]
	if da >= 128 || sa >= 128 {
		return Telegram{}, 0, ErrAddressRange
	}
	return Telegram{Kind: KindToken, DA: Address(da), SA: Address(sa)}, 3, nil
}

func decodeFixed(buf []byte, kind Kind, dataLen int) (Telegram, int, error) {
	total := 6 + dataLen
	if len(buf) < total {
		return Telegram{}, 0, ErrIncomplete
	}
	fc := buf[3]
	data := buf[4 : 4+dataLen]
	fcs := buf[4+dataLen]
	end := buf[5+dataLen]
	if end != edFrame {
		return Telegram{}, 0, ErrInvalidED
	}
	if !checkFCS(buf[1:4+dataLen], fcs) {
		return Telegram{}, 0, ErrInvalidFCS
	}
	da, sa := buf[1], buf[2]
	daExt, saExt := da&addrExtBit != 0, sa&addrExtBit != 0
	if daExt || saExt {
		// Fixed-length variants never carry SAPs.
		return Telegram{}, 0, ErrUnexpectedSAP
	}
	if Address(da) >= 128 || Address(sa) >= 128 {
		return Telegram{}, 0, ErrAddressRange
	}
	t := Telegram{
		Kind: kind,
		DA:   Address(da), SA: Address(sa),
		FC: ParseFrameControl(fc),
	}
	if dataLen > 0 {
		t.Data = append([]byte(nil), data...)
	}
	return t, total, nil
}

func decodeVariable(buf []byte) (Telegram, int, error) {
	if len(buf) < 4 {
		return Telegram{}, 0, ErrIncomplete
	}
	le, ler := buf[1], buf[2]
	if buf[3] != sdVariable {
		return Telegram{}, 0, ErrInvalidSD
	}
	if le != ler {
		return Telegram{}, 0, ErrLengthMismatch
	}
	if le < 4 || le > 249 {
		return Telegram{}, 0, ErrLengthRange
	}
	total := 4 + int(le) + 2 // header(4) + [DA..data](le) + FCS + ED
	if len(buf) < total {
		return Telegram{}, 0, ErrIncomplete
	}
	body := buf[4 : 4+int(le)]
	fcs := buf[4+int(le)]
	end := buf[5+int(le)]
	if end != edFrame {
		return Telegram{}, 0, ErrInvalidED
	}
	if !checkFCS(body, fcs) {
		return Telegram{}, 0, ErrInvalidFCS
	}

	da, sa := body[0], body[1]
	daExt, saExt := da&addrExtBit != 0, sa&addrExtBit != 0
	// da/sa minus the extension bit is always a 7-bit value, so no
	// further range check is needed here (unlike the fixed-length
	// variants, which carry no extension flag at all).
	fc := ParseFrameControl(body[2])
	rest := body[3:]

	t := Telegram{
		DA: Address(da &^ addrExtBit), SA: Address(sa &^ addrExtBit),
		FC: fc,
	}
	if daExt != saExt {
		return Telegram{}, 0, ErrUnexpectedSAP
	}
	t.Extended = daExt
	if t.Extended {
		if len(rest) < 2 {
			return Telegram{}, 0, ErrUnexpectedSAP
		}
		t.DSAP, t.SSAP = rest[0], rest[1]
		rest = rest[2:]
	}
	if len(rest) > 0 {
		t.Data = append([]byte(nil), rest...)
	}

	if fc.FromMaster && fc.Function == FuncSendNoReply && t.DA == AddressBroadcast {
		t.Kind = KindVariableTokenPreserving
	} else {
		t.Kind = KindVariable
	}
	return t, total, nil
}

func checkFCS(covered []byte, want byte) bool {
	var sum byte
	for _, b := range covered {
		sum += b
	}
	return sum == want
}

func fcs(covered []byte) byte {
	var sum byte
	for _, b := range covered {
		sum += b
	}
	return sum
}

// Encode writes tg's wire representation into buf, which must be at
// least tg.WireLen() bytes long, and returns the number of bytes
// written. Encode always produces a telegram with a correct FCS.
func Encode(tg Telegram, buf []byte) (int, error) {
	need := tg.WireLen()
	if need < 0 {
		return 0, fmt.Errorf("telegram: unknown kind %v", tg.Kind)
	}
	if len(buf) < need {
		return 0, fmt.Errorf("telegram: buffer too small, need %d have %d", need, len(buf))
	}
	switch tg.Kind {
	case KindShortAck:
		buf[0] = scShortAck
		return 1, nil
	case KindToken:
		if !tg.DA.onWire() || !tg.SA.onWire() {
			return 0, ErrAddressRange
		}
		buf[0] = sdToken
		buf[1] = byte(tg.DA)
		buf[2] = byte(tg.SA)
		return 3, nil
	case KindFixedNoData, KindFixedWithData:
		return encodeFixed(tg, buf)
	case KindVariable, KindVariableTokenPreserving:
		return encodeVariable(tg, buf)
	default:
		return 0, fmt.Errorf("telegram: unknown kind %v", tg.Kind)
	}
}

func encodeFixed(tg Telegram, buf []byte) (int, error) {
	dataLen := 0
	sd := sdFixedNoData
	if tg.Kind == KindFixedWithData {
		dataLen = 8
		sd = sdFixedData
		if len(tg.Data) != 8 {
			return 0, fmt.Errorf("telegram: FixedWithData requires exactly 8 data bytes, got %d", len(tg.Data))
		}
	} else if len(tg.Data) != 0 {
		return 0, ErrDataTooLarge
	}
	if !tg.DA.onWire() || !tg.SA.onWire() {
		return 0, ErrAddressRange
	}
	buf[0] = sd
	buf[1] = byte(tg.DA)
	buf[2] = byte(tg.SA)
	buf[3] = tg.FC.Value()
	copy(buf[4:4+dataLen], tg.Data)
	buf[4+dataLen] = fcs(buf[1 : 4+dataLen])
	buf[5+dataLen] = edFrame
	return 6 + dataLen, nil
}

func encodeVariable(tg Telegram, buf []byte) (int, error) {
	if !tg.DA.onWire() || !tg.SA.onWire() {
		return 0, ErrAddressRange
	}
	if len(tg.Data) > 244 {
		return 0, ErrDataTooLarge
	}
	bodyLen := 3 + len(tg.Data)
	if tg.Extended {
		bodyLen += 2
	}
	le := bodyLen
	if le < 4 || le > 249 {
		return 0, ErrLengthRange
	}
	buf[0] = sdVariable
	buf[1] = byte(le)
	buf[2] = byte(le)
	buf[3] = sdVariable
	buf[4] = encodeAddr(tg.DA, tg.Extended)
	buf[5] = encodeAddr(tg.SA, tg.Extended)
	buf[6] = tg.FC.Value()
	off := 7
	if tg.Extended {
		buf[off] = tg.DSAP
		buf[off+1] = tg.SSAP
		off += 2
	}
	copy(buf[off:off+len(tg.Data)], tg.Data)
	body := buf[4 : 4+bodyLen]
	buf[4+bodyLen] = fcs(body)
	buf[5+bodyLen] = edFrame
	return 6 + bodyLen, nil
}

// WireLen returns the number of bytes tg occupies on the wire, or -1
// if tg.Kind is not a recognized value.
func (tg Telegram) WireLen() int {
	switch tg.Kind {
	case KindShortAck:
		return 1
	case KindToken:
		return 3
	case KindFixedNoData:
		return 6
	case KindFixedWithData:
		return 14
	case KindVariable, KindVariableTokenPreserving:
		n := 6 + 3 + len(tg.Data)
		if tg.Extended {
			n += 2
		}
		return n
	default:
		return -1
	}
}

// NewToken builds a token telegram granting the bus to da, sent by sa.
func NewToken(da, sa Address) Telegram {
	return Telegram{Kind: KindToken, DA: da, SA: sa}
}

// NewShortAck builds a one-octet acknowledgement.
func NewShortAck() Telegram {
	return Telegram{Kind: KindShortAck}
}

// NewFixedNoData builds a 6-byte request/response with no data field.
func NewFixedNoData(da, sa Address, fc FrameControl) Telegram {
	return Telegram{Kind: KindFixedNoData, DA: da, SA: sa, FC: fc}
}

// NewFixedWithData builds a 14-byte request/response carrying exactly
// 8 data octets; data must have length 8 (Encode rejects any other
// length).
func NewFixedWithData(da, sa Address, fc FrameControl, data []byte) Telegram {
	return Telegram{Kind: KindFixedWithData, DA: da, SA: sa, FC: fc, Data: data}
}

// NewVariable builds a variable-length telegram. When dsap/ssap is
// non-nil, Extended is set and both SAP bytes are carried. A master's
// send-no-reply broadcast is built as KindVariableTokenPreserving, the
// same Kind Decode reports for it; everything else is KindVariable.
func NewVariable(da, sa Address, fc FrameControl, dsap, ssap *byte, data []byte) Telegram {
	t := Telegram{Kind: KindVariable, DA: da, SA: sa, FC: fc, Data: data}
	if dsap != nil && ssap != nil {
		t.Extended = true
		t.DSAP, t.SSAP = *dsap, *ssap
	}
	if fc.FromMaster && fc.Function == FuncSendNoReply && da == AddressBroadcast {
		t.Kind = KindVariableTokenPreserving
	}
	return t
}
