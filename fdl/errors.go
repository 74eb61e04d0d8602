package fdl

import (
	"errors"
	"fmt"

	"github.com/rob-gra/go-profibus-dp/telegram"
)

// errTimeout is the internal sentinel used between tick handlers to
// signal "no reply arrived before the deadline"; it never escapes the
// package, which instead reports a *TransactionError to the upper
// layer.
var errTimeout = errors.New("fdl: slot time elapsed with no reply")

// TransactionErrorKind distinguishes why an outstanding transaction
// failed (spec subclause 7, TransactionFailed).
type TransactionErrorKind uint8

const (
	Timeout TransactionErrorKind = iota
	BadResponse
	AddressMismatch
)

func (k TransactionErrorKind) String() string {
	switch k {
	case Timeout:
		return "Timeout"
	case BadResponse:
		return "BadResponse"
	case AddressMismatch:
		return "AddressMismatch"
	default:
		return "Unknown"
	}
}

// TransactionError reports that a request the upper layer asked the
// FDL to send did not complete successfully.
type TransactionError struct {
	Address telegram.Address
	Kind    TransactionErrorKind
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("fdl: transaction with station %d failed: %s", e.Address, e.Kind)
}
