package logutil

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
)

// LogClosure defers an expensive formatting operation until the logger
// actually prints the value.
type LogClosure func() string

// String invokes the underlying function and returns the result.
func (c LogClosure) String() string {
	return c()
}

// NewLogClosure wraps c so it can be passed to the logger as a Stringer.
func NewLogClosure(c func() string) LogClosure {
	return LogClosure(c)
}

// SpewLogClosure dumps a with spew when the log line is printed.
func SpewLogClosure(a any) LogClosure {
	return func() string {
		return spew.Sdump(a)
	}
}

// TxClosure renders a one line summary of tx: its txid, the spent outpoints
// with their sequence and the value of each output.
func TxClosure(tx *wire.MsgTx) LogClosure {
	return func() string {
		var b strings.Builder
		fmt.Fprintf(&b, "tx %v (v%d)", tx.TxHash(), tx.Version)

		for _, in := range tx.TxIn {
			fmt.Fprintf(&b, " in=%v/seq=%d", in.PreviousOutPoint,
				in.Sequence)
		}
		for _, out := range tx.TxOut {
			fmt.Fprintf(&b, " out=%v", btcutil.Amount(out.Value))
		}

		return b.String()
	}
}
