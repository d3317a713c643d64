package txbuilder

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// ErrInvalidAmount is returned when a spend request carries an amount that
// can't be resolved.
var ErrInvalidAmount = errors.New("invalid amount")

type amountKind uint8

const (
	amountExact amountKind = iota
	amountFraction
	amountSweep
)

// AmountSpec describes how much a spend sends to the recipient.
type AmountSpec struct {
	kind   amountKind
	amount btcutil.Amount
	num    uint32
	den    uint32
}

// Exact sends the given amount. The fee is paid on top of it.
func Exact(amount btcutil.Amount) AmountSpec {
	return AmountSpec{kind: amountExact, amount: amount}
}

// Fraction sends num/den of the confirmed balance, rounded down. The fee is
// paid on top of it, so Fraction(1, 1) can never be funded. Use SweepAll to
// empty the wallet.
func Fraction(num, den uint32) AmountSpec {
	return AmountSpec{kind: amountFraction, num: num, den: den}
}

// SweepAll sends the whole confirmed balance minus the fee.
func SweepAll() AmountSpec {
	return AmountSpec{kind: amountSweep}
}

// IsSweep reports whether the amount sweeps the confirmed balance.
func (a AmountSpec) IsSweep() bool {
	return a.kind == amountSweep
}

// String returns a human readable form of the amount.
func (a AmountSpec) String() string {
	switch a.kind {
	case amountExact:
		return a.amount.String()

	case amountFraction:
		return fmt.Sprintf("%d/%d of confirmed balance", a.num, a.den)

	default:
		return "sweep all"
	}
}

// resolve returns the recipient amount for the given confirmed balance. It
// must not be called for a sweep, whose amount depends on the fee.
func (a AmountSpec) resolve(balance btcutil.Amount) (btcutil.Amount, error) {
	switch a.kind {
	case amountExact:
		if a.amount <= 0 {
			return 0, fmt.Errorf("%w: %v", ErrInvalidAmount,
				a.amount)
		}

		return a.amount, nil

	case amountFraction:
		if a.num == 0 || a.den == 0 || a.num > a.den {
			return 0, fmt.Errorf("%w: fraction %d/%d",
				ErrInvalidAmount, a.num, a.den)
		}

		// Split the multiplication so it can't overflow for any
		// balance.
		whole := balance / btcutil.Amount(a.den) * btcutil.Amount(a.num)
		rest := uint64(balance%btcutil.Amount(a.den)) * uint64(a.num) /
			uint64(a.den)

		return whole + btcutil.Amount(rest), nil

	default:
		return 0, fmt.Errorf("%w: sweep has no fixed amount",
			ErrInvalidAmount)
	}
}
