package chainfee

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

// AbsoluteFeePerKwFloor is the lowest fee rate in sat/kw of a transaction
// that we should ever _create_. This is the equivalent of 1 sat/byte in
// sat/kw.
const AbsoluteFeePerKwFloor SatPerKWeight = 250

// SatPerVByte represents a fee rate in sat/vbyte. This is the unit users
// quote fee rates in, and the unit the spend request carries.
type SatPerVByte btcutil.Amount

// FeeForVSize calculates the fee resulting from this fee rate and the given
// vsize in vbytes.
func (s SatPerVByte) FeeForVSize(vbytes int64) btcutil.Amount {
	return btcutil.Amount(s) * btcutil.Amount(vbytes)
}

// FeeForWeight calculates the fee resulting from this fee rate and the given
// weight. The weight is rounded up to whole vbytes first, which is how the
// network computes the virtual size of a transaction.
func (s SatPerVByte) FeeForWeight(wu int64) btcutil.Amount {
	return s.FeeForVSize(WeightToVSize(wu))
}

// String returns a human-readable string of the fee rate.
func (s SatPerVByte) String() string {
	return fmt.Sprintf("%v sat/vb", int64(s))
}

// SatPerKWeight represents a fee rate in sat/kw.
type SatPerKWeight btcutil.Amount

// FeePerVByte converts the current fee rate from sat/kw to sat/vb. The
// conversion rounds up so a rate is never silently lowered.
func (s SatPerKWeight) FeePerVByte() SatPerVByte {
	perVByte := (s*blockchain.WitnessScaleFactor + 999) / 1000

	return SatPerVByte(perVByte)
}

// String returns a human-readable string of the fee rate.
func (s SatPerKWeight) String() string {
	return fmt.Sprintf("%v sat/kw", int64(s))
}

// WeightToVSize converts a weight to its virtual size, rounding up.
func WeightToVSize(wu int64) int64 {
	return (wu + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor
}
