package walletcfg

import "fmt"

const (
	// DefaultSatPerVByte is the default fee rate of a spend.
	DefaultSatPerVByte = 2

	// DefaultConfTarget is the confirmation target used when the fee rate
	// comes from the fee estimator.
	DefaultConfTarget = 6
)

// Fee holds the fee rate options of a spend.
//
//nolint:ll
type Fee struct {
	// SatPerVByte is a fixed fee rate. Zero lets the fee estimator pick
	// the rate.
	SatPerVByte uint64 `long:"satpervbyte" description:"Fee rate of the spend in sat/vbyte. Set to 0 to use the Esplora fee estimates."`

	// ConfTarget is the confirmation target passed to the fee estimator.
	ConfTarget uint32 `long:"conftarget" description:"Confirmation target in blocks used when the fee rate is estimated."`
}

// DefaultFeeConfig returns the default fee config.
func DefaultFeeConfig() *Fee {
	return &Fee{
		SatPerVByte: DefaultSatPerVByte,
		ConfTarget:  DefaultConfTarget,
	}
}

// UseEstimator reports whether the fee rate has to be estimated.
func (f *Fee) UseEstimator() bool {
	return f.SatPerVByte == 0
}

// Validate checks the fee options.
func (f *Fee) Validate() error {
	if f.UseEstimator() && f.ConfTarget == 0 {
		return fmt.Errorf("fee.conftarget must be at least 1")
	}

	return nil
}
