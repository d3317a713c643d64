package chainfee

import "fmt"

// Estimator provides the ability to estimate on-chain transaction fees for a
// desired confirmation time measured in blocks.
type Estimator interface {
	// EstimateFeePerVByte takes in a target for the number of blocks until
	// an initial confirmation and returns the estimated fee expressed in
	// sat/vb.
	EstimateFeePerVByte(numBlocks uint32) (SatPerVByte, error)

	// Start signals the Estimator to start any processes or goroutines
	// it needs to perform its duty.
	Start() error

	// Stop stops any spawned goroutines and cleans up the resources used
	// by the fee estimator.
	Stop() error

	// RelayFeePerVByte returns the minimum fee rate required for
	// transactions to be relayed.
	RelayFeePerVByte() SatPerVByte
}

// StaticEstimator will return a static value for all fee calculation
// requests. It is designed to be replaced by a proper fee calculation
// implementation. The fees are not accessible directly, because changing them
// would not be thread safe.
type StaticEstimator struct {
	// feePerVByte is the static fee rate in satoshis-per-vbyte that will
	// be returned by this fee estimator.
	feePerVByte SatPerVByte

	// relayFee is the minimum fee rate required for transactions to be
	// relayed.
	relayFee SatPerVByte
}

// A compile-time assertion to ensure that StaticEstimator implements the
// Estimator interface.
var _ Estimator = (*StaticEstimator)(nil)

// NewStaticEstimator returns a new static fee estimator instance.
func NewStaticEstimator(feePerVByte, relayFee SatPerVByte) *StaticEstimator {
	return &StaticEstimator{
		feePerVByte: feePerVByte,
		relayFee:    relayFee,
	}
}

// EstimateFeePerVByte will return a static value for fee calculations.
//
// NOTE: This method is part of the Estimator interface.
func (e StaticEstimator) EstimateFeePerVByte(numBlocks uint32) (SatPerVByte,
	error) {

	if numBlocks == 0 {
		return 0, fmt.Errorf("confirmation target must be at least 1")
	}

	return e.feePerVByte, nil
}

// RelayFeePerVByte returns the minimum fee rate required for transactions to
// be relayed.
//
// NOTE: This method is part of the Estimator interface.
func (e StaticEstimator) RelayFeePerVByte() SatPerVByte {
	return e.relayFee
}

// Start signals the Estimator to start any processes or goroutines
// it needs to perform its duty.
//
// NOTE: This method is part of the Estimator interface.
func (e StaticEstimator) Start() error {
	return nil
}

// Stop stops any spawned goroutines and cleans up the resources used
// by the fee estimator.
//
// NOTE: This method is part of the Estimator interface.
func (e StaticEstimator) Stop() error {
	return nil
}
