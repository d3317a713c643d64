package txbuilder

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

const (
	// baseTxSize is the size of the version and lock time fields.
	baseTxSize = 4 + 4

	// witnessHeaderWeight is the weight of the segwit marker and flag
	// bytes, which are not scaled.
	witnessHeaderWeight = 1 + 1

	// inputSize is the non-witness size of a segwit input: the previous
	// outpoint, an empty signature script and the sequence.
	//	- outpoint: 32 + 4 bytes
	//	- script length: 1 byte
	//	- sequence: 4 bytes
	inputSize = 32 + 4 + 1 + 4
)

// weightEstimator is used to estimate the weight of a transaction spending
// witness inputs before it is signed. It follows lnd's
// input.TxWeightEstimator, reduced to inputs that declare their witness size
// up front.
type weightEstimator struct {
	numInputs   int
	witnessSize int
	outputs     []*wire.TxOut
}

// addWitnessInput accounts for an input whose witness, including the item
// count, takes at most witnessSize bytes.
func (w *weightEstimator) addWitnessInput(witnessSize int) {
	w.numInputs++
	w.witnessSize += witnessSize
}

// addOutput accounts for the given output.
func (w *weightEstimator) addOutput(txOut *wire.TxOut) {
	w.outputs = append(w.outputs, txOut)
}

// weight returns the estimated weight of the transaction.
func (w *weightEstimator) weight() int64 {
	strippedSize := baseTxSize +
		wire.VarIntSerializeSize(uint64(w.numInputs)) +
		w.numInputs*inputSize +
		wire.VarIntSerializeSize(uint64(len(w.outputs))) +
		txsizes.SumOutputSerializeSizes(w.outputs)

	weight := int64(strippedSize * blockchain.WitnessScaleFactor)
	if w.numInputs > 0 {
		weight += witnessHeaderWeight + int64(w.witnessSize)
	}

	return weight
}
