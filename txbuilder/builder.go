package txbuilder

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/lightninglabs/csvwallet/chainfee"
	"github.com/lightninglabs/csvwallet/ledger"
	"github.com/lightninglabs/csvwallet/logutil"
	"github.com/lightninglabs/csvwallet/policy"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// txVersion is the version of the built transactions. BIP-68 relative
// locktimes are only enforced from version 2 on.
const txVersion = 2

var (
	// ErrNoSpendableInputs is returned when the wallet has no confirmed
	// outputs to spend.
	ErrNoSpendableInputs = errors.New("no confirmed outputs to spend")

	// ErrInsufficientFunds is returned when the confirmed balance can't
	// pay for the requested amount and the fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDustOutput is returned when the recipient would receive an amount
	// below the dust limit.
	ErrDustOutput = errors.New("output below dust limit")

	// ErrFeeRateTooLow is returned when the requested fee rate is below
	// the minimum relay fee rate.
	ErrFeeRateTooLow = errors.New("fee rate below 1 sat/vb")

	// ErrMissingRecipient is returned for a request without a recipient
	// script.
	ErrMissingRecipient = errors.New("missing recipient script")
)

// InsufficientFundsError carries the amounts of a spend that can't be
// funded.
type InsufficientFundsError struct {
	// Available is the confirmed balance.
	Available btcutil.Amount

	// Amount is the amount the recipient was to receive.
	Amount btcutil.Amount

	// Fee is the fee the spend would have paid.
	Fee btcutil.Amount
}

// Error returns a human-readable string describing the error.
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %v (amount %v + fee %v), "+
		"have %v", e.Amount+e.Fee, e.Amount, e.Fee, e.Available)
}

// Unwrap makes the error match ErrInsufficientFunds.
func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// Config holds the configuration of a Builder.
type Config struct {
	// Policy is the policy locking every output the wallet spends.
	Policy *policy.Policy

	// Selector picks the inputs of a spend. Defaults to SelectAll.
	Selector InputSelector

	// ChangeScript receives the remainder of a partial spend. Defaults to
	// the policy's own script.
	ChangeScript []byte

	// DustLimit raises the dust limit of the outputs above the relay
	// policy's threshold.
	DustLimit btcutil.Amount
}

// Request describes a spend.
type Request struct {
	// RecipientScript is the output script paid.
	RecipientScript []byte

	// Amount is the amount paid to the recipient.
	Amount AmountSpec

	// FeeRate is the fee rate the transaction pays at least.
	FeeRate chainfee.SatPerVByte
}

// UnsignedTransaction is a fully funded transaction ready to be signed.
type UnsignedTransaction struct {
	// Packet holds the transaction, with every input's witness output and
	// witness script filled in.
	Packet *psbt.Packet

	// FeeRate is the requested fee rate.
	FeeRate chainfee.SatPerVByte

	// Fee is the absolute fee paid.
	Fee btcutil.Amount

	// Weight is the estimated weight of the signed transaction.
	Weight int64

	// Amount is the amount paid to the recipient.
	Amount btcutil.Amount

	// Inputs are the outputs spent, in input order.
	Inputs []ledger.Utxo

	// ChangeIndex is the index of the output returning the remainder to
	// the wallet, if any.
	ChangeIndex fn.Option[uint32]
}

// Tx returns the unsigned transaction.
func (u *UnsignedTransaction) Tx() *wire.MsgTx {
	return u.Packet.UnsignedTx
}

// TotalInput returns the sum of the spent outputs.
func (u *UnsignedTransaction) TotalInput() btcutil.Amount {
	var total btcutil.Amount
	for _, utxo := range u.Inputs {
		total += utxo.Value
	}

	return total
}

// Builder funds spends of the wallet's outputs.
type Builder struct {
	cfg *Config
}

// New creates a Builder from the given config.
func New(cfg *Config) *Builder {
	c := *cfg
	if c.Selector == nil {
		c.Selector = SelectAll
	}
	if len(c.ChangeScript) == 0 && c.Policy != nil {
		c.ChangeScript = c.Policy.PkScript()
	}

	return &Builder{cfg: &c}
}

// Build funds the requested spend from the confirmed outputs in utxos.
// Unconfirmed outputs are ignored, as the timelock can't be satisfied for
// them yet.
func (b *Builder) Build(utxos []ledger.Utxo,
	req *Request) (*UnsignedTransaction, error) {

	if len(req.RecipientScript) == 0 {
		return nil, ErrMissingRecipient
	}
	if req.FeeRate < 1 {
		return nil, fmt.Errorf("%w: %v", ErrFeeRateTooLow, req.FeeRate)
	}

	var (
		eligible []ledger.Utxo
		balance  btcutil.Amount
	)
	for _, utxo := range utxos {
		if !utxo.Confirmed() {
			continue
		}

		eligible = append(eligible, utxo)
		balance += utxo.Value
	}
	if len(eligible) == 0 {
		return nil, ErrNoSpendableInputs
	}

	if req.Amount.IsSweep() {
		return b.buildSweep(eligible, balance, req)
	}

	amount, err := req.Amount.resolve(balance)
	if err != nil {
		return nil, err
	}

	recipient := wire.NewTxOut(int64(amount), req.RecipientScript)
	change := wire.NewTxOut(0, b.cfg.ChangeScript)
	changeDust := b.dustLimit(b.cfg.ChangeScript)

	// Select inputs until they pay for the amount and the fee of a
	// transaction without change. Each round may add inputs, which raises
	// the fee, so we repeat until the selection settles.
	var (
		amtNeeded = amount
		prevCount = -1
	)
	for {
		selected := b.cfg.Selector.Select(eligible, amtNeeded)

		var total btcutil.Amount
		for _, utxo := range selected {
			total += utxo.Value
		}

		weightNoChange := b.estimateWeight(len(selected), recipient)
		weightWithChange := b.estimateWeight(
			len(selected), recipient, change,
		)
		feeNoChange := req.FeeRate.FeeForWeight(weightNoChange)
		feeWithChange := req.FeeRate.FeeForWeight(weightWithChange)

		if total < amount+feeNoChange {
			if len(selected) == len(eligible) ||
				len(selected) <= prevCount {

				return nil, &InsufficientFundsError{
					Available: balance,
					Amount:    amount,
					Fee:       feeNoChange,
				}
			}

			amtNeeded = amount + feeNoChange
			prevCount = len(selected)

			continue
		}

		recipientDust := b.dustLimit(req.RecipientScript)
		if amount < recipientDust {
			return nil, fmt.Errorf("%w: amount %v, dust limit %v",
				ErrDustOutput, amount, recipientDust)
		}

		// A remainder too small for its own output is left to the
		// miners.
		changeAmt := total - amount - feeWithChange
		if changeAmt < changeDust {
			return b.stage(
				selected, req, []*wire.TxOut{recipient},
				total-amount, weightNoChange, fn.None[uint32](),
			)
		}

		change.Value = int64(changeAmt)

		return b.stage(
			selected, req, []*wire.TxOut{recipient, change},
			feeWithChange, weightWithChange, fn.Some[uint32](1),
		)
	}
}

// buildSweep spends all eligible outputs to the recipient.
func (b *Builder) buildSweep(eligible []ledger.Utxo, balance btcutil.Amount,
	req *Request) (*UnsignedTransaction, error) {

	selected := SelectAll.Select(eligible, balance)

	recipient := wire.NewTxOut(0, req.RecipientScript)
	weight := b.estimateWeight(len(selected), recipient)
	fee := req.FeeRate.FeeForWeight(weight)

	if balance <= fee {
		return nil, &InsufficientFundsError{
			Available: balance,
			Fee:       fee,
		}
	}

	amount := balance - fee
	recipientDust := b.dustLimit(req.RecipientScript)
	if amount < recipientDust {
		return nil, fmt.Errorf("%w: sweep amount %v, dust limit %v",
			ErrDustOutput, amount, recipientDust)
	}
	recipient.Value = int64(amount)

	return b.stage(
		selected, req, []*wire.TxOut{recipient}, fee, weight,
		fn.None[uint32](),
	)
}

// estimateWeight returns the weight of a transaction spending numInputs
// policy outputs to the given outputs, once signed.
func (b *Builder) estimateWeight(numInputs int,
	outputs ...*wire.TxOut) int64 {

	var estimator weightEstimator
	for i := 0; i < numInputs; i++ {
		estimator.addWitnessInput(b.cfg.Policy.MaxWitnessSize())
	}
	for _, out := range outputs {
		estimator.addOutput(out)
	}

	return estimator.weight()
}

// dustLimit returns the smallest value an output with the given script may
// carry. The mempool threshold is the cost of spending the output at three
// times the relay fee, given in sat/kB.
func (b *Builder) dustLimit(pkScript []byte) btcutil.Amount {
	threshold := mempool.GetDustThreshold(wire.NewTxOut(0, pkScript))
	limit := btcutil.Amount(threshold) * txrules.DefaultRelayFeePerKb /
		1000
	if b.cfg.DustLimit > limit {
		return b.cfg.DustLimit
	}

	return limit
}

// stage assembles the transaction and its PSBT packet.
func (b *Builder) stage(selected []ledger.Utxo, req *Request,
	outputs []*wire.TxOut, fee btcutil.Amount, weight int64,
	changeIndex fn.Option[uint32]) (*UnsignedTransaction, error) {

	sequence := b.cfg.Policy.Sequence()

	tx := wire.NewMsgTx(txVersion)
	for _, utxo := range selected {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: utxo.OutPoint,
			Sequence:         sequence,
		})
	}
	for _, out := range outputs {
		err := txrules.CheckOutput(out, txrules.DefaultRelayFeePerKb)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDustOutput, err)
		}

		tx.AddTxOut(out)
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("unable to create packet: %w", err)
	}

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, err
	}

	witnessScript := b.cfg.Policy.WitnessScript()
	for i, utxo := range selected {
		witnessUtxo := wire.NewTxOut(int64(utxo.Value), utxo.PkScript)
		if err := updater.AddInWitnessUtxo(witnessUtxo, i); err != nil {
			return nil, fmt.Errorf("unable to add witness utxo "+
				"to input %d: %w", i, err)
		}

		err := updater.AddInWitnessScript(witnessScript, i)
		if err != nil {
			return nil, fmt.Errorf("unable to add witness script "+
				"to input %d: %w", i, err)
		}

		err = updater.AddInSighashType(txscript.SigHashAll, i)
		if err != nil {
			return nil, fmt.Errorf("unable to add sighash type "+
				"to input %d: %w", i, err)
		}
	}

	unsigned := &UnsignedTransaction{
		Packet:      packet,
		FeeRate:     req.FeeRate,
		Fee:         fee,
		Weight:      weight,
		Amount:      btcutil.Amount(outputs[0].Value),
		Inputs:      selected,
		ChangeIndex: changeIndex,
	}

	log.Debugf("Built spend of %d inputs (%v) paying %v with fee %v "+
		"(%v, weight %d)", len(selected), unsigned.TotalInput(),
		unsigned.Amount, fee, req.FeeRate, weight)
	log.Tracef("Unsigned %v", logutil.TxClosure(tx))

	return unsigned, nil
}
