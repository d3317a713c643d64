package signer

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/csvwallet/logutil"
	"github.com/lightninglabs/csvwallet/policy"
	"github.com/lightninglabs/csvwallet/txbuilder"
)

var (
	// ErrKeyMismatch is returned when the signing key doesn't belong to
	// the policy.
	ErrKeyMismatch = errors.New("private key does not match policy key")

	// ErrPolicyMismatch is returned when an input isn't locked by the
	// policy.
	ErrPolicyMismatch = errors.New("input not locked by policy")

	// ErrSequenceTooLow is returned when the transaction can't satisfy
	// the policy's relative timelock: its version is below 2 or an
	// input's sequence is below the required confirmations.
	ErrSequenceTooLow = errors.New("sequence below policy timelock")

	// ErrScriptVerify is returned when a signed input fails script
	// validation.
	ErrScriptVerify = errors.New("script verification failed")
)

// SignedTransaction is a fully signed transaction. It is immutable, every
// accessor returns a copy.
type SignedTransaction struct {
	tx  *wire.MsgTx
	fee btcutil.Amount
}

// TxHash returns the id of the transaction.
func (s *SignedTransaction) TxHash() chainhash.Hash {
	return s.tx.TxHash()
}

// Serialize returns the consensus serialization of the transaction,
// including the witness.
func (s *SignedTransaction) Serialize() []byte {
	var buf bytes.Buffer
	_ = s.tx.Serialize(&buf)

	return buf.Bytes()
}

// Hex returns the hex encoded serialization of the transaction.
func (s *SignedTransaction) Hex() string {
	return hex.EncodeToString(s.Serialize())
}

// Fee returns the absolute fee the transaction pays.
func (s *SignedTransaction) Fee() btcutil.Amount {
	return s.fee
}

// Weight returns the weight of the transaction.
func (s *SignedTransaction) Weight() int64 {
	return blockchain.GetTransactionWeight(btcutil.NewTx(s.tx))
}

// Tx returns a deep copy of the transaction.
func (s *SignedTransaction) Tx() *wire.MsgTx {
	return s.tx.Copy()
}

// Sign signs every input of the transaction with the policy key and returns
// the finalized transaction. Each input is verified against its output script
// before returning. ECDSA signatures use RFC6979 nonces, so signing the same
// transaction twice yields the same bytes.
func Sign(unsigned *txbuilder.UnsignedTransaction, key *btcec.PrivateKey,
	p *policy.Policy) (*SignedTransaction, error) {

	if !key.PubKey().IsEqual(p.PubKey()) {
		return nil, ErrKeyMismatch
	}

	// Work on a copy so the unsigned transaction can be signed again.
	packet, err := copyPacket(unsigned.Packet)
	if err != nil {
		return nil, err
	}

	tx := packet.UnsignedTx
	if err := checkTimelock(tx, p); err != nil {
		return nil, err
	}

	witnessScript := p.WitnessScript()
	pkScript := p.PkScript()

	prevOutFetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range tx.TxIn {
		pInput := packet.Inputs[i]
		if pInput.WitnessUtxo == nil {
			return nil, fmt.Errorf("input %d is missing its "+
				"witness utxo", i)
		}
		if !bytes.Equal(pInput.WitnessUtxo.PkScript, pkScript) {
			return nil, fmt.Errorf("%w: input %d spends %x",
				ErrPolicyMismatch, i,
				pInput.WitnessUtxo.PkScript)
		}

		prevOutFetcher.AddPrevOut(
			txIn.PreviousOutPoint, pInput.WitnessUtxo,
		)
	}

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, err
	}

	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)
	pubKey := key.PubKey().SerializeCompressed()
	for i := range tx.TxIn {
		sig, err := txscript.RawTxInWitnessSignature(
			tx, sigHashes, i, packet.Inputs[i].WitnessUtxo.Value,
			witnessScript, txscript.SigHashAll, key,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to sign input %d: %w",
				i, err)
		}

		_, err = updater.Sign(i, sig, pubKey, nil, witnessScript)
		if err != nil {
			return nil, fmt.Errorf("unable to add signature to "+
				"input %d: %w", i, err)
		}

		if err := finalizeInput(packet, i, p.Witness(sig)); err != nil {
			return nil, err
		}
	}

	finalTx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("unable to extract transaction: %w",
			err)
	}

	if err := verifyInputs(finalTx, prevOutFetcher); err != nil {
		return nil, err
	}

	signed := &SignedTransaction{
		tx:  finalTx,
		fee: unsigned.Fee,
	}

	log.Debugf("Signed transaction %v spending %d inputs, weight %d",
		signed.TxHash(), len(finalTx.TxIn), signed.Weight())
	log.Tracef("Signed transaction: %v", logutil.SpewLogClosure(finalTx))

	return signed, nil
}

// checkTimelock makes sure the transaction can satisfy the relative
// timelock: BIP-68 only applies to version 2 transactions, and every input
// must signal a block based lock of at least the policy's confirmations.
func checkTimelock(tx *wire.MsgTx, p *policy.Policy) error {
	if tx.Version < 2 {
		return fmt.Errorf("%w: version %d", ErrSequenceTooLow,
			tx.Version)
	}

	for i, txIn := range tx.TxIn {
		seq := txIn.Sequence

		switch {
		case seq&wire.SequenceLockTimeDisabled != 0:
			return fmt.Errorf("%w: input %d disables its lock",
				ErrSequenceTooLow, i)

		case seq&wire.SequenceLockTimeIsSeconds != 0:
			return fmt.Errorf("%w: input %d uses a time based "+
				"lock", ErrSequenceTooLow, i)

		case seq&wire.SequenceLockTimeMask < p.Sequence():
			return fmt.Errorf("%w: input %d has sequence %d, "+
				"need %d", ErrSequenceTooLow, i, seq,
				p.Sequence())
		}
	}

	return nil
}

// finalizeInput writes the witness into the input's final witness field.
func finalizeInput(packet *psbt.Packet, index int,
	witness wire.TxWitness) error {

	var buf bytes.Buffer
	if err := psbt.WriteTxWitness(&buf, witness); err != nil {
		return fmt.Errorf("error serializing witness: %w", err)
	}

	pInput := &packet.Inputs[index]
	pInput.FinalScriptWitness = buf.Bytes()

	// The signing data is no longer needed once the input is final.
	pInput.PartialSigs = nil
	pInput.SighashType = 0
	pInput.WitnessScript = nil

	return nil
}

// verifyInputs runs the script engine over every input of the transaction.
func verifyInputs(tx *wire.MsgTx,
	prevOutFetcher *txscript.MultiPrevOutFetcher) error {

	for i, txIn := range tx.TxIn {
		prevOut := prevOutFetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		if prevOut == nil {
			return fmt.Errorf("%w: input %d has no previous output",
				ErrScriptVerify, i)
		}
	}

	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)
	for i, txIn := range tx.TxIn {
		prevOut := prevOutFetcher.FetchPrevOutput(txIn.PreviousOutPoint)

		vm, err := txscript.NewEngine(
			prevOut.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, prevOut.Value, prevOutFetcher,
		)
		if err != nil {
			return fmt.Errorf("%w: input %d: %v", ErrScriptVerify,
				i, err)
		}
		if err := vm.Execute(); err != nil {
			log.Debugf("Failed to validate transaction: %v",
				logutil.SpewLogClosure(tx))

			return fmt.Errorf("%w: input %d: %v", ErrScriptVerify,
				i, err)
		}
	}

	return nil
}

// copyPacket returns a deep copy of the packet.
func copyPacket(packet *psbt.Packet) (*psbt.Packet, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("unable to serialize packet: %w", err)
	}

	return psbt.NewFromRawBytes(&buf, false)
}
