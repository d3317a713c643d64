package policy

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// MaxConfirmations is the largest relative block delay that can be
	// expressed in the 16-bit value field of a BIP-68 sequence number.
	MaxConfirmations = wire.SequenceLockTimeMask

	// maxDERSignatureSize is the largest possible DER-encoded ECDSA
	// signature, including the trailing sighash flag.
	maxDERSignatureSize = 73
)

var (
	// ErrInvalidConfirmations is returned when a policy is requested with
	// a relative timelock of zero blocks or more blocks than BIP-68 can
	// express.
	ErrInvalidConfirmations = errors.New("invalid relative timelock " +
		"confirmations")

	// ErrNilKey is returned when a policy is requested without a key.
	ErrNilKey = errors.New("policy public key must be set")
)

// Policy is a compiled signature plus relative timelock spending policy. The
// miniscript equivalent is:
//
//	and_v(v:pk(<key>),older(<confirmations>))
//
// The witness script it compiles to is:
//
//	<key> OP_CHECKSIGVERIFY <confirmations> OP_CHECKSEQUENCEVERIFY
//
// A spend therefore needs a valid signature for the key, and the spending
// input's sequence must encode at least the given number of blocks since the
// output confirmed. There is no branch that satisfies the script with only one
// of the two. A Policy is immutable once compiled.
type Policy struct {
	pubKey        *btcec.PublicKey
	confirmations uint32

	witnessScript []byte
	pkScript      []byte
}

// Compile builds the spending policy for the given key and relative timelock
// depth. The output is deterministic: the same key and depth always yield a
// byte identical script.
func Compile(pubKey *btcec.PublicKey, confirmations uint32) (*Policy, error) {
	if pubKey == nil {
		return nil, ErrNilKey
	}

	if confirmations < 1 || confirmations > MaxConfirmations {
		return nil, fmt.Errorf("%w: %d, must be within [1, %d]",
			ErrInvalidConfirmations, confirmations,
			MaxConfirmations)
	}

	witnessScript, err := timelockedSigScript(pubKey, confirmations)
	if err != nil {
		return nil, err
	}

	pkScript, err := witnessScriptHash(witnessScript)
	if err != nil {
		return nil, err
	}

	return &Policy{
		pubKey:        pubKey,
		confirmations: confirmations,
		witnessScript: witnessScript,
		pkScript:      pkScript,
	}, nil
}

// timelockedSigScript generates the witness script for the policy.
//
// Possible Input Scripts:
//
//	<sig>
//
// Output Script:
//
//	<key> OP_CHECKSIGVERIFY <numRelativeBlocks> OP_CHECKSEQUENCEVERIFY
func timelockedSigScript(pubKey *btcec.PublicKey,
	confirmations uint32) ([]byte, error) {

	builder := txscript.NewScriptBuilder()

	// The signature check is unconditional. CHECKSIGVERIFY fails the
	// script right away if the signature does not match.
	builder.AddData(pubKey.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)

	// CSV leaves the delay on the stack, which is exactly the truthy
	// value that ends script evaluation successfully.
	builder.AddInt64(int64(confirmations))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)

	return builder.Script()
}

// witnessScriptHash generates a pay-to-witness-script-hash public key script
// paying to a version 0 witness program paying to the passed redeem script.
func witnessScriptHash(witnessScript []byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()

	bldr.AddOp(txscript.OP_0)
	scriptHash := sha256.Sum256(witnessScript)
	bldr.AddData(scriptHash[:])

	return bldr.Script()
}

// PubKey returns the key whose signature the policy requires.
func (p *Policy) PubKey() *btcec.PublicKey {
	return p.pubKey
}

// Confirmations returns the relative timelock depth in blocks.
func (p *Policy) Confirmations() uint32 {
	return p.confirmations
}

// WitnessScript returns a copy of the compiled witness script.
func (p *Policy) WitnessScript() []byte {
	return append([]byte(nil), p.witnessScript...)
}

// PkScript returns a copy of the P2WSH output script locking to the policy.
func (p *Policy) PkScript() []byte {
	return append([]byte(nil), p.pkScript...)
}

// Address returns the P2WSH address of the policy for the given network.
func (p *Policy) Address(params *chaincfg.Params) (btcutil.Address, error) {
	scriptHash := sha256.Sum256(p.witnessScript)

	return btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
}

// Sequence returns the BIP-68 sequence number every spending input must carry
// to satisfy the timelock. Only the block based form is used, so the value is
// just the number of blocks with the disable and type flags unset.
func (p *Policy) Sequence() uint32 {
	return p.confirmations
}

// MaturityHeight returns the first chain tip height at which an output that
// confirmed at confHeight can be spent under the policy.
func (p *Policy) MaturityHeight(confHeight int32) int32 {
	return confHeight + int32(p.confirmations)
}

// IsMature reports whether an output confirmed at confHeight satisfies the
// timelock with the chain tip at tipHeight.
func (p *Policy) IsMature(confHeight, tipHeight int32) bool {
	return tipHeight >= p.MaturityHeight(confHeight)
}

// MaxWitnessSize returns the worst case serialized size of the witness that
// satisfies the policy: the item count, a maximum size DER signature with its
// sighash flag and the witness script, each with its length prefix.
//
// The timelock branch needs no witness item of its own, but the witness script
// is larger than a P2WKH spend's public key, so callers sizing fees must use
// this instead of the P2WKH constants.
func (p *Policy) MaxWitnessSize() int {
	scriptLen := len(p.witnessScript)

	return wire.VarIntSerializeSize(2) +
		wire.VarIntSerializeSize(maxDERSignatureSize) +
		maxDERSignatureSize +
		wire.VarIntSerializeSize(uint64(scriptLen)) +
		scriptLen
}

// Witness assembles the witness stack satisfying the policy for the given
// signature, which must already carry its sighash flag.
func (p *Policy) Witness(sig []byte) wire.TxWitness {
	witness := make(wire.TxWitness, 2)
	witness[0] = sig
	witness[1] = p.WitnessScript()

	return witness
}

// Equal reports whether both policies compile to the same script.
func (p *Policy) Equal(other *Policy) bool {
	if other == nil {
		return false
	}

	return p.confirmations == other.confirmations &&
		p.pubKey.IsEqual(other.pubKey)
}
