package policy

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// ErrIndexOutOfRange is returned when a keychain is asked for an index past
// its last derivable script.
var ErrIndexOutOfRange = errors.New("keychain index out of range")

// Keychain exposes the scripts a policy can be paid to, indexed the way a
// descriptor wallet indexes its external addresses. A policy built from a
// single key has no wildcard, so it derives exactly one script at index 0
// that is reused for every deposit.
type Keychain struct {
	policy *Policy
	params *chaincfg.Params
}

// Keychain returns the single-script keychain of the policy on the given
// network.
func (p *Policy) Keychain(params *chaincfg.Params) *Keychain {
	return &Keychain{
		policy: p,
		params: params,
	}
}

// ScriptAt returns the output script at the given index.
func (k *Keychain) ScriptAt(index uint32) ([]byte, error) {
	if index > k.MaxIndex() {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}

	return k.policy.PkScript(), nil
}

// AddressAt returns the address at the given index.
func (k *Keychain) AddressAt(index uint32) (btcutil.Address, error) {
	if index > k.MaxIndex() {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}

	return k.policy.Address(k.params)
}

// MaxIndex returns the highest index the keychain can derive.
func (k *Keychain) MaxIndex() uint32 {
	return 0
}

// Policy returns the policy backing the keychain.
func (k *Keychain) Policy() *Policy {
	return k.policy
}
