package policy

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// SemanticPolicyType is the kind of a semantic policy node.
type SemanticPolicyType string

const (
	// SemanticPolicyTypeKey requires a signature of a public key.
	SemanticPolicyTypeKey SemanticPolicyType = "key"

	// SemanticPolicyTypeOlder is a relative locktime constraint.
	SemanticPolicyTypeOlder SemanticPolicyType = "older"

	// SemanticPolicyTypeThresh requires Threshold of its sub-policies.
	SemanticPolicyTypeThresh SemanticPolicyType = "thresh"
)

// SemanticPolicy is the spending condition a miniscript expresses, without
// the details of how the script enforces it. and_v(v:pk(K),older(N)) lifts to
// thresh(2,pk(K),older(N)).
type SemanticPolicy struct {
	// Type of the node.
	Type SemanticPolicyType `json:"type"`

	// Key is the hex encoded public key of a key node.
	Key *string `json:"key,omitempty"`

	// LockTime is the consensus value of an older node.
	LockTime *uint32 `json:"lockTime,omitempty"`

	// Threshold is the number of Policies a thresh node needs.
	Threshold *uint `json:"threshold,omitempty"`

	// Policies are the children of a thresh node.
	Policies []*SemanticPolicy `json:"policies,omitempty"`
}

// KeyPolicy returns a key node for the given hex encoded key.
func KeyPolicy(key string) *SemanticPolicy {
	return &SemanticPolicy{
		Type: SemanticPolicyTypeKey,
		Key:  &key,
	}
}

// OlderPolicy returns a relative locktime node.
func OlderPolicy(lockTime uint32) *SemanticPolicy {
	return &SemanticPolicy{
		Type:     SemanticPolicyTypeOlder,
		LockTime: &lockTime,
	}
}

// ThreshPolicy returns a threshold node over policies.
func ThreshPolicy(k uint, policies ...*SemanticPolicy) *SemanticPolicy {
	return &SemanticPolicy{
		Type:      SemanticPolicyTypeThresh,
		Threshold: &k,
		Policies:  policies,
	}
}

// Lift returns the semantic policy of p.
func (p *Policy) Lift() *SemanticPolicy {
	key := hex.EncodeToString(p.pubKey.SerializeCompressed())

	return ThreshPolicy(2, KeyPolicy(key), OlderPolicy(p.confirmations))
}

// Equal reports whether both policies are the same tree.
func (s *SemanticPolicy) Equal(other *SemanticPolicy) bool {
	if s == nil || other == nil {
		return s == other
	}

	if s.Type != other.Type || len(s.Policies) != len(other.Policies) {
		return false
	}

	switch s.Type {
	case SemanticPolicyTypeKey:
		return *s.Key == *other.Key

	case SemanticPolicyTypeOlder:
		return *s.LockTime == *other.LockTime

	case SemanticPolicyTypeThresh:
		if *s.Threshold != *other.Threshold {
			return false
		}
		for i := range s.Policies {
			if !s.Policies[i].Equal(other.Policies[i]) {
				return false
			}
		}

		return true
	}

	return false
}

// String renders the policy in the policy language, e.g.
// thresh(2,pk(02..),older(144)).
func (s *SemanticPolicy) String() string {
	switch s.Type {
	case SemanticPolicyTypeKey:
		return "pk(" + *s.Key + ")"

	case SemanticPolicyTypeOlder:
		return fmt.Sprintf("older(%d)", *s.LockTime)

	case SemanticPolicyTypeThresh:
		subs := make([]string, 0, len(s.Policies))
		for _, sub := range s.Policies {
			subs = append(subs, sub.String())
		}

		return fmt.Sprintf("thresh(%d,%s)", *s.Threshold,
			strings.Join(subs, ","))
	}

	return string(s.Type)
}

// keyAndOlder extracts the key and the relative locktime of a policy that
// needs both of exactly one key and one older node.
func (s *SemanticPolicy) keyAndOlder() (*btcec.PublicKey, uint32, error) {
	if s.Type != SemanticPolicyTypeThresh || len(s.Policies) != 2 ||
		*s.Threshold != 2 {

		return nil, 0, fmt.Errorf("%w: policy %v is not a key "+
			"with a relative timelock", ErrMalformedDescriptor, s)
	}

	var (
		keyHex   *string
		lockTime *uint32
	)
	for _, sub := range s.Policies {
		switch sub.Type {
		case SemanticPolicyTypeKey:
			keyHex = sub.Key

		case SemanticPolicyTypeOlder:
			lockTime = sub.LockTime
		}
	}
	if keyHex == nil || lockTime == nil {
		return nil, 0, fmt.Errorf("%w: policy %v is not a key "+
			"with a relative timelock", ErrMalformedDescriptor, s)
	}

	keyBytes, err := hex.DecodeString(*keyHex)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: key: %v",
			ErrMalformedDescriptor, err)
	}
	if len(keyBytes) != btcec.PubKeyBytesLenCompressed {
		return nil, 0, fmt.Errorf("%w: segwit keys must be compressed",
			ErrMalformedDescriptor)
	}

	pubKey, err := btcec.ParsePubKey(keyBytes)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: key: %v",
			ErrMalformedDescriptor, err)
	}

	return pubKey, *lockTime, nil
}
