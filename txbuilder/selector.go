package txbuilder

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/csvwallet/ledger"
)

// InputSelector picks the outputs that fund a spend.
type InputSelector interface {
	// Select returns the subset of the eligible outputs used to fund at
	// least target, in the order they'll appear as inputs. If the outputs
	// can't reach the target, all of them are returned.
	Select(eligible []ledger.Utxo, target btcutil.Amount) []ledger.Utxo
}

var (
	// SelectAll spends every eligible output, regardless of the target.
	// The wallet controls a single script, so there is nothing to gain
	// from leaving coins behind.
	SelectAll InputSelector = &selectAllSelector{}

	// LargestFirst picks the largest outputs until the target is reached.
	LargestFirst InputSelector = &largestFirstSelector{}
)

type selectAllSelector struct{}

// Select returns all eligible outputs ordered by outpoint.
func (s *selectAllSelector) Select(eligible []ledger.Utxo,
	_ btcutil.Amount) []ledger.Utxo {

	selected := make([]ledger.Utxo, len(eligible))
	copy(selected, eligible)
	sort.Sort(byOutPoint(selected))

	return selected
}

type largestFirstSelector struct{}

// Select returns the largest outputs whose sum reaches the target.
func (s *largestFirstSelector) Select(eligible []ledger.Utxo,
	target btcutil.Amount) []ledger.Utxo {

	arranged := make([]ledger.Utxo, len(eligible))
	copy(arranged, eligible)
	sort.Sort(sort.Reverse(byAmount(arranged)))

	var total btcutil.Amount
	for i, utxo := range arranged {
		total += utxo.Value
		if total >= target {
			return arranged[:i+1]
		}
	}

	return arranged
}

// byOutPoint sorts outputs by their outpoint.
type byOutPoint []ledger.Utxo

func (s byOutPoint) Len() int      { return len(s) }
func (s byOutPoint) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byOutPoint) Less(i, j int) bool {
	a, b := s[i].OutPoint, s[j].OutPoint
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c < 0
	}

	return a.Index < b.Index
}

// byAmount sorts outputs by value, breaking ties by outpoint so the order is
// stable across calls.
type byAmount []ledger.Utxo

func (s byAmount) Len() int      { return len(s) }
func (s byAmount) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byAmount) Less(i, j int) bool {
	if s[i].Value != s[j].Value {
		return s[i].Value < s[j].Value
	}

	// Reversed, so the smaller outpoint ends up first in a descending
	// sort.
	return byOutPoint(s).Less(j, i)
}
