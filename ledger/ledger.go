package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/csvwallet/logutil"
	"github.com/lightninglabs/csvwallet/monitoring"
	"github.com/lightninglabs/csvwallet/scanner"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrUnknownKeychain is returned when a keychain is requested that the
// ledger wasn't created with.
var ErrUnknownKeychain = errors.New("unknown keychain")

// Utxo is an unspent output controlled by the wallet.
type Utxo struct {
	// OutPoint identifies the output.
	OutPoint wire.OutPoint

	// Value is the amount the output carries.
	Value btcutil.Amount

	// PkScript is the output script.
	PkScript []byte

	// Keychain is the keychain the output script belongs to.
	Keychain scanner.KeychainKind

	// KeychainIndex is the index of the output script in its keychain.
	KeychainIndex uint32

	// ConfHeight is the height the output confirmed at, None while it is
	// unconfirmed.
	ConfHeight fn.Option[int32]
}

// Confirmed reports whether the output is in a block.
func (u Utxo) Confirmed() bool {
	return u.ConfHeight.IsSome()
}

// Balance is the wallet balance split by confirmation state.
type Balance struct {
	// Confirmed is the sum of all confirmed outputs, whether or not their
	// timelock has matured yet.
	Confirmed btcutil.Amount

	// Unconfirmed is the sum of all outputs still in the mempool.
	Unconfirmed btcutil.Amount

	// Immature is the sum of immature coinbase outputs. The wallet never
	// receives coinbase outputs under its policy, so this is always zero.
	Immature btcutil.Amount
}

// Total returns the sum of all outputs.
func (b Balance) Total() btcutil.Amount {
	return b.Confirmed + b.Unconfirmed + b.Immature
}

// String returns a human readable form of the balance.
func (b Balance) String() string {
	return fmt.Sprintf("confirmed=%v, unconfirmed=%v, immature=%v",
		b.Confirmed, b.Unconfirmed, b.Immature)
}

// Ledger tracks the outputs of the wallet and the usage of its keychains. It
// only changes through Apply, which commits a complete scan result at once,
// so readers never observe a scan halfway through.
type Ledger struct {
	keychains map[scanner.KeychainKind]scanner.Keychain

	mu        sync.RWMutex
	utxos     map[wire.OutPoint]Utxo
	used      map[scanner.KeychainKind]map[uint32]struct{}
	tipHeight int32
}

// New creates an empty ledger for the given keychains.
func New(keychains map[scanner.KeychainKind]scanner.Keychain) *Ledger {
	used := make(map[scanner.KeychainKind]map[uint32]struct{})
	for kind := range keychains {
		used[kind] = make(map[uint32]struct{})
	}

	return &Ledger{
		keychains: keychains,
		utxos:     make(map[wire.OutPoint]Utxo),
		used:      used,
	}
}

// Keychains returns the keychains the ledger tracks.
func (l *Ledger) Keychains() map[scanner.KeychainKind]scanner.Keychain {
	return l.keychains
}

// Apply commits a scan result. Every explored script's outputs are replaced
// by the unspent outputs the scan found for it, spent outpoints are dropped
// and active indices are marked used. Applying the same result twice leaves
// the ledger unchanged.
func (l *Ledger) Apply(res *scanner.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()

	type scriptRef struct {
		kind  scanner.KeychainKind
		index uint32
	}

	explored := make(map[scriptRef]struct{})
	for kind, indices := range res.Explored {
		for _, index := range indices {
			ref := scriptRef{kind: kind, index: index}
			explored[ref] = struct{}{}
		}
	}

	// The scan returns the complete history of an explored script, so
	// anything we hold for it that isn't reported again is gone, e.g. an
	// unconfirmed deposit that was replaced.
	for op, utxo := range l.utxos {
		ref := scriptRef{kind: utxo.Keychain, index: utxo.KeychainIndex}
		if _, ok := explored[ref]; ok {
			delete(l.utxos, op)
		}
	}

	for _, output := range res.NewUtxos {
		l.utxos[output.OutPoint] = Utxo{
			OutPoint:      output.OutPoint,
			Value:         output.Value,
			PkScript:      output.PkScript,
			Keychain:      output.Keychain,
			KeychainIndex: output.Index,
			ConfHeight:    output.ConfHeight,
		}
	}

	for _, op := range res.SpentUtxos {
		delete(l.utxos, op)
	}

	for kind, indices := range res.ActiveIndices {
		used, ok := l.used[kind]
		if !ok {
			used = make(map[uint32]struct{})
			l.used[kind] = used
		}

		for _, index := range indices {
			used[index] = struct{}{}
		}
	}

	l.tipHeight = res.TipHeight

	balance := l.balance()
	monitoring.SetBalance(
		int64(balance.Confirmed), int64(balance.Unconfirmed),
	)

	log.Debugf("Applied scan at tip %d: %d utxos, balance %v",
		res.TipHeight, len(l.utxos), balance)
	log.Tracef("Scan result: %v", logutil.SpewLogClosure(res))
}

// Balance returns the current balance.
func (l *Ledger) Balance() Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.balance()
}

// balance computes the balance. The caller must hold the lock.
func (l *Ledger) balance() Balance {
	var b Balance
	for _, utxo := range l.utxos {
		if utxo.Confirmed() {
			b.Confirmed += utxo.Value
		} else {
			b.Unconfirmed += utxo.Value
		}
	}

	return b
}

// Utxos returns all unspent outputs, ordered by outpoint.
func (l *Ledger) Utxos() []Utxo {
	return l.filter(func(Utxo) bool { return true })
}

// ConfirmedUtxos returns the confirmed unspent outputs, ordered by outpoint.
func (l *Ledger) ConfirmedUtxos() []Utxo {
	return l.filter(Utxo.Confirmed)
}

func (l *Ledger) filter(keep func(Utxo) bool) []Utxo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	utxos := make([]Utxo, 0, len(l.utxos))
	for _, utxo := range l.utxos {
		if keep(utxo) {
			utxos = append(utxos, utxo)
		}
	}

	sort.Slice(utxos, func(i, j int) bool {
		a, b := utxos[i].OutPoint, utxos[j].OutPoint
		if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
			return c < 0
		}

		return a.Index < b.Index
	})

	return utxos
}

// KnownOutPoints returns the set of outpoints currently tracked.
func (l *Ledger) KnownOutPoints() scanner.OutPointSet {
	l.mu.RLock()
	defer l.mu.RUnlock()

	known := make(scanner.OutPointSet, len(l.utxos))
	for op := range l.utxos {
		known[op] = struct{}{}
	}

	return known
}

// TipHeight returns the chain tip height of the last applied scan.
func (l *Ledger) TipHeight() int32 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.tipHeight
}

// UnusedAddress returns the lowest index of the keychain without any observed
// activity, together with its script. A keychain that can't derive past its
// last index keeps handing out that index.
func (l *Ledger) UnusedAddress(kind scanner.KeychainKind) (uint32, []byte,
	error) {

	keychain, ok := l.keychains[kind]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnknownKeychain, kind)
	}

	l.mu.RLock()
	used := l.used[kind]
	var index uint32
	for index < keychain.MaxIndex() {
		if _, ok := used[index]; !ok {
			break
		}
		index++
	}
	l.mu.RUnlock()

	pkScript, err := keychain.ScriptAt(index)
	if err != nil {
		return 0, nil, err
	}

	return index, pkScript, nil
}

// Cursor returns where the next scan of the keychain should resume: right
// after its highest used index, revisiting every used index on the way.
func (l *Ledger) Cursor(kind scanner.KeychainKind) scanner.Cursor {
	l.mu.RLock()
	defer l.mu.RUnlock()

	used := l.used[kind]
	if len(used) == 0 {
		return scanner.Cursor{}
	}

	revisit := make([]uint32, 0, len(used))
	for index := range used {
		revisit = append(revisit, index)
	}
	sort.Slice(revisit, func(i, j int) bool {
		return revisit[i] < revisit[j]
	})

	return scanner.Cursor{
		StartIndex: revisit[len(revisit)-1] + 1,
		Revisit:    revisit,
	}
}

// Cursors returns the cursors of all keychains.
func (l *Ledger) Cursors() map[scanner.KeychainKind]scanner.Cursor {
	cursors := make(map[scanner.KeychainKind]scanner.Cursor)
	for kind := range l.keychains {
		cursors[kind] = l.Cursor(kind)
	}

	return cursors
}
